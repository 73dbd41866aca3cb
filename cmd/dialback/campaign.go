package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kalambet/dialback/internal/api"
	"github.com/kalambet/dialback/internal/storage"
)

// campaignFile is the recipients file read by `campaign run`.
type campaignFile struct {
	Purpose     string      `yaml:"purpose"`
	Reason      string      `yaml:"reason"`
	Language    string      `yaml:"language"`
	Notes       string      `yaml:"notes"`
	ScheduledAt string      `yaml:"scheduled_at"`
	Dispatch    bool        `yaml:"dispatch"`
	Concurrency int         `yaml:"concurrency"`
	Recipients  []recipient `yaml:"recipients"`
}

// recipient names an existing subject or describes a new one.
type recipient struct {
	SubjectID string `yaml:"subject_id" json:"-"`
	Name      string `yaml:"name" json:"name"`
	Phone     string `yaml:"phone" json:"phone"`
	Language  string `yaml:"language" json:"language,omitempty"`
	Timezone  string `yaml:"timezone" json:"timezone,omitempty"`
}

func loadCampaignFile(path string) (campaignFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return campaignFile{}, fmt.Errorf("reading campaign file: %w", err)
	}
	var f campaignFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return campaignFile{}, fmt.Errorf("parsing campaign file %s: %w", path, err)
	}
	if len(f.Recipients) == 0 {
		return campaignFile{}, fmt.Errorf("campaign file %s lists no recipients", path)
	}
	for i, r := range f.Recipients {
		if r.SubjectID == "" && (strings.TrimSpace(r.Name) == "" || strings.TrimSpace(r.Phone) == "") {
			return campaignFile{}, fmt.Errorf("recipient %d: subject_id or both name and phone are required", i+1)
		}
	}
	return f, nil
}

func createSubject(ctx context.Context, client *apiClient, r recipient) (storage.Subject, error) {
	resp, err := client.post(ctx, "/subjects", r)
	if err != nil {
		return storage.Subject{}, err
	}
	var sub storage.Subject
	if err := decodeJSON(resp, &sub); err != nil {
		return storage.Subject{}, fmt.Errorf("creating subject %s: %w", r.Name, err)
	}
	return sub, nil
}

// runCampaign resolves every recipient to a subject, then creates the
// campaign in one request.
func runCampaign(ctx context.Context, client *apiClient, f campaignFile) (api.CampaignResponse, error) {
	subjectIDs := make([]string, 0, len(f.Recipients))
	for _, r := range f.Recipients {
		if r.SubjectID != "" {
			subjectIDs = append(subjectIDs, r.SubjectID)
			continue
		}
		sub, err := createSubject(ctx, client, r)
		if err != nil {
			return api.CampaignResponse{}, err
		}
		subjectIDs = append(subjectIDs, sub.ID)
	}

	resp, err := client.post(ctx, "/campaigns", api.CampaignRequest{
		SubjectIDs:  subjectIDs,
		ScheduledAt: f.ScheduledAt,
		Reason:      f.Reason,
		Purpose:     f.Purpose,
		Language:    f.Language,
		Notes:       f.Notes,
		Dispatch:    f.Dispatch,
		Concurrency: f.Concurrency,
	})
	if err != nil {
		return api.CampaignResponse{}, err
	}
	var out api.CampaignResponse
	if err := decodeJSON(resp, &out); err != nil {
		return api.CampaignResponse{}, err
	}
	return out, nil
}
