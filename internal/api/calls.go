package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kalambet/dialback/internal/apperr"
	"github.com/kalambet/dialback/internal/dispatch"
	"github.com/kalambet/dialback/internal/storage"
)

const maxBatchSize = 500

type SubjectRequest struct {
	Name     string `json:"name"`
	Phone    string `json:"phone"`
	Language string `json:"language"`
	Timezone string `json:"timezone"`
}

type CallRequest struct {
	SubjectID   string `json:"subject_id"`
	ScheduledAt string `json:"scheduled_at"`
	Reason      string `json:"reason"`
	Purpose     string `json:"purpose"`
	Language    string `json:"language"`
	Notes       string `json:"notes"`
}

type DispatchRequest struct {
	Force bool `json:"force"`
}

type BatchRequest struct {
	CallIDs     []string `json:"call_ids"`
	Concurrency int      `json:"concurrency"`
	Force       bool     `json:"force"`
}

type CampaignRequest struct {
	SubjectIDs  []string `json:"subject_ids"`
	ScheduledAt string   `json:"scheduled_at"`
	Reason      string   `json:"reason"`
	Purpose     string   `json:"purpose"`
	Language    string   `json:"language"`
	Notes       string   `json:"notes"`
	Dispatch    bool     `json:"dispatch"`
	Concurrency int      `json:"concurrency"`
}

type CampaignResponse struct {
	CampaignID string                `json:"campaign_id"`
	Calls      []storage.Call        `json:"calls"`
	Report     *dispatch.BatchReport `json:"report,omitempty"`
}

type EvaluationResponse struct {
	Evaluation  storage.Evaluation   `json:"evaluation"`
	ActionItems []storage.ActionItem `json:"action_items"`
}

func parseScheduledAt(value string) (time.Time, error) {
	if strings.TrimSpace(value) == "" {
		return time.Now().UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, apperr.BadInput(fmt.Sprintf("scheduled_at must be RFC 3339: %v", err))
	}
	return t.UTC(), nil
}

func loadCall(store *storage.Store, id string) (storage.Call, error) {
	call, err := store.GetCall(id)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Call{}, apperr.NotFound(fmt.Sprintf("call %s not found", id))
	}
	if err != nil {
		return storage.Call{}, apperr.Internal(err, "loading call")
	}
	return call, nil
}

func handleCreateSubject(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req SubjectRequest
		if err := decodeBody(w, r, &req); err != nil {
			writeError(w, err)
			return
		}
		req.Name = strings.TrimSpace(req.Name)
		req.Phone = strings.TrimSpace(req.Phone)
		if req.Name == "" || req.Phone == "" {
			writeError(w, apperr.BadInput("name and phone are required"))
			return
		}

		sub := storage.Subject{
			ID:        uuid.New().String(),
			Name:      req.Name,
			Phone:     req.Phone,
			Language:  req.Language,
			Timezone:  req.Timezone,
			CreatedAt: time.Now().UTC(),
		}
		if err := deps.Store.CreateSubject(sub); err != nil {
			writeError(w, apperr.Internal(err, "creating subject"))
			return
		}
		writeJSON(w, http.StatusCreated, sub)
	}
}

func handleGetSubject(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		sub, err := deps.Store.GetSubject(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "subject %s not found", id)
			return
		}
		if err != nil {
			writeError(w, apperr.Internal(err, "loading subject"))
			return
		}
		writeJSON(w, http.StatusOK, sub)
	}
}

func handleCreateCall(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CallRequest
		if err := decodeBody(w, r, &req); err != nil {
			writeError(w, err)
			return
		}
		if req.SubjectID == "" {
			writeError(w, apperr.BadInput("subject_id is required"))
			return
		}
		at, err := parseScheduledAt(req.ScheduledAt)
		if err != nil {
			writeError(w, err)
			return
		}
		if _, err := deps.Store.GetSubject(req.SubjectID); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				writeError(w, apperr.BadInput(fmt.Sprintf("subject %s not found", req.SubjectID)))
				return
			}
			writeError(w, apperr.Internal(err, "loading subject"))
			return
		}

		now := time.Now().UTC()
		call := storage.Call{
			ID:          uuid.New().String(),
			SubjectID:   req.SubjectID,
			ScheduledAt: at,
			Status:      storage.StatusPending,
			Reason:      req.Reason,
			Purpose:     req.Purpose,
			Language:    req.Language,
			Notes:       req.Notes,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := deps.Store.CreateCall(call); err != nil {
			writeError(w, apperr.Internal(err, "creating call"))
			return
		}
		writeJSON(w, http.StatusCreated, call)
	}
}

func handleListCalls(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := storage.CallStatus(r.URL.Query().Get("status"))
		if status != "" && !status.Valid() {
			writeError(w, apperr.BadInput(fmt.Sprintf("unknown status %q", status)))
			return
		}
		limit := parseIntParam(r, "limit", 20, 100)
		offset := parseIntParam(r, "offset", 0, 0)

		calls, err := deps.Store.ListCalls(status, limit, offset)
		if err != nil {
			writeError(w, apperr.Internal(err, "listing calls"))
			return
		}
		if calls == nil {
			calls = []storage.Call{}
		}
		writeJSON(w, http.StatusOK, calls)
	}
}

func handleGetCall(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		call, err := loadCall(deps.Store, chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, call)
	}
}

func handleDispatchCall(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req DispatchRequest
		if err := decodeBody(w, r, &req); err != nil {
			writeError(w, err)
			return
		}
		res, err := deps.Engine.Dispatch(r.Context(), chi.URLParam(r, "id"), dispatch.Options{Force: req.Force})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func handleCancelCall(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		ok, current, err := deps.Store.CancelCall(id)
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, apperr.NotFound(fmt.Sprintf("call %s not found", id)))
			return
		}
		if err != nil {
			writeError(w, apperr.Internal(err, "cancelling call"))
			return
		}
		if !ok {
			writeError(w, apperr.InvalidState(
				fmt.Sprintf("call %s is %s and cannot be cancelled", id, current), string(current)))
			return
		}

		if err := deps.Store.AppendAudit(storage.AuditEntry{
			CallID:  id,
			Level:   "info",
			Event:   "call_cancelled",
			Message: "call cancelled",
		}); err != nil {
			slog.Warn("audit write failed", "call_id", id, "event", "call_cancelled", "error", err)
		}

		call, err := loadCall(deps.Store, id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, call)
	}
}

func handleSyncCall(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		out, err := deps.Reconciler.SyncCall(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleGetEvaluation(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		call, err := loadCall(deps.Store, chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, err)
			return
		}
		eval, err := deps.Store.GetEvaluation(call.ID)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "call %s has not been synced yet", call.ID)
			return
		}
		if err != nil {
			writeError(w, apperr.Internal(err, "loading evaluation"))
			return
		}
		items, err := deps.Store.ListActionItems(call.ID)
		if err != nil {
			writeError(w, apperr.Internal(err, "loading action items"))
			return
		}
		if items == nil {
			items = []storage.ActionItem{}
		}
		writeJSON(w, http.StatusOK, EvaluationResponse{Evaluation: eval, ActionItems: items})
	}
}

func handleListAudit(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		call, err := loadCall(deps.Store, chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, err)
			return
		}
		entries, err := deps.Store.ListAudit(call.ID)
		if err != nil {
			writeError(w, apperr.Internal(err, "listing audit log"))
			return
		}
		if entries == nil {
			entries = []storage.AuditEntry{}
		}
		writeJSON(w, http.StatusOK, entries)
	}
}

func handleDispatchBatch(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req BatchRequest
		if err := decodeBody(w, r, &req); err != nil {
			writeError(w, err)
			return
		}
		if len(req.CallIDs) == 0 {
			writeError(w, apperr.BadInput("call_ids is required"))
			return
		}
		if len(req.CallIDs) > maxBatchSize {
			writeError(w, apperr.BadInput(fmt.Sprintf("at most %d call_ids per batch", maxBatchSize)))
			return
		}
		concurrency := req.Concurrency
		if concurrency <= 0 {
			concurrency = deps.BatchConcurrency
		}
		report := deps.Engine.DispatchBatch(r.Context(), req.CallIDs, concurrency, dispatch.Options{Force: req.Force})
		writeJSON(w, http.StatusOK, report)
	}
}

// handleCreateCampaign creates one pending call per subject under a fresh
// campaign id and, when asked, dispatches them through the batch path.
// Every subject is checked before anything is written.
func handleCreateCampaign(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CampaignRequest
		if err := decodeBody(w, r, &req); err != nil {
			writeError(w, err)
			return
		}
		if len(req.SubjectIDs) == 0 {
			writeError(w, apperr.BadInput("subject_ids is required"))
			return
		}
		if len(req.SubjectIDs) > maxBatchSize {
			writeError(w, apperr.BadInput(fmt.Sprintf("at most %d subjects per campaign", maxBatchSize)))
			return
		}
		at, err := parseScheduledAt(req.ScheduledAt)
		if err != nil {
			writeError(w, err)
			return
		}
		seen := make(map[string]bool, len(req.SubjectIDs))
		for _, id := range req.SubjectIDs {
			if seen[id] {
				writeError(w, apperr.BadInput(fmt.Sprintf("subject %s listed twice", id)))
				return
			}
			seen[id] = true
			if _, err := deps.Store.GetSubject(id); err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					writeError(w, apperr.BadInput(fmt.Sprintf("subject %s not found", id)))
					return
				}
				writeError(w, apperr.Internal(err, "loading subject"))
				return
			}
		}

		resp := CampaignResponse{CampaignID: uuid.New().String()}
		now := time.Now().UTC()
		ids := make([]string, 0, len(req.SubjectIDs))
		for _, subjectID := range req.SubjectIDs {
			call := storage.Call{
				ID:          uuid.New().String(),
				SubjectID:   subjectID,
				ScheduledAt: at,
				Status:      storage.StatusPending,
				CampaignID:  resp.CampaignID,
				Reason:      req.Reason,
				Purpose:     req.Purpose,
				Language:    req.Language,
				Notes:       req.Notes,
				CreatedAt:   now,
				UpdatedAt:   now,
			}
			if err := deps.Store.CreateCall(call); err != nil {
				writeError(w, apperr.Internal(err, "creating campaign call"))
				return
			}
			ids = append(ids, call.ID)
		}

		if req.Dispatch {
			concurrency := req.Concurrency
			if concurrency <= 0 {
				concurrency = deps.BatchConcurrency
			}
			report := deps.Engine.DispatchBatch(r.Context(), ids, concurrency, dispatch.Options{
				AllowedStatuses: []storage.CallStatus{storage.StatusPending},
			})
			resp.Report = &report
		}

		calls, err := deps.Store.ListCampaignCalls(resp.CampaignID)
		if err != nil {
			writeError(w, apperr.Internal(err, "listing campaign calls"))
			return
		}
		resp.Calls = calls
		writeJSON(w, http.StatusCreated, resp)
	}
}

