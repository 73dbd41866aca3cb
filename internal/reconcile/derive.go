// Package reconcile brings stored call state in line with the provider's
// conversation record. Webhooks only say which conversation changed; the
// record itself is always fetched from the provider.
package reconcile

import (
	"bytes"
	"encoding/json"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/kalambet/dialback/internal/storage"
	"github.com/kalambet/dialback/internal/voice"
)

// SourceDataCollection tags action items derived from collected fields.
const SourceDataCollection = "data_collection"

// actionItemNamespace seeds deterministic action item ids so repeated syncs
// of the same detail store identical rows.
var actionItemNamespace = uuid.MustParse("8f0c2a4e-5b1d-4f6a-9c3e-2d7b1a0e6f54")

// nonAnswers are collected values that mean nothing was captured.
var nonAnswers = map[string]bool{
	"":               true,
	"-":              true,
	"n/a":            true,
	"na":             true,
	"none":           true,
	"null":           true,
	"nil":            true,
	"unknown":        true,
	"not provided":   true,
	"not applicable": true,
	"not available":  true,
	"not mentioned":  true,
}

// Derived is what a conversation record contributes to stored state.
type Derived struct {
	Evaluation     storage.Evaluation
	ActionItems    []storage.ActionItem
	ProviderStatus string
}

// Derive extracts the evaluation and action items for callID from conv.
// The result depends only on its inputs.
func Derive(callID string, conv voice.Conversation) Derived {
	eval := storage.Evaluation{
		CallID:       callID,
		Result:       storage.ResultUnknown,
		Transcript:   FlattenTranscript(conv.Transcript),
		DurationSecs: conv.Metadata.CallDurationSecs,
	}
	if eval.DurationSecs < 0 {
		eval.DurationSecs = 0
	}

	var items []storage.ActionItem
	if conv.Analysis != nil {
		if criterion, ok := firstCriterion(conv.Analysis.EvaluationCriteriaResults); ok {
			eval.Result = mapResult(criterion.Result)
			eval.Rationale = strings.TrimSpace(criterion.Rationale)
		}
		items = actionItems(callID, conv.Analysis.DataCollectionResults)
	}

	return Derived{
		Evaluation:     eval,
		ActionItems:    items,
		ProviderStatus: strings.ToLower(strings.TrimSpace(conv.Status)),
	}
}

// FlattenTranscript renders turns as "role: text" lines, skipping empty
// messages.
func FlattenTranscript(turns []voice.TranscriptTurn) string {
	lines := make([]string, 0, len(turns))
	for _, turn := range turns {
		msg := strings.TrimSpace(turn.Message)
		if msg == "" {
			continue
		}
		role := strings.TrimSpace(turn.Role)
		if role == "" {
			role = "unknown"
		}
		lines = append(lines, role+": "+msg)
	}
	return strings.Join(lines, "\n")
}

// firstCriterion picks the criterion with the lowest key.
func firstCriterion(results map[string]voice.CriterionResult) (voice.CriterionResult, bool) {
	if len(results) == 0 {
		return voice.CriterionResult{}, false
	}
	keys := make([]string, 0, len(results))
	for k := range results {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return results[keys[0]], true
}

func mapResult(result string) storage.EvaluationResult {
	switch strings.ToLower(strings.TrimSpace(result)) {
	case "success":
		return storage.ResultSuccess
	case "failure":
		return storage.ResultFailure
	default:
		return storage.ResultUnknown
	}
}

func actionItems(callID string, fields map[string]voice.DataCollectionResult) []storage.ActionItem {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var items []storage.ActionItem
	for _, key := range keys {
		detail, ok := stringify(fields[key].Value)
		if !ok || IsNonAnswer(detail) {
			continue
		}
		items = append(items, storage.ActionItem{
			ID:     uuid.NewSHA1(actionItemNamespace, []byte(callID+"/"+key)).String(),
			CallID: callID,
			Source: SourceDataCollection,
			Key:    key,
			Title:  humanize(key),
			Detail: detail,
		})
	}
	return items
}

// IsNonAnswer reports whether a collected value carries no information.
func IsNonAnswer(value string) bool {
	return nonAnswers[strings.ToLower(strings.TrimSpace(value))]
}

// stringify renders a raw JSON value as display text. Strings are unquoted;
// numbers and booleans keep their literal form; objects and arrays are
// compacted.
func stringify(raw json.RawMessage) (string, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", false
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", false
		}
		return strings.TrimSpace(s), true
	case '{', '[':
		var buf bytes.Buffer
		if err := json.Compact(&buf, raw); err != nil {
			return "", false
		}
		if s := buf.String(); s == "{}" || s == "[]" {
			return "", false
		}
		return buf.String(), true
	default:
		return string(raw), true
	}
}

// humanize turns "callback_time" into "Callback time".
func humanize(key string) string {
	words := strings.Fields(strings.NewReplacer("_", " ", "-", " ").Replace(key))
	if len(words) == 0 {
		return key
	}
	s := strings.ToLower(strings.Join(words, " "))
	return strings.ToUpper(s[:1]) + s[1:]
}
