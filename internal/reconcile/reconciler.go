package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kalambet/dialback/internal/apperr"
	"github.com/kalambet/dialback/internal/storage"
	"github.com/kalambet/dialback/internal/voice"
)

// JobType is the job queue type for deferred conversation syncs.
const JobType = "conversation_sync"

// applyAttempts bounds re-reads when the call status moves under a sync.
const applyAttempts = 3

// ErrUnknownConversation means there is nothing to reconcile: no local call
// references the conversation, or the provider does not know it.
var ErrUnknownConversation = errors.New("unknown conversation")

// Store abstracts the persistence the reconciler needs.
type Store interface {
	GetCall(id string) (storage.Call, error)
	GetCallByConversationID(conversationID string) (storage.Call, error)
	ApplySync(w storage.SyncWrite) error
	AppendAudit(e storage.AuditEntry) error
	EnqueueJob(job storage.Job) error
}

// Fetcher retrieves authoritative conversation detail.
type Fetcher interface {
	GetConversation(ctx context.Context, conversationID string) (voice.Conversation, error)
}

// Outcome summarises one applied sync.
type Outcome struct {
	CallID           string             `json:"call_id"`
	ConversationID   string             `json:"conversation_id"`
	PreviousStatus   storage.CallStatus `json:"previous_status"`
	Status           storage.CallStatus `json:"status"`
	Evaluation       storage.Evaluation `json:"evaluation"`
	ActionItemsCount int                `json:"action_items_count"`
}

type Reconciler struct {
	store   Store
	fetcher Fetcher
	now     func() time.Time
	logger  *slog.Logger
}

func New(store Store, fetcher Fetcher) *Reconciler {
	return &Reconciler{
		store:   store,
		fetcher: fetcher,
		now:     time.Now,
		logger:  slog.Default(),
	}
}

// WithClock replaces the time source used for synced_at.
func (r *Reconciler) WithClock(now func() time.Time) *Reconciler {
	r.now = now
	return r
}

// Apply derives stored state from conv and writes it in one transaction. If
// the call's status changes between read and write, the call is re-read and
// the ratchet re-applied.
func (r *Reconciler) Apply(call storage.Call, conv voice.Conversation) (Outcome, error) {
	derived := Derive(call.ID, conv)
	derived.Evaluation.SyncedAt = r.now()

	for attempt := 1; ; attempt++ {
		next := NextStatus(call.Status, derived.ProviderStatus)
		err := r.store.ApplySync(storage.SyncWrite{
			CallID:         call.ID,
			Evaluation:     derived.Evaluation,
			ActionItems:    derived.ActionItems,
			ExpectedStatus: call.Status,
			NextStatus:     next,
		})
		if err == nil {
			out := Outcome{
				CallID:           call.ID,
				ConversationID:   conv.ConversationID,
				PreviousStatus:   call.Status,
				Status:           next,
				Evaluation:       derived.Evaluation,
				ActionItemsCount: len(derived.ActionItems),
			}
			if out.ConversationID == "" {
				out.ConversationID = call.ConversationID
			}
			r.audit(call.ID, "info", "sync_succeeded", "conversation reconciled", map[string]any{
				"conversation_id":    out.ConversationID,
				"provider_status":    derived.ProviderStatus,
				"previous_status":    call.Status,
				"status":             next,
				"action_items_count": out.ActionItemsCount,
			})
			return out, nil
		}
		if !errors.Is(err, storage.ErrStatusChanged) || attempt >= applyAttempts {
			r.audit(call.ID, "error", "sync_failed", err.Error(), nil)
			return Outcome{}, apperr.Internal(err, "persisting conversation sync")
		}

		r.logger.Debug("call status moved during sync, retrying", "call_id", call.ID, "attempt", attempt)
		if call, err = r.store.GetCall(call.ID); err != nil {
			return Outcome{}, apperr.Internal(err, "reloading call")
		}
	}
}

// SyncConversation handles a webhook trigger: it finds the local call for
// conversationID, fetches the conversation and applies it. It returns
// ErrUnknownConversation when there is nothing to reconcile.
func (r *Reconciler) SyncConversation(ctx context.Context, conversationID string) (Outcome, error) {
	if conversationID == "" {
		return Outcome{}, fmt.Errorf("%w: empty conversation id", ErrUnknownConversation)
	}
	call, err := r.store.GetCallByConversationID(conversationID)
	if errors.Is(err, storage.ErrNotFound) {
		return Outcome{}, fmt.Errorf("%w: no call for %s", ErrUnknownConversation, conversationID)
	}
	if err != nil {
		return Outcome{}, apperr.Internal(err, "looking up call by conversation")
	}

	conv, err := r.fetcher.GetConversation(ctx, conversationID)
	if errors.Is(err, voice.ErrConversationNotFound) {
		return Outcome{}, fmt.Errorf("%w: %v", ErrUnknownConversation, err)
	}
	if err != nil {
		r.audit(call.ID, "warn", "sync_fetch_failed", err.Error(), map[string]any{"conversation_id": conversationID})
		if errors.Is(err, voice.ErrNotConfigured) {
			return Outcome{}, apperr.ProviderNotConfigured(err)
		}
		return Outcome{}, apperr.ProviderUnavailable(err)
	}
	return r.Apply(call, conv)
}

// SyncCall re-fetches the conversation linked to callID on demand.
func (r *Reconciler) SyncCall(ctx context.Context, callID string) (Outcome, error) {
	call, err := r.store.GetCall(callID)
	if errors.Is(err, storage.ErrNotFound) {
		return Outcome{}, apperr.NotFound(fmt.Sprintf("call %s not found", callID))
	}
	if err != nil {
		return Outcome{}, apperr.Internal(err, "loading call")
	}
	if call.ConversationID == "" {
		return Outcome{}, apperr.InvalidState(
			fmt.Sprintf("call %s has no conversation to sync", callID), string(call.Status))
	}

	conv, err := r.fetcher.GetConversation(ctx, call.ConversationID)
	if errors.Is(err, voice.ErrConversationNotFound) {
		return Outcome{}, apperr.NotFound(fmt.Sprintf("conversation %s not found at provider", call.ConversationID))
	}
	if err != nil {
		r.audit(call.ID, "warn", "sync_fetch_failed", err.Error(), map[string]any{"conversation_id": call.ConversationID})
		if errors.Is(err, voice.ErrNotConfigured) {
			return Outcome{}, apperr.ProviderNotConfigured(err)
		}
		return Outcome{}, apperr.ProviderUnavailable(err)
	}
	return r.Apply(call, conv)
}

type syncPayload struct {
	ConversationID string `json:"conversation_id"`
}

// EnqueueSync schedules a deferred sync of conversationID for the worker.
func (r *Reconciler) EnqueueSync(conversationID string) (string, error) {
	payload, err := json.Marshal(syncPayload{ConversationID: conversationID})
	if err != nil {
		return "", err
	}
	id := uuid.New().String()
	if err := r.store.EnqueueJob(storage.Job{
		ID:          id,
		Type:        JobType,
		PayloadJSON: string(payload),
		MaxAttempts: 5,
	}); err != nil {
		return "", fmt.Errorf("enqueueing sync job: %w", err)
	}
	return id, nil
}

// audit appends an audit entry. Failures are logged and never returned.
func (r *Reconciler) audit(callID, level, event, message string, metadata map[string]any) {
	meta := "{}"
	if len(metadata) > 0 {
		if b, err := json.Marshal(metadata); err == nil {
			meta = string(b)
		}
	}
	err := r.store.AppendAudit(storage.AuditEntry{
		CallID:   callID,
		Level:    level,
		Event:    event,
		Message:  message,
		Metadata: meta,
	})
	if err != nil {
		r.logger.Warn("audit write failed", "call_id", callID, "event", event, "error", err)
	}
}
