// Package dispatch hands scheduled calls to the voice provider exactly once.
//
// Every trigger (API request, due-call scanner, campaign batch, MCP tool)
// goes through Engine.Dispatch. Exclusivity comes from a conditional update
// in the store, so concurrent triggers in one or many processes agree on a
// single winner without any in-process lock.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/kalambet/dialback/internal/apperr"
	"github.com/kalambet/dialback/internal/storage"
	"github.com/kalambet/dialback/internal/voice"
)

// DefaultAllowed is the set of statuses a call may be dispatched from when
// the caller does not narrow it.
var DefaultAllowed = []storage.CallStatus{storage.StatusPending, storage.StatusFailed}

// Store abstracts the call persistence the engine needs.
type Store interface {
	GetCall(id string) (storage.Call, error)
	GetSubject(id string) (storage.Subject, error)
	ClaimCall(id string, allowed []storage.CallStatus, force bool, now time.Time) (bool, storage.CallStatus, error)
	MarkDispatched(id, conversationID string) error
	MarkFailed(id string) error
	ReleaseClaim(id string, previous storage.CallStatus) error
	AppendAudit(e storage.AuditEntry) error
}

// Placer places outbound calls with the provider.
type Placer interface {
	PlaceCall(ctx context.Context, call voice.OutboundCall) (voice.OutboundCallResult, error)
}

type Options struct {
	Force           bool
	AllowedStatuses []storage.CallStatus
}

// Result is a successful dispatch.
type Result struct {
	Call     storage.Call             `json:"call"`
	Provider voice.OutboundCallResult `json:"provider_result"`
}

type Engine struct {
	store  Store
	placer Placer
	now    func() time.Time
	logger *slog.Logger
}

func NewEngine(store Store, placer Placer) *Engine {
	return &Engine{
		store:  store,
		placer: placer,
		now:    time.Now,
		logger: slog.Default(),
	}
}

// WithClock replaces the engine's time source.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Dispatch claims the call and places it with the provider. Precondition
// failures return before anything is written. Once claimed, the call always
// leaves dispatching: to dispatched on acceptance, back to its previous
// status when the provider is not configured, and to failed otherwise.
func (e *Engine) Dispatch(ctx context.Context, callID string, opts Options) (Result, error) {
	if callID == "" {
		return Result{}, apperr.BadInput("call id is required")
	}
	allowed := opts.AllowedStatuses
	if len(allowed) == 0 {
		allowed = DefaultAllowed
	}

	call, err := e.store.GetCall(callID)
	if errors.Is(err, storage.ErrNotFound) {
		return Result{}, apperr.NotFound(fmt.Sprintf("call %s not found", callID))
	}
	if err != nil {
		return Result{}, apperr.Internal(err, "loading call")
	}
	if !slices.Contains(allowed, call.Status) {
		if claimedElsewhere(call.Status) {
			return Result{}, apperr.Conflict(
				fmt.Sprintf("call %s is already %s", callID, call.Status), string(call.Status))
		}
		return Result{}, apperr.InvalidState(
			fmt.Sprintf("call %s is %s and cannot be dispatched", callID, call.Status), string(call.Status))
	}
	now := e.now()
	if !opts.Force && call.ScheduledAt.After(now) {
		return Result{}, apperr.NotYetDue(
			fmt.Sprintf("call %s is scheduled for %s", callID, call.ScheduledAt.UTC().Format(time.RFC3339)))
	}

	claimed, current, err := e.store.ClaimCall(callID, allowed, opts.Force, now)
	if errors.Is(err, storage.ErrNotFound) {
		return Result{}, apperr.NotFound(fmt.Sprintf("call %s not found", callID))
	}
	if err != nil {
		return Result{}, apperr.Internal(err, "claiming call")
	}
	if !claimed {
		return Result{}, apperr.Conflict(
			fmt.Sprintf("call %s was claimed elsewhere or changed (now %s)", callID, current), string(current))
	}
	previous := call.Status
	e.audit(callID, "info", "dispatch_attempt", "dispatch claimed", map[string]any{
		"previous_status": previous, "force": opts.Force,
	})

	subject, err := e.store.GetSubject(call.SubjectID)
	if err != nil {
		e.release(callID, previous)
		return Result{}, apperr.Internal(err, fmt.Sprintf("loading subject %s", call.SubjectID))
	}

	placed, err := e.placer.PlaceCall(ctx, voice.BuildCallParams(call, subject))
	if err != nil {
		if errors.Is(err, voice.ErrNotConfigured) {
			e.release(callID, previous)
			e.audit(callID, "error", "dispatch_not_configured", err.Error(), map[string]any{
				"restored_status": previous,
			})
			e.logger.Warn("voice provider not configured", "call_id", callID, "error", err)
			return Result{}, apperr.ProviderNotConfigured(err)
		}

		if markErr := e.store.MarkFailed(callID); markErr != nil {
			e.logger.Error("failed to mark call failed", "call_id", callID, "error", markErr)
		}
		e.audit(callID, "error", "dispatch_failed", err.Error(), nil)
		e.logger.Warn("dispatch failed", "call_id", callID, "error", err)
		return Result{}, apperr.ProviderCallFailed(err)
	}

	if err := e.store.MarkDispatched(callID, placed.ConversationID); err != nil {
		// The provider accepted the call; record what we know and surface the
		// store failure.
		e.audit(callID, "error", "dispatch_commit_failed", err.Error(), map[string]any{
			"conversation_id": placed.ConversationID,
		})
		return Result{}, apperr.Internal(err, "recording dispatched call")
	}
	e.audit(callID, "info", "dispatch_succeeded", "call accepted by provider", map[string]any{
		"conversation_id": placed.ConversationID,
		"call_sid":        placed.CallSID,
	})
	e.logger.Info("call dispatched", "call_id", callID, "conversation_id", placed.ConversationID)

	updated, err := e.store.GetCall(callID)
	if err != nil {
		return Result{}, apperr.Internal(err, "reloading call")
	}
	return Result{Call: updated, Provider: placed}, nil
}

// claimedElsewhere reports statuses that only a successful claim can produce.
func claimedElsewhere(status storage.CallStatus) bool {
	switch status {
	case storage.StatusDispatching, storage.StatusDispatched, storage.StatusCompleted:
		return true
	}
	return false
}

func (e *Engine) release(callID string, previous storage.CallStatus) {
	if err := e.store.ReleaseClaim(callID, previous); err != nil {
		e.logger.Error("failed to release claim", "call_id", callID, "status", previous, "error", err)
	}
}

// audit appends an audit entry. Failures are logged and never returned.
func (e *Engine) audit(callID, level, event, message string, metadata map[string]any) {
	meta := "{}"
	if len(metadata) > 0 {
		if b, err := json.Marshal(metadata); err == nil {
			meta = string(b)
		}
	}
	err := e.store.AppendAudit(storage.AuditEntry{
		CallID:   callID,
		Level:    level,
		Event:    event,
		Message:  message,
		Metadata: meta,
	})
	if err != nil {
		e.logger.Warn("audit write failed", "call_id", callID, "event", event, "error", err)
	}
}
