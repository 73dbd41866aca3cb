package api

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/kalambet/dialback/internal/apperr"
	"github.com/kalambet/dialback/internal/reconcile"
	"github.com/kalambet/dialback/internal/webhook"
)

const maxWebhookBodySize = 5 << 20 // 5MB

// WebhookResponse is returned once a callback has been reconciled.
type WebhookResponse struct {
	CallID           string `json:"call_id"`
	ConversationID   string `json:"conversation_id"`
	Status           string `json:"status"`
	ActionItemsCount int    `json:"action_items_count"`
}

// handleVoiceWebhook authenticates a provider callback against the exact
// bytes received, then re-fetches the conversation it names and reconciles
// the local call. The body itself is never trusted for call data.
func handleVoiceWebhook(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodySize)
		defer r.Body.Close()

		raw, err := io.ReadAll(r.Body)
		if err != nil {
			writeError(w, apperr.BadInput("reading webhook body: "+err.Error()))
			return
		}
		if err := deps.Webhooks.Verify(raw, r.Header); err != nil {
			slog.Warn("webhook rejected", "error", apperr.Message(err), "remote", r.RemoteAddr)
			writeError(w, err)
			return
		}

		ev, err := webhook.ParseEvent(raw)
		if err != nil {
			writeError(w, err)
			return
		}
		if !ev.Handled() {
			slog.Debug("webhook event ignored", "type", ev.Type)
			writeJSON(w, http.StatusOK, map[string]string{"status": "ignored", "type": ev.Type})
			return
		}

		out, err := deps.Reconciler.SyncConversation(r.Context(), ev.ConversationID)
		switch {
		case errors.Is(err, reconcile.ErrUnknownConversation):
			slog.Info("webhook for unknown conversation", "conversation_id", ev.ConversationID, "error", err)
			writeJSON(w, http.StatusAccepted, map[string]string{
				"status":          "unknown_conversation",
				"conversation_id": ev.ConversationID,
			})
			return
		case apperr.Is(err, apperr.CodeProviderUnavailable):
			jobID, qerr := deps.Reconciler.EnqueueSync(ev.ConversationID)
			if qerr != nil {
				writeError(w, apperr.Internal(qerr, "queueing conversation sync"))
				return
			}
			slog.Warn("conversation fetch failed, sync queued",
				"conversation_id", ev.ConversationID, "job_id", jobID, "error", err)
			writeJSON(w, http.StatusAccepted, map[string]string{
				"status":          "queued",
				"conversation_id": ev.ConversationID,
				"job_id":          jobID,
			})
			return
		case err != nil:
			writeError(w, err)
			return
		}

		slog.Info("webhook reconciled",
			"call_id", out.CallID, "conversation_id", out.ConversationID, "status", out.Status)
		writeJSON(w, http.StatusOK, WebhookResponse{
			CallID:           out.CallID,
			ConversationID:   out.ConversationID,
			Status:           string(out.Status),
			ActionItemsCount: out.ActionItemsCount,
		})
	}
}
