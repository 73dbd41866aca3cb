package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kalambet/dialback/internal/calendar"
	"github.com/kalambet/dialback/internal/dispatch"
	"github.com/kalambet/dialback/internal/reconcile"
	"github.com/kalambet/dialback/internal/storage"
	"github.com/kalambet/dialback/internal/webhook"
)

// AppDeps is everything the HTTP surface talks to.
type AppDeps struct {
	Store      *storage.Store
	Engine     *dispatch.Engine
	Reconciler *reconcile.Reconciler
	Calendar   *calendar.Checker
	Webhooks   *webhook.Authenticator
	Token      string

	// BatchConcurrency bounds in-flight dispatches for batch and campaign
	// requests that do not set their own concurrency.
	BatchConcurrency int
}

// NewHandler builds the HTTP router. The health check and the provider
// webhook are public; everything else requires the bearer token.
func NewHandler(deps AppDeps) http.Handler {
	if deps.BatchConcurrency <= 0 {
		deps.BatchConcurrency = 4
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", handleHealth)
	r.Post("/webhooks/voice", handleVoiceWebhook(deps))

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/subjects", handleCreateSubject(deps))
		r.Get("/subjects/{id}", handleGetSubject(deps))

		r.Post("/calls", handleCreateCall(deps))
		r.Get("/calls", handleListCalls(deps))
		r.Post("/calls/dispatch-batch", handleDispatchBatch(deps))
		r.Get("/calls/{id}", handleGetCall(deps))
		r.Post("/calls/{id}/dispatch", handleDispatchCall(deps))
		r.Post("/calls/{id}/cancel", handleCancelCall(deps))
		r.Post("/calls/{id}/sync", handleSyncCall(deps))
		r.Get("/calls/{id}/evaluation", handleGetEvaluation(deps))
		r.Get("/calls/{id}/audit", handleListAudit(deps))

		r.Post("/campaigns", handleCreateCampaign(deps))

		r.Post("/calendar/availability", handleCheckAvailability(deps))
		r.Post("/calendar/confirm", handleConfirmCallTime(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}
