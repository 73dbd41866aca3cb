package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/dialback/internal/storage"
)

// JobStore abstracts the job queue operations.
type JobStore interface {
	ClaimNextJob(types []string) (*storage.Job, error)
	CompleteJob(id string) error
	FailJob(id string, errMsg string) error
}

// Worker drains conversation_sync jobs left behind when a webhook-triggered
// fetch failed.
type Worker struct {
	jobs       JobStore
	reconciler *Reconciler
	poll       time.Duration
	logger     *slog.Logger
}

// NewWorker creates a Worker. If pollInterval is <= 0, it defaults to 2s.
func NewWorker(jobs JobStore, reconciler *Reconciler, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	return &Worker{
		jobs:       jobs,
		reconciler: reconciler,
		poll:       pollInterval,
		logger:     slog.Default(),
	}
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("sync worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single sync job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.jobs.ClaimNextJob([]string{JobType})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.processJob(ctx, job); err != nil {
		w.logger.Warn("sync job failed", "job_id", job.ID, "attempt", job.Attempts+1, "error", err)
		if failErr := w.jobs.FailJob(job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.jobs.CompleteJob(job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

func (w *Worker) processJob(ctx context.Context, job *storage.Job) error {
	var payload syncPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}

	out, err := w.reconciler.SyncConversation(ctx, payload.ConversationID)
	if errors.Is(err, ErrUnknownConversation) {
		w.logger.Info("dropping sync for unknown conversation", "job_id", job.ID, "conversation_id", payload.ConversationID)
		return nil
	}
	if err != nil {
		return err
	}
	w.logger.Info("deferred sync applied", "job_id", job.ID, "call_id", out.CallID, "status", out.Status)
	return nil
}
