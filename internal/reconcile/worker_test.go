package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kalambet/dialback/internal/storage"
	"github.com/kalambet/dialback/internal/voice"
)

// resetRunAfter makes a backed-off job immediately claimable.
func resetRunAfter(t *testing.T, store *storage.Store, jobID string) {
	t.Helper()
	now := time.Now().UTC().Format(time.RFC3339)
	if _, err := store.DB().Exec(`UPDATE jobs SET run_after = ? WHERE id = ?`, now, jobID); err != nil {
		t.Fatalf("resetRunAfter: %v", err)
	}
}

func TestWorker_RetriesUntilFetchSucceeds(t *testing.T) {
	store := openTestStore(t)
	seedDispatched(t, store, "call-1", "conv_1")
	fetcher := &fakeFetcher{err: errors.New("provider timeout")}
	r := newTestReconciler(store, fetcher)
	w := NewWorker(store, r, 10*time.Millisecond)

	jobID, err := r.EnqueueSync("conv_1")
	if err != nil {
		t.Fatalf("EnqueueSync: %v", err)
	}

	processed, err := w.RunOnce(context.Background())
	if err != nil || !processed {
		t.Fatalf("RunOnce: processed=%v err=%v", processed, err)
	}
	job, _ := store.GetJob(jobID)
	if job.Status != "pending" || job.Attempts != 1 || job.LastError == "" {
		t.Errorf("job after failure = %+v", job)
	}

	fetcher.mu.Lock()
	fetcher.err = nil
	fetcher.convs = map[string]voice.Conversation{"conv_1": sampleConversation()}
	fetcher.mu.Unlock()
	resetRunAfter(t, store, jobID)

	if processed, err := w.RunOnce(context.Background()); err != nil || !processed {
		t.Fatalf("RunOnce: processed=%v err=%v", processed, err)
	}
	job, _ = store.GetJob(jobID)
	if job.Status != "completed" {
		t.Errorf("job status = %s, want completed", job.Status)
	}
	if call, _ := store.GetCall("call-1"); call.Status != storage.StatusCompleted {
		t.Errorf("call status = %s, want completed", call.Status)
	}
}

func TestWorker_DropsUnknownConversation(t *testing.T) {
	store := openTestStore(t)
	r := newTestReconciler(store, &fakeFetcher{})
	w := NewWorker(store, r, 10*time.Millisecond)

	jobID, err := r.EnqueueSync("conv_ghost")
	if err != nil {
		t.Fatalf("EnqueueSync: %v", err)
	}
	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if job, _ := store.GetJob(jobID); job.Status != "completed" {
		t.Errorf("job status = %s, want completed", job.Status)
	}
}

func TestWorker_IdleAndCancel(t *testing.T) {
	store := openTestStore(t)
	w := NewWorker(store, newTestReconciler(store, &fakeFetcher{}), 5*time.Millisecond)

	processed, err := w.RunOnce(context.Background())
	if err != nil || processed {
		t.Fatalf("empty queue: processed=%v err=%v", processed, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
