package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/dialback/internal/storage"
)

// DueLister lists calls whose scheduled time has passed.
type DueLister interface {
	ListDueCalls(now time.Time, limit int) ([]storage.Call, error)
}

// Scanner periodically dispatches due pending calls. Failed calls are left
// for an explicit retry.
type Scanner struct {
	engine      *Engine
	store       DueLister
	interval    time.Duration
	concurrency int
	limit       int
	logger      *slog.Logger
}

// NewScanner creates a Scanner. Non-positive values fall back to a 30s
// interval, concurrency 4 and 50 calls per scan.
func NewScanner(engine *Engine, store DueLister, interval time.Duration, concurrency, limit int) *Scanner {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if concurrency <= 0 {
		concurrency = 4
	}
	if limit <= 0 {
		limit = 50
	}
	return &Scanner{
		engine:      engine,
		store:       store,
		interval:    interval,
		concurrency: concurrency,
		limit:       limit,
		logger:      slog.Default(),
	}
}

// Run scans until ctx is cancelled.
func (s *Scanner) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		if _, err := s.ScanOnce(ctx); err != nil {
			s.logger.Error("due-call scan failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// ScanOnce dispatches the calls due now. Only pending calls are claimed, so a
// call that another trigger already dispatched or failed is skipped.
func (s *Scanner) ScanOnce(ctx context.Context) (BatchReport, error) {
	due, err := s.store.ListDueCalls(s.engine.now(), s.limit)
	if err != nil {
		return BatchReport{}, fmt.Errorf("listing due calls: %w", err)
	}
	if len(due) == 0 {
		return BatchReport{Items: []BatchItem{}}, nil
	}
	ids := make([]string, len(due))
	for i, c := range due {
		ids[i] = c.ID
	}
	return s.engine.DispatchBatch(ctx, ids, s.concurrency, Options{
		AllowedStatuses: []storage.CallStatus{storage.StatusPending},
	}), nil
}
