package dispatch

import (
	"context"
	"time"

	"github.com/kalambet/dialback/internal/apperr"
	"github.com/kalambet/dialback/internal/pool"
	"github.com/kalambet/dialback/internal/storage"
)

// BatchItem is the outcome of dispatching one call in a batch.
type BatchItem struct {
	CallID         string             `json:"call_id"`
	OK             bool               `json:"ok"`
	Status         storage.CallStatus `json:"status,omitempty"`
	ConversationID string             `json:"conversation_id,omitempty"`
	Error          string             `json:"error,omitempty"`
	Code           string             `json:"code,omitempty"`
	HTTPStatus     int                `json:"http_status,omitempty"`
}

type BatchReport struct {
	Scanned    int         `json:"scanned"`
	Dispatched int         `json:"dispatched"`
	Failed     int         `json:"failed"`
	Items      []BatchItem `json:"items"`
}

// DispatchBatch dispatches every id with at most concurrency calls in flight.
// A failing item never aborts the others; its error is reported in place.
func (e *Engine) DispatchBatch(ctx context.Context, ids []string, concurrency int, opts Options) BatchReport {
	started := time.Now()
	items := pool.Run(ids, concurrency, func(id string, _ int) BatchItem {
		res, err := e.Dispatch(ctx, id, opts)
		if err != nil {
			return BatchItem{
				CallID:     id,
				Error:      apperr.Message(err),
				Code:       apperr.TextCode(err),
				HTTPStatus: apperr.Status(err),
			}
		}
		return BatchItem{
			CallID:         id,
			OK:             true,
			Status:         res.Call.Status,
			ConversationID: res.Call.ConversationID,
		}
	})

	report := BatchReport{Scanned: len(ids), Items: items}
	for _, item := range items {
		if item.OK {
			report.Dispatched++
		} else {
			report.Failed++
		}
	}
	e.logger.Info("batch dispatch finished",
		"scanned", report.Scanned,
		"dispatched", report.Dispatched,
		"failed", report.Failed,
		"workers", pool.Workers(concurrency, len(ids)),
		"duration", time.Since(started),
	)
	return report
}
