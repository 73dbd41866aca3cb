package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// --- Conversation results ---

// ApplySync persists one reconcile run atomically: the evaluation is upserted,
// the action-item set is replaced, and the status moves from ExpectedStatus to
// NextStatus. If the row is no longer in ExpectedStatus nothing is written and
// ErrStatusChanged is returned.
func (s *Store) ApplySync(w SyncWrite) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning sync transaction: %w", err)
	}
	defer tx.Rollback()

	syncedAt := w.Evaluation.SyncedAt
	if syncedAt.IsZero() {
		syncedAt = time.Now()
	}
	result := w.Evaluation.Result
	if result == "" {
		result = ResultUnknown
	}
	if _, err := tx.Exec(`
		INSERT INTO call_evaluations (call_id, result, rationale, transcript, duration_secs, synced_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(call_id) DO UPDATE SET
			result = excluded.result,
			rationale = excluded.rationale,
			transcript = excluded.transcript,
			duration_secs = excluded.duration_secs,
			synced_at = excluded.synced_at`,
		w.CallID, result, w.Evaluation.Rationale, w.Evaluation.Transcript, w.Evaluation.DurationSecs, formatTime(syncedAt),
	); err != nil {
		return fmt.Errorf("upserting evaluation: %w", err)
	}

	if _, err := tx.Exec(`DELETE FROM call_action_items WHERE call_id = ?`, w.CallID); err != nil {
		return fmt.Errorf("clearing action items: %w", err)
	}
	for _, item := range w.ActionItems {
		id := item.ID
		if id == "" {
			id = uuid.New().String()
		}
		if _, err := tx.Exec(`
			INSERT INTO call_action_items (id, call_id, source, key, title, detail)
			VALUES (?, ?, ?, ?, ?, ?)`,
			id, w.CallID, item.Source, item.Key, item.Title, item.Detail,
		); err != nil {
			return fmt.Errorf("inserting action item %q: %w", item.Key, err)
		}
	}

	if w.NextStatus != "" && w.NextStatus != w.ExpectedStatus {
		res, err := tx.Exec(`UPDATE scheduled_calls SET status = ?, updated_at = ?
			WHERE id = ? AND status = ?`, w.NextStatus, formatTime(time.Now()), w.CallID, w.ExpectedStatus)
		if err != nil {
			return fmt.Errorf("updating call status: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("checking updated call rows: %w", err)
		}
		if n != 1 {
			return ErrStatusChanged
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing sync: %w", err)
	}
	return nil
}

func (s *Store) GetEvaluation(callID string) (Evaluation, error) {
	var e Evaluation
	var syncedAt string
	err := s.db.QueryRow(`
		SELECT call_id, result, rationale, transcript, duration_secs, synced_at
		FROM call_evaluations WHERE call_id = ?`, callID,
	).Scan(&e.CallID, &e.Result, &e.Rationale, &e.Transcript, &e.DurationSecs, &syncedAt)
	if err == sql.ErrNoRows {
		return Evaluation{}, ErrNotFound
	}
	if err != nil {
		return Evaluation{}, err
	}
	if e.SyncedAt, err = parseTime("synced_at", syncedAt); err != nil {
		return Evaluation{}, err
	}
	return e, nil
}

func (s *Store) ListActionItems(callID string) ([]ActionItem, error) {
	rows, err := s.db.Query(`
		SELECT id, call_id, source, key, title, detail
		FROM call_action_items WHERE call_id = ? ORDER BY key ASC, id ASC`, callID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []ActionItem
	for rows.Next() {
		var item ActionItem
		if err := rows.Scan(&item.ID, &item.CallID, &item.Source, &item.Key, &item.Title, &item.Detail); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// --- Audit log ---

func (s *Store) AppendAudit(e AuditEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	if e.Metadata == "" {
		e.Metadata = "{}"
	}
	_, err := s.db.Exec(`
		INSERT INTO call_audit_logs (id, call_id, level, event, message, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.CallID, e.Level, e.Event, e.Message, e.Metadata, formatTime(e.CreatedAt),
	)
	return err
}

func (s *Store) ListAudit(callID string) ([]AuditEntry, error) {
	rows, err := s.db.Query(`
		SELECT id, call_id, level, event, message, metadata, created_at
		FROM call_audit_logs WHERE call_id = ? ORDER BY created_at ASC, rowid ASC`, callID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var createdAt string
		if err := rows.Scan(&e.ID, &e.CallID, &e.Level, &e.Event, &e.Message, &e.Metadata, &createdAt); err != nil {
			return nil, err
		}
		if e.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
