package storage

import (
	"database/sql"
	"fmt"
	"time"
)

// --- Subjects ---

func (s *Store) CreateSubject(sub Subject) error {
	createdAt := sub.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO subjects (id, name, phone, language, timezone, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		sub.ID, sub.Name, sub.Phone, sub.Language, sub.Timezone, formatTime(createdAt),
	)
	return err
}

func (s *Store) GetSubject(id string) (Subject, error) {
	var sub Subject
	var createdAt string
	err := s.db.QueryRow(`
		SELECT id, name, phone, language, timezone, created_at
		FROM subjects WHERE id = ?`, id,
	).Scan(&sub.ID, &sub.Name, &sub.Phone, &sub.Language, &sub.Timezone, &createdAt)
	if err == sql.ErrNoRows {
		return Subject{}, ErrNotFound
	}
	if err != nil {
		return Subject{}, err
	}
	if sub.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return Subject{}, err
	}
	return sub, nil
}

// --- Calls ---

const callColumns = `id, subject_id, scheduled_at, status, conversation_id, campaign_id,
	reason, purpose, language, notes, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCall(row rowScanner) (Call, error) {
	var c Call
	var scheduledAt, createdAt, updatedAt string
	var conversationID, campaignID sql.NullString
	if err := row.Scan(&c.ID, &c.SubjectID, &scheduledAt, &c.Status, &conversationID, &campaignID,
		&c.Reason, &c.Purpose, &c.Language, &c.Notes, &createdAt, &updatedAt); err != nil {
		return Call{}, err
	}
	c.ConversationID = conversationID.String
	c.CampaignID = campaignID.String

	var err error
	if c.ScheduledAt, err = parseTime("scheduled_at", scheduledAt); err != nil {
		return Call{}, err
	}
	if c.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return Call{}, err
	}
	if c.UpdatedAt, err = parseTime("updated_at", updatedAt); err != nil {
		return Call{}, err
	}
	return c, nil
}

func (s *Store) queryCalls(query string, args ...any) ([]Call, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Call
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, c)
	}
	return results, rows.Err()
}

func (s *Store) CreateCall(c Call) error {
	now := formatTime(time.Now())
	status := c.Status
	if status == "" {
		status = StatusPending
	}
	_, err := s.db.Exec(`
		INSERT INTO scheduled_calls (`+callColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.SubjectID, formatTime(c.ScheduledAt), status, nullable(c.ConversationID), nullable(c.CampaignID),
		c.Reason, c.Purpose, c.Language, c.Notes, now, now,
	)
	return err
}

func (s *Store) GetCall(id string) (Call, error) {
	c, err := scanCall(s.db.QueryRow(`SELECT `+callColumns+` FROM scheduled_calls WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return Call{}, ErrNotFound
	}
	return c, err
}

func (s *Store) GetCallByConversationID(conversationID string) (Call, error) {
	c, err := scanCall(s.db.QueryRow(`SELECT `+callColumns+` FROM scheduled_calls WHERE conversation_id = ?`, conversationID))
	if err == sql.ErrNoRows {
		return Call{}, ErrNotFound
	}
	return c, err
}

// ListCalls returns calls ordered by scheduled time, newest first. An empty
// status lists every call.
func (s *Store) ListCalls(status CallStatus, limit, offset int) ([]Call, error) {
	if status == "" {
		return s.queryCalls(`SELECT `+callColumns+` FROM scheduled_calls
			ORDER BY scheduled_at DESC, id ASC LIMIT ? OFFSET ?`, limit, offset)
	}
	return s.queryCalls(`SELECT `+callColumns+` FROM scheduled_calls WHERE status = ?
		ORDER BY scheduled_at DESC, id ASC LIMIT ? OFFSET ?`, status, limit, offset)
}

// ListDueCalls returns pending calls whose scheduled time is at or before now,
// oldest first.
func (s *Store) ListDueCalls(now time.Time, limit int) ([]Call, error) {
	return s.queryCalls(`SELECT `+callColumns+` FROM scheduled_calls
		WHERE status = 'pending' AND scheduled_at <= ?
		ORDER BY scheduled_at ASC, id ASC LIMIT ?`, formatTime(now), limit)
}

func (s *Store) ListSubjectCalls(subjectID string) ([]Call, error) {
	return s.queryCalls(`SELECT `+callColumns+` FROM scheduled_calls
		WHERE subject_id = ? ORDER BY scheduled_at ASC, id ASC`, subjectID)
}

func (s *Store) ListCampaignCalls(campaignID string) ([]Call, error) {
	return s.queryCalls(`SELECT `+callColumns+` FROM scheduled_calls
		WHERE campaign_id = ? ORDER BY scheduled_at ASC, id ASC`, campaignID)
}

func (s *Store) callStatus(id string) (CallStatus, error) {
	var status CallStatus
	err := s.db.QueryRow(`SELECT status FROM scheduled_calls WHERE id = ?`, id).Scan(&status)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return status, err
}

// ClaimCall atomically moves a call to dispatching, but only if the stored
// row still has one of the allowed statuses and is due (or force is set).
// When the claim is lost it reports the row's current status.
func (s *Store) ClaimCall(id string, allowed []CallStatus, force bool, now time.Time) (bool, CallStatus, error) {
	if len(allowed) == 0 {
		return false, "", fmt.Errorf("claiming call %s: no allowed statuses", id)
	}
	forceFlag := 0
	if force {
		forceFlag = 1
	}
	args := make([]any, 0, len(allowed)+5)
	args = append(args, StatusDispatching, formatTime(time.Now()), id)
	for _, st := range allowed {
		args = append(args, st)
	}
	args = append(args, forceFlag, formatTime(now))

	res, err := s.db.Exec(`UPDATE scheduled_calls SET status = ?, updated_at = ?
		WHERE id = ? AND status IN (`+placeholders(len(allowed))+`) AND (? = 1 OR scheduled_at <= ?)`, args...)
	if err != nil {
		return false, "", fmt.Errorf("claiming call %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, "", fmt.Errorf("checking claimed rows: %w", err)
	}
	if n == 1 {
		return true, StatusDispatching, nil
	}

	current, err := s.callStatus(id)
	if err != nil {
		return false, "", err
	}
	return false, current, nil
}

// transitionFromDispatching moves a claimed call out of dispatching.
// It fails with ErrStatusChanged if the call is no longer claimed.
func (s *Store) transitionFromDispatching(id string, next CallStatus, conversationID string) error {
	now := formatTime(time.Now())
	var res sql.Result
	var err error
	if conversationID != "" {
		res, err = s.db.Exec(`UPDATE scheduled_calls SET status = ?, conversation_id = ?, updated_at = ?
			WHERE id = ? AND status = 'dispatching'`, next, conversationID, now, id)
	} else {
		res, err = s.db.Exec(`UPDATE scheduled_calls SET status = ?, updated_at = ?
			WHERE id = ? AND status = 'dispatching'`, next, now, id)
	}
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.callStatus(id); err != nil {
			return err
		}
		return ErrStatusChanged
	}
	return nil
}

// MarkDispatched records provider acceptance for a claimed call.
func (s *Store) MarkDispatched(id, conversationID string) error {
	if conversationID == "" {
		return fmt.Errorf("marking call %s dispatched: conversation id is required", id)
	}
	return s.transitionFromDispatching(id, StatusDispatched, conversationID)
}

// MarkFailed resolves a claimed call to failed.
func (s *Store) MarkFailed(id string) error {
	return s.transitionFromDispatching(id, StatusFailed, "")
}

// ReleaseClaim restores the status a call had before it was claimed.
func (s *Store) ReleaseClaim(id string, previous CallStatus) error {
	if previous == StatusDispatching || !previous.Valid() {
		return fmt.Errorf("releasing claim on call %s: invalid previous status %q", id, previous)
	}
	return s.transitionFromDispatching(id, previous, "")
}

// CancelCall cancels a call that has not been handed to the provider.
func (s *Store) CancelCall(id string) (bool, CallStatus, error) {
	res, err := s.db.Exec(`UPDATE scheduled_calls SET status = 'cancelled', updated_at = ?
		WHERE id = ? AND status IN ('pending', 'failed')`, formatTime(time.Now()), id)
	if err != nil {
		return false, "", err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, "", err
	}
	if n == 1 {
		return true, StatusCancelled, nil
	}
	current, err := s.callStatus(id)
	if err != nil {
		return false, "", err
	}
	return false, current, nil
}

// RescheduleCall moves a not-yet-dispatched call to a new time and makes it
// pending again.
func (s *Store) RescheduleCall(id string, at time.Time) (bool, CallStatus, error) {
	res, err := s.db.Exec(`UPDATE scheduled_calls SET scheduled_at = ?, status = 'pending', updated_at = ?
		WHERE id = ? AND status IN ('pending', 'failed')`, formatTime(at), formatTime(time.Now()), id)
	if err != nil {
		return false, "", err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, "", err
	}
	if n == 1 {
		return true, StatusPending, nil
	}
	current, err := s.callStatus(id)
	if err != nil {
		return false, "", err
	}
	return false, current, nil
}
