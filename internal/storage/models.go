package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrStatusChanged is returned when a conditional status write finds the row
// in a different status than the caller expected.
var ErrStatusChanged = errors.New("call status changed concurrently")

// CallStatus is the lifecycle status of a scheduled call.
type CallStatus string

const (
	StatusPending     CallStatus = "pending"
	StatusDispatching CallStatus = "dispatching"
	StatusDispatched  CallStatus = "dispatched"
	StatusCompleted   CallStatus = "completed"
	StatusFailed      CallStatus = "failed"
	StatusCancelled   CallStatus = "cancelled"
)

// Valid reports whether s is a known status.
func (s CallStatus) Valid() bool {
	switch s {
	case StatusPending, StatusDispatching, StatusDispatched, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// EvaluationResult is the provider's verdict on a completed conversation.
type EvaluationResult string

const (
	ResultSuccess EvaluationResult = "success"
	ResultFailure EvaluationResult = "failure"
	ResultUnknown EvaluationResult = "unknown"
)

// Subject is the person being called. Full contact management lives outside
// this service; only what dispatch needs is kept here.
type Subject struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Phone     string    `json:"phone"`
	Language  string    `json:"language,omitempty"`
	Timezone  string    `json:"timezone,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type Call struct {
	ID             string     `json:"id"`
	SubjectID      string     `json:"subject_id"`
	ScheduledAt    time.Time  `json:"scheduled_at"`
	Status         CallStatus `json:"status"`
	ConversationID string     `json:"conversation_id,omitempty"`
	CampaignID     string     `json:"campaign_id,omitempty"`
	Reason         string     `json:"reason,omitempty"`
	Purpose        string     `json:"purpose,omitempty"`
	Language       string     `json:"language,omitempty"`
	Notes          string     `json:"notes,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

type Evaluation struct {
	CallID       string           `json:"call_id"`
	Result       EvaluationResult `json:"result"`
	Rationale    string           `json:"rationale"`
	Transcript   string           `json:"transcript"`
	DurationSecs int              `json:"duration_secs"`
	SyncedAt     time.Time        `json:"synced_at"`
}

type ActionItem struct {
	ID     string `json:"id"`
	CallID string `json:"call_id"`
	Source string `json:"source"`
	Key    string `json:"key"`
	Title  string `json:"title"`
	Detail string `json:"detail"`
}

type AuditEntry struct {
	ID        string    `json:"id"`
	CallID    string    `json:"call_id"`
	Level     string    `json:"level"` // "info", "warn", "error"
	Event     string    `json:"event"`
	Message   string    `json:"message"`
	Metadata  string    `json:"metadata"` // JSON object stored as text
	CreatedAt time.Time `json:"created_at"`
}

// SyncWrite is everything a single reconcile run persists. The status change
// is applied only when the row is still in ExpectedStatus.
type SyncWrite struct {
	CallID         string
	Evaluation     Evaluation
	ActionItems    []ActionItem
	ExpectedStatus CallStatus
	NextStatus     CallStatus
}

type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}
