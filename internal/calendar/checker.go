package calendar

import (
	"errors"
	"fmt"
	"time"

	"github.com/kalambet/dialback/internal/apperr"
	"github.com/kalambet/dialback/internal/storage"
)

// CallStore is the subset of storage.Store the checker reads and writes.
type CallStore interface {
	GetCall(id string) (storage.Call, error)
	ListSubjectCalls(subjectID string) ([]storage.Call, error)
	RescheduleCall(id string, at time.Time) (bool, storage.CallStatus, error)
}

// Request describes a proposed call time. SubjectID adds the subject's other
// scheduled calls to the busy set; CallID names the call being moved so it
// does not conflict with itself.
type Request struct {
	ProposedStart   time.Time    `json:"proposed_start"`
	DurationMinutes int          `json:"duration_minutes"`
	BusyWindows     []BusyWindow `json:"busy_windows,omitempty"`
	SubjectID       string       `json:"subject_id,omitempty"`
	CallID          string       `json:"call_id,omitempty"`
}

type Result struct {
	Available          bool          `json:"available"`
	Confirmed          bool          `json:"confirmed,omitempty"`
	Conflicts          []BusyWindow  `json:"conflicts"`
	NextAvailableStart *time.Time    `json:"next_available_start"`
	Call               *storage.Call `json:"call,omitempty"`
}

// Checker answers availability questions against explicit windows and the
// subject's existing calls.
type Checker struct {
	store           CallStore
	defaultDuration int
}

func NewChecker(store CallStore, defaultDurationMinutes int) *Checker {
	if defaultDurationMinutes <= 0 {
		defaultDurationMinutes = 30
	}
	return &Checker{store: store, defaultDuration: defaultDurationMinutes}
}

// WindowsFromCalls turns a subject's calls into busy windows of the given
// duration. Cancelled and failed calls do not occupy time, nor does the call
// identified by excludeID.
func WindowsFromCalls(calls []storage.Call, durationMinutes int, excludeID string) []BusyWindow {
	duration := time.Duration(durationMinutes) * time.Minute
	var windows []BusyWindow
	for _, c := range calls {
		if c.ID == excludeID || c.Status == storage.StatusCancelled || c.Status == storage.StatusFailed {
			continue
		}
		label := c.Purpose
		if label == "" {
			label = c.Reason
		}
		if label == "" {
			label = "call " + c.ID
		}
		windows = append(windows, BusyWindow{
			Start:  c.ScheduledAt,
			End:    c.ScheduledAt.Add(duration),
			Source: SourceScheduledCall,
			Label:  label,
		})
	}
	return windows
}

// Check reports whether the proposed slot is free and, if not, the nearest
// free start.
func (c *Checker) Check(req Request) (Result, error) {
	req, err := c.normalize(req)
	if err != nil {
		return Result{}, err
	}
	windows, err := c.windows(req)
	if err != nil {
		return Result{}, err
	}
	return evaluate(req, windows), nil
}

// Confirm checks the slot for an existing call and, when free, moves the
// call there. Only pending and failed calls can be moved.
func (c *Checker) Confirm(req Request) (Result, error) {
	if req.CallID == "" {
		return Result{}, apperr.BadInput("call_id is required")
	}
	call, err := c.store.GetCall(req.CallID)
	if errors.Is(err, storage.ErrNotFound) {
		return Result{}, apperr.NotFound(fmt.Sprintf("call %s not found", req.CallID))
	}
	if err != nil {
		return Result{}, apperr.Internal(err, "loading call")
	}
	if req.SubjectID != "" && req.SubjectID != call.SubjectID {
		return Result{}, apperr.BadInput("subject_id does not match the call's subject")
	}
	req.SubjectID = call.SubjectID

	res, err := c.Check(req)
	if err != nil {
		return Result{}, err
	}
	if !res.Available {
		return res, nil
	}

	moved, current, err := c.store.RescheduleCall(call.ID, req.ProposedStart)
	if err != nil {
		return Result{}, apperr.Internal(err, "rescheduling call")
	}
	if !moved {
		return Result{}, apperr.InvalidState(
			fmt.Sprintf("call %s is %s and cannot be rescheduled", call.ID, current), string(current))
	}
	updated, err := c.store.GetCall(call.ID)
	if err != nil {
		return Result{}, apperr.Internal(err, "reloading call")
	}
	res.Confirmed = true
	res.Call = &updated
	return res, nil
}

func (c *Checker) normalize(req Request) (Request, error) {
	if req.ProposedStart.IsZero() {
		return req, apperr.BadInput("proposed_start is required")
	}
	if req.DurationMinutes < 0 {
		return req, apperr.BadInput("duration_minutes must not be negative")
	}
	if req.DurationMinutes == 0 {
		req.DurationMinutes = c.defaultDuration
	}
	req.BusyWindows = append([]BusyWindow(nil), req.BusyWindows...)
	for i, w := range req.BusyWindows {
		if !w.End.After(w.Start) {
			return req, apperr.BadInput(fmt.Sprintf("busy window %d ends before it starts", i))
		}
		if w.Source == "" {
			req.BusyWindows[i].Source = SourceExplicit
		}
	}
	return req, nil
}

func (c *Checker) windows(req Request) ([]BusyWindow, error) {
	windows := append([]BusyWindow(nil), req.BusyWindows...)
	if req.SubjectID == "" {
		return windows, nil
	}
	calls, err := c.store.ListSubjectCalls(req.SubjectID)
	if err != nil {
		return nil, apperr.Internal(err, "listing subject calls")
	}
	return append(windows, WindowsFromCalls(calls, req.DurationMinutes, req.CallID)...), nil
}

func evaluate(req Request, windows []BusyWindow) Result {
	end := req.ProposedStart.Add(time.Duration(req.DurationMinutes) * time.Minute)
	conflicts := CollectConflicts(req.ProposedStart, end, windows)
	if conflicts == nil {
		conflicts = []BusyWindow{}
	}
	res := Result{Available: len(conflicts) == 0, Conflicts: conflicts}
	if res.Available {
		start := req.ProposedStart
		res.NextAvailableStart = &start
		return res
	}
	if next, ok := FindNextAvailableStart(req.ProposedStart, req.DurationMinutes, windows); ok {
		res.NextAvailableStart = &next
	}
	return res
}
