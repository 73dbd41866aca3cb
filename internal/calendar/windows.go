// Package calendar decides whether a proposed call time collides with a
// subject's busy windows and finds the nearest free start when it does.
package calendar

import (
	"sort"
	"time"
)

const (
	// SlotStep is the increment used by the forward scan.
	SlotStep = 15 * time.Minute
	// SearchHorizon bounds how far past the requested start the scan looks.
	SearchHorizon = 7 * 24 * time.Hour
)

// Window sources.
const (
	SourceExplicit      = "explicit"
	SourceScheduledCall = "scheduled_call"
)

// BusyWindow is a half-open interval [Start, End) during which the subject
// cannot take a call.
type BusyWindow struct {
	Start  time.Time `json:"start"`
	End    time.Time `json:"end"`
	Source string    `json:"source"`
	Label  string    `json:"label,omitempty"`
}

// Overlaps reports whether [start, end) intersects the window. Touching
// boundaries do not overlap.
func (w BusyWindow) Overlaps(start, end time.Time) bool {
	return start.Before(w.End) && end.After(w.Start)
}

// CollectConflicts returns every window overlapping [start, end), sorted by
// window start.
func CollectConflicts(start, end time.Time, windows []BusyWindow) []BusyWindow {
	var conflicts []BusyWindow
	for _, w := range windows {
		if w.Overlaps(start, end) {
			conflicts = append(conflicts, w)
		}
	}
	sort.SliceStable(conflicts, func(i, j int) bool {
		return conflicts[i].Start.Before(conflicts[j].Start)
	})
	return conflicts
}

// FindNextAvailableStart scans forward from start in SlotStep increments and
// returns the first start whose [start, start+duration) is free. ok is false
// when nothing is free within SearchHorizon.
func FindNextAvailableStart(start time.Time, durationMinutes int, windows []BusyWindow) (time.Time, bool) {
	duration := time.Duration(durationMinutes) * time.Minute
	attempts := int(SearchHorizon / SlotStep)
	candidate := start
	for range attempts {
		if len(CollectConflicts(candidate, candidate.Add(duration), windows)) == 0 {
			return candidate, true
		}
		candidate = candidate.Add(SlotStep)
	}
	return time.Time{}, false
}
