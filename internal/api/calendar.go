package api

import (
	"net/http"

	"github.com/kalambet/dialback/internal/calendar"
)

func handleCheckAvailability(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req calendar.Request
		if err := decodeBody(w, r, &req); err != nil {
			writeError(w, err)
			return
		}
		res, err := deps.Calendar.Check(req)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

// handleConfirmCallTime reschedules call_id to proposed_start when the slot
// is free. A busy slot is not an error: the response carries the conflicts
// and the next free start with confirmed=false.
func handleConfirmCallTime(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req calendar.Request
		if err := decodeBody(w, r, &req); err != nil {
			writeError(w, err)
			return
		}
		res, err := deps.Calendar.Confirm(req)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}
