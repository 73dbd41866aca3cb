package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/kalambet/dialback/internal/apperr"
)

const maxRequestBodySize = 1 << 20 // 1MB

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": fmt.Sprintf(format, args...),
			"type":    errType,
		},
	})
}

// writeError renders an apperr-classified error as the JSON error envelope.
func writeError(w http.ResponseWriter, err error) {
	status := apperr.Status(err)
	body := map[string]any{
		"message": apperr.Message(err),
		"type":    errorType(status),
		"code":    apperr.TextCode(err),
	}
	if current := apperr.CurrentStatus(err); current != "" {
		body["current_status"] = current
	}
	if status >= http.StatusInternalServerError {
		slog.Warn("request failed", "status", status, "code", body["code"], "error", err)
	}
	writeJSON(w, status, map[string]any{"error": body})
}

func errorType(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "invalid_request_error"
	case http.StatusUnauthorized:
		return "authentication_error"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict_error"
	case http.StatusServiceUnavailable:
		return "configuration_error"
	}
	return "api_error"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// decodeBody reads a JSON request body into v. An empty body leaves v as is.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()

	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return apperr.BadInput(fmt.Sprintf("invalid request body: %v", err))
	}
	return nil
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
