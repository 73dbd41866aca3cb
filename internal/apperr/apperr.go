// Package apperr defines the error taxonomy shared by dispatch, webhook
// authentication and reconciliation, and maps it onto HTTP statuses.
package apperr

import (
	"errors"
	"net/http"

	goerrors "github.com/goliatone/go-errors"
)

const (
	CodeBadInput              = "BAD_INPUT"
	CodeCallNotFound          = "CALL_NOT_FOUND"
	CodeCallInvalidState      = "CALL_INVALID_STATE"
	CodeCallNotYetDue         = "CALL_NOT_YET_DUE"
	CodeCallClaimConflict     = "CALL_CLAIM_CONFLICT"
	CodeProviderNotConfigured = "PROVIDER_NOT_CONFIGURED"
	CodeProviderCallFailed    = "PROVIDER_CALL_FAILED"
	CodeProviderUnavailable   = "PROVIDER_UNAVAILABLE"
	CodeWebhookUnauthorized   = "WEBHOOK_UNAUTHORIZED"
	CodeWebhookNotConfigured  = "WEBHOOK_NOT_CONFIGURED"
	CodeInternal              = "INTERNAL"
)

func newError(message string, category goerrors.Category, code int, textCode string, metadata map[string]any) *goerrors.Error {
	err := goerrors.New(message, category).
		WithCode(code).
		WithTextCode(textCode)
	if len(metadata) > 0 {
		err.WithMetadata(metadata)
	}
	return err
}

func wrapError(source error, category goerrors.Category, message string, code int, textCode string, metadata map[string]any) *goerrors.Error {
	if source == nil {
		return newError(message, category, code, textCode, metadata)
	}
	err := goerrors.Wrap(source, category, message).
		WithCode(code).
		WithTextCode(textCode)
	if len(metadata) > 0 {
		err.WithMetadata(metadata)
	}
	return err
}

func BadInput(message string) error {
	return newError(message, goerrors.CategoryBadInput, http.StatusBadRequest, CodeBadInput, nil)
}

func NotFound(message string) error {
	return newError(message, goerrors.CategoryNotFound, http.StatusNotFound, CodeCallNotFound, nil)
}

func InvalidState(message string, current string) error {
	return newError(message, goerrors.CategoryBadInput, http.StatusBadRequest, CodeCallInvalidState,
		map[string]any{"current_status": current})
}

func NotYetDue(message string) error {
	return newError(message, goerrors.CategoryBadInput, http.StatusBadRequest, CodeCallNotYetDue, nil)
}

// Conflict reports a lost claim race or an already-terminal call.
func Conflict(message string, current string) error {
	return newError(message, goerrors.CategoryConflict, http.StatusConflict, CodeCallClaimConflict,
		map[string]any{"current_status": current})
}

func ProviderNotConfigured(source error) error {
	return wrapError(source, goerrors.CategoryInternal, "voice provider is not configured",
		http.StatusServiceUnavailable, CodeProviderNotConfigured, nil)
}

func ProviderCallFailed(source error) error {
	msg := "provider call failed"
	if source != nil {
		msg = source.Error()
	}
	return wrapError(source, goerrors.CategoryExternal, msg, http.StatusInternalServerError, CodeProviderCallFailed, nil)
}

func ProviderUnavailable(source error) error {
	msg := "provider request failed"
	if source != nil {
		msg = source.Error()
	}
	return wrapError(source, goerrors.CategoryExternal, msg, http.StatusBadGateway, CodeProviderUnavailable, nil)
}

func Unauthorized(message string) error {
	return newError(message, goerrors.CategoryAuth, http.StatusUnauthorized, CodeWebhookUnauthorized, nil)
}

func WebhookNotConfigured() error {
	return newError("webhook secret is not configured", goerrors.CategoryInternal,
		http.StatusServiceUnavailable, CodeWebhookNotConfigured, nil)
}

func Internal(source error, message string) error {
	return wrapError(source, goerrors.CategoryInternal, message, http.StatusInternalServerError, CodeInternal, nil)
}

// Status returns the HTTP status carried by err, or 500.
func Status(err error) int {
	var rich *goerrors.Error
	if goerrors.As(err, &rich) && rich.Code != 0 {
		return rich.Code
	}
	return http.StatusInternalServerError
}

// TextCode returns the machine readable code carried by err, or INTERNAL.
func TextCode(err error) string {
	var rich *goerrors.Error
	if goerrors.As(err, &rich) && rich.TextCode != "" {
		return rich.TextCode
	}
	return CodeInternal
}

// Is reports whether err carries the given text code.
func Is(err error, textCode string) bool {
	var rich *goerrors.Error
	if !errors.As(err, &rich) {
		return false
	}
	return rich.TextCode == textCode
}

// Message returns the user-facing message of err. Messages are surfaced
// verbatim; this is an operational interface.
func Message(err error) string {
	var rich *goerrors.Error
	if goerrors.As(err, &rich) && rich.Message != "" {
		return rich.Message
	}
	return err.Error()
}

// CurrentStatus returns the current_status recorded on err, if any.
func CurrentStatus(err error) string {
	var rich *goerrors.Error
	if !goerrors.As(err, &rich) || rich.Metadata == nil {
		return ""
	}
	s, _ := rich.Metadata["current_status"].(string)
	return s
}
