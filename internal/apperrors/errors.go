// Package apperrors defines the error taxonomy shared by the collaboration services.
package apperrors

import "errors"

var (
	// ErrUnauthorized marks a missing, invalid or revoked credential.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrForbidden marks an authenticated identity without access to the workspace or action.
	ErrForbidden = errors.New("forbidden")
	// ErrNotFound marks a room, session or target that does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDisabled marks a feature switched off by configuration.
	ErrDisabled = errors.New("disabled")
	// ErrInvalid marks a malformed request.
	ErrInvalid = errors.New("invalid")
)

const (
	CodeUnauthorized = "unauthorized"
	CodeForbidden    = "forbidden"
	CodeNotFound     = "not_found"
	CodeDisabled     = "disabled"
	CodeInvalid      = "invalid"
	CodeInternal     = "internal"
)

// Code maps an error to the wire code reported to clients.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnauthorized):
		return CodeUnauthorized
	case errors.Is(err, ErrForbidden):
		return CodeForbidden
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrDisabled):
		return CodeDisabled
	case errors.Is(err, ErrInvalid):
		return CodeInvalid
	default:
		return CodeInternal
	}
}

// Message returns a client-safe description for err.
func Message(err error) string {
	switch Code(err) {
	case CodeUnauthorized:
		return "authentication required"
	case CodeForbidden:
		return "access denied"
	case CodeNotFound:
		return "not found"
	case CodeDisabled:
		return "feature disabled"
	case CodeInvalid:
		return err.Error()
	case "":
		return ""
	default:
		return "internal error"
	}
}
