package graffiti

import (
	"errors"
	"fmt"
	"net/http"
)

// Error taxonomy. Every failure surfaced by the store or the wire
// protocol wraps exactly one of these sentinels, so callers can
// discriminate with errors.Is and the HTTP layer can map 1:1 onto a
// wire status.
var (
	ErrNotFound        = errors.New("not found")
	ErrForbidden       = errors.New("forbidden")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrInvalidSchema   = errors.New("invalid schema")
	ErrSchemaMismatch  = errors.New("schema mismatch")
	ErrPatchError      = errors.New("invalid patch")
	ErrPatchTestFailed = errors.New("patch test failed")
	ErrConflict        = errors.New("conflict")
)

// NotFoundf wraps ErrNotFound with a formatted message.
func NotFoundf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrNotFound)...)
}

// Forbiddenf wraps ErrForbidden with a formatted message.
func Forbiddenf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrForbidden)...)
}

// InvalidSchemaf wraps ErrInvalidSchema with a formatted message.
func InvalidSchemaf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrInvalidSchema)...)
}

// PatchErrorf wraps ErrPatchError with a formatted message.
func PatchErrorf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrPatchError)...)
}

// StatusOf maps an error to its wire status. Unrecognized errors map
// to 500 ("Other" in the taxonomy).
func StatusOf(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrPatchTestFailed):
		return http.StatusPreconditionFailed
	case errors.Is(err, ErrInvalidSchema),
		errors.Is(err, ErrSchemaMismatch),
		errors.Is(err, ErrPatchError):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// ErrorFromStatus is the client-side inverse of StatusOf. The message
// is attached for context; the sentinel is chosen from the status.
func ErrorFromStatus(status int, msg string) error {
	var sentinel error
	switch status {
	case http.StatusUnauthorized:
		sentinel = ErrUnauthorized
	case http.StatusForbidden:
		sentinel = ErrForbidden
	case http.StatusNotFound:
		sentinel = ErrNotFound
	case http.StatusConflict:
		sentinel = ErrConflict
	case http.StatusPreconditionFailed:
		sentinel = ErrPatchTestFailed
	case http.StatusUnprocessableEntity:
		sentinel = ErrPatchError
	default:
		return fmt.Errorf("remote error (status %d): %s", status, msg)
	}
	if msg == "" {
		return sentinel
	}
	return fmt.Errorf("%s: %w", msg, sentinel)
}

// SourceError tags a failure with the source it came from, so that
// multi-source fan-out can surface per-source errors without
// cancelling sibling streams.
type SourceError struct {
	Source string
	Err    error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("source %s: %v", e.Source, e.Err)
}

func (e *SourceError) Unwrap() error { return e.Err }
