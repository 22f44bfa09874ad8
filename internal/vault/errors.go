package vault

import (
	"errors"
	"fmt"
)

// Vault error types.
var (
	ErrValidation       = errors.New("invalid request")
	ErrQuotaExceeded    = errors.New("vault quota exceeded")
	ErrSessionNotFound  = errors.New("upload session not found")
	ErrSessionExpired   = errors.New("upload session expired")
	ErrSessionTerminal  = errors.New("upload session is closed")
	ErrInvalidIndex     = errors.New("chunk index out of range")
	ErrMissingChunk     = errors.New("chunk missing")
	ErrSizeMismatch     = errors.New("size mismatch")
	ErrChecksumMismatch = errors.New("checksum mismatch")
	ErrStorage          = errors.New("storage error")
	ErrNotFound         = errors.New("not found")
	ErrExpired          = errors.New("share expired")
	ErrLimitReached     = errors.New("share download limit reached")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrForbidden        = errors.New("operation not allowed")
	ErrConflict         = errors.New("conflict")
	ErrChunkWrite       = errors.New("chunk write failed")
)

// Validationf returns an ErrValidation with a formatted reason.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// MissingChunkError reports the first absent chunk found during a merge.
type MissingChunkError struct {
	Index int
}

func (e *MissingChunkError) Error() string {
	return fmt.Sprintf("chunk %d missing", e.Index)
}

func (e *MissingChunkError) Is(target error) bool {
	return target == ErrMissingChunk
}

// IntegrityError reports a size or digest disagreement found during a merge.
type IntegrityError struct {
	Kind     error // ErrSizeMismatch or ErrChecksumMismatch
	Expected string
	Actual   string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("%v: expected %s, got %s", e.Kind, e.Expected, e.Actual)
}

func (e *IntegrityError) Is(target error) bool {
	return target == e.Kind
}

// StorageFailure wraps a blob or metadata store error as ErrStorage while
// keeping the cause inspectable.
func StorageFailure(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStorage, op, err)
}

// Class tells a caller what to do about an error.
type Class string

const (
	ClassNone           Class = ""
	ClassRetry          Class = "retry"           // repeat the same request, e.g. resend the chunk
	ClassNewSession     Class = "new_session"     // start over with a new session
	ClassFixRequest     Class = "fix_request"     // the request itself is wrong
	ClassDenied         Class = "denied"          // access rules refuse the request
	ClassNotFound       Class = "not_found"       // nothing to act on
	ClassContactSupport Class = "contact_support" // unexpected storage failure
)

// Classify maps an error to the action a caller should take.
func Classify(err error) Class {
	switch {
	case err == nil:
		return ClassNone
	case errors.Is(err, ErrSessionExpired),
		errors.Is(err, ErrSessionTerminal),
		errors.Is(err, ErrQuotaExceeded),
		errors.Is(err, ErrSizeMismatch),
		errors.Is(err, ErrChecksumMismatch),
		errors.Is(err, ErrMissingChunk):
		return ClassNewSession
	case errors.Is(err, ErrValidation), errors.Is(err, ErrInvalidIndex):
		return ClassFixRequest
	case errors.Is(err, ErrUnauthorized),
		errors.Is(err, ErrForbidden),
		errors.Is(err, ErrExpired),
		errors.Is(err, ErrLimitReached):
		return ClassDenied
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrSessionNotFound):
		return ClassNotFound
	case errors.Is(err, ErrConflict), errors.Is(err, ErrChunkWrite):
		return ClassRetry
	default:
		return ClassContactSupport
	}
}
