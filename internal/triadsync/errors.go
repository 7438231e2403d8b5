package triadsync

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrMissingIdentifier = errors.New("missing identifier")
	ErrStaleToken        = errors.New("stale sync token")
	ErrInvalidInput      = errors.New("invalid input")
	ErrSyncInProgress    = errors.New("sync already in progress")
)

// IdentifierConflictError reports an external identifier that is already
// bound to a different canonical record.
type IdentifierConflictError struct {
	System      SystemKind
	SystemID    string
	CanonicalID string
	ClaimedBy   string
}

func (e *IdentifierConflictError) Error() string {
	return fmt.Sprintf("identifier conflict: %s id %q already bound to %s", e.System, e.SystemID, e.ClaimedBy)
}

func (e *IdentifierConflictError) Is(target error) bool {
	return target == ErrInvalidInput
}

type transientError struct {
	err error
}

func (e *transientError) Error() string {
	return e.err.Error()
}

func (e *transientError) Unwrap() error {
	return e.err
}

// Transient marks err as retryable on a later cycle.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

func Transientf(format string, args ...any) error {
	return &transientError{err: fmt.Errorf(format, args...)}
}

func IsTransient(err error) bool {
	var te *transientError
	return errors.As(err, &te)
}
