package domain

import (
	"errors"
	"fmt"
)

// Domain errors
var (
	ErrPlayerNotFound   = errors.New("player not found")
	ErrSessionNotFound  = errors.New("session not found")
	ErrStoreUnavailable = errors.New("ledger store unavailable")
	ErrProbeUnreachable = errors.New("status probe unreachable")
	ErrProbeTimeout     = errors.New("status probe timed out")
	ErrInvalidRequest   = errors.New("invalid request")
	ErrInternalError    = errors.New("internal server error")
)

// IsNotFoundError checks if an error is a not-found type error
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrPlayerNotFound) || errors.Is(err, ErrSessionNotFound)
}

// StoreError marks err as a storage failure for operation op.
// The result matches both ErrStoreUnavailable and err.
func StoreError(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}

// ReconcileError is returned when a reconciliation cycle aborts part way.
// Changes applied before the failing step are not rolled back.
type ReconcileError struct {
	Stage    string
	PlayerID string
	Err      error
}

func (e *ReconcileError) Error() string {
	if e.PlayerID != "" {
		return fmt.Sprintf("reconcile %s (player %s): %v", e.Stage, e.PlayerID, e.Err)
	}
	return fmt.Sprintf("reconcile %s: %v", e.Stage, e.Err)
}

func (e *ReconcileError) Unwrap() error {
	return e.Err
}
