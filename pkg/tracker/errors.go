package tracker

import (
	"errors"
	"fmt"
)

// ErrNotTracked is returned by Revoke when there is nothing to revoke, i.e.
// the key was never launched or seeded, or has already been revoked.
var ErrNotTracked = errors.New("not tracked")

// RevokeError is returned by Revoke when the revoke operation itself failed.
// The key is left in whatever state it was in before the revoke.
type RevokeError struct {
	Key   string
	Prior State
	Err   error
}

func (e *RevokeError) Error() string {
	return fmt.Sprintf("revoke failed (key=%s, prior=%s): %v", e.Key, e.Prior, e.Err)
}

func (e *RevokeError) Unwrap() error {
	return e.Err
}

// PanicError wraps a value recovered from a panicking operation.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("operation panicked: %v", e.Value)
}
