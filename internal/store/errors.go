package store

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound means the key does not exist (or its TTL elapsed).
	ErrNotFound = errors.New("store: key not found")

	// ErrUnavailable wraps connectivity failures. Callers decide the policy:
	// admission fails open on it, the task store fails closed.
	ErrUnavailable = errors.New("store: unavailable")
)

// IsUnavailable reports whether err stems from a store connectivity failure.
func IsUnavailable(err error) bool { return errors.Is(err, ErrUnavailable) }

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
}
