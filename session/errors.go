package session

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned for unknown or closed session tokens.
	ErrNotFound = errors.New("session: not found")

	// ErrResourceExhausted is returned by Create when the store is full.
	ErrResourceExhausted = errors.New("session: maximum number of sessions reached")

	// ErrInvalidTransition is matched by every TransitionError.
	ErrInvalidTransition = errors.New("session: invalid state transition")
)

// TransitionError describes a rejected state change.
type TransitionError struct {
	From State
	To   State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("session: invalid state transition %s -> %s", e.From, e.To)
}

// Is makes errors.Is(err, ErrInvalidTransition) succeed.
func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}
