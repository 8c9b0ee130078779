package clients

import "errors"

var (
	// ErrNotFound is returned when no client has the given id.
	ErrNotFound = errors.New("clients: not found")

	// ErrResourceExhausted is returned by Add past the client capacity.
	ErrResourceExhausted = errors.New("clients: maximum number of clients reached")

	// ErrAlreadyExists is returned by Add for a duplicate connection id.
	ErrAlreadyExists = errors.New("clients: connection id already registered")

	// ErrDisconnected is returned for operations on a disconnected client.
	ErrDisconnected = errors.New("clients: client is disconnected")

	// ErrInvalidTransition is returned for a state change the lifecycle forbids.
	ErrInvalidTransition = errors.New("clients: invalid state transition")

	// ErrOverRelease is returned when a handle is released more often than
	// it was acquired.
	ErrOverRelease = errors.New("clients: reference released past zero")
)
