package session

import "errors"

var (
	// ErrNotFound is returned when a session id does not resolve.
	ErrNotFound = errors.New("session not found")

	// ErrCapacityExceeded is returned when the global session ceiling is hit.
	ErrCapacityExceeded = errors.New("session capacity exceeded")

	// ErrSessionFull is returned when a session is at its member cap.
	ErrSessionFull = errors.New("session full")
)
