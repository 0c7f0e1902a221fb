package dispatch

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation is returned for an empty query. Nothing is published.
	ErrValidation = errors.New("query is required")
	// ErrTimeout is returned when no reply arrives before the deadline.
	ErrTimeout = errors.New("timed out waiting for a worker reply")
	// ErrDisconnected is returned when the caller goes away first.
	ErrDisconnected = errors.New("caller disconnected")
)

// EngineFailure is a structured failure reported by a worker in place of a
// result.
type EngineFailure struct {
	Code    string
	Details string
}

func (e *EngineFailure) Error() string {
	if e.Details == "" {
		return fmt.Sprintf("worker failure: %s", e.Code)
	}
	return fmt.Sprintf("worker failure: %s: %s", e.Code, e.Details)
}
