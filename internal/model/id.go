package model

import (
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewID generates a new ULID string for use as a job identifier.
func NewID() string {
	return ulid.Make().String()
}

// NewCorrelationID generates a random UUID linking a task to its reply or
// cancellation.
func NewCorrelationID() string {
	return uuid.NewString()
}
