package model

import (
	"encoding/json"
	"time"
)

// Task is one unit of search work placed on the work queue. It is immutable
// once published.
type Task struct {
	CorrelationID string    `json:"correlationId"`
	Query         string    `json:"query"`
	JobID         string    `json:"jobId,omitempty"`
	ReplyTo       string    `json:"replyTo,omitempty"`
	SubmittedAt   time.Time `json:"submittedAt"`
	ExpiresAt     time.Time `json:"expiresAt"`
}

// Expired reports whether the task outlived its expiration at now. A zero
// ExpiresAt never expires.
func (t Task) Expired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && now.After(t.ExpiresAt)
}

// Failure is the structured error payload a worker sends in place of a result.
type Failure struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// Reply carries a worker's outcome back to the dispatcher waiting on
// CorrelationID. Exactly one of Body and Failure is set.
type Reply struct {
	CorrelationID string          `json:"correlationId"`
	Body          json.RawMessage `json:"body,omitempty"`
	Failure       *Failure        `json:"failure,omitempty"`
}

// CancellationSignal announces that the work for CorrelationID should stop.
type CancellationSignal struct {
	CorrelationID string    `json:"correlationId"`
	AnnouncedAt   time.Time `json:"announcedAt"`
}
