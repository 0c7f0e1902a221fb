package model

import (
	"encoding/json"
	"time"
)

// Job status constants.
const (
	StatusQueued   = "queued"
	StatusRunning  = "running"
	StatusDone     = "done"
	StatusFailed   = "failed"
	StatusCanceled = "canceled"
)

// validTransitions maps each status to the set of statuses it may transition to.
// Terminal statuses have no entry.
var validTransitions = map[string]map[string]bool{
	StatusQueued: {
		StatusRunning:  true,
		StatusFailed:   true,
		StatusCanceled: true,
	},
	StatusRunning: {
		StatusDone:     true,
		StatusFailed:   true,
		StatusCanceled: true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// SourcesOf returns the statuses from which a job may move to the given status.
func SourcesOf(to string) []string {
	var from []string
	for _, s := range []string{StatusQueued, StatusRunning} {
		if validTransitions[s][to] {
			from = append(from, s)
		}
	}
	return from
}

// IsTerminal reports whether status is one of done, failed or canceled.
func IsTerminal(status string) bool {
	return status == StatusDone || status == StatusFailed || status == StatusCanceled
}

// JobRecord is the durable, pollable state of one asynchronously submitted search.
type JobRecord struct {
	ID            string          `json:"id"`
	CorrelationID string          `json:"correlationId"`
	Status        string          `json:"status"`
	Query         string          `json:"query"`
	Result        json.RawMessage `json:"result,omitempty"`
	Error         string          `json:"error,omitempty"`
	DurationMS    *int            `json:"durationMs,omitempty"`
	QueuedAt      time.Time       `json:"queuedAt"`
	StartedAt     *time.Time      `json:"startedAt,omitempty"`
	FinishedAt    *time.Time      `json:"finishedAt,omitempty"`
}
