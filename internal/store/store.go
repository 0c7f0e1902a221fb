package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/seantiz/sieve/internal/model"
)

// ErrInvalidTransition is returned when a job status transition is not allowed,
// including any attempt to move a job out of a terminal status.
var ErrInvalidTransition = errors.New("invalid status transition")

// ErrNotFound is returned when a job is not found.
var ErrNotFound = errors.New("job not found")

// JobStats holds aggregate job statistics.
type JobStats struct {
	Total         int            `json:"total"`
	CountByStatus map[string]int `json:"countByStatus"`
	AvgDurationMS float64        `json:"avgDurationMs"`
}

// Store defines the persistence operations for job records. Implementations
// must apply each status change as a single compare-and-set so that the
// dispatcher (cancel) and a worker (completion) racing on the same id cannot
// both win: the first terminal write sticks and later ones get
// ErrInvalidTransition.
type Store interface {
	CreateJob(ctx context.Context, j *model.JobRecord) error
	GetJob(ctx context.Context, id string) (*model.JobRecord, error)
	ListJobs(ctx context.Context, limit, offset int) ([]*model.JobRecord, int, error)
	MarkRunning(ctx context.Context, id string, startedAt time.Time) error
	FinishJob(ctx context.Context, id string, fin Finish) error
	GetJobStats(ctx context.Context) (*JobStats, error)
	Ping(ctx context.Context) error
	Close() error
}

// Finish describes a terminal write.
type Finish struct {
	Status     string
	Result     json.RawMessage
	Error      string
	FinishedAt time.Time
}
