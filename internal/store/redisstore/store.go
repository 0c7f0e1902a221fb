// Package redisstore implements store.Store on Redis hashes so that gateways
// and workers on different hosts can share job records without a database.
//
// Each job is a Hash at <prefix>:job:<id>; a Sorted Set at <prefix>:jobs
// indexes ids by queue time for listing. Status changes run inside
// WATCH/MULTI so a cancel and a completion racing on one job cannot both
// apply.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/seantiz/sieve/internal/model"
	"github.com/seantiz/sieve/internal/store"
)

// ErrExists is returned by CreateJob when the id is already taken.
var ErrExists = errors.New("job already exists")

// maxTxRetries bounds optimistic-lock retries when a watched key changes.
const maxTxRetries = 16

// Compile-time interface check.
var _ store.Store = (*Store)(nil)

// Store is a Redis-backed job record store. The caller owns the client.
type Store struct {
	client *goredis.Client
	prefix string
}

// New creates a Redis job store with keys under prefix (for example "sieve").
func New(client *goredis.Client, prefix string) *Store {
	return &Store{client: client, prefix: prefix}
}

func (s *Store) jobKey(id string) string { return s.prefix + ":job:" + id }
func (s *Store) indexKey() string        { return s.prefix + ":jobs" }

// Ping verifies the Redis connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close is a no-op; the caller owns the Redis client lifecycle.
func (s *Store) Close() error { return nil }

// CreateJob stores a new job record. The existence check and the write
// happen in one transaction, so readers never see a partial hash.
func (s *Store) CreateJob(ctx context.Context, j *model.JobRecord) error {
	key := s.jobKey(j.ID)

	txf := func(tx *goredis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("job %s: %w", j.ID, ErrExists)
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.HSet(ctx, key, jobToMap(j))
			pipe.ZAdd(ctx, s.indexKey(), goredis.Z{Score: float64(j.QueuedAt.UnixNano()), Member: j.ID})
			return nil
		})
		return err
	}

	for range maxTxRetries {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, goredis.TxFailedErr) {
			continue
		}
		if err != nil {
			return fmt.Errorf("insert job: %w", err)
		}
		return nil
	}
	return fmt.Errorf("insert job %s: too much contention", j.ID)
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, id string) (*model.JobRecord, error) {
	m, err := s.client.HGetAll(ctx, s.jobKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	if len(m) == 0 {
		return nil, store.ErrNotFound
	}
	return mapToJob(m)
}

// ListJobs returns jobs newest first with the total count.
func (s *Store) ListJobs(ctx context.Context, limit, offset int) ([]*model.JobRecord, int, error) {
	total, err := s.client.ZCard(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}
	ids, err := s.client.ZRevRange(ctx, s.indexKey(), int64(offset), int64(offset+limit-1)).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}

	jobs := make([]*model.JobRecord, 0, len(ids))
	for _, id := range ids {
		j, err := s.GetJob(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, 0, err
		}
		jobs = append(jobs, j)
	}
	return jobs, int(total), nil
}

// MarkRunning moves a queued job to running.
func (s *Store) MarkRunning(ctx context.Context, id string, startedAt time.Time) error {
	return s.transition(ctx, id, model.StatusRunning, func(map[string]string) map[string]any {
		return map[string]any{
			"status":     model.StatusRunning,
			"started_at": formatTime(startedAt),
		}
	})
}

// FinishJob writes a terminal status unless another writer got there first.
func (s *Store) FinishJob(ctx context.Context, id string, fin store.Finish) error {
	if !model.IsTerminal(fin.Status) {
		return fmt.Errorf("finish job with status %q: %w", fin.Status, store.ErrInvalidTransition)
	}
	return s.transition(ctx, id, fin.Status, func(cur map[string]string) map[string]any {
		fields := map[string]any{
			"status":      fin.Status,
			"result":      []byte(fin.Result),
			"error":       fin.Error,
			"finished_at": formatTime(fin.FinishedAt),
		}
		if started, err := parseTime(cur["started_at"]); err == nil && started != nil {
			fields["duration_ms"] = fin.FinishedAt.Sub(*started).Milliseconds()
		}
		return fields
	})
}

// transition applies the fields built by update only while the job's
// current status may legally move to to.
func (s *Store) transition(ctx context.Context, id, to string, update func(cur map[string]string) map[string]any) error {
	key := s.jobKey(id)
	sources := model.SourcesOf(to)

	txf := func(tx *goredis.Tx) error {
		cur, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		if len(cur) == 0 {
			return store.ErrNotFound
		}
		if !slices.Contains(sources, cur["status"]) {
			return fmt.Errorf("job %s is %s: %w", id, cur["status"], store.ErrInvalidTransition)
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.HSet(ctx, key, update(cur))
			return nil
		})
		return err
	}

	for range maxTxRetries {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, goredis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("update job %s: too much contention", id)
}

// GetJobStats scans every job; it is meant for dashboards, not hot paths.
func (s *Store) GetJobStats(ctx context.Context) (*store.JobStats, error) {
	ids, err := s.client.ZRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list job ids: %w", err)
	}

	stats := &store.JobStats{CountByStatus: make(map[string]int)}
	var sum float64
	var ran int
	for _, id := range ids {
		vals, err := s.client.HMGet(ctx, s.jobKey(id), "status", "duration_ms").Result()
		if err != nil {
			return nil, fmt.Errorf("get job stats: %w", err)
		}
		status, _ := vals[0].(string)
		if status == "" {
			continue
		}
		stats.Total++
		stats.CountByStatus[status]++
		if d, ok := vals[1].(string); ok && d != "" {
			ms, err := strconv.ParseFloat(d, 64)
			if err == nil {
				sum += ms
				ran++
			}
		}
	}
	if ran > 0 {
		stats.AvgDurationMS = sum / float64(ran)
	}
	return stats, nil
}
