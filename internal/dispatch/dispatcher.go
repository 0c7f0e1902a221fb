// Package dispatch is the gateway side of the search RPC. It publishes tasks
// to the work queue, waits for correlated replies, and turns timeouts and
// caller disconnects into cancellation broadcasts. It also manages the async
// job lifecycle on top of the job store.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/seantiz/sieve/internal/broker"
	"github.com/seantiz/sieve/internal/model"
	"github.com/seantiz/sieve/internal/store"
)

const (
	DefaultSyncTimeout     = 30 * time.Second
	DefaultMaxSyncTimeout  = 5 * time.Minute
	DefaultExpirationGrace = 5 * time.Second

	// announceTimeout bounds the cancellation broadcast sent after the
	// caller's own context is gone.
	announceTimeout = 5 * time.Second
)

// Bus is the part of the broker the dispatcher uses.
type Bus interface {
	broker.TaskQueue
	broker.ReplyBus
}

// Announcer broadcasts cancellations. *fanout.Fanout implements it.
type Announcer interface {
	Announce(ctx context.Context, correlationID string) error
}

// Config holds dispatcher timing.
type Config struct {
	// SyncTimeout is the deadline used when a caller does not pick one.
	SyncTimeout time.Duration
	// MaxSyncTimeout caps caller-supplied deadlines.
	MaxSyncTimeout time.Duration
	// ExpirationGrace is added to the deadline to compute a task's
	// ExpiresAt, after which workers drop it unprocessed.
	ExpirationGrace time.Duration
}

func (c Config) withDefaults() Config {
	if c.SyncTimeout <= 0 {
		c.SyncTimeout = DefaultSyncTimeout
	}
	if c.MaxSyncTimeout <= 0 {
		c.MaxSyncTimeout = DefaultMaxSyncTimeout
	}
	if c.ExpirationGrace < 0 {
		c.ExpirationGrace = 0
	}
	return c
}

// Dispatcher publishes search tasks and resolves their outcomes.
type Dispatcher struct {
	bus       Bus
	announcer Announcer
	jobs      store.Store
	logger    *slog.Logger
	cfg       Config

	pending *pendingTable
	ready   chan struct{}
}

// New creates a dispatcher. Run must be started before DispatchSync is used
// so replies have somewhere to land.
func New(bus Bus, announcer Announcer, jobs store.Store, logger *slog.Logger, cfg Config) *Dispatcher {
	return &Dispatcher{
		bus:       bus,
		announcer: announcer,
		jobs:      jobs,
		logger:    logger,
		cfg:       cfg.withDefaults(),
		pending:   newPendingTable(),
		ready:     make(chan struct{}),
	}
}

// Ready is closed once the reply subscription is live.
func (d *Dispatcher) Ready() <-chan struct{} { return d.ready }

// Pending returns the number of synchronous requests awaiting a reply.
func (d *Dispatcher) Pending() int { return d.pending.len() }

// Run consumes replies addressed to this instance until ctx ends.
func (d *Dispatcher) Run(ctx context.Context) error {
	replies, err := d.bus.SubscribeReplies(ctx)
	if err != nil {
		return fmt.Errorf("subscribe replies: %w", err)
	}
	close(d.ready)
	d.logger.Info("dispatcher reply loop started", "reply_to", d.bus.ReplyDestination())

	for {
		select {
		case <-ctx.Done():
			return nil
		case r, ok := <-replies:
			if !ok {
				return nil
			}
			if !d.pending.settle(r) {
				orphanRepliesTotal.Inc()
				d.logger.Debug("reply with no waiter", "correlation_id", r.CorrelationID)
			}
		}
	}
}

// DispatchSync publishes query and waits for the worker's result. A zero
// timeout uses the configured default; larger values are capped.
//
// Exactly one outcome is returned per call: the reply body, an
// *EngineFailure, ErrTimeout, or ErrDisconnected when ctx ends first. On
// timeout and disconnect a cancellation is broadcast for the request.
func (d *Dispatcher) DispatchSync(ctx context.Context, query string, timeout time.Duration) (json.RawMessage, error) {
	if strings.TrimSpace(query) == "" {
		return nil, ErrValidation
	}
	timeout = d.clampTimeout(timeout)

	id := model.NewCorrelationID()
	replyCh, err := d.pending.insert(id)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	task := model.Task{
		CorrelationID: id,
		Query:         query,
		ReplyTo:       d.bus.ReplyDestination(),
		SubmittedAt:   start.UTC(),
		ExpiresAt:     start.Add(timeout + d.cfg.ExpirationGrace).UTC(),
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	defer func() { syncDuration.Observe(time.Since(start).Seconds()) }()

	if err := d.bus.PublishTask(ctx, task); err != nil {
		d.pending.remove(id)
		requestsTotal.WithLabelValues(modeSync, outcomeError).Inc()
		return nil, fmt.Errorf("publish task: %w", err)
	}
	d.logger.Debug("task published", "correlation_id", id, "timeout", timeout)

	select {
	case r := <-replyCh:
		return d.resolve(r)
	case <-timer.C:
		return d.abandon(ctx, id, replyCh, ErrTimeout, outcomeTimeout)
	case <-ctx.Done():
		return d.abandon(ctx, id, replyCh, ErrDisconnected, outcomeDisconnected)
	}
}

// abandon gives up on id unless a reply won the race, then broadcasts the
// cancellation.
func (d *Dispatcher) abandon(ctx context.Context, id string, replyCh <-chan model.Reply, cause error, outcome string) (json.RawMessage, error) {
	if !d.pending.remove(id) {
		// settle already cleared the entry; its reply is buffered.
		return d.resolve(<-replyCh)
	}
	requestsTotal.WithLabelValues(modeSync, outcome).Inc()
	d.logger.Info("abandoning request", "correlation_id", id, "reason", outcome)

	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), announceTimeout)
	defer cancel()
	if err := d.announcer.Announce(actx, id); err != nil {
		d.logger.Error("announce cancellation", "correlation_id", id, "error", err)
	}
	return nil, cause
}

func (d *Dispatcher) resolve(r model.Reply) (json.RawMessage, error) {
	if r.Failure != nil {
		requestsTotal.WithLabelValues(modeSync, outcomeFailure).Inc()
		return nil, &EngineFailure{Code: r.Failure.Error, Details: r.Failure.Details}
	}
	requestsTotal.WithLabelValues(modeSync, outcomeReply).Inc()
	return r.Body, nil
}

func (d *Dispatcher) clampTimeout(t time.Duration) time.Duration {
	if t <= 0 {
		return d.cfg.SyncTimeout
	}
	if t > d.cfg.MaxSyncTimeout {
		return d.cfg.MaxSyncTimeout
	}
	return t
}

// DispatchAsync records a queued job, publishes its task, and returns the
// job id without waiting. Workers report progress through the job store.
func (d *Dispatcher) DispatchAsync(ctx context.Context, query string) (string, error) {
	if strings.TrimSpace(query) == "" {
		return "", ErrValidation
	}

	now := time.Now().UTC()
	job := &model.JobRecord{
		ID:            model.NewID(),
		CorrelationID: model.NewCorrelationID(),
		Status:        model.StatusQueued,
		Query:         query,
		QueuedAt:      now,
	}
	if err := d.jobs.CreateJob(ctx, job); err != nil {
		requestsTotal.WithLabelValues(modeAsync, outcomeError).Inc()
		return "", fmt.Errorf("create job: %w", err)
	}

	task := model.Task{
		CorrelationID: job.CorrelationID,
		Query:         query,
		JobID:         job.ID,
		SubmittedAt:   now,
	}
	if err := d.bus.PublishTask(ctx, task); err != nil {
		requestsTotal.WithLabelValues(modeAsync, outcomeError).Inc()
		fin := store.Finish{Status: model.StatusFailed, Error: "publish failed: " + err.Error(), FinishedAt: time.Now().UTC()}
		if ferr := d.jobs.FinishJob(context.WithoutCancel(ctx), job.ID, fin); ferr != nil {
			d.logger.Error("mark unpublished job failed", "job_id", job.ID, "error", ferr)
		}
		return "", fmt.Errorf("publish task: %w", err)
	}

	requestsTotal.WithLabelValues(modeAsync, outcomeQueued).Inc()
	d.logger.Info("job queued", "job_id", job.ID, "correlation_id", job.CorrelationID)
	return job.ID, nil
}

// CancelAsync marks a job canceled and broadcasts the cancellation to
// workers. A job that already reached a terminal state is returned as is.
// The first terminal write wins: if the worker finished first, its result
// stands. Unknown ids return store.ErrNotFound.
func (d *Dispatcher) CancelAsync(ctx context.Context, jobID string) (*model.JobRecord, error) {
	job, err := d.jobs.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if model.IsTerminal(job.Status) {
		return job, nil
	}

	fin := store.Finish{Status: model.StatusCanceled, Error: "canceled by client", FinishedAt: time.Now().UTC()}
	err = d.jobs.FinishJob(ctx, jobID, fin)
	switch {
	case errors.Is(err, store.ErrInvalidTransition):
		d.logger.Debug("job finished before cancel", "job_id", jobID)
	case err != nil:
		return nil, fmt.Errorf("cancel job: %w", err)
	default:
		if err := d.announcer.Announce(ctx, job.CorrelationID); err != nil {
			// The record is already canceled; a worker still running the
			// task will fail its terminal write and drop the result.
			d.logger.Error("announce cancellation", "job_id", jobID, "error", err)
		}
		d.logger.Info("job canceled", "job_id", jobID, "correlation_id", job.CorrelationID)
	}

	return d.jobs.GetJob(ctx, jobID)
}

// GetJob returns a job record or store.ErrNotFound.
func (d *Dispatcher) GetJob(ctx context.Context, jobID string) (*model.JobRecord, error) {
	return d.jobs.GetJob(ctx, jobID)
}

// ListJobs returns jobs newest first along with the total count.
func (d *Dispatcher) ListJobs(ctx context.Context, limit, offset int) ([]*model.JobRecord, int, error) {
	return d.jobs.ListJobs(ctx, limit, offset)
}

// Stats returns aggregate job statistics.
func (d *Dispatcher) Stats(ctx context.Context) (*store.JobStats, error) {
	return d.jobs.GetJobStats(ctx)
}
