// Package worker consumes tasks from the work queue one at a time and drives
// the engine for each, honoring cancellation before and during the run.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/seantiz/sieve/internal/broker"
	"github.com/seantiz/sieve/internal/engine"
	"github.com/seantiz/sieve/internal/model"
	"github.com/seantiz/sieve/internal/store"
)

// FailureCode is the error code sent in place of a result when the engine
// fails.
const FailureCode = "processing_failed"

const (
	DefaultPollInterval  = 250 * time.Millisecond
	DefaultTouchInterval = 20 * time.Second
	replyTimeout         = 5 * time.Second
	touchTimeout         = 2 * time.Second
)

// Bus is the part of the broker a worker uses.
type Bus interface {
	broker.TaskQueue
	PublishReply(ctx context.Context, replyTo string, r model.Reply) error
}

// Cancellations is the worker's view of the cancellation fanout.
type Cancellations interface {
	IsCanceled(correlationID string) bool
	OnCancel(fn func(correlationID string)) (remove func())
}

// Config holds worker tunables.
type Config struct {
	// PollInterval is how often the registry is checked while the engine
	// runs, as a backstop to the push notification.
	PollInterval time.Duration
	// TouchInterval is how often the running task's delivery is refreshed
	// with the broker. It must stay well under the broker's reclaim idle
	// time.
	TouchInterval time.Duration
}

// Worker is a single-consumer task loop.
type Worker struct {
	bus     Bus
	cancels Cancellations
	runner  engine.Runner
	jobs    store.Store
	logger  *slog.Logger
	cfg     Config
}

// New creates a Worker. Call Run to start consuming.
func New(bus Bus, cancels Cancellations, runner engine.Runner, jobs store.Store, logger *slog.Logger, cfg Config) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.TouchInterval <= 0 {
		cfg.TouchInterval = DefaultTouchInterval
	}
	return &Worker{
		bus:     bus,
		cancels: cancels,
		runner:  runner,
		jobs:    jobs,
		logger:  logger,
		cfg:     cfg,
	}
}

// Run consumes tasks until ctx ends or the broker closes. A task is never
// fetched before the previous one is acknowledged.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started", "poll_interval", w.cfg.PollInterval, "touch_interval", w.cfg.TouchInterval)
	for {
		del, err := w.bus.NextTask(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, broker.ErrClosed) {
				w.logger.Info("worker stopped")
				return nil
			}
			return fmt.Errorf("next task: %w", err)
		}
		w.process(ctx, del)
	}
}

// process runs one delivery through its lifecycle:
// received → cancellation check → running → done/failed/canceled. The
// delivery is acknowledged exactly once whatever happens.
func (w *Worker) process(ctx context.Context, del *broker.Delivery) {
	start := time.Now()
	task := del.Task
	log := w.logger.With("correlation_id", task.CorrelationID, "delivery", del.ID)
	if task.JobID != "" {
		log = log.With("job_id", task.JobID)
	}

	if del.Redelivered {
		log = log.With("redelivered", true)
	}

	outcome := w.execute(ctx, del, log)

	if err := del.Ack(context.WithoutCancel(ctx)); err != nil {
		log.Error("failed to ack task", "error", err)
	}
	tasksTotal.WithLabelValues(outcome).Inc()
	taskDuration.Observe(time.Since(start).Seconds())
	log.Info("task finished", "outcome", outcome, "duration_ms", time.Since(start).Milliseconds())
}

func (w *Worker) execute(ctx context.Context, del *broker.Delivery, log *slog.Logger) string {
	task := del.Task
	if task.Expired(time.Now()) {
		log.Warn("dropping expired task", "expires_at", task.ExpiresAt)
		w.finish(ctx, task, store.Finish{Status: model.StatusFailed, Error: "expired"}, log)
		return outcomeExpired
	}

	if w.cancels.IsCanceled(task.CorrelationID) {
		log.Info("task canceled before start")
		w.finish(ctx, task, store.Finish{Status: model.StatusCanceled, Error: "canceled before start"}, log)
		return outcomeSkipped
	}

	if task.JobID != "" {
		err := w.jobs.MarkRunning(ctx, task.JobID, time.Now().UTC())
		switch {
		case errors.Is(err, store.ErrInvalidTransition):
			if !w.resumable(ctx, del, log) {
				// Already terminal, typically canceled through the API.
				log.Info("job no longer queued, skipping")
				return outcomeSkipped
			}
			log.Warn("resuming job left running by a lost worker")
		case err != nil:
			log.Error("failed to transition to running", "error", err)
		}
	}

	body, err := w.run(ctx, del, log)

	if errors.Is(err, engine.ErrCanceled) || w.cancels.IsCanceled(task.CorrelationID) {
		log.Info("task canceled mid-flight")
		w.finish(ctx, task, store.Finish{Status: model.StatusCanceled, Error: "canceled"}, log)
		return outcomeCanceled
	}

	if err != nil {
		log.Error("engine failed", "error", err)
		w.reply(ctx, task, model.Reply{
			CorrelationID: task.CorrelationID,
			Failure:       &model.Failure{Error: FailureCode, Details: err.Error()},
		}, log)
		w.finish(ctx, task, store.Finish{Status: model.StatusFailed, Error: err.Error()}, log)
		return outcomeFailed
	}

	w.reply(ctx, task, model.Reply{CorrelationID: task.CorrelationID, Body: body}, log)
	w.finish(ctx, task, store.Finish{Status: model.StatusDone, Result: body}, log)
	return outcomeDone
}

// run invokes the engine while watching for a cancellation of the task. The
// fanout pushes notifications as they arrive; polling the registry covers a
// signal that landed before the engine registered the request.
func (w *Worker) run(ctx context.Context, del *broker.Delivery, log *slog.Logger) (json.RawMessage, error) {
	task := del.Task
	id := task.CorrelationID
	busy.Set(1)
	defer busy.Set(0)

	remove := w.cancels.OnCancel(func(canceled string) {
		if canceled == id && w.runner.Cancel(id) {
			log.Info("engine canceled by signal")
		}
	})
	defer remove()

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Go(func() {
		poll := time.NewTicker(w.cfg.PollInterval)
		defer poll.Stop()
		touch := time.NewTicker(w.cfg.TouchInterval)
		defer touch.Stop()
		for {
			select {
			case <-stop:
				return
			case <-poll.C:
				if w.cancels.IsCanceled(id) && w.runner.Cancel(id) {
					log.Info("engine canceled by poll")
				}
			case <-touch.C:
				tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), touchTimeout)
				if err := del.Touch(tctx); err != nil {
					log.Warn("failed to refresh task delivery", "error", err)
				}
				cancel()
			}
		}
	})
	defer func() {
		close(stop)
		wg.Wait()
	}()

	body, err := w.runner.Run(ctx, id, task.Query)
	if err != nil && ctx.Err() != nil {
		return nil, fmt.Errorf("worker shutting down: %w", err)
	}
	return body, err
}

// resumable reports whether a job that refused the move to running should
// still be run: a redelivered task whose job a lost worker left running.
func (w *Worker) resumable(ctx context.Context, del *broker.Delivery, log *slog.Logger) bool {
	if !del.Redelivered {
		return false
	}
	job, err := w.jobs.GetJob(ctx, del.Task.JobID)
	if err != nil {
		log.Error("failed to load redelivered job", "error", err)
		return false
	}
	return job.Status == model.StatusRunning
}

func (w *Worker) reply(ctx context.Context, task model.Task, r model.Reply, log *slog.Logger) {
	if task.ReplyTo == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), replyTimeout)
	defer cancel()
	if err := w.bus.PublishReply(ctx, task.ReplyTo, r); err != nil {
		log.Error("failed to publish reply", "reply_to", task.ReplyTo, "error", err)
	}
}

// finish records the terminal status of an async job. Losing the race to an
// earlier terminal write is expected and only logged.
func (w *Worker) finish(ctx context.Context, task model.Task, fin store.Finish, log *slog.Logger) {
	if task.JobID == "" {
		return
	}
	fin.FinishedAt = time.Now().UTC()
	err := w.jobs.FinishJob(context.WithoutCancel(ctx), task.JobID, fin)
	switch {
	case errors.Is(err, store.ErrInvalidTransition):
		log.Debug("job already terminal, keeping earlier outcome", "status", fin.Status)
	case err != nil:
		log.Error("failed to record job outcome", "status", fin.Status, "error", err)
	}
}
