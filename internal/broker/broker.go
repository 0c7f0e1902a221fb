// Package broker defines the messaging seams between gateways and workers:
// a durable work queue, per-dispatcher reply destinations, and a broadcast
// channel for cancellation signals.
//
// Two implementations exist. redisbroker runs on Redis Streams and Pub/Sub
// for multi-process deployments; membroker keeps everything in one process
// for tests and the local test server.
package broker

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/seantiz/sieve/internal/model"
)

// ErrAlreadyAcked is returned when a delivery is acknowledged twice.
var ErrAlreadyAcked = errors.New("delivery already acknowledged")

// ErrClosed is returned by operations on a closed broker.
var ErrClosed = errors.New("broker closed")

// TaskQueue is the durable work queue. Each task is delivered to exactly one
// consumer and stays pending until acknowledged.
type TaskQueue interface {
	PublishTask(ctx context.Context, t model.Task) error
	// NextTask blocks until a task is available or ctx ends. Consumers take
	// one delivery at a time and must Ack it before asking for the next.
	NextTask(ctx context.Context) (*Delivery, error)
}

// ReplyBus routes replies back to the dispatcher instance that published the
// originating task.
type ReplyBus interface {
	// ReplyDestination names this instance's reply channel. Tasks carry it
	// in ReplyTo.
	ReplyDestination() string
	PublishReply(ctx context.Context, replyTo string, r model.Reply) error
	// SubscribeReplies streams replies addressed to ReplyDestination until
	// ctx ends, then closes the channel.
	SubscribeReplies(ctx context.Context) (<-chan model.Reply, error)
}

// CancelBus broadcasts cancellation signals to every subscriber.
type CancelBus interface {
	PublishCancel(ctx context.Context, sig model.CancellationSignal) error
	// SubscribeCancels returns once the subscription is live, so signals
	// published after it returns are never missed.
	SubscribeCancels(ctx context.Context) (<-chan model.CancellationSignal, error)
}

// Broker bundles every messaging seam with lifecycle hooks.
type Broker interface {
	TaskQueue
	ReplyBus
	CancelBus
	Ping(ctx context.Context) error
	Close() error
}

// Delivery is one task handed to a consumer.
type Delivery struct {
	Task model.Task
	// ID is the broker's identifier for this delivery (a stream entry id or
	// an in-memory tag). Useful only for logging.
	ID string
	// Redelivered is set when the task was taken over from a consumer that
	// stopped working on it without acknowledging.
	Redelivered bool

	ack   func(ctx context.Context) error
	touch func(ctx context.Context) error
	acked atomic.Bool
}

// NewDelivery wraps a task with the broker-specific ack callback.
func NewDelivery(id string, t model.Task, ack func(ctx context.Context) error) *Delivery {
	return &Delivery{ID: id, Task: t, ack: ack}
}

// Ack removes the task from the queue. Only the first call reaches the
// broker; later calls return ErrAlreadyAcked.
func (d *Delivery) Ack(ctx context.Context) error {
	if !d.acked.CompareAndSwap(false, true) {
		return ErrAlreadyAcked
	}
	if d.ack == nil {
		return nil
	}
	return d.ack(ctx)
}

// Acked reports whether Ack has been called.
func (d *Delivery) Acked() bool {
	return d.acked.Load()
}

// WithTouch sets the callback Touch forwards to.
func (d *Delivery) WithTouch(fn func(ctx context.Context) error) *Delivery {
	d.touch = fn
	return d
}

// Touch tells the broker the consumer is still working on the task, so it
// is not handed to another consumer. It is a no-op once acknowledged or for
// brokers that never reassign tasks.
func (d *Delivery) Touch(ctx context.Context) error {
	if d.touch == nil || d.acked.Load() {
		return nil
	}
	return d.touch(ctx)
}
