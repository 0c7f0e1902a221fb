// Package redisbroker implements broker.Broker on Redis.
//
// The work queue is a Stream read through one consumer group, so every task
// goes to exactly one worker and stays in the group's pending list until the
// worker acknowledges it. Replies and cancellation signals use Pub/Sub: both
// are transient and only matter to subscribers that are listening right now.
package redisbroker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	goredis "github.com/redis/go-redis/v9"

	"github.com/seantiz/sieve/internal/broker"
	"github.com/seantiz/sieve/internal/codec"
	"github.com/seantiz/sieve/internal/model"
)

const (
	// GroupName is the consumer group shared by every worker.
	GroupName = "workers"

	defaultPrefix = "sieve"
	defaultQueue  = "search_queries"
	defaultBlock  = time.Second

	defaultRetryInitial = 100 * time.Millisecond
	defaultRetryMax     = 5 * time.Second

	// subscriberBufferSize is the channel buffer for reply and cancel
	// subscribers.
	subscriberBufferSize = 64
)

// Compile-time interface check.
var _ broker.Broker = (*Broker)(nil)

// Broker is a Redis-backed broker.Broker.
type Broker struct {
	client     *goredis.Client
	ownsClient bool

	codec    codec.Codec
	registry *codec.Registry
	logger   *slog.Logger

	prefix     string
	queue      string
	instanceID string
	consumer   string
	block      time.Duration
	claimIdle  time.Duration

	retryInitial time.Duration
	retryMax     time.Duration

	mu        sync.Mutex
	lastClaim time.Time
	closed    bool
}

// Option configures a Broker.
type Option func(*Broker)

// WithKeyPrefix sets the prefix for every key and channel (default "sieve").
func WithKeyPrefix(p string) Option { return func(b *Broker) { b.prefix = p } }

// WithQueue names the work queue (default "search_queries").
func WithQueue(q string) Option { return func(b *Broker) { b.queue = q } }

// WithCodec sets the codec used to encode outgoing messages. Incoming
// messages are decoded by their recorded content type.
func WithCodec(c codec.Codec) Option { return func(b *Broker) { b.codec = c } }

// WithInstanceID sets the id used for this instance's reply channel and its
// consumer name in the group. Defaults to a fresh UUID.
func WithInstanceID(id string) Option { return func(b *Broker) { b.instanceID = id } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(b *Broker) { b.logger = l } }

// WithClaimIdle enables reclaiming tasks that another consumer left pending
// for at least d. Zero disables reclaiming.
func WithClaimIdle(d time.Duration) Option { return func(b *Broker) { b.claimIdle = d } }

// WithBlock sets how long one XREADGROUP call blocks before NextTask checks
// its context again.
func WithBlock(d time.Duration) Option { return func(b *Broker) { b.block = d } }

// WithRetry sets the jittered exponential delay applied after Redis errors
// in NextTask, starting at initial and capped at maxDelay.
func WithRetry(initial, maxDelay time.Duration) Option {
	return func(b *Broker) {
		if initial > 0 {
			b.retryInitial = initial
		}
		if maxDelay > 0 {
			b.retryMax = maxDelay
		}
	}
}

// Dial connects to the Redis server at url (redis://host:port/db) and
// returns a broker that owns the connection.
func Dial(ctx context.Context, url string, opts ...Option) (*Broker, error) {
	redisOpts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := goredis.NewClient(redisOpts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	b, err := New(ctx, client, opts...)
	if err != nil {
		client.Close()
		return nil, err
	}
	b.ownsClient = true
	return b, nil
}

// New wraps an existing client. The caller keeps ownership of the client.
// The work queue's stream and consumer group are created if missing.
func New(ctx context.Context, client *goredis.Client, opts ...Option) (*Broker, error) {
	b := &Broker{
		client:   client,
		codec:    codec.JSON(),
		registry: codec.NewRegistry(),
		logger:   slog.Default(),
		prefix:   defaultPrefix,
		queue:    defaultQueue,
		block:    defaultBlock,

		retryInitial: defaultRetryInitial,
		retryMax:     defaultRetryMax,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.instanceID == "" {
		b.instanceID = model.NewCorrelationID()
	}
	b.consumer = b.instanceID
	b.registry.Register(b.codec)

	if err := b.ensureGroup(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

// Client returns the underlying Redis client, for components that share the
// connection such as the Redis job store.
func (b *Broker) Client() *goredis.Client { return b.client }

func (b *Broker) streamKey() string             { return b.prefix + ":tasks:" + b.queue }
func (b *Broker) cancelChannel() string         { return b.prefix + ":cancel" }
func (b *Broker) replyChannel(id string) string { return b.prefix + ":reply:" + id }

func (b *Broker) ensureGroup(ctx context.Context) error {
	err := b.client.XGroupCreateMkStream(ctx, b.streamKey(), GroupName, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group: %w", err)
	}
	return nil
}

// Ping verifies the Redis connection is alive.
func (b *Broker) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Close releases the connection if the broker owns it. Subscriptions end
// when their contexts do.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	if b.ownsClient {
		return b.client.Close()
	}
	return nil
}

// PublishTask appends a task to the work queue stream.
func (b *Broker) PublishTask(ctx context.Context, t model.Task) error {
	payload, err := b.codec.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}
	err = b.client.XAdd(ctx, &goredis.XAddArgs{
		Stream: b.streamKey(),
		Values: map[string]any{
			"ct":      b.codec.ContentType(),
			"payload": payload,
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("publish task: %w", err)
	}
	return nil
}

// NextTask reads one task for this consumer. Redis errors are logged and
// retried with backoff until ctx ends. Entries that cannot be decoded are
// acknowledged and dropped so they do not block the group.
func (b *Broker) NextTask(ctx context.Context) (*broker.Delivery, error) {
	retry := b.newRetry()
	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if b.isClosed() {
			return nil, broker.ErrClosed
		}

		msgs, reclaimed, err := b.read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			attempt++
			delay := retry.NextBackOff()
			b.logger.Warn("read work queue", "error", err, "attempt", attempt, "retry_in", delay)
			if err := sleep(ctx, delay); err != nil {
				return nil, err
			}
			continue
		}
		attempt = 0
		retry.Reset()

		for _, msg := range msgs {
			d, err := b.decodeTask(msg, reclaimed)
			if err != nil {
				b.logger.Error("dropping undecodable task", "id", msg.ID, "error", err)
				if err := b.ack(ctx, msg.ID); err != nil {
					b.logger.Warn("ack dropped task", "id", msg.ID, "error", err)
				}
				continue
			}
			return d, nil
		}
	}
}

// read returns at most one stream entry, preferring stale entries from dead
// consumers when reclaiming is enabled. An empty result means the block
// timeout elapsed. reclaimed reports whether the entries came from another
// consumer's pending list.
func (b *Broker) read(ctx context.Context) ([]goredis.XMessage, bool, error) {
	if b.claimDue() {
		msgs, _, err := b.client.XAutoClaim(ctx, &goredis.XAutoClaimArgs{
			Stream:   b.streamKey(),
			Group:    GroupName,
			Consumer: b.consumer,
			MinIdle:  b.claimIdle,
			Start:    "0-0",
			Count:    1,
		}).Result()
		if err != nil {
			return nil, false, fmt.Errorf("autoclaim: %w", err)
		}
		if len(msgs) > 0 {
			b.logger.Info("reclaimed stale task", "id", msgs[0].ID)
			return msgs, true, nil
		}
	}

	streams, err := b.client.XReadGroup(ctx, &goredis.XReadGroupArgs{
		Group:    GroupName,
		Consumer: b.consumer,
		Streams:  []string{b.streamKey(), ">"},
		Count:    1,
		Block:    b.block,
	}).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		if strings.HasPrefix(err.Error(), "NOGROUP") {
			// The stream was deleted under us; recreate and retry.
			if gerr := b.ensureGroup(ctx); gerr != nil {
				return nil, false, gerr
			}
			return nil, false, nil
		}
		return nil, false, err
	}

	var msgs []goredis.XMessage
	for _, s := range streams {
		msgs = append(msgs, s.Messages...)
	}
	return msgs, false, nil
}

func (b *Broker) claimDue() bool {
	if b.claimIdle <= 0 {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if time.Since(b.lastClaim) < b.claimIdle {
		return false
	}
	b.lastClaim = time.Now()
	return true
}

func (b *Broker) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *Broker) decodeTask(msg goredis.XMessage, reclaimed bool) (*broker.Delivery, error) {
	ct, _ := msg.Values["ct"].(string)
	payload, _ := msg.Values["payload"].(string)
	var t model.Task
	if err := b.registry.Decode(ct, []byte(payload), &t); err != nil {
		return nil, err
	}
	id := msg.ID
	d := broker.NewDelivery(id, t, func(ctx context.Context) error {
		return b.ack(ctx, id)
	}).WithTouch(func(ctx context.Context) error {
		return b.touch(ctx, id)
	})
	d.Redelivered = reclaimed
	return d, nil
}

// touch claims the entry for this consumer again, which resets its idle
// time so XAUTOCLAIM elsewhere leaves it alone while the task is running.
func (b *Broker) touch(ctx context.Context, id string) error {
	err := b.client.XClaimJustID(ctx, &goredis.XClaimArgs{
		Stream:   b.streamKey(),
		Group:    GroupName,
		Consumer: b.consumer,
		MinIdle:  0,
		Messages: []string{id},
	}).Err()
	if err != nil {
		return fmt.Errorf("touch task %s: %w", id, err)
	}
	return nil
}

func (b *Broker) newRetry() *backoff.ExponentialBackOff {
	r := backoff.NewExponentialBackOff()
	r.InitialInterval = b.retryInitial
	r.MaxInterval = b.retryMax
	r.MaxElapsedTime = 0
	r.Reset()
	return r
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// ack removes an entry from the pending list and from the stream.
func (b *Broker) ack(ctx context.Context, id string) error {
	pipe := b.client.TxPipeline()
	pipe.XAck(ctx, b.streamKey(), GroupName, id)
	pipe.XDel(ctx, b.streamKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("ack task %s: %w", id, err)
	}
	return nil
}

// ReplyDestination returns this instance's id. Workers publish replies to
// the matching Pub/Sub channel.
func (b *Broker) ReplyDestination() string {
	return b.instanceID
}

// PublishReply sends a reply to the dispatcher listening on replyTo.
// Replies to a destination with no listener are lost.
func (b *Broker) PublishReply(ctx context.Context, replyTo string, r model.Reply) error {
	msg, err := b.encode(r)
	if err != nil {
		return fmt.Errorf("encode reply: %w", err)
	}
	if err := b.client.Publish(ctx, b.replyChannel(replyTo), msg).Err(); err != nil {
		return fmt.Errorf("publish reply: %w", err)
	}
	return nil
}

// SubscribeReplies streams replies addressed to this instance.
func (b *Broker) SubscribeReplies(ctx context.Context) (<-chan model.Reply, error) {
	ps, err := b.subscribe(ctx, b.replyChannel(b.instanceID))
	if err != nil {
		return nil, err
	}
	return consume[model.Reply](ctx, b, ps), nil
}

// PublishCancel broadcasts a cancellation signal.
func (b *Broker) PublishCancel(ctx context.Context, sig model.CancellationSignal) error {
	msg, err := b.encode(sig)
	if err != nil {
		return fmt.Errorf("encode cancel: %w", err)
	}
	if err := b.client.Publish(ctx, b.cancelChannel(), msg).Err(); err != nil {
		return fmt.Errorf("publish cancel: %w", err)
	}
	return nil
}

// SubscribeCancels streams every cancellation signal broadcast after the
// call returns.
func (b *Broker) SubscribeCancels(ctx context.Context) (<-chan model.CancellationSignal, error) {
	ps, err := b.subscribe(ctx, b.cancelChannel())
	if err != nil {
		return nil, err
	}
	return consume[model.CancellationSignal](ctx, b, ps), nil
}

// subscribe waits for the server to confirm the subscription.
func (b *Broker) subscribe(ctx context.Context, channel string) (*goredis.PubSub, error) {
	ps := b.client.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}
	return ps, nil
}

// consume decodes Pub/Sub messages into T until ctx ends.
func consume[T any](ctx context.Context, b *Broker, ps *goredis.PubSub) <-chan T {
	out := make(chan T, subscriberBufferSize)
	go func() {
		defer close(out)
		defer ps.Close()

		in := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-in:
				if !ok {
					return
				}
				var v T
				if err := b.decode(msg.Payload, &v); err != nil {
					b.logger.Error("dropping undecodable message", "channel", msg.Channel, "error", err)
					continue
				}
				select {
				case out <- v:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}
