// Package membroker is an in-process broker.Broker. A Hub holds the shared
// queue and channels; each gateway or worker gets its own Client from it.
package membroker

import (
	"context"
	"strconv"
	"sync"

	"github.com/seantiz/sieve/internal/broker"
	"github.com/seantiz/sieve/internal/model"
)

// Hub is the shared state every Client talks to. It is safe for concurrent
// use.
type Hub struct {
	mu      sync.Mutex
	tasks   []model.Task
	ready   chan struct{}
	unacked map[uint64]model.Task
	nextTag uint64
	closed  bool

	repliesMu sync.Mutex
	replies   map[string]*topic[model.Reply]
	cancels   *topic[model.CancellationSignal]
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		ready:   make(chan struct{}),
		unacked: make(map[uint64]model.Task),
		replies: make(map[string]*topic[model.Reply]),
		cancels: newTopic[model.CancellationSignal](),
	}
}

// Client returns a broker bound to instanceID for reply routing.
func (h *Hub) Client(instanceID string) *Client {
	return &Client{hub: h, instanceID: instanceID}
}

// Pending returns the number of tasks waiting for a consumer.
func (h *Hub) Pending() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.tasks)
}

// Unacked returns the number of delivered tasks not yet acknowledged.
func (h *Hub) Unacked() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.unacked)
}

// Close wakes every blocked consumer with broker.ErrClosed.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	close(h.ready)
}

func (h *Hub) push(t model.Task) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return broker.ErrClosed
	}
	h.tasks = append(h.tasks, t)
	// Wake waiters by closing the current ready channel.
	close(h.ready)
	h.ready = make(chan struct{})
	return nil
}

func (h *Hub) pop(ctx context.Context) (*broker.Delivery, error) {
	for {
		h.mu.Lock()
		if h.closed {
			h.mu.Unlock()
			return nil, broker.ErrClosed
		}
		if len(h.tasks) > 0 {
			t := h.tasks[0]
			h.tasks = h.tasks[1:]
			h.nextTag++
			tag := h.nextTag
			h.unacked[tag] = t
			h.mu.Unlock()
			return broker.NewDelivery(strconv.FormatUint(tag, 10), t, func(context.Context) error {
				h.ack(tag)
				return nil
			}), nil
		}
		ready := h.ready
		h.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ready:
		}
	}
}

func (h *Hub) ack(tag uint64) {
	h.mu.Lock()
	delete(h.unacked, tag)
	h.mu.Unlock()
}

func (h *Hub) replyTopic(dest string) *topic[model.Reply] {
	h.repliesMu.Lock()
	defer h.repliesMu.Unlock()
	t, ok := h.replies[dest]
	if !ok {
		t = newTopic[model.Reply]()
		h.replies[dest] = t
	}
	return t
}

// Client is one participant's view of a Hub.
type Client struct {
	hub        *Hub
	instanceID string
}

// Compile-time interface check.
var _ broker.Broker = (*Client)(nil)

func (c *Client) PublishTask(_ context.Context, t model.Task) error {
	return c.hub.push(t)
}

func (c *Client) NextTask(ctx context.Context) (*broker.Delivery, error) {
	return c.hub.pop(ctx)
}

func (c *Client) ReplyDestination() string { return c.instanceID }

// PublishReply delivers r to the subscribers of replyTo. Replies to a
// destination nobody listens on are dropped.
func (c *Client) PublishReply(_ context.Context, replyTo string, r model.Reply) error {
	c.hub.replyTopic(replyTo).publish(r)
	return nil
}

func (c *Client) SubscribeReplies(ctx context.Context) (<-chan model.Reply, error) {
	return relay(ctx, c.hub.replyTopic(c.instanceID)), nil
}

func (c *Client) PublishCancel(_ context.Context, sig model.CancellationSignal) error {
	c.hub.cancels.publish(sig)
	return nil
}

func (c *Client) SubscribeCancels(ctx context.Context) (<-chan model.CancellationSignal, error) {
	return relay(ctx, c.hub.cancels), nil
}

func (c *Client) Ping(context.Context) error {
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	if c.hub.closed {
		return broker.ErrClosed
	}
	return nil
}

// Close is a no-op; the Hub owns shared state.
func (c *Client) Close() error { return nil }

// relay subscribes to t and unsubscribes when ctx ends, which closes the
// returned channel.
func relay[T any](ctx context.Context, t *topic[T]) <-chan T {
	ch, unsubscribe := t.subscribe()
	context.AfterFunc(ctx, unsubscribe)
	return ch
}
