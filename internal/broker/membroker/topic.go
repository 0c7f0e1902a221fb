package membroker

import "sync"

// subscriberBufferSize is the channel buffer for each subscriber. Messages
// are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 64

// topic fans messages out to every current subscriber.
type topic[T any] struct {
	mu     sync.Mutex
	subs   map[int]chan T
	nextID int
}

func newTopic[T any]() *topic[T] {
	return &topic[T]{subs: make(map[int]chan T)}
}

// subscribe returns a channel receiving every message published after the
// call, and an unsubscribe function that closes it.
func (t *topic[T]) subscribe() (<-chan T, func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ch := make(chan T, subscriberBufferSize)
	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if _, ok := t.subs[id]; ok {
			delete(t.subs, id)
			close(ch)
		}
	}
}

// publish delivers v to every subscriber and reports how many received it.
// Subscribers with full buffers miss the message.
func (t *topic[T]) publish(v T) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	delivered := 0
	for _, ch := range t.subs {
		select {
		case ch <- v:
			delivered++
		default:
		}
	}
	return delivered
}

func (t *topic[T]) subscriberCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}
