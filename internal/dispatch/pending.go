package dispatch

import (
	"fmt"
	"sync"

	"github.com/seantiz/sieve/internal/model"
)

// pendingTable maps correlation ids to the single waiter for each. Entries
// are inserted before the task is published and removed exactly once, either
// by settle (a reply arrived) or by remove (the waiter gave up).
type pendingTable struct {
	mu      sync.Mutex
	waiters map[string]chan model.Reply
}

func newPendingTable() *pendingTable {
	return &pendingTable{waiters: make(map[string]chan model.Reply)}
}

// insert registers a waiter for id.
func (p *pendingTable) insert(id string) (<-chan model.Reply, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.waiters[id]; ok {
		return nil, fmt.Errorf("correlation id %s already pending", id)
	}
	ch := make(chan model.Reply, 1)
	p.waiters[id] = ch
	pendingGauge.Inc()
	return ch, nil
}

// settle hands r to the waiter for its correlation id and clears the entry.
// It reports false when nobody is waiting.
func (p *pendingTable) settle(r model.Reply) bool {
	p.mu.Lock()
	ch, ok := p.waiters[r.CorrelationID]
	if ok {
		delete(p.waiters, r.CorrelationID)
	}
	p.mu.Unlock()
	if !ok {
		return false
	}
	pendingGauge.Dec()
	ch <- r
	return true
}

// remove clears the entry for id without delivering anything. It reports
// false when the entry was already settled or removed.
func (p *pendingTable) remove(id string) bool {
	p.mu.Lock()
	_, ok := p.waiters[id]
	if ok {
		delete(p.waiters, id)
	}
	p.mu.Unlock()
	if ok {
		pendingGauge.Dec()
	}
	return ok
}

func (p *pendingTable) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.waiters)
}
