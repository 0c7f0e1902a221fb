// Package fanout broadcasts cancellation signals and keeps each process's
// local view of which correlation ids have been canceled.
//
// Announce publishes a signal to every subscriber. Run consumes the broadcast
// into a Registry, notifies OnCancel listeners, and prunes entries older than
// the retention window whether or not the matching task was ever seen.
package fanout

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/seantiz/sieve/internal/broker"
	"github.com/seantiz/sieve/internal/model"
)

const (
	DefaultRetention     = 120 * time.Second
	DefaultPruneInterval = 10 * time.Second
)

// Fanout couples a CancelBus with a local Registry.
type Fanout struct {
	bus      broker.CancelBus
	registry *Registry
	logger   *slog.Logger

	retention     time.Duration
	pruneInterval time.Duration

	mu        sync.Mutex
	listeners map[int]func(correlationID string)
	nextID    int

	ready     chan struct{}
	readyOnce sync.Once
}

// Option configures a Fanout.
type Option func(*Fanout)

// WithRetention sets how long a canceled id stays in the registry.
func WithRetention(d time.Duration) Option { return func(f *Fanout) { f.retention = d } }

// WithPruneInterval sets how often expired entries are removed.
func WithPruneInterval(d time.Duration) Option { return func(f *Fanout) { f.pruneInterval = d } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(f *Fanout) { f.logger = l } }

// New creates a Fanout on bus. Call Run to start consuming signals.
func New(bus broker.CancelBus, opts ...Option) *Fanout {
	f := &Fanout{
		bus:           bus,
		registry:      NewRegistry(),
		logger:        slog.Default(),
		retention:     DefaultRetention,
		pruneInterval: DefaultPruneInterval,
		listeners:     make(map[int]func(string)),
		ready:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Registry returns the local registry of canceled ids.
func (f *Fanout) Registry() *Registry { return f.registry }

// IsCanceled reports whether correlationID has been canceled.
func (f *Fanout) IsCanceled(correlationID string) bool {
	return f.registry.IsCanceled(correlationID)
}

// Ready is closed once Run's subscription is live.
func (f *Fanout) Ready() <-chan struct{} { return f.ready }

// Announce records correlationID locally and broadcasts it to every
// subscriber.
func (f *Fanout) Announce(ctx context.Context, correlationID string) error {
	now := time.Now()
	f.registry.Add(correlationID, now)
	registrySize.Set(float64(f.registry.Len()))

	sig := model.CancellationSignal{CorrelationID: correlationID, AnnouncedAt: now.UTC()}
	if err := f.bus.PublishCancel(ctx, sig); err != nil {
		return fmt.Errorf("announce cancel %s: %w", correlationID, err)
	}
	signalsTotal.WithLabelValues(directionSent).Inc()
	return nil
}

// OnCancel registers fn to run for every received signal. The returned
// function removes it. fn runs on the Run goroutine and must not block.
func (f *Fanout) OnCancel(fn func(correlationID string)) (remove func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextID
	f.nextID++
	f.listeners[id] = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.listeners, id)
	}
}

// Run consumes cancellation signals until ctx ends.
func (f *Fanout) Run(ctx context.Context) error {
	signals, err := f.bus.SubscribeCancels(ctx)
	if err != nil {
		return fmt.Errorf("subscribe cancels: %w", err)
	}
	f.readyOnce.Do(func() { close(f.ready) })
	f.logger.Info("cancellation fanout started", "retention", f.retention)

	ticker := time.NewTicker(f.pruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case sig, ok := <-signals:
			if !ok {
				return nil
			}
			f.handle(sig)
		case now := <-ticker.C:
			if n := f.registry.Prune(now.Add(-f.retention)); n > 0 {
				f.logger.Debug("pruned cancellations", "count", n)
			}
			registrySize.Set(float64(f.registry.Len()))
		}
	}
}

func (f *Fanout) handle(sig model.CancellationSignal) {
	f.registry.Add(sig.CorrelationID, time.Now())
	registrySize.Set(float64(f.registry.Len()))
	signalsTotal.WithLabelValues(directionReceived).Inc()
	f.logger.Debug("cancellation received", "correlation_id", sig.CorrelationID)

	f.mu.Lock()
	fns := make([]func(string), 0, len(f.listeners))
	for _, fn := range f.listeners {
		fns = append(fns, fn)
	}
	f.mu.Unlock()

	for _, fn := range fns {
		fn(sig.CorrelationID)
	}
}
