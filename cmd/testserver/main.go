// testserver starts a sieve gateway and an in-process worker on the
// in-memory broker with a stub engine, for E2E testing.
// Usage: go run ./cmd/testserver
//
// The stub engine answers every query after SIEVE_STUB_DELAY (default
// 200ms). A query "sleep <duration>" takes that long instead, and "fail"
// makes the engine report a failure.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/seantiz/sieve/internal/api"
	"github.com/seantiz/sieve/internal/broker/membroker"
	"github.com/seantiz/sieve/internal/config"
	"github.com/seantiz/sieve/internal/dispatch"
	"github.com/seantiz/sieve/internal/engine"
	"github.com/seantiz/sieve/internal/fanout"
	"github.com/seantiz/sieve/internal/store"
	"github.com/seantiz/sieve/internal/worker"
)

// stubEngine is an engine.Runner that answers from memory.
type stubEngine struct {
	delay time.Duration

	mu      sync.Mutex
	running map[string]chan struct{}
}

func (s *stubEngine) Run(ctx context.Context, id, query string) (json.RawMessage, error) {
	d := s.delay
	if rest, ok := strings.CutPrefix(query, "sleep "); ok {
		if parsed, err := time.ParseDuration(rest); err == nil {
			d = parsed
		}
	}

	stop := make(chan struct{})
	s.mu.Lock()
	if _, busy := s.running[id]; busy {
		s.mu.Unlock()
		return nil, engine.ErrBusy
	}
	s.running[id] = stop
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.running, id)
		s.mu.Unlock()
	}()

	select {
	case <-time.After(d):
	case <-stop:
		return nil, engine.ErrCanceled
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if query == "fail" {
		return nil, errors.New("stub engine exited with status 3")
	}
	return json.Marshal(map[string]any{
		"query": query,
		"hits":  []map[string]any{{"file": "doc1.txt", "score": 0.92}},
	})
}

func (s *stubEngine) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	stop, ok := s.running[id]
	if !ok {
		return false
	}
	delete(s.running, id)
	close(stop)
	return true
}

func (s *stubEngine) Close() error { return nil }

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := config.Load()
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	delay := 200 * time.Millisecond
	if v := os.Getenv("SIEVE_STUB_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			delay = d
		}
	}

	db, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	hub := membroker.NewHub()
	defer hub.Close()

	gw := hub.Client("gateway")
	gwFanout := fanout.New(gw, fanout.WithLogger(logger))
	d := dispatch.New(gw, gwFanout, db, logger, dispatch.Config{
		SyncTimeout:     cfg.SyncTimeout,
		MaxSyncTimeout:  cfg.MaxSyncTimeout,
		ExpirationGrace: cfg.ExpirationGrace,
	})
	srv := api.NewServer(cfg.ListenAddr, d, logger,
		api.HealthCheck{Name: "broker", Ping: gw.Ping},
		api.HealthCheck{Name: "store", Ping: db.Ping},
	)

	wc := hub.Client("worker")
	wFanout := fanout.New(wc, fanout.WithLogger(logger))
	runner := &stubEngine{delay: delay, running: make(map[string]chan struct{})}
	w := worker.New(wc, wFanout, runner, db, logger, worker.Config{PollInterval: cfg.CancelPollInterval})

	logger.Info("testserver: starting", "addr", cfg.ListenAddr, "stub_delay", delay)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return gwFanout.Run(gctx) })
	g.Go(func() error { return wFanout.Run(gctx) })
	g.Go(func() error { return d.Run(gctx) })
	g.Go(func() error {
		if !waitReady(gctx, wFanout.Ready()) {
			return nil
		}
		return w.Run(gctx)
	})
	g.Go(func() error {
		if !waitReady(gctx, d.Ready()) {
			return nil
		}
		return srv.Run(gctx)
	})
	if err := g.Wait(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func waitReady(ctx context.Context, ready <-chan struct{}) bool {
	select {
	case <-ready:
		return true
	case <-ctx.Done():
		return false
	}
}
