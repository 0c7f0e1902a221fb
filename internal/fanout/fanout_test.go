package fanout

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/seantiz/sieve/internal/broker/membroker"
)

func TestRegistryAddAndPrune(t *testing.T) {
	r := NewRegistry()
	base := time.Now()

	r.Add("old", base.Add(-3*time.Minute))
	r.Add("new", base)
	if !r.IsCanceled("old") || !r.IsCanceled("new") {
		t.Fatal("expected both ids canceled")
	}
	if r.IsCanceled("other") {
		t.Fatal("unknown id reported canceled")
	}

	removed := r.Prune(base.Add(-DefaultRetention))
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if r.IsCanceled("old") {
		t.Error("old entry survived prune")
	}
	if !r.IsCanceled("new") {
		t.Error("new entry pruned")
	}
	if r.Len() != 1 {
		t.Errorf("len = %d, want 1", r.Len())
	}
}

func TestRegistryAddKeepsFirstTimestamp(t *testing.T) {
	r := NewRegistry()
	base := time.Now()
	r.Add("id", base.Add(-time.Hour))
	r.Add("id", base)
	if r.Prune(base.Add(-time.Minute)) != 1 {
		t.Error("re-adding an id should not refresh its timestamp")
	}
}

func startFanout(t *testing.T, hub *membroker.Hub, name string, opts ...Option) *Fanout {
	t.Helper()
	f := New(hub.Client(name), opts...)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := f.Run(ctx); err != nil {
			t.Errorf("Run: %v", err)
		}
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	select {
	case <-f.Ready():
	case <-time.After(time.Second):
		t.Fatal("fanout not ready")
	}
	return f
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met")
}

func TestAnnounceReachesEveryInstance(t *testing.T) {
	hub := membroker.NewHub()
	gateway := startFanout(t, hub, "gw")
	w1 := startFanout(t, hub, "w1")
	w2 := startFanout(t, hub, "w2")

	if err := gateway.Announce(context.Background(), "c1"); err != nil {
		t.Fatalf("Announce: %v", err)
	}
	if !gateway.IsCanceled("c1") {
		t.Error("announcer should record locally at once")
	}
	waitFor(t, func() bool { return w1.IsCanceled("c1") && w2.IsCanceled("c1") })
	if w1.IsCanceled("c2") {
		t.Error("unrelated id canceled")
	}
}

func TestOnCancelListeners(t *testing.T) {
	hub := membroker.NewHub()
	gateway := startFanout(t, hub, "gw")
	worker := startFanout(t, hub, "w")

	var mu sync.Mutex
	var got []string
	remove := worker.OnCancel(func(id string) {
		mu.Lock()
		got = append(got, id)
		mu.Unlock()
	})

	if err := gateway.Announce(context.Background(), "first"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	})

	remove()
	if err := gateway.Announce(context.Background(), "second"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return worker.IsCanceled("second") })

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0] != "first" {
		t.Errorf("listener calls = %v, want [first]", got)
	}
}

func TestRunPrunesExpiredEntries(t *testing.T) {
	hub := membroker.NewHub()
	f := startFanout(t, hub, "w", WithRetention(30*time.Millisecond), WithPruneInterval(10*time.Millisecond))

	f.Registry().Add("stale", time.Now())
	waitFor(t, func() bool { return !f.IsCanceled("stale") })
}

func TestMetricsRegistered(t *testing.T) {
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	found := make(map[string]bool)
	for _, fam := range families {
		found[fam.GetName()] = true
	}
	for _, name := range []string{"sieve_fanout_registry_size", "sieve_fanout_signals_total"} {
		if !found[name] {
			t.Errorf("metric %q not registered", name)
		}
	}
}
