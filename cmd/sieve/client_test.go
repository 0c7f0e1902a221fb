package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/seantiz/sieve/internal/model"
)

// fakeGateway serves a job that becomes done after a few polls.
type fakeGateway struct {
	mu       sync.Mutex
	polls    int
	canceled bool
	lastBody map[string]any
}

func (g *fakeGateway) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /search", func(w http.ResponseWriter, r *http.Request) {
		g.mu.Lock()
		json.NewDecoder(r.Body).Decode(&g.lastBody)
		g.mu.Unlock()
		w.Write([]byte(`{"hits":["cats.txt"]}`))
	})
	mux.HandleFunc("POST /jobs", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte(`{"jobId":"job-1"}`))
	})
	mux.HandleFunc("GET /jobs/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != "job-1" {
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"error":"job not found"}`))
			return
		}
		g.mu.Lock()
		g.polls++
		status := model.StatusRunning
		if g.polls >= 2 {
			status = model.StatusDone
		}
		g.mu.Unlock()
		json.NewEncoder(w).Encode(model.JobRecord{ID: "job-1", Status: status, Query: "cats"})
	})
	mux.HandleFunc("DELETE /jobs/{id}", func(w http.ResponseWriter, r *http.Request) {
		g.mu.Lock()
		g.canceled = true
		g.mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte(`{"jobId":"job-1","status":"canceled"}`))
	})
	return mux
}

func TestGatewayClientErrorCarriesMessage(t *testing.T) {
	g := &fakeGateway{}
	ts := httptest.NewServer(g.handler())
	defer ts.Close()

	c := &gatewayClient{base: ts.URL, http: ts.Client()}
	_, err := c.getJob(context.Background(), "missing")
	if err == nil {
		t.Fatal("expected error for unknown job")
	}
	if !strings.Contains(err.Error(), "job not found") || !strings.Contains(err.Error(), "404") {
		t.Errorf("err = %v", err)
	}
}

func TestWaitForJobPollsUntilTerminal(t *testing.T) {
	g := &fakeGateway{}
	ts := httptest.NewServer(g.handler())
	defer ts.Close()

	c := &gatewayClient{base: ts.URL, http: ts.Client()}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	j, err := waitForJob(ctx, c, "job-1")
	if err != nil {
		t.Fatalf("waitForJob: %v", err)
	}
	if j.Status != model.StatusDone {
		t.Errorf("status = %q, want done", j.Status)
	}
}

func TestWaitForJobCancelsOnInterrupt(t *testing.T) {
	g := &fakeGateway{polls: -100}
	ts := httptest.NewServer(g.handler())
	defer ts.Close()

	c := &gatewayClient{base: ts.URL, http: ts.Client()}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	if _, err := waitForJob(ctx, c, "job-1"); err == nil {
		t.Fatal("expected context error")
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.canceled {
		t.Error("interrupted wait did not cancel the job")
	}
}

func TestSearchCommandSendsTimeout(t *testing.T) {
	g := &fakeGateway{}
	ts := httptest.NewServer(g.handler())
	defer ts.Close()

	err := newApp().Run(context.Background(), []string{"sieve", "search", "--server", ts.URL, "--timeout", "2s", "neural", "networks"})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.lastBody["query"] != "neural networks" {
		t.Errorf("query = %v", g.lastBody["query"])
	}
	if g.lastBody["timeout_ms"] != float64(2000) {
		t.Errorf("timeout_ms = %v", g.lastBody["timeout_ms"])
	}
}

func TestCommandsRequireArguments(t *testing.T) {
	for _, args := range [][]string{
		{"sieve", "search"},
		{"sieve", "job", "submit"},
		{"sieve", "job", "get"},
		{"sieve", "job", "cancel"},
	} {
		if err := newApp().Run(context.Background(), args); err == nil {
			t.Errorf("%v: expected error", args)
		}
	}
}
