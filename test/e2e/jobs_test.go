package e2e

import (
	"net/http"
	"testing"
	"time"
)

func TestAsyncJobCompletes(t *testing.T) {
	sp := startServer(t)

	id := sp.submit(t, "cats")
	if len(id) != 26 {
		t.Errorf("jobId = %q, want a ULID", id)
	}
	job := sp.pollStatus(t, id, "done", 5*time.Second)

	result, ok := job["result"].(map[string]any)
	if !ok {
		t.Fatalf("result = %v", job["result"])
	}
	if result["query"] != "cats" {
		t.Errorf("result query = %v", result["query"])
	}
	if job["durationMs"] == nil {
		t.Error("durationMs missing on finished job")
	}
}

// Submitting "cats" and canceling right away ends in canceled, not done.
func TestAsyncCancelImmediately(t *testing.T) {
	sp := startServer(t, "SIEVE_STUB_DELAY=2s")

	id := sp.submit(t, "cats")
	resp, body := sp.do(t, http.MethodDelete, "/jobs/"+id)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("DELETE status = %d, want 202", resp.StatusCode)
	}
	if body["status"] != "canceled" {
		t.Errorf("DELETE status = %v, want canceled", body["status"])
	}

	sp.pollStatus(t, id, "canceled", 5*time.Second)

	// Past the stub delay the job must still be canceled.
	time.Sleep(2500 * time.Millisecond)
	_, job := sp.do(t, http.MethodGet, "/jobs/"+id)
	if job["status"] != "canceled" {
		t.Errorf("status = %v after the engine would have finished", job["status"])
	}
}

func TestAsyncCancelWhileRunning(t *testing.T) {
	sp := startServer(t, "SIEVE_STUB_DELAY=10s")

	id := sp.submit(t, "cats")
	sp.pollStatus(t, id, "running", 5*time.Second)

	sp.do(t, http.MethodDelete, "/jobs/"+id)
	sp.pollStatus(t, id, "canceled", 5*time.Second)

	// The worker is free again well before the 10s stub delay.
	next := sp.submit(t, "sleep 10ms")
	sp.pollStatus(t, next, "done", 3*time.Second)
}

func TestCancelFinishedJobKeepsStatus(t *testing.T) {
	sp := startServer(t, "SIEVE_STUB_DELAY=10ms")

	id := sp.submit(t, "cats")
	sp.pollStatus(t, id, "done", 5*time.Second)

	resp, body := sp.do(t, http.MethodDelete, "/jobs/"+id)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("DELETE status = %d, want 202", resp.StatusCode)
	}
	if body["status"] != "done" {
		t.Errorf("status = %v, want done", body["status"])
	}
}

func TestUnknownJob(t *testing.T) {
	sp := startServer(t)

	for _, method := range []string{http.MethodGet, http.MethodDelete} {
		resp, _ := sp.do(t, method, "/jobs/01HZZZZZZZZZZZZZZZZZZZZZZZ")
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("%s: status = %d, want 404", method, resp.StatusCode)
		}
	}
}

func TestListAndStats(t *testing.T) {
	sp := startServer(t, "SIEVE_STUB_DELAY=10ms")

	for _, q := range []string{"a", "b", "c"} {
		id := sp.submit(t, q)
		sp.pollStatus(t, id, "done", 5*time.Second)
	}

	_, list := sp.do(t, http.MethodGet, "/jobs?limit=2")
	if list["total"] != float64(3) {
		t.Errorf("total = %v, want 3", list["total"])
	}
	if jobs, _ := list["jobs"].([]any); len(jobs) != 2 {
		t.Errorf("len(jobs) = %d, want 2", len(jobs))
	}

	_, stats := sp.do(t, http.MethodGet, "/v1/stats")
	byStatus, _ := stats["by_status"].(map[string]any)
	if byStatus["done"] != float64(3) {
		t.Errorf("by_status = %v", stats["by_status"])
	}
}
