package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestSearchReturnsResult(t *testing.T) {
	env := newTestServer(t)
	ts := httptest.NewServer(env.srv.Router())
	defer ts.Close()

	resp := postJSON(t, ts.URL+"/search", `{"query":"cats"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != `{"query":"cats"}` {
		t.Errorf("body = %s, want the worker result verbatim", body)
	}
}

func TestSearchValidation(t *testing.T) {
	env := newTestServer(t)
	ts := httptest.NewServer(env.srv.Router())
	defer ts.Close()

	tests := []struct {
		name string
		body string
	}{
		{"missing query", `{}`},
		{"blank query", `{"query":"   "}`},
		{"invalid json", `not json`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postJSON(t, ts.URL+"/search", tt.body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", resp.StatusCode)
			}
			var errResp map[string]string
			json.NewDecoder(resp.Body).Decode(&errResp)
			if errResp["error"] == "" {
				t.Error("expected error message in response")
			}
		})
	}
}

func TestSearchTimeout(t *testing.T) {
	env := newTestServer(t)
	ts := httptest.NewServer(env.srv.Router())
	defer ts.Close()

	start := time.Now()
	resp := postJSON(t, ts.URL+"/search", `{"query":"slow","timeout_ms":100}`)
	if resp.StatusCode != http.StatusGatewayTimeout {
		t.Fatalf("status = %d, want 504", resp.StatusCode)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("timeout took %v", elapsed)
	}
	if n := env.announcer.count(); n != 1 {
		t.Errorf("cancellations announced = %d, want 1", n)
	}
}

func TestSearchEngineFailure(t *testing.T) {
	env := newTestServer(t)
	ts := httptest.NewServer(env.srv.Router())
	defer ts.Close()

	resp := postJSON(t, ts.URL+"/search", `{"query":"boom"}`)
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", resp.StatusCode)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["error"] != "processing_failed" || body["details"] != "engine exited" {
		t.Errorf("body = %v", body)
	}
}

func TestSearchClientDisconnectAnnouncesCancel(t *testing.T) {
	env := newTestServer(t)
	ts := httptest.NewServer(env.srv.Router())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodPost, ts.URL+"/search", bytes.NewBufferString(`{"query":"slow"}`))
	req.Header.Set("Content-Type", "application/json")
	if resp, err := http.DefaultClient.Do(req); err == nil {
		resp.Body.Close()
		t.Fatal("expected the client request to be aborted")
	}

	deadline := time.Now().Add(3 * time.Second)
	for env.announcer.count() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("disconnect did not announce a cancellation")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRequestTimeout(t *testing.T) {
	tests := []struct {
		name string
		ms   int64
		want time.Duration
	}{
		{"unset", 0, 0},
		{"negative", -5, 0},
		{"plain", 1500, 1500 * time.Millisecond},
		{"saturates", math.MaxInt64, time.Duration(maxTimeoutMS) * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := requestTimeout(tt.ms)
			if got != tt.want {
				t.Errorf("requestTimeout(%d) = %v, want %v", tt.ms, got, tt.want)
			}
			if got < 0 {
				t.Errorf("requestTimeout(%d) wrapped negative", tt.ms)
			}
		})
	}
}

func TestSearchOutcomeMetrics(t *testing.T) {
	env := newTestServer(t)
	ts := httptest.NewServer(env.srv.Router())
	defer ts.Close()

	before := map[string]float64{}
	for _, o := range []string{searchOK, searchInvalid, searchTimeout, searchEngineFailure} {
		before[o] = testutil.ToFloat64(searchOutcomes.WithLabelValues(o))
	}

	postJSON(t, ts.URL+"/search", `{"query":"cats"}`)
	postJSON(t, ts.URL+"/search", `{}`)
	postJSON(t, ts.URL+"/search", `{"query":"slow","timeout_ms":50}`)
	postJSON(t, ts.URL+"/search", `{"query":"boom"}`)

	for o, was := range before {
		if got := testutil.ToFloat64(searchOutcomes.WithLabelValues(o)); got != was+1 {
			t.Errorf("outcome %q = %v, want %v", o, got, was+1)
		}
	}
	if got := testutil.ToFloat64(searchesInFlight); got != 0 {
		t.Errorf("searches in flight = %v after all returned, want 0", got)
	}
}

func TestRequestBucketsCoverSyncDeadline(t *testing.T) {
	longest := requestBuckets[len(requestBuckets)-1]
	if longest < (5 * time.Minute).Seconds() {
		t.Errorf("largest bucket %vs is below the 5m sync cap", longest)
	}
}
