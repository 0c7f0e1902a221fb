package api

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/seantiz/sieve/internal/dispatch"
)

// statusClientClosed is logged when the caller disconnects before a reply.
const statusClientClosed = 499

// maxTimeoutMS is the largest timeout_ms that converts to a Duration
// without overflowing.
const maxTimeoutMS = math.MaxInt64 / int64(time.Millisecond)

// searchRequest is the JSON body for POST /search.
type searchRequest struct {
	Query string `json:"query"`
	// TimeoutMS overrides the default deadline. The dispatcher caps it.
	TimeoutMS int64 `json:"timeout_ms"`
}

// handleSearch dispatches the query to a worker and waits for its result,
// which is written back verbatim.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		searchOutcomes.WithLabelValues(searchInvalid).Inc()
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	searchesInFlight.Inc()
	body, err := s.dispatcher.DispatchSync(r.Context(), req.Query, requestTimeout(req.TimeoutMS))
	searchesInFlight.Dec()
	if err != nil {
		s.writeDispatchError(w, r, err)
		return
	}
	searchOutcomes.WithLabelValues(searchOK).Inc()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(body); err != nil {
		s.logger.Error("write search result", "error", err)
	}
}

// requestTimeout converts timeout_ms to a Duration. Zero or negative means
// the default deadline; huge values saturate instead of wrapping negative.
func requestTimeout(ms int64) time.Duration {
	if ms <= 0 {
		return 0
	}
	return time.Duration(min(ms, maxTimeoutMS)) * time.Millisecond
}

func (s *Server) writeDispatchError(w http.ResponseWriter, r *http.Request, err error) {
	var failure *dispatch.EngineFailure
	switch {
	case errors.Is(err, dispatch.ErrValidation):
		searchOutcomes.WithLabelValues(searchInvalid).Inc()
		s.writeError(w, http.StatusBadRequest, "query is required")
	case errors.Is(err, dispatch.ErrTimeout):
		searchOutcomes.WithLabelValues(searchTimeout).Inc()
		s.writeError(w, http.StatusGatewayTimeout, "search timed out")
	case errors.Is(err, dispatch.ErrDisconnected):
		searchOutcomes.WithLabelValues(searchDisconnected).Inc()
		s.logger.Info("client disconnected before reply", "request_id", middleware.GetReqID(r.Context()))
		w.WriteHeader(statusClientClosed)
	case errors.As(err, &failure):
		searchOutcomes.WithLabelValues(searchEngineFailure).Inc()
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error":   failure.Code,
			"details": failure.Details,
		})
	default:
		searchOutcomes.WithLabelValues(searchError).Inc()
		s.logger.Error("dispatch search", "error", err)
		s.writeError(w, http.StatusInternalServerError, "search failed")
	}
}
