package redisstore

import (
	"fmt"
	"strconv"
	"time"

	"github.com/seantiz/sieve/internal/model"
)

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func jobToMap(j *model.JobRecord) map[string]any {
	m := map[string]any{
		"id":             j.ID,
		"correlation_id": j.CorrelationID,
		"status":         j.Status,
		"query":          j.Query,
		"result":         []byte(j.Result),
		"error":          j.Error,
		"queued_at":      formatTime(j.QueuedAt),
	}
	if j.StartedAt != nil {
		m["started_at"] = formatTime(*j.StartedAt)
	}
	if j.FinishedAt != nil {
		m["finished_at"] = formatTime(*j.FinishedAt)
	}
	if j.DurationMS != nil {
		m["duration_ms"] = *j.DurationMS
	}
	return m
}

func mapToJob(m map[string]string) (*model.JobRecord, error) {
	j := &model.JobRecord{
		ID:            m["id"],
		CorrelationID: m["correlation_id"],
		Status:        m["status"],
		Query:         m["query"],
		Error:         m["error"],
	}
	if r := m["result"]; r != "" {
		j.Result = []byte(r)
	}

	queued, err := parseTime(m["queued_at"])
	if err != nil {
		return nil, fmt.Errorf("parse queued_at: %w", err)
	}
	if queued != nil {
		j.QueuedAt = *queued
	}
	if j.StartedAt, err = parseTime(m["started_at"]); err != nil {
		return nil, fmt.Errorf("parse started_at: %w", err)
	}
	if j.FinishedAt, err = parseTime(m["finished_at"]); err != nil {
		return nil, fmt.Errorf("parse finished_at: %w", err)
	}
	if d := m["duration_ms"]; d != "" {
		ms, err := strconv.Atoi(d)
		if err != nil {
			return nil, fmt.Errorf("parse duration_ms: %w", err)
		}
		j.DurationMS = &ms
	}
	return j, nil
}
