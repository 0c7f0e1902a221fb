package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/seantiz/sieve/internal/model"

	_ "modernc.org/sqlite"
)

const createJobsTable = `
CREATE TABLE IF NOT EXISTS jobs (
    id             TEXT PRIMARY KEY,
    correlation_id TEXT NOT NULL,
    status         TEXT NOT NULL,
    query          TEXT NOT NULL,
    result         BLOB,
    error          TEXT NOT NULL DEFAULT '',
    duration_ms    INTEGER,
    queued_at      DATETIME NOT NULL,
    started_at     DATETIME,
    finished_at    DATETIME
)`

const selectJobColumns = `id, correlation_id, status, query, result, error,
	duration_ms, queued_at, started_at, finished_at`

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Every pooled connection to ":memory:" would get its own empty database.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if _, err := db.Exec(createJobsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("create jobs table: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// CreateJob inserts a new job record.
func (s *SQLiteStore) CreateJob(ctx context.Context, j *model.JobRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (`+selectJobColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.CorrelationID, j.Status, j.Query, []byte(j.Result), j.Error,
		j.DurationMS, j.QueuedAt, j.StartedAt, j.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*model.JobRecord, error) {
	j := &model.JobRecord{}
	var result []byte
	if err := row.Scan(
		&j.ID, &j.CorrelationID, &j.Status, &j.Query, &result, &j.Error,
		&j.DurationMS, &j.QueuedAt, &j.StartedAt, &j.FinishedAt,
	); err != nil {
		return nil, err
	}
	if len(result) > 0 {
		j.Result = result
	}
	return j, nil
}

// GetJob retrieves a job by ID.
func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*model.JobRecord, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx,
		`SELECT `+selectJobColumns+` FROM jobs WHERE id = ?`, id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// ListJobs returns a paginated list of jobs ordered by queued_at DESC,
// along with the total count of all jobs.
func (s *SQLiteStore) ListJobs(ctx context.Context, limit, offset int) ([]*model.JobRecord, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM jobs").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+selectJobColumns+` FROM jobs ORDER BY queued_at DESC LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*model.JobRecord
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate jobs: %w", err)
	}

	return jobs, total, nil
}

// MarkRunning moves a queued job to running.
func (s *SQLiteStore) MarkRunning(ctx context.Context, id string, startedAt time.Time) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE jobs SET status = ?, started_at = ? WHERE id = ? AND status = ?",
		model.StatusRunning, startedAt.UTC(), id, model.StatusQueued,
	)
	if err != nil {
		return fmt.Errorf("mark job running: %w", err)
	}
	return s.checkTransition(ctx, result, id)
}

// FinishJob writes a terminal status. The update only applies while the job
// is still in a status that may legally move to fin.Status, so it is a no-op
// (ErrInvalidTransition) once another writer has finished the job.
func (s *SQLiteStore) FinishJob(ctx context.Context, id string, fin Finish) error {
	if !model.IsTerminal(fin.Status) {
		return fmt.Errorf("finish job with status %q: %w", fin.Status, ErrInvalidTransition)
	}
	sources := model.SourcesOf(fin.Status)
	finishedAt := fin.FinishedAt.UTC()

	args := []any{fin.Status, []byte(fin.Result), fin.Error, finishedAt, id}
	for _, src := range sources {
		args = append(args, src)
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, result = ?, error = ?, finished_at = ?
		WHERE id = ? AND status IN (`+placeholders(len(sources))+`)`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("finish job: %w", err)
	}
	if err := s.checkTransition(ctx, result, id); err != nil {
		return err
	}
	return s.fillDuration(ctx, id)
}

// fillDuration records the elapsed milliseconds between started_at and
// finished_at for a job that ran.
func (s *SQLiteStore) fillDuration(ctx context.Context, id string) error {
	j, err := s.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if j.StartedAt == nil || j.FinishedAt == nil {
		return nil
	}
	ms := int(j.FinishedAt.Sub(*j.StartedAt).Milliseconds())
	if _, err := s.db.ExecContext(ctx, "UPDATE jobs SET duration_ms = ? WHERE id = ?", ms, id); err != nil {
		return fmt.Errorf("set job duration: %w", err)
	}
	return nil
}

// checkTransition turns a zero-row conditional update into ErrNotFound or
// ErrInvalidTransition.
func (s *SQLiteStore) checkTransition(ctx context.Context, result sql.Result, id string) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected > 0 {
		return nil
	}
	var status string
	err = s.db.QueryRowContext(ctx, "SELECT status FROM jobs WHERE id = ?", id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get job status: %w", err)
	}
	return fmt.Errorf("job %s is %s: %w", id, status, ErrInvalidTransition)
}

// GetJobStats returns counts per status and the mean duration of jobs that ran.
func (s *SQLiteStore) GetJobStats(ctx context.Context) (*JobStats, error) {
	stats := &JobStats{CountByStatus: make(map[string]int)}

	rows, err := s.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM jobs GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		stats.CountByStatus[status] = n
		stats.Total += n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate status counts: %w", err)
	}

	var avg sql.NullFloat64
	if err := s.db.QueryRowContext(ctx,
		"SELECT AVG(duration_ms) FROM jobs WHERE duration_ms IS NOT NULL",
	).Scan(&avg); err != nil {
		return nil, fmt.Errorf("average duration: %w", err)
	}
	if avg.Valid {
		stats.AvgDurationMS = avg.Float64
	}
	return stats, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
