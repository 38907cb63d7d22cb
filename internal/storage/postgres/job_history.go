package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/data-collector/internal/store"
)

const defaultHistoryTable = "job_runs"

// HistoryStore implements store.HistoryRepository on a job_runs table.
type HistoryStore struct {
	pool  Pool
	table string
}

// NewHistoryStore wraps pool.
func NewHistoryStore(pool Pool, table string) (*HistoryStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	table, err := checkTable(table, defaultHistoryTable)
	if err != nil {
		return nil, err
	}
	return &HistoryStore{pool: pool, table: table}, nil
}

// EnsureSchema creates the job_runs table if missing.
func (s *HistoryStore) EnsureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	worker_id UUID PRIMARY KEY,
	kind TEXT NOT NULL,
	key TEXT NOT NULL,
	status TEXT NOT NULL,
	started_at TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ,
	records BIGINT NOT NULL DEFAULT 0,
	error_message TEXT
)`, s.table)
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create job history table: %w", err)
	}
	return nil
}

// StartRun inserts a running row for run.
func (s *HistoryStore) StartRun(ctx context.Context, run store.JobRun) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (worker_id, kind, key, status, started_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (worker_id) DO NOTHING`, s.table)
	if _, err := s.pool.Exec(ctx, query, run.WorkerID, run.Kind, run.Key, store.RunRunning, run.StartedAt); err != nil {
		return fmt.Errorf("insert job run: %w", err)
	}
	return nil
}

// AddRecords increments the record counter of a run.
func (s *HistoryStore) AddRecords(ctx context.Context, workerID uuid.UUID, delta int64) error {
	query := fmt.Sprintf(`UPDATE %s SET records = records + $1 WHERE worker_id = $2`, s.table)
	if _, err := s.pool.Exec(ctx, query, delta, workerID); err != nil {
		return fmt.Errorf("add job run records: %w", err)
	}
	return nil
}

// FinishRun stamps the final status of a run.
func (s *HistoryStore) FinishRun(
	ctx context.Context,
	workerID uuid.UUID,
	finishedAt time.Time,
	status store.RunStatus,
	errMsg *string,
) error {
	query := fmt.Sprintf(`
		UPDATE %s
		SET finished_at = $1, status = $2, error_message = $3
		WHERE worker_id = $4`, s.table)
	if _, err := s.pool.Exec(ctx, query, finishedAt, status, errMsg, workerID); err != nil {
		return fmt.Errorf("finish job run: %w", err)
	}
	return nil
}

// GetRun loads a single run.
func (s *HistoryStore) GetRun(ctx context.Context, workerID uuid.UUID) (store.JobRun, error) {
	query := fmt.Sprintf(`
		SELECT worker_id, kind, key, status, started_at, finished_at, records, error_message
		FROM %s
		WHERE worker_id = $1`, s.table)
	var run store.JobRun
	err := s.pool.QueryRow(ctx, query, workerID).Scan(
		&run.WorkerID,
		&run.Kind,
		&run.Key,
		&run.Status,
		&run.StartedAt,
		&run.FinishedAt,
		&run.Records,
		&run.ErrorMessage,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.JobRun{}, store.ErrNotFound
		}
		return store.JobRun{}, fmt.Errorf("get job run: %w", err)
	}
	return run, nil
}

// ListRuns returns runs newest first. An empty kind lists every kind.
func (s *HistoryStore) ListRuns(ctx context.Context, kind string, limit, offset int) ([]store.JobRun, error) {
	query := fmt.Sprintf(`
		SELECT worker_id, kind, key, status, started_at, finished_at, records, error_message
		FROM %s
		WHERE ($1 = '' OR kind = $1)
		ORDER BY started_at DESC
		LIMIT $2 OFFSET $3`, s.table)
	rows, err := s.pool.Query(ctx, query, kind, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list job runs: %w", err)
	}
	defer rows.Close()

	var runs []store.JobRun
	for rows.Next() {
		var run store.JobRun
		if err := rows.Scan(
			&run.WorkerID,
			&run.Kind,
			&run.Key,
			&run.Status,
			&run.StartedAt,
			&run.FinishedAt,
			&run.Records,
			&run.ErrorMessage,
		); err != nil {
			return nil, fmt.Errorf("scan job run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job runs: %w", err)
	}
	return runs, nil
}

// Close releases the pool.
func (s *HistoryStore) Close() {
	s.pool.Close()
}
