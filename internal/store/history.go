package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("job run not found")

// RunStatus mirrors the job_runs status column.
type RunStatus string

// Job run statuses persisted in job_runs.status.
const (
	RunRunning  RunStatus = "running"
	RunSuccess  RunStatus = "success"
	RunError    RunStatus = "error"
	RunCanceled RunStatus = "canceled"
)

// JobRun is one execution of a submitted job.
type JobRun struct {
	WorkerID     uuid.UUID  `json:"worker_id"`
	Kind         string     `json:"kind"`
	Key          string     `json:"key"`
	Status       RunStatus  `json:"status"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	Records      int64      `json:"records"`
	ErrorMessage *string    `json:"error_message,omitempty"`
}

// HistoryRepository persists job runs so they outlive the in-memory registry.
type HistoryRepository interface {
	// StartRun inserts the run, or leaves an existing row untouched.
	StartRun(ctx context.Context, run JobRun) error
	// AddRecords increments the processed record count of a run.
	AddRecords(ctx context.Context, workerID uuid.UUID, delta int64) error
	// FinishRun stamps the final status of a run.
	FinishRun(ctx context.Context, workerID uuid.UUID, finishedAt time.Time, status RunStatus, errMsg *string) error
	// GetRun loads one run or returns ErrNotFound.
	GetRun(ctx context.Context, workerID uuid.UUID) (JobRun, error)
	// ListRuns returns runs newest first, optionally filtered by kind.
	ListRuns(ctx context.Context, kind string, limit, offset int) ([]JobRun, error)
}
