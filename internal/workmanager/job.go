package workmanager

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/data-collector/internal/collector"
	"github.com/JakeFAU/data-collector/internal/progress"
)

var (
	// ErrConflict reports that a job for the key is already running.
	ErrConflict = errors.New("job already running for key")
	// ErrJobNotFound reports an unknown worker id.
	ErrJobNotFound = errors.New("job not found")
	// ErrRegistryClosed is returned by Submit after Close.
	ErrRegistryClosed = errors.New("registry closed")
)

// Task is the unit of work a job executes. Implementations must return
// promptly once ctx is done.
type Task interface {
	Run(ctx context.Context, job *Job) error
}

// TaskFunc adapts a function to Task.
type TaskFunc func(ctx context.Context, job *Job) error

// Run calls f(ctx, job).
func (f TaskFunc) Run(ctx context.Context, job *Job) error {
	return f(ctx, job)
}

// Descriptor describes a job to submit.
type Descriptor struct {
	SpecificationID string
	Kind            collector.JobKind
	Task            Task
}

// JobID identifies a registered job.
type JobID struct {
	WorkerID        uuid.UUID `json:"worker_id"`
	SpecificationID string    `json:"specification_id"`
}

// JobInfo is a point-in-time view of a job.
type JobInfo struct {
	WorkerID        uuid.UUID           `json:"worker_id"`
	SpecificationID string              `json:"specification_id"`
	Kind            collector.JobKind   `json:"kind"`
	Status          collector.JobStatus `json:"status"`
	Records         int64               `json:"records"`
	SubmittedAt     time.Time           `json:"submitted_at"`
	StartedAt       *time.Time          `json:"started_at,omitempty"`
	FinishedAt      *time.Time          `json:"finished_at,omitempty"`
	Error           string              `json:"error,omitempty"`
}

// Job is the handle returned by Submit.
type Job struct {
	id      JobID
	kind    collector.JobKind
	cancel  context.CancelFunc
	done    chan struct{}
	records atomic.Int64
	emit    func(stage progress.Stage, records int64, dur time.Duration, note string)

	mu          sync.Mutex
	status      collector.JobStatus
	err         error
	submittedAt time.Time
	startedAt   time.Time
	finishedAt  time.Time
}

// ID returns the composite identity of the job.
func (j *Job) ID() JobID {
	return j.id
}

// WorkerID returns the worker id assigned at submission.
func (j *Job) WorkerID() uuid.UUID {
	return j.id.WorkerID
}

// SpecificationID returns the mutual-exclusion key of the job.
func (j *Job) SpecificationID() string {
	return j.id.SpecificationID
}

// Kind returns the job family.
func (j *Job) Kind() collector.JobKind {
	return j.kind
}

// Status returns the current lifecycle status.
func (j *Job) Status() collector.JobStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// Err returns the task error once the job has failed or been canceled.
func (j *Job) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

// Done is closed when the task returns.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Wait blocks until the job finishes or ctx ends. It returns the task error
// or ctx.Err().
func (j *Job) Wait(ctx context.Context) error {
	select {
	case <-j.done:
		return j.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AddRecords counts n processed records and reports them as progress.
func (j *Job) AddRecords(n int64) {
	if n <= 0 {
		return
	}
	j.records.Add(n)
	j.emit(progress.StageJobRecords, n, 0, "")
}

// Records returns the number of records reported so far.
func (j *Job) Records() int64 {
	return j.records.Load()
}

// Info snapshots the job.
func (j *Job) Info() JobInfo {
	j.mu.Lock()
	defer j.mu.Unlock()
	info := JobInfo{
		WorkerID:        j.id.WorkerID,
		SpecificationID: j.id.SpecificationID,
		Kind:            j.kind,
		Status:          j.status,
		Records:         j.records.Load(),
		SubmittedAt:     j.submittedAt,
	}
	if !j.startedAt.IsZero() {
		started := j.startedAt
		info.StartedAt = &started
	}
	if !j.finishedAt.IsZero() {
		finished := j.finishedAt
		info.FinishedAt = &finished
	}
	if j.err != nil {
		info.Error = j.err.Error()
	}
	return info
}

func (j *Job) start(now time.Time) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.status = collector.JobStatusRunning
	j.startedAt = now
}

func (j *Job) finish(now time.Time, status collector.JobStatus, err error) time.Duration {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.status = status
	j.err = err
	j.finishedAt = now
	return now.Sub(j.startedAt)
}
