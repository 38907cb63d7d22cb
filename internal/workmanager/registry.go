package workmanager

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/data-collector/internal/clock/system"
	"github.com/JakeFAU/data-collector/internal/collector"
	idgen "github.com/JakeFAU/data-collector/internal/id/uuid"
	"github.com/JakeFAU/data-collector/internal/metrics"
	"github.com/JakeFAU/data-collector/internal/progress"
)

// WorkerIDGenerator creates worker ids for submitted jobs.
type WorkerIDGenerator interface {
	NewWorkerID() (uuid.UUID, error)
}

// Config wires optional collaborators into a Registry.
//   - BaseContext: parent of every job context (default context.Background()).
//   - Emitter: receives lifecycle events (default: discard).
//   - Clock: timestamps (default: system clock).
//   - IDs: worker id source (default: UUIDv7).
type Config struct {
	BaseContext context.Context
	Logger      *zap.Logger
	Emitter     progress.Emitter
	Clock       collector.Clock
	IDs         WorkerIDGenerator
}

// Registry owns submitted jobs from Submit until Remove.
type Registry struct {
	logger  *zap.Logger
	emitter progress.Emitter
	clock   collector.Clock
	ids     WorkerIDGenerator

	base       context.Context
	cancelBase context.CancelFunc
	wg         sync.WaitGroup

	mu     sync.Mutex
	jobs   map[uuid.UUID]*Job
	locks  map[string]chan struct{}
	closed bool
}

// New builds a Registry.
func New(cfg Config) *Registry {
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Emitter == nil {
		cfg.Emitter = progress.EmitterFunc(func(progress.Event) {})
	}
	if cfg.Clock == nil {
		cfg.Clock = system.New()
	}
	if cfg.IDs == nil {
		cfg.IDs = idgen.New()
	}
	base, cancel := context.WithCancel(cfg.BaseContext)
	return &Registry{
		logger:     cfg.Logger,
		emitter:    cfg.Emitter,
		clock:      cfg.Clock,
		ids:        cfg.IDs,
		base:       base,
		cancelBase: cancel,
		jobs:       make(map[uuid.UUID]*Job),
		locks:      make(map[string]chan struct{}),
	}
}

// Lock acquires the mutex for key, creating it on first use. It returns
// early with an error when ctx ends first. Locks are not reentrant.
func (r *Registry) Lock(ctx context.Context, key string) error {
	ch := r.lockFor(key)
	select {
	case ch <- struct{}{}:
		return nil
	default:
	}
	select {
	case ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("lock %q: %w", key, ctx.Err())
	}
}

// Unlock releases the mutex for key. Unlocking a key that is not locked
// panics, as with sync.Mutex.
func (r *Registry) Unlock(key string) {
	ch := r.lockFor(key)
	select {
	case <-ch:
	default:
		panic(fmt.Sprintf("workmanager: unlock of unlocked key %q", key))
	}
}

func (r *Registry) lockFor(key string) chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.locks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		r.locks[key] = ch
	}
	return ch
}

// Submit starts d.Task on its own goroutine and registers it under a fresh
// worker id. Task errors are recorded on the job, never returned here.
func (r *Registry) Submit(d Descriptor) (*Job, error) {
	if d.Task == nil {
		return nil, errors.New("task is required")
	}
	if d.SpecificationID == "" {
		return nil, errors.New("specification id is required")
	}
	workerID, err := r.ids.NewWorkerID()
	if err != nil {
		return nil, fmt.Errorf("assign worker id: %w", err)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRegistryClosed
	}
	ctx, cancel := context.WithCancel(r.base)
	job := &Job{
		id:          JobID{WorkerID: workerID, SpecificationID: d.SpecificationID},
		kind:        d.Kind,
		cancel:      cancel,
		done:        make(chan struct{}),
		status:      collector.JobStatusQueued,
		submittedAt: r.clock.Now(),
	}
	job.emit = r.emitterFor(job)
	r.jobs[workerID] = job
	r.wg.Add(1)
	r.mu.Unlock()

	job.emit(progress.StageJobQueued, 0, 0, "")
	go r.run(ctx, job, d.Task)
	return job, nil
}

func (r *Registry) emitterFor(job *Job) func(progress.Stage, int64, time.Duration, string) {
	id := progress.UUIDToBytes(job.id.WorkerID)
	return func(stage progress.Stage, records int64, dur time.Duration, note string) {
		r.emitter.Emit(progress.Event{
			JobID:   id,
			TS:      r.clock.Now(),
			Stage:   stage,
			Kind:    string(job.kind),
			Key:     job.id.SpecificationID,
			Records: records,
			Dur:     dur,
			Note:    note,
		})
	}
}

func (r *Registry) run(ctx context.Context, job *Job, task Task) {
	defer r.wg.Done()
	defer close(job.done)
	defer job.cancel()

	logger := r.logger.With(
		zap.String("worker_id", job.id.WorkerID.String()),
		zap.String("specification_id", job.id.SpecificationID),
		zap.String("kind", string(job.kind)),
	)
	job.start(r.clock.Now())
	job.emit(progress.StageJobStart, 0, 0, "")
	metrics.IncActiveJobs(string(job.kind))
	defer metrics.DecActiveJobs(string(job.kind))
	logger.Info("job started")

	err := runTask(ctx, job, task)

	switch {
	case err == nil:
		dur := job.finish(r.clock.Now(), collector.JobStatusSucceeded, nil)
		job.emit(progress.StageJobDone, 0, dur, "")
		logger.Info("job succeeded", zap.Int64("records", job.Records()), zap.Duration("dur", dur))
	case ctx.Err() != nil && errors.Is(err, context.Canceled):
		dur := job.finish(r.clock.Now(), collector.JobStatusCanceled, err)
		job.emit(progress.StageJobCanceled, 0, dur, "")
		logger.Info("job canceled", zap.Int64("records", job.Records()))
	default:
		dur := job.finish(r.clock.Now(), collector.JobStatusFailed, err)
		job.emit(progress.StageJobError, 0, dur, err.Error())
		logger.Error("job failed", zap.Error(err))
	}
}

func runTask(ctx context.Context, job *Job, task Task) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("job panicked: %v", rec)
		}
	}()
	return task.Run(ctx, job)
}

// List returns the worker ids of every registered job, oldest first.
func (r *Registry) List() []uuid.UUID {
	jobs := r.snapshot()
	ids := make([]uuid.UUID, len(jobs))
	for i, job := range jobs {
		ids[i] = job.id.WorkerID
	}
	return ids
}

// Jobs returns an info snapshot of every registered job, oldest first.
// A non-empty kind filters the result.
func (r *Registry) Jobs(kind collector.JobKind) []JobInfo {
	jobs := r.snapshot()
	out := make([]JobInfo, 0, len(jobs))
	for _, job := range jobs {
		if kind != "" && job.kind != kind {
			continue
		}
		out = append(out, job.Info())
	}
	return out
}

func (r *Registry) snapshot() []*Job {
	r.mu.Lock()
	jobs := make([]*Job, 0, len(r.jobs))
	for _, job := range r.jobs {
		jobs = append(jobs, job)
	}
	r.mu.Unlock()
	sort.Slice(jobs, func(a, b int) bool {
		if !jobs[a].submittedAt.Equal(jobs[b].submittedAt) {
			return jobs[a].submittedAt.Before(jobs[b].submittedAt)
		}
		return jobs[a].id.WorkerID.String() < jobs[b].id.WorkerID.String()
	})
	return jobs
}

// Get returns the identity of a registered job.
func (r *Registry) Get(workerID uuid.UUID) (JobID, bool) {
	job, ok := r.Job(workerID)
	if !ok {
		return JobID{}, false
	}
	return job.id, true
}

// Job returns the handle of a registered job.
func (r *Registry) Job(workerID uuid.UUID) (*Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[workerID]
	return job, ok
}

// Running returns the unfinished job registered under key, if any.
func (r *Registry) Running(key string) (*Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, job := range r.jobs {
		if job.id.SpecificationID == key && !job.Status().Terminal() {
			return job, true
		}
	}
	return nil, false
}

// IsRunning reports whether an unfinished job is registered under key.
func (r *Registry) IsRunning(key string) bool {
	_, ok := r.Running(key)
	return ok
}

// Cancel signals the job to stop. It reports false for unknown ids.
func (r *Registry) Cancel(workerID uuid.UUID) bool {
	job, ok := r.Job(workerID)
	if !ok {
		return false
	}
	job.cancel()
	r.logger.Info("job cancel requested", zap.String("worker_id", workerID.String()))
	return true
}

// Remove deregisters a finished job. A job that has not reached a terminal
// status still holds its key, so Remove refuses it with ErrConflict; cancel it
// and wait for Done first.
func (r *Registry) Remove(workerID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[workerID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, workerID)
	}
	if !job.Status().Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrConflict, workerID, job.Status())
	}
	delete(r.jobs, workerID)
	return nil
}

// CancelAll signals every registered job and returns without waiting.
func (r *Registry) CancelAll() {
	for _, job := range r.snapshot() {
		job.cancel()
	}
}

// Close rejects further submissions and cancels every job.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.cancelBase()
}

// Wait blocks until every submitted task has returned or ctx ends.
func (r *Registry) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
