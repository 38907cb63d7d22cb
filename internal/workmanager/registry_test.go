package workmanager

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/data-collector/internal/collector"
	"github.com/JakeFAU/data-collector/internal/progress"
)

type recordingEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (e *recordingEmitter) Emit(evt progress.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, evt)
}

func (e *recordingEmitter) stages(workerID uuid.UUID) []progress.Stage {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []progress.Stage
	for _, evt := range e.events {
		if evt.JobUUID() == workerID {
			out = append(out, evt.Stage)
		}
	}
	return out
}

func newRegistry(t *testing.T) (*Registry, *recordingEmitter) {
	t.Helper()
	emitter := &recordingEmitter{}
	reg := New(Config{Emitter: emitter})
	t.Cleanup(reg.Close)
	return reg, emitter
}

func waitStatus(t *testing.T, job *Job, want collector.JobStatus) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = job.Wait(ctx)
	require.Equal(t, want, job.Status())
}

func TestSubmitRunsTask(t *testing.T) {
	t.Parallel()

	reg, emitter := newRegistry(t)
	job, err := reg.Submit(Descriptor{
		SpecificationID: "spec-1",
		Kind:            collector.JobKindCrawl,
		Task: TaskFunc(func(_ context.Context, job *Job) error {
			job.AddRecords(3)
			job.AddRecords(0)
			return nil
		}),
	})
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, job.WorkerID())
	require.Equal(t, "spec-1", job.SpecificationID())

	waitStatus(t, job, collector.JobStatusSucceeded)
	info := job.Info()
	require.Equal(t, int64(3), info.Records)
	require.NotNil(t, info.StartedAt)
	require.NotNil(t, info.FinishedAt)
	require.Empty(t, info.Error)
	require.Equal(t, []progress.Stage{
		progress.StageJobQueued,
		progress.StageJobStart,
		progress.StageJobRecords,
		progress.StageJobDone,
	}, emitter.stages(job.WorkerID()))
}

func TestSubmitRecordsFailureWithoutReturningIt(t *testing.T) {
	t.Parallel()

	reg, emitter := newRegistry(t)
	boom := errors.New("consumer unavailable")
	job, err := reg.Submit(Descriptor{
		SpecificationID: "topic-a",
		Kind:            collector.JobKindIntegrity,
		Task:            TaskFunc(func(context.Context, *Job) error { return boom }),
	})
	require.NoError(t, err)

	waitStatus(t, job, collector.JobStatusFailed)
	require.ErrorIs(t, job.Err(), boom)
	require.Equal(t, "consumer unavailable", job.Info().Error)
	stages := emitter.stages(job.WorkerID())
	require.Equal(t, progress.StageJobError, stages[len(stages)-1])
}

func TestSubmitRecoversPanics(t *testing.T) {
	t.Parallel()

	reg, _ := newRegistry(t)
	job, err := reg.Submit(Descriptor{
		SpecificationID: "spec-panic",
		Task:            TaskFunc(func(context.Context, *Job) error { panic("bad index") }),
	})
	require.NoError(t, err)
	waitStatus(t, job, collector.JobStatusFailed)
	require.ErrorContains(t, job.Err(), "bad index")
}

func TestSubmitValidates(t *testing.T) {
	t.Parallel()

	reg, _ := newRegistry(t)
	_, err := reg.Submit(Descriptor{SpecificationID: "x"})
	require.Error(t, err)
	_, err = reg.Submit(Descriptor{Task: TaskFunc(func(context.Context, *Job) error { return nil })})
	require.Error(t, err)
}

func blockingTask(started chan<- struct{}) Task {
	return TaskFunc(func(ctx context.Context, _ *Job) error {
		if started != nil {
			started <- struct{}{}
		}
		<-ctx.Done()
		return ctx.Err()
	})
}

func TestCancelEndsJobAsCanceled(t *testing.T) {
	t.Parallel()

	reg, emitter := newRegistry(t)
	started := make(chan struct{}, 1)
	job, err := reg.Submit(Descriptor{SpecificationID: "topic-a", Task: blockingTask(started)})
	require.NoError(t, err)
	<-started
	require.True(t, reg.IsRunning("topic-a"))

	require.True(t, reg.Cancel(job.WorkerID()))
	waitStatus(t, job, collector.JobStatusCanceled)
	require.False(t, reg.IsRunning("topic-a"))
	stages := emitter.stages(job.WorkerID())
	require.Equal(t, progress.StageJobCanceled, stages[len(stages)-1])

	_, ok := reg.Job(job.WorkerID())
	require.True(t, ok, "finished jobs stay registered until removed")
	require.False(t, reg.Cancel(uuid.New()))
}

func TestRemove(t *testing.T) {
	t.Parallel()

	reg, _ := newRegistry(t)
	require.ErrorIs(t, reg.Remove(uuid.New()), ErrJobNotFound)

	started := make(chan struct{}, 1)
	job, err := reg.Submit(Descriptor{SpecificationID: "spec-1", Task: blockingTask(started)})
	require.NoError(t, err)
	<-started

	require.ErrorIs(t, reg.Remove(job.WorkerID()), ErrConflict)
	require.True(t, reg.IsRunning("spec-1"), "a running job keeps its key after a refused remove")

	require.True(t, reg.Cancel(job.WorkerID()))
	waitStatus(t, job, collector.JobStatusCanceled)
	require.NoError(t, reg.Remove(job.WorkerID()))
	_, ok := reg.Get(job.WorkerID())
	require.False(t, ok)
	require.ErrorIs(t, reg.Remove(job.WorkerID()), ErrJobNotFound)
}

func TestListAndGet(t *testing.T) {
	t.Parallel()

	reg, _ := newRegistry(t)
	var ids []uuid.UUID
	for _, key := range []string{"a", "b", "c"} {
		job, err := reg.Submit(Descriptor{
			SpecificationID: key,
			Kind:            collector.JobKindRecovery,
			Task:            TaskFunc(func(context.Context, *Job) error { return nil }),
		})
		require.NoError(t, err)
		ids = append(ids, job.WorkerID())
	}
	require.ElementsMatch(t, ids, reg.List())
	require.Len(t, reg.Jobs(collector.JobKindRecovery), 3)
	require.Empty(t, reg.Jobs(collector.JobKindCrawl))

	id, ok := reg.Get(ids[1])
	require.True(t, ok)
	require.Equal(t, JobID{WorkerID: ids[1], SpecificationID: "b"}, id)
}

func TestCancelAllDoesNotWait(t *testing.T) {
	t.Parallel()

	reg, _ := newRegistry(t)
	release := make(chan struct{})
	var jobs []*Job
	for _, key := range []string{"a", "b"} {
		job, err := reg.Submit(Descriptor{
			SpecificationID: key,
			Task: TaskFunc(func(ctx context.Context, _ *Job) error {
				<-release
				return ctx.Err()
			}),
		})
		require.NoError(t, err)
		jobs = append(jobs, job)
	}

	returned := make(chan struct{})
	go func() {
		reg.CancelAll()
		close(returned)
	}()
	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("CancelAll blocked on running jobs")
	}
	for _, job := range jobs {
		require.False(t, job.Status().Terminal())
	}

	close(release)
	for _, job := range jobs {
		waitStatus(t, job, collector.JobStatusCanceled)
	}
}

func TestCloseRejectsSubmissions(t *testing.T) {
	t.Parallel()

	reg := New(Config{})
	started := make(chan struct{}, 1)
	job, err := reg.Submit(Descriptor{SpecificationID: "a", Task: blockingTask(started)})
	require.NoError(t, err)
	<-started

	reg.Close()
	_, err = reg.Submit(Descriptor{SpecificationID: "b", Task: blockingTask(nil)})
	require.ErrorIs(t, err, ErrRegistryClosed)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, reg.Wait(ctx))
	require.Equal(t, collector.JobStatusCanceled, job.Status())
}

func TestLockIsInterruptible(t *testing.T) {
	t.Parallel()

	reg, _ := newRegistry(t)
	require.NoError(t, reg.Lock(context.Background(), "topic-a"))
	defer reg.Unlock("topic-a")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, reg.Lock(ctx, "topic-a"), context.DeadlineExceeded)

	require.NoError(t, reg.Lock(context.Background(), "topic-b"))
	reg.Unlock("topic-b")
}

func TestUnlockOfUnlockedKeyPanics(t *testing.T) {
	t.Parallel()

	reg, _ := newRegistry(t)
	require.Panics(t, func() { reg.Unlock("never-locked") })
}

func TestLockBracketingAllowsOneRunningJobPerKey(t *testing.T) {
	t.Parallel()

	reg, _ := newRegistry(t)
	var (
		running    atomic.Int32
		maxRunning atomic.Int32
		submitted  atomic.Int32
		conflicts  atomic.Int32
	)
	release := make(chan struct{})
	task := TaskFunc(func(ctx context.Context, _ *Job) error {
		n := running.Add(1)
		defer running.Add(-1)
		for {
			cur := maxRunning.Load()
			if n <= cur || maxRunning.CompareAndSwap(cur, n) {
				break
			}
		}
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := reg.Lock(context.Background(), "topic-a"); err != nil {
				t.Error(err)
				return
			}
			defer reg.Unlock("topic-a")
			if reg.IsRunning("topic-a") {
				conflicts.Add(1)
				return
			}
			if _, err := reg.Submit(Descriptor{SpecificationID: "topic-a", Task: task}); err != nil {
				t.Error(err)
				return
			}
			submitted.Add(1)
		}()
	}
	wg.Wait()
	close(release)

	require.Equal(t, int32(1), submitted.Load())
	require.Equal(t, int32(15), conflicts.Load())
	require.Eventually(t, func() bool { return !reg.IsRunning("topic-a") }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, int32(1), maxRunning.Load())
}
