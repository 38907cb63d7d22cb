package sinks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/data-collector/internal/progress"
	"github.com/JakeFAU/data-collector/internal/store"
)

func TestHistorySinkPersistsRuns(t *testing.T) {
	t.Parallel()

	repo := &fakeHistoryRepo{}
	sink := NewHistorySink(repo, nil)
	jobUUID := uuid.New()
	jobID := progress.UUIDToBytes(jobUUID)
	now := time.Now()

	batch := []progress.Event{
		{JobID: jobID, Stage: progress.StageJobStart, TS: now, Kind: "integrity", Key: "topic-a"},
		{JobID: jobID, Stage: progress.StageJobRecords, TS: now, Kind: "integrity", Records: 10},
		{JobID: jobID, Stage: progress.StageJobRecords, TS: now, Kind: "integrity", Records: 5},
		{JobID: jobID, Stage: progress.StageJobError, TS: now.Add(time.Second), Kind: "integrity", Note: "index full"},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, []string{"start", "records", "finish"}, repo.calls)
	require.Equal(t, "topic-a", repo.started[0].Key)
	require.Equal(t, int64(15), repo.records[jobUUID])
	require.Equal(t, store.RunError, repo.status[jobUUID])
	require.Equal(t, "index full", repo.notes[jobUUID])
}

func TestHistorySinkFlushesOpenRecordDeltas(t *testing.T) {
	t.Parallel()

	repo := &fakeHistoryRepo{}
	sink := NewHistorySink(repo, nil)
	jobUUID := uuid.New()
	jobID := progress.UUIDToBytes(jobUUID)

	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{JobID: jobID, Stage: progress.StageJobRecords, TS: time.Now(), Kind: "crawl", Records: 3},
	}))
	require.Equal(t, int64(3), repo.records[jobUUID])
	require.Empty(t, repo.status)
}

func TestHistorySinkHandlesErrors(t *testing.T) {
	t.Parallel()

	repo := &fakeHistoryRepo{fail: true}
	sink := NewHistorySink(repo, nil)
	err := sink.Consume(context.Background(), []progress.Event{
		{JobID: progress.UUIDToBytes(uuid.New()), Stage: progress.StageJobStart, TS: time.Now(), Kind: "crawl"},
	})
	require.Error(t, err)
}

type fakeHistoryRepo struct {
	fail    bool
	calls   []string
	started []store.JobRun
	records map[uuid.UUID]int64
	status  map[uuid.UUID]store.RunStatus
	notes   map[uuid.UUID]string
}

var errFakeRepo = errors.New("repository unavailable")

func (f *fakeHistoryRepo) StartRun(_ context.Context, run store.JobRun) error {
	if f.fail {
		return errFakeRepo
	}
	f.calls = append(f.calls, "start")
	f.started = append(f.started, run)
	return nil
}

func (f *fakeHistoryRepo) AddRecords(_ context.Context, id uuid.UUID, delta int64) error {
	if f.fail {
		return errFakeRepo
	}
	f.calls = append(f.calls, "records")
	if f.records == nil {
		f.records = make(map[uuid.UUID]int64)
	}
	f.records[id] += delta
	return nil
}

func (f *fakeHistoryRepo) FinishRun(
	_ context.Context,
	id uuid.UUID,
	_ time.Time,
	status store.RunStatus,
	errMsg *string,
) error {
	if f.fail {
		return errFakeRepo
	}
	f.calls = append(f.calls, "finish")
	if f.status == nil {
		f.status = make(map[uuid.UUID]store.RunStatus)
		f.notes = make(map[uuid.UUID]string)
	}
	f.status[id] = status
	if errMsg != nil {
		f.notes[id] = *errMsg
	}
	return nil
}

func (f *fakeHistoryRepo) GetRun(context.Context, uuid.UUID) (store.JobRun, error) {
	return store.JobRun{}, store.ErrNotFound
}

func (f *fakeHistoryRepo) ListRuns(context.Context, string, int, int) ([]store.JobRun, error) {
	return nil, nil
}
