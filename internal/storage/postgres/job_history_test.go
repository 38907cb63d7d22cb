package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/data-collector/internal/store"
)

func newMockHistory(t *testing.T) (pgxmock.PgxPoolIface, *HistoryStore) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	hist, err := NewHistoryStore(mock, "")
	require.NoError(t, err)
	return mock, hist
}

func TestHistoryStartAndFinishRun(t *testing.T) {
	t.Parallel()

	mock, hist := newMockHistory(t)
	id := uuid.New()
	started := time.Unix(1700000000, 0).UTC()
	finished := started.Add(time.Minute)
	msg := "consumer failed"

	mock.ExpectExec("INSERT INTO job_runs").
		WithArgs(id, "integrity", "topic-a", store.RunRunning, started).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("UPDATE job_runs SET records").
		WithArgs(int64(25), id).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE job_runs").
		WithArgs(finished, store.RunError, &msg, id).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	ctx := context.Background()
	require.NoError(t, hist.StartRun(ctx, store.JobRun{WorkerID: id, Kind: "integrity", Key: "topic-a", StartedAt: started}))
	require.NoError(t, hist.AddRecords(ctx, id, 25))
	require.NoError(t, hist.FinishRun(ctx, id, finished, store.RunError, &msg))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestHistoryGetRunNotFound(t *testing.T) {
	t.Parallel()

	mock, hist := newMockHistory(t)
	id := uuid.New()
	mock.ExpectQuery("SELECT worker_id").WithArgs(id).WillReturnError(pgx.ErrNoRows)

	_, err := hist.GetRun(context.Background(), id)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestHistoryListRuns(t *testing.T) {
	t.Parallel()

	mock, hist := newMockHistory(t)
	id := uuid.New()
	started := time.Unix(1700000000, 0).UTC()
	finished := started.Add(time.Second)
	note := "ok"
	mock.ExpectQuery("SELECT worker_id, kind, key").
		WithArgs("recovery", 10, 0).
		WillReturnRows(pgxmock.NewRows([]string{
			"worker_id", "kind", "key", "status", "started_at", "finished_at", "records", "error_message",
		}).AddRow(id, "recovery", "topic-b", store.RunSuccess, started, &finished, int64(42), &note))

	runs, err := hist.ListRuns(context.Background(), "recovery", 10, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, id, runs[0].WorkerID)
	require.Equal(t, store.RunSuccess, runs[0].Status)
	require.Equal(t, int64(42), runs[0].Records)
	require.Equal(t, finished, *runs[0].FinishedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}
