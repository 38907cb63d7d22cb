package sinks

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/data-collector/internal/progress"
	"github.com/JakeFAU/data-collector/internal/store"
)

// HistorySink persists job runs through a store.HistoryRepository. Record
// deltas are summed per job within a batch before they are written.
type HistorySink struct {
	repo   store.HistoryRepository
	logger *zap.Logger
}

// NewHistorySink constructs a HistorySink for the provided repository.
func NewHistorySink(repo store.HistoryRepository, logger *zap.Logger) *HistorySink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HistorySink{repo: repo, logger: logger}
}

// Consume forwards lifecycle events in order and flushes record deltas
// before any terminal event of the same job.
func (s *HistorySink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	deltas := make(map[uuid.UUID]int64)
	var order []uuid.UUID

	flush := func(id uuid.UUID) error {
		delta, ok := deltas[id]
		if !ok {
			return nil
		}
		delete(deltas, id)
		if err := s.repo.AddRecords(ctx, id, delta); err != nil {
			return fmt.Errorf("add job records: %w", err)
		}
		return nil
	}

	for _, evt := range batch {
		id := evt.JobUUID()
		switch evt.Stage {
		case progress.StageJobStart:
			run := store.JobRun{WorkerID: id, Kind: evt.Kind, Key: evt.Key, StartedAt: evt.TS}
			if err := s.repo.StartRun(ctx, run); err != nil {
				return fmt.Errorf("start job run: %w", err)
			}
		case progress.StageJobRecords:
			if _, ok := deltas[id]; !ok {
				order = append(order, id)
			}
			deltas[id] += evt.Records
		case progress.StageJobDone, progress.StageJobError, progress.StageJobCanceled:
			if err := flush(id); err != nil {
				return err
			}
			var note *string
			if evt.Note != "" {
				msg := evt.Note
				note = &msg
			}
			if err := s.repo.FinishRun(ctx, id, evt.TS, runStatus(evt.Stage), note); err != nil {
				return fmt.Errorf("finish job run: %w", err)
			}
		}
	}
	for _, id := range order {
		if err := flush(id); err != nil {
			return err
		}
	}
	return nil
}

func runStatus(stage progress.Stage) store.RunStatus {
	switch stage {
	case progress.StageJobDone:
		return store.RunSuccess
	case progress.StageJobCanceled:
		return store.RunCanceled
	default:
		return store.RunError
	}
}

// Close implements the Sink interface; it performs no action.
func (s *HistorySink) Close(context.Context) error {
	return nil
}
