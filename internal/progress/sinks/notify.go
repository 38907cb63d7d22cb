package sinks

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/data-collector/internal/collector"
	"github.com/JakeFAU/data-collector/internal/progress"
)

// JobNotice is the message published when a job reaches a terminal stage.
type JobNotice struct {
	WorkerID   string    `json:"worker_id"`
	Kind       string    `json:"kind"`
	Key        string    `json:"key"`
	Stage      string    `json:"stage"`
	FinishedAt time.Time `json:"finished_at"`
	DurationMS int64     `json:"duration_ms"`
	Note       string    `json:"note,omitempty"`
}

// NotifySink publishes terminal job events to a topic. Publish failures are
// logged and do not fail the batch.
type NotifySink struct {
	publisher collector.Publisher
	topic     string
	logger    *zap.Logger
}

// NewNotifySink wires publisher to topic.
func NewNotifySink(publisher collector.Publisher, topic string, logger *zap.Logger) *NotifySink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NotifySink{publisher: publisher, topic: topic, logger: logger}
}

// Consume publishes one notice per terminal event.
func (s *NotifySink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.publisher == nil || s.topic == "" {
		return nil
	}
	for _, evt := range batch {
		if !evt.Stage.Terminal() {
			continue
		}
		notice := JobNotice{
			WorkerID:   evt.JobUUID().String(),
			Kind:       evt.Kind,
			Key:        evt.Key,
			Stage:      string(evt.Stage),
			FinishedAt: evt.TS.UTC(),
			DurationMS: evt.Dur.Milliseconds(),
			Note:       evt.Note,
		}
		if _, err := s.publisher.Publish(ctx, s.topic, notice); err != nil {
			s.logger.Warn("job notice publish failed",
				zap.String("worker_id", notice.WorkerID),
				zap.String("topic", s.topic),
				zap.Error(err),
			)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *NotifySink) Close(context.Context) error {
	return nil
}
