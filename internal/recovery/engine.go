package recovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/data-collector/internal/collector"
	"github.com/JakeFAU/data-collector/internal/metrics"
	"github.com/JakeFAU/data-collector/internal/sequence"
	"github.com/JakeFAU/data-collector/internal/telemetry"
	"github.com/JakeFAU/data-collector/internal/workmanager"
)

const (
	defaultConsumerTimeout = time.Second
	defaultProgressEvery   = 1000
)

// Config controls recovery runs.
//   - IndexRoot: directory holding the sequence indexes built by integrity scans.
//   - Index: options used to open the source index read-only.
//   - ConsumerTimeout: receive wait that marks the end of published data (default 1s).
//   - ProgressEvery: published records per progress report (default 1000).
//   - ResumeFromTarget: read the target first and skip positions it already holds.
type Config struct {
	IndexRoot        string
	Index            sequence.Options
	ConsumerTimeout  time.Duration
	ProgressEvery    int
	ResumeFromTarget bool
}

// Result summarizes one recovery run. Late counts records outside the
// indexed arrival window; they are also counted by the outcome they had.
// Displaced counts versions older than the published one that showed up
// only after their position was released.
type Result struct {
	Source     string `json:"source"`
	Target     string `json:"target"`
	Positions  int    `json:"positions"`
	Published  int64  `json:"published"`
	Skipped    int64  `json:"skipped"`
	Superseded int64  `json:"superseded"`
	Late       int64  `json:"late"`
	Unindexed  int64  `json:"unindexed"`
	Missing    int64  `json:"missing"`
	Displaced  int64  `json:"displaced"`
}

// Engine replays canonical records from a source store into a target store.
type Engine struct {
	source collector.ContentStore
	target collector.ContentStore
	cfg    Config
	logger *zap.Logger
}

// NewEngine builds an Engine. source and target may be the same store.
func NewEngine(source, target collector.ContentStore, cfg Config, logger *zap.Logger) (*Engine, error) {
	if source == nil || target == nil {
		return nil, errors.New("source and target content stores are required")
	}
	if cfg.IndexRoot == "" {
		return nil, errors.New("index root is required")
	}
	if cfg.ConsumerTimeout <= 0 {
		cfg.ConsumerTimeout = defaultConsumerTimeout
	}
	if cfg.ProgressEvery <= 0 {
		cfg.ProgressEvery = defaultProgressEvery
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{source: source, target: target, cfg: cfg, logger: logger}, nil
}

// Recover replays sourceStream into targetStream. job may be nil when the
// run happens outside the registry.
//
// The source is read twice: a first pass finds versions older than the
// indexed window, the second publishes. Indexed positions are published in
// index order, each with its least arrival id; positions the index never saw
// follow in ascending order once the stream is drained, so the target is
// only sorted within each group.
func (e *Engine) Recover(
	ctx context.Context,
	sourceStream, targetStream string,
	job *workmanager.Job,
) (res Result, err error) {
	ctx, span := telemetry.Tracer().Start(ctx, "recovery.run", trace.WithAttributes(
		attribute.String("source", sourceStream),
		attribute.String("target", targetStream),
	))
	start := time.Now()
	logger := e.logger.With(zap.String("source", sourceStream), zap.String("target", targetStream))
	res.Source, res.Target = sourceStream, targetStream
	defer func() {
		result := "success"
		switch {
		case err == nil:
		case errors.Is(err, context.Canceled):
			result = "canceled"
		default:
			result = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(attribute.Int64("published", res.Published))
		span.End()
		metrics.ObserveRecovery(result, res.Published, res.Superseded, res.Late, res.Missing)
	}()

	p, err := loadPlan(e.cfg.IndexRoot, sourceStream, e.cfg.Index, logger)
	if err != nil {
		return res, err
	}
	res.Positions = len(p.positions)
	logger.Info("recovery started",
		zap.Int("positions", len(p.positions)),
		zap.Int("entries", p.entries),
		zap.String("earliest", p.earliest.String()),
		zap.String("latest", p.latest.String()),
	)

	if err := e.findEarly(ctx, sourceStream, p); err != nil {
		return res, err
	}

	var existing map[string]struct{}
	if e.cfg.ResumeFromTarget {
		if existing, err = e.targetPositions(ctx, targetStream); err != nil {
			return res, err
		}
	}

	consumer, err := e.source.Consumer(ctx, sourceStream)
	if err != nil {
		return res, fmt.Errorf("open consumer on %q: %w", sourceStream, err)
	}
	defer consumer.Close()
	producer, err := e.target.Producer(ctx, targetStream)
	if err != nil {
		return res, fmt.Errorf("open producer on %q: %w", targetStream, err)
	}
	defer producer.Close()

	var unreported int64
	defer func() {
		if job != nil {
			job.AddRecords(unreported)
		}
	}()
	publish := func(position string, payload []byte) error {
		if _, ok := existing[position]; ok {
			res.Skipped++
			return nil
		}
		if _, err := producer.Publish(ctx, position, payload); err != nil {
			return fmt.Errorf("publish position %q to %q: %w", position, targetStream, err)
		}
		res.Published++
		unreported++
		if job != nil && unreported >= int64(e.cfg.ProgressEvery) {
			job.AddRecords(unreported)
			unreported = 0
		}
		return nil
	}

	rp := newReplay(p, &res, publish)
	for {
		if cerr := ctx.Err(); cerr != nil {
			return res, fmt.Errorf("recovery of %q canceled: %w", sourceStream, cerr)
		}
		rec, rerr := consumer.Receive(ctx, e.cfg.ConsumerTimeout)
		if rerr != nil {
			return res, fmt.Errorf("receive from %q: %w", sourceStream, rerr)
		}
		if rec == nil {
			break
		}
		if err := rp.observe(rec); err != nil {
			return res, err
		}
	}
	if err := rp.finish(); err != nil {
		return res, err
	}

	logger.Info("recovery finished",
		zap.Int64("published", res.Published),
		zap.Int64("skipped", res.Skipped),
		zap.Int64("superseded", res.Superseded),
		zap.Int64("late", res.Late),
		zap.Int64("unindexed", res.Unindexed),
		zap.Int64("missing", res.Missing),
		zap.Int64("displaced", res.Displaced),
		zap.Duration("dur", time.Since(start)),
	)
	return res, nil
}

// findEarly reads the source once and notes, per indexed position, the least
// version older than the indexed window.
func (e *Engine) findEarly(ctx context.Context, stream string, p *plan) error {
	consumer, err := e.source.Consumer(ctx, stream)
	if err != nil {
		return fmt.Errorf("open consumer on %q: %w", stream, err)
	}
	defer consumer.Close()
	for {
		if cerr := ctx.Err(); cerr != nil {
			return fmt.Errorf("recovery of %q canceled: %w", stream, cerr)
		}
		rec, err := consumer.Receive(ctx, e.cfg.ConsumerTimeout)
		if err != nil {
			return fmt.Errorf("receive from %q: %w", stream, err)
		}
		if rec == nil {
			return nil
		}
		p.noteEarly(rec)
	}
}

func (e *Engine) targetPositions(ctx context.Context, stream string) (map[string]struct{}, error) {
	consumer, err := e.target.Consumer(ctx, stream)
	if err != nil {
		return nil, fmt.Errorf("open consumer on %q: %w", stream, err)
	}
	defer consumer.Close()
	seen := make(map[string]struct{})
	for {
		rec, err := consumer.Receive(ctx, e.cfg.ConsumerTimeout)
		if err != nil {
			return nil, fmt.Errorf("read target %q: %w", stream, err)
		}
		if rec == nil {
			return seen, nil
		}
		seen[rec.Position] = struct{}{}
	}
}
