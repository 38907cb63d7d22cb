// Package integrity builds sequence indexes by reading content streams end
// to end.
package integrity

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
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
	snapshotContentType    = "application/octet-stream"
)

// Config controls scans.
//   - Root: directory holding one index per stream.
//   - Index: options for every opened index; Logger and OnCommit are filled in.
//   - ConsumerTimeout: receive wait that marks the end of published data (default 1s).
//   - ProgressEvery: records per progress report (default 1000).
//   - Archive, ArchivePrefix: when Archive is set, a snapshot of each finished
//     index is uploaded to <prefix>/<stream>/<ulid>.db.
type Config struct {
	Root            string
	Index           sequence.Options
	ConsumerTimeout time.Duration
	ProgressEvery   int
	Archive         collector.BlobStore
	ArchivePrefix   string
}

// Result summarizes one scan.
type Result struct {
	Stream     string         `json:"stream"`
	Entries    int64          `json:"entries"`
	Span       *sequence.Span `json:"span,omitempty"`
	ArchiveURI string         `json:"archive_uri,omitempty"`
}

// Scanner runs integrity scans as registry jobs keyed by stream name.
type Scanner struct {
	store    collector.ContentStore
	registry *workmanager.Registry
	ids      collector.ArrivalIDGenerator
	cfg      Config
	logger   *zap.Logger
}

// New builds a Scanner. ids names archived snapshots.
func New(
	store collector.ContentStore,
	registry *workmanager.Registry,
	ids collector.ArrivalIDGenerator,
	cfg Config,
	logger *zap.Logger,
) (*Scanner, error) {
	if store == nil {
		return nil, errors.New("content store is required")
	}
	if registry == nil {
		return nil, errors.New("registry is required")
	}
	if cfg.Root == "" {
		return nil, errors.New("index root is required")
	}
	if cfg.Archive != nil && ids == nil {
		return nil, errors.New("id generator is required when archiving")
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
	return &Scanner{store: store, registry: registry, ids: ids, cfg: cfg, logger: logger}, nil
}

// Root returns the directory holding the indexes.
func (s *Scanner) Root() string {
	return s.cfg.Root
}

// Run submits a scan of stream. It fails with workmanager.ErrConflict when a
// job for the stream is already running.
func (s *Scanner) Run(ctx context.Context, stream string) (*workmanager.Job, error) {
	if stream == "" {
		return nil, errors.New("stream is required")
	}
	if err := s.registry.Lock(ctx, stream); err != nil {
		return nil, err
	}
	defer s.registry.Unlock(stream)
	if s.registry.IsRunning(stream) {
		return nil, fmt.Errorf("%w: %s", workmanager.ErrConflict, stream)
	}
	return s.registry.Submit(workmanager.Descriptor{
		SpecificationID: stream,
		Kind:            collector.JobKindIntegrity,
		Task: workmanager.TaskFunc(func(ctx context.Context, job *workmanager.Job) error {
			_, err := s.Scan(ctx, stream, job)
			return err
		}),
	})
}

// IsRunning reports whether a job for stream is running.
func (s *Scanner) IsRunning(stream string) bool {
	return s.registry.IsRunning(stream)
}

// Span reports the committed span of the index for stream.
func (s *Scanner) Span(stream string) (sequence.Span, error) {
	opts := s.cfg.Index
	opts.ReadOnly = true
	opts.Logger = s.logger
	ix, err := sequence.Open(s.cfg.Root, stream, opts)
	if err != nil {
		return sequence.Span{}, err
	}
	defer ix.Close()
	return ix.Span()
}

// Scan rebuilds the index for stream from every record currently published
// to it; entries from an earlier scan are dropped. job may be nil when the
// scan runs outside the registry.
func (s *Scanner) Scan(ctx context.Context, stream string, job *workmanager.Job) (res Result, err error) {
	ctx, span := telemetry.Tracer().Start(ctx, "integrity.scan",
		trace.WithAttributes(attribute.String("stream", stream)))
	start := time.Now()
	logger := s.logger.With(zap.String("stream", stream))
	res.Stream = stream
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
		span.SetAttributes(attribute.Int64("entries", res.Entries))
		span.End()
		metrics.ObserveIntegrityScan(result, res.Entries, time.Since(start))
	}()

	opts := s.cfg.Index
	opts.ReadOnly, opts.MustExist, opts.Truncate = false, false, true
	opts.Logger = logger
	opts.OnCommit = func(_ int, took time.Duration) { metrics.ObserveIndexCommit(took) }
	ix, err := sequence.Open(s.cfg.Root, stream, opts)
	if err != nil {
		return res, err
	}
	defer func() {
		if cerr := ix.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}()

	consumer, err := s.store.Consumer(ctx, stream)
	if err != nil {
		return res, fmt.Errorf("open consumer on %q: %w", stream, err)
	}
	defer consumer.Close()

	logger.Info("integrity scan started", zap.String("index", ix.Path()))
	var unreported int64
	report := func() {
		if job != nil {
			job.AddRecords(unreported)
		}
		unreported = 0
	}
	defer report()

	for {
		if cerr := ctx.Err(); cerr != nil {
			return res, fmt.Errorf("integrity scan of %q canceled: %w", stream, cerr)
		}
		rec, rerr := consumer.Receive(ctx, s.cfg.ConsumerTimeout)
		if rerr != nil {
			return res, fmt.Errorf("receive from %q: %w", stream, rerr)
		}
		if rec == nil {
			break
		}
		if werr := ix.WriteEntry(ctx, sequence.Entry{ArrivalID: rec.ArrivalID, Position: rec.Position}); werr != nil {
			return res, fmt.Errorf("index position %q of %q: %w", rec.Position, stream, werr)
		}
		res.Entries++
		unreported++
		if unreported >= int64(s.cfg.ProgressEvery) {
			report()
		}
	}

	if err := ix.Commit(); err != nil {
		return res, err
	}
	switch sp, serr := ix.Span(); {
	case serr == nil:
		res.Span = &sp
	case !errors.Is(serr, sequence.ErrIndexEmpty):
		return res, serr
	}
	if s.cfg.Archive != nil {
		res.ArchiveURI = s.archive(ctx, ix, logger)
	}
	logger.Info("integrity scan finished",
		zap.Int64("entries", res.Entries),
		zap.Duration("dur", time.Since(start)),
	)
	return res, nil
}

// archive uploads a snapshot of ix. Failures are logged and leave the scan
// successful.
func (s *Scanner) archive(ctx context.Context, ix *sequence.Index, logger *zap.Logger) string {
	id, err := s.ids.NewArrivalID()
	if err != nil {
		logger.Warn("index archive skipped", zap.Error(err))
		metrics.ObserveArchiveUpload("error")
		return ""
	}
	objectPath := path.Join(s.cfg.ArchivePrefix, url.PathEscape(ix.Stream()), id.String()+".db")

	pr, pw := io.Pipe()
	go func() {
		_, werr := ix.WriteSnapshot(pw)
		pw.CloseWithError(werr)
	}()
	uri, err := s.cfg.Archive.PutObject(ctx, objectPath, snapshotContentType, pr)
	_ = pr.CloseWithError(io.ErrClosedPipe)
	if err != nil {
		logger.Warn("index archive failed", zap.String("path", objectPath), zap.Error(err))
		metrics.ObserveArchiveUpload("error")
		return ""
	}
	metrics.ObserveArchiveUpload("success")
	logger.Info("index archived", zap.String("uri", uri))
	return uri
}
