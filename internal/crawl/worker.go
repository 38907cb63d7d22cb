package crawl

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/JakeFAU/data-collector/internal/collector"
	"github.com/JakeFAU/data-collector/internal/metrics"
)

// ErrNoPages is returned when a crawl finished without publishing a page.
var ErrNoPages = errors.New("no pages were fetched")

// Limiter throttles fetches per site.
type Limiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// RecordSink receives the count of published pages.
type RecordSink interface {
	AddRecords(n int64)
}

// Counters tallies one crawl run.
type Counters struct {
	PagesSucceeded int `json:"pages_succeeded"`
	PagesFailed    int `json:"pages_failed"`
}

// Worker fetches specification URLs and publishes bodies to content streams.
type Worker struct {
	fetcher collector.Fetcher
	store   collector.ContentStore
	limiter Limiter
	logger  *zap.Logger
}

// NewWorker constructs a Worker. limiter may be nil.
func NewWorker(fetcher collector.Fetcher, store collector.ContentStore, limiter Limiter, logger *zap.Logger) (*Worker, error) {
	if fetcher == nil || store == nil {
		return nil, errors.New("fetcher and content store are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		fetcher: fetcher,
		store:   store,
		limiter: limiter,
		logger:  logger.Named("crawl"),
	}, nil
}

// Run crawls spec. Individual page failures are logged and counted; the run
// fails only when nothing was published, the producer fails, or ctx ends.
func (w *Worker) Run(ctx context.Context, spec collector.Specification, sink RecordSink) (Counters, error) {
	var counters Counters
	if err := Validate(spec); err != nil {
		return counters, err
	}
	logger := w.logger.With(zap.String("spec_id", spec.ID), zap.String("stream", spec.TargetStream))

	producer, err := w.store.Producer(ctx, spec.TargetStream)
	if err != nil {
		return counters, fmt.Errorf("open producer %q: %w", spec.TargetStream, err)
	}
	defer func() {
		if cerr := producer.Close(); cerr != nil {
			logger.Warn("close producer", zap.Error(cerr))
		}
	}()

	for i, url := range spec.URLs {
		if err := ctx.Err(); err != nil {
			return counters, fmt.Errorf("crawl interrupted: %w", err)
		}
		err := w.handleURL(ctx, producer, spec, strconv.Itoa(i), url, logger)
		switch {
		case err == nil:
			counters.PagesSucceeded++
			if sink != nil {
				sink.AddRecords(1)
			}
		case errors.Is(err, errPublish):
			return counters, err
		case ctx.Err() != nil:
			return counters, fmt.Errorf("crawl interrupted: %w", ctx.Err())
		default:
			counters.PagesFailed++
			logger.Warn("page failed", zap.String("url", url), zap.Error(err))
		}
	}

	logger.Info("crawl finished",
		zap.Int("pages_succeeded", counters.PagesSucceeded),
		zap.Int("pages_failed", counters.PagesFailed),
	)
	if counters.PagesSucceeded == 0 {
		return counters, ErrNoPages
	}
	return counters, nil
}

var errPublish = errors.New("publish page")

func (w *Worker) handleURL(
	ctx context.Context,
	producer collector.Producer,
	spec collector.Specification,
	position string,
	url string,
	logger *zap.Logger,
) error {
	if w.limiter != nil {
		if err := w.limiter.Wait(ctx, url); err != nil {
			return err
		}
	}

	resp, err := w.fetcher.Fetch(ctx, collector.FetchRequest{
		SpecificationID: spec.ID,
		URL:             url,
		RespectRobots:   spec.RespectRobots,
	})
	if err != nil {
		metrics.ObserveCrawl(url, "error", 0)
		return fmt.Errorf("fetch %s: %w", url, err)
	}
	metrics.ObserveCrawl(url, strconv.Itoa(resp.StatusCode), len(resp.Body))
	if resp.RobotsStatus == collector.RobotsStatusIndeterminate {
		logger.Warn("robots.txt indeterminate, fetched anyway",
			zap.String("url", url),
			zap.String("reason", resp.RobotsReason),
		)
	}

	arrival, err := producer.Publish(ctx, position, resp.Body)
	if err != nil {
		return fmt.Errorf("%w %s at %s: %w", errPublish, url, position, err)
	}
	logger.Debug("page published",
		zap.String("url", url),
		zap.String("position", position),
		zap.String("arrival_id", arrival.String()),
		zap.Int("bytes", len(resp.Body)),
		zap.Duration("took", resp.Duration),
	)
	return nil
}

// Validate checks the fields a crawl needs.
func Validate(spec collector.Specification) error {
	switch {
	case spec.ID == "":
		return errors.New("specification id is required")
	case spec.TargetStream == "":
		return errors.New("target_stream is required")
	case len(spec.URLs) == 0:
		return errors.New("at least one url is required")
	}
	for i, u := range spec.URLs {
		if u == "" {
			return fmt.Errorf("url %d is empty", i)
		}
	}
	return nil
}
