package crawl

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/JakeFAU/data-collector/internal/collector"
	"github.com/JakeFAU/data-collector/internal/workmanager"
)

// ErrInvalidSpecification marks a submission rejected before it was queued.
var ErrInvalidSpecification = errors.New("invalid specification")

// Service submits crawl specifications as registry jobs keyed by specification id.
type Service struct {
	worker    *Worker
	registry  *workmanager.Registry
	blocklist *Blocklist
}

// ServiceOption customizes a Service.
type ServiceOption func(*Service)

// WithBlockedDomains rejects specifications naming a matching host.
func WithBlockedDomains(patterns ...string) ServiceOption {
	return func(s *Service) { s.blocklist = NewBlocklist(patterns) }
}

// NewService wires worker to registry.
func NewService(worker *Worker, registry *workmanager.Registry, opts ...ServiceOption) (*Service, error) {
	if worker == nil || registry == nil {
		return nil, errors.New("worker and registry are required")
	}
	s := &Service{worker: worker, registry: registry}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Submit starts spec unless a job with the same specification id is running.
func (s *Service) Submit(ctx context.Context, spec collector.Specification) (*workmanager.Job, error) {
	if err := Validate(spec); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSpecification, err)
	}
	urls, err := s.prepareURLs(spec.URLs)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSpecification, err)
	}
	spec.URLs = urls
	if err := s.registry.Lock(ctx, spec.ID); err != nil {
		return nil, err
	}
	defer s.registry.Unlock(spec.ID)

	if s.registry.IsRunning(spec.ID) {
		return nil, fmt.Errorf("%w: %s", workmanager.ErrConflict, spec.ID)
	}
	return s.registry.Submit(workmanager.Descriptor{
		SpecificationID: spec.ID,
		Kind:            collector.JobKindCrawl,
		Task: workmanager.TaskFunc(func(ctx context.Context, job *workmanager.Job) error {
			_, err := s.worker.Run(ctx, spec, job)
			return err
		}),
	})
}

// prepareURLs returns normalized copies of urls, rejecting blocked hosts.
func (s *Service) prepareURLs(urls []string) ([]string, error) {
	out := make([]string, len(urls))
	for i, raw := range urls {
		normalized, err := NormalizeURL(raw)
		if err != nil {
			return nil, fmt.Errorf("url %d: %w", i, err)
		}
		if u, err := url.Parse(normalized); err == nil && s.blocklist.Blocked(u.Host) {
			return nil, fmt.Errorf("url %d: host %q is blocked", i, u.Host)
		}
		out[i] = normalized
	}
	return out, nil
}

// IsRunning reports whether a crawl for specID is running.
func (s *Service) IsRunning(specID string) bool {
	job, ok := s.registry.Running(specID)
	return ok && job.Kind() == collector.JobKindCrawl
}
