package recovery

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/JakeFAU/data-collector/internal/collector"
	"github.com/JakeFAU/data-collector/internal/sequence"
	"github.com/JakeFAU/data-collector/internal/workmanager"
)

// Service submits recovery runs as registry jobs keyed by the target stream.
type Service struct {
	engine   *Engine
	registry *workmanager.Registry
}

// NewService wires engine to registry.
func NewService(engine *Engine, registry *workmanager.Registry) (*Service, error) {
	if engine == nil || registry == nil {
		return nil, errors.New("engine and registry are required")
	}
	return &Service{engine: engine, registry: registry}, nil
}

// Submit starts a recovery of source into target. It fails synchronously
// with ErrRecoveryPrecondition when the source has no index, and with
// workmanager.ErrConflict when either stream has a running job.
func (s *Service) Submit(ctx context.Context, source, target string) (*workmanager.Job, error) {
	if source == "" || target == "" {
		return nil, errors.New("source and target streams are required")
	}
	if source == target {
		return nil, fmt.Errorf("source and target must differ: %q", source)
	}
	if !sequence.Exists(s.engine.cfg.IndexRoot, source) {
		return nil, fmt.Errorf("%w: %w: stream %q", ErrRecoveryPrecondition, sequence.ErrIndexNotFound, source)
	}

	keys := []string{source, target}
	sort.Strings(keys)
	for i, key := range keys {
		if err := s.registry.Lock(ctx, key); err != nil {
			for _, held := range keys[:i] {
				s.registry.Unlock(held)
			}
			return nil, err
		}
	}
	defer func() {
		for i := len(keys) - 1; i >= 0; i-- {
			s.registry.Unlock(keys[i])
		}
	}()

	for _, key := range keys {
		if s.registry.IsRunning(key) {
			return nil, fmt.Errorf("%w: %s", workmanager.ErrConflict, key)
		}
	}
	return s.registry.Submit(workmanager.Descriptor{
		SpecificationID: target,
		Kind:            collector.JobKindRecovery,
		Task: workmanager.TaskFunc(func(ctx context.Context, job *workmanager.Job) error {
			_, err := s.engine.Recover(ctx, source, target, job)
			return err
		}),
	})
}

// IsRunning reports whether a recovery into target is running.
func (s *Service) IsRunning(target string) bool {
	job, ok := s.registry.Running(target)
	return ok && job.Kind() == collector.JobKindRecovery
}
