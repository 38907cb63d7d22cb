package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/JakeFAU/data-collector/internal/collector"
)

// ErrStoreClosed is returned by producers and consumers of a closed ContentStore.
var ErrStoreClosed = errors.New("content store closed")

// ContentStore keeps every stream as an append-only slice. Consumers each
// hold their own offset and wake up when a producer appends.
type ContentStore struct {
	ids collector.ArrivalIDGenerator

	mu      sync.Mutex
	streams map[string]*stream
	closed  bool
}

type stream struct {
	records  []collector.Record
	appended chan struct{}
}

// NewContentStore creates an empty store stamping records with ids.
func NewContentStore(ids collector.ArrivalIDGenerator) *ContentStore {
	return &ContentStore{ids: ids, streams: make(map[string]*stream)}
}

func (s *ContentStore) streamLocked(name string) *stream {
	st, ok := s.streams[name]
	if !ok {
		st = &stream{appended: make(chan struct{})}
		s.streams[name] = st
	}
	return st
}

// Append adds rec verbatim, keeping its arrival id. It lets callers replay
// records captured elsewhere.
func (s *ContentStore) Append(name string, rec collector.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	rec.Payload = append([]byte(nil), rec.Payload...)
	st := s.streamLocked(name)
	st.records = append(st.records, rec)
	close(st.appended)
	st.appended = make(chan struct{})
	return nil
}

// Records returns a copy of everything published to stream.
func (s *ContentStore) Records(name string) []collector.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[name]
	if !ok {
		return nil
	}
	return append([]collector.Record(nil), st.records...)
}

// Producer returns a producer for stream.
func (s *ContentStore) Producer(_ context.Context, name string) (collector.Producer, error) {
	return &producer{store: s, stream: name}, nil
}

// Consumer returns a consumer reading stream from the beginning.
func (s *ContentStore) Consumer(_ context.Context, name string) (collector.Consumer, error) {
	return &consumer{store: s, stream: name}, nil
}

// Close wakes blocked consumers and rejects further use.
func (s *ContentStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for _, st := range s.streams {
		close(st.appended)
	}
	return nil
}

type producer struct {
	store  *ContentStore
	stream string
}

func (p *producer) Publish(_ context.Context, position string, payload []byte) (ulid.ULID, error) {
	s := p.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ulid.ULID{}, ErrStoreClosed
	}
	// The id is drawn under the store lock so stream order matches arrival order.
	id, err := s.ids.NewArrivalID()
	if err != nil {
		return ulid.ULID{}, fmt.Errorf("stamp arrival id: %w", err)
	}
	st := s.streamLocked(p.stream)
	st.records = append(st.records, collector.Record{
		Position:  position,
		ArrivalID: id,
		Payload:   append([]byte(nil), payload...),
	})
	close(st.appended)
	st.appended = make(chan struct{})
	return id, nil
}

func (p *producer) Close() error {
	return nil
}

type consumer struct {
	store  *ContentStore
	stream string
	offset int
}

func (c *consumer) Receive(ctx context.Context, timeout time.Duration) (*collector.Record, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		rec, wait, err := c.next()
		if err != nil || rec != nil {
			return rec, err
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("receive canceled: %w", ctx.Err())
		case <-timer.C:
			return nil, nil
		case <-wait:
		}
	}
}

func (c *consumer) next() (*collector.Record, <-chan struct{}, error) {
	s := c.store
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.streamLocked(c.stream)
	if c.offset < len(st.records) {
		rec := st.records[c.offset]
		c.offset++
		return &rec, nil, nil
	}
	if s.closed {
		return nil, nil, ErrStoreClosed
	}
	return nil, st.appended, nil
}

func (c *consumer) Close() error {
	return nil
}
