package postgres

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/data-collector/internal/collector"
)

const (
	defaultStreamTable  = "content_stream"
	defaultPollInterval = 100 * time.Millisecond
	defaultBatchSize    = 500
)

// ContentStreamConfig controls the table and polling behavior of a ContentStore.
type ContentStreamConfig struct {
	Table        string
	PollInterval time.Duration
	BatchSize    int
}

// ContentStore keeps every stream in one append-only table ordered by a
// BIGSERIAL sequence. Consumers poll for rows past the last sequence they read.
type ContentStore struct {
	pool   Pool
	table  string
	poll   time.Duration
	batch  int
	ids    collector.ArrivalIDGenerator
	logger *zap.Logger

	closeOnce sync.Once
}

// NewContentStore wraps pool. The table is created by EnsureSchema.
func NewContentStore(pool Pool, ids collector.ArrivalIDGenerator, cfg ContentStreamConfig, logger *zap.Logger) (*ContentStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if ids == nil {
		return nil, fmt.Errorf("arrival id generator is required")
	}
	table, err := checkTable(cfg.Table, defaultStreamTable)
	if err != nil {
		return nil, err
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ContentStore{
		pool:   pool,
		table:  table,
		poll:   cfg.PollInterval,
		batch:  cfg.BatchSize,
		ids:    ids,
		logger: logger,
	}, nil
}

// EnsureSchema creates the stream table and its lookup index if missing.
func (s *ContentStore) EnsureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	seq BIGSERIAL PRIMARY KEY,
	stream TEXT NOT NULL,
	position TEXT NOT NULL,
	arrival_id BYTEA NOT NULL,
	payload BYTEA NOT NULL,
	published_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS %[1]s_stream_seq_idx ON %[1]s (stream, seq)`, s.table)
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create content stream table: %w", err)
	}
	return nil
}

// Producer returns a producer appending to stream.
func (s *ContentStore) Producer(_ context.Context, stream string) (collector.Producer, error) {
	return &producer{store: s, stream: stream}, nil
}

// Consumer returns a consumer reading stream from its first row.
func (s *ContentStore) Consumer(_ context.Context, stream string) (collector.Consumer, error) {
	return &consumer{store: s, stream: stream}, nil
}

// Close releases the pool.
func (s *ContentStore) Close() error {
	s.closeOnce.Do(s.pool.Close)
	return nil
}

type producer struct {
	store  *ContentStore
	stream string
}

func (p *producer) Publish(ctx context.Context, position string, payload []byte) (ulid.ULID, error) {
	id, err := p.store.ids.NewArrivalID()
	if err != nil {
		return ulid.ULID{}, err
	}
	query := fmt.Sprintf(`INSERT INTO %s (stream, position, arrival_id, payload) VALUES ($1, $2, $3, $4)`, p.store.table)
	if _, err := p.store.pool.Exec(ctx, query, p.stream, position, id[:], payload); err != nil {
		return ulid.ULID{}, fmt.Errorf("insert content record: %w", err)
	}
	return id, nil
}

func (p *producer) Close() error {
	return nil
}

type consumer struct {
	store   *ContentStore
	stream  string
	lastSeq int64
	pending []collector.Record
}

func (c *consumer) Receive(ctx context.Context, timeout time.Duration) (*collector.Record, error) {
	deadline := time.Now().Add(timeout)
	for {
		if len(c.pending) > 0 {
			rec := c.pending[0]
			c.pending = c.pending[1:]
			return &rec, nil
		}
		if err := c.fetch(ctx); err != nil {
			return nil, err
		}
		if len(c.pending) > 0 {
			continue
		}
		wait := time.Until(deadline)
		if wait <= 0 {
			return nil, nil
		}
		if wait > c.store.poll {
			wait = c.store.poll
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("receive canceled: %w", ctx.Err())
		case <-time.After(wait):
		}
	}
}

func (c *consumer) fetch(ctx context.Context) error {
	query := fmt.Sprintf(
		`SELECT seq, position, arrival_id, payload FROM %s WHERE stream = $1 AND seq > $2 ORDER BY seq LIMIT $3`,
		c.store.table,
	)
	rows, err := c.store.pool.Query(ctx, query, c.stream, c.lastSeq, c.store.batch)
	if err != nil {
		return fmt.Errorf("query content records: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			seq     int64
			rec     collector.Record
			arrival []byte
		)
		if err := rows.Scan(&seq, &rec.Position, &arrival, &rec.Payload); err != nil {
			return fmt.Errorf("scan content record: %w", err)
		}
		if len(arrival) != len(rec.ArrivalID) {
			return fmt.Errorf("content record %d: arrival id is %d bytes", seq, len(arrival))
		}
		copy(rec.ArrivalID[:], arrival)
		c.pending = append(c.pending, rec)
		c.lastSeq = seq
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate content records: %w", err)
	}
	return nil
}

func (c *consumer) Close() error {
	c.pending = nil
	return nil
}
