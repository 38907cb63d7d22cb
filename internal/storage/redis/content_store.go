// Package redis provides a content-stream backend on Redis Streams.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"

	"github.com/JakeFAU/data-collector/internal/collector"
)

const (
	defaultKeyPrefix = "dc:stream:"
	defaultBatchSize = 500

	fieldPosition  = "position"
	fieldArrivalID = "arrival_id"
	fieldPayload   = "payload"
)

// Config selects the Redis server and stream layout.
type Config struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	BatchSize int64
}

// ContentStore maps each content stream onto one Redis stream key. Entries
// are appended with XADD and read back in entry-id order with XREAD.
type ContentStore struct {
	client    *redis.Client
	ids       collector.ArrivalIDGenerator
	keyPrefix string
	batch     int64
}

// New connects a client built from cfg.
func New(cfg Config, ids collector.ArrivalIDGenerator) (*ContentStore, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewWithClient(client, ids, cfg)
}

// NewWithClient wraps an existing client.
func NewWithClient(client *redis.Client, ids collector.ArrivalIDGenerator, cfg Config) (*ContentStore, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if ids == nil {
		return nil, fmt.Errorf("arrival id generator is required")
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = defaultKeyPrefix
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	return &ContentStore{client: client, ids: ids, keyPrefix: cfg.KeyPrefix, batch: cfg.BatchSize}, nil
}

// Ping checks connectivity.
func (s *ContentStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

func (s *ContentStore) key(stream string) string {
	return s.keyPrefix + stream
}

// Producer returns a producer appending to stream.
func (s *ContentStore) Producer(_ context.Context, stream string) (collector.Producer, error) {
	return &producer{store: s, key: s.key(stream)}, nil
}

// Consumer returns a consumer reading stream from its first entry.
func (s *ContentStore) Consumer(_ context.Context, stream string) (collector.Consumer, error) {
	return &consumer{store: s, key: s.key(stream), lastID: "0-0"}, nil
}

// Close closes the client.
func (s *ContentStore) Close() error {
	if err := s.client.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
		return fmt.Errorf("close redis client: %w", err)
	}
	return nil
}

type producer struct {
	store *ContentStore
	key   string
}

func (p *producer) Publish(ctx context.Context, position string, payload []byte) (ulid.ULID, error) {
	id, err := p.store.ids.NewArrivalID()
	if err != nil {
		return ulid.ULID{}, err
	}
	err = p.store.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.key,
		Values: []any{
			fieldPosition, position,
			fieldArrivalID, id.String(),
			fieldPayload, payload,
		},
	}).Err()
	if err != nil {
		return ulid.ULID{}, fmt.Errorf("xadd %s: %w", p.key, err)
	}
	return id, nil
}

func (p *producer) Close() error {
	return nil
}

type consumer struct {
	store   *ContentStore
	key     string
	lastID  string
	pending []redis.XMessage
}

func (c *consumer) Receive(ctx context.Context, timeout time.Duration) (*collector.Record, error) {
	if len(c.pending) == 0 {
		if err := c.read(ctx, timeout); err != nil {
			return nil, err
		}
		if len(c.pending) == 0 {
			return nil, nil
		}
	}
	msg := c.pending[0]
	c.pending = c.pending[1:]
	rec, err := decode(msg)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (c *consumer) read(ctx context.Context, timeout time.Duration) error {
	block := timeout
	if block < time.Millisecond {
		block = -1
	}
	streams, err := c.store.client.XRead(ctx, &redis.XReadArgs{
		Streams: []string{c.key, c.lastID},
		Count:   c.store.batch,
		Block:   block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("receive canceled: %w", ctx.Err())
		}
		return fmt.Errorf("xread %s: %w", c.key, err)
	}
	for _, st := range streams {
		c.pending = append(c.pending, st.Messages...)
	}
	if n := len(c.pending); n > 0 {
		c.lastID = c.pending[n-1].ID
	}
	return nil
}

func (c *consumer) Close() error {
	c.pending = nil
	return nil
}

func decode(msg redis.XMessage) (collector.Record, error) {
	var rec collector.Record
	position, ok := msg.Values[fieldPosition].(string)
	if !ok {
		return rec, fmt.Errorf("stream entry %s: missing %s", msg.ID, fieldPosition)
	}
	rawID, ok := msg.Values[fieldArrivalID].(string)
	if !ok {
		return rec, fmt.Errorf("stream entry %s: missing %s", msg.ID, fieldArrivalID)
	}
	id, err := ulid.ParseStrict(rawID)
	if err != nil {
		return rec, fmt.Errorf("stream entry %s: parse arrival id: %w", msg.ID, err)
	}
	payload, _ := msg.Values[fieldPayload].(string)
	rec.Position = position
	rec.ArrivalID = id
	rec.Payload = []byte(payload)
	return rec, nil
}
