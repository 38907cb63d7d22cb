package redis

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/data-collector/internal/id/ulid"
)

func newTestStore(t *testing.T) (*miniredis.Miniredis, *ContentStore) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store, err := NewWithClient(client, ulid.New(), Config{BatchSize: 2})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return mr, store
}

func TestContentStoreRoundTrip(t *testing.T) {
	t.Parallel()

	_, store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Ping(ctx))

	producer, err := store.Producer(ctx, "topic-a")
	require.NoError(t, err)
	var ids []string
	for _, pos := range []string{"0001", "0002", "0003"} {
		id, err := producer.Publish(ctx, pos, []byte("DATA-"+pos))
		require.NoError(t, err)
		ids = append(ids, id.String())
	}

	consumer, err := store.Consumer(ctx, "topic-a")
	require.NoError(t, err)
	defer consumer.Close()

	for i, pos := range []string{"0001", "0002", "0003"} {
		rec, err := consumer.Receive(ctx, 50*time.Millisecond)
		require.NoError(t, err)
		require.NotNil(t, rec)
		require.Equal(t, pos, rec.Position)
		require.Equal(t, ids[i], rec.ArrivalID.String())
		require.Equal(t, []byte("DATA-"+pos), rec.Payload)
	}

	rec, err := consumer.Receive(ctx, 0)
	require.NoError(t, err)
	require.Nil(t, rec)
}

func TestContentStoreUsesKeyPrefix(t *testing.T) {
	t.Parallel()

	mr, store := newTestStore(t)
	ctx := context.Background()
	producer, err := store.Producer(ctx, "topic-a")
	require.NoError(t, err)
	_, err = producer.Publish(ctx, "0001", []byte("x"))
	require.NoError(t, err)

	require.True(t, mr.Exists(defaultKeyPrefix+"topic-a"))
}

func TestConsumerRejectsForeignEntries(t *testing.T) {
	t.Parallel()

	mr, store := newTestStore(t)
	_, err := mr.XAdd(defaultKeyPrefix+"topic-a", "*", []string{"unexpected", "value"})
	require.NoError(t, err)

	consumer, err := store.Consumer(context.Background(), "topic-a")
	require.NoError(t, err)
	_, err = consumer.Receive(context.Background(), 0)
	require.ErrorContains(t, err, "missing position")
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, ulid.New())
	require.Error(t, err)
	_, err = NewWithClient(nil, ulid.New(), Config{})
	require.Error(t, err)
}
