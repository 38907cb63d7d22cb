package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/data-collector/internal/collector"
	"github.com/JakeFAU/data-collector/internal/id/ulid"
)

func TestContentStorePublishAndReceive(t *testing.T) {
	t.Parallel()

	store := NewContentStore(ulid.New())
	ctx := context.Background()
	producer, err := store.Producer(ctx, "topic-a")
	require.NoError(t, err)
	consumer, err := store.Consumer(ctx, "topic-a")
	require.NoError(t, err)

	id1, err := producer.Publish(ctx, "0001", []byte("one"))
	require.NoError(t, err)
	id2, err := producer.Publish(ctx, "0002", []byte("two"))
	require.NoError(t, err)
	require.Equal(t, 1, id2.Compare(id1))

	rec, err := consumer.Receive(ctx, time.Second)
	require.NoError(t, err)
	require.Equal(t, collector.Record{Position: "0001", ArrivalID: id1, Payload: []byte("one")}, *rec)
	rec, err = consumer.Receive(ctx, time.Second)
	require.NoError(t, err)
	require.Equal(t, "0002", rec.Position)

	rec, err = consumer.Receive(ctx, 10*time.Millisecond)
	require.NoError(t, err)
	require.Nil(t, rec)
}

func TestContentStoreStreamsAreIndependent(t *testing.T) {
	t.Parallel()

	store := NewContentStore(ulid.New())
	ctx := context.Background()
	producer, err := store.Producer(ctx, "topic-a")
	require.NoError(t, err)
	_, err = producer.Publish(ctx, "0001", []byte("one"))
	require.NoError(t, err)

	other, err := store.Consumer(ctx, "topic-b")
	require.NoError(t, err)
	rec, err := other.Receive(ctx, 10*time.Millisecond)
	require.NoError(t, err)
	require.Nil(t, rec)
	require.Len(t, store.Records("topic-a"), 1)
	require.Empty(t, store.Records("topic-b"))
}

func TestContentStoreReceiveWakesOnPublish(t *testing.T) {
	t.Parallel()

	store := NewContentStore(ulid.New())
	ctx := context.Background()
	consumer, err := store.Consumer(ctx, "topic-a")
	require.NoError(t, err)
	producer, err := store.Producer(ctx, "topic-a")
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _ = producer.Publish(ctx, "late", []byte("x"))
	}()
	rec, err := consumer.Receive(ctx, 5*time.Second)
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.Equal(t, "late", rec.Position)
}

func TestContentStoreReceiveHonorsContext(t *testing.T) {
	t.Parallel()

	store := NewContentStore(ulid.New())
	consumer, err := store.Consumer(context.Background(), "topic-a")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = consumer.Receive(ctx, time.Second)
	require.ErrorIs(t, err, context.Canceled)
}

func TestContentStoreAppendKeepsArrivalID(t *testing.T) {
	t.Parallel()

	store := NewContentStore(ulid.New())
	gen := ulid.New()
	id, err := gen.NewArrivalID()
	require.NoError(t, err)

	payload := []byte("DATA")
	require.NoError(t, store.Append("topic-a", collector.Record{Position: "0001", ArrivalID: id, Payload: payload}))
	payload[0] = 'X'

	records := store.Records("topic-a")
	require.Len(t, records, 1)
	require.Equal(t, id, records[0].ArrivalID)
	require.Equal(t, []byte("DATA"), records[0].Payload)
}

func TestContentStoreClose(t *testing.T) {
	t.Parallel()

	store := NewContentStore(ulid.New())
	ctx := context.Background()
	consumer, err := store.Consumer(ctx, "topic-a")
	require.NoError(t, err)
	producer, err := store.Producer(ctx, "topic-a")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := consumer.Receive(ctx, 5*time.Second)
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, store.Close())
	require.NoError(t, store.Close())

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrStoreClosed)
	case <-time.After(time.Second):
		t.Fatal("blocked receive was not woken by Close")
	}
	_, err = producer.Publish(ctx, "0001", nil)
	require.ErrorIs(t, err, ErrStoreClosed)
}
