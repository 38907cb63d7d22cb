package postgres

import (
	"context"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/oklog/ulid/v2"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"
)

type fixedIDs struct {
	next uint64
}

func (f *fixedIDs) NewArrivalID() (ulid.ULID, error) {
	f.next++
	return arrival(f.next), nil
}

func arrival(n uint64) ulid.ULID {
	var id ulid.ULID
	binary.BigEndian.PutUint64(id[8:], n)
	return id
}

func newMockStore(t *testing.T) (pgxmock.PgxPoolIface, *ContentStore) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	store, err := NewContentStore(mock, &fixedIDs{}, ContentStreamConfig{}, nil)
	require.NoError(t, err)
	return mock, store
}

func TestNewContentStoreValidates(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewContentStore(nil, &fixedIDs{}, ContentStreamConfig{}, nil)
	require.Error(t, err)
	_, err = NewContentStore(mock, nil, ContentStreamConfig{}, nil)
	require.Error(t, err)
	_, err = NewContentStore(mock, &fixedIDs{}, ContentStreamConfig{Table: "bad;table"}, nil)
	require.Error(t, err)
}

func TestEnsureSchemaCreatesTable(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS content_stream").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, store.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestProducerPublishInsertsRow(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	want := arrival(1)
	mock.ExpectExec("INSERT INTO content_stream").
		WithArgs("topic-a", "0001", want[:], []byte("DATA")).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	producer, err := store.Producer(context.Background(), "topic-a")
	require.NoError(t, err)
	id, err := producer.Publish(context.Background(), "0001", []byte("DATA"))
	require.NoError(t, err)
	require.Equal(t, want, id)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestProducerPublishSurfacesErrors(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	mock.ExpectExec("INSERT INTO content_stream").WillReturnError(errors.New("db down"))

	producer, err := store.Producer(context.Background(), "topic-a")
	require.NoError(t, err)
	_, err = producer.Publish(context.Background(), "0001", []byte("DATA"))
	require.ErrorContains(t, err, "db down")
}

func TestConsumerReceivesInSequenceOrder(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	a1, a2 := arrival(1), arrival(2)
	mock.ExpectQuery("SELECT seq, position, arrival_id, payload FROM content_stream").
		WithArgs("topic-a", int64(0), defaultBatchSize).
		WillReturnRows(pgxmock.NewRows([]string{"seq", "position", "arrival_id", "payload"}).
			AddRow(int64(7), "0001", a1[:], []byte("one")).
			AddRow(int64(9), "0002", a2[:], []byte("two")))
	mock.ExpectQuery("SELECT seq, position, arrival_id, payload FROM content_stream").
		WithArgs("topic-a", int64(9), defaultBatchSize).
		WillReturnRows(pgxmock.NewRows([]string{"seq", "position", "arrival_id", "payload"}))

	consumer, err := store.Consumer(context.Background(), "topic-a")
	require.NoError(t, err)
	defer consumer.Close()

	first, err := consumer.Receive(context.Background(), 0)
	require.NoError(t, err)
	require.Equal(t, "0001", first.Position)
	require.Equal(t, a1, first.ArrivalID)
	require.Equal(t, []byte("one"), first.Payload)

	second, err := consumer.Receive(context.Background(), 0)
	require.NoError(t, err)
	require.Equal(t, "0002", second.Position)

	none, err := consumer.Receive(context.Background(), 0)
	require.NoError(t, err)
	require.Nil(t, none, "timeout with no rows yields no record")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestConsumerRejectsMalformedArrivalID(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	mock.ExpectQuery("SELECT seq").
		WillReturnRows(pgxmock.NewRows([]string{"seq", "position", "arrival_id", "payload"}).
			AddRow(int64(1), "0001", []byte{1, 2, 3}, []byte("x")))

	consumer, err := store.Consumer(context.Background(), "topic-a")
	require.NoError(t, err)
	_, err = consumer.Receive(context.Background(), 0)
	require.ErrorContains(t, err, "arrival id is 3 bytes")
}
