package crawl

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/data-collector/internal/collector"
	collyfetcher "github.com/JakeFAU/data-collector/internal/fetcher/colly"
	idulid "github.com/JakeFAU/data-collector/internal/id/ulid"
	"github.com/JakeFAU/data-collector/internal/storage/memory"
)

type stubFetcher struct {
	fail map[string]error
}

func (f *stubFetcher) Fetch(ctx context.Context, req collector.FetchRequest) (collector.FetchResponse, error) {
	if err := ctx.Err(); err != nil {
		return collector.FetchResponse{}, err
	}
	if err, ok := f.fail[req.URL]; ok {
		return collector.FetchResponse{}, err
	}
	return collector.FetchResponse{URL: req.URL, StatusCode: http.StatusOK, Body: []byte("body:" + req.URL)}, nil
}

type countingSink struct{ n atomic.Int64 }

func (s *countingSink) AddRecords(n int64) { s.n.Add(n) }

type failingStore struct {
	collector.ContentStore
}

func (failingStore) Producer(context.Context, string) (collector.Producer, error) {
	return failingProducer{}, nil
}

type failingProducer struct{}

func (failingProducer) Publish(context.Context, string, []byte) (ulid.ULID, error) {
	return ulid.ULID{}, errors.New("stream unavailable")
}

func (failingProducer) Close() error { return nil }

func TestRunPublishesEachURLAtItsOrdinal(t *testing.T) {
	t.Parallel()

	store := memory.NewContentStore(idulid.New())
	worker, err := NewWorker(&stubFetcher{}, store, nil, nil)
	require.NoError(t, err)

	sink := &countingSink{}
	spec := collector.Specification{
		ID:           "spec-1",
		URLs:         []string{"https://a.example.com", "https://b.example.com", "https://c.example.com"},
		TargetStream: "pages",
	}
	counters, err := worker.Run(context.Background(), spec, sink)
	require.NoError(t, err)
	require.Equal(t, Counters{PagesSucceeded: 3}, counters)
	require.EqualValues(t, 3, sink.n.Load())

	records := store.Records("pages")
	require.Len(t, records, 3)
	for i, rec := range records {
		require.Equal(t, fmt.Sprint(i), rec.Position)
		require.Equal(t, "body:"+spec.URLs[i], string(rec.Payload))
	}
}

func TestRunSkipsFailedPagesKeepingPositions(t *testing.T) {
	t.Parallel()

	store := memory.NewContentStore(idulid.New())
	fetcher := &stubFetcher{fail: map[string]error{"https://b.example.com": errors.New("boom")}}
	worker, err := NewWorker(fetcher, store, nil, nil)
	require.NoError(t, err)

	counters, err := worker.Run(context.Background(), collector.Specification{
		ID:           "spec-1",
		URLs:         []string{"https://a.example.com", "https://b.example.com", "https://c.example.com"},
		TargetStream: "pages",
	}, nil)
	require.NoError(t, err)
	require.Equal(t, Counters{PagesSucceeded: 2, PagesFailed: 1}, counters)

	records := store.Records("pages")
	require.Len(t, records, 2)
	require.Equal(t, "0", records[0].Position)
	require.Equal(t, "2", records[1].Position)
}

func TestRunFailsWhenNothingPublished(t *testing.T) {
	t.Parallel()

	store := memory.NewContentStore(idulid.New())
	fetcher := &stubFetcher{fail: map[string]error{"https://a.example.com": errors.New("boom")}}
	worker, err := NewWorker(fetcher, store, nil, nil)
	require.NoError(t, err)

	_, err = worker.Run(context.Background(), collector.Specification{
		ID: "spec-1", URLs: []string{"https://a.example.com"}, TargetStream: "pages",
	}, nil)
	require.ErrorIs(t, err, ErrNoPages)
}

func TestRunStopsOnProducerFailure(t *testing.T) {
	t.Parallel()

	worker, err := NewWorker(&stubFetcher{}, failingStore{}, nil, nil)
	require.NoError(t, err)

	counters, err := worker.Run(context.Background(), collector.Specification{
		ID: "spec-1", URLs: []string{"https://a.example.com", "https://b.example.com"}, TargetStream: "pages",
	}, nil)
	require.ErrorContains(t, err, "stream unavailable")
	require.Equal(t, Counters{}, counters)
}

func TestRunHonoursCancellation(t *testing.T) {
	t.Parallel()

	store := memory.NewContentStore(idulid.New())
	worker, err := NewWorker(&stubFetcher{}, store, nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = worker.Run(ctx, collector.Specification{
		ID: "spec-1", URLs: []string{"https://a.example.com"}, TargetStream: "pages",
	}, nil)
	require.ErrorIs(t, err, context.Canceled)
	require.Empty(t, store.Records("pages"))
}

func TestRunWithCollyFetcher(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprintf(w, "page %s", r.URL.Path)
	}))
	t.Cleanup(srv.Close)

	store := memory.NewContentStore(idulid.New())
	fetcher := collyfetcher.New(collyfetcher.Config{UserAgent: "collector-test", Timeout: time.Second})
	worker, err := NewWorker(fetcher, store, nil, nil)
	require.NoError(t, err)

	_, err = worker.Run(context.Background(), collector.Specification{
		ID:           "spec-1",
		URLs:         []string{srv.URL + "/one", srv.URL + "/two"},
		TargetStream: "pages",
	}, nil)
	require.NoError(t, err)

	records := store.Records("pages")
	require.Len(t, records, 2)
	require.Equal(t, "page /one", string(records[0].Payload))
	require.Equal(t, "page /two", string(records[1].Payload))
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		spec collector.Specification
		ok   bool
	}{
		{name: "valid", spec: collector.Specification{ID: "a", URLs: []string{"u"}, TargetStream: "s"}, ok: true},
		{name: "missing id", spec: collector.Specification{URLs: []string{"u"}, TargetStream: "s"}},
		{name: "missing stream", spec: collector.Specification{ID: "a", URLs: []string{"u"}}},
		{name: "no urls", spec: collector.Specification{ID: "a", TargetStream: "s"}},
		{name: "empty url", spec: collector.Specification{ID: "a", URLs: []string{""}, TargetStream: "s"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := Validate(tt.spec)
			if tt.ok {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
			}
		})
	}
}
