package collector

import (
	"context"
	"io"
	"time"

	"github.com/oklog/ulid/v2"
)

// Producer appends records to one content stream.
type Producer interface {
	// Publish appends payload at position and returns the arrival id it was stamped with.
	Publish(ctx context.Context, position string, payload []byte) (ulid.ULID, error)
	Close() error
}

// Consumer reads the records of one content stream in publication order.
type Consumer interface {
	// Receive blocks up to timeout for the next record. A nil record with a nil
	// error means nothing arrived before the timeout.
	Receive(ctx context.Context, timeout time.Duration) (*Record, error)
	Close() error
}

// ContentStore opens producers and consumers on named streams.
type ContentStore interface {
	Producer(ctx context.Context, stream string) (Producer, error)
	Consumer(ctx context.Context, stream string) (Consumer, error)
	Close() error
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Publisher pushes notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// ArrivalIDGenerator stamps records with monotonically increasing arrival ids.
type ArrivalIDGenerator interface {
	NewArrivalID() (ulid.ULID, error)
}
