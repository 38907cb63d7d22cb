// Package ulid stamps content-stream records with arrival ids.
package ulid

import (
	"crypto/rand"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Generator creates ULIDs that never decrease, even within one millisecond
// or when the clock steps back: the timestamp is clamped to the last one
// issued.
type Generator struct {
	mu      sync.Mutex
	now     func() time.Time
	entropy io.Reader
	lastMs  uint64
}

// New creates a Generator backed by the wall clock and crypto/rand.
func New() *Generator {
	return NewWithClock(time.Now)
}

// NewWithClock creates a Generator that reads timestamps from now.
func NewWithClock(now func() time.Time) *Generator {
	return &Generator{
		now:     now,
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
}

// NewArrivalID returns the next arrival id.
func (g *Generator) NewArrivalID() (ulid.ULID, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	ms := ulid.Timestamp(g.now())
	if ms < g.lastMs {
		ms = g.lastMs
	}
	g.lastMs = ms
	id, err := ulid.New(ms, g.entropy)
	if err != nil {
		return ulid.ULID{}, fmt.Errorf("generate ulid: %w", err)
	}
	return id, nil
}
