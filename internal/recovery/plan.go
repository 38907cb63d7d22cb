package recovery

import (
	"errors"
	"fmt"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/data-collector/internal/collector"
	"github.com/JakeFAU/data-collector/internal/sequence"
)

// ErrRecoveryPrecondition reports that the source index is missing, empty or
// unreadable. Run an integrity scan of the source first.
var ErrRecoveryPrecondition = errors.New("recovery precondition failed")

// plan is what the source index says the replay should contain.
type plan struct {
	positions []string       // distinct positions in index order
	slot      map[string]int // position -> offset into positions
	expected  []int          // indexed observations per position
	earliest  ulid.ULID
	latest    ulid.ULID
	entries   int
	// early holds, per indexed position, the least arrival id the stream
	// carries before the indexed window.
	early map[string]ulid.ULID
}

func loadPlan(root, stream string, opts sequence.Options, logger *zap.Logger) (*plan, error) {
	opts.ReadOnly, opts.MustExist = true, true
	opts.Logger = logger
	ix, err := sequence.Open(root, stream, opts)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRecoveryPrecondition, err)
	}
	defer ix.Close()

	p := &plan{slot: make(map[string]int)}
	err = ix.ScanAscending(func(e sequence.Entry, _ bool) error {
		if p.entries == 0 {
			p.earliest, p.latest = e.ArrivalID, e.ArrivalID
		}
		p.entries++
		if e.ArrivalID.Compare(p.earliest) < 0 {
			p.earliest = e.ArrivalID
		}
		if e.ArrivalID.Compare(p.latest) > 0 {
			p.latest = e.ArrivalID
		}
		if n := len(p.positions); n > 0 && p.positions[n-1] == e.Position {
			p.expected[n-1]++
			return nil
		}
		p.slot[e.Position] = len(p.positions)
		p.positions = append(p.positions, e.Position)
		p.expected = append(p.expected, 1)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: read index of %q: %w", ErrRecoveryPrecondition, stream, err)
	}
	if p.entries == 0 {
		return nil, fmt.Errorf("%w: %w: stream %q", ErrRecoveryPrecondition, sequence.ErrIndexEmpty, stream)
	}
	return p, nil
}

// noteEarly records rec when it is an indexed position's version older than
// the indexed window.
func (p *plan) noteEarly(rec *collector.Record) {
	if rec.ArrivalID.Compare(p.earliest) >= 0 {
		return
	}
	if _, indexed := p.slot[rec.Position]; !indexed {
		return
	}
	if held, ok := p.early[rec.Position]; ok && held.Compare(rec.ArrivalID) <= 0 {
		return
	}
	if p.early == nil {
		p.early = make(map[string]ulid.ULID)
	}
	p.early[rec.Position] = rec.ArrivalID
}
