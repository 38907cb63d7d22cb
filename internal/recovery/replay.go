package recovery

import (
	"sort"

	"github.com/JakeFAU/data-collector/internal/collector"
	"github.com/JakeFAU/data-collector/internal/sequence"
)

type candidate struct {
	version PositionVersion
	payload []byte
	seen    int
}

// replay multiplexes one PositionVersion per position. Indexed positions are
// released in index order as soon as every indexed observation of the
// position has been seen, and the earliest pre-window version, if the plan
// knows of one, has been offered; the candidate is evicted once it is
// published. Records before the indexed window compete on their arrival id
// without counting as indexed observations; records after it lose to the
// indexed versions of their position.
type replay struct {
	plan    *plan
	open    map[string]*candidate
	next    int
	extra   map[string]*candidate
	res     *Result
	publish func(position string, payload []byte) error
}

func newReplay(p *plan, res *Result, publish func(string, []byte) error) *replay {
	return &replay{
		plan:    p,
		open:    make(map[string]*candidate),
		extra:   make(map[string]*candidate),
		res:     res,
		publish: publish,
	}
}

func (r *replay) observe(rec *collector.Record) error {
	before := rec.ArrivalID.Compare(r.plan.earliest) < 0
	after := rec.ArrivalID.Compare(r.plan.latest) > 0
	if before || after {
		r.res.Late++
	}
	slot, indexed := r.plan.slot[rec.Position]
	if !indexed {
		if !before && !after {
			r.res.Unindexed++
		}
		c := r.extra[rec.Position]
		if c == nil {
			c = &candidate{}
			r.extra[rec.Position] = c
		}
		r.offer(c, rec)
		return nil
	}
	switch {
	case after:
		// An indexed version of the position is earlier.
		r.res.Superseded++
		return nil
	case slot < r.next && before:
		// Published already; nothing is retracted.
		r.res.Displaced++
		return nil
	case slot < r.next:
		r.res.Superseded++
		return nil
	}
	c := r.open[rec.Position]
	if c == nil {
		c = &candidate{}
		r.open[rec.Position] = c
	}
	if !before {
		c.seen++
	}
	r.offer(c, rec)
	return r.release(false)
}

func (r *replay) offer(c *candidate, rec *collector.Record) {
	_, held := c.version.ArrivalID()
	if !c.version.Retain(rec.ArrivalID, rec.Position) {
		r.res.Superseded++
		return
	}
	if held {
		r.res.Superseded++
	}
	c.payload = rec.Payload
}

// release publishes ready positions in index order. With final set, open
// positions are flushed with their best candidate and unseen ones are
// counted as missing.
func (r *replay) release(final bool) error {
	for r.next < len(r.plan.positions) {
		pos := r.plan.positions[r.next]
		c := r.open[pos]
		if !final && !r.ready(pos, c) {
			return nil
		}
		if c == nil {
			r.res.Missing++
		} else {
			if err := r.publish(pos, c.payload); err != nil {
				return err
			}
			delete(r.open, pos)
		}
		r.next++
	}
	return nil
}

// ready reports whether every indexed observation of pos has been seen and
// any earlier version found before the replay has been offered.
func (r *replay) ready(pos string, c *candidate) bool {
	if c == nil || c.seen < r.plan.expected[r.plan.slot[pos]] {
		return false
	}
	early, ok := r.plan.early[pos]
	if !ok {
		return true
	}
	held, _ := c.version.ArrivalID()
	return held.Compare(early) <= 0
}

// finish flushes what is left: open indexed positions, then positions the
// index never saw in ascending order.
func (r *replay) finish() error {
	if err := r.release(true); err != nil {
		return err
	}
	positions := make([]string, 0, len(r.extra))
	for pos := range r.extra {
		positions = append(positions, pos)
	}
	sort.Slice(positions, func(a, b int) bool {
		return sequence.ComparePositions(positions[a], positions[b]) < 0
	})
	for _, pos := range positions {
		if err := r.publish(pos, r.extra[pos].payload); err != nil {
			return err
		}
		delete(r.extra, pos)
	}
	return nil
}
