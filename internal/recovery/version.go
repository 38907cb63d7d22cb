package recovery

import (
	"sync"

	"github.com/oklog/ulid/v2"
)

// PositionVersion holds the canonical version of one position: the
// observation with the smallest arrival id seen so far.
type PositionVersion struct {
	mu        sync.Mutex
	set       bool
	arrivalID ulid.ULID
	position  string
}

// Retain offers an observation and reports whether it became the held
// version. The first offer always wins; later offers win only with a strictly
// smaller arrival id, so equal ids leave the held version untouched.
func (v *PositionVersion) Retain(arrivalID ulid.ULID, position string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.set && arrivalID.Compare(v.arrivalID) >= 0 {
		return false
	}
	v.set = true
	v.arrivalID = arrivalID
	v.position = position
	return true
}

// ArrivalID returns the held arrival id, if any.
func (v *PositionVersion) ArrivalID() (ulid.ULID, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.arrivalID, v.set
}

// Position returns the held position, if any.
func (v *PositionVersion) Position() (string, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.position, v.set
}
