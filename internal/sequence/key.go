package sequence

import (
	"encoding/binary"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/oklog/ulid/v2"
)

const (
	// MaxPositionLen is the longest position, in bytes, a key can carry.
	MaxPositionLen = 255
	arrivalIDLen   = 16
	keyOverhead    = 1 + arrivalIDLen
)

// Entry is one observation of a position in a content stream.
type Entry struct {
	ArrivalID ulid.ULID `json:"arrival_id"`
	Position  string    `json:"position"`
}

// KeyLen reports the encoded size of a key for position.
func KeyLen(position string) int {
	return keyOverhead + len(position)
}

// AppendKey appends the key encoding of e to dst:
//
//	[len(position)][position bytes][arrival id high 8 bytes][arrival id low 8 bytes]
//
// The arrival id halves are big-endian, so keys for one position sort by
// arrival id. Keys for different positions sort shorter-position first, then
// bytewise; see ComparePositions.
func AppendKey(dst []byte, e Entry) ([]byte, error) {
	if len(e.Position) > MaxPositionLen {
		return dst, fmt.Errorf("%w: position is %d bytes", ErrKeyTooLarge, len(e.Position))
	}
	if !utf8.ValidString(e.Position) {
		return dst, fmt.Errorf("%w: position is not valid UTF-8", ErrInvalidPosition)
	}
	dst = append(dst, byte(len(e.Position)))
	dst = append(dst, e.Position...)
	dst = binary.BigEndian.AppendUint64(dst, binary.BigEndian.Uint64(e.ArrivalID[:8]))
	dst = binary.BigEndian.AppendUint64(dst, binary.BigEndian.Uint64(e.ArrivalID[8:]))
	return dst, nil
}

// DecodeKey parses a key produced by AppendKey. The returned Entry does not
// alias key.
func DecodeKey(key []byte) (Entry, error) {
	if len(key) < keyOverhead {
		return Entry{}, fmt.Errorf("%w: key is %d bytes", ErrCorruptKey, len(key))
	}
	n := int(key[0])
	if len(key) != keyOverhead+n {
		return Entry{}, fmt.Errorf("%w: position length %d does not match key length %d", ErrCorruptKey, n, len(key))
	}
	var e Entry
	e.Position = string(key[1 : 1+n])
	copy(e.ArrivalID[:], key[1+n:])
	return e, nil
}

// ComparePositions orders positions the way the index stores them: shorter
// positions first, equal lengths compared bytewise. For positions of equal
// byte length this is plain lexicographic order.
func ComparePositions(a, b string) int {
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return strings.Compare(a, b)
	}
}
