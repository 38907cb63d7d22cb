package sequence

import (
	"bytes"
	"encoding/binary"
	"sort"
	"strings"
	"testing"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/require"
)

func arrival(hi, lo uint64) ulid.ULID {
	var id ulid.ULID
	binary.BigEndian.PutUint64(id[:8], hi)
	binary.BigEndian.PutUint64(id[8:], lo)
	return id
}

func TestAppendKeyRoundTrip(t *testing.T) {
	t.Parallel()

	entries := []Entry{
		{Position: "", ArrivalID: arrival(0, 0)},
		{Position: "0001", ArrivalID: arrival(1, 2)},
		{Position: "æøå", ArrivalID: arrival(^uint64(0), ^uint64(0))},
		{Position: strings.Repeat("x", MaxPositionLen), ArrivalID: arrival(42, 7)},
	}
	for _, e := range entries {
		key, err := AppendKey(nil, e)
		require.NoError(t, err)
		require.Len(t, key, KeyLen(e.Position))

		got, err := DecodeKey(key)
		require.NoError(t, err)
		require.Equal(t, e, got)
	}
}

func TestAppendKeyLayout(t *testing.T) {
	t.Parallel()

	key, err := AppendKey([]byte{0xff}, Entry{Position: "ab", ArrivalID: arrival(1, 2)})
	require.NoError(t, err)
	want := []byte{0xff, 2, 'a', 'b', 0, 0, 0, 0, 0, 0, 0, 1, 0, 0, 0, 0, 0, 0, 0, 2}
	require.Equal(t, want, key, "key is appended after existing bytes")
}

func TestAppendKeyRejectsInvalidPositions(t *testing.T) {
	t.Parallel()

	_, err := AppendKey(nil, Entry{Position: strings.Repeat("x", MaxPositionLen+1)})
	require.ErrorIs(t, err, ErrKeyTooLarge)

	_, err = AppendKey(nil, Entry{Position: string([]byte{0xc3, 0x28})})
	require.ErrorIs(t, err, ErrInvalidPosition)
}

func TestDecodeKeyRejectsCorruptKeys(t *testing.T) {
	t.Parallel()

	_, err := DecodeKey([]byte{1, 2, 3})
	require.ErrorIs(t, err, ErrCorruptKey)

	key, err := AppendKey(nil, Entry{Position: "abc", ArrivalID: arrival(1, 1)})
	require.NoError(t, err)
	_, err = DecodeKey(key[:len(key)-1])
	require.ErrorIs(t, err, ErrCorruptKey)
}

// TestKeyOrderMatchesPositionThenArrival checks that sorting encoded keys
// bytewise gives position order first and arrival order within a position.
func TestKeyOrderMatchesPositionThenArrival(t *testing.T) {
	t.Parallel()

	entries := []Entry{
		{Position: "0002", ArrivalID: arrival(0, 5)},
		{Position: "0001", ArrivalID: arrival(0, 9)},
		{Position: "0002", ArrivalID: arrival(0, 1)},
		{Position: "0001", ArrivalID: arrival(1, 0)},
		{Position: "0010", ArrivalID: arrival(0, 3)},
	}
	keys := make([][]byte, 0, len(entries))
	for _, e := range entries {
		key, err := AppendKey(nil, e)
		require.NoError(t, err)
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return bytes.Compare(keys[i], keys[j]) < 0 })

	var got []Entry
	for _, k := range keys {
		e, err := DecodeKey(k)
		require.NoError(t, err)
		got = append(got, e)
	}
	require.Equal(t, []Entry{
		{Position: "0001", ArrivalID: arrival(0, 9)},
		{Position: "0001", ArrivalID: arrival(1, 0)},
		{Position: "0002", ArrivalID: arrival(0, 1)},
		{Position: "0002", ArrivalID: arrival(0, 5)},
		{Position: "0010", ArrivalID: arrival(0, 3)},
	}, got)
}

func TestComparePositionsIsShortlex(t *testing.T) {
	t.Parallel()

	tests := []struct {
		a, b string
		want int
	}{
		{"a", "b", -1},
		{"b", "a", 1},
		{"b", "ab", -1},
		{"10", "9", 1},
		{"010", "010", 0},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, ComparePositions(tt.a, tt.b), "%q vs %q", tt.a, tt.b)

		ka, err := AppendKey(nil, Entry{Position: tt.a})
		require.NoError(t, err)
		kb, err := AppendKey(nil, Entry{Position: tt.b})
		require.NoError(t, err)
		require.Equal(t, tt.want, bytes.Compare(ka, kb), "encoded %q vs %q", tt.a, tt.b)
	}
}
