package uuid

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestGeneratorNewWorkerID ensures generated ids are unique, version 7 and time ordered.
func TestGeneratorNewWorkerID(t *testing.T) {
	t.Parallel()

	gen := New()
	id1, err := gen.NewWorkerID()
	require.NoError(t, err)
	id2, err := gen.NewWorkerID()
	require.NoError(t, err)

	require.NotEqual(t, id1, id2)
	require.EqualValues(t, 7, id1.Version())
	require.LessOrEqual(t, id1.String()[:13], id2.String()[:13])
}
