package memory

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte("content")
	uri, err := store.PutObject(context.Background(), "indexes/a/1.db", "application/octet-stream", bytes.NewReader(payload))
	require.NoError(t, err)
	require.Equal(t, "memory://indexes/a/1.db", uri)

	payload[0] = 'C'
	data, contentType, ok := store.Object("indexes/a/1.db")
	require.True(t, ok)
	require.Equal(t, "content", string(data))
	require.Equal(t, "application/octet-stream", contentType)
	require.Equal(t, []string{"indexes/a/1.db"}, store.Paths())

	_, _, ok = store.Object("missing")
	require.False(t, ok)
}
