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
	uri, err := store.PutObject(context.Background(), "assets/manifest.json", "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	require.Equal(t, "memory://assets/manifest.json", uri)

	payload[0] = 'C'
	got, ok := store.Object("assets/manifest.json")
	require.True(t, ok)
	require.Equal(t, "content", string(got))

	got[0] = 'X'
	again, _ := store.Object("assets/manifest.json")
	require.Equal(t, "content", string(again))
	require.Equal(t, 1, store.Len())
}

func TestBlobStoreRejectsEmptyPath(t *testing.T) {
	t.Parallel()

	_, err := NewBlobStore().PutObject(context.Background(), "", "", bytes.NewReader(nil))
	require.Error(t, err)
}
