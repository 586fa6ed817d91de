package payloadstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilesystemStore_PutGetRoundTrip(t *testing.T) {
	store, err := NewFilesystemStore(t.TempDir())
	require.NoError(t, err)

	ctx := context.Background()
	data := []byte(`{"id":1,"name":"alice"}`)

	ref, err := store.Put(ctx, data, "application/json")
	require.NoError(t, err)
	assert.Len(t, ref.ContentHash, 64)
	assert.Equal(t, int64(len(data)), ref.SizeBytes)

	got, err := store.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestFilesystemStore_PutIsIdempotent(t *testing.T) {
	store, err := NewFilesystemStore(t.TempDir())
	require.NoError(t, err)

	ctx := context.Background()
	data := []byte("same content")

	ref1, err := store.Put(ctx, data, "text/plain")
	require.NoError(t, err)
	ref2, err := store.Put(ctx, data, "text/plain")
	require.NoError(t, err)

	assert.Equal(t, ref1, ref2)
}

func TestFilesystemStore_ExistsFalseForUnknown(t *testing.T) {
	store, err := NewFilesystemStore(t.TempDir())
	require.NoError(t, err)

	ok, err := store.Exists(context.Background(), Ref{ContentHash: "deadbeef"})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFilesystemStore_GetMissingReturnsErrNotFound(t *testing.T) {
	store, err := NewFilesystemStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.Get(context.Background(), Ref{ContentHash: "0000000000000000000000000000000000000000000000000000000000000000"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFilesystemStore_WithCompressionRoundTrip(t *testing.T) {
	store, err := NewFilesystemStore(t.TempDir(), WithCompression(true))
	require.NoError(t, err)

	ctx := context.Background()
	data := []byte("compress me please, a fairly repetitive string string string")

	ref, err := store.Put(ctx, data, "text/plain")
	require.NoError(t, err)

	got, err := store.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}
