package blob

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunkKey(t *testing.T) {
	assert.Equal(t, "meetings/m-1/chunks/0.bin", ChunkKey("m-1", 0))
	assert.Equal(t, "meetings/m-1/chunks/42.bin", ChunkKey("m-1", 42))
}

func TestFSStorePutGet(t *testing.T) {
	store, err := NewFSStore(t.TempDir(), "local")
	require.NoError(t, err)

	ctx := context.Background()
	key := ChunkKey("m-1", 3)

	require.NoError(t, store.Put(ctx, key, []byte("audio-bytes")))

	data, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("audio-bytes"), data)
}

func TestFSStoreGetMissing(t *testing.T) {
	store, err := NewFSStore(t.TempDir(), "local")
	require.NoError(t, err)

	_, err = store.Get(context.Background(), ChunkKey("m-1", 99))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFSStoreOverwrite(t *testing.T) {
	store, err := NewFSStore(t.TempDir(), "shared_fs")
	require.NoError(t, err)

	ctx := context.Background()
	key := ChunkKey("m-1", 0)
	require.NoError(t, store.Put(ctx, key, []byte("first")))
	require.NoError(t, store.Put(ctx, key, []byte("second")))

	data, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), data)
	assert.Equal(t, "shared_fs", store.Mode())
}

func TestFSStoreRejectsTraversal(t *testing.T) {
	store, err := NewFSStore(t.TempDir(), "local")
	require.NoError(t, err)

	ctx := context.Background()
	assert.Error(t, store.Put(ctx, "../escape.bin", []byte("x")))
	assert.Error(t, store.Put(ctx, "/abs/path.bin", []byte("x")))
	assert.Error(t, store.Put(ctx, "", []byte("x")))
}

func TestFSStoreDelete(t *testing.T) {
	store, err := NewFSStore(t.TempDir(), "local")
	require.NoError(t, err)

	ctx := context.Background()
	key := ChunkKey("m-1", 0)
	require.NoError(t, store.Put(ctx, key, []byte("bytes")))
	require.NoError(t, store.Delete(ctx, key))

	_, err = store.Get(ctx, key)
	assert.ErrorIs(t, err, ErrNotFound)

	// Second delete is a no-op.
	assert.NoError(t, store.Delete(ctx, key))
}

func TestFSStoreExists(t *testing.T) {
	store, err := NewFSStore(t.TempDir(), "local")
	require.NoError(t, err)

	ctx := context.Background()
	key := ChunkKey("m-1", 0)

	ok, err := store.Exists(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Put(ctx, key, []byte("bytes")))
	ok, err = store.Exists(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestFSStoreProbe(t *testing.T) {
	store, err := NewFSStore(t.TempDir(), "local")
	require.NoError(t, err)
	assert.NoError(t, store.Probe(context.Background()))
}
