package object

import (
	"bytes"
	"context"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIdentifyDeterministic(t *testing.T) {
	a := Identify([]byte("hello"))
	b := Identify([]byte("hello"))
	require.Equal(t, a, b)
	require.Equal(t, uint64(5), a.Size)
	require.True(t, ValidDigest(a.Digest))

	c := Identify([]byte("hello!"))
	require.NotEqual(t, a.Digest, c.Digest)
}

func TestLocalStorePutIdempotent(t *testing.T) {
	store, err := NewLocalStore(t.TempDir(), LocalConfig{Compression: true, CompressionLevel: 2})
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	data := []byte("some content worth storing")

	id1, err := store.Put(ctx, data)
	require.NoError(t, err)
	id2, err := store.Put(ctx, data)
	require.NoError(t, err)
	require.Equal(t, id1, id2)

	got, err := store.Get(ctx, id1)
	require.NoError(t, err)
	require.Equal(t, data, got)

	// exactly one stored copy
	var count int
	require.NoError(t, store.Walk(ctx, func(ID) error {
		count++
		return nil
	}))
	require.Equal(t, 1, count)
}

func TestLocalStoreNotFound(t *testing.T) {
	store, err := NewLocalStore(t.TempDir(), LocalConfig{})
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	_, err = store.Get(ctx, Identify([]byte("never stored")))
	require.ErrorIs(t, err, ErrNotFound)

	ok, err := store.Has(ctx, Identify([]byte("never stored")))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestLocalStoreRoundTripCompressed(t *testing.T) {
	store, err := NewLocalStore(t.TempDir(), LocalConfig{Compression: true, CompressionLevel: 3})
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	data := bytes.Repeat([]byte("abcdefgh"), 4096) // compresses well

	id, err := store.Put(ctx, data)
	require.NoError(t, err)

	// bypass the cache to force the disk read path
	store.cache = newLRUCache(1)
	got, err := store.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, data, got)
}

func TestMemStoreDigestMismatch(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()

	id, err := store.Put(ctx, []byte("original"))
	require.NoError(t, err)

	store.Corrupt(id, []byte("tampered"))
	_, err = store.Get(ctx, id)
	require.ErrorIs(t, err, ErrDigestMismatch)
}

func TestLocalStoreDelete(t *testing.T) {
	store, err := NewLocalStore(t.TempDir(), LocalConfig{})
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	id, err := store.Put(ctx, []byte("to be removed"))
	require.NoError(t, err)

	require.NoError(t, store.Delete(ctx, id))
	_, err = store.Get(ctx, id)
	require.ErrorIs(t, err, ErrNotFound)

	// deleting an absent object is fine
	require.NoError(t, store.Delete(ctx, id))
}

func TestPutValueSmallRoundTrip(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()
	cfg := DefaultChunkConfig()

	data := []byte("small value")
	id, err := PutValue(ctx, store, data, cfg)
	require.NoError(t, err)

	got, err := GetValue(ctx, store, id)
	require.NoError(t, err)
	require.Equal(t, data, got)

	refs, err := ValueRefs(ctx, store, id)
	require.NoError(t, err)
	require.Empty(t, refs)
}

func TestPutValueChunked(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()
	cfg := ChunkConfig{Threshold: 1 << 12, Min: 1 << 10, Avg: 1 << 11, Max: 1 << 12}

	rng := rand.New(rand.NewSource(42))
	data := make([]byte, 1<<16)
	_, err := rng.Read(data)
	require.NoError(t, err)

	id, err := PutValue(ctx, store, data, cfg)
	require.NoError(t, err)

	got, err := GetValue(ctx, store, id)
	require.NoError(t, err)
	require.Equal(t, data, got)

	refs, err := ValueRefs(ctx, store, id)
	require.NoError(t, err)
	require.Greater(t, len(refs), 1)
	for _, ref := range refs {
		require.LessOrEqual(t, ref.Size, uint64(cfg.Max)+16) // header overhead
	}
}

func TestChunkBoundariesStable(t *testing.T) {
	cfg := ChunkConfig{Threshold: 1 << 12, Min: 1 << 10, Avg: 1 << 11, Max: 1 << 12}
	rng := rand.New(rand.NewSource(7))
	data := make([]byte, 1<<15)
	_, err := rng.Read(data)
	require.NoError(t, err)

	cuts1 := cutPoints(data, cfg)
	cuts2 := cutPoints(data, cfg)
	require.Equal(t, cuts1, cuts2)
	require.Equal(t, len(data), cuts1[len(cuts1)-1])

	prev := 0
	for i, cut := range cuts1 {
		size := cut - prev
		if i < len(cuts1)-1 {
			require.GreaterOrEqual(t, size, cfg.Min)
		}
		require.LessOrEqual(t, size, cfg.Max)
		prev = cut
	}
}
