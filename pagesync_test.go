package pagesync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	all := append([]Option{WithDataDir(t.TempDir())}, opts...)
	s, err := Open(all...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPutGetDeletePersists(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := Open(WithDataDir(dir))
	require.NoError(t, err)
	page, err := s.OpenPage("notes")
	require.NoError(t, err)

	require.NoError(t, page.Put(ctx, []byte("title"), []byte("hello")))
	got, err := page.Get(ctx, []byte("title"))
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), got)

	_, err = page.Get(ctx, []byte("missing"))
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, page.Delete(ctx, []byte("title")))
	_, err = page.Get(ctx, []byte("title"))
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorIs(t, page.Delete(ctx, []byte("title")), ErrNotFound)

	require.NoError(t, page.Put(ctx, []byte("kept"), []byte("v")))
	require.NoError(t, s.Close())

	// history survives a reopen
	s2, err := Open(WithDataDir(dir))
	require.NoError(t, err)
	defer s2.Close()
	page2, err := s2.OpenPage("notes")
	require.NoError(t, err)
	got, err = page2.Get(ctx, []byte("kept"))
	require.NoError(t, err)
	require.Equal(t, []byte("v"), got)
}

func TestUpdateBatchesIntoOneCommit(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	page, err := s.OpenPage("p")
	require.NoError(t, err)

	err = page.Update(ctx, func(tx *Tx) error {
		for i := 0; i < 5; i++ {
			if err := tx.Put([]byte(fmt.Sprintf("k%d", i)), []byte("v")); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	stats, err := page.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, stats.Commits, "genesis plus one batched commit")
	require.Equal(t, 1, stats.Heads)

	// a transaction that changes nothing commits nothing
	require.NoError(t, page.Update(ctx, func(tx *Tx) error { return nil }))
	stats, err = page.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, stats.Commits)
}

func TestUpdateRollbackOnError(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	page, err := s.OpenPage("p")
	require.NoError(t, err)
	require.NoError(t, page.Put(ctx, []byte("a"), []byte("1")))

	boom := errors.New("boom")
	err = page.Update(ctx, func(tx *Tx) error {
		require.NoError(t, tx.Put([]byte("b"), []byte("2")))
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = page.Get(ctx, []byte("b"))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSnapshotIsolationAndIteration(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	page, err := s.OpenPage("p")
	require.NoError(t, err)

	require.NoError(t, page.Put(ctx, []byte("app/a"), []byte("1")))
	require.NoError(t, page.Put(ctx, []byte("app/b"), []byte("2")))
	require.NoError(t, page.Put(ctx, []byte("zzz"), []byte("3")))

	snap, err := page.Snapshot(ctx)
	require.NoError(t, err)

	// later writes do not leak into the snapshot
	require.NoError(t, page.Put(ctx, []byte("app/c"), []byte("4")))

	var keys []string
	for key := range snap.Entries(ctx) {
		keys = append(keys, key)
	}
	require.NoError(t, snap.Err())
	require.Equal(t, []string{"app/a", "app/b", "zzz"}, keys)

	keys = keys[:0]
	for key, entry := range snap.List(ctx, []byte("app/")) {
		require.True(t, bytes.HasPrefix(entry.Key, []byte("app/")))
		keys = append(keys, key)
	}
	require.NoError(t, snap.Err())
	require.Equal(t, []string{"app/a", "app/b"}, keys)

	n, err := snap.Len(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	val, err := snap.Get(ctx, []byte("app/a"))
	require.NoError(t, err)
	require.Equal(t, []byte("1"), val)

	fresh, err := page.Snapshot(ctx)
	require.NoError(t, err)
	n, err = fresh.Len(ctx)
	require.NoError(t, err)
	require.Equal(t, 4, n)
	require.NotEqual(t, snap.CommitID(), fresh.CommitID())
}

func TestTwoDevicesConverge(t *testing.T) {
	cloud := MemCloud()
	ctx := context.Background()

	sa := testStore(t, WithCloud(cloud), WithManualSync())
	sb := testStore(t, WithCloud(cloud), WithManualSync())
	pa, err := sa.OpenPage("shared")
	require.NoError(t, err)
	pb, err := sb.OpenPage("shared")
	require.NoError(t, err)

	// concurrent edits on both devices
	require.NoError(t, pa.Put(ctx, []byte("a"), []byte("1")))
	require.NoError(t, pa.Sync(ctx))

	require.NoError(t, pb.Put(ctx, []byte("b"), []byte("2")))
	require.NoError(t, pb.Sync(ctx)) // learns a's edit, merges, uploads
	require.NoError(t, pa.Sync(ctx)) // converges onto the merge

	for _, page := range []*Page{pa, pb} {
		got, err := page.Get(ctx, []byte("a"))
		require.NoError(t, err)
		require.Equal(t, []byte("1"), got)
		got, err = page.Get(ctx, []byte("b"))
		require.NoError(t, err)
		require.Equal(t, []byte("2"), got)
	}

	snapA, err := pa.Snapshot(ctx)
	require.NoError(t, err)
	snapB, err := pb.Snapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, snapA.CommitID(), snapB.CommitID())

	// the converged head is a merge of both device histories
	first := true
	err = pb.History(ctx, func(id string, gen uint64, ts int64, parents int) bool {
		if first {
			require.Equal(t, 2, parents)
			first = false
		}
		return true
	})
	require.NoError(t, err)
}

func TestLastWriterWinsAcrossDevices(t *testing.T) {
	cloud := MemCloud()
	ctx := context.Background()

	sa := testStore(t, WithCloud(cloud), WithManualSync())
	sb := testStore(t, WithCloud(cloud), WithManualSync())
	pa, err := sa.OpenPage("shared")
	require.NoError(t, err)
	pb, err := sb.OpenPage("shared")
	require.NoError(t, err)

	require.NoError(t, pa.Put(ctx, []byte("k"), []byte("first")))
	time.Sleep(10 * time.Millisecond) // distinct commit timestamps
	require.NoError(t, pb.Put(ctx, []byte("k"), []byte("second")))

	require.NoError(t, pa.Sync(ctx))
	require.NoError(t, pb.Sync(ctx))
	require.NoError(t, pa.Sync(ctx))

	for _, page := range []*Page{pa, pb} {
		got, err := page.Get(ctx, []byte("k"))
		require.NoError(t, err)
		require.Equal(t, []byte("second"), got)
	}
}

func TestStrictResolverSurfacesConflict(t *testing.T) {
	cloud := MemCloud()
	ctx := context.Background()

	sa := testStore(t, WithCloud(cloud), WithManualSync(), WithResolver(StrictResolver()))
	sb := testStore(t, WithCloud(cloud), WithManualSync(), WithResolver(StrictResolver()))
	pa, err := sa.OpenPage("shared")
	require.NoError(t, err)
	pb, err := sb.OpenPage("shared")
	require.NoError(t, err)

	require.NoError(t, pa.Put(ctx, []byte("k"), []byte("A")))
	require.NoError(t, pb.Put(ctx, []byte("k"), []byte("B")))

	require.NoError(t, pa.Sync(ctx))
	err = pb.Sync(ctx)
	require.ErrorIs(t, err, ErrConflict)

	stats, err := pb.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, stats.Heads, "a refused merge leaves the divergence visible")
}

func TestLazyValueFetchedOnDemand(t *testing.T) {
	cloud := MemCloud()
	ctx := context.Background()

	payload := bytes.Repeat([]byte("lazy-data-"), 100)

	sa := testStore(t, WithCloud(cloud), WithManualSync())
	sb := testStore(t, WithCloud(cloud), WithManualSync())
	pa, err := sa.OpenPage("shared")
	require.NoError(t, err)
	pb, err := sb.OpenPage("shared")
	require.NoError(t, err)

	require.NoError(t, pa.PutLazy(ctx, []byte("big"), payload))
	require.NoError(t, pa.Sync(ctx))
	require.NoError(t, pb.Sync(ctx))

	// the read triggers the download
	got, err := pb.Get(ctx, []byte("big"))
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestSyncWithoutCloud(t *testing.T) {
	s := testStore(t)
	page, err := s.OpenPage("p")
	require.NoError(t, err)
	require.ErrorIs(t, page.Sync(context.Background()), ErrNoCloud)

	stats, err := page.Stats(context.Background())
	require.NoError(t, err)
	require.Nil(t, stats.Sync)
}

func TestGCRemovesOrphans(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	page, err := s.OpenPage("p")
	require.NoError(t, err)
	require.NoError(t, page.Put(ctx, []byte("kept"), []byte("value")))

	// an aborted transaction leaves its staged objects orphaned
	boom := errors.New("abort")
	err = page.Update(ctx, func(tx *Tx) error {
		require.NoError(t, tx.Put([]byte("orphan"), bytes.Repeat([]byte("x"), 4096)))
		return boom
	})
	require.ErrorIs(t, err, boom)

	removed, err := s.GC(ctx)
	require.NoError(t, err)
	require.Greater(t, removed, 0)

	// committed data is untouched
	got, err := page.Get(ctx, []byte("kept"))
	require.NoError(t, err)
	require.Equal(t, []byte("value"), got)

	// and a second pass finds nothing more to do
	removed, err = s.GC(ctx)
	require.NoError(t, err)
	require.Zero(t, removed)
}

func TestSecondPageInSameStore(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	first, err := s.OpenPage("first")
	require.NoError(t, err)
	require.NoError(t, first.Put(ctx, []byte("k"), []byte("1")))

	// every page derives the byte-identical genesis commit; the shared
	// object store must not hide it from a later page's head set
	second, err := s.OpenPage("second")
	require.NoError(t, err)
	require.NoError(t, second.Put(ctx, []byte("k"), []byte("2")))

	got, err := first.Get(ctx, []byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("1"), got)
	got, err = second.Get(ctx, []byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("2"), got)

	for _, p := range []*Page{first, second} {
		stats, err := p.Stats(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, stats.Heads)
		require.Equal(t, 2, stats.Commits)
	}
}

func TestSimilarPageNamesStaySeparate(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := Open(WithDataDir(dir))
	require.NoError(t, err)

	names := map[string]string{"a/b": "slash", "a_b": "underscore", "a:b": "colon"}
	for name, value := range names {
		p, err := s.OpenPage(name)
		require.NoError(t, err)
		require.NoError(t, p.Put(ctx, []byte("k"), []byte(value)))
	}
	require.NoError(t, s.Close())

	// each name maps to its own on-disk state
	s2, err := Open(WithDataDir(dir))
	require.NoError(t, err)
	defer s2.Close()
	for name, value := range names {
		p, err := s2.OpenPage(name)
		require.NoError(t, err)
		got, err := p.Get(ctx, []byte("k"))
		require.NoError(t, err)
		require.Equal(t, []byte(value), got, "page %q", name)
	}
}

func TestGCWithCloudPageOpen(t *testing.T) {
	cloud := MemCloud()
	ctx := context.Background()

	s := testStore(t, WithCloud(cloud), WithManualSync())
	p, err := s.OpenPage("p")
	require.NoError(t, err)
	require.NoError(t, p.Put(ctx, []byte("k"), []byte("v")))
	require.NoError(t, p.Sync(ctx))

	// the collection freezes the page's engine and releases it afterwards
	_, err = s.GC(ctx)
	require.NoError(t, err)

	got, err := p.Get(ctx, []byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("v"), got)

	require.NoError(t, p.Put(ctx, []byte("k2"), []byte("v2")))
	require.NoError(t, p.Sync(ctx))
	require.Equal(t, 3, cloud.CommitCount("p"))
}

func TestOpenPageIdempotentAndClosed(t *testing.T) {
	s := testStore(t)
	p1, err := s.OpenPage("p")
	require.NoError(t, err)
	p2, err := s.OpenPage("p")
	require.NoError(t, err)
	require.Same(t, p1, p2)

	require.NoError(t, s.Close())
	_, err = s.OpenPage("other")
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, p1.Put(context.Background(), []byte("k"), []byte("v")), ErrClosed)
}
