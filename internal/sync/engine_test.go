package sync

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aweris/pagesync/internal/btree"
	"github.com/aweris/pagesync/internal/commit"
	"github.com/aweris/pagesync/internal/merge"
	"github.com/aweris/pagesync/internal/object"
)

// device bundles the per-device stores and engine of one page, simulating
// one participant of a sync topology.
type device struct {
	objects *object.MemStore
	commits *commit.Store
	tree    *btree.Tree
	engine  *Engine
	chunks  object.ChunkConfig
}

func newDevice(t *testing.T, cloud CloudProvider, page string) *device {
	t.Helper()
	ctx := context.Background()

	objects := object.NewMemStore()
	tree, err := btree.New(objects, btree.Config{MinFanout: 2, MaxFanout: 4})
	require.NoError(t, err)
	commits, err := commit.Open(objects, filepath.Join(t.TempDir(), "meta.json"))
	require.NoError(t, err)

	root, err := tree.EmptyRoot(ctx)
	require.NoError(t, err)
	_, err = commits.Bootstrap(ctx, root)
	require.NoError(t, err)

	engine, err := New(Config{
		Page:    page,
		Objects: objects,
		Commits: commits,
		Tree:    tree,
		Merger:  merge.New(commits, tree, nil),
		Cloud:   cloud,
	})
	require.NoError(t, err)

	return &device{
		objects: objects,
		commits: commits,
		tree:    tree,
		engine:  engine,
		chunks:  object.ChunkConfig{Threshold: 256, Min: 64, Avg: 128, Max: 512},
	}
}

func (d *device) head(t *testing.T) *commit.Commit {
	t.Helper()
	heads := d.commits.Heads()
	require.Len(t, heads, 1)
	c, err := d.commits.Get(context.Background(), heads[0])
	require.NoError(t, err)
	return c
}

// put stores one value on top of the single current head.
func (d *device) put(t *testing.T, ts int64, key, value string, priority btree.Priority) *commit.Commit {
	t.Helper()
	ctx := context.Background()

	parent := d.head(t)
	id, err := object.PutValue(ctx, d.objects, []byte(value), d.chunks)
	require.NoError(t, err)
	root, err := d.tree.Put(ctx, parent.Root(), btree.Entry{Key: []byte(key), Value: id, Priority: priority})
	require.NoError(t, err)

	c, err := commit.New([]*commit.Commit{parent}, root, ts)
	require.NoError(t, err)
	require.NoError(t, d.commits.Add(ctx, c, commit.SourceLocal))
	return c
}

func (d *device) value(t *testing.T, key string) string {
	t.Helper()
	ctx := context.Background()
	e, err := d.tree.Lookup(ctx, d.head(t).Root(), []byte(key))
	require.NoError(t, err)
	data, err := object.GetValue(ctx, d.objects, e.Value)
	require.NoError(t, err)
	return string(data)
}

func TestSyncRoundTripTwoDevices(t *testing.T) {
	cloud := NewMemProvider()
	ctx := context.Background()

	a := newDevice(t, cloud, "notes")
	a.put(t, 1, "greeting", "hello", btree.PriorityEager)
	require.NoError(t, a.engine.Sync(ctx))
	require.Equal(t, StateIdle, a.engine.State())
	require.Equal(t, 2, cloud.CommitCount("notes"), "genesis plus one edit")

	b := newDevice(t, cloud, "notes")
	require.NoError(t, b.engine.Sync(ctx))

	require.Equal(t, a.head(t).ID(), b.head(t).ID())
	require.Equal(t, "hello", b.value(t, "greeting"))

	stats := b.engine.Stats()
	require.Equal(t, uint64(1), stats.CommitsDownloaded, "shared genesis is derived, not downloaded")
	require.Equal(t, 1, stats.Heads)
}

func TestConvergenceAfterConcurrentEdits(t *testing.T) {
	cloud := NewMemProvider()
	ctx := context.Background()

	a := newDevice(t, cloud, "page")
	b := newDevice(t, cloud, "page")

	a.put(t, 100, "a", "1", btree.PriorityEager)
	require.NoError(t, a.engine.Sync(ctx))

	// b edits offline, then syncs: it learns a's commit, sees two heads,
	// merges and uploads the merge
	b.put(t, 200, "b", "2", btree.PriorityEager)
	require.NoError(t, b.engine.Sync(ctx))

	merged := b.head(t)
	require.Len(t, merged.Parents(), 2)
	require.Equal(t, "1", b.value(t, "a"))
	require.Equal(t, "2", b.value(t, "b"))

	// a syncs again and converges onto the same merge commit
	require.NoError(t, a.engine.Sync(ctx))
	require.Equal(t, merged.ID(), a.head(t).ID())
	require.Equal(t, "1", a.value(t, "a"))
	require.Equal(t, "2", a.value(t, "b"))
}

func TestUploadResumesAfterPartialAck(t *testing.T) {
	cloud := NewMemProvider()
	ctx := context.Background()

	a := newDevice(t, cloud, "page")
	for i := 0; i < 4; i++ {
		a.put(t, int64(i+1), fmt.Sprintf("key-%d", i), "v", btree.PriorityEager)
	}

	// genesis plus four edits pending; the cloud only takes three
	cloud.AcceptLimit(3)
	err := a.engine.Sync(ctx)
	require.Error(t, err)
	require.Equal(t, StateError, a.engine.State())
	require.Equal(t, 3, cloud.CommitCount("page"))

	cloud.AcceptLimit(0)
	require.NoError(t, a.engine.Sync(ctx))
	require.Equal(t, 5, cloud.CommitCount("page"))
	require.Equal(t, uint64(5), a.engine.Stats().CommitsUploaded)

	// the resumed batch carries exactly the unacknowledged remainder
	batches := cloud.Batches()
	require.Len(t, batches, 2)
	require.Len(t, batches[0], 5)
	require.Len(t, batches[1], 2)
	acked := map[string]bool{}
	for _, digest := range batches[0][:3] {
		acked[digest] = true
	}
	for _, digest := range batches[1] {
		require.False(t, acked[digest], "acknowledged commit re-sent: %s", digest)
	}
}

func TestVersionMismatchDisablesSync(t *testing.T) {
	cloud := NewMemProvider()
	cloud.SetVersion("page", "99")
	ctx := context.Background()

	a := newDevice(t, cloud, "page")
	a.put(t, 1, "k", "v", btree.PriorityEager)

	err := a.engine.Sync(ctx)
	require.ErrorIs(t, err, ErrSyncDisabled)
	require.Equal(t, StateDisabled, a.engine.State())
	require.Zero(t, cloud.CommitCount("page"), "nothing uploaded to an incompatible cloud")

	// local data is untouched
	require.Equal(t, "v", a.value(t, "k"))
}

func TestNetworkErrorDegradesAndRecovers(t *testing.T) {
	cloud := NewMemProvider()
	ctx := context.Background()

	a := newDevice(t, cloud, "page")
	a.put(t, 1, "k", "v", btree.PriorityEager)

	cloud.FailNext(1)
	err := a.engine.Sync(ctx)
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrSyncDisabled)
	require.Equal(t, StateError, a.engine.State())

	require.NoError(t, a.engine.Sync(ctx))
	require.Equal(t, StateIdle, a.engine.State())
	require.NoError(t, a.engine.Err())
	require.Equal(t, 2, cloud.CommitCount("page"))
}

func TestCursorSkipsAppliedRecords(t *testing.T) {
	cloud := NewMemProvider()
	ctx := context.Background()

	a := newDevice(t, cloud, "page")
	a.put(t, 1, "k", "v", btree.PriorityEager)
	require.NoError(t, a.engine.Sync(ctx))

	b := newDevice(t, cloud, "page")
	require.NoError(t, b.engine.Sync(ctx))
	downloaded := b.engine.Stats().CommitsDownloaded

	require.NoError(t, b.engine.Sync(ctx))
	require.Equal(t, downloaded, b.engine.Stats().CommitsDownloaded, "second pass must download nothing")
}

func TestLazyValuesTransferOnDemand(t *testing.T) {
	cloud := NewMemProvider()
	ctx := context.Background()

	a := newDevice(t, cloud, "page")
	c := a.put(t, 1, "big", "lazy-payload", btree.PriorityLazy)
	require.NoError(t, a.engine.Sync(ctx))

	entry, err := a.tree.Lookup(ctx, c.Root(), []byte("big"))
	require.NoError(t, err)
	require.True(t, cloud.HasObject(entry.Value.Digest), "lazy value must reach the cloud")

	b := newDevice(t, cloud, "page")
	require.NoError(t, b.engine.Sync(ctx))

	// the entry arrives with the tree, the value stays remote
	got, err := b.tree.Lookup(ctx, b.head(t).Root(), []byte("big"))
	require.NoError(t, err)
	has, err := b.objects.Has(ctx, got.Value)
	require.NoError(t, err)
	require.False(t, has, "lazy value must not be downloaded with the commit")

	require.NoError(t, b.engine.FetchValue(ctx, got.Value))
	data, err := object.GetValue(ctx, b.objects, got.Value)
	require.NoError(t, err)
	require.Equal(t, "lazy-payload", string(data))
}

func TestChunkedValueRoundTrip(t *testing.T) {
	cloud := NewMemProvider()
	ctx := context.Background()

	payload := make([]byte, 4096)
	for i := range payload {
		payload[i] = byte(i * 31)
	}

	a := newDevice(t, cloud, "page")
	a.put(t, 1, "blob", string(payload), btree.PriorityEager)
	require.NoError(t, a.engine.Sync(ctx))

	// index object plus several chunks, beyond the node and commit objects
	require.Greater(t, cloud.ObjectCount(), 5)

	b := newDevice(t, cloud, "page")
	require.NoError(t, b.engine.Sync(ctx))
	require.Equal(t, string(payload), b.value(t, "blob"))
}

func TestLazyAncestorFetch(t *testing.T) {
	cloud := NewMemProvider()
	ctx := context.Background()

	a := newDevice(t, cloud, "page")
	for i := 0; i < 3; i++ {
		a.put(t, int64(i+1), fmt.Sprintf("k%d", i), fmt.Sprintf("v%d", i), btree.PriorityEager)
	}
	require.NoError(t, a.engine.Sync(ctx))
	require.Equal(t, 4, cloud.CommitCount("page"))

	// b resumes from a cursor past the middle of the log, so the tip's
	// ancestors have to be fetched lazily through the cloud
	b := newDevice(t, cloud, "page")
	require.NoError(t, b.commits.SetCursor("3"))
	require.NoError(t, b.engine.Sync(ctx))

	require.Equal(t, a.head(t).ID(), b.head(t).ID())
	for i := 0; i < 3; i++ {
		require.Equal(t, fmt.Sprintf("v%d", i), b.value(t, fmt.Sprintf("k%d", i)))
	}
}

func TestSuspendDefersSyncPass(t *testing.T) {
	cloud := NewMemProvider()
	ctx := context.Background()

	a := newDevice(t, cloud, "page")
	a.put(t, 1, "k", "v", btree.PriorityEager)

	resume := a.engine.Suspend()
	done := make(chan error, 1)
	go func() { done <- a.engine.Sync(ctx) }()

	select {
	case <-done:
		t.Fatal("sync pass ran while suspended")
	case <-time.After(50 * time.Millisecond):
	}
	require.Zero(t, cloud.CommitCount("page"), "nothing may reach the cloud while suspended")

	resume()
	require.NoError(t, <-done)
	require.Equal(t, 2, cloud.CommitCount("page"))
}

func TestUploadDedupDoesNotAccumulateAcrossPasses(t *testing.T) {
	cloud := NewMemProvider()
	ctx := context.Background()

	a := newDevice(t, cloud, "page")
	first := a.put(t, 1, "k", "v", btree.PriorityEager)
	require.NoError(t, a.engine.Sync(ctx))

	a.put(t, 2, "k2", "v2", btree.PriorityEager)
	require.NoError(t, a.engine.Sync(ctx))

	// the acked frontier keeps settled commits out of later uploads, so
	// the dedup set only has to span a single pass
	a.engine.mu.Lock()
	stale := a.engine.uploaded[first.ID().Digest]
	a.engine.mu.Unlock()
	require.False(t, stale, "dedup set must reset between passes")
}

func TestRunLoopSyncsAndStops(t *testing.T) {
	cloud := NewMemProvider()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := newDevice(t, cloud, "page")
	a.engine.cfg.PollInterval = 10 * time.Millisecond
	a.put(t, 1, "k", "v", btree.PriorityEager)

	done := make(chan struct{})
	go func() {
		a.engine.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return cloud.CommitCount("page") == 2
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("run loop did not stop on cancel")
	}
}
