package btree

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aweris/pagesync/internal/object"
)

func collectDiff(t *testing.T, tree *Tree, a, b object.ID, from []byte) []Change {
	t.Helper()
	var changes []Change
	require.NoError(t, tree.Diff(context.Background(), a, b, from, func(c Change) bool {
		changes = append(changes, c)
		return true
	}))
	return changes
}

func TestDiffIdenticalRootsEmpty(t *testing.T) {
	tree, _ := testTree(t, smallConfig())
	ctx := context.Background()

	root, err := tree.EmptyRoot(ctx)
	require.NoError(t, err)
	for i := 0; i < 50; i++ {
		root, err = tree.Put(ctx, root, entryFor(fmt.Sprintf("key-%03d", i), "v"))
		require.NoError(t, err)
	}

	require.Empty(t, collectDiff(t, tree, root, root, nil))
}

func TestDiffSingleChange(t *testing.T) {
	tree, _ := testTree(t, smallConfig())
	ctx := context.Background()

	root, err := tree.EmptyRoot(ctx)
	require.NoError(t, err)
	for i := 0; i < 200; i++ {
		root, err = tree.Put(ctx, root, entryFor(fmt.Sprintf("key-%04d", i), "v"))
		require.NoError(t, err)
	}

	newRoot, err := tree.Put(ctx, root, entryFor("key-0100", "changed"))
	require.NoError(t, err)

	changes := collectDiff(t, tree, root, newRoot, nil)
	require.Len(t, changes, 1)
	require.Equal(t, "key-0100", string(changes[0].Entry.Key))
	require.False(t, changes[0].Deleted)
	require.Equal(t, object.Identify([]byte("changed")), changes[0].Entry.Value)
}

func TestDiffInsertAndDelete(t *testing.T) {
	tree, _ := testTree(t, smallConfig())
	ctx := context.Background()

	base, err := tree.EmptyRoot(ctx)
	require.NoError(t, err)
	for i := 0; i < 100; i++ {
		base, err = tree.Put(ctx, base, entryFor(fmt.Sprintf("key-%04d", i), "v"))
		require.NoError(t, err)
	}

	head := base
	head, err = tree.Put(ctx, head, entryFor("key-0500", "new"))
	require.NoError(t, err)
	head, err = tree.Delete(ctx, head, []byte("key-0050"))
	require.NoError(t, err)

	changes := collectDiff(t, tree, base, head, nil)
	require.Len(t, changes, 2)

	require.Equal(t, "key-0050", string(changes[0].Entry.Key))
	require.True(t, changes[0].Deleted)
	require.Equal(t, "key-0500", string(changes[1].Entry.Key))
	require.False(t, changes[1].Deleted)
}

func TestDiffAgainstEmptyTree(t *testing.T) {
	tree, _ := testTree(t, smallConfig())
	ctx := context.Background()

	empty, err := tree.EmptyRoot(ctx)
	require.NoError(t, err)

	full := empty
	for i := 0; i < 30; i++ {
		full, err = tree.Put(ctx, full, entryFor(fmt.Sprintf("key-%02d", i), "v"))
		require.NoError(t, err)
	}

	inserted := collectDiff(t, tree, empty, full, nil)
	require.Len(t, inserted, 30)
	for _, c := range inserted {
		require.False(t, c.Deleted)
	}

	deleted := collectDiff(t, tree, full, empty, nil)
	require.Len(t, deleted, 30)
	for _, c := range deleted {
		require.True(t, c.Deleted)
	}
}

func TestDiffRandomAgainstReference(t *testing.T) {
	tree, _ := testTree(t, smallConfig())
	ctx := context.Background()
	rng := rand.New(rand.NewSource(99))

	base, err := tree.EmptyRoot(ctx)
	require.NoError(t, err)
	baseRef := make(map[string]Entry)
	for i := 0; i < 400; i++ {
		e := entryFor(fmt.Sprintf("key-%04d", rng.Intn(600)), fmt.Sprintf("base-%d", i))
		base, err = tree.Put(ctx, base, e)
		require.NoError(t, err)
		baseRef[string(e.Key)] = e
	}

	head := base
	headRef := make(map[string]Entry, len(baseRef))
	for k, v := range baseRef {
		headRef[k] = v
	}
	for i := 0; i < 150; i++ {
		key := fmt.Sprintf("key-%04d", rng.Intn(800))
		if rng.Intn(3) == 0 {
			head, err = tree.Delete(ctx, head, []byte(key))
			if _, ok := headRef[key]; ok {
				require.NoError(t, err)
				delete(headRef, key)
			} else {
				require.ErrorIs(t, err, ErrKeyNotFound)
			}
		} else {
			e := entryFor(key, fmt.Sprintf("head-%d", i))
			head, err = tree.Put(ctx, head, e)
			require.NoError(t, err)
			headRef[key] = e
		}
	}

	want := make(map[string]Change)
	for k, e := range baseRef {
		he, ok := headRef[k]
		if !ok {
			want[k] = Change{Entry: e, Deleted: true}
		} else if !he.Equal(e) {
			want[k] = Change{Entry: he}
		}
	}
	for k, he := range headRef {
		if _, ok := baseRef[k]; !ok {
			want[k] = Change{Entry: he}
		}
	}

	changes := collectDiff(t, tree, base, head, nil)
	require.Len(t, changes, len(want))

	var lastKey string
	for _, c := range changes {
		key := string(c.Entry.Key)
		require.Greater(t, key, lastKey, "diff not in key order")
		lastKey = key

		expected, ok := want[key]
		require.True(t, ok, "unexpected change for %s", key)
		require.Equal(t, expected.Deleted, c.Deleted)
		if !expected.Deleted {
			require.True(t, expected.Entry.Equal(c.Entry))
		}
	}
}

func TestDiffRestartFromKey(t *testing.T) {
	tree, _ := testTree(t, smallConfig())
	ctx := context.Background()

	base, err := tree.EmptyRoot(ctx)
	require.NoError(t, err)
	head := base
	for i := 0; i < 100; i++ {
		head, err = tree.Put(ctx, head, entryFor(fmt.Sprintf("key-%03d", i), "v"))
		require.NoError(t, err)
	}

	all := collectDiff(t, tree, base, head, nil)
	require.Len(t, all, 100)

	// stop after 40 changes, restart from the next key
	var first []Change
	require.NoError(t, tree.Diff(ctx, base, head, nil, func(c Change) bool {
		first = append(first, c)
		return len(first) < 40
	}))
	require.Len(t, first, 40)

	// strictly after the last seen key
	resumeKey := append(append([]byte{}, first[len(first)-1].Entry.Key...), 0)
	rest := collectDiff(t, tree, base, head, resumeKey)
	require.Len(t, rest, 60)

	combined := append(first, rest...)
	require.Equal(t, all, combined)
}

func TestDiffSharedSubtreesNotLoaded(t *testing.T) {
	cfg := smallConfig()
	store := object.NewMemStore()
	tree, err := New(store, cfg)
	require.NoError(t, err)
	ctx := context.Background()

	root, err := tree.EmptyRoot(ctx)
	require.NoError(t, err)
	for i := 0; i < 1000; i++ {
		root, err = tree.Put(ctx, root, entryFor(fmt.Sprintf("key-%05d", i), "v"))
		require.NoError(t, err)
	}
	newRoot, err := tree.Put(ctx, root, entryFor("key-00500", "changed"))
	require.NoError(t, err)

	// count loads via a store wrapper
	counting := &countingStore{Store: store}
	tree2, err := New(counting, cfg)
	require.NoError(t, err)

	changes := collectDiff(t, tree2, root, newRoot, nil)
	require.Len(t, changes, 1)

	// a full scan would load hundreds of nodes; the short-circuit keeps it
	// to the two divergent root-to-leaf paths
	require.LessOrEqual(t, counting.gets, 30, "diff loaded %d nodes", counting.gets)
}

type countingStore struct {
	object.Store
	gets int
}

func (c *countingStore) Get(ctx context.Context, id object.ID) ([]byte, error) {
	c.gets++
	return c.Store.Get(ctx, id)
}

func TestDiffOrderIsSorted(t *testing.T) {
	tree, _ := testTree(t, smallConfig())
	ctx := context.Background()

	base, err := tree.EmptyRoot(ctx)
	require.NoError(t, err)
	head := base
	rng := rand.New(rand.NewSource(5))
	for i := 0; i < 300; i++ {
		head, err = tree.Put(ctx, head, entryFor(fmt.Sprintf("key-%04d", rng.Intn(10000)), "v"))
		require.NoError(t, err)
	}

	changes := collectDiff(t, tree, base, head, nil)
	keys := make([]string, len(changes))
	for i, c := range changes {
		keys[i] = string(c.Entry.Key)
	}
	require.True(t, sort.StringsAreSorted(keys))
}
