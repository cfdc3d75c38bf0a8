package merge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aweris/pagesync/internal/btree"
	"github.com/aweris/pagesync/internal/commit"
	"github.com/aweris/pagesync/internal/object"
)

// Merger produces merge commits for one page.
type Merger struct {
	commits  *commit.Store
	tree     *btree.Tree
	resolver Resolver
	now      func() int64
}

func New(commits *commit.Store, tree *btree.Tree, resolver Resolver) *Merger {
	if resolver == nil {
		resolver = LastWriterWins{}
	}
	return &Merger{
		commits:  commits,
		tree:     tree,
		resolver: resolver,
		now:      func() int64 { return time.Now().UnixMilli() },
	}
}

// CommonAncestor finds the lowest common ancestor of two commits by walking
// both histories backward ordered by generation. Generations strictly
// decrease along parent edges, so the walk never needs the full graph: the
// first commit reached from both sides is the answer.
func (m *Merger) CommonAncestor(ctx context.Context, a, b object.ID) (*commit.Commit, error) {
	const (
		fromLeft  = 1
		fromRight = 2
		fromBoth  = fromLeft | fromRight
	)

	type queued struct {
		c    *commit.Commit
		mask uint8
	}
	pending := make(map[string]*queued)

	push := func(id object.ID, mask uint8) error {
		if q, ok := pending[id.Digest]; ok {
			q.mask |= mask
			return nil
		}
		c, err := m.commits.Get(ctx, id)
		if err != nil {
			return fmt.Errorf("common ancestor: %w", err)
		}
		pending[id.Digest] = &queued{c: c, mask: mask}
		return nil
	}

	if err := push(a, fromLeft); err != nil {
		return nil, err
	}
	if err := push(b, fromRight); err != nil {
		return nil, err
	}

	for len(pending) > 0 {
		// pop the highest generation, ties broken by digest for determinism
		var best *queued
		for _, q := range pending {
			if best == nil || q.c.Generation() > best.c.Generation() ||
				(q.c.Generation() == best.c.Generation() && q.c.ID().Digest < best.c.ID().Digest) {
				best = q
			}
		}
		delete(pending, best.c.ID().Digest)

		if best.mask == fromBoth {
			return best.c, nil
		}
		for _, p := range best.c.Parents() {
			if err := push(p, best.mask); err != nil {
				return nil, err
			}
		}
	}
	return nil, fmt.Errorf("commits %s and %s share no ancestor", a.Digest, b.Digest)
}

// Merge three-way merges two divergent commits over their common ancestor
// and records the resulting commit, which becomes the new single head when
// no other divergence remains.
//
// Keys changed on only one side take that side's change; keys changed to
// the same result on both sides apply once; keys changed divergently go
// through the resolver.
func (m *Merger) Merge(ctx context.Context, left, right *commit.Commit) (*commit.Commit, error) {
	base, err := m.CommonAncestor(ctx, left.ID(), right.ID())
	if err != nil {
		return nil, err
	}

	newRoot, err := m.mergeTrees(ctx, base, left, right)
	if err != nil {
		return nil, err
	}

	ts := m.now()
	if left.Timestamp() > ts {
		ts = left.Timestamp()
	}
	if right.Timestamp() > ts {
		ts = right.Timestamp()
	}

	merged, err := commit.New([]*commit.Commit{left, right}, newRoot, ts)
	if err != nil {
		return nil, err
	}
	if err := m.commits.Add(ctx, merged, commit.SourceLocal); err != nil {
		return nil, err
	}
	return merged, nil
}

func (m *Merger) mergeTrees(ctx context.Context, base, left, right *commit.Commit) (object.ID, error) {
	if left.Root().Equal(right.Root()) {
		return left.Root(), nil
	}

	leftChanges := make(map[string]btree.Change)
	err := m.tree.Diff(ctx, base.Root(), left.Root(), nil, func(c btree.Change) bool {
		leftChanges[string(c.Entry.Key)] = c
		return true
	})
	if err != nil {
		return object.ID{}, fmt.Errorf("diff base..left: %w", err)
	}

	var rightChanges []btree.Change
	err = m.tree.Diff(ctx, base.Root(), right.Root(), nil, func(c btree.Change) bool {
		rightChanges = append(rightChanges, c)
		return true
	})
	if err != nil {
		return object.ID{}, fmt.Errorf("diff base..right: %w", err)
	}

	// start from the left tree and fold the right side's changes in
	newRoot := left.Root()
	for _, rc := range rightChanges {
		lc, leftTouched := leftChanges[string(rc.Entry.Key)]

		if !leftTouched {
			newRoot, err = m.apply(ctx, newRoot, rc)
			if err != nil {
				return object.ID{}, err
			}
			continue
		}

		if sameChange(lc, rc) {
			continue // both sides arrived at the same result
		}

		conflict := Conflict{
			Key:         rc.Entry.Key,
			LeftCommit:  left,
			RightCommit: right,
		}
		if baseEntry, err := m.tree.Lookup(ctx, base.Root(), rc.Entry.Key); err == nil {
			e := baseEntry
			conflict.Base = &e
		} else if !errors.Is(err, btree.ErrKeyNotFound) {
			return object.ID{}, err
		}
		if !lc.Deleted {
			e := lc.Entry
			conflict.Left = &e
		}
		if !rc.Deleted {
			e := rc.Entry
			conflict.Right = &e
		}

		winner, err := m.resolver.Resolve(ctx, conflict)
		if err != nil {
			return object.ID{}, err
		}
		if winner == nil {
			newRoot, err = m.apply(ctx, newRoot, btree.Change{Entry: btree.Entry{Key: rc.Entry.Key}, Deleted: true})
		} else {
			newRoot, err = m.apply(ctx, newRoot, btree.Change{Entry: *winner})
		}
		if err != nil {
			return object.ID{}, err
		}
	}
	return newRoot, nil
}

func (m *Merger) apply(ctx context.Context, root object.ID, c btree.Change) (object.ID, error) {
	if c.Deleted {
		newRoot, err := m.tree.Delete(ctx, root, c.Entry.Key)
		if err != nil && !errors.Is(err, btree.ErrKeyNotFound) {
			return object.ID{}, err
		}
		return newRoot, nil
	}
	return m.tree.Put(ctx, root, c.Entry)
}

func sameChange(a, b btree.Change) bool {
	if a.Deleted != b.Deleted {
		return false
	}
	return a.Deleted || a.Entry.Equal(b.Entry)
}

// ResolveHeads repeatedly merges pairs of heads until the page converges to
// a single head, which it returns. With one head it returns that head.
func (m *Merger) ResolveHeads(ctx context.Context) (*commit.Commit, error) {
	for {
		heads := m.commits.Heads()
		if len(heads) == 0 {
			return nil, fmt.Errorf("merge: page has no heads")
		}
		if len(heads) == 1 {
			return m.commits.Get(ctx, heads[0])
		}

		left, err := m.commits.Get(ctx, heads[0])
		if err != nil {
			return nil, err
		}
		right, err := m.commits.Get(ctx, heads[1])
		if err != nil {
			return nil, err
		}
		if _, err := m.Merge(ctx, left, right); err != nil {
			return nil, err
		}
	}
}
