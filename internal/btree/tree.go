package btree

import (
	"context"
	"errors"
	"fmt"

	"github.com/aweris/pagesync/internal/object"
)

// ErrKeyNotFound is returned by Lookup and Delete for an absent key.
var ErrKeyNotFound = errors.New("btree: key not found")

// Config bounds node fan-out. Every node holds at most MaxFanout entries;
// every node except the root holds at least MinFanout. MaxFanout must be at
// least 2*MinFanout so that merging two minimal siblings plus their
// separator never overflows.
type Config struct {
	MinFanout int
	MaxFanout int
}

func DefaultConfig() Config {
	return Config{MinFanout: 8, MaxFanout: 32}
}

// Tree performs operations against immutable roots. A Tree itself holds no
// tree state, only the store handle and fan-out bounds, so one Tree can
// serve any number of roots concurrently.
type Tree struct {
	store object.Store
	cfg   Config
}

func New(store object.Store, cfg Config) (*Tree, error) {
	if cfg.MinFanout < 2 {
		return nil, fmt.Errorf("btree: min fanout %d, need at least 2", cfg.MinFanout)
	}
	if cfg.MaxFanout < 2*cfg.MinFanout {
		return nil, fmt.Errorf("btree: max fanout %d too small for min fanout %d", cfg.MaxFanout, cfg.MinFanout)
	}
	return &Tree{store: store, cfg: cfg}, nil
}

// EmptyRoot stores and returns the root of an empty tree.
func (t *Tree) EmptyRoot(ctx context.Context) (object.ID, error) {
	return t.save(ctx, &node{level: 0})
}

// Lookup returns the entry for key, or ErrKeyNotFound.
func (t *Tree) Lookup(ctx context.Context, root object.ID, key []byte) (Entry, error) {
	id := root
	for {
		n, err := t.load(ctx, id)
		if err != nil {
			return Entry{}, err
		}
		i, found := n.search(key)
		if found {
			return n.entries[i], nil
		}
		if n.leaf() {
			return Entry{}, ErrKeyNotFound
		}
		id = n.children[i]
	}
}

// Put inserts or replaces an entry and returns the new root. Only nodes on
// the path from the affected leaf to the root are rewritten. Storing an
// entry identical to the present one returns the root unchanged.
func (t *Tree) Put(ctx context.Context, root object.ID, e Entry) (object.ID, error) {
	if len(e.Key) == 0 {
		return object.ID{}, fmt.Errorf("btree: empty key")
	}

	newID, sp, err := t.insert(ctx, root, e)
	if err != nil {
		return object.ID{}, err
	}
	if sp == nil {
		return newID, nil
	}

	newRoot := &node{
		level:    sp.level + 1,
		entries:  []Entry{sp.median},
		children: []object.ID{sp.left, sp.right},
	}
	return t.save(ctx, newRoot)
}

// Delete removes key and returns the new root. Returns the root unchanged
// alongside ErrKeyNotFound when the key is absent.
func (t *Tree) Delete(ctx context.Context, root object.ID, key []byte) (object.ID, error) {
	n, err := t.load(ctx, root)
	if err != nil {
		return object.ID{}, err
	}

	nn, found, err := t.deleteFrom(ctx, n, key)
	if err != nil {
		return object.ID{}, err
	}
	if !found {
		return root, ErrKeyNotFound
	}

	// An inner root left without entries collapses to its single child,
	// which is already stored.
	if !nn.leaf() && len(nn.entries) == 0 {
		return nn.children[0], nil
	}
	return t.save(ctx, nn)
}

type splitResult struct {
	left   object.ID
	median Entry
	right  object.ID
	level  int
}

func (t *Tree) insert(ctx context.Context, id object.ID, e Entry) (object.ID, *splitResult, error) {
	n, err := t.load(ctx, id)
	if err != nil {
		return object.ID{}, nil, err
	}

	i, found := n.search(e.Key)

	var c *node
	switch {
	case found:
		if n.entries[i].Equal(e) {
			return id, nil, nil // identical entry, tree unchanged
		}
		c = n.clone()
		c.entries[i] = e

	case n.leaf():
		c = n.clone()
		c.entries = append(c.entries, Entry{})
		copy(c.entries[i+1:], c.entries[i:])
		c.entries[i] = e

	default:
		childID, sp, err := t.insert(ctx, n.children[i], e)
		if err != nil {
			return object.ID{}, nil, err
		}
		if sp == nil {
			if childID.Equal(n.children[i]) {
				return id, nil, nil // no-op below, share the whole subtree
			}
			c = n.clone()
			c.children[i] = childID
		} else {
			c = n.clone()
			c.children[i] = sp.left
			c.entries = append(c.entries, Entry{})
			copy(c.entries[i+1:], c.entries[i:])
			c.entries[i] = sp.median
			c.children = append(c.children, object.ID{})
			copy(c.children[i+2:], c.children[i+1:])
			c.children[i+1] = sp.right
		}
	}

	if len(c.entries) > t.cfg.MaxFanout {
		return t.split(ctx, c)
	}

	nid, err := t.save(ctx, c)
	return nid, nil, err
}

func (t *Tree) split(ctx context.Context, c *node) (object.ID, *splitResult, error) {
	mid := len(c.entries) / 2
	median := c.entries[mid]

	left := &node{level: c.level, entries: append([]Entry(nil), c.entries[:mid]...)}
	right := &node{level: c.level, entries: append([]Entry(nil), c.entries[mid+1:]...)}
	if !c.leaf() {
		left.children = append([]object.ID(nil), c.children[:mid+1]...)
		right.children = append([]object.ID(nil), c.children[mid+1:]...)
	}

	leftID, err := t.save(ctx, left)
	if err != nil {
		return object.ID{}, nil, err
	}
	rightID, err := t.save(ctx, right)
	if err != nil {
		return object.ID{}, nil, err
	}
	return object.ID{}, &splitResult{left: leftID, median: median, right: rightID, level: c.level}, nil
}

// deleteFrom removes key from the subtree rooted at n and returns the
// modified, not yet stored, replacement node.
func (t *Tree) deleteFrom(ctx context.Context, n *node, key []byte) (*node, bool, error) {
	i, found := n.search(key)

	if n.leaf() {
		if !found {
			return n, false, nil
		}
		c := n.clone()
		c.entries = append(c.entries[:i], c.entries[i+1:]...)
		return c, true, nil
	}

	if found {
		// Replace the separator with the predecessor pulled out of the
		// left child subtree.
		child, err := t.load(ctx, n.children[i])
		if err != nil {
			return nil, false, err
		}
		child2, pred, err := t.deleteMax(ctx, child)
		if err != nil {
			return nil, false, err
		}
		c := n.clone()
		c.entries[i] = pred
		if err := t.fixChild(ctx, c, i, child2); err != nil {
			return nil, false, err
		}
		return c, true, nil
	}

	child, err := t.load(ctx, n.children[i])
	if err != nil {
		return nil, false, err
	}
	child2, childFound, err := t.deleteFrom(ctx, child, key)
	if err != nil {
		return nil, false, err
	}
	if !childFound {
		return n, false, nil
	}
	c := n.clone()
	if err := t.fixChild(ctx, c, i, child2); err != nil {
		return nil, false, err
	}
	return c, true, nil
}

// deleteMax removes and returns the greatest entry of the subtree.
func (t *Tree) deleteMax(ctx context.Context, n *node) (*node, Entry, error) {
	if n.leaf() {
		c := n.clone()
		last := len(c.entries) - 1
		max := c.entries[last]
		c.entries = c.entries[:last]
		return c, max, nil
	}

	i := len(n.children) - 1
	child, err := t.load(ctx, n.children[i])
	if err != nil {
		return nil, Entry{}, err
	}
	child2, max, err := t.deleteMax(ctx, child)
	if err != nil {
		return nil, Entry{}, err
	}
	c := n.clone()
	if err := t.fixChild(ctx, c, i, child2); err != nil {
		return nil, Entry{}, err
	}
	return c, max, nil
}

// fixChild stores the modified child into parent slot i, rebalancing first
// when the child dropped below MinFanout: borrow from a sibling with spare
// entries, otherwise merge with one. The parent (a private clone) is
// adjusted in place and stored later by the caller's caller.
func (t *Tree) fixChild(ctx context.Context, parent *node, i int, child *node) error {
	if len(child.entries) >= t.cfg.MinFanout {
		id, err := t.save(ctx, child)
		if err != nil {
			return err
		}
		parent.children[i] = id
		return nil
	}

	var left, right *node
	var err error
	if i > 0 {
		if left, err = t.load(ctx, parent.children[i-1]); err != nil {
			return err
		}
	}
	if i < len(parent.children)-1 {
		if right, err = t.load(ctx, parent.children[i+1]); err != nil {
			return err
		}
	}

	switch {
	case left != nil && len(left.entries) > t.cfg.MinFanout:
		lc := left.clone()
		last := len(lc.entries) - 1
		child.entries = append([]Entry{parent.entries[i-1]}, child.entries...)
		parent.entries[i-1] = lc.entries[last]
		lc.entries = lc.entries[:last]
		if !child.leaf() {
			lastChild := len(lc.children) - 1
			child.children = append([]object.ID{lc.children[lastChild]}, child.children...)
			lc.children = lc.children[:lastChild]
		}
		return t.saveInto(ctx, parent, map[int]*node{i - 1: lc, i: child})

	case right != nil && len(right.entries) > t.cfg.MinFanout:
		rc := right.clone()
		child.entries = append(child.entries, parent.entries[i])
		parent.entries[i] = rc.entries[0]
		rc.entries = rc.entries[1:]
		if !child.leaf() {
			child.children = append(child.children, rc.children[0])
			rc.children = rc.children[1:]
		}
		return t.saveInto(ctx, parent, map[int]*node{i: child, i + 1: rc})

	case left != nil:
		merged := &node{level: child.level}
		merged.entries = append(merged.entries, left.entries...)
		merged.entries = append(merged.entries, parent.entries[i-1])
		merged.entries = append(merged.entries, child.entries...)
		if !child.leaf() {
			merged.children = append(merged.children, left.children...)
			merged.children = append(merged.children, child.children...)
		}
		id, err := t.save(ctx, merged)
		if err != nil {
			return err
		}
		parent.entries = append(parent.entries[:i-1], parent.entries[i:]...)
		parent.children = append(parent.children[:i], parent.children[i+1:]...)
		parent.children[i-1] = id
		return nil

	case right != nil:
		merged := &node{level: child.level}
		merged.entries = append(merged.entries, child.entries...)
		merged.entries = append(merged.entries, parent.entries[i])
		merged.entries = append(merged.entries, right.entries...)
		if !child.leaf() {
			merged.children = append(merged.children, child.children...)
			merged.children = append(merged.children, right.children...)
		}
		id, err := t.save(ctx, merged)
		if err != nil {
			return err
		}
		parent.entries = append(parent.entries[:i], parent.entries[i+1:]...)
		parent.children = append(parent.children[:i+1], parent.children[i+2:]...)
		parent.children[i] = id
		return nil

	default:
		// parent is a root holding a single child; the under-full child is
		// legal there and the caller collapses empty roots.
		id, err := t.save(ctx, child)
		if err != nil {
			return err
		}
		parent.children[i] = id
		return nil
	}
}

func (t *Tree) saveInto(ctx context.Context, parent *node, nodes map[int]*node) error {
	for slot, n := range nodes {
		id, err := t.save(ctx, n)
		if err != nil {
			return err
		}
		parent.children[slot] = id
	}
	return nil
}
