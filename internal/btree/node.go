package btree

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aweris/pagesync/internal/codec"
	"github.com/aweris/pagesync/internal/object"
)

// node is the in-memory form of one tree node. Entries are strictly
// increasing by key. Inner nodes (level > 0) carry len(entries)+1 children;
// child i covers the key range below entries[i], the last child the range
// above the final entry.
type node struct {
	level    int
	entries  []Entry
	children []object.ID
}

type nodeRecord struct {
	Level    int         `cbor:"l"`
	Entries  []Entry     `cbor:"e"`
	Children []object.ID `cbor:"c,omitempty"`
}

func (n *node) leaf() bool { return n.level == 0 }

func (t *Tree) load(ctx context.Context, id object.ID) (*node, error) {
	data, err := t.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load tree node %s: %w", id.Digest, err)
	}

	var rec nodeRecord
	if err := codec.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode tree node %s: %w", id.Digest, err)
	}

	n := &node{level: rec.Level, entries: rec.Entries, children: rec.Children}
	if err := n.validate(); err != nil {
		return nil, fmt.Errorf("tree node %s: %w", id.Digest, err)
	}
	return n, nil
}

func (t *Tree) save(ctx context.Context, n *node) (object.ID, error) {
	rec := nodeRecord{Level: n.level, Entries: n.entries, Children: n.children}
	data, err := codec.Marshal(rec)
	if err != nil {
		return object.ID{}, fmt.Errorf("encode tree node: %w", err)
	}
	id, err := t.store.Put(ctx, data)
	if err != nil {
		return object.ID{}, fmt.Errorf("store tree node: %w", err)
	}
	return id, nil
}

func (n *node) validate() error {
	for i := 1; i < len(n.entries); i++ {
		if bytes.Compare(n.entries[i-1].Key, n.entries[i].Key) >= 0 {
			return fmt.Errorf("keys not strictly increasing")
		}
	}
	if n.leaf() {
		if len(n.children) != 0 {
			return fmt.Errorf("leaf with children")
		}
		return nil
	}
	if len(n.children) != len(n.entries)+1 {
		return fmt.Errorf("inner node with %d entries, %d children", len(n.entries), len(n.children))
	}
	return nil
}

// search returns the index of key within entries and whether it is present.
// When absent, the index is the child slot the key would belong to.
func (n *node) search(key []byte) (int, bool) {
	lo, hi := 0, len(n.entries)
	for lo < hi {
		mid := (lo + hi) / 2
		switch bytes.Compare(n.entries[mid].Key, key) {
		case 0:
			return mid, true
		case -1:
			lo = mid + 1
		default:
			hi = mid
		}
	}
	return lo, false
}

// clone returns a mutable copy. Nodes loaded from the store are logically
// immutable; every mutation path copies first.
func (n *node) clone() *node {
	c := &node{level: n.level}
	c.entries = append([]Entry(nil), n.entries...)
	if n.children != nil {
		c.children = append([]object.ID(nil), n.children...)
	}
	return c
}

// Refs returns what a stored node references: its child node IDs and its
// entries (whose values carry the IDs and priorities). Sync uses it to ship
// tree structure and eager values; GC uses it for reachability marking.
func (t *Tree) Refs(ctx context.Context, id object.ID) (children []object.ID, entries []Entry, err error) {
	n, err := t.load(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return n.children, n.entries, nil
}

// DecodeRefs returns the children and entries of serialized node bytes
// without touching a store, so sync can resolve a node it has downloaded
// but not yet persisted.
func DecodeRefs(data []byte) (children []object.ID, entries []Entry, err error) {
	var rec nodeRecord
	if err := codec.Unmarshal(data, &rec); err != nil {
		return nil, nil, fmt.Errorf("decode tree node: %w", err)
	}
	n := &node{level: rec.Level, entries: rec.Entries, children: rec.Children}
	if err := n.validate(); err != nil {
		return nil, nil, err
	}
	return rec.Children, rec.Entries, nil
}
