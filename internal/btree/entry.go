// Package btree implements the persistent B-tree that represents page
// contents. Nodes are immutable objects in the content-addressed store, so
// two tree versions sharing a common sub-structure share the underlying
// objects: an edit rewrites only the path from the modified leaf to the
// root. Diff exploits the same property by skipping subtrees whose root
// identifiers are equal.
package btree

import (
	"bytes"

	"github.com/aweris/pagesync/internal/object"
)

// Priority controls when a value is transferred by sync. Eager values move
// with their commits; lazy values are fetched on first access.
type Priority uint8

const (
	PriorityEager Priority = iota
	PriorityLazy
)

func (p Priority) String() string {
	if p == PriorityLazy {
		return "lazy"
	}
	return "eager"
}

// Entry is one key/value row of page content.
type Entry struct {
	Key      []byte    `cbor:"k"`
	Value    object.ID `cbor:"v"`
	Priority Priority  `cbor:"p"`
}

// Equal reports whether two entries have the same key, value and priority.
func (e Entry) Equal(other Entry) bool {
	return bytes.Equal(e.Key, other.Key) && e.Value.Equal(other.Value) && e.Priority == other.Priority
}

// Change is one element of a tree diff: an entry that was inserted or
// modified, or (with Deleted set) removed.
type Change struct {
	Entry   Entry
	Deleted bool
}
