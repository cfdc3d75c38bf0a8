package btree

import (
	"bytes"
	"context"

	"github.com/aweris/pagesync/internal/object"
)

// cursor streams a tree's content in key order as a sequence of tokens.
// A token is either an entry or an unexpanded child subtree; leaving
// subtrees unexpanded until needed is what lets Diff skip shared structure
// wholesale instead of comparing entry by entry.
type cursor struct {
	t     *Tree
	stack []frame
}

type frame struct {
	n   *node
	pos int
}

// Token positions within a node: a leaf exposes its entries directly; an
// inner node interleaves children and entries, children at even positions.
func (f *frame) tokenCount() int {
	if f.n.leaf() {
		return len(f.n.entries)
	}
	return 2*len(f.n.entries) + 1
}

type token struct {
	entry   *Entry
	child   object.ID
	isChild bool
}

func (t *Tree) newCursor(ctx context.Context, root object.ID) (*cursor, error) {
	n, err := t.load(ctx, root)
	if err != nil {
		return nil, err
	}
	return &cursor{t: t, stack: []frame{{n: n}}}, nil
}

// peek returns the current token, or nil when the stream is exhausted.
func (c *cursor) peek() *token {
	for len(c.stack) > 0 {
		f := &c.stack[len(c.stack)-1]
		if f.pos < f.tokenCount() {
			if f.n.leaf() {
				return &token{entry: &f.n.entries[f.pos]}
			}
			if f.pos%2 == 0 {
				return &token{child: f.n.children[f.pos/2], isChild: true}
			}
			return &token{entry: &f.n.entries[f.pos/2]}
		}
		c.stack = c.stack[:len(c.stack)-1]
	}
	return nil
}

// advance moves past the current token. For a child token this skips the
// entire subtree.
func (c *cursor) advance() {
	if len(c.stack) > 0 {
		c.stack[len(c.stack)-1].pos++
	}
}

// descend expands the current child token in place.
func (c *cursor) descend(ctx context.Context) error {
	f := &c.stack[len(c.stack)-1]
	id := f.n.children[f.pos/2]
	f.pos++

	n, err := c.t.load(ctx, id)
	if err != nil {
		return err
	}
	c.stack = append(c.stack, frame{n: n})
	return nil
}

// seek positions the cursor at the first entry with key >= from, skipping
// subtrees that lie entirely below it.
func (c *cursor) seek(ctx context.Context, from []byte) error {
	if len(from) == 0 {
		return nil
	}
	for {
		tok := c.peek()
		if tok == nil {
			return nil
		}
		if tok.isChild {
			f := &c.stack[len(c.stack)-1]
			entryIdx := f.pos / 2
			if entryIdx < len(f.n.entries) && bytes.Compare(f.n.entries[entryIdx].Key, from) <= 0 {
				// every key in this child is below the separator, hence below from
				c.advance()
				continue
			}
			if err := c.descend(ctx); err != nil {
				return err
			}
			continue
		}
		if bytes.Compare(tok.entry.Key, from) < 0 {
			c.advance()
			continue
		}
		return nil
	}
}

// Walk calls fn for every entry with key >= from, in key order, until fn
// returns false or the tree is exhausted.
func (t *Tree) Walk(ctx context.Context, root object.ID, from []byte, fn func(Entry) bool) error {
	cur, err := t.newCursor(ctx, root)
	if err != nil {
		return err
	}
	if err := cur.seek(ctx, from); err != nil {
		return err
	}
	for {
		tok := cur.peek()
		if tok == nil {
			return nil
		}
		if tok.isChild {
			if err := cur.descend(ctx); err != nil {
				return err
			}
			continue
		}
		if !fn(*tok.entry) {
			return nil
		}
		cur.advance()
	}
}
