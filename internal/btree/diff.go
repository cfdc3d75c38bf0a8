package btree

import (
	"bytes"
	"context"

	"github.com/aweris/pagesync/internal/object"
)

// Diff streams the changes that turn the tree at root a into the tree at
// root b, in key order, starting at key from (nil for the beginning), until
// fn returns false. Modified and inserted keys are reported with the b-side
// entry, removed keys with the a-side entry and Deleted set.
//
// Subtrees with equal identifiers are skipped without loading them. Two
// structurally shared trees therefore diff in time proportional to the
// number of changes, not the size of the page; this is the property the
// sync engine's efficiency rests on.
func (t *Tree) Diff(ctx context.Context, a, b object.ID, from []byte, fn func(Change) bool) error {
	if a.Equal(b) {
		return nil
	}

	ca, err := t.newCursor(ctx, a)
	if err != nil {
		return err
	}
	cb, err := t.newCursor(ctx, b)
	if err != nil {
		return err
	}
	if err := ca.seek(ctx, from); err != nil {
		return err
	}
	if err := cb.seek(ctx, from); err != nil {
		return err
	}

	for {
		ta, tb := ca.peek(), cb.peek()

		switch {
		case ta == nil && tb == nil:
			return nil

		case ta != nil && tb != nil && ta.isChild && tb.isChild && ta.child.Equal(tb.child):
			// identical subtree on both sides, nothing in it changed
			ca.advance()
			cb.advance()

		case ta != nil && ta.isChild:
			if err := ca.descend(ctx); err != nil {
				return err
			}

		case tb != nil && tb.isChild:
			if err := cb.descend(ctx); err != nil {
				return err
			}

		case ta == nil:
			if !fn(Change{Entry: *tb.entry}) {
				return nil
			}
			cb.advance()

		case tb == nil:
			if !fn(Change{Entry: *ta.entry, Deleted: true}) {
				return nil
			}
			ca.advance()

		default:
			switch bytes.Compare(ta.entry.Key, tb.entry.Key) {
			case -1:
				if !fn(Change{Entry: *ta.entry, Deleted: true}) {
					return nil
				}
				ca.advance()
			case 1:
				if !fn(Change{Entry: *tb.entry}) {
					return nil
				}
				cb.advance()
			default:
				if !ta.entry.Equal(*tb.entry) {
					if !fn(Change{Entry: *tb.entry}) {
						return nil
					}
				}
				ca.advance()
				cb.advance()
			}
		}
	}
}
