// Package merge folds divergent heads of a page back into one. It finds the
// lowest common ancestor of two commits by walking the DAG backward in
// generation order, three-way diffs the trees, and produces a merge commit.
// Keys modified divergently on both sides go through a pluggable Resolver.
package merge

import (
	"context"
	"errors"
	"fmt"

	"github.com/aweris/pagesync/internal/btree"
	"github.com/aweris/pagesync/internal/commit"
)

// ErrConflict is returned when the configured resolver refuses to pick a
// winner, surfacing the conflict to the application instead.
var ErrConflict = errors.New("merge: conflict")

// Conflict describes one key modified divergently on both merge inputs.
// Nil entries mean the key is absent (or deleted) on that side.
type Conflict struct {
	Key   []byte
	Base  *btree.Entry
	Left  *btree.Entry
	Right *btree.Entry

	LeftCommit  *commit.Commit
	RightCommit *commit.Commit
}

// Resolver decides conflicting keys. Returning a nil entry deletes the key
// from the merge result; returning an error aborts the merge.
type Resolver interface {
	Resolve(ctx context.Context, c Conflict) (*btree.Entry, error)
}

// LastWriterWins picks the side whose commit carries the later timestamp,
// breaking ties by commit digest so every device picks the same winner.
// This is the default policy.
type LastWriterWins struct{}

func (LastWriterWins) Resolve(_ context.Context, c Conflict) (*btree.Entry, error) {
	if rightWins(c.LeftCommit, c.RightCommit) {
		return c.Right, nil
	}
	return c.Left, nil
}

func rightWins(left, right *commit.Commit) bool {
	if right.Timestamp() != left.Timestamp() {
		return right.Timestamp() > left.Timestamp()
	}
	return right.ID().Digest > left.ID().Digest
}

// Strict refuses every conflict, for pages that require manual resolution.
type Strict struct{}

func (Strict) Resolve(_ context.Context, c Conflict) (*btree.Entry, error) {
	return nil, fmt.Errorf("%w: key %q modified on both sides", ErrConflict, c.Key)
}
