package pagesync

import (
	"bytes"
	"context"
	"errors"
	"iter"

	"github.com/aweris/pagesync/internal/btree"
	"github.com/aweris/pagesync/internal/commit"
	"github.com/aweris/pagesync/internal/object"
	"github.com/aweris/pagesync/internal/sync"
)

// Snapshot is an immutable point-in-time view of a page: the tree of one
// commit. It stays valid and consistent while the page moves on.
type Snapshot struct {
	commit  *commit.Commit
	tree    *btree.Tree
	objects object.Store
	engine  *sync.Engine

	err error
}

// CommitID returns the identifier of the commit this snapshot pins.
func (s *Snapshot) CommitID() string { return s.commit.ID().Digest }

// Generation returns the snapshot commit's depth in the page history.
func (s *Snapshot) Generation() uint64 { return s.commit.Generation() }

// Lookup returns the entry for key without touching its value.
func (s *Snapshot) Lookup(ctx context.Context, key []byte) (Entry, error) {
	e, err := s.tree.Lookup(ctx, s.commit.Root(), key)
	if err != nil {
		return Entry{}, notFound(err)
	}
	return e, nil
}

// Get returns the value for key. Lazy values not yet local are fetched
// through the cloud on demand.
func (s *Snapshot) Get(ctx context.Context, key []byte) ([]byte, error) {
	entry, err := s.Lookup(ctx, key)
	if err != nil {
		return nil, err
	}

	data, err := object.GetValue(ctx, s.objects, entry.Value)
	if errors.Is(err, object.ErrNotFound) && s.engine != nil {
		if ferr := s.engine.FetchValue(ctx, entry.Value); ferr != nil {
			return nil, ferr
		}
		data, err = object.GetValue(ctx, s.objects, entry.Value)
	}
	if err != nil {
		return nil, notFound(err)
	}
	return data, nil
}

// Entries iterates all entries in key order. Iteration stops early on a
// storage error, which Err reports afterwards.
func (s *Snapshot) Entries(ctx context.Context) iter.Seq2[string, Entry] {
	return s.List(ctx, nil)
}

// List iterates entries whose keys start with prefix, in key order.
func (s *Snapshot) List(ctx context.Context, prefix []byte) iter.Seq2[string, Entry] {
	return func(yield func(string, Entry) bool) {
		s.err = s.tree.Walk(ctx, s.commit.Root(), prefix, func(e Entry) bool {
			if len(prefix) > 0 && !bytes.HasPrefix(e.Key, prefix) {
				return false
			}
			return yield(string(e.Key), e)
		})
	}
}

// Len counts the snapshot's entries.
func (s *Snapshot) Len(ctx context.Context) (int, error) {
	n := 0
	err := s.tree.Walk(ctx, s.commit.Root(), nil, func(Entry) bool {
		n++
		return true
	})
	return n, err
}

// Err returns the storage error that ended the last iteration, if any.
func (s *Snapshot) Err() error { return s.err }
