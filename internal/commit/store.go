package commit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/aweris/pagesync/internal/object"
)

// Fetcher retrieves serialized commit bytes for commits that are referenced
// but not present locally. The sync engine installs one backed by the cloud
// provider; without a fetcher, missing parents are an error.
type Fetcher func(ctx context.Context, id object.ID) ([]byte, error)

// Store persists a single page's commit graph. Commit bodies live in the
// shared object store; the small mutable page state (head set, sync cursor,
// acknowledgement frontier, version marker) lives in one JSON metadata file
// written atomically, mirroring how the object store commits blobs.
type Store struct {
	objects  object.Store
	metaPath string

	mu      sync.Mutex
	meta    meta
	applied map[string]bool
	fetcher Fetcher
}

type meta struct {
	Heads []object.ID `json:"heads"`
	// Applied lists every commit folded into this page's head set. The
	// object store is shared across pages, so body presence there says
	// nothing about whether THIS page has seen the commit.
	Applied []object.ID `json:"applied,omitempty"`
	Cursor  string      `json:"cursor,omitempty"`
	Acked   []object.ID `json:"acked,omitempty"`
	Version string      `json:"version"`
}

// FormatVersion is the local schema marker compared against the cloud-side
// marker before the first sync of a page.
const FormatVersion = "1"

func Open(objects object.Store, metaPath string) (*Store, error) {
	s := &Store{objects: objects, metaPath: metaPath}

	data, err := os.ReadFile(metaPath)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &s.meta); err != nil {
			return nil, fmt.Errorf("parse page metadata %s: %w", metaPath, err)
		}
	case os.IsNotExist(err):
		s.meta = meta{Version: FormatVersion}
	default:
		return nil, fmt.Errorf("read page metadata %s: %w", metaPath, err)
	}

	s.applied = make(map[string]bool, len(s.meta.Applied))
	for _, id := range s.meta.Applied {
		s.applied[id.Digest] = true
	}
	return s, nil
}

// SetFetcher installs the lazy-fetch hook for missing sync parents.
func (s *Store) SetFetcher(f Fetcher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetcher = f
}

// Bootstrap ensures the page has its genesis commit, creating and storing
// it when the head set is empty. Returns the current heads afterwards.
func (s *Store) Bootstrap(ctx context.Context, emptyRoot object.ID) ([]object.ID, error) {
	s.mu.Lock()
	if len(s.meta.Heads) > 0 {
		heads := append([]object.ID(nil), s.meta.Heads...)
		s.mu.Unlock()
		return heads, nil
	}
	s.mu.Unlock()

	genesis, err := Genesis(emptyRoot)
	if err != nil {
		return nil, err
	}
	if err := s.Add(ctx, genesis, SourceLocal); err != nil {
		return nil, err
	}
	return []object.ID{genesis.ID()}, nil
}

// Add validates a commit, persists its body and updates the head set. The
// head update is atomic with respect to concurrent Adds: two commits racing
// to extend the same head both end up in the head set.
//
// For source=SourceSync, parents missing locally are fetched through the
// installed Fetcher before the commit is accepted, so a commit is never
// present without its full ancestry.
func (s *Store) Add(ctx context.Context, c *Commit, source Source) error {
	// Re-delivery of a commit this page already applied must not resurrect
	// it as a head. Appliedness lives in the page metadata: the body may sit
	// in the shared object store on behalf of another page, or from a crash
	// between the object put and the metadata write, and neither case means
	// the head set accounted for it.
	s.mu.Lock()
	if s.applied[c.ID().Digest] {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	for _, parentID := range c.Parents() {
		if err := s.ensurePresent(ctx, parentID, source); err != nil {
			return err
		}
		parent, err := s.Get(ctx, parentID)
		if err != nil {
			return err
		}
		if parent.Generation() >= c.Generation() {
			return fmt.Errorf("%w: generation %d not above parent %d", ErrInvalid, c.Generation(), parent.Generation())
		}
	}

	if _, err := s.objects.Put(ctx, c.Bytes()); err != nil {
		return fmt.Errorf("store commit %s: %w", c.ID().Digest, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.applied[c.ID().Digest] {
		return nil
	}

	heads := make([]object.ID, 0, len(s.meta.Heads)+1)
	present := false
	for _, h := range s.meta.Heads {
		if h.Equal(c.ID()) {
			present = true
		}
		if !isParentOf(c, h) {
			heads = append(heads, h)
		}
	}
	if !present {
		heads = append(heads, c.ID())
	}
	sort.Slice(heads, func(i, j int) bool { return heads[i].Digest < heads[j].Digest })
	s.meta.Heads = heads

	s.applied[c.ID().Digest] = true
	s.meta.Applied = append(s.meta.Applied, c.ID())
	sort.Slice(s.meta.Applied, func(i, j int) bool { return s.meta.Applied[i].Digest < s.meta.Applied[j].Digest })

	return s.saveLocked()
}

func isParentOf(c *Commit, id object.ID) bool {
	for _, p := range c.Parents() {
		if p.Equal(id) {
			return true
		}
	}
	return false
}

func (s *Store) ensurePresent(ctx context.Context, id object.ID, source Source) error {
	if ok, err := s.Has(ctx, id); err != nil {
		return err
	} else if ok {
		return nil
	}

	// the body may already sit in the shared object store on behalf of
	// another page; it still has to be folded into this page's head set
	data, err := s.objects.Get(ctx, id)
	if err == nil {
		parent, err := Decode(data)
		if err != nil {
			return err
		}
		return s.Add(ctx, parent, source)
	}
	if !errors.Is(err, object.ErrNotFound) {
		return err
	}

	s.mu.Lock()
	fetcher := s.fetcher
	s.mu.Unlock()

	if source != SourceSync || fetcher == nil {
		return fmt.Errorf("%w: %s", ErrMissingParent, id.Digest)
	}

	data, err = fetcher(ctx, id)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMissingParent, id.Digest, err)
	}
	parent, err := Decode(data)
	if err != nil {
		return err
	}
	if !parent.ID().Equal(id) {
		return fmt.Errorf("%w: fetched %s, want %s", object.ErrDigestMismatch, parent.ID().Digest, id.Digest)
	}
	return s.Add(ctx, parent, SourceSync)
}

// Get loads a commit by identifier.
func (s *Store) Get(ctx context.Context, id object.ID) (*Commit, error) {
	data, err := s.objects.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return Decode(data)
}

// Has reports whether this page has applied the commit. Body presence in
// the shared object store is deliberately not consulted: it can stem from
// another page or from a crash before the head set was updated.
func (s *Store) Has(_ context.Context, id object.ID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applied[id.Digest], nil
}

// Heads returns the current head set, sorted by digest. A single element
// means the page has converged; several mean unresolved divergence.
func (s *Store) Heads() []object.ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]object.ID(nil), s.meta.Heads...)
}

// WalkAncestors visits commits reachable from the given starting points in
// descending generation order, each once, until fn returns false.
func (s *Store) WalkAncestors(ctx context.Context, from []object.ID, fn func(*Commit) bool) error {
	seen := make(map[string]bool)
	var frontier []*Commit

	push := func(id object.ID) error {
		if seen[id.Digest] {
			return nil
		}
		seen[id.Digest] = true
		c, err := s.Get(ctx, id)
		if err != nil {
			return err
		}
		frontier = append(frontier, c)
		return nil
	}

	for _, id := range from {
		if err := push(id); err != nil {
			return err
		}
	}

	for len(frontier) > 0 {
		// take the highest generation next; ancestor order follows
		best := 0
		for i, c := range frontier {
			if c.Generation() > frontier[best].Generation() ||
				(c.Generation() == frontier[best].Generation() && c.ID().Digest < frontier[best].ID().Digest) {
				best = i
			}
		}
		c := frontier[best]
		frontier = append(frontier[:best], frontier[best+1:]...)

		if !fn(c) {
			return nil
		}
		for _, p := range c.Parents() {
			if err := push(p); err != nil {
				return err
			}
		}
	}
	return nil
}

// IsAncestor reports whether ancestor is reachable from descendant.
func (s *Store) IsAncestor(ctx context.Context, ancestor, descendant object.ID) (bool, error) {
	if ancestor.Equal(descendant) {
		return true, nil
	}
	target, err := s.Get(ctx, ancestor)
	if err != nil {
		return false, err
	}

	found := false
	err = s.WalkAncestors(ctx, []object.ID{descendant}, func(c *Commit) bool {
		if c.ID().Equal(ancestor) {
			found = true
			return false
		}
		// the walk pops highest generation first, so once a commit BELOW
		// the target's generation surfaces, the target can no longer be
		// reached. Commits AT the target's generation must not stop the
		// walk: a same-generation sibling can surface before the target.
		return c.Generation() >= target.Generation()
	})
	return found, err
}

// Cursor returns the persisted download resume token.
func (s *Store) Cursor() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meta.Cursor
}

// SetCursor persists the download resume token.
func (s *Store) SetCursor(cursor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.meta.Cursor = cursor
	return s.saveLocked()
}

// Acked returns the acknowledgement frontier: commits known to have landed
// in the cloud. Upload walks stop at this frontier.
func (s *Store) Acked() []object.ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]object.ID(nil), s.meta.Acked...)
}

// MarkAcked replaces the acknowledgement frontier.
func (s *Store) MarkAcked(ids []object.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.meta.Acked = append([]object.ID(nil), ids...)
	sort.Slice(s.meta.Acked, func(i, j int) bool { return s.meta.Acked[i].Digest < s.meta.Acked[j].Digest })
	return s.saveLocked()
}

// Version returns the local schema marker.
func (s *Store) Version() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meta.Version
}

func (s *Store) saveLocked() error {
	data, err := json.Marshal(s.meta)
	if err != nil {
		return fmt.Errorf("encode page metadata: %w", err)
	}

	dir := filepath.Dir(s.metaPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create page metadata dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".meta-*")
	if err != nil {
		return fmt.Errorf("create page metadata temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write page metadata: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close page metadata: %w", err)
	}
	if err := os.Rename(tmpName, s.metaPath); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("commit page metadata: %w", err)
	}
	return nil
}
