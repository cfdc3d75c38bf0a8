package pagesync

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	stdsync "sync"

	"github.com/aweris/pagesync/internal/btree"
	"github.com/aweris/pagesync/internal/commit"
	"github.com/aweris/pagesync/internal/object"
)

// Store owns the shared content-addressed object store and hands out Page
// handles. All pages of one store share object storage, so identical values
// on different pages are stored once.
type Store struct {
	opts    *OpenOptions
	dataDir string
	objects *object.LocalStore

	mu     stdsync.Mutex
	pages  map[string]*Page
	closed bool
}

// Open creates or opens a store rooted at the configured data directory.
func Open(opts ...Option) (*Store, error) {
	options := defaultOptions()
	for _, opt := range opts {
		opt(options)
	}

	dataDir := expandPath(options.DataDir)
	objects, err := object.NewLocalStore(filepath.Join(dataDir, "objects"), object.LocalConfig{
		CacheSize:   options.CacheSize,
		Compression: options.Compression,
	})
	if err != nil {
		return nil, err
	}

	return &Store{
		opts:    options,
		dataDir: dataDir,
		objects: objects,
		pages:   make(map[string]*Page),
	}, nil
}

// OpenPage opens the named page, creating it with a deterministic genesis
// commit on first use. With a cloud provider configured, the page's sync
// loop starts in the background.
func (s *Store) OpenPage(name string) (*Page, error) {
	if name == "" {
		return nil, fmt.Errorf("pagesync: empty page name")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if p, ok := s.pages[name]; ok {
		return p, nil
	}

	p, err := s.openPageLocked(name)
	if err != nil {
		return nil, err
	}
	s.pages[name] = p
	return p, nil
}

func (s *Store) openPageLocked(name string) (*Page, error) {
	ctx := context.Background()

	commits, err := commit.Open(s.objects, s.pageMetaPath(name))
	if err != nil {
		return nil, err
	}
	tree, err := btree.New(s.objects, s.opts.Fanout)
	if err != nil {
		return nil, err
	}

	emptyRoot, err := tree.EmptyRoot(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := commits.Bootstrap(ctx, emptyRoot); err != nil {
		return nil, fmt.Errorf("bootstrap page %s: %w", name, err)
	}

	return newPage(name, s, commits, tree)
}

func (s *Store) pageMetaPath(name string) string {
	// page names may contain path-hostile characters; the digest suffix
	// keeps distinct names ("a/b" vs "a_b") from sharing a file
	sum := sha256.Sum256([]byte(name))
	safe := strings.ReplaceAll(name, "/", "_")
	safe = strings.ReplaceAll(safe, ":", "_")
	return filepath.Join(s.dataDir, "pages", fmt.Sprintf("%s-%x.json", safe, sum[:4]))
}

// GC removes objects unreachable from every page's commit graph. It walks
// each page's full history, marks commits, tree nodes, values and chunks,
// then sweeps the rest. Pages not currently open are included via their
// on-disk metadata.
//
// Open pages are frozen for the duration: writers queue on the page mutex
// and sync engines are suspended, because a download persists children
// before their parent and a sweep in that window would orphan them behind
// a surviving node.
func (s *Store) GC(ctx context.Context) (int, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, ErrClosed
	}
	open := make(map[string]*Page, len(s.pages))
	for name, p := range s.pages {
		open[name] = p
	}
	s.mu.Unlock()

	release := freezePages(open)
	defer release()

	mark := make(map[string]bool)

	// keyed by metadata file base name, so the disk scan below recognizes
	// pages that are already open
	stores := make(map[string]*commit.Store)
	for name, p := range open {
		base := strings.TrimSuffix(filepath.Base(s.pageMetaPath(name)), ".json")
		stores[base] = p.commits
	}
	names, err := s.pageNames()
	if err != nil {
		return 0, err
	}
	for _, name := range names {
		if _, ok := stores[name]; ok {
			continue
		}
		cs, err := commit.Open(s.objects, filepath.Join(s.dataDir, "pages", name+".json"))
		if err != nil {
			return 0, err
		}
		stores[name] = cs
	}

	tree, err := btree.New(s.objects, s.opts.Fanout)
	if err != nil {
		return 0, err
	}
	for _, cs := range stores {
		if err := s.markPage(ctx, cs, tree, mark); err != nil {
			return 0, err
		}
	}

	removed := 0
	err = s.objects.Walk(ctx, func(id object.ID) error {
		if mark[id.Digest] {
			return nil
		}
		if err := s.objects.Delete(ctx, id); err != nil {
			return err
		}
		removed++
		return nil
	})
	return removed, err
}

// freezePages locks the given pages against writes and suspends their sync
// engines, in a fixed order so concurrent collections cannot deadlock. The
// returned function releases everything in reverse.
func freezePages(open map[string]*Page) func() {
	names := make([]string, 0, len(open))
	for name := range open {
		names = append(names, name)
	}
	sort.Strings(names)

	var undo []func()
	for _, name := range names {
		p := open[name]
		p.mu.Lock()
		undo = append(undo, p.mu.Unlock)
		if p.engine != nil {
			undo = append(undo, p.engine.Suspend())
		}
	}
	return func() {
		for i := len(undo) - 1; i >= 0; i-- {
			undo[i]()
		}
	}
}

func (s *Store) pageNames() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.dataDir, "pages"))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if name, ok := strings.CutSuffix(e.Name(), ".json"); ok && !e.IsDir() {
			names = append(names, name)
		}
	}
	return names, nil
}

func (s *Store) markPage(ctx context.Context, cs *commit.Store, tree *btree.Tree, mark map[string]bool) error {
	roots := append(cs.Heads(), cs.Acked()...)
	var markErr error
	err := cs.WalkAncestors(ctx, roots, func(c *commit.Commit) bool {
		mark[c.ID().Digest] = true
		if err := s.markTree(ctx, tree, c.Root(), mark); err != nil {
			markErr = err
			return false
		}
		return true
	})
	if err != nil {
		return err
	}
	return markErr
}

func (s *Store) markTree(ctx context.Context, tree *btree.Tree, id object.ID, mark map[string]bool) error {
	if mark[id.Digest] {
		return nil
	}
	mark[id.Digest] = true

	children, entries, err := tree.Refs(ctx, id)
	if err != nil {
		return err
	}
	for _, child := range children {
		if err := s.markTree(ctx, tree, child, mark); err != nil {
			return err
		}
	}
	for _, entry := range entries {
		if err := s.markValue(ctx, entry.Value, mark); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) markValue(ctx context.Context, id object.ID, mark map[string]bool) error {
	if mark[id.Digest] {
		return nil
	}
	mark[id.Digest] = true

	refs, err := object.ValueRefs(ctx, s.objects, id)
	if errors.Is(err, object.ErrNotFound) {
		return nil // lazy value never fetched; nothing local to keep
	}
	if err != nil {
		return err
	}
	for _, ref := range refs {
		if err := s.markValue(ctx, ref, mark); err != nil {
			return err
		}
	}
	return nil
}

// Close closes every open page and the object store.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	var firstErr error
	for _, p := range s.pages {
		if err := p.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := s.objects.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
