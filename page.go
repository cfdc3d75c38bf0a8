package pagesync

import (
	"context"
	"errors"
	"fmt"
	stdsync "sync"
	"time"

	"github.com/aweris/pagesync/internal/btree"
	"github.com/aweris/pagesync/internal/commit"
	"github.com/aweris/pagesync/internal/merge"
	"github.com/aweris/pagesync/internal/object"
	"github.com/aweris/pagesync/internal/sync"
)

// Page is a handle on one versioned key/value page. Writes are serialized
// per page and each produces one commit; reads see the current head. A page
// stays fully usable offline; the sync engine, when configured, converges
// it with the cloud in the background.
type Page struct {
	name    string
	objects object.Store
	chunk   ChunkConfig
	commits *commit.Store
	tree    *btree.Tree
	merger  *merge.Merger
	engine  *sync.Engine
	cancel  context.CancelFunc

	mu     stdsync.Mutex
	closed bool
}

func newPage(name string, s *Store, commits *commit.Store, tree *btree.Tree) (*Page, error) {
	p := &Page{
		name:    name,
		objects: s.objects,
		chunk:   s.opts.Chunking,
		commits: commits,
		tree:    tree,
		merger:  merge.New(commits, tree, s.opts.Resolver),
	}

	if s.opts.Cloud != nil {
		engine, err := sync.New(sync.Config{
			Page:         name,
			Objects:      s.objects,
			Commits:      commits,
			Tree:         tree,
			Merger:       p.merger,
			Cloud:        s.opts.Cloud,
			Credentials:  s.opts.Credentials,
			Concurrency:  s.opts.Concurrency,
			PollInterval: s.opts.PollInterval,
		})
		if err != nil {
			return nil, err
		}
		p.engine = engine

		if !s.opts.ManualSync {
			ctx, cancel := context.WithCancel(context.Background())
			p.cancel = cancel
			go engine.Run(ctx)
		}
	}
	return p, nil
}

// Name returns the page name.
func (p *Page) Name() string { return p.name }

// Put stores one eager entry as a single commit.
func (p *Page) Put(ctx context.Context, key, value []byte) error {
	return p.Update(ctx, func(tx *Tx) error { return tx.Put(key, value) })
}

// PutLazy stores one entry whose value is fetched on demand by other
// devices instead of travelling with the commit.
func (p *Page) PutLazy(ctx context.Context, key, value []byte) error {
	return p.Update(ctx, func(tx *Tx) error { return tx.PutLazy(key, value) })
}

// Delete removes a key as a single commit. Returns ErrNotFound when the
// key is absent.
func (p *Page) Delete(ctx context.Context, key []byte) error {
	return p.Update(ctx, func(tx *Tx) error { return tx.Delete(key) })
}

// Get returns the value for key at the current head. Lazy values not yet
// local are fetched through the cloud on demand.
func (p *Page) Get(ctx context.Context, key []byte) ([]byte, error) {
	snap, err := p.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return snap.Get(ctx, key)
}

// Update batches several mutations into a single commit. The callback sees
// a transaction rooted at the current head; if it returns an error nothing
// is committed. A transaction that changes nothing produces no commit.
func (p *Page) Update(ctx context.Context, fn func(tx *Tx) error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}

	head, err := p.currentHead(ctx)
	if err != nil {
		return err
	}

	tx := &Tx{page: p, ctx: ctx, root: head.Root()}
	if err := fn(tx); err != nil {
		return err
	}
	if tx.root.Equal(head.Root()) {
		return nil
	}

	c, err := commit.New([]*commit.Commit{head}, tx.root, time.Now().UnixMilli())
	if err != nil {
		return err
	}
	if err := p.commits.Add(ctx, c, commit.SourceLocal); err != nil {
		return err
	}
	if p.engine != nil {
		p.engine.Notify()
	}
	return nil
}

// currentHead returns the page's single head, folding divergence first so
// every operation builds on a converged view.
func (p *Page) currentHead(ctx context.Context) (*commit.Commit, error) {
	heads := p.commits.Heads()
	if len(heads) == 1 {
		return p.commits.Get(ctx, heads[0])
	}
	return p.merger.ResolveHeads(ctx)
}

// Snapshot returns an immutable point-in-time view of the page.
func (p *Page) Snapshot(ctx context.Context) (*Snapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}
	head, err := p.currentHead(ctx)
	if err != nil {
		return nil, err
	}
	return &Snapshot{
		commit:  head,
		tree:    p.tree,
		objects: p.objects,
		engine:  p.engine,
	}, nil
}

// History visits the page's commits newest-generation first.
func (p *Page) History(ctx context.Context, fn func(id string, generation uint64, timestamp int64, parents int) bool) error {
	return p.commits.WalkAncestors(ctx, p.commits.Heads(), func(c *commit.Commit) bool {
		return fn(c.ID().Digest, c.Generation(), c.Timestamp(), len(c.Parents()))
	})
}

// Sync runs one synchronous sync pass. Returns ErrNoCloud on a local-only
// store.
func (p *Page) Sync(ctx context.Context) error {
	if p.engine == nil {
		return ErrNoCloud
	}
	return p.engine.Sync(ctx)
}

// PageStats is the page's introspection snapshot.
type PageStats struct {
	Heads   int
	Commits int
	Sync    *SyncStats // nil on a local-only store
}

// Stats counts the page's commits and reports sync state and transfer
// totals.
func (p *Page) Stats(ctx context.Context) (PageStats, error) {
	stats := PageStats{Heads: len(p.commits.Heads())}
	err := p.commits.WalkAncestors(ctx, p.commits.Heads(), func(*commit.Commit) bool {
		stats.Commits++
		return true
	})
	if err != nil {
		return PageStats{}, err
	}
	if p.engine != nil {
		s := p.engine.Stats()
		stats.Sync = &s
	}
	return stats, nil
}

// Close stops the page's sync loop. In-flight network operations finish or
// fail on their own; Close never waits for them. Local data is unaffected.
func (p *Page) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if p.cancel != nil {
		p.cancel()
	}
	return nil
}

// Tx stages mutations against a private tree root until Update commits
// them as one commit.
type Tx struct {
	page *Page
	ctx  context.Context
	root object.ID
}

// Put stages an eager entry.
func (tx *Tx) Put(key, value []byte) error {
	return tx.put(key, value, PriorityEager)
}

// PutLazy stages an entry whose value other devices fetch on demand.
func (tx *Tx) PutLazy(key, value []byte) error {
	return tx.put(key, value, PriorityLazy)
}

func (tx *Tx) put(key, value []byte, priority Priority) error {
	id, err := object.PutValue(tx.ctx, tx.page.objects, value, tx.page.chunk)
	if err != nil {
		return fmt.Errorf("store value: %w", err)
	}
	root, err := tx.page.tree.Put(tx.ctx, tx.root, btree.Entry{Key: key, Value: id, Priority: priority})
	if err != nil {
		return err
	}
	tx.root = root
	return nil
}

// Delete stages a removal. Returns ErrNotFound when the key is absent at
// the transaction root.
func (tx *Tx) Delete(key []byte) error {
	root, err := tx.page.tree.Delete(tx.ctx, tx.root, key)
	if err != nil {
		if errors.Is(err, btree.ErrKeyNotFound) {
			return notFound(err)
		}
		return err
	}
	tx.root = root
	return nil
}
