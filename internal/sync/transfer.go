package sync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/aweris/pagesync/internal/btree"
	"github.com/aweris/pagesync/internal/commit"
	"github.com/aweris/pagesync/internal/object"
)

const transferAttempts = 3

// retryStatus runs a cloud call up to transferAttempts times, backing off
// between retriable failures. Non-retriable statuses return immediately.
func (e *Engine) retryStatus(ctx context.Context, fn func() Status) Status {
	var st Status
	for i := 0; i < transferAttempts; i++ {
		st = fn()
		if st == StatusOK || !st.Retriable() {
			return st
		}
		if i < transferAttempts-1 {
			select {
			case <-ctx.Done():
				return st
			case <-time.After(time.Duration(1<<i) * 100 * time.Millisecond):
			}
		}
	}
	return st
}

func (e *Engine) uploadObject(ctx context.Context, token Token, id object.ID, data []byte) error {
	if e.alreadyUploaded(id) {
		return nil
	}
	st := e.retryStatus(ctx, func() Status {
		return e.cfg.Cloud.UploadObject(ctx, token, id.Digest, data)
	})
	if st != StatusOK {
		return statusError("upload object "+id.Digest, st)
	}
	e.markUploaded(id)
	e.bump(func(c *Counters) { c.ObjectsUploaded++ })
	return nil
}

func (e *Engine) alreadyUploaded(id object.ID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.uploaded[id.Digest]
}

func (e *Engine) markUploaded(id object.ID) {
	e.mu.Lock()
	e.uploaded[id.Digest] = true
	e.mu.Unlock()
}

// downloadBytes fetches one object by identifier and verifies its digest.
// A mismatch is a corrupted source, surfaced, never accepted.
func (e *Engine) downloadBytes(ctx context.Context, token Token, id object.ID) ([]byte, error) {
	var data []byte
	st := e.retryStatus(ctx, func() Status {
		rc, _, st := e.cfg.Cloud.DownloadObject(ctx, token, id.Digest)
		if st != StatusOK {
			return st
		}
		var err error
		data, err = io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return StatusNetworkError
		}
		return StatusOK
	})
	if st != StatusOK {
		return nil, statusError("download object "+id.Digest, st)
	}
	if err := id.Verify(data); err != nil {
		return nil, err
	}
	e.bump(func(c *Counters) { c.ObjectsDownloaded++ })
	return data, nil
}

// fetchCommitBytes is installed as the commit store's lazy-fetch hook for
// missing sync parents.
func (e *Engine) fetchCommitBytes(ctx context.Context, id object.ID) ([]byte, error) {
	data, err := e.downloadBytes(ctx, e.currentToken(), id)
	if err != nil {
		return nil, err
	}
	if err := e.fetchTreeBehindCommit(ctx, data); err != nil {
		return nil, err
	}
	return data, nil
}

// fetchTreeBehindCommit materializes the tree of a lazily-fetched ancestor
// so merges against it can diff locally.
func (e *Engine) fetchTreeBehindCommit(ctx context.Context, commitBytes []byte) error {
	c, err := commit.Decode(commitBytes)
	if err != nil {
		return err
	}
	return e.fetchTree(ctx, e.currentToken(), c.Root())
}

// fetchTree materializes a remote tree locally. Children and eager values
// are fetched before the node itself is persisted, so a present node always
// implies a complete subtree and shared subtrees prune the walk safely even
// after a crash mid-fetch.
func (e *Engine) fetchTree(ctx context.Context, token Token, root object.ID) error {
	has, err := e.cfg.Objects.Has(ctx, root)
	if err != nil {
		return err
	}
	if has {
		return nil
	}

	data, err := e.downloadBytes(ctx, token, root)
	if err != nil {
		return err
	}
	children, entries, err := btree.DecodeRefs(data)
	if err != nil {
		return fmt.Errorf("tree node %s: %w", root.Digest, err)
	}

	for _, child := range children {
		if err := e.fetchTree(ctx, token, child); err != nil {
			return err
		}
	}

	p := pool.New().WithMaxGoroutines(e.cfg.Concurrency).WithContext(ctx).WithCancelOnError()
	for _, entry := range entries {
		if entry.Priority != btree.PriorityEager {
			continue
		}
		id := entry.Value
		p.Go(func(ctx context.Context) error {
			return e.fetchValue(ctx, token, id)
		})
	}
	if err := p.Wait(); err != nil {
		return err
	}

	_, err = e.cfg.Objects.Put(ctx, data)
	return err
}

// fetchValue downloads a value object, chunks first for indexes, persisting
// the index only once every chunk is local.
func (e *Engine) fetchValue(ctx context.Context, token Token, id object.ID) error {
	has, err := e.cfg.Objects.Has(ctx, id)
	if err != nil {
		return err
	}
	if has {
		return nil
	}

	data, err := e.downloadBytes(ctx, token, id)
	if err != nil {
		return err
	}
	refs, err := object.DecodeValueRefs(data)
	if err != nil {
		return fmt.Errorf("value %s: %w", id.Digest, err)
	}
	for _, ref := range refs {
		if err := e.fetchValue(ctx, token, ref); err != nil {
			return err
		}
	}
	_, err = e.cfg.Objects.Put(ctx, data)
	return err
}

// FetchValue pulls a value object into the local store on demand. Reads of
// lazy entries fall back to this when the value is not local yet.
func (e *Engine) FetchValue(ctx context.Context, id object.ID) error {
	e.gate.RLock()
	defer e.gate.RUnlock()

	token, err := e.freshToken(ctx)
	if err != nil {
		return fmt.Errorf("credentials: %w", err)
	}
	return e.fetchValue(ctx, token, id)
}

// uploadTree ships the nodes the new root introduces over the old one,
// along with the eager values those nodes reference. Nodes shared with the
// old tree are pruned by identifier.
func (e *Engine) uploadTree(ctx context.Context, token Token, newRoot, oldRoot object.ID) error {
	shared := make(map[string]bool)
	if !oldRoot.IsZero() {
		if err := e.collectNodes(ctx, oldRoot, shared); err != nil {
			return err
		}
	}
	return e.pushNodes(ctx, token, newRoot, shared)
}

func (e *Engine) collectNodes(ctx context.Context, id object.ID, set map[string]bool) error {
	if set[id.Digest] {
		return nil
	}
	children, _, err := e.cfg.Tree.Refs(ctx, id)
	if errors.Is(err, object.ErrNotFound) {
		// a lazily-fetched ancestor whose tree never came down; nothing to
		// prune below it
		return nil
	}
	if err != nil {
		return err
	}
	set[id.Digest] = true
	for _, child := range children {
		if err := e.collectNodes(ctx, child, set); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) pushNodes(ctx context.Context, token Token, id object.ID, shared map[string]bool) error {
	if shared[id.Digest] || e.alreadyUploaded(id) {
		return nil
	}

	children, entries, err := e.cfg.Tree.Refs(ctx, id)
	if err != nil {
		return err
	}
	for _, child := range children {
		if err := e.pushNodes(ctx, token, child, shared); err != nil {
			return err
		}
	}

	// lazy values ship too: on-demand download on the reading device needs
	// them cloud-side, they just never travel with a sync pass
	p := pool.New().WithMaxGoroutines(e.cfg.Concurrency).WithContext(ctx).WithCancelOnError()
	for _, entry := range entries {
		vid := entry.Value
		p.Go(func(ctx context.Context) error {
			return e.pushValue(ctx, token, vid)
		})
	}
	if err := p.Wait(); err != nil {
		return err
	}

	data, err := e.cfg.Objects.Get(ctx, id)
	if err != nil {
		return err
	}
	return e.uploadObject(ctx, token, id, data)
}

// pushValue uploads a value object and, for chunked values, its chunks. A
// value absent locally is a lazy entry that was never fetched; there is
// nothing to push for it.
func (e *Engine) pushValue(ctx context.Context, token Token, id object.ID) error {
	if e.alreadyUploaded(id) {
		return nil
	}

	data, err := e.cfg.Objects.Get(ctx, id)
	if errors.Is(err, object.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	refs, err := object.DecodeValueRefs(data)
	if err != nil {
		return fmt.Errorf("value %s: %w", id.Digest, err)
	}
	for _, ref := range refs {
		if err := e.pushValue(ctx, token, ref); err != nil {
			return err
		}
	}
	return e.uploadObject(ctx, token, id, data)
}
