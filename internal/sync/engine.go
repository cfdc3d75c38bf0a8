package sync

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	stdsync "sync"
	"time"

	"github.com/google/uuid"

	"github.com/aweris/pagesync/internal/btree"
	"github.com/aweris/pagesync/internal/commit"
	"github.com/aweris/pagesync/internal/merge"
	"github.com/aweris/pagesync/internal/object"
)

// ErrSyncDisabled is returned when sync for the page has been switched off:
// the cloud schema marker is incompatible, or the cloud reported a protocol
// mismatch. Local operations keep working; only sync stops.
var ErrSyncDisabled = errors.New("sync: disabled")

const (
	DefaultConcurrency  = 4
	DefaultPollInterval = 30 * time.Second
)

// Config wires one Engine to its page.
type Config struct {
	Page        string
	Objects     object.Store
	Commits     *commit.Store
	Tree        *btree.Tree
	Merger      *merge.Merger
	Cloud       CloudProvider
	Credentials CredentialsProvider

	Concurrency  int
	PollInterval time.Duration
}

// Counters are the page's transfer totals since the engine was created.
type Counters struct {
	CommitsUploaded   uint64
	CommitsDownloaded uint64
	ObjectsUploaded   uint64
	ObjectsDownloaded uint64
}

// Stats is a point-in-time snapshot of the engine.
type Stats struct {
	State     State
	Heads     int
	LastError string
	Counters
}

// Engine runs the sync state machine for one page. Sync passes go
// download → merge → upload, so a remote commit arriving concurrently with
// a local edit converges to a single merged head that the same pass ships
// back to the cloud.
type Engine struct {
	cfg     Config
	session string

	// gate serializes sync passes and on-demand fetches against Suspend,
	// so garbage collection never sweeps between a child's persist and its
	// parent's
	gate stdsync.RWMutex

	mu       stdsync.Mutex
	state    State
	lastErr  error
	token    Token
	checked  bool
	counters Counters
	uploaded map[string]bool

	notify chan struct{}
}

func New(cfg Config) (*Engine, error) {
	if cfg.Cloud == nil {
		return nil, fmt.Errorf("sync: no cloud provider")
	}
	if cfg.Page == "" {
		return nil, fmt.Errorf("sync: empty page name")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}

	e := &Engine{
		cfg:      cfg,
		session:  uuid.NewString(),
		state:    StateIdle,
		uploaded: make(map[string]bool),
		notify:   make(chan struct{}, 1),
	}
	cfg.Commits.SetFetcher(e.fetchCommitBytes)
	return e, nil
}

// Session returns the engine's sync session identifier.
func (e *Engine) Session() string { return e.session }

// State returns the engine's current state-machine position.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Err returns the error of the last sync pass, nil after a clean pass.
func (e *Engine) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastErr
}

// Stats returns a snapshot of the engine's counters and state.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := Stats{State: e.state, Heads: len(e.cfg.Commits.Heads()), Counters: e.counters}
	if e.lastErr != nil {
		s.LastError = e.lastErr.Error()
	}
	return s
}

// Notify wakes the Run loop after a local write. Non-blocking; coalesces
// with a pending notification.
func (e *Engine) Notify() {
	select {
	case e.notify <- struct{}{}:
	default:
	}
}

// Run drives sync passes until the context is cancelled: after a clean pass
// it waits for a local-write notification or the poll interval; after a
// failed pass it retries with capped exponential backoff. A disabled page
// stops the loop.
func (e *Engine) Run(ctx context.Context) {
	bo := defaultBackoff()
	attempt := 0
	for ctx.Err() == nil {
		err := e.Sync(ctx)
		switch {
		case errors.Is(err, ErrSyncDisabled):
			return
		case err != nil:
			attempt++
			select {
			case <-ctx.Done():
				return
			case <-time.After(bo.delay(attempt)):
			}
		default:
			attempt = 0
			select {
			case <-ctx.Done():
				return
			case <-e.notify:
			case <-time.After(e.cfg.PollInterval):
			}
		}
	}
}

// Suspend blocks the start of new sync passes and on-demand value fetches
// and waits for in-flight ones to drain. The returned function resumes
// them. Used by garbage collection to keep partially persisted downloads
// out of a sweep.
func (e *Engine) Suspend() func() {
	e.gate.Lock()
	return e.gate.Unlock
}

// Sync performs one full pass and records the outcome in the engine state.
// It never fails local data: every error here only degrades sync status.
func (e *Engine) Sync(ctx context.Context) error {
	e.gate.RLock()
	err := e.pass(ctx)
	e.gate.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastErr = err
	switch {
	case errors.Is(err, ErrSyncDisabled):
		e.state = StateDisabled
	case err != nil:
		e.state = StateError
	default:
		e.state = StateIdle
	}
	return err
}

func (e *Engine) pass(ctx context.Context) error {
	e.setState(StateConnecting)

	// the upload dedup set only needs to span one pass; the acked frontier
	// already keeps settled commits out of later uploads, and the provider
	// dedups objects by digest
	e.mu.Lock()
	e.uploaded = make(map[string]bool)
	e.mu.Unlock()

	token, err := e.freshToken(ctx)
	if err != nil {
		return fmt.Errorf("credentials: %w", err)
	}
	e.setToken(token)

	if !e.versionChecked() {
		remote, st := e.cfg.Cloud.Version(ctx, e.cfg.Page, commit.FormatVersion)
		if st != StatusOK {
			return statusError("version check", st)
		}
		if remote != commit.FormatVersion {
			return fmt.Errorf("%w: cloud version %q, local %q", ErrSyncDisabled, remote, commit.FormatVersion)
		}
		e.markVersionChecked()
	}

	e.setState(StateSyncing)
	if err := e.download(ctx, token); err != nil {
		return err
	}

	if len(e.cfg.Commits.Heads()) > 1 {
		if e.cfg.Merger == nil {
			return fmt.Errorf("sync: divergent heads and no merger configured")
		}
		if _, err := e.cfg.Merger.ResolveHeads(ctx); err != nil {
			return fmt.Errorf("merge heads: %w", err)
		}
	}

	if err := e.upload(ctx, token); err != nil {
		return err
	}

	e.setState(StateWaitingForRemote)
	return nil
}

func (e *Engine) freshToken(ctx context.Context) (Token, error) {
	if e.cfg.Credentials == nil {
		return "", nil
	}
	return e.cfg.Credentials.Credentials(ctx)
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

func (e *Engine) setToken(t Token) {
	e.mu.Lock()
	e.token = t
	e.mu.Unlock()
}

func (e *Engine) currentToken() Token {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.token
}

func (e *Engine) versionChecked() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.checked
}

func (e *Engine) markVersionChecked() {
	e.mu.Lock()
	e.checked = true
	e.mu.Unlock()
}

func statusError(op string, st Status) error {
	if st.Fatal() {
		return fmt.Errorf("%w: %s: %s", ErrSyncDisabled, op, st)
	}
	return fmt.Errorf("sync: %s: %s", op, st)
}

// download resumes the remote commit stream from the persisted cursor,
// fetches each commit's tree nodes and eager values, and applies the commit
// with SourceSync. The cursor advances only after a record is fully
// applied, so an interrupted download replays nothing it already holds and
// misses nothing it does not.
func (e *Engine) download(ctx context.Context, token Token) error {
	ch, st := e.cfg.Cloud.WatchCommits(ctx, e.cfg.Page, e.cfg.Commits.Cursor())
	if st != StatusOK {
		return statusError("watch commits", st)
	}

	applied := 0
	for rec := range ch {
		c, err := commit.Decode(rec.Commit)
		if err != nil {
			return fmt.Errorf("%w: malformed remote commit: %v", ErrSyncDisabled, err)
		}

		has, err := e.cfg.Commits.Has(ctx, c.ID())
		if err != nil {
			return err
		}
		if !has {
			if err := e.fetchTree(ctx, token, c.Root()); err != nil {
				return err
			}
			if err := e.cfg.Commits.Add(ctx, c, commit.SourceSync); err != nil {
				return err
			}
			// commits learned from the cloud are on the cloud; never
			// re-upload them
			if err := e.ack(c); err != nil {
				return err
			}
			e.bump(func(c *Counters) { c.CommitsDownloaded++ })
			applied++
		}
		if err := e.cfg.Commits.SetCursor(rec.Cursor); err != nil {
			return err
		}
	}
	if applied > 0 {
		fmt.Fprintf(os.Stderr, "[sync:%s] applied %d remote commits\n", e.cfg.Page, applied)
	}
	return nil
}

// upload ships every commit reachable from the heads but not yet
// acknowledged, oldest first, after uploading the objects each commit
// introduces. The acknowledgement frontier advances by exactly the accepted
// batch prefix, so a resumed upload never re-sends acknowledged commits.
func (e *Engine) upload(ctx context.Context, token Token) error {
	pending, err := e.pendingCommits(ctx)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}

	for _, c := range pending {
		oldRoot := object.ID{}
		if parents := c.Parents(); len(parents) > 0 {
			parent, err := e.cfg.Commits.Get(ctx, parents[0])
			if err != nil {
				return err
			}
			oldRoot = parent.Root()
		}
		if err := e.uploadTree(ctx, token, c.Root(), oldRoot); err != nil {
			return err
		}
		// the commit body doubles as an object so peers can lazy-fetch
		// missing ancestors by identifier
		if err := e.uploadObject(ctx, token, c.ID(), c.Bytes()); err != nil {
			return err
		}
	}

	batch := Batch{Session: e.session, Position: 0, Size: len(pending)}
	for _, c := range pending {
		batch.Commits = append(batch.Commits, c.Bytes())
	}

	accepted, st := e.cfg.Cloud.UploadCommits(ctx, e.cfg.Page, batch)
	if st != StatusOK {
		return statusError("upload commits", st)
	}
	if accepted > len(pending) {
		accepted = len(pending)
	}
	if accepted > 0 {
		if err := e.ack(pending[:accepted]...); err != nil {
			return err
		}
		e.bump(func(c *Counters) { c.CommitsUploaded += uint64(accepted) })
		fmt.Fprintf(os.Stderr, "[sync:%s] uploaded %d commits\n", e.cfg.Page, accepted)
	}
	if accepted < len(pending) {
		return fmt.Errorf("sync: cloud accepted %d of %d commits", accepted, len(pending))
	}
	return nil
}

// pendingCommits returns unacknowledged commits reachable from the heads,
// ordered parents before children.
func (e *Engine) pendingCommits(ctx context.Context) ([]*commit.Commit, error) {
	acked := make(map[string]bool)
	for _, id := range e.cfg.Commits.Acked() {
		acked[id.Digest] = true
	}

	var out []*commit.Commit
	seen := make(map[string]bool)
	stack := e.cfg.Commits.Heads()
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[id.Digest] || acked[id.Digest] {
			continue
		}
		seen[id.Digest] = true

		c, err := e.cfg.Commits.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
		stack = append(stack, c.Parents()...)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Generation() != out[j].Generation() {
			return out[i].Generation() < out[j].Generation()
		}
		return out[i].ID().Digest < out[j].ID().Digest
	})
	return out, nil
}

// ack extends the acknowledgement frontier with the given commits and drops
// their parents from it, keeping the frontier at the newest acked tips.
func (e *Engine) ack(cs ...*commit.Commit) error {
	drop := make(map[string]bool)
	for _, c := range cs {
		for _, p := range c.Parents() {
			drop[p.Digest] = true
		}
	}

	present := make(map[string]bool)
	var frontier []object.ID
	for _, id := range e.cfg.Commits.Acked() {
		if !drop[id.Digest] && !present[id.Digest] {
			present[id.Digest] = true
			frontier = append(frontier, id)
		}
	}
	for _, c := range cs {
		id := c.ID()
		if !drop[id.Digest] && !present[id.Digest] {
			present[id.Digest] = true
			frontier = append(frontier, id)
		}
	}
	return e.cfg.Commits.MarkAcked(frontier)
}

func (e *Engine) bump(fn func(*Counters)) {
	e.mu.Lock()
	fn(&e.counters)
	e.mu.Unlock()
}
