package sync

import (
	"bytes"
	"context"
	"io"
	"strconv"
	"sync"

	"github.com/aweris/pagesync/internal/object"
)

// MemProvider is an in-memory CloudProvider for tests and offline
// development. It keeps one append-only commit log per page, a flat object
// namespace keyed by digest, and offers failure injection knobs so engine
// retry and resume behavior can be exercised deterministically.
type MemProvider struct {
	mu       sync.Mutex
	versions map[string]string
	logs     map[string][]Record
	known    map[string]map[string]bool // page -> commit digest
	objects  map[string][]byte

	failNet     int // fail the next n cloud calls with a network error
	acceptLimit int // accept at most n commits per UploadCommits call

	batches [][]string // commit digests received per UploadCommits call
}

func NewMemProvider() *MemProvider {
	return &MemProvider{
		versions: make(map[string]string),
		logs:     make(map[string][]Record),
		known:    make(map[string]map[string]bool),
		objects:  make(map[string][]byte),
	}
}

// FailNext makes the next n cloud calls report a network error.
func (p *MemProvider) FailNext(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failNet = n
}

// AcceptLimit caps how many commits a single UploadCommits call accepts,
// simulating an upload interrupted mid-batch. Zero removes the cap.
func (p *MemProvider) AcceptLimit(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.acceptLimit = n
}

// SetVersion pins the page's cloud-side schema marker.
func (p *MemProvider) SetVersion(page, version string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.versions[page] = version
}

// Batches returns the commit digests received per UploadCommits call, in
// call order.
func (p *MemProvider) Batches() [][]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]string, len(p.batches))
	copy(out, p.batches)
	return out
}

// CommitCount returns how many commits the page's log holds.
func (p *MemProvider) CommitCount(page string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.logs[page])
}

// ObjectCount returns how many objects the provider holds.
func (p *MemProvider) ObjectCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.objects)
}

// HasObject reports whether an object key is present.
func (p *MemProvider) HasObject(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.objects[key]
	return ok
}

func (p *MemProvider) failing() bool {
	if p.failNet > 0 {
		p.failNet--
		return true
	}
	return false
}

func (p *MemProvider) Version(_ context.Context, page, local string) (string, Status) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failing() {
		return "", StatusNetworkError
	}
	if v, ok := p.versions[page]; ok {
		return v, StatusOK
	}
	p.versions[page] = local
	return local, StatusOK
}

func (p *MemProvider) UploadCommits(_ context.Context, page string, batch Batch) (int, Status) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failing() {
		return 0, StatusNetworkError
	}

	if p.known[page] == nil {
		p.known[page] = make(map[string]bool)
	}

	var sent []string
	for _, data := range batch.Commits {
		sent = append(sent, object.Identify(data).Digest)
	}
	p.batches = append(p.batches, sent)

	accepted := 0
	for i, data := range batch.Commits {
		if p.acceptLimit > 0 && accepted >= p.acceptLimit {
			break
		}
		digest := object.Identify(data).Digest
		if !p.known[page][digest] {
			p.known[page][digest] = true
			p.logs[page] = append(p.logs[page], Record{
				Commit:        append([]byte(nil), data...),
				Cursor:        strconv.Itoa(len(p.logs[page]) + 1),
				BatchPosition: batch.Position + i,
				BatchSize:     batch.Size,
			})
		}
		accepted++
	}
	return accepted, StatusOK
}

func (p *MemProvider) WatchCommits(_ context.Context, page, cursor string) (<-chan Record, Status) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failing() {
		return nil, StatusNetworkError
	}

	from := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil {
			return nil, StatusArgumentError
		}
		from = n
	}

	log := p.logs[page]
	if from > len(log) {
		from = len(log)
	}
	ch := make(chan Record, len(log)-from)
	for _, rec := range log[from:] {
		ch <- rec
	}
	close(ch)
	return ch, StatusOK
}

func (p *MemProvider) UploadObject(_ context.Context, _ Token, key string, data []byte) Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failing() {
		return StatusNetworkError
	}
	if _, ok := p.objects[key]; !ok {
		p.objects[key] = append([]byte(nil), data...)
	}
	return StatusOK
}

func (p *MemProvider) DownloadObject(_ context.Context, _ Token, key string) (io.ReadCloser, int64, Status) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failing() {
		return nil, 0, StatusNetworkError
	}
	data, ok := p.objects[key]
	if !ok {
		return nil, 0, StatusNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), int64(len(data)), StatusOK
}
