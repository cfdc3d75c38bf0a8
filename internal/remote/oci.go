package remote

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	stdsync "sync"
	"time"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/empty"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/remote/transport"
	"github.com/google/go-containerregistry/pkg/v1/types"
	"github.com/klauspost/compress/zstd"

	"github.com/aweris/pagesync/internal/object"
	"github.com/aweris/pagesync/internal/sync"
)

const (
	labelVersion  = "dev.pagesync.version"
	labelLog      = "dev.pagesync.log"
	labelPrefixes = "dev.pagesync.prefixes"

	objectsTag = "objects"

	transferAttempts = 3
)

// Provider is a CloudProvider backed by an OCI registry. Each page maps to
// one tag holding the commit log and schema marker in config labels; the
// object namespace shared by all pages lives under a dedicated tag, packed
// into zstd layers grouped by digest prefix.
//
// Registry authentication comes from basic credentials or the system
// keychain; the per-call token of the object transfer contract is unused.
type Provider struct {
	repo        name.Repository
	username    string
	password    string
	concurrency int

	mu     stdsync.Mutex
	staged map[string][]byte // objects uploaded but not yet flushed
	local  map[string][]byte // objects known present remotely
	remote *objectsState     // cached view of the objects image, nil when stale
}

// objectsState is the last fetched view of the objects image.
type objectsState struct {
	img      v1.Image
	prefixes map[string]PrefixInfo
	pulled   map[string]bool // layer digests already unpacked
}

// ProviderOption configures a Provider.
type ProviderOption func(*Provider)

// WithBasicAuth sets registry credentials. Without it the system keychain is
// used, like Docker.
func WithBasicAuth(username, password string) ProviderOption {
	return func(p *Provider) {
		p.username = username
		p.password = password
	}
}

// WithConcurrency sets the number of parallel registry uploads.
func WithConcurrency(n int) ProviderOption {
	return func(p *Provider) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

// New creates a provider from a repository ref (e.g. "ttl.sh/team/pages").
func New(repo string, opts ...ProviderOption) (*Provider, error) {
	r, err := name.NewRepository(repo)
	if err != nil {
		return nil, fmt.Errorf("invalid repository %q: %w", repo, err)
	}
	p := &Provider{
		repo:        r,
		concurrency: 4,
		staged:      make(map[string][]byte),
		local:       make(map[string][]byte),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

var _ sync.CloudProvider = (*Provider)(nil)

// logRecord is one commit log entry as stored in the page image labels.
type logRecord struct {
	Commit        []byte `json:"commit"`
	BatchPosition int    `json:"batch_position"`
	BatchSize     int    `json:"batch_size"`
}

// pageState is the decoded content of a page image.
type pageState struct {
	version string
	log     []logRecord
}

func (p *Provider) Version(ctx context.Context, page, local string) (string, sync.Status) {
	st, status := p.loadPage(ctx, page)
	if status != sync.StatusOK {
		return "", status
	}
	if st.version != "" {
		return st.version, sync.StatusOK
	}

	// first device to sync the page stamps the schema marker
	st.version = local
	if status := p.pushPage(ctx, page, st); status != sync.StatusOK {
		return "", status
	}
	return local, sync.StatusOK
}

func (p *Provider) UploadCommits(ctx context.Context, page string, batch sync.Batch) (int, sync.Status) {
	p.mu.Lock()
	defer p.mu.Unlock()

	// objects referenced by the batch must be durable before the commits
	// become visible in the log
	if status := p.flushStaged(ctx); status != sync.StatusOK {
		return 0, status
	}

	st, status := p.loadPage(ctx, page)
	if status != sync.StatusOK {
		return 0, status
	}

	known := make(map[string]bool, len(st.log))
	for _, rec := range st.log {
		known[object.Identify(rec.Commit).Digest] = true
	}

	appended := 0
	for i, data := range batch.Commits {
		digest := object.Identify(data).Digest
		if known[digest] {
			continue
		}
		known[digest] = true
		st.log = append(st.log, logRecord{
			Commit:        append([]byte(nil), data...),
			BatchPosition: batch.Position + i,
			BatchSize:     batch.Size,
		})
		appended++
	}

	if appended > 0 {
		if status := p.pushPage(ctx, page, st); status != sync.StatusOK {
			return 0, status
		}
	}
	return len(batch.Commits), sync.StatusOK
}

func (p *Provider) WatchCommits(ctx context.Context, page, cursor string) (<-chan sync.Record, sync.Status) {
	st, status := p.loadPage(ctx, page)
	if status != sync.StatusOK {
		return nil, status
	}

	from := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil {
			return nil, sync.StatusArgumentError
		}
		from = n
	}
	if from > len(st.log) {
		from = len(st.log)
	}

	ch := make(chan sync.Record, len(st.log)-from)
	for i := from; i < len(st.log); i++ {
		rec := st.log[i]
		ch <- sync.Record{
			Commit:        rec.Commit,
			Cursor:        strconv.Itoa(i + 1),
			BatchPosition: rec.BatchPosition,
			BatchSize:     rec.BatchSize,
		}
	}
	close(ch)
	return ch, sync.StatusOK
}

func (p *Provider) UploadObject(_ context.Context, _ sync.Token, key string, data []byte) sync.Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.local[key]; ok {
		return sync.StatusOK
	}
	p.staged[key] = append([]byte(nil), data...)
	return sync.StatusOK
}

func (p *Provider) DownloadObject(ctx context.Context, _ sync.Token, key string) (io.ReadCloser, int64, sync.Status) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if data, ok := p.staged[key]; ok {
		return io.NopCloser(bytes.NewReader(data)), int64(len(data)), sync.StatusOK
	}
	if data, ok := p.local[key]; ok {
		return io.NopCloser(bytes.NewReader(data)), int64(len(data)), sync.StatusOK
	}

	st, status := p.loadObjects(ctx)
	if status != sync.StatusOK {
		return nil, 0, status
	}
	info, ok := st.prefixes[extractPrefix(key)]
	if !ok {
		return nil, 0, sync.StatusNotFound
	}
	if status := p.pullLayer(st, info.Layer); status != sync.StatusOK {
		return nil, 0, status
	}

	data, ok := p.local[key]
	if !ok {
		return nil, 0, sync.StatusNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), int64(len(data)), sync.StatusOK
}

// flushStaged packs staged objects into layers and pushes a new objects
// image. Prefixes untouched by the staged set keep their existing layers.
func (p *Provider) flushStaged(ctx context.Context) sync.Status {
	if len(p.staged) == 0 {
		return sync.StatusOK
	}

	st, status := p.loadObjects(ctx)
	if status != sync.StatusOK {
		return status
	}

	// merge staged objects with whatever the affected prefixes already hold
	byPrefix := groupByPrefix(p.staged)
	merged := make(map[string]map[string][]byte, len(byPrefix))
	for prefix, blobs := range byPrefix {
		if info, ok := st.prefixes[prefix]; ok {
			if status := p.pullLayer(st, info.Layer); status != sync.StatusOK {
				return status
			}
		}
		group := make(map[string][]byte)
		for digest, data := range p.local {
			if extractPrefix(digest) == prefix {
				group[digest] = data
			}
		}
		for digest, data := range blobs {
			group[digest] = data
		}
		merged[prefix] = group
	}

	sizes := make(map[string]int64, len(merged))
	for prefix, blobs := range merged {
		for _, data := range blobs {
			sizes[prefix] += int64(len(data))
		}
	}
	plan := buildLayerPlan(sizes)

	newPrefixes := make(map[string]PrefixInfo, len(st.prefixes))
	for prefix, info := range st.prefixes {
		newPrefixes[prefix] = info
	}

	layers := make([]v1.Layer, 0, len(plan))
	for _, group := range plan {
		blobs := make(map[string][]byte)
		for _, prefix := range group {
			for digest, data := range merged[prefix] {
				blobs[digest] = data
			}
		}
		layer := newBlobLayer(packObjects(blobs))
		digest, err := layer.Digest()
		if err != nil {
			return sync.StatusInternalError
		}
		layers = append(layers, layer)
		for _, prefix := range group {
			newPrefixes[prefix] = PrefixInfo{
				Hash:  prefixHash(merged[prefix]),
				Layer: digest.String(),
			}
		}
	}

	// carry forward the untouched prefixes' layers so the manifest stays
	// complete
	if st.img != nil {
		keep := make(map[string]bool)
		for prefix, info := range newPrefixes {
			if _, changed := merged[prefix]; !changed {
				keep[info.Layer] = true
			}
		}
		existing, err := st.img.Layers()
		if err != nil {
			return p.classify(err)
		}
		for _, layer := range existing {
			digest, err := layer.Digest()
			if err != nil {
				continue
			}
			if keep[digest.String()] {
				layers = append(layers, layer)
			}
		}
	}

	fmt.Fprintf(os.Stderr, "[remote] flushing %d objects across %d prefixes\n", len(p.staged), len(byPrefix))

	img, err := buildImage(layers, map[string]string{labelPrefixes: marshalJSON(newPrefixes)})
	if err != nil {
		return sync.StatusInternalError
	}
	if status := p.pushImage(ctx, p.repo.Tag(objectsTag), img); status != sync.StatusOK {
		return status
	}

	for digest, data := range p.staged {
		p.local[digest] = data
	}
	p.staged = make(map[string][]byte)
	p.remote = nil // refetch on next read; the manifest just changed
	return sync.StatusOK
}

func (p *Provider) loadObjects(ctx context.Context) (*objectsState, sync.Status) {
	if p.remote != nil {
		return p.remote, sync.StatusOK
	}

	img, err := retry(ctx, transferAttempts, func() (v1.Image, error) {
		return remote.Image(p.repo.Tag(objectsTag), p.remoteOptions(ctx)...)
	})
	if err != nil {
		if isNotFound(err) {
			p.remote = &objectsState{prefixes: map[string]PrefixInfo{}, pulled: map[string]bool{}}
			return p.remote, sync.StatusOK
		}
		return nil, p.classify(err)
	}

	cfg, err := img.ConfigFile()
	if err != nil {
		return nil, p.classify(err)
	}
	prefixes := make(map[string]PrefixInfo)
	if raw := cfg.Config.Labels[labelPrefixes]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &prefixes); err != nil {
			return nil, sync.StatusParseError
		}
	}

	p.remote = &objectsState{img: img, prefixes: prefixes, pulled: map[string]bool{}}
	return p.remote, sync.StatusOK
}

// pullLayer unpacks one layer of the objects image into the local cache.
func (p *Provider) pullLayer(st *objectsState, layerDigest string) sync.Status {
	if st.pulled[layerDigest] || st.img == nil {
		return sync.StatusOK
	}

	layers, err := st.img.Layers()
	if err != nil {
		return p.classify(err)
	}
	for _, layer := range layers {
		digest, err := layer.Digest()
		if err != nil {
			continue
		}
		if digest.String() != layerDigest {
			continue
		}

		rc, err := layer.Uncompressed()
		if err != nil {
			return p.classify(err)
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return p.classify(err)
		}
		blobs, err := unpackObjects(data)
		if err != nil {
			return sync.StatusParseError
		}
		for digest, blob := range blobs {
			p.local[digest] = blob
		}
		st.pulled[layerDigest] = true
		return sync.StatusOK
	}
	return sync.StatusNotFound
}

func (p *Provider) loadPage(ctx context.Context, page string) (*pageState, sync.Status) {
	img, err := retry(ctx, transferAttempts, func() (v1.Image, error) {
		return remote.Image(p.pageTag(page), p.remoteOptions(ctx)...)
	})
	if err != nil {
		if isNotFound(err) {
			return &pageState{}, sync.StatusOK
		}
		return nil, p.classify(err)
	}

	cfg, err := img.ConfigFile()
	if err != nil {
		return nil, p.classify(err)
	}

	st := &pageState{version: cfg.Config.Labels[labelVersion]}
	if raw := cfg.Config.Labels[labelLog]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &st.log); err != nil {
			return nil, sync.StatusParseError
		}
	}
	return st, sync.StatusOK
}

func (p *Provider) pushPage(ctx context.Context, page string, st *pageState) sync.Status {
	img, err := buildImage(nil, map[string]string{
		labelVersion: st.version,
		labelLog:     marshalJSON(st.log),
	})
	if err != nil {
		return sync.StatusInternalError
	}
	return p.pushImage(ctx, p.pageTag(page), img)
}

func (p *Provider) pushImage(ctx context.Context, tag name.Tag, img v1.Image) sync.Status {
	options := append(p.remoteOptions(ctx), remote.WithJobs(p.concurrency))
	_, err := retry(ctx, transferAttempts, func() (struct{}, error) {
		return struct{}{}, remote.Write(tag, img, options...)
	})
	if err != nil {
		return p.classify(err)
	}
	return sync.StatusOK
}

func (p *Provider) pageTag(page string) name.Tag {
	// the digest suffix keeps distinct page names from colliding after
	// sanitization ("a/b" vs "a_b")
	sum := sha256.Sum256([]byte(page))
	return p.repo.Tag(fmt.Sprintf("page-%s-%x", sanitizeTag(page), sum[:4]))
}

// sanitizeTag maps arbitrary page names onto the OCI tag alphabet.
func sanitizeTag(page string) string {
	out := make([]byte, 0, len(page))
	for i := 0; i < len(page); i++ {
		c := page[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9',
			c == '_', c == '-', c == '.':
			out = append(out, c)
		default:
			out = append(out, '-')
		}
	}
	if len(out) > 100 {
		out = out[:100]
	}
	return string(out)
}

func buildImage(layers []v1.Layer, labels map[string]string) (v1.Image, error) {
	img := empty.Image
	if len(layers) > 0 {
		var err error
		img, err = mutate.AppendLayers(img, layers...)
		if err != nil {
			return nil, err
		}
	}

	cfg, err := img.ConfigFile()
	if err != nil {
		return nil, err
	}
	cfg.Config.Labels = labels
	return mutate.ConfigFile(img, cfg)
}

func (p *Provider) remoteOptions(ctx context.Context) []remote.Option {
	opts := []remote.Option{remote.WithContext(ctx)}
	if p.username != "" {
		return append(opts, remote.WithAuth(&authn.Basic{
			Username: p.username,
			Password: p.password,
		}))
	}
	return append(opts, remote.WithAuthFromKeychain(authn.DefaultKeychain))
}

func (p *Provider) classify(err error) sync.Status {
	var terr *transport.Error
	if errors.As(err, &terr) {
		switch {
		case terr.StatusCode == http.StatusUnauthorized, terr.StatusCode == http.StatusForbidden:
			return sync.StatusArgumentError
		case terr.StatusCode >= 500:
			return sync.StatusServerError
		}
	}
	return sync.StatusNetworkError
}

func isNotFound(err error) bool {
	var terr *transport.Error
	return errors.As(err, &terr) && terr.StatusCode == http.StatusNotFound
}

func marshalJSON(v any) string {
	data, _ := json.Marshal(v)
	return string(data)
}

// blobLayer implements v1.Layer with zstd compression for transfer.
type blobLayer struct {
	compressed   []byte
	uncompressed []byte
}

var zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))

func newBlobLayer(data []byte) *blobLayer {
	return &blobLayer{
		compressed:   zstdEncoder.EncodeAll(data, nil),
		uncompressed: data,
	}
}

func (l *blobLayer) Digest() (v1.Hash, error) {
	h, _, err := v1.SHA256(bytes.NewReader(l.compressed))
	return h, err
}

func (l *blobLayer) DiffID() (v1.Hash, error) {
	h, _, err := v1.SHA256(bytes.NewReader(l.uncompressed))
	return h, err
}

func (l *blobLayer) Compressed() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(l.compressed)), nil
}

func (l *blobLayer) Uncompressed() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(l.uncompressed)), nil
}

func (l *blobLayer) Size() (int64, error)                { return int64(len(l.compressed)), nil }
func (l *blobLayer) MediaType() (types.MediaType, error) { return types.OCILayerZStd, nil }

func retry[T any](ctx context.Context, maxAttempts int, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error
	for i := range maxAttempts {
		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err
		if isNotFound(err) {
			break
		}
		if i < maxAttempts-1 {
			delay := time.Duration(1<<i) * 500 * time.Millisecond
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	return zero, lastErr
}
