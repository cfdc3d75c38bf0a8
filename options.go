package pagesync

import (
	"os"
	"path/filepath"
	"time"

	"github.com/aweris/pagesync/internal/btree"
	"github.com/aweris/pagesync/internal/merge"
	"github.com/aweris/pagesync/internal/object"
	"github.com/aweris/pagesync/internal/sync"
)

// Re-exported collaborator contracts. Applications implement CloudProvider
// and CredentialsProvider to plug in a backend, and Resolver to override
// the per-page conflict policy.
type (
	CloudProvider       = sync.CloudProvider
	CredentialsProvider = sync.CredentialsProvider
	Token               = sync.Token
	Resolver            = merge.Resolver
	Conflict            = merge.Conflict
	ChunkConfig         = object.ChunkConfig
	Priority            = btree.Priority
	Entry               = btree.Entry
	SyncStats           = sync.Stats
	SyncState           = sync.State
)

const (
	PriorityEager = btree.PriorityEager
	PriorityLazy  = btree.PriorityLazy
)

// MemCloud returns an in-memory cloud backend, useful for tests and
// single-process setups.
func MemCloud() *sync.MemProvider { return sync.NewMemProvider() }

// StrictResolver refuses every conflict with ErrConflict instead of picking
// a winner, for pages that require manual resolution.
func StrictResolver() Resolver { return merge.Strict{} }

// OpenOptions configures a Store.
type OpenOptions struct {
	DataDir      string
	Chunking     ChunkConfig
	Fanout       btree.Config
	Resolver     Resolver
	Cloud        CloudProvider
	Credentials  CredentialsProvider
	Concurrency  int
	PollInterval time.Duration
	Compression  bool
	CacheSize    int
	ManualSync   bool
}

// Option is a functional option for configuring Open.
type Option func(*OpenOptions)

func defaultOptions() *OpenOptions {
	return &OpenOptions{
		DataDir:      defaultDataDir(),
		Chunking:     object.DefaultChunkConfig(),
		Fanout:       btree.DefaultConfig(),
		Concurrency:  sync.DefaultConcurrency,
		PollInterval: sync.DefaultPollInterval,
		Compression:  true,
	}
}

// WithDataDir sets the local data directory.
func WithDataDir(dir string) Option {
	return func(o *OpenOptions) { o.DataDir = dir }
}

// WithChunking overrides the content-defined chunking bounds for values.
func WithChunking(cfg ChunkConfig) Option {
	return func(o *OpenOptions) { o.Chunking = cfg }
}

// WithFanout overrides the B-tree fan-out bounds.
func WithFanout(min, max int) Option {
	return func(o *OpenOptions) { o.Fanout = btree.Config{MinFanout: min, MaxFanout: max} }
}

// WithResolver sets the conflict policy for merges. The default is
// last-writer-wins by commit timestamp, ties broken by commit identifier.
func WithResolver(r Resolver) Option {
	return func(o *OpenOptions) { o.Resolver = r }
}

// WithCloud sets the cloud backend. Without one, pages work locally and
// sync operations return ErrNoCloud.
func WithCloud(p CloudProvider) Option {
	return func(o *OpenOptions) { o.Cloud = p }
}

// WithCredentials sets the token source for object transfers.
func WithCredentials(c CredentialsProvider) Option {
	return func(o *OpenOptions) { o.Credentials = c }
}

// WithConcurrency sets the number of parallel object transfers per page.
func WithConcurrency(n int) Option {
	return func(o *OpenOptions) {
		if n > 0 {
			o.Concurrency = n
		}
	}
}

// WithPollInterval sets how often an idle page checks the cloud for news.
func WithPollInterval(d time.Duration) Option {
	return func(o *OpenOptions) {
		if d > 0 {
			o.PollInterval = d
		}
	}
}

// WithCompression toggles zstd compression of on-disk objects.
func WithCompression(enabled bool) Option {
	return func(o *OpenOptions) { o.Compression = enabled }
}

// WithCacheSize sets the in-memory object cache capacity.
func WithCacheSize(n int) Option {
	return func(o *OpenOptions) { o.CacheSize = n }
}

// WithManualSync disables the background sync loop; pages sync only when
// Page.Sync is called.
func WithManualSync() Option {
	return func(o *OpenOptions) { o.ManualSync = true }
}

func defaultDataDir() string {
	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, "pagesync")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", "pagesync")
	}
	return ".pagesync"
}
