package object

import (
	"context"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// LocalStore implements Store on the local filesystem.
//
// Storage layout (git-style sharding):
//
//	basePath/
//	  ab/cd123...  (content-addressed objects, zstd-compressed)
//
// Writes go through a temp file plus atomic rename, so a concurrent
// duplicate Put can never leave a torn object behind and no lock is needed:
// both writers produce identical bytes for the same path.
type LocalStore struct {
	basePath   string
	cache      *lruCache
	compressor *compressor
}

// LocalConfig configures a LocalStore.
type LocalConfig struct {
	CacheSize        int
	CompressionLevel int
	Compression      bool
}

func NewLocalStore(basePath string, cfg LocalConfig) (*LocalStore, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("create object dir: %w", err)
	}

	compressor, err := newCompressor(cfg.CompressionLevel, cfg.Compression)
	if err != nil {
		return nil, fmt.Errorf("create compressor: %w", err)
	}

	cacheSize := cfg.CacheSize
	if cacheSize <= 0 {
		cacheSize = 1024
	}

	return &LocalStore{
		basePath:   basePath,
		cache:      newLRUCache(cacheSize),
		compressor: compressor,
	}, nil
}

func (s *LocalStore) Put(ctx context.Context, data []byte) (ID, error) {
	id := Identify(data)

	path := s.objectPath(id.Digest)
	if _, err := os.Stat(path); err == nil {
		return id, nil // already stored, content addressing makes this a no-op
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return ID{}, fmt.Errorf("create object shard dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return ID{}, fmt.Errorf("create temp object: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(s.compressor.compress(data)); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return ID{}, fmt.Errorf("write object %s: %w", id.Digest, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return ID{}, fmt.Errorf("close object %s: %w", id.Digest, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return ID{}, fmt.Errorf("commit object %s: %w", id.Digest, err)
	}

	s.cache.add(id.Digest, data)
	return id, nil
}

func (s *LocalStore) Get(ctx context.Context, id ID) ([]byte, error) {
	if data, ok := s.cache.get(id.Digest); ok {
		return data, nil
	}

	stored, err := os.ReadFile(s.objectPath(id.Digest))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id.Digest)
		}
		return nil, fmt.Errorf("read object %s: %w", id.Digest, err)
	}

	data, err := s.compressor.decompress(stored)
	if err != nil {
		return nil, fmt.Errorf("decompress object %s: %w", id.Digest, err)
	}

	if err := id.Verify(data); err != nil {
		return nil, err
	}

	s.cache.add(id.Digest, data)
	return data, nil
}

func (s *LocalStore) Has(ctx context.Context, id ID) (bool, error) {
	if s.cache.has(id.Digest) {
		return true, nil
	}

	_, err := os.Stat(s.objectPath(id.Digest))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("stat object %s: %w", id.Digest, err)
}

func (s *LocalStore) Delete(ctx context.Context, id ID) error {
	s.cache.remove(id.Digest)
	if err := os.Remove(s.objectPath(id.Digest)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete object %s: %w", id.Digest, err)
	}
	return nil
}

// Walk visits every stored object. Each object is read back and verified so
// callers see exact IDs; corrupt objects are reported as errors from fn's
// perspective by surfacing ErrDigestMismatch.
func (s *LocalStore) Walk(ctx context.Context, fn func(ID) error) error {
	return filepath.WalkDir(s.basePath, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		if strings.HasPrefix(d.Name(), ".tmp-") {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(s.basePath, path)
		if err != nil {
			return err
		}
		hexDigest := strings.ReplaceAll(rel, string(filepath.Separator), "")
		if _, err := hex.DecodeString(hexDigest); err != nil {
			return nil // not an object file
		}

		stored, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read object %s: %w", hexDigest, err)
		}
		data, err := s.compressor.decompress(stored)
		if err != nil {
			return fmt.Errorf("decompress object %s: %w", hexDigest, err)
		}

		id := Identify(data)
		if hexPart(id.Digest) != hexDigest {
			return fmt.Errorf("%w: stored as %s, content is %s", ErrDigestMismatch, hexDigest, id.Digest)
		}
		return fn(id)
	})
}

// Close releases compressor resources. The store must not be used after.
func (s *LocalStore) Close() error {
	s.compressor.close()
	return nil
}

// objectPath returns the sharded filesystem path for a digest.
func (s *LocalStore) objectPath(digest string) string {
	hash := hexPart(digest)
	if len(hash) < 4 {
		return filepath.Join(s.basePath, hash)
	}
	return filepath.Join(s.basePath, hash[:2], hash[2:])
}
