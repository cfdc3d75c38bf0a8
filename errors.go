package pagesync

import (
	"errors"

	"github.com/aweris/pagesync/internal/btree"
	"github.com/aweris/pagesync/internal/merge"
	"github.com/aweris/pagesync/internal/object"
	"github.com/aweris/pagesync/internal/sync"
)

var (
	// ErrNotFound is returned when a key or object is absent.
	ErrNotFound = errors.New("pagesync: not found")

	// ErrNoCloud is returned by sync operations on a store opened without
	// a cloud provider.
	ErrNoCloud = errors.New("pagesync: no cloud provider configured")

	// ErrClosed is returned by operations on a closed store or page.
	ErrClosed = errors.New("pagesync: closed")

	// ErrConflict surfaces a merge conflict under a strict resolver.
	ErrConflict = merge.ErrConflict

	// ErrDigestMismatch indicates corrupted object bytes.
	ErrDigestMismatch = object.ErrDigestMismatch

	// ErrSyncDisabled is reported when sync was switched off for a page
	// after a version or protocol incompatibility.
	ErrSyncDisabled = sync.ErrSyncDisabled
)

// notFound maps internal absence errors onto the public sentinel while
// keeping the original chain for detail.
func notFound(err error) error {
	if errors.Is(err, object.ErrNotFound) || errors.Is(err, btree.ErrKeyNotFound) {
		return errors.Join(ErrNotFound, err)
	}
	return err
}
