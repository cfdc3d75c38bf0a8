// Package object implements the content-addressed object store.
//
// Objects are immutable byte blobs named by the digest of their content.
// The same bytes always map to the same ID, so concurrent duplicate writes
// are naturally idempotent. Large values are split into content-defined
// chunks (see chunk.go) so that a single huge entry never has to be held
// or transferred as one blob.
package object

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const digestPrefix = "sha256:"

var (
	// ErrNotFound is returned when an object is not present in the store.
	ErrNotFound = errors.New("object: not found")

	// ErrDigestMismatch is returned when fetched bytes do not hash to the
	// requested identifier. It always indicates a corrupted source and is
	// never silently accepted.
	ErrDigestMismatch = errors.New("object: digest mismatch")
)

// ID uniquely names an immutable blob: the digest of its content plus the
// content size in bytes.
type ID struct {
	Digest string `cbor:"d" json:"digest"`
	Size   uint64 `cbor:"s" json:"size"`
}

// Identify computes the ID for a byte sequence without storing it.
func Identify(data []byte) ID {
	h := sha256.Sum256(data)
	return ID{
		Digest: digestPrefix + hex.EncodeToString(h[:]),
		Size:   uint64(len(data)),
	}
}

// IsZero reports whether the ID is the zero value.
func (id ID) IsZero() bool { return id.Digest == "" }

// Equal reports whether two IDs name the same object.
func (id ID) Equal(other ID) bool { return id.Digest == other.Digest && id.Size == other.Size }

func (id ID) String() string {
	return fmt.Sprintf("%s(%d)", id.Digest, id.Size)
}

// Verify checks data against the ID and returns ErrDigestMismatch when the
// content does not hash to the expected digest or has the wrong length.
func (id ID) Verify(data []byte) error {
	if uint64(len(data)) != id.Size {
		return fmt.Errorf("%w: size %d, want %d", ErrDigestMismatch, len(data), id.Size)
	}
	if got := Identify(data); got.Digest != id.Digest {
		return fmt.Errorf("%w: %s, want %s", ErrDigestMismatch, got.Digest, id.Digest)
	}
	return nil
}

// hexPart strips the algorithm prefix from a digest for use in file paths.
func hexPart(digest string) string {
	return strings.TrimPrefix(digest, digestPrefix)
}

// ValidDigest reports whether a digest string has the expected form.
func ValidDigest(digest string) bool {
	rest, ok := strings.CutPrefix(digest, digestPrefix)
	if !ok || len(rest) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(rest)
	return err == nil
}
