package object

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"strings"

	"github.com/aweris/pagesync/internal/codec"
)

// Values are stored wrapped in a small typed header so a chunk index can be
// told apart from raw content:
//
//	blob object:  "blob {contentSize}\x00{content}"
//	index object: "index {totalSize}\x00{cbor list of chunk IDs}"
//
// A value above the chunking threshold is cut into content-defined chunks,
// each stored as its own blob object, and referenced from one index object.
// GetValue reassembles transparently, so readers never see the split and
// sync can transfer chunks independently.

// ChunkConfig bounds content-defined chunk sizes.
type ChunkConfig struct {
	Threshold int // values larger than this are chunked
	Min       int
	Avg       int // must be a power of two
	Max       int
}

// DefaultChunkConfig matches typical page payloads: most values stay
// un-chunked, multi-megabyte ones split into roughly 256KiB pieces.
func DefaultChunkConfig() ChunkConfig {
	return ChunkConfig{
		Threshold: 1 << 20,
		Min:       1 << 16,
		Avg:       1 << 18,
		Max:       1 << 20,
	}
}

// buzhash table, fixed seed so chunk boundaries are identical on every
// device. Changing the seed changes every chunk digest.
var buzTable = func() [256]uint32 {
	var t [256]uint32
	rng := rand.New(rand.NewSource(0x70616765)) // "page"
	for i := range t {
		t[i] = rng.Uint32()
	}
	return t
}()

const buzWindow = 64

// cutPoints returns chunk boundary offsets for data, always ending with
// len(data).
func cutPoints(data []byte, cfg ChunkConfig) []int {
	mask := uint32(cfg.Avg - 1)
	var cuts []int
	start := 0
	var h uint32

	for i := 0; i < len(data); i++ {
		h = (h << 1) | (h >> 31)
		h ^= buzTable[data[i]]
		if i-start >= buzWindow {
			out := data[i-buzWindow]
			rot := uint32(buzWindow % 32)
			h ^= (buzTable[out] << rot) | (buzTable[out] >> (32 - rot))
		}

		size := i - start + 1
		if size < cfg.Min {
			continue
		}
		if h&mask == mask || size >= cfg.Max {
			cuts = append(cuts, i+1)
			start = i + 1
			h = 0
		}
	}
	if start < len(data) || len(data) == 0 {
		cuts = append(cuts, len(data))
	}
	return cuts
}

// PutValue stores a value, splitting it into chunks when it exceeds the
// configured threshold, and returns the ID the value is referenced by.
func PutValue(ctx context.Context, s Store, data []byte, cfg ChunkConfig) (ID, error) {
	if len(data) <= cfg.Threshold {
		return s.Put(ctx, wrap("blob", data))
	}

	var chunkIDs []ID
	prev := 0
	for _, cut := range cutPoints(data, cfg) {
		id, err := s.Put(ctx, wrap("blob", data[prev:cut]))
		if err != nil {
			return ID{}, fmt.Errorf("store chunk: %w", err)
		}
		chunkIDs = append(chunkIDs, id)
		prev = cut
	}

	encoded, err := codec.Marshal(chunkIDs)
	if err != nil {
		return ID{}, fmt.Errorf("encode chunk index: %w", err)
	}
	return s.Put(ctx, wrapSized("index", uint64(len(data)), encoded))
}

// GetValue retrieves a value, reassembling chunked content transparently.
func GetValue(ctx context.Context, s Store, id ID) ([]byte, error) {
	data, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	kind, size, content, err := unwrap(data)
	if err != nil {
		return nil, fmt.Errorf("value %s: %w", id.Digest, err)
	}

	switch kind {
	case "blob":
		return content, nil
	case "index":
		var chunkIDs []ID
		if err := codec.Unmarshal(content, &chunkIDs); err != nil {
			return nil, fmt.Errorf("decode chunk index %s: %w", id.Digest, err)
		}
		buf := make([]byte, 0, size)
		for _, cid := range chunkIDs {
			chunk, err := GetValue(ctx, s, cid)
			if err != nil {
				return nil, fmt.Errorf("chunk %s: %w", cid.Digest, err)
			}
			buf = append(buf, chunk...)
		}
		if uint64(len(buf)) != size {
			return nil, fmt.Errorf("%w: reassembled %d bytes, index declares %d", ErrDigestMismatch, len(buf), size)
		}
		return buf, nil
	default:
		return nil, fmt.Errorf("value %s: unknown object kind %q", id.Digest, kind)
	}
}

// ValueRefs returns the IDs a value object references (its chunks, if any).
// Used by GC marking and by sync to transfer chunked values piecewise.
func ValueRefs(ctx context.Context, s Store, id ID) ([]ID, error) {
	data, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	kind, _, content, err := unwrap(data)
	if err != nil {
		return nil, fmt.Errorf("value %s: %w", id.Digest, err)
	}
	if kind != "index" {
		return nil, nil
	}
	var chunkIDs []ID
	if err := codec.Unmarshal(content, &chunkIDs); err != nil {
		return nil, fmt.Errorf("decode chunk index %s: %w", id.Digest, err)
	}
	return chunkIDs, nil
}

func wrap(kind string, content []byte) []byte {
	return wrapSized(kind, uint64(len(content)), content)
}

func wrapSized(kind string, size uint64, content []byte) []byte {
	header := fmt.Sprintf("%s %d\x00", kind, size)
	buf := make([]byte, 0, len(header)+len(content))
	buf = append(buf, header...)
	return append(buf, content...)
}

func unwrap(data []byte) (kind string, size uint64, content []byte, err error) {
	idx := bytes.IndexByte(data, 0)
	if idx == -1 {
		return "", 0, nil, fmt.Errorf("missing object header")
	}
	header := string(data[:idx])
	kind, sizeStr, ok := strings.Cut(header, " ")
	if !ok {
		return "", 0, nil, fmt.Errorf("malformed object header %q", header)
	}
	size, err = strconv.ParseUint(sizeStr, 10, 64)
	if err != nil {
		return "", 0, nil, fmt.Errorf("malformed object size %q", sizeStr)
	}
	content = data[idx+1:]
	if kind == "blob" && uint64(len(content)) != size {
		return "", 0, nil, fmt.Errorf("blob size %d, header declares %d", len(content), size)
	}
	return kind, size, content, nil
}

// DecodeValueRefs returns the chunk IDs referenced by serialized value
// bytes, nil for a plain blob. Unlike ValueRefs it needs no store, so sync
// can resolve an index it has downloaded but not yet persisted.
func DecodeValueRefs(data []byte) ([]ID, error) {
	kind, _, content, err := unwrap(data)
	if err != nil {
		return nil, err
	}
	if kind != "index" {
		return nil, nil
	}
	var chunkIDs []ID
	if err := codec.Unmarshal(content, &chunkIDs); err != nil {
		return nil, fmt.Errorf("decode chunk index: %w", err)
	}
	return chunkIDs, nil
}
