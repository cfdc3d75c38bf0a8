// Package remote implements a CloudProvider backed by an OCI registry.
//
// Each page maps to one image tag. The page's commit log and schema marker
// live in the image config labels; objects are packed into zstd-compressed
// layers grouped by digest prefix, so a device pulling an update downloads
// only the layers whose prefix content changed.
package remote

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strings"
)

const (
	layerSoftMax = 10 * 1024 * 1024
	layerMinSize = 2 * 1024 * 1024
	digestLen    = 71 // "sha256:" (7) + hex (64)
)

// PrefixInfo records which layer carries a digest prefix's objects and the
// hash of that prefix's content, for change detection between pushes.
type PrefixInfo struct {
	Hash  string `json:"hash"`
	Layer string `json:"layer"`
}

func groupByPrefix(objects map[string][]byte) map[string]map[string][]byte {
	result := make(map[string]map[string][]byte)
	for digest, data := range objects {
		prefix := extractPrefix(digest)
		if result[prefix] == nil {
			result[prefix] = make(map[string][]byte)
		}
		result[prefix][digest] = data
	}
	return result
}

func extractPrefix(digest string) string {
	if rest, ok := strings.CutPrefix(digest, "sha256:"); ok && len(rest) >= 2 {
		return rest[:2]
	}
	if len(digest) >= 2 {
		return digest[:2]
	}
	return "00"
}

func prefixHash(blobs map[string][]byte) string {
	digests := make([]string, 0, len(blobs))
	for d := range blobs {
		digests = append(digests, d)
	}
	sort.Strings(digests)

	h := sha256.New()
	for _, d := range digests {
		h.Write([]byte(d))
		binary.Write(h, binary.BigEndian, int64(len(blobs[d])))
	}
	return "sha256:" + hex.EncodeToString(h.Sum(nil))
}

// packObjects serializes blobs into the layer wire format:
// [digest 71B zero-padded][length 8B big-endian][data]...
func packObjects(blobs map[string][]byte) []byte {
	digests := make([]string, 0, len(blobs))
	for d := range blobs {
		digests = append(digests, d)
	}
	sort.Strings(digests)

	var buf bytes.Buffer
	digestBuf := make([]byte, digestLen)
	lenBuf := make([]byte, 8)

	for _, digest := range digests {
		data := blobs[digest]

		copy(digestBuf, digest)
		for i := len(digest); i < digestLen; i++ {
			digestBuf[i] = 0
		}
		buf.Write(digestBuf)

		binary.BigEndian.PutUint64(lenBuf, uint64(len(data)))
		buf.Write(lenBuf)
		buf.Write(data)
	}
	return buf.Bytes()
}

func unpackObjects(data []byte) (map[string][]byte, error) {
	result := make(map[string][]byte)
	buf := bytes.NewReader(data)
	digestBuf := make([]byte, digestLen)

	for buf.Len() > 0 {
		if _, err := io.ReadFull(buf, digestBuf); err != nil {
			return nil, fmt.Errorf("read packed digest: %w", err)
		}
		digest := strings.TrimRight(string(digestBuf), "\x00")

		var length uint64
		if err := binary.Read(buf, binary.BigEndian, &length); err != nil {
			return nil, fmt.Errorf("read packed length: %w", err)
		}
		if length > uint64(buf.Len()) {
			return nil, fmt.Errorf("packed object %s: length %d exceeds remaining %d", digest, length, buf.Len())
		}

		blob := make([]byte, length)
		if _, err := io.ReadFull(buf, blob); err != nil {
			return nil, fmt.Errorf("read packed data: %w", err)
		}
		result[digest] = blob
	}
	return result, nil
}

// buildLayerPlan groups prefixes into layers aiming for layerSoftMax bytes,
// combining small prefixes so layer count stays bounded.
func buildLayerPlan(prefixSizes map[string]int64) [][]string {
	prefixes := make([]string, 0, len(prefixSizes))
	for p := range prefixSizes {
		prefixes = append(prefixes, p)
	}
	sort.Strings(prefixes)

	var layers [][]string
	var current []string
	var size int64

	for _, prefix := range prefixes {
		prefixSize := prefixSizes[prefix]

		switch {
		case len(current) == 0:
			current = append(current, prefix)
			size = prefixSize
		case size+prefixSize <= layerSoftMax,
			size < layerMinSize && size+prefixSize <= 2*layerSoftMax:
			current = append(current, prefix)
			size += prefixSize
		default:
			layers = append(layers, current)
			current = []string{prefix}
			size = prefixSize
		}
	}
	if len(current) > 0 {
		layers = append(layers, current)
	}
	return layers
}
