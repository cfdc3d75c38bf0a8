package remote

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func testDigest(data string) string {
	sum := sha256.Sum256([]byte(data))
	return "sha256:" + hex.EncodeToString(sum[:])
}

func TestPackUnpackRoundTrip(t *testing.T) {
	blobs := map[string][]byte{
		testDigest("one"):   []byte("one"),
		testDigest("two"):   []byte("two"),
		testDigest("empty"): {},
	}

	packed := packObjects(blobs)
	got, err := unpackObjects(packed)
	require.NoError(t, err)
	require.Equal(t, len(blobs), len(got))
	for digest, data := range blobs {
		require.Equal(t, data, got[digest])
	}
}

func TestUnpackRejectsTruncatedData(t *testing.T) {
	blobs := map[string][]byte{testDigest("payload"): []byte("payload")}
	packed := packObjects(blobs)

	_, err := unpackObjects(packed[:len(packed)-3])
	require.Error(t, err)

	_, err = unpackObjects(packed[:digestLen+4])
	require.Error(t, err)
}

func TestExtractPrefix(t *testing.T) {
	digest := testDigest("x")
	require.Equal(t, digest[7:9], extractPrefix(digest))
	require.Equal(t, "ab", extractPrefix("abcdef"))
	require.Equal(t, "00", extractPrefix("a"))
}

func TestPrefixHashTracksContent(t *testing.T) {
	a := map[string][]byte{testDigest("a"): []byte("a")}
	b := map[string][]byte{testDigest("a"): []byte("a")}
	require.Equal(t, prefixHash(a), prefixHash(b))

	b[testDigest("b")] = []byte("b")
	require.NotEqual(t, prefixHash(a), prefixHash(b))
}

func TestBuildLayerPlanGroupsSmallPrefixes(t *testing.T) {
	sizes := map[string]int64{}
	for i := 0; i < 16; i++ {
		sizes[fmt.Sprintf("%02x", i)] = 100 * 1024
	}

	plan := buildLayerPlan(sizes)
	require.Len(t, plan, 1, "small prefixes combine into one layer")

	total := 0
	for _, group := range plan {
		total += len(group)
	}
	require.Equal(t, 16, total)
}

func TestBuildLayerPlanSplitsLargePrefixes(t *testing.T) {
	sizes := map[string]int64{
		"aa": 8 * 1024 * 1024,
		"bb": 8 * 1024 * 1024,
		"cc": 8 * 1024 * 1024,
	}

	plan := buildLayerPlan(sizes)
	require.Greater(t, len(plan), 1, "oversized groups split across layers")
}

func TestSanitizeTag(t *testing.T) {
	require.Equal(t, "notes", sanitizeTag("notes"))
	require.Equal(t, "team-docs", sanitizeTag("team/docs"))
	require.Equal(t, "a_b.c-d", sanitizeTag("a_b.c-d"))
}

func TestPageTagsDoNotCollide(t *testing.T) {
	p, err := New("example.com/team/pages")
	require.NoError(t, err)

	// names that sanitize to the same characters still get distinct tags
	require.NotEqual(t, p.pageTag("a/b").TagStr(), p.pageTag("a_b").TagStr())
	require.NotEqual(t, p.pageTag("a_b").TagStr(), p.pageTag("a:b").TagStr())
	require.Equal(t, p.pageTag("a/b").TagStr(), p.pageTag("a/b").TagStr())
}
