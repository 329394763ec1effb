package kb

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidMode(t *testing.T) {
	for _, mode := range []string{"mix", "local", "global", "hybrid", "naive"} {
		assert.True(t, ValidMode(mode), mode)
	}
	assert.False(t, ValidMode(""))
	assert.False(t, ValidMode("semantic"))
	assert.False(t, ValidMode("MIX"))
}

func TestSearchKeySeparatesRequests(t *testing.T) {
	base := SearchRequest{Query: "modulator ratio", Namespace: NamespacePrinciples, Mode: "mix", TopK: 5}

	assert.Equal(t, searchKey(base), searchKey(base))

	// Requests differing in any field must not share a flight.
	otherMode := base
	otherMode.Mode = "local"
	assert.NotEqual(t, searchKey(base), searchKey(otherMode))

	otherNS := base
	otherNS.Namespace = NamespaceModulation
	assert.NotEqual(t, searchKey(base), searchKey(otherNS))

	otherTopK := base
	otherTopK.TopK = 10
	assert.NotEqual(t, searchKey(base), searchKey(otherTopK))
}

func TestChunkRef(t *testing.T) {
	ref := ChunkRef(NamespacePrinciples, "slow heating ramps improve crystallinity")

	require.True(t, strings.HasPrefix(ref, "kb:"+NamespacePrinciples+":"))
	hash := strings.TrimPrefix(ref, "kb:"+NamespacePrinciples+":")
	assert.Len(t, hash, 16)

	// Content-addressed: same text maps to the same ref, different text doesn't.
	assert.Equal(t, ref, ChunkRef(NamespacePrinciples, "slow heating ramps improve crystallinity"))
	assert.NotEqual(t, ref, ChunkRef(NamespacePrinciples, "excess modulator suppresses nucleation"))
	assert.NotEqual(t, ref, ChunkRef(NamespaceModulation, "slow heating ramps improve crystallinity"))
}

func TestSplitChunksPacksParagraphs(t *testing.T) {
	text := "first paragraph\n\nsecond paragraph\n\n\n\nthird paragraph"

	chunks := splitChunks(text)
	require.Len(t, chunks, 1)
	assert.Equal(t, "first paragraph\n\nsecond paragraph\n\nthird paragraph", chunks[0])
}

func TestSplitChunksRespectsLimit(t *testing.T) {
	para := strings.Repeat("a", 700)
	text := para + "\n\n" + para + "\n\n" + para

	chunks := splitChunks(text)
	require.Len(t, chunks, 3)
	for _, c := range chunks {
		assert.Equal(t, para, c)
	}
}

func TestSplitChunksOversizedParagraph(t *testing.T) {
	big := strings.Repeat("b", maxChunkChars+500)

	chunks := splitChunks("intro\n\n" + big + "\n\noutro")
	require.Len(t, chunks, 3)
	assert.Equal(t, "intro", chunks[0])
	assert.Equal(t, big, chunks[1])
	assert.Equal(t, "outro", chunks[2])
}

func TestSplitChunksEmpty(t *testing.T) {
	assert.Empty(t, splitChunks(""))
	assert.Empty(t, splitChunks("\n\n  \n\n"))
}
