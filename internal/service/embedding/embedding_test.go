package embedding

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashProviderDeterministic(t *testing.T) {
	p := NewHashProvider(64)
	ctx := context.Background()

	a, err := p.Embed(ctx, "zirconium chloride in DMF")
	require.NoError(t, err)
	b, err := p.Embed(ctx, "zirconium chloride in DMF")
	require.NoError(t, err)
	assert.Equal(t, a.Slice(), b.Slice())

	c, err := p.Embed(ctx, "titanium isopropoxide in ethanol")
	require.NoError(t, err)
	assert.NotEqual(t, a.Slice(), c.Slice())
}

func TestHashProviderUnitNorm(t *testing.T) {
	p := NewHashProvider(128)
	vec, err := p.Embed(context.Background(), "anything")
	require.NoError(t, err)

	s := vec.Slice()
	require.Len(t, s, 128)
	var norm float64
	for _, v := range s {
		norm += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-4)
}

func TestHashProviderBatch(t *testing.T) {
	p := NewHashProvider(32)
	vecs, err := p.EmbedBatch(context.Background(), []string{"one", "two"})
	require.NoError(t, err)
	require.Len(t, vecs, 2)

	single, err := p.Embed(context.Background(), "one")
	require.NoError(t, err)
	assert.Equal(t, single.Slice(), vecs[0].Slice())
}

func TestNewSelectsProvider(t *testing.T) {
	p, err := New("hash", "", "", "", 16)
	require.NoError(t, err)
	assert.IsType(t, &HashProvider{}, p)
	assert.Equal(t, 16, p.Dimensions())

	p, err = New("", "", "", "", 16)
	require.NoError(t, err)
	assert.IsType(t, &HashProvider{}, p)

	p, err = New("ollama", "http://localhost:11434", "", "nomic-embed-text", 768)
	require.NoError(t, err)
	assert.IsType(t, &OllamaProvider{}, p)

	p, err = New("openai", "", "sk-test", "text-embedding-3-small", 1024)
	require.NoError(t, err)
	assert.IsType(t, &OpenAIProvider{}, p)

	_, err = New("openai", "", "", "text-embedding-3-small", 1024)
	assert.Error(t, err)

	_, err = New("word2vec", "", "", "", 16)
	assert.Error(t, err)
}
