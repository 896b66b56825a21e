package embed

import (
	"context"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-kit/log"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"SELECT * FROM users", "select * from users"},
		{"  select  *  from USERS  ", "select * from users"},
		{"select\t*\nfrom users", "select * from users"},
		{"", ""},
		{"   \t\n  ", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Normalize(tt.in))
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	for _, q := range []string{"SELECT 1", "  a\t\tb  c ", "", "x"} {
		once := Normalize(q)
		assert.Equal(t, once, Normalize(once))
	}
}

func TestHashDeterminism(t *testing.T) {
	a := Hash("SELECT * FROM users")
	b := Hash("select  *  from USERS")
	assert.Equal(t, a, b)
	assert.Len(t, a, 16)

	assert.NotEqual(t, a, Hash("SELECT * FROM orders"))
}

func writeEmbedderFixtures(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()

	modelPath := filepath.Join(dir, "model.json")
	tokPath := filepath.Join(dir, "tokenizer.json")

	model, err := json.Marshal(map[string]any{"dim": 384, "seed": 12345})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(modelPath, model, 0o600))

	tok, err := json.Marshal(map[string]any{"ngram": 3})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(tokPath, tok, 0o600))

	return modelPath, tokPath
}

func newTestEmbedder(t *testing.T) *HashingEmbedder {
	t.Helper()
	modelPath, tokPath := writeEmbedderFixtures(t)
	e, err := NewHashingEmbedder(modelPath, tokPath)
	require.NoError(t, err)
	return e
}

func TestEmbedderLoadFailure(t *testing.T) {
	_, err := NewHashingEmbedder("/nonexistent/model.json", "/nonexistent/tokenizer.json")
	require.Error(t, err)
}

func TestEmbeddingUnitNorm(t *testing.T) {
	e := newTestEmbedder(t)
	require.Equal(t, 384, e.Dim())

	for _, q := range []string{
		"SELECT * FROM users",
		"INSERT INTO orders (id) VALUES ($1)",
		"",
	} {
		vec, err := e.Embed(context.Background(), q)
		require.NoError(t, err)
		require.Len(t, vec, 384)

		var norm float64
		for _, v := range vec {
			norm += float64(v) * float64(v)
		}
		assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-5, "query %q", q)
	}
}

func TestEmbeddingDeterministicUnderNormalization(t *testing.T) {
	e := newTestEmbedder(t)

	a, err := e.Embed(context.Background(), "SELECT * FROM users")
	require.NoError(t, err)
	b, err := e.Embed(context.Background(), "select  *  from USERS")
	require.NoError(t, err)

	assert.Equal(t, Hash("SELECT * FROM users"), Hash("select  *  from USERS"))
	assert.InDelta(t, 1.0, float64(CosineSimilarity(a, b)), 1e-5)
}

func TestEmbedBatchOrdering(t *testing.T) {
	e := newTestEmbedder(t)

	texts := []string{"SELECT 1", "SELECT 2", "SELECT 3"}
	vecs, err := e.EmbedBatch(context.Background(), texts)
	require.NoError(t, err)
	require.Len(t, vecs, 3)

	for i, text := range texts {
		single, err := e.Embed(context.Background(), text)
		require.NoError(t, err)
		assert.Equal(t, single, vecs[i])
	}
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, float64(CosineSimilarity([]float32{1, 0}, []float32{1, 0})), 1e-6)
	assert.InDelta(t, 0.0, float64(CosineSimilarity([]float32{1, 0}, []float32{0, 1})), 1e-6)
	assert.Equal(t, float32(0), CosineSimilarity([]float32{1}, []float32{1, 0}))
}

type countingEmbedder struct {
	*HashingEmbedder
	calls int
}

func (c *countingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	c.calls++
	return c.HashingEmbedder.Embed(ctx, text)
}

func TestCachedEmbedder(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})

	inner := &countingEmbedder{HashingEmbedder: newTestEmbedder(t)}
	cached := NewCachedEmbedder(inner, client, log.NewNopLogger())

	ctx := context.Background()

	first, err := cached.Embed(ctx, "SELECT * FROM users")
	require.NoError(t, err)
	assert.Equal(t, 1, inner.calls)

	// Second call, and a formatting variant, both hit the cache.
	second, err := cached.Embed(ctx, "select  *  from USERS")
	require.NoError(t, err)
	assert.Equal(t, 1, inner.calls)
	assert.Equal(t, first, second)

	// Cache outage degrades to the inner embedder.
	srv.Close()
	third, err := cached.Embed(ctx, "SELECT * FROM users")
	require.NoError(t, err)
	assert.Equal(t, 2, inner.calls)
	assert.Equal(t, first, third)
}
