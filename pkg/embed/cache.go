package embed

import (
	"context"
	"encoding/binary"
	"math"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/redis/go-redis/v9"
)

// cacheTTL bounds how long a vector stays cached; embeddings are
// deterministic so staleness only matters across model changes.
const cacheTTL = 24 * time.Hour

// CachedEmbedder decorates an Embedder with a Redis read-through cache
// keyed by the normalized query hash. Cache failures are logged and the
// call falls through to the inner embedder.
type CachedEmbedder struct {
	inner  Embedder
	client redis.UniversalClient
	logger log.Logger
}

func NewCachedEmbedder(inner Embedder, client redis.UniversalClient, logger log.Logger) *CachedEmbedder {
	return &CachedEmbedder{
		inner:  inner,
		client: client,
		logger: log.With(logger, "component", "embedding-cache"),
	}
}

func (c *CachedEmbedder) Dim() int { return c.inner.Dim() }

func (c *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	key := "queryvault:embedding:" + Hash(text)

	raw, err := c.client.Get(ctx, key).Bytes()
	if err == nil {
		if vec, ok := decodeVector(raw, c.inner.Dim()); ok {
			return vec, nil
		}
	} else if err != redis.Nil {
		level.Warn(c.logger).Log("msg", "embedding cache read failed", "err", err)
	}

	vec, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}

	if err := c.client.Set(ctx, key, encodeVector(vec), cacheTTL).Err(); err != nil {
		level.Warn(c.logger).Log("msg", "embedding cache write failed", "err", err)
	}
	return vec, nil
}

func (c *CachedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		vec, err := c.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

func encodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
	}
	return buf
}

func decodeVector(raw []byte, dim int) ([]float32, bool) {
	if len(raw) != 4*dim {
		return nil, false
	}
	vec := make([]float32, dim)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
	}
	return vec, true
}
