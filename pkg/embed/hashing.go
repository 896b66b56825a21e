package embed

import (
	"context"
	"encoding/json"
	"math"
	"os"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
)

// DefaultDim is the canonical embedding dimension.
const DefaultDim = 384

// modelParams is the on-disk model description.
type modelParams struct {
	Dim  int    `json:"dim"`
	Seed uint64 `json:"seed"`
}

// tokenizerParams describes how query text is split into features.
type tokenizerParams struct {
	NGram int `json:"ngram"`
}

// HashingEmbedder projects normalized query text onto a fixed-dimension
// unit vector using the hashing trick over word tokens and character
// n-grams. It is deterministic: texts with identical normalization embed
// identically.
type HashingEmbedder struct {
	dim   int
	seed  uint64
	ngram int
}

// NewHashingEmbedder loads projector parameters from the model and
// tokenizer files. Load failures are returned to the caller; the service
// treats them as "embedder disabled", not fatal.
func NewHashingEmbedder(modelPath, tokenizerPath string) (*HashingEmbedder, error) {
	var mp modelParams
	if err := readJSONFile(modelPath, &mp); err != nil {
		return nil, errors.Wrap(err, "loading embedding model")
	}
	var tp tokenizerParams
	if err := readJSONFile(tokenizerPath, &tp); err != nil {
		return nil, errors.Wrap(err, "loading tokenizer")
	}

	if mp.Dim <= 0 {
		mp.Dim = DefaultDim
	}
	if tp.NGram <= 0 {
		tp.NGram = 3
	}

	return &HashingEmbedder{dim: mp.Dim, seed: mp.Seed, ngram: tp.NGram}, nil
}

func readJSONFile(path string, v any) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

func (e *HashingEmbedder) Dim() int { return e.dim }

// Embed implements Embedder.
func (e *HashingEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	return e.project(text), nil
}

// EmbedBatch implements Embedder with 1:1 ordering.
func (e *HashingEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = e.project(t)
	}
	return out, nil
}

func (e *HashingEmbedder) project(text string) []float32 {
	vec := make([]float32, e.dim)

	for _, f := range e.features(Normalize(text)) {
		h := xxhash.Sum64String(f) ^ e.seed
		idx := h % uint64(e.dim)
		// One spare bit decides the sign so features cancel rather
		// than pile up on hash collisions.
		if (h>>63)&1 == 1 {
			vec[idx]--
		} else {
			vec[idx]++
		}
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		inv := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= inv
		}
	} else {
		// Empty text still gets a valid unit vector.
		vec[0] = 1
	}
	return vec
}

func (e *HashingEmbedder) features(normalized string) []string {
	if normalized == "" {
		return nil
	}
	var feats []string
	for _, tok := range strings.Split(normalized, " ") {
		feats = append(feats, "w:"+tok)
		runes := []rune(tok)
		for i := 0; i+e.ngram <= len(runes); i++ {
			feats = append(feats, "g:"+string(runes[i:i+e.ngram]))
		}
	}
	return feats
}
