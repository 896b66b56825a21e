// Package embed defines the query-embedding contract and the text
// normalization and hashing rules shared by the storage gateway and the
// embedding worker.
package embed

import (
	"context"
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Embedder turns query text into fixed-dimension unit vectors. Instances
// are immutable after construction and safe for concurrent use. Vectors
// are L2-normalized, so cosine similarity reduces to the inner product.
type Embedder interface {
	// Embed returns the vector for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)
	// EmbedBatch returns one vector per input text, in input order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	// Dim is the fixed output dimension.
	Dim() int
}

// Normalize trims, lowercases, and collapses runs of whitespace to single
// spaces. It is idempotent.
func Normalize(query string) string {
	return strings.Join(strings.Fields(strings.ToLower(query)), " ")
}

// Hash returns the stable hex digest of the normalized query text. Two
// queries that normalize identically always hash identically.
func Hash(query string) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(Normalize(query)))
}

// CosineSimilarity of two unit vectors is their inner product. Mismatched
// lengths yield 0.
func CosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) {
		return 0
	}
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}
