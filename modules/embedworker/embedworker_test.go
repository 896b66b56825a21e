package embedworker

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/queryvault/queryvault/pkg/embed"
	"github.com/queryvault/queryvault/pkg/model"
)

type fakeStore struct {
	mu        sync.Mutex
	workspace uuid.UUID
	pending   []model.UnembeddedQuery
	upsertErr error
	upserts   map[string][]float32
}

func (s *fakeStore) AllWorkspaceIDs(context.Context) ([]uuid.UUID, error) {
	return []uuid.UUID{s.workspace}, nil
}

func (s *fakeStore) UnembeddedQueries(_ context.Context, _ uuid.UUID, limit int64) ([]model.UnembeddedQuery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if int64(len(s.pending)) > limit {
		return s.pending[:limit], nil
	}
	return s.pending, nil
}

func (s *fakeStore) UpsertEmbedding(_ context.Context, _ uuid.UUID, queryHash, _ string, vector []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.upsertErr != nil {
		return s.upsertErr
	}
	if s.upserts == nil {
		s.upserts = map[string][]float32{}
	}
	s.upserts[queryHash] = vector
	// Mimic the gateway: an upserted query stops being pending.
	kept := s.pending[:0]
	for _, q := range s.pending {
		if q.QueryHash != queryHash {
			kept = append(kept, q)
		}
	}
	s.pending = kept
	return nil
}

type failingEmbedder struct {
	embed.Embedder
	failText string
}

func (e failingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == e.failText {
		return nil, errors.New("embed failed")
	}
	return e.Embedder.Embed(ctx, text)
}

func newTestEmbedder(t *testing.T) *embed.HashingEmbedder {
	t.Helper()
	dir := t.TempDir()

	modelPath := filepath.Join(dir, "model.json")
	tokPath := filepath.Join(dir, "tokenizer.json")

	model, err := json.Marshal(map[string]any{"dim": embed.DefaultDim, "seed": 12345})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(modelPath, model, 0o600))

	tok, err := json.Marshal(map[string]any{"ngram": 3})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(tokPath, tok, 0o600))

	e, err := embed.NewHashingEmbedder(modelPath, tokPath)
	require.NoError(t, err)
	return e
}

func pendingQueries(texts ...string) []model.UnembeddedQuery {
	out := make([]model.UnembeddedQuery, 0, len(texts))
	for _, t := range texts {
		out = append(out, model.UnembeddedQuery{QueryText: t, QueryHash: embed.Hash(t)})
	}
	return out
}

func TestBackfillEmbedsPendingQueries(t *testing.T) {
	store := &fakeStore{
		workspace: uuid.New(),
		pending:   pendingQueries("SELECT * FROM users", "UPDATE orders SET status = $1"),
	}
	embedder := newTestEmbedder(t)
	w := newWithInterval(store, embedder, log.NewNopLogger(), time.Hour, 100)

	require.NoError(t, w.iteration(context.Background()))

	require.Len(t, store.upserts, 2)
	for _, vec := range store.upserts {
		assert.Len(t, vec, embed.DefaultDim)
	}
	assert.Empty(t, store.pending)
}

func TestBackfillRespectsBatchSize(t *testing.T) {
	store := &fakeStore{
		workspace: uuid.New(),
		pending:   pendingQueries("SELECT 1", "SELECT 2", "SELECT 3"),
	}
	embedder := newTestEmbedder(t)
	w := newWithInterval(store, embedder, log.NewNopLogger(), time.Hour, 2)

	require.NoError(t, w.iteration(context.Background()))
	assert.Len(t, store.upserts, 2)
	assert.Len(t, store.pending, 1)

	require.NoError(t, w.iteration(context.Background()))
	assert.Len(t, store.upserts, 3)
	assert.Empty(t, store.pending)
}

func TestBackfillSkipsFailedEmbeds(t *testing.T) {
	store := &fakeStore{
		workspace: uuid.New(),
		pending:   pendingQueries("SELECT 1", "SELECT 2"),
	}
	embedder := failingEmbedder{
		Embedder: newTestEmbedder(t),
		failText: "SELECT 1",
	}
	w := newWithInterval(store, embedder, log.NewNopLogger(), time.Hour, 100)

	require.NoError(t, w.iteration(context.Background()))

	require.Len(t, store.upserts, 1)
	_, ok := store.upserts[embed.Hash("SELECT 2")]
	assert.True(t, ok)
}

func TestBackfillKeepsPendingOnStoreError(t *testing.T) {
	store := &fakeStore{
		workspace: uuid.New(),
		pending:   pendingQueries("SELECT 1"),
		upsertErr: errors.New("db down"),
	}
	embedder := newTestEmbedder(t)
	w := newWithInterval(store, embedder, log.NewNopLogger(), time.Hour, 100)

	require.NoError(t, w.iteration(context.Background()))
	assert.Empty(t, store.upserts)
	assert.Len(t, store.pending, 1)
}
