// Package embedworker backfills embeddings for stored queries that do not
// have one yet.
package embedworker

import (
	"context"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/queryvault/queryvault/pkg/embed"
	"github.com/queryvault/queryvault/pkg/model"
)

const (
	// DefaultInterval is the backfill cadence.
	DefaultInterval = 30 * time.Second
	// DefaultBatchSize caps how many distinct queries one tick embeds
	// per workspace.
	DefaultBatchSize = 100
)

var (
	metricEmbeddedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "queryvault",
		Name:      "embedded_queries_total",
		Help:      "Total number of query embeddings generated and stored.",
	})
	metricEmbedFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "queryvault",
		Name:      "embed_failures_total",
		Help:      "Total number of queries that failed to embed or store.",
	})
)

// Store is the slice of the storage gateway the worker needs.
type Store interface {
	AllWorkspaceIDs(ctx context.Context) ([]uuid.UUID, error)
	UnembeddedQueries(ctx context.Context, workspaceID uuid.UUID, limit int64) ([]model.UnembeddedQuery, error)
	UpsertEmbedding(ctx context.Context, workspaceID uuid.UUID, queryHash, sqlQuery string, vector []float32) error
}

// Worker finds queries without embeddings and generates them. It only
// runs when an embedder is configured; the rest of the system works
// without one.
type Worker struct {
	services.Service

	store     Store
	embedder  embed.Embedder
	logger    log.Logger
	batchSize int64
}

func New(store Store, embedder embed.Embedder, logger log.Logger) *Worker {
	return newWithInterval(store, embedder, logger, DefaultInterval, DefaultBatchSize)
}

func newWithInterval(store Store, embedder embed.Embedder, logger log.Logger, interval time.Duration, batchSize int64) *Worker {
	w := &Worker{
		store:     store,
		embedder:  embedder,
		logger:    log.With(logger, "component", "embed-worker"),
		batchSize: batchSize,
	}
	w.Service = services.NewTimerService(interval, w.starting, w.iteration, nil)
	return w
}

func (w *Worker) starting(context.Context) error {
	level.Info(w.logger).Log("msg", "embedding worker started", "dim", w.embedder.Dim())
	return nil
}

func (w *Worker) iteration(ctx context.Context) error {
	workspaces, err := w.store.AllWorkspaceIDs(ctx)
	if err != nil {
		level.Error(w.logger).Log("msg", "failed to list workspaces", "err", err)
		return nil
	}

	for _, workspaceID := range workspaces {
		if err := w.backfillWorkspace(ctx, workspaceID); err != nil {
			level.Error(w.logger).Log("msg", "embedding backfill failed", "workspace_id", workspaceID, "err", err)
		}
	}
	return nil
}

func (w *Worker) backfillWorkspace(ctx context.Context, workspaceID uuid.UUID) error {
	pending, err := w.store.UnembeddedQueries(ctx, workspaceID, w.batchSize)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}

	level.Debug(w.logger).Log("msg", "embedding pending queries", "workspace_id", workspaceID, "count", len(pending))

	for _, q := range pending {
		vec, err := w.embedder.Embed(ctx, q.QueryText)
		if err != nil {
			metricEmbedFailuresTotal.Inc()
			level.Warn(w.logger).Log("msg", "failed to embed query", "query_hash", q.QueryHash, "err", err)
			continue
		}
		if err := w.store.UpsertEmbedding(ctx, workspaceID, q.QueryHash, q.QueryText, vec); err != nil {
			metricEmbedFailuresTotal.Inc()
			level.Warn(w.logger).Log("msg", "failed to store embedding", "query_hash", q.QueryHash, "err", err)
			continue
		}
		metricEmbeddedTotal.Inc()
	}
	return nil
}
