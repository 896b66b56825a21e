// Package flusher drains the durable staging ring into storage in batches.
package flusher

import (
	"context"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/queryvault/queryvault/pkg/model"
	"github.com/queryvault/queryvault/pkg/staging"
)

const (
	// DefaultInterval is how often the flusher wakes.
	DefaultInterval = 5 * time.Second
	// DefaultBatchSize bounds a single flush.
	DefaultBatchSize = 10000
)

var (
	metricFlushedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "queryvault",
		Name:      "flushed_metrics_total",
		Help:      "Total number of metrics flushed to storage.",
	})
	metricFlushFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "queryvault",
		Name:      "flush_failures_total",
		Help:      "Total number of flush batches lost to a failed commit.",
	})
)

// Store is the slice of the storage gateway the flusher needs.
type Store interface {
	InsertMetricsBatch(ctx context.Context, metrics []model.QueryMetric) (int, error)
}

// Flusher is a single-instance worker: a tick that fires while the
// previous flush is still running waits for it to finish.
type Flusher struct {
	services.Service

	buf       *staging.Ring[model.QueryMetric]
	store     Store
	logger    log.Logger
	interval  time.Duration
	batchSize int
}

func New(buf *staging.Ring[model.QueryMetric], store Store, logger log.Logger) *Flusher {
	return newWithInterval(buf, store, logger, DefaultInterval, DefaultBatchSize)
}

func newWithInterval(buf *staging.Ring[model.QueryMetric], store Store, logger log.Logger, interval time.Duration, batchSize int) *Flusher {
	f := &Flusher{
		buf:       buf,
		store:     store,
		logger:    log.With(logger, "component", "flusher"),
		interval:  interval,
		batchSize: batchSize,
	}
	f.Service = services.NewTimerService(interval, f.starting, f.iteration, nil)
	return f
}

func (f *Flusher) starting(context.Context) error {
	level.Info(f.logger).Log("msg", "flush worker started", "interval", f.interval)
	return nil
}

func (f *Flusher) iteration(ctx context.Context) error {
	batch := f.buf.PopBatch(f.batchSize)
	if len(batch) == 0 {
		return nil
	}

	inserted, err := f.store.InsertMetricsBatch(ctx, batch)
	if err != nil {
		// The whole batch is lost; there is no retry queue.
		metricFlushFailuresTotal.Inc()
		level.Error(f.logger).Log("msg", "failed to insert metrics batch", "batch_size", len(batch), "err", err)
		return nil
	}

	metricFlushedTotal.Add(float64(inserted))
	if inserted < len(batch) {
		level.Error(f.logger).Log("msg", "some metrics failed to insert", "inserted", inserted, "expected", len(batch))
	} else {
		level.Debug(f.logger).Log("msg", "metrics batch inserted", "inserted", inserted)
	}
	return nil
}
