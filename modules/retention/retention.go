// Package retention deletes raw query metrics past the retention window.
package retention

import (
	"context"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// DefaultStartupDelay keeps the pruner quiet while the service warms up.
	DefaultStartupDelay = 60 * time.Second
	// DefaultInterval is the prune cadence.
	DefaultInterval = 6 * time.Hour
	// DefaultRetentionDays is how long raw metrics are kept.
	DefaultRetentionDays = 30
)

var metricPrunedTotal = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "queryvault",
	Name:      "pruned_metrics_total",
	Help:      "Total number of expired metric rows deleted.",
})

// Store is the slice of the storage gateway the pruner needs.
type Store interface {
	PruneOlderThan(ctx context.Context, days int) (int64, error)
}

// Pruner deletes raw metrics older than the retention window. Aggregates
// and anomalies are kept; only the raw event rows expire.
type Pruner struct {
	services.Service

	store         Store
	logger        log.Logger
	startupDelay  time.Duration
	interval      time.Duration
	retentionDays int
}

func New(store Store, logger log.Logger) *Pruner {
	return newWithSchedule(store, logger, DefaultStartupDelay, DefaultInterval, DefaultRetentionDays)
}

func newWithSchedule(store Store, logger log.Logger, startupDelay, interval time.Duration, retentionDays int) *Pruner {
	p := &Pruner{
		store:         store,
		logger:        log.With(logger, "component", "retention"),
		startupDelay:  startupDelay,
		interval:      interval,
		retentionDays: retentionDays,
	}
	p.Service = services.NewBasicService(p.starting, p.running, nil)
	return p
}

func (p *Pruner) starting(context.Context) error {
	level.Info(p.logger).Log("msg", "retention pruner started", "retention_days", p.retentionDays, "interval", p.interval)
	return nil
}

func (p *Pruner) running(ctx context.Context) error {
	// Let the rest of the service settle before the first delete.
	select {
	case <-time.After(p.startupDelay):
	case <-ctx.Done():
		return nil
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.prune(ctx)
	for {
		select {
		case <-ticker.C:
			p.prune(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

func (p *Pruner) prune(ctx context.Context) {
	deleted, err := p.store.PruneOlderThan(ctx, p.retentionDays)
	if err != nil {
		level.Error(p.logger).Log("msg", "retention prune failed", "err", err)
		return
	}
	metricPrunedTotal.Add(float64(deleted))
	level.Info(p.logger).Log("msg", "retention prune complete", "deleted", deleted, "retention_days", p.retentionDays)
}
