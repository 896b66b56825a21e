// Package anomaly flags query executions whose latency is a statistical
// outlier against the workspace's recent history.
package anomaly

import (
	"context"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/queryvault/queryvault/pkg/livestream"
	"github.com/queryvault/queryvault/pkg/model"
)

const (
	// DefaultInterval is the detection cadence.
	DefaultInterval = 60 * time.Second

	// statsWindow is the number of recent events the baseline is built on.
	statsWindow = 1000
	// minSamples is the evidence floor below which a workspace is skipped.
	minSamples = 100
	// zThreshold is the sigma multiplier; only z > 3 is anomalous.
	zThreshold = 3.0
	// lookbackSeconds bounds how far back a tick scans for outliers.
	lookbackSeconds = 60
)

var metricAnomaliesDetected = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "queryvault",
	Name:      "anomalies_detected_total",
	Help:      "Total number of latency anomalies recorded.",
})

// Store is the slice of the storage gateway the detector needs.
type Store interface {
	AllWorkspaceIDs(ctx context.Context) ([]uuid.UUID, error)
	MetricsStats(ctx context.Context, workspaceID uuid.UUID, limit int64) (model.MetricsStats, error)
	RecentSlowMetrics(ctx context.Context, workspaceID uuid.UUID, sinceSeconds, thresholdMs int64) ([]model.QueryMetric, error)
	InsertAnomaly(ctx context.Context, a *model.QueryAnomaly) error
}

// Detector computes per-workspace μ and σ over the most recent
// statsWindow events and records every event in the last minute whose
// duration exceeds μ + 3σ. Detected anomalies are also published on the
// live channel as typed envelopes.
type Detector struct {
	services.Service

	store  Store
	live   *livestream.Channel
	logger log.Logger
}

func New(store Store, live *livestream.Channel, logger log.Logger) *Detector {
	return newWithInterval(store, live, logger, DefaultInterval)
}

func newWithInterval(store Store, live *livestream.Channel, logger log.Logger, interval time.Duration) *Detector {
	d := &Detector{
		store:  store,
		live:   live,
		logger: log.With(logger, "component", "anomaly-detector"),
	}
	d.Service = services.NewTimerService(interval, d.starting, d.iteration, nil)
	return d
}

func (d *Detector) starting(context.Context) error {
	level.Info(d.logger).Log("msg", "anomaly detection started", "z_threshold", zThreshold)
	return nil
}

func (d *Detector) iteration(ctx context.Context) error {
	workspaces, err := d.store.AllWorkspaceIDs(ctx)
	if err != nil {
		level.Error(d.logger).Log("msg", "failed to list workspaces", "err", err)
		return nil
	}

	for _, workspaceID := range workspaces {
		if err := d.detectWorkspace(ctx, workspaceID); err != nil {
			level.Error(d.logger).Log("msg", "anomaly detection failed", "workspace_id", workspaceID, "err", err)
		}
	}
	return nil
}

func (d *Detector) detectWorkspace(ctx context.Context, workspaceID uuid.UUID) error {
	stats, err := d.store.MetricsStats(ctx, workspaceID, statsWindow)
	if err != nil {
		return err
	}

	if stats.Count < minSamples {
		level.Debug(d.logger).Log("msg", "not enough data for anomaly detection", "workspace_id", workspaceID, "count", stats.Count)
		return nil
	}
	if stats.Stddev <= 0 {
		// Degenerate distribution; every sample is the mean.
		return nil
	}

	thresholdMs := int64(stats.Mean + zThreshold*stats.Stddev)

	slow, err := d.store.RecentSlowMetrics(ctx, workspaceID, lookbackSeconds, thresholdMs)
	if err != nil {
		return err
	}
	if len(slow) == 0 {
		return nil
	}

	level.Info(d.logger).Log("msg", "detected slow query anomalies", "workspace_id", workspaceID, "count", len(slow))

	for i := range slow {
		m := &slow[i]
		// The id is assigned here, not by the database, so the envelope
		// published below matches the stored row.
		a := &model.QueryAnomaly{
			ID:               uuid.New(),
			WorkspaceID:      m.WorkspaceID,
			ServiceID:        m.ServiceID,
			MetricID:         m.ID,
			QueryText:        m.QueryText,
			DurationMs:       int64(m.DurationMs),
			MeanDurationMs:   int64(stats.Mean),
			StddevDurationMs: int64(stats.Stddev),
			ZScore:           (float64(m.DurationMs) - stats.Mean) / stats.Stddev,
			DetectedAt:       time.Now().UTC(),
		}

		if err := d.store.InsertAnomaly(ctx, a); err != nil {
			level.Warn(d.logger).Log("msg", "failed to store anomaly", "metric_id", m.ID, "err", err)
			continue
		}
		metricAnomaliesDetected.Inc()

		d.live.Publish(livestream.Envelope{
			Kind:        livestream.KindAnomaly,
			WorkspaceID: a.WorkspaceID,
			Anomaly:     a,
		})
	}
	return nil
}
