// Package broadcaster drains the live staging ring onto the shared live
// channel consumed by WebSocket subscribers.
package broadcaster

import (
	"context"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/queryvault/queryvault/pkg/livestream"
	"github.com/queryvault/queryvault/pkg/model"
	"github.com/queryvault/queryvault/pkg/staging"
)

const (
	// DefaultInterval keeps the live view within ~100ms of ingest.
	DefaultInterval = 100 * time.Millisecond
	// DefaultBatchSize bounds one tick's publish burst.
	DefaultBatchSize = 1000
)

var metricBroadcastTotal = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "queryvault",
	Name:      "broadcast_metrics_total",
	Help:      "Total number of metrics published on the live channel.",
})

// Broadcaster is the single producer on the live channel (the anomaly
// detector also publishes, see modules/anomaly).
type Broadcaster struct {
	services.Service

	buf       *staging.Ring[model.QueryMetric]
	live      *livestream.Channel
	logger    log.Logger
	batchSize int
}

func New(buf *staging.Ring[model.QueryMetric], live *livestream.Channel, logger log.Logger) *Broadcaster {
	return newWithInterval(buf, live, logger, DefaultInterval, DefaultBatchSize)
}

func newWithInterval(buf *staging.Ring[model.QueryMetric], live *livestream.Channel, logger log.Logger, interval time.Duration, batchSize int) *Broadcaster {
	b := &Broadcaster{
		buf:       buf,
		live:      live,
		logger:    log.With(logger, "component", "broadcaster"),
		batchSize: batchSize,
	}
	b.Service = services.NewTimerService(interval, b.starting, b.iteration, nil)
	return b
}

func (b *Broadcaster) starting(context.Context) error {
	level.Info(b.logger).Log("msg", "broadcast worker started")
	return nil
}

func (b *Broadcaster) iteration(context.Context) error {
	batch := b.buf.PopBatch(b.batchSize)
	if len(batch) == 0 {
		return nil
	}

	for i := range batch {
		m := batch[i]
		b.live.Publish(livestream.Envelope{
			Kind:        livestream.KindMetric,
			WorkspaceID: m.WorkspaceID,
			Metric:      &m,
		})
	}
	metricBroadcastTotal.Add(float64(len(batch)))
	return nil
}
