// Package app wires configuration, storage, workers and the HTTP gateway
// into one runnable service.
package app

import (
	"context"
	"net/url"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/common/version"
	"github.com/redis/go-redis/v9"

	"github.com/queryvault/queryvault/modules/anomaly"
	"github.com/queryvault/queryvault/modules/broadcaster"
	"github.com/queryvault/queryvault/modules/embedworker"
	"github.com/queryvault/queryvault/modules/flusher"
	"github.com/queryvault/queryvault/modules/gateway"
	"github.com/queryvault/queryvault/modules/retention"
	"github.com/queryvault/queryvault/modules/storage"
	"github.com/queryvault/queryvault/pkg/embed"
	"github.com/queryvault/queryvault/pkg/livestream"
	"github.com/queryvault/queryvault/pkg/model"
	"github.com/queryvault/queryvault/pkg/staging"
)

// App owns every long-running component. All of them are dskit services
// under a single manager; any service failing takes the process down.
type App struct {
	cfg    *Config
	logger log.Logger

	store *storage.Gateway
	live  *livestream.Channel

	manager *services.Manager
}

// New builds the full service graph. The database must be reachable;
// everything else degrades (no embedder, no cache) rather than failing.
func New(ctx context.Context, cfg *Config, logger log.Logger) (*App, error) {
	level.Info(logger).Log("msg", "starting queryvault",
		"version", version.Version,
		"listen_addr", cfg.ListenAddr,
		"buffer_capacity", cfg.BufferCapacity,
		"broadcast_capacity", cfg.BroadcastCapacity,
		"database_host", redactedHost(cfg.DatabaseURL),
	)

	if cfg.DatabaseMigrate {
		level.Info(logger).Log("msg", "applying database migrations")
		if err := storage.Migrate(ctx, cfg.DatabaseURL); err != nil {
			return nil, errors.Wrap(err, "migrating database")
		}
	}

	store, err := storage.NewGateway(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return nil, errors.Wrap(err, "connecting to database")
	}

	embedder := buildEmbedder(cfg, logger)

	durable := staging.NewRing[model.QueryMetric](cfg.BufferCapacity)
	liveBuf := staging.NewRing[model.QueryMetric](cfg.BufferCapacity)
	live := livestream.NewChannel(cfg.BroadcastCapacity)

	promauto.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "queryvault",
		Name:      "buffer_depth",
		Help:      "Current number of metrics in the staging buffer.",
	}, func() float64 { return float64(durable.Len()) })

	svcs := []services.Service{
		flusher.New(durable, store, logger),
		broadcaster.New(liveBuf, live, logger),
		anomaly.New(store, live, logger),
		retention.New(store, logger),
		gateway.New(cfg.ListenAddr, store, embedder, durable, liveBuf, live, logger),
	}
	if embedder != nil {
		svcs = append(svcs, embedworker.New(store, embedder, logger))
	} else {
		level.Info(logger).Log("msg", "embedding worker disabled, no embedder configured")
	}

	manager, err := services.NewManager(svcs...)
	if err != nil {
		store.Close()
		return nil, errors.Wrap(err, "creating service manager")
	}

	return &App{
		cfg:     cfg,
		logger:  logger,
		store:   store,
		live:    live,
		manager: manager,
	}, nil
}

// Run starts every service and blocks until ctx is cancelled or a service
// fails. Shutdown closes the live channel so WebSocket handlers drain and
// exit; staged metrics that were not flushed are lost.
func (a *App) Run(ctx context.Context) error {
	watcher := services.NewFailureWatcher()
	watcher.WatchManager(a.manager)

	if err := services.StartManagerAndAwaitHealthy(ctx, a.manager); err != nil {
		return errors.Wrap(err, "starting services")
	}
	level.Info(a.logger).Log("msg", "all services running")

	var runErr error
	select {
	case <-ctx.Done():
		level.Info(a.logger).Log("msg", "shutdown signal received")
	case err := <-watcher.Chan():
		runErr = errors.Wrap(err, "service failed")
		level.Error(a.logger).Log("msg", "service failure, shutting down", "err", err)
	}

	a.manager.StopAsync()
	if err := a.manager.AwaitStopped(context.Background()); err != nil {
		level.Error(a.logger).Log("msg", "failed to stop services cleanly", "err", err)
	}

	a.live.Close()
	a.store.Close()

	level.Info(a.logger).Log("msg", "queryvault stopped")
	return runErr
}

// buildEmbedder loads the configured embedder, wrapping it with the Redis
// cache when available. Load failures disable the embedder rather than
// aborting startup.
func buildEmbedder(cfg *Config, logger log.Logger) embed.Embedder {
	if !cfg.EmbeddingEnabled() {
		return nil
	}

	embedder, err := embed.NewHashingEmbedder(cfg.EmbeddingModelPath, cfg.EmbeddingTokenizerPath)
	if err != nil {
		level.Warn(logger).Log("msg", "failed to load embedder, similarity search disabled", "err", err)
		return nil
	}
	level.Info(logger).Log("msg", "embedder loaded", "dim", embedder.Dim())

	if cfg.RedisURL == "" {
		return embedder
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		level.Warn(logger).Log("msg", "invalid REDIS_URL, embedding cache disabled", "err", err)
		return embedder
	}
	level.Info(logger).Log("msg", "embedding cache enabled")
	return embed.NewCachedEmbedder(embedder, redis.NewClient(opts), logger)
}

// redactedHost extracts the host portion of the database URL for logging,
// leaving credentials out.
func redactedHost(databaseURL string) string {
	u, err := url.Parse(databaseURL)
	if err != nil {
		return "invalid"
	}
	return u.Host
}
