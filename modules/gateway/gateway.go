// Package gateway is the HTTP surface: ingest, query, search, anomaly and
// live-streaming endpoints plus the operational ones.
package gateway

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/queryvault/queryvault/pkg/embed"
	"github.com/queryvault/queryvault/pkg/livestream"
	"github.com/queryvault/queryvault/pkg/model"
	"github.com/queryvault/queryvault/pkg/staging"
)

var (
	metricIngestedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "queryvault",
		Name:      "metrics_ingested_total",
		Help:      "Total number of metrics accepted into the staging buffer.",
	})
	metricDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "queryvault",
		Name:      "metrics_dropped_total",
		Help:      "Total number of metrics dropped because the staging buffer was full.",
	})
	metricRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "queryvault",
		Name:      "requests_total",
		Help:      "Total number of HTTP requests by method and status.",
	}, []string{"method", "status"})
	metricWSConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "queryvault",
		Name:      "websocket_connections",
		Help:      "Number of open WebSocket connections.",
	})
)

// Store is the slice of the storage gateway the HTTP layer needs.
type Store interface {
	Ping(ctx context.Context) error
	VerifyAPIKey(ctx context.Context, apiKey string) (model.Workspace, error)
	RecentMetrics(ctx context.Context, workspaceID uuid.UUID, limit int64) ([]model.QueryMetric, error)
	Aggregations(ctx context.Context, workspaceID uuid.UUID, window string, from, to time.Time) ([]model.AggregatedMetric, error)
	SearchSimilar(ctx context.Context, workspaceID uuid.UUID, vector []float32, limit int32, threshold float32) ([]model.SimilarQuery, error)
	ListAnomalies(ctx context.Context, workspaceID uuid.UUID, limit int64) ([]model.QueryAnomaly, error)
}

// Gateway serves the HTTP API. Shutdown is graceful: in-flight requests
// finish, WebSocket handlers exit when the live channel closes.
type Gateway struct {
	services.Service

	listenAddr string
	store      Store
	embedder   embed.Embedder // nil when not configured
	durable    *staging.Ring[model.QueryMetric]
	liveBuf    *staging.Ring[model.QueryMetric]
	live       *livestream.Channel
	logger     log.Logger

	server   *http.Server
	listener net.Listener
}

func New(listenAddr string, store Store, embedder embed.Embedder, durable, liveBuf *staging.Ring[model.QueryMetric], live *livestream.Channel, logger log.Logger) *Gateway {
	g := &Gateway{
		listenAddr: listenAddr,
		store:      store,
		embedder:   embedder,
		durable:    durable,
		liveBuf:    liveBuf,
		live:       live,
		logger:     log.With(logger, "component", "gateway"),
	}
	g.server = &http.Server{
		Handler:           g.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Service = services.NewBasicService(g.starting, g.running, nil)
	return g
}

func (g *Gateway) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	}))
	r.Use(countRequests)

	r.Get("/health", g.handleHealth)
	r.Get("/ready", g.handleReady)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/metrics/ingest", g.handleIngest)
		r.Route("/workspaces/{workspaceID}", func(r chi.Router) {
			r.Get("/metrics", g.handleRecentMetrics)
			r.Get("/aggregations", g.handleAggregations)
			r.Post("/search/similar", g.handleSearchSimilar)
			r.Get("/anomalies", g.handleAnomalies)
			r.Get("/ws", g.handleWebSocket)
		})
	})
	return r
}

func countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		metricRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(rec.status)).Inc()
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack passes through to the underlying writer so the WebSocket upgrade
// works behind the counting middleware.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return hj.Hijack()
}

func (g *Gateway) starting(context.Context) error {
	listener, err := net.Listen("tcp", g.listenAddr)
	if err != nil {
		return errors.Wrapf(err, "listening on %s", g.listenAddr)
	}
	g.listener = listener
	level.Info(g.logger).Log("msg", "http server listening", "addr", listener.Addr())
	return nil
}

func (g *Gateway) running(ctx context.Context) error {
	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		if err := g.server.Serve(g.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	eg.Go(func() error {
		<-egCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return g.server.Shutdown(shutdownCtx)
	})
	return eg.Wait()
}
