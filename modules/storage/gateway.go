// Package storage is the typed facade over TimescaleDB and pgvector. All
// SQL the core issues lives here.
package storage

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/queryvault/queryvault/pkg/apperror"
	"github.com/queryvault/queryvault/pkg/embed"
	"github.com/queryvault/queryvault/pkg/model"
)

const (
	maxConns       = 50
	minConns       = 5
	acquireTimeout = 5 * time.Second
	idleTimeout    = 10 * time.Minute
)

// aggregateViews is the allow-list for window selection. The view name is
// substituted into SQL, so anything outside this map is rejected before it
// gets near a query.
var aggregateViews = map[string]string{
	"5s": "metrics_5s",
	"1m": "metrics_1m",
	"5m": "metrics_5m",
}

// Gateway wraps a pgx pool with the operations the core needs. Safe for
// concurrent use; each call checks a connection out of the pool.
type Gateway struct {
	pool   *pgxpool.Pool
	logger log.Logger
}

// NewGateway connects the pool and verifies connectivity.
func NewGateway(ctx context.Context, databaseURL string, logger log.Logger) (*Gateway, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "parsing database url")
	}
	cfg.MaxConns = maxConns
	cfg.MinConns = minConns
	cfg.MaxConnIdleTime = idleTimeout
	cfg.ConnConfig.ConnectTimeout = acquireTimeout

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "creating connection pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "pinging database")
	}

	level.Info(logger).Log("msg", "database connection pool established", "max_conns", maxConns)
	return &Gateway{pool: pool, logger: log.With(logger, "component", "storage")}, nil
}

// Ping reports database connectivity for the readiness probe.
func (g *Gateway) Ping(ctx context.Context) error {
	return g.pool.Ping(ctx)
}

// Close releases the pool.
func (g *Gateway) Close() {
	g.pool.Close()
}

// VerifyAPIKey resolves a bearer credential to its workspace. The lookup
// is bounded by the pool acquire timeout so a saturated pool cannot hang
// the ingest path.
func (g *Gateway) VerifyAPIKey(ctx context.Context, apiKey string) (model.Workspace, error) {
	ctx, cancel := context.WithTimeout(ctx, acquireTimeout)
	defer cancel()

	var ws model.Workspace
	err := g.pool.QueryRow(ctx, `
		SELECT id, name, api_key, created_at, updated_at
		FROM workspaces
		WHERE api_key = $1`,
		apiKey,
	).Scan(&ws.ID, &ws.Name, &ws.APIKey, &ws.CreatedAt, &ws.UpdatedAt)
	if err == pgx.ErrNoRows {
		return model.Workspace{}, apperror.New(apperror.Unauthorized, "Invalid API key")
	}
	if err != nil {
		return model.Workspace{}, apperror.Wrap(apperror.Database, err, "verifying api key")
	}
	return ws, nil
}

const insertMetricSQL = `
	INSERT INTO query_metrics (
		id, workspace_id, service_id, query_text, status,
		duration_ms, rows_affected, error_message,
		started_at, completed_at, tags
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

func metricArgs(m *model.QueryMetric) []any {
	return []any{
		m.ID, m.WorkspaceID, m.ServiceID, m.QueryText, string(m.Status),
		int64(m.DurationMs), m.RowsAffected, m.ErrorMessage,
		m.StartedAt, m.CompletedAt, m.Tags,
	}
}

// InsertMetric persists a single event.
func (g *Gateway) InsertMetric(ctx context.Context, m *model.QueryMetric) error {
	if _, err := g.pool.Exec(ctx, insertMetricSQL, metricArgs(m)...); err != nil {
		return apperror.Wrap(apperror.Database, err, "inserting metric")
	}
	return nil
}

// InsertMetricsBatch inserts events inside a single transaction. Per-row
// failures are logged and skipped; the transaction commits the successes.
// A commit failure loses the whole batch.
func (g *Gateway) InsertMetricsBatch(ctx context.Context, metrics []model.QueryMetric) (int, error) {
	if len(metrics) == 0 {
		return 0, nil
	}

	tx, err := g.pool.Begin(ctx)
	if err != nil {
		return 0, apperror.Wrap(apperror.Database, err, "beginning batch transaction")
	}
	defer tx.Rollback(ctx)

	inserted := 0
	for i := range metrics {
		m := &metrics[i]
		if _, err := tx.Exec(ctx, insertMetricSQL, metricArgs(m)...); err != nil {
			level.Error(g.logger).Log("msg", "failed to insert metric", "metric_id", m.ID, "err", err)
			continue
		}
		inserted++
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, apperror.Wrap(apperror.Database, err, "committing metrics batch")
	}
	return inserted, nil
}

const selectMetricColumns = `
	id, workspace_id, service_id, query_text, status,
	duration_ms, rows_affected, error_message,
	started_at, completed_at, tags`

func scanMetrics(rows pgx.Rows) ([]model.QueryMetric, error) {
	defer rows.Close()

	var out []model.QueryMetric
	for rows.Next() {
		var (
			m          model.QueryMetric
			status     string
			durationMs int64
		)
		if err := rows.Scan(
			&m.ID, &m.WorkspaceID, &m.ServiceID, &m.QueryText, &status,
			&durationMs, &m.RowsAffected, &m.ErrorMessage,
			&m.StartedAt, &m.CompletedAt, &m.Tags,
		); err != nil {
			return nil, err
		}
		m.Status = model.StatusFromDB(status)
		m.DurationMs = uint64(durationMs)
		if m.Tags == nil {
			m.Tags = []string{}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// RecentMetrics returns a workspace's newest raw events, newest first.
func (g *Gateway) RecentMetrics(ctx context.Context, workspaceID uuid.UUID, limit int64) ([]model.QueryMetric, error) {
	rows, err := g.pool.Query(ctx, `
		SELECT `+selectMetricColumns+`
		FROM query_metrics
		WHERE workspace_id = $1
		ORDER BY created_at DESC
		LIMIT $2`,
		workspaceID, limit,
	)
	if err != nil {
		return nil, apperror.Wrap(apperror.Database, err, "querying recent metrics")
	}
	metrics, err := scanMetrics(rows)
	if err != nil {
		return nil, apperror.Wrap(apperror.Database, err, "scanning recent metrics")
	}
	return metrics, nil
}

// Aggregations reads one continuous-aggregate view for a time range. The
// window must be one of 5s, 1m, 5m.
func (g *Gateway) Aggregations(ctx context.Context, workspaceID uuid.UUID, window string, from, to time.Time) ([]model.AggregatedMetric, error) {
	view, ok := aggregateViews[window]
	if !ok {
		return nil, apperror.Newf(apperror.InvalidRequest, "Invalid window '%s'. Valid options: 5s, 1m, 5m", window)
	}

	// The view name cannot be a bind parameter; it comes from the
	// allow-list above.
	rows, err := g.pool.Query(ctx, fmt.Sprintf(`
		SELECT
			workspace_id, service_id, bucket,
			query_count, avg_duration_ms, min_duration_ms, max_duration_ms,
			p95_duration_ms, p99_duration_ms,
			success_count, failed_count, total_rows_affected
		FROM %s
		WHERE workspace_id = $1 AND bucket >= $2 AND bucket < $3
		ORDER BY bucket ASC`, view),
		workspaceID, from, to,
	)
	if err != nil {
		return nil, apperror.Wrap(apperror.Database, err, "querying aggregations")
	}
	defer rows.Close()

	var out []model.AggregatedMetric
	for rows.Next() {
		var a model.AggregatedMetric
		if err := rows.Scan(
			&a.WorkspaceID, &a.ServiceID, &a.Bucket,
			&a.QueryCount, &a.AvgDurationMs, &a.MinDurationMs, &a.MaxDurationMs,
			&a.P95DurationMs, &a.P99DurationMs,
			&a.SuccessCount, &a.FailedCount, &a.TotalRowsAffected,
		); err != nil {
			return nil, apperror.Wrap(apperror.Database, err, "scanning aggregation bucket")
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, apperror.Wrap(apperror.Database, err, "reading aggregations")
	}
	return out, nil
}

// PruneOlderThan deletes raw events older than the given number of days
// and returns the deleted row count.
func (g *Gateway) PruneOlderThan(ctx context.Context, days int) (int64, error) {
	tag, err := g.pool.Exec(ctx, `
		DELETE FROM query_metrics
		WHERE created_at < NOW() - make_interval(days => $1)`,
		days,
	)
	if err != nil {
		return 0, apperror.Wrap(apperror.Database, err, "pruning old metrics")
	}
	return tag.RowsAffected(), nil
}

// vectorLiteral renders a pgvector input literal.
func vectorLiteral(vec []float32) string {
	var b strings.Builder
	b.Grow(len(vec) * 10)
	b.WriteByte('[')
	for i, v := range vec {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(v), 'g', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}

// UpsertEmbedding stores a vector keyed by (workspace, query_hash),
// replacing any previous vector for that key.
func (g *Gateway) UpsertEmbedding(ctx context.Context, workspaceID uuid.UUID, queryHash, sqlQuery string, vector []float32) error {
	_, err := g.pool.Exec(ctx, `
		INSERT INTO query_embeddings (workspace_id, query_hash, sql_query, embedding)
		VALUES ($1, $2, $3, $4::vector)
		ON CONFLICT (workspace_id, query_hash)
		DO UPDATE SET embedding = $4::vector, updated_at = NOW()`,
		workspaceID, queryHash, sqlQuery, vectorLiteral(vector),
	)
	if err != nil {
		return apperror.Wrap(apperror.Database, err, "upserting embedding")
	}
	return nil
}

// EmbeddingExists reports whether a vector is stored for the given key.
func (g *Gateway) EmbeddingExists(ctx context.Context, workspaceID uuid.UUID, queryHash string) (bool, error) {
	var exists bool
	err := g.pool.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM query_embeddings
			WHERE workspace_id = $1 AND query_hash = $2
		)`,
		workspaceID, queryHash,
	).Scan(&exists)
	if err != nil {
		return false, apperror.Wrap(apperror.Database, err, "checking embedding")
	}
	return exists, nil
}

// SearchSimilar returns stored queries whose cosine similarity to the
// given vector is at or above threshold, most similar first.
func (g *Gateway) SearchSimilar(ctx context.Context, workspaceID uuid.UUID, vector []float32, limit int32, threshold float32) ([]model.SimilarQuery, error) {
	rows, err := g.pool.Query(ctx, `
		SELECT
			id,
			sql_query,
			1 - (embedding <=> $2::vector) AS similarity
		FROM query_embeddings
		WHERE workspace_id = $1
			AND 1 - (embedding <=> $2::vector) >= $4
		ORDER BY embedding <=> $2::vector
		LIMIT $3`,
		workspaceID, vectorLiteral(vector), limit, threshold,
	)
	if err != nil {
		return nil, apperror.Wrap(apperror.Database, err, "searching similar queries")
	}
	defer rows.Close()

	var out []model.SimilarQuery
	for rows.Next() {
		var s model.SimilarQuery
		if err := rows.Scan(&s.ID, &s.SQLQuery, &s.Similarity); err != nil {
			return nil, apperror.Wrap(apperror.Database, err, "scanning similar query")
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, apperror.Wrap(apperror.Database, err, "reading similar queries")
	}
	return out, nil
}

// UnembeddedQueries returns distinct stored texts that have no embedding
// whose normalized form matches. Normalization happens in SQL; the hash
// itself is computed here so a single digest definition owns the
// (workspace, hash) key.
func (g *Gateway) UnembeddedQueries(ctx context.Context, workspaceID uuid.UUID, limit int64) ([]model.UnembeddedQuery, error) {
	rows, err := g.pool.Query(ctx, `
		SELECT DISTINCT m.query_text
		FROM query_metrics m
		WHERE m.workspace_id = $1
			AND NOT EXISTS (
				SELECT 1 FROM query_embeddings e
				WHERE e.workspace_id = m.workspace_id
					AND lower(regexp_replace(trim(e.sql_query), '\s+', ' ', 'g')) =
						lower(regexp_replace(trim(m.query_text), '\s+', ' ', 'g'))
			)
		LIMIT $2`,
		workspaceID, limit,
	)
	if err != nil {
		return nil, apperror.Wrap(apperror.Database, err, "querying unembedded texts")
	}
	defer rows.Close()

	var out []model.UnembeddedQuery
	for rows.Next() {
		var text string
		if err := rows.Scan(&text); err != nil {
			return nil, apperror.Wrap(apperror.Database, err, "scanning unembedded text")
		}
		out = append(out, model.UnembeddedQuery{QueryText: text, QueryHash: embed.Hash(text)})
	}
	if err := rows.Err(); err != nil {
		return nil, apperror.Wrap(apperror.Database, err, "reading unembedded texts")
	}
	return out, nil
}

// MetricsStats computes mean and stddev of duration_ms over a workspace's
// most recent limit events.
func (g *Gateway) MetricsStats(ctx context.Context, workspaceID uuid.UUID, limit int64) (model.MetricsStats, error) {
	var (
		mean   *float64
		stddev *float64
		count  int64
	)
	err := g.pool.QueryRow(ctx, `
		SELECT
			AVG(duration_ms)::DOUBLE PRECISION AS mean,
			STDDEV(duration_ms)::DOUBLE PRECISION AS stddev,
			COUNT(*) AS count
		FROM (
			SELECT duration_ms
			FROM query_metrics
			WHERE workspace_id = $1
			ORDER BY created_at DESC
			LIMIT $2
		) recent`,
		workspaceID, limit,
	).Scan(&mean, &stddev, &count)
	if err != nil {
		return model.MetricsStats{}, apperror.Wrap(apperror.Database, err, "computing metrics stats")
	}

	stats := model.MetricsStats{Count: count}
	if mean != nil {
		stats.Mean = *mean
	}
	if stddev != nil {
		stats.Stddev = *stddev
	}
	return stats, nil
}

// RecentSlowMetrics returns events from the last sinceSeconds whose
// duration exceeds thresholdMs, slowest first.
func (g *Gateway) RecentSlowMetrics(ctx context.Context, workspaceID uuid.UUID, sinceSeconds, thresholdMs int64) ([]model.QueryMetric, error) {
	rows, err := g.pool.Query(ctx, `
		SELECT `+selectMetricColumns+`
		FROM query_metrics
		WHERE workspace_id = $1
			AND created_at > NOW() - make_interval(secs => $2)
			AND duration_ms > $3
		ORDER BY duration_ms DESC`,
		workspaceID, sinceSeconds, thresholdMs,
	)
	if err != nil {
		return nil, apperror.Wrap(apperror.Database, err, "querying slow metrics")
	}
	metrics, err := scanMetrics(rows)
	if err != nil {
		return nil, apperror.Wrap(apperror.Database, err, "scanning slow metrics")
	}
	return metrics, nil
}

// InsertAnomaly appends a detected anomaly. The caller assigns id and
// detected_at so the row matches what it publishes on the live channel.
func (g *Gateway) InsertAnomaly(ctx context.Context, a *model.QueryAnomaly) error {
	_, err := g.pool.Exec(ctx, `
		INSERT INTO query_anomalies (
			id, workspace_id, service_id, metric_id, query_text,
			duration_ms, mean_duration_ms, stddev_duration_ms, z_score,
			detected_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		a.ID, a.WorkspaceID, a.ServiceID, a.MetricID, a.QueryText,
		a.DurationMs, a.MeanDurationMs, a.StddevDurationMs, a.ZScore,
		a.DetectedAt,
	)
	if err != nil {
		return apperror.Wrap(apperror.Database, err, "inserting anomaly")
	}
	return nil
}

// ListAnomalies returns a workspace's newest anomalies, newest first.
func (g *Gateway) ListAnomalies(ctx context.Context, workspaceID uuid.UUID, limit int64) ([]model.QueryAnomaly, error) {
	rows, err := g.pool.Query(ctx, `
		SELECT
			id, workspace_id, service_id, metric_id, query_text,
			duration_ms, mean_duration_ms, stddev_duration_ms, z_score,
			detected_at
		FROM query_anomalies
		WHERE workspace_id = $1
		ORDER BY detected_at DESC
		LIMIT $2`,
		workspaceID, limit,
	)
	if err != nil {
		return nil, apperror.Wrap(apperror.Database, err, "querying anomalies")
	}
	defer rows.Close()

	var out []model.QueryAnomaly
	for rows.Next() {
		var a model.QueryAnomaly
		if err := rows.Scan(
			&a.ID, &a.WorkspaceID, &a.ServiceID, &a.MetricID, &a.QueryText,
			&a.DurationMs, &a.MeanDurationMs, &a.StddevDurationMs, &a.ZScore,
			&a.DetectedAt,
		); err != nil {
			return nil, apperror.Wrap(apperror.Database, err, "scanning anomaly")
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, apperror.Wrap(apperror.Database, err, "reading anomalies")
	}
	return out, nil
}

// AllWorkspaceIDs lists every known workspace.
func (g *Gateway) AllWorkspaceIDs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := g.pool.Query(ctx, `SELECT id FROM workspaces`)
	if err != nil {
		return nil, apperror.Wrap(apperror.Database, err, "querying workspaces")
	}
	defer rows.Close()

	var out []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, apperror.Wrap(apperror.Database, err, "scanning workspace id")
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, apperror.Wrap(apperror.Database, err, "reading workspace ids")
	}
	return out, nil
}
