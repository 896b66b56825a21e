package gateway

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/prometheus/common/version"

	"github.com/queryvault/queryvault/pkg/apperror"
	"github.com/queryvault/queryvault/pkg/model"
)

const (
	defaultMetricsLimit = 100
	maxMetricsLimit     = 1000
	defaultAnomalyLimit = 100

	defaultSearchLimit     = 10
	defaultSearchThreshold = 0.85
)

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	status := apperror.StatusCode(err)
	writeJSON(w, status, map[string]any{
		"error": apperror.Message(err),
		"code":  status,
	})
}

func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": version.Version,
	})
}

func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{
		"buffer": "Buffer length: " + strconv.Itoa(g.durable.Len()),
	}
	if g.embedder != nil {
		checks["embedding_service"] = "Loaded"
	} else {
		checks["embedding_service"] = "Not configured"
	}

	status := http.StatusOK
	overall := "ready"
	if err := g.store.Ping(r.Context()); err != nil {
		checks["database"] = err.Error()
		status = http.StatusServiceUnavailable
		overall = "not ready"
	} else {
		checks["database"] = "Connected"
	}

	writeJSON(w, status, map[string]any{
		"status": overall,
		"checks": checks,
	})
}

func (g *Gateway) handleIngest(w http.ResponseWriter, r *http.Request) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		writeError(w, apperror.New(apperror.Unauthorized, "Missing Authorization header"))
		return
	}
	apiKey := strings.TrimPrefix(auth, "Bearer ")

	workspace, err := g.store.VerifyAPIKey(r.Context(), apiKey)
	if err != nil {
		writeError(w, err)
		return
	}

	var req model.IngestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperror.Wrap(apperror.InvalidRequest, err, "invalid request body"))
		return
	}

	var resp model.IngestResponse
	for i := range req.Metrics {
		m := req.Metrics[i]
		m.WorkspaceID = workspace.ID
		if m.ID == uuid.Nil {
			m.ID = uuid.New()
		}
		if m.Tags == nil {
			m.Tags = []string{}
		}

		// The durable ring is authoritative for accounting; the live
		// copy is best effort on top.
		if !g.durable.TryPush(m) {
			resp.Dropped++
			continue
		}
		resp.Ingested++
		g.liveBuf.TryPush(m)
	}

	metricIngestedTotal.Add(float64(resp.Ingested))
	if resp.Dropped > 0 {
		metricDroppedTotal.Add(float64(resp.Dropped))
		level.Warn(g.logger).Log("msg", "staging buffer full, metrics dropped", "workspace_id", workspace.ID, "dropped", resp.Dropped)
	}

	writeJSON(w, http.StatusAccepted, resp)
}

func workspaceIDParam(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "workspaceID"))
	if err != nil {
		return uuid.Nil, apperror.New(apperror.InvalidRequest, "invalid workspace id")
	}
	return id, nil
}

func limitParam(r *http.Request, def, max int64) (int64, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, nil
	}
	limit, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || limit < 1 || limit > max {
		return 0, apperror.Newf(apperror.InvalidRequest, "limit must be between 1 and %d", max)
	}
	return limit, nil
}

func (g *Gateway) handleRecentMetrics(w http.ResponseWriter, r *http.Request) {
	workspaceID, err := workspaceIDParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	limit, err := limitParam(r, defaultMetricsLimit, maxMetricsLimit)
	if err != nil {
		writeError(w, err)
		return
	}

	metrics, err := g.store.RecentMetrics(r.Context(), workspaceID, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if metrics == nil {
		metrics = []model.QueryMetric{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"workspace_id": workspaceID,
		"count":        len(metrics),
		"metrics":      metrics,
	})
}

func (g *Gateway) handleAggregations(w http.ResponseWriter, r *http.Request) {
	workspaceID, err := workspaceIDParam(r)
	if err != nil {
		writeError(w, err)
		return
	}

	q := r.URL.Query()

	window := q.Get("window")
	if window == "" {
		window = "1m"
	}
	switch window {
	case "5s", "1m", "5m":
	default:
		writeError(w, apperror.Newf(apperror.InvalidRequest, "invalid window %q, expected 5s, 1m or 5m", window))
		return
	}

	now := time.Now().UTC()
	from, err := timeParam(q.Get("from"), now.Add(-time.Hour))
	if err != nil {
		writeError(w, err)
		return
	}
	to, err := timeParam(q.Get("to"), now)
	if err != nil {
		writeError(w, err)
		return
	}
	if !from.Before(to) {
		writeError(w, apperror.New(apperror.InvalidRequest, "from must be before to"))
		return
	}

	buckets, err := g.store.Aggregations(r.Context(), workspaceID, window, from, to)
	if err != nil {
		writeError(w, err)
		return
	}

	if raw := q.Get("service_id"); raw != "" {
		serviceID, err := uuid.Parse(raw)
		if err != nil {
			writeError(w, apperror.New(apperror.InvalidRequest, "invalid service id"))
			return
		}
		filtered := buckets[:0]
		for _, b := range buckets {
			if b.ServiceID == serviceID {
				filtered = append(filtered, b)
			}
		}
		buckets = filtered
	}
	if buckets == nil {
		buckets = []model.AggregatedMetric{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"workspace_id": workspaceID,
		"window":       window,
		"from":         from,
		"to":           to,
		"buckets":      buckets,
	})
}

func timeParam(raw string, def time.Time) (time.Time, error) {
	if raw == "" {
		return def, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, apperror.Newf(apperror.InvalidRequest, "invalid timestamp %q", raw)
	}
	return t.UTC(), nil
}

type searchRequest struct {
	Query     string   `json:"query"`
	Limit     *int32   `json:"limit"`
	Threshold *float32 `json:"threshold"`
}

func (g *Gateway) handleSearchSimilar(w http.ResponseWriter, r *http.Request) {
	workspaceID, err := workspaceIDParam(r)
	if err != nil {
		writeError(w, err)
		return
	}

	if g.embedder == nil {
		writeError(w, apperror.New(apperror.Internal, "Embedding service not configured"))
		return
	}

	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperror.Wrap(apperror.InvalidRequest, err, "invalid request body"))
		return
	}
	if req.Query == "" {
		writeError(w, apperror.New(apperror.InvalidRequest, "query must not be empty"))
		return
	}

	limit := int32(defaultSearchLimit)
	if req.Limit != nil {
		if *req.Limit < 1 {
			writeError(w, apperror.New(apperror.InvalidRequest, "limit must be positive"))
			return
		}
		limit = *req.Limit
	}
	threshold := float32(defaultSearchThreshold)
	if req.Threshold != nil {
		threshold = *req.Threshold
	}

	vec, err := g.embedder.Embed(r.Context(), req.Query)
	if err != nil {
		writeError(w, apperror.Wrap(apperror.Internal, err, "failed to embed query"))
		return
	}

	results, err := g.store.SearchSimilar(r.Context(), workspaceID, vec, limit, threshold)
	if err != nil {
		writeError(w, err)
		return
	}
	if results == nil {
		results = []model.SimilarQuery{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"query":   req.Query,
		"results": results,
	})
}

func (g *Gateway) handleAnomalies(w http.ResponseWriter, r *http.Request) {
	workspaceID, err := workspaceIDParam(r)
	if err != nil {
		writeError(w, err)
		return
	}

	anomalies, err := g.store.ListAnomalies(r.Context(), workspaceID, defaultAnomalyLimit)
	if err != nil {
		writeError(w, err)
		return
	}
	if anomalies == nil {
		anomalies = []model.QueryAnomaly{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"workspace_id": workspaceID,
		"count":        len(anomalies),
		"anomalies":    anomalies,
	})
}
