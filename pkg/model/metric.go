package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the terminal (or in-flight) state of a query execution.
type Status string

const (
	StatusRunning   Status = "running"
	StatusSuccess   Status = "success"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusTimeout   Status = "timeout"
)

// Valid reports whether s is one of the known query statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusRunning, StatusSuccess, StatusFailed, StatusCancelled, StatusTimeout:
		return true
	}
	return false
}

func (s *Status) UnmarshalJSON(b []byte) error {
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	st := Status(raw)
	if !st.Valid() {
		return fmt.Errorf("unknown query status %q", raw)
	}
	*s = st
	return nil
}

// StatusFromDB maps a stored status string back to a Status. Unknown values
// decode as failed so a schema drift never drops rows on read.
func StatusFromDB(s string) Status {
	st := Status(s)
	if !st.Valid() {
		return StatusFailed
	}
	return st
}

// QueryMetric is a single query execution event. It is immutable once
// created: the buffer owns it until popped, after which storage and the
// live stream each hold their own copy.
type QueryMetric struct {
	ID           uuid.UUID `json:"id"`
	WorkspaceID  uuid.UUID `json:"workspace_id"`
	ServiceID    uuid.UUID `json:"service_id"`
	QueryText    string    `json:"query_text"`
	Status       Status    `json:"status"`
	DurationMs   uint64    `json:"duration_ms"`
	RowsAffected *int64    `json:"rows_affected"`
	ErrorMessage *string   `json:"error_message"`
	StartedAt    time.Time `json:"started_at"`
	CompletedAt  time.Time `json:"completed_at"`
	Tags         []string  `json:"tags"`
}

// NewQueryMetric builds a metric with a generated id and a completed_at of
// now. Used by tests and example producers.
func NewQueryMetric(workspaceID, serviceID uuid.UUID, queryText string, status Status, durationMs uint64, startedAt time.Time) QueryMetric {
	return QueryMetric{
		ID:          uuid.New(),
		WorkspaceID: workspaceID,
		ServiceID:   serviceID,
		QueryText:   queryText,
		Status:      status,
		DurationMs:  durationMs,
		StartedAt:   startedAt,
		CompletedAt: time.Now().UTC(),
		Tags:        []string{},
	}
}

// Workspace is the tenancy boundary. Provisioned externally, read-only here.
type Workspace struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	APIKey    string    `json:"api_key"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AggregatedMetric is one bucket of a continuous-aggregate view. The view
// is maintained by the storage engine; the core only reads it.
type AggregatedMetric struct {
	WorkspaceID       uuid.UUID `json:"workspace_id"`
	ServiceID         uuid.UUID `json:"service_id"`
	Bucket            time.Time `json:"bucket"`
	QueryCount        int64     `json:"query_count"`
	AvgDurationMs     *int64    `json:"avg_duration_ms"`
	MinDurationMs     *int64    `json:"min_duration_ms"`
	MaxDurationMs     *int64    `json:"max_duration_ms"`
	P95DurationMs     *int64    `json:"p95_duration_ms"`
	P99DurationMs     *int64    `json:"p99_duration_ms"`
	SuccessCount      *int64    `json:"success_count"`
	FailedCount       *int64    `json:"failed_count"`
	TotalRowsAffected *int64    `json:"total_rows_affected"`
}

// QueryAnomaly is an append-only record produced by the anomaly detector.
type QueryAnomaly struct {
	ID               uuid.UUID `json:"id"`
	WorkspaceID      uuid.UUID `json:"workspace_id"`
	ServiceID        uuid.UUID `json:"service_id"`
	MetricID         uuid.UUID `json:"metric_id"`
	QueryText        string    `json:"query_text"`
	DurationMs       int64     `json:"duration_ms"`
	MeanDurationMs   int64     `json:"mean_duration_ms"`
	StddevDurationMs int64     `json:"stddev_duration_ms"`
	ZScore           float64   `json:"z_score"`
	DetectedAt       time.Time `json:"detected_at"`
}

// MetricsStats summarizes duration_ms over a workspace's most recent events.
type MetricsStats struct {
	Mean   float64
	Stddev float64
	Count  int64
}

// SimilarQuery is one vector-search hit.
type SimilarQuery struct {
	ID         uuid.UUID `json:"id"`
	SQLQuery   string    `json:"sql_query"`
	Similarity float64   `json:"similarity"`
}

// UnembeddedQuery pairs a stored query text with its normalized hash.
type UnembeddedQuery struct {
	QueryText string
	QueryHash string
}

// IngestRequest is the body of POST /api/v1/metrics/ingest.
type IngestRequest struct {
	Metrics []QueryMetric `json:"metrics"`
}

// IngestResponse reports best-effort ingestion counts. ingested + dropped
// always equals the number of submitted metrics.
type IngestResponse struct {
	Ingested int `json:"ingested"`
	Dropped  int `json:"dropped"`
}
