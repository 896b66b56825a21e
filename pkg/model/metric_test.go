package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusJSON(t *testing.T) {
	var s Status
	require.NoError(t, json.Unmarshal([]byte(`"success"`), &s))
	assert.Equal(t, StatusSuccess, s)

	require.Error(t, json.Unmarshal([]byte(`"exploded"`), &s))
	require.Error(t, json.Unmarshal([]byte(`7`), &s))
}

func TestStatusFromDB(t *testing.T) {
	assert.Equal(t, StatusTimeout, StatusFromDB("timeout"))
	assert.Equal(t, StatusFailed, StatusFromDB("whatever"))
}

func TestQueryMetricJSONRejectsUnknownStatus(t *testing.T) {
	var m QueryMetric
	err := json.Unmarshal([]byte(`{"status":"sideways"}`), &m)
	require.Error(t, err)
}

func TestQueryMetricTagsDefault(t *testing.T) {
	var m QueryMetric
	require.NoError(t, json.Unmarshal([]byte(`{"status":"success","query_text":"SELECT 1"}`), &m))
	assert.Nil(t, m.Tags)

	m = NewQueryMetric(m.WorkspaceID, m.ServiceID, "SELECT 1", StatusSuccess, 5, m.StartedAt)
	assert.NotNil(t, m.Tags)
}
