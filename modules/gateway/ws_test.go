package gateway

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/queryvault/queryvault/pkg/livestream"
	"github.com/queryvault/queryvault/pkg/model"
)

func dialWS(t *testing.T, tg *testGateway, workspaceID uuid.UUID) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(tg.server.URL, "http") + "/api/v1/workspaces/" + workspaceID.String() + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

func waitForSubscribers(t *testing.T, live *livestream.Channel, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return live.Subscribers() == n
	}, 2*time.Second, 5*time.Millisecond)
}

func TestWebSocketFiltersByWorkspace(t *testing.T) {
	tg := newTestGateway(t, 16)
	ws1, ws2 := uuid.New(), uuid.New()

	conn1 := dialWS(t, tg, ws1)
	conn2 := dialWS(t, tg, ws2)
	waitForSubscribers(t, tg.live, 2)

	publish := func(ws uuid.UUID, text string) {
		m := model.NewQueryMetric(ws, uuid.New(), text, model.StatusSuccess, 10, time.Now())
		tg.live.Publish(livestream.Envelope{Kind: livestream.KindMetric, WorkspaceID: ws, Metric: &m})
	}
	publish(ws1, "SELECT 1")
	publish(ws2, "SELECT 2")
	publish(ws1, "SELECT 3")

	got1a := readMessage(t, conn1)
	got1b := readMessage(t, conn1)
	assert.Equal(t, "SELECT 1", got1a["query_text"])
	assert.Equal(t, "SELECT 3", got1b["query_text"])
	assert.Equal(t, ws1.String(), got1a["workspace_id"])

	got2 := readMessage(t, conn2)
	assert.Equal(t, "SELECT 2", got2["query_text"])
}

func TestWebSocketDeliversAnomalyEvents(t *testing.T) {
	tg := newTestGateway(t, 16)
	ws := uuid.New()

	conn := dialWS(t, tg, ws)
	waitForSubscribers(t, tg.live, 1)

	a := &model.QueryAnomaly{
		ID:          uuid.New(),
		WorkspaceID: ws,
		QueryText:   "SELECT * FROM orders",
		ZScore:      40,
		DetectedAt:  time.Now().UTC(),
	}
	tg.live.Publish(livestream.Envelope{Kind: livestream.KindAnomaly, WorkspaceID: ws, Anomaly: a})

	got := readMessage(t, conn)
	assert.Equal(t, "anomaly", got["type"])
	data := got["data"].(map[string]any)
	assert.Equal(t, "SELECT * FROM orders", data["query_text"])
	assert.Equal(t, float64(40), data["z_score"])
}

func TestWebSocketClosesWithChannel(t *testing.T) {
	tg := newTestGateway(t, 16)
	ws := uuid.New()

	conn := dialWS(t, tg, ws)
	waitForSubscribers(t, tg.live, 1)

	tg.live.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
}

func TestWebSocketUnsubscribesOnPeerClose(t *testing.T) {
	tg := newTestGateway(t, 16)
	ws := uuid.New()

	conn := dialWS(t, tg, ws)
	waitForSubscribers(t, tg.live, 1)

	require.NoError(t, conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second)))
	conn.Close()

	waitForSubscribers(t, tg.live, 0)
}
