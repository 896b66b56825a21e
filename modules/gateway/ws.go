package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-kit/log/level"
	"github.com/gorilla/websocket"

	"github.com/queryvault/queryvault/pkg/livestream"
	"github.com/queryvault/queryvault/pkg/model"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// anomalyEvent is the wire form of an anomaly on the live stream. Metrics
// are sent as plain QueryMetric JSON; anomalies are tagged so clients can
// tell them apart.
type anomalyEvent struct {
	Type string              `json:"type"`
	Data *model.QueryAnomaly `json:"data"`
}

func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	workspaceID, err := workspaceIDParam(r)
	if err != nil {
		writeError(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		level.Debug(g.logger).Log("msg", "websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	metricWSConnections.Inc()
	defer metricWSConnections.Dec()

	sub := g.live.Subscribe()
	defer sub.Unsubscribe()

	level.Debug(g.logger).Log("msg", "websocket subscriber connected", "workspace_id", workspaceID)

	// The reader exists only to notice peer close and answer pings;
	// payloads are discarded.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		env, err := sub.Recv(ctx)
		if err != nil {
			var lagged livestream.ErrLagged
			if errors.As(err, &lagged) {
				level.Warn(g.logger).Log("msg", "websocket subscriber lagged", "workspace_id", workspaceID, "missed", lagged.Count)
				continue
			}
			// Channel closed, context cancelled, or peer gone.
			return
		}

		if env.WorkspaceID != workspaceID {
			continue
		}

		var payload any
		switch env.Kind {
		case livestream.KindMetric:
			payload = env.Metric
		case livestream.KindAnomaly:
			payload = anomalyEvent{Type: "anomaly", Data: env.Anomaly}
		default:
			continue
		}

		b, err := json.Marshal(payload)
		if err != nil {
			level.Error(g.logger).Log("msg", "failed to encode live event", "err", err)
			continue
		}
		if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
			level.Debug(g.logger).Log("msg", "websocket write failed", "workspace_id", workspaceID, "err", err)
			return
		}
	}
}
