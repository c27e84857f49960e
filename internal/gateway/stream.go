// ABOUTME: WebSocket push channel that sends agents their pending tasks as soon as they are queued
// ABOUTME: A snapshot is sent on connect and after every queue signal; polling remains the fallback

package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/dockhand/internal/metrics"
	"github.com/2389/dockhand/internal/protocol"
)

const (
	defaultStreamPing = 30 * time.Second
	streamWriteWait   = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Agents are not browsers; the token check already ran.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleStream handles GET /api/agents/{id}/stream.
func (g *Gateway) handleStream(w http.ResponseWriter, r *http.Request) {
	agentID := agentIDVar(r)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error.
		g.logger.Warn("stream upgrade failed", "agent_id", agentID, "error", err)
		return
	}
	defer conn.Close()

	metrics.StreamClients.Inc()
	defer metrics.StreamClients.Dec()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	signals, subID := g.broadcaster.Subscribe(ctx, agentID)
	defer g.broadcaster.Unsubscribe(agentID, subID)

	logger := g.logger.With("agent_id", agentID, "subscription", subID)
	logger.Info("agent stream connected")
	defer logger.Info("agent stream closed")

	// Pongs extend the read deadline; the reader exits when the agent goes away.
	pongWait := 2 * g.streamPing
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					logger.Debug("stream read ended", "error", err)
				}
				return
			}
		}
	}()

	if err := g.sendSnapshot(ctx, conn, agentID); err != nil {
		logger.Warn("stream write failed", "error", err)
		return
	}

	ticker := time.NewTicker(g.streamPing)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-signals:
			if !ok {
				// Broadcaster closed during shutdown.
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
					time.Now().Add(streamWriteWait))
				return
			}
			if err := g.sendSnapshot(ctx, conn, agentID); err != nil {
				logger.Warn("stream write failed", "error", err)
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteWait)); err != nil {
				logger.Debug("stream ping failed", "error", err)
				return
			}
		}
	}
}

// sendSnapshot writes the agent's current pending tasks to conn.
func (g *Gateway) sendSnapshot(ctx context.Context, conn *websocket.Conn, agentID string) error {
	pending, err := g.queue.ListPendingTasks(ctx, agentID)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
	return conn.WriteJSON(protocol.StreamMessage{
		Type:  protocol.StreamTypeTasks,
		Tasks: protocol.NewTaskRequests(pending),
	})
}
