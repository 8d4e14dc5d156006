package server

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/nglmercer/nwebhook/internal/metrics"
	"github.com/nglmercer/nwebhook/internal/relay"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Any page may open a relay socket
	},
}

// handleWebSocket admits, upgrades, and registers a client, then serves as its
// read loop: every text frame is rebroadcast verbatim to all clients, the
// sender included. Teardown always runs from this side, so the registry is
// cleaned up exactly once per connection.
func (s *Server) handleWebSocket(c echo.Context) error {
	ip := c.RealIP()

	ok, reason := s.connLimits.Acquire(ip)
	if !ok {
		metrics.WebSocketConnectionsRejected.WithLabelValues(string(reason)).Inc()
		metrics.WebSocketConnectionsTotal.WithLabelValues("rejected").Inc()
		slog.Warn("WebSocket connection rejected", "ip", ip, "reason", string(reason))

		status := http.StatusTooManyRequests
		if reason == LimitReasonGlobal {
			status = http.StatusServiceUnavailable
		}
		if err := c.String(status, "Connection limit reached"); err != nil {
			return fmt.Errorf("failed to write rejection response: %w", err)
		}
		return nil
	}

	socket, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response
		s.connLimits.Release(ip)
		metrics.WebSocketConnectionsTotal.WithLabelValues("error").Inc()
		slog.Error("Failed to upgrade WebSocket", "ip", ip, "error", err)
		return nil
	}

	id := s.registry.AllocateID()
	conn := relay.NewConn(id, s.config.SendBufferSize)
	if err := s.registry.Register(conn); err != nil {
		// AllocateID never repeats, so a collision means the registry is corrupted
		slog.Error("Failed to register connection", "connection_id", id, "error", err)
		conn.Close()
		_ = socket.Close()
		s.connLimits.Release(ip)
		metrics.WebSocketConnectionsTotal.WithLabelValues("error").Inc()
		return nil
	}

	metrics.WebSocketConnectionsTotal.WithLabelValues("success").Inc()
	logger := slog.With("connection_id", id, "ip", ip)
	logger.Info("Client connected", "total", s.registry.Len())

	connectedAt := s.clock.Now()

	writer := newConnWriter(socket, conn, s.clock)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		writer.run()
	}()

	ctx := c.Request().Context()
	for {
		msgType, data, err := socket.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		s.engine.BroadcastText(ctx, string(data))
	}

	// Unregister before closing so broadcasts stop targeting the queue, then
	// wait for the writer to flush and release the socket. Both calls are
	// no-ops when the engine already evicted this connection.
	s.registry.Unregister(id)
	conn.Close()
	<-writerDone
	s.connLimits.Release(ip)

	metrics.WebSocketConnectionDuration.Observe(s.clock.Since(connectedAt).Seconds())
	logger.Info("Client disconnected", "total", s.registry.Len())

	return nil
}
