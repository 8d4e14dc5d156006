package server

import (
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/nglmercer/nwebhook/internal/metrics"
	"github.com/nglmercer/nwebhook/internal/relay"
)

const (
	writeDeadline = 5 * time.Second
	pingInterval  = 30 * time.Second
	pongDeadline  = 60 * time.Second
)

// connWriter drains a relay connection's outbound queue onto the WebSocket.
// It owns every write to the socket (payloads, pings, the close frame), so
// gorilla's single-writer rule holds without extra locking.
type connWriter struct {
	socket *websocket.Conn
	conn   *relay.Conn
	clock  clockwork.Clock
}

func newConnWriter(socket *websocket.Conn, conn *relay.Conn, clock clockwork.Clock) *connWriter {
	w := &connWriter{
		socket: socket,
		conn:   conn,
		clock:  clock,
	}
	w.configurePongHandler()
	return w
}

// run loops until the relay connection closes or a write fails. It closes the
// socket on exit, which also unblocks the read loop.
func (w *connWriter) run() {
	ticker := w.clock.NewTicker(pingInterval)
	defer ticker.Stop()
	defer func() { _ = w.socket.Close() }()

	for {
		select {
		case msg := <-w.conn.Outbound():
			start := w.clock.Now()
			w.updateWriteDeadline()
			if err := w.socket.WriteMessage(websocket.TextMessage, msg); err != nil {
				w.conn.Close()
				return
			}
			metrics.WebSocketMessageSendDuration.Observe(w.clock.Since(start).Seconds())
		case <-ticker.Chan():
			w.updateWriteDeadline()
			if err := w.socket.WriteMessage(websocket.PingMessage, nil); err != nil {
				// Ping failed, client likely disconnected
				metrics.WebSocketPingFailures.Inc()
				w.conn.Close()
				return
			}
		case <-w.conn.Done():
			w.flushAndCloseGraceful()
			return
		}
	}
}

// flushAndCloseGraceful writes whatever is still queued, then a close frame.
// Everything is best-effort: the peer may already be gone.
func (w *connWriter) flushAndCloseGraceful() {
	for {
		select {
		case msg := <-w.conn.Outbound():
			w.updateWriteDeadline()
			if err := w.socket.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		default:
			closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			w.updateWriteDeadline()
			_ = w.socket.WriteMessage(websocket.CloseMessage, closeMsg)
			return
		}
	}
}

func (w *connWriter) configurePongHandler() {
	w.updateReadDeadline()
	w.socket.SetPongHandler(func(string) error {
		w.updateReadDeadline()
		return nil
	})
}

func (w *connWriter) updateWriteDeadline() {
	deadline := w.clock.Now().Add(writeDeadline)
	_ = w.socket.SetWriteDeadline(deadline)
}

func (w *connWriter) updateReadDeadline() {
	deadline := w.clock.Now().Add(pongDeadline)
	_ = w.socket.SetReadDeadline(deadline)
}
