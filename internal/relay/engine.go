package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nglmercer/nwebhook/internal/metrics"
)

// DeliveryPolicy decides what happens to a recipient whose queue is full.
type DeliveryPolicy string

const (
	// DeliverBestEffort drops the message for that recipient only.
	DeliverBestEffort DeliveryPolicy = "best_effort"

	// DeliverEvictSlow additionally unregisters and closes the lagging connection.
	DeliverEvictSlow DeliveryPolicy = "evict_slow"
)

// ParseDeliveryPolicy converts a config string into a DeliveryPolicy.
func ParseDeliveryPolicy(s string) (DeliveryPolicy, error) {
	switch DeliveryPolicy(s) {
	case DeliverBestEffort, DeliverEvictSlow:
		return DeliveryPolicy(s), nil
	default:
		return "", fmt.Errorf("unknown delivery policy %q", s)
	}
}

// Metric label values for the broadcast source.
const (
	sourceJSON   = "json"
	sourceText   = "text"
	sourceBridge = "bridge"
)

// Publisher forwards an already-encoded payload to other instances. The
// engine publishes only after the local fan-out; a blocked publisher delays
// the publish, never local delivery. Publish failures degrade to
// single-instance operation and never fail local delivery.
type Publisher interface {
	Publish(ctx context.Context, data []byte) error
}

// Engine fans payloads out to every registered connection. Each payload is
// serialized once; delivery is best-effort per recipient, so one closed or slow
// client never aborts the rest of a broadcast.
type Engine struct {
	registry  *Registry
	policy    DeliveryPolicy
	publisher Publisher
}

// NewEngine creates an engine over the given registry. An empty policy falls
// back to DeliverBestEffort.
func NewEngine(registry *Registry, policy DeliveryPolicy) *Engine {
	if policy == "" {
		policy = DeliverBestEffort
	}
	return &Engine{
		registry: registry,
		policy:   policy,
	}
}

// SetPublisher attaches the cross-instance publisher. Called once during
// wiring, before the server starts accepting traffic.
func (e *Engine) SetPublisher(p Publisher) {
	e.publisher = p
}

// Broadcast serializes payload once and delivers the identical bytes to every
// connection in the current registry snapshot. It returns an error only when
// serialization fails; per-recipient failures are logged and counted.
func (e *Engine) Broadcast(ctx context.Context, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("Failed to marshal broadcast message", "error", err)
		return fmt.Errorf("marshal broadcast message: %w", err)
	}

	e.fanOut(data, sourceJSON)
	e.publish(ctx, data)
	return nil
}

// BroadcastText delivers a client text frame verbatim to every connection.
// The bytes are already on the wire format, so nothing here can fail for the
// caller; delivery problems stay per-recipient.
func (e *Engine) BroadcastText(ctx context.Context, text string) {
	data := []byte(text)
	e.fanOut(data, sourceText)
	e.publish(ctx, data)
}

// Deliver fans pre-encoded data out locally without republishing. The bridge
// calls it for foreign-origin messages; republishing would loop them forever.
func (e *Engine) Deliver(data []byte) {
	e.fanOut(data, sourceBridge)
}

// SendTo serializes payload once and delivers it to a single connection. A
// missing id is logged as a warning and reported as success: the connection
// may simply have disconnected between lookup and send on the caller's side.
func (e *Engine) SendTo(ctx context.Context, id uint64, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("Failed to marshal direct message", "connection_id", id, "error", err)
		return fmt.Errorf("marshal direct message: %w", err)
	}

	conn, exists := e.registry.Get(id)
	if !exists {
		slog.Warn("Client not found, skipping send", "connection_id", id)
		metrics.RelayDeliveryFailures.WithLabelValues("not_found").Inc()
		return nil
	}

	e.deliverTo(conn, data)
	return nil
}

// CloseAll unregisters and closes every connection. Used during shutdown after
// the listener has stopped accepting new upgrades.
func (e *Engine) CloseAll() {
	conns := e.registry.Snapshot()
	for _, conn := range conns {
		e.registry.Unregister(conn.ID())
		conn.Close()
	}
	if len(conns) > 0 {
		slog.Info("Closed all relay connections", "count", len(conns))
	}
}

func (e *Engine) fanOut(data []byte, source string) {
	metrics.RelayBroadcastsTotal.WithLabelValues(source).Inc()
	for _, conn := range e.registry.Snapshot() {
		e.deliverTo(conn, data)
	}
}

func (e *Engine) deliverTo(conn *Conn, data []byte) {
	err := conn.TrySend(data)
	if err == nil {
		metrics.RelayMessagesDelivered.Inc()
		return
	}

	slog.Warn("Failed to send message to client", "connection_id", conn.ID(), "error", err)

	switch {
	case errors.Is(err, ErrQueueFull):
		metrics.RelayDeliveryFailures.WithLabelValues("queue_full").Inc()
		if e.policy == DeliverEvictSlow {
			e.evictSlow(conn)
		}
	case errors.Is(err, ErrConnClosed):
		metrics.RelayDeliveryFailures.WithLabelValues("closed").Inc()
	}
}

func (e *Engine) evictSlow(conn *Conn) {
	if e.registry.Unregister(conn.ID()) {
		slog.Warn("Disconnecting slow client", "connection_id", conn.ID())
		metrics.RelaySlowClientsEvicted.Inc()
	}
	conn.Close()
}

func (e *Engine) publish(ctx context.Context, data []byte) {
	if e.publisher == nil {
		return
	}
	if err := e.publisher.Publish(ctx, data); err != nil {
		slog.Warn("Cross-instance publish failed, delivering locally only", "error", err)
	}
}
