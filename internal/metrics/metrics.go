package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Relay Metrics
var (
	// RelayActiveConnections tracks the number of currently registered connections
	RelayActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_active_connections",
			Help: "Number of currently registered relay connections",
		},
	)

	// RelayBroadcastsTotal tracks broadcasts by payload source
	RelayBroadcastsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_broadcasts_total",
			Help: "Total broadcasts by payload source (json/text/bridge)",
		},
		[]string{"source"},
	)

	// RelayMessagesDelivered tracks messages successfully enqueued to a recipient
	RelayMessagesDelivered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_messages_delivered_total",
			Help: "Total messages successfully enqueued to a recipient queue",
		},
	)

	// RelayDeliveryFailures tracks per-recipient delivery failures by reason
	RelayDeliveryFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_delivery_failures_total",
			Help: "Total per-recipient delivery failures by reason (queue_full/closed/not_found)",
		},
		[]string{"reason"},
	)

	// RelaySlowClientsEvicted tracks connections evicted under the evict_slow policy
	RelaySlowClientsEvicted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_slow_clients_evicted_total",
			Help: "Total connections evicted because their queue stayed full under the evict_slow policy",
		},
	)
)

// WebSocket Metrics
var (
	// WebSocketConnectionsTotal tracks total WebSocket connection attempts by result
	WebSocketConnectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "websocket_connections_total",
			Help: "Total WebSocket connection attempts by result (success/error/rejected)",
		},
		[]string{"result"},
	)

	// WebSocketConnectionsRejected tracks rejected connection attempts by reason
	WebSocketConnectionsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "websocket_connections_rejected_total",
			Help: "Total WebSocket connections rejected by reason (rate_limit/per_ip_limit/global_limit)",
		},
		[]string{"reason"},
	)

	// WebSocketMessageSendDuration tracks WebSocket message send duration
	WebSocketMessageSendDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "websocket_message_send_duration_seconds",
			Help:    "WebSocket message send duration in seconds",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25},
		},
	)

	// WebSocketConnectionDuration tracks WebSocket connection duration
	WebSocketConnectionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "websocket_connection_duration_seconds",
			Help:    "WebSocket connection duration in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 300, 600, 1800, 3600},
		},
	)

	// WebSocketPingFailures tracks WebSocket ping failures
	WebSocketPingFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "websocket_ping_failures_total",
			Help: "Total WebSocket ping failures (client not responding)",
		},
	)

	// WebSocketConnectionCapacity tracks current connection capacity utilization as percentage
	WebSocketConnectionCapacity = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "websocket_connection_capacity_percent",
			Help: "Current WebSocket connection capacity utilization (0-100%)",
		},
	)

	// WebSocketUniqueIPs tracks number of unique IP addresses with active connections
	WebSocketUniqueIPs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "websocket_unique_ips",
			Help: "Number of unique IP addresses with active WebSocket connections",
		},
	)
)

// Webhook Metrics
var (
	// WebhookRequestsTotal tracks inbound webhook requests by response status
	WebhookRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_requests_total",
			Help: "Total inbound webhook requests by response status (ok/bad_request/error/rate_limited)",
		},
		[]string{"status"},
	)
)

// Bridge Metrics
var (
	// BridgePublishesTotal tracks cross-instance publishes by status
	BridgePublishesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_publishes_total",
			Help: "Total cross-instance publishes by status (success/error/open_circuit)",
		},
		[]string{"status"},
	)

	// BridgeMessagesReceived tracks pub/sub messages received by result
	BridgeMessagesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_messages_received_total",
			Help: "Total pub/sub messages received by result (delivered/own_origin/invalid)",
		},
		[]string{"result"},
	)

	// BridgeSubscriptionActive tracks whether the pub/sub subscription is active (1) or disconnected (0)
	BridgeSubscriptionActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bridge_subscription_active",
			Help: "1 if the pub/sub subscription is active, 0 if disconnected",
		},
	)

	// BridgeReconnectionsTotal tracks pub/sub reconnection attempts
	BridgeReconnectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bridge_reconnections_total",
			Help: "Total pub/sub reconnection attempts after disconnect",
		},
	)

	// CircuitBreakerStateChanges tracks circuit breaker state transitions
	CircuitBreakerStateChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_state_changes_total",
			Help: "Circuit breaker state transitions by component and new state",
		},
		[]string{"component", "state"},
	)

	// CircuitBreakerState tracks current circuit breaker state (0=closed, 1=half-open, 2=open)
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Current circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"component"},
	)
)

// Build Information Metrics
var (
	// BuildInfo is a gauge that always returns 1, with build metadata as labels
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build information with version, commit, build_time, and go_version labels (value is always 1)",
		},
		[]string{"version", "commit", "build_time", "go_version"},
	)
)

// HTTP Request Metrics
// Note: request counts and durations come from the echo access log middleware;
// no separate collectors are registered here.
