package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsRegistration(t *testing.T) {
	// Verify all metrics are registered without conflicts
	// This test ensures no duplicate metric names

	metrics := []prometheus.Collector{
		// Relay metrics
		RelayActiveConnections,
		RelayBroadcastsTotal,
		RelayMessagesDelivered,
		RelayDeliveryFailures,
		RelaySlowClientsEvicted,

		// WebSocket metrics
		WebSocketConnectionsTotal,
		WebSocketConnectionsRejected,
		WebSocketMessageSendDuration,
		WebSocketConnectionDuration,
		WebSocketPingFailures,
		WebSocketConnectionCapacity,
		WebSocketUniqueIPs,

		// Webhook metrics
		WebhookRequestsTotal,

		// Bridge metrics
		BridgePublishesTotal,
		BridgeMessagesReceived,
		BridgeSubscriptionActive,
		BridgeReconnectionsTotal,
		CircuitBreakerStateChanges,
		CircuitBreakerState,

		// Build metrics
		BuildInfo,
	}

	// Verify each metric is registered
	for _, metric := range metrics {
		desc := make(chan *prometheus.Desc, 1)
		metric.Describe(desc)
		close(desc)

		require.NotNil(t, <-desc, "metric should have a valid descriptor")
	}
}

func TestCounterMetrics(t *testing.T) {
	tests := []struct {
		name    string
		metric  *prometheus.CounterVec
		labels  prometheus.Labels
		incBy   float64
		wantVal float64
	}{
		{
			name:    "broadcasts counter",
			metric:  RelayBroadcastsTotal,
			labels:  prometheus.Labels{"source": "json"},
			incBy:   5,
			wantVal: 5,
		},
		{
			name:    "delivery failures counter",
			metric:  RelayDeliveryFailures,
			labels:  prometheus.Labels{"reason": "queue_full"},
			incBy:   10,
			wantVal: 10,
		},
		{
			name:    "webhook requests counter",
			metric:  WebhookRequestsTotal,
			labels:  prometheus.Labels{"status": "ok"},
			incBy:   3,
			wantVal: 3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Reset metric
			tt.metric.Reset()

			// Increment counter
			for i := 0; i < int(tt.incBy); i++ {
				tt.metric.With(tt.labels).Inc()
			}

			// Verify value
			val := testutil.ToFloat64(tt.metric.With(tt.labels))
			assert.Equal(t, tt.wantVal, val)
		})
	}
}

func TestGaugeMetrics(t *testing.T) {
	tests := []struct {
		name     string
		metric   prometheus.Gauge
		setValue float64
	}{
		{
			name:     "active connections",
			metric:   RelayActiveConnections,
			setValue: 42,
		},
		{
			name:     "unique IPs",
			metric:   WebSocketUniqueIPs,
			setValue: 7,
		},
		{
			name:     "bridge subscription active",
			metric:   BridgeSubscriptionActive,
			setValue: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Set gauge value
			tt.metric.Set(tt.setValue)

			// Verify value
			val := testutil.ToFloat64(tt.metric)
			assert.Equal(t, tt.setValue, val)
		})
	}
}

func TestHistogramMetrics(t *testing.T) {
	t.Run("message send duration", func(t *testing.T) {
		observations := []float64{0.0001, 0.0002, 0.0003, 0.0004}
		for _, obs := range observations {
			WebSocketMessageSendDuration.Observe(obs)
		}

		// Verify histogram recorded observations
		count := testutil.CollectAndCount(WebSocketMessageSendDuration)
		assert.Greater(t, count, 0, "histogram should have metrics")
	})

	t.Run("connection duration", func(t *testing.T) {
		observations := []float64{2, 65, 700}
		for _, obs := range observations {
			WebSocketConnectionDuration.Observe(obs)
		}

		count := testutil.CollectAndCount(WebSocketConnectionDuration)
		assert.Greater(t, count, 0, "histogram should have metrics")
	})
}

func TestMetricTypes(t *testing.T) {
	t.Run("counters only increase", func(t *testing.T) {
		RelayBroadcastsTotal.Reset()
		counter := RelayBroadcastsTotal.WithLabelValues("text")

		counter.Inc()
		val1 := testutil.ToFloat64(counter)

		counter.Inc()
		val2 := testutil.ToFloat64(counter)

		assert.Greater(t, val2, val1, "counters should only increase")
	})

	t.Run("gauges can increase and decrease", func(t *testing.T) {
		gauge := RelayActiveConnections

		gauge.Set(10)
		assert.Equal(t, 10.0, testutil.ToFloat64(gauge))

		gauge.Inc()
		assert.Equal(t, 11.0, testutil.ToFloat64(gauge))

		gauge.Dec()
		assert.Equal(t, 10.0, testutil.ToFloat64(gauge))

		gauge.Set(5)
		assert.Equal(t, 5.0, testutil.ToFloat64(gauge))
	})
}
