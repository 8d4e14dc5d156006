package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/nglmercer/nwebhook/internal/metrics"
	"github.com/nglmercer/nwebhook/internal/retry"
)

const (
	breakerFailureThreshold = 5
	breakerOpenDuration     = 30 * time.Second
	resubscribeBackoff      = 30 * time.Second
)

var subscribePolicy = retry.Policy{
	MaxAttempts:      5,
	InitialBackoff:   500 * time.Millisecond,
	RateLimitBackoff: 5 * time.Second,
	OnRetry: func(attempt int, err error, backoff time.Duration) {
		slog.Warn("Bridge subscribe failed, retrying", "attempt", attempt, "backoff", backoff, "error", err)
	},
}

// envelope is the wire format on the pub/sub channel. Payload is carried as a
// string because client text frames are raw text, not necessarily JSON.
type envelope struct {
	Origin  string `json:"origin"`
	Payload string `json:"payload"`
}

// Deliverer receives foreign-origin payloads for local fan-out.
type Deliverer interface {
	Deliver(data []byte)
}

// Bridge connects the local engine to a Redis Pub/Sub channel shared by all
// instances. It implements the engine's Publisher on the outgoing side.
type Bridge struct {
	rdb     *goredis.Client
	channel string
	origin  string
	engine  Deliverer
	breaker *gobreaker.CircuitBreaker
}

// New creates a bridge over the given Redis client and channel. Each bridge
// gets a random origin id so it can recognize its own messages.
func New(rdb *goredis.Client, channel string, engine Deliverer) *Bridge {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "bridge",
		Timeout: breakerOpenDuration,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerFailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("Circuit breaker state changed",
				"component", name,
				"from", from.String(),
				"to", to.String(),
			)
			metrics.CircuitBreakerStateChanges.WithLabelValues(name, to.String()).Inc()
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateToFloat(to))
		},
	})

	return &Bridge{
		rdb:     rdb,
		channel: channel,
		origin:  uuid.NewString(),
		engine:  engine,
		breaker: breaker,
	}
}

// Publish wraps data in an envelope and publishes it through the circuit
// breaker. Callers treat failure as degradation, not as a delivery error.
func (b *Bridge) Publish(ctx context.Context, data []byte) error {
	encoded, err := json.Marshal(envelope{Origin: b.origin, Payload: string(data)})
	if err != nil {
		return fmt.Errorf("marshal bridge envelope: %w", err)
	}

	_, err = b.breaker.Execute(func() (any, error) {
		return nil, b.rdb.Publish(ctx, b.channel, encoded).Err()
	})
	if err != nil {
		status := "error"
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			status = "open_circuit"
		}
		metrics.BridgePublishesTotal.WithLabelValues(status).Inc()
		return fmt.Errorf("publish to %s: %w", b.channel, err)
	}

	metrics.BridgePublishesTotal.WithLabelValues("success").Inc()
	return nil
}

// Run subscribes to the channel and delivers foreign-origin payloads until ctx
// is cancelled. Lost subscriptions are re-established with backoff.
func (b *Bridge) Run(ctx context.Context) {
	defer metrics.BridgeSubscriptionActive.Set(0)

	for ctx.Err() == nil {
		sub, err := retry.Do(ctx, subscribePolicy, classifySubscribe, func() (*goredis.PubSub, error) {
			return b.subscribe(ctx)
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("Bridge could not subscribe, backing off", "channel", b.channel, "error", err)
			select {
			case <-time.After(resubscribeBackoff):
			case <-ctx.Done():
				return
			}
			continue
		}

		slog.Info("Bridge subscribed", "channel", b.channel)
		metrics.BridgeSubscriptionActive.Set(1)

		b.receive(ctx, sub)

		metrics.BridgeSubscriptionActive.Set(0)
		_ = sub.Close()

		if ctx.Err() == nil {
			slog.Warn("Bridge subscription lost, resubscribing", "channel", b.channel)
			metrics.BridgeReconnectionsTotal.Inc()
		}
	}
}

// Ping reports whether Redis is reachable. Used by the readiness check.
func (b *Bridge) Ping(ctx context.Context) error {
	if err := b.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("bridge redis ping: %w", err)
	}
	return nil
}

func (b *Bridge) subscribe(ctx context.Context) (*goredis.PubSub, error) {
	sub := b.rdb.Subscribe(ctx, b.channel)
	// Receive waits for the subscription confirmation, surfacing connection
	// errors here instead of on the message channel.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", b.channel, err)
	}
	return sub, nil
}

func (b *Bridge) receive(ctx context.Context, sub *goredis.PubSub) {
	msgCh := sub.Channel()
	for {
		select {
		case msg, ok := <-msgCh:
			if !ok {
				return
			}
			b.handleMessage(msg.Payload)
		case <-ctx.Done():
			return
		}
	}
}

func (b *Bridge) handleMessage(payload string) {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		slog.Warn("Dropping malformed bridge message", "error", err)
		metrics.BridgeMessagesReceived.WithLabelValues("invalid").Inc()
		return
	}

	if env.Origin == b.origin {
		metrics.BridgeMessagesReceived.WithLabelValues("own_origin").Inc()
		return
	}

	metrics.BridgeMessagesReceived.WithLabelValues("delivered").Inc()
	b.engine.Deliver([]byte(env.Payload))
}

func classifySubscribe(err error) retry.Action {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return retry.Stop
	}
	return retry.Retry
}

func stateToFloat(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}
