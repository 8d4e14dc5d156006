package bridge

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEngine struct {
	deliveries chan []byte
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{deliveries: make(chan []byte, 16)}
}

func (f *fakeEngine) Deliver(data []byte) {
	f.deliveries <- data
}

// newTestBridge starts a miniredis instance and a bridge on top of it.
func newTestBridge(t *testing.T) (*Bridge, *miniredis.Miniredis, *fakeEngine) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	engine := newFakeEngine()
	return New(rdb, "test:broadcast", engine), mr, engine
}

func mustEnvelope(t *testing.T, origin, payload string) string {
	t.Helper()
	data, err := json.Marshal(envelope{Origin: origin, Payload: payload})
	require.NoError(t, err)
	return string(data)
}

func TestNew_DistinctOrigins(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	first := New(rdb, "ch", newFakeEngine())
	second := New(rdb, "ch", newFakeEngine())

	assert.NotEmpty(t, first.origin)
	assert.NotEqual(t, first.origin, second.origin)
}

func TestBridge_PublishWrapsEnvelope(t *testing.T) {
	bridge, mr, _ := newTestBridge(t)
	ctx := context.Background()

	// Raw subscriber to inspect the wire format
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	sub := rdb.Subscribe(ctx, "test:broadcast")
	t.Cleanup(func() { _ = sub.Close() })
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, bridge.Publish(ctx, []byte("hello")))

	select {
	case msg := <-sub.Channel():
		var env envelope
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &env))
		assert.Equal(t, bridge.origin, env.Origin)
		assert.Equal(t, "hello", env.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for published message")
	}
}

func TestBridge_HandleMessage(t *testing.T) {
	bridge, _, engine := newTestBridge(t)

	// Malformed and own-origin messages are dropped
	bridge.handleMessage("not json at all")
	bridge.handleMessage(mustEnvelope(t, bridge.origin, "own message"))

	select {
	case msg := <-engine.deliveries:
		t.Fatalf("unexpected delivery: %q", msg)
	default:
	}

	bridge.handleMessage(mustEnvelope(t, "other-instance", "from elsewhere"))

	select {
	case msg := <-engine.deliveries:
		assert.Equal(t, "from elsewhere", string(msg))
	default:
		t.Fatal("foreign message was not delivered")
	}
}

func TestBridge_RunDeliversForeignAndSkipsOwn(t *testing.T) {
	bridge, mr, engine := newTestBridge(t)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	runDone := make(chan struct{})
	go func() {
		bridge.Run(ctx)
		close(runDone)
	}()

	publisher := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = publisher.Close() })

	// Publish warmups until the subscription is live
	warmup := mustEnvelope(t, "other-instance", "warmup")
	require.Eventually(t, func() bool {
		require.NoError(t, publisher.Publish(ctx, "test:broadcast", warmup).Err())
		select {
		case <-engine.deliveries:
			return true
		case <-time.After(20 * time.Millisecond):
			return false
		}
	}, 2*time.Second, 10*time.Millisecond, "subscription never became active")

	own := mustEnvelope(t, bridge.origin, "own message")
	foreign := mustEnvelope(t, "other-instance", "foreign message")
	require.NoError(t, publisher.Publish(ctx, "test:broadcast", own).Err())
	require.NoError(t, publisher.Publish(ctx, "test:broadcast", foreign).Err())

	// Own-origin is skipped, so the next non-warmup delivery is the foreign payload
	deadline := time.After(2 * time.Second)
	for {
		select {
		case msg := <-engine.deliveries:
			if string(msg) == "warmup" {
				continue
			}
			assert.Equal(t, "foreign message", string(msg))
		case <-deadline:
			t.Fatal("timed out waiting for foreign message")
		}
		break
	}

	cancel()
	select {
	case <-runDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after context cancellation")
	}
}

func TestBridge_PublishCircuitOpens(t *testing.T) {
	bridge, mr, _ := newTestBridge(t)
	ctx := context.Background()

	mr.SetError("connection refused")

	for i := 0; i < breakerFailureThreshold; i++ {
		err := bridge.Publish(ctx, []byte("doomed"))
		require.Error(t, err)
		require.NotErrorIs(t, err, gobreaker.ErrOpenState)
	}

	// Threshold reached, the breaker now fails fast without touching Redis
	err := bridge.Publish(ctx, []byte("rejected"))
	require.Error(t, err)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
}

func TestBridge_Ping(t *testing.T) {
	bridge, mr, _ := newTestBridge(t)
	ctx := context.Background()

	require.NoError(t, bridge.Ping(ctx))

	mr.SetError("LOADING Redis is loading the dataset in memory")
	assert.Error(t, bridge.Ping(ctx))
}
