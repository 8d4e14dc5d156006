package correlation

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// capture runs log against a text-handler logger wrapped by Handler and
// returns what was written.
func capture(t *testing.T, log func(logger *slog.Logger)) string {
	t.Helper()
	var buf bytes.Buffer
	inner := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	log(slog.New(NewHandler(inner)))
	return buf.String()
}

func TestNewID(t *testing.T) {
	seen := make(map[string]struct{}, 200)
	for i := 0; i < 200; i++ {
		id := NewID()
		assert.Len(t, id, 8)
		seen[id] = struct{}{}
	}
	assert.Len(t, seen, 200, "ids must not repeat")
}

func TestFromContext(t *testing.T) {
	tests := []struct {
		name   string
		ctx    context.Context
		wantID string
		wantOK bool
	}{
		{"carried id", WithID(context.Background(), "deadbeef"), "deadbeef", true},
		{"no id", context.Background(), "", false},
		{"empty id treated as absent", WithID(context.Background(), ""), "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, ok := FromContext(tt.ctx)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantID, id)
		})
	}
}

func TestHandler_InjectsID(t *testing.T) {
	out := capture(t, func(logger *slog.Logger) {
		ctx := WithID(context.Background(), "cafe0123")
		logger.InfoContext(ctx, "handling request", "path", "/webhook")
	})

	assert.Contains(t, out, "correlation_id=cafe0123")
	assert.Contains(t, out, "path=/webhook")
	assert.Contains(t, out, "handling request")
}

func TestHandler_PlainContextPassesThrough(t *testing.T) {
	out := capture(t, func(logger *slog.Logger) {
		logger.InfoContext(context.Background(), "background work")
	})

	assert.Contains(t, out, "background work")
	assert.NotContains(t, out, "correlation_id")
}

func TestHandler_SurvivesWithAttrsAndWithGroup(t *testing.T) {
	out := capture(t, func(logger *slog.Logger) {
		ctx := WithID(context.Background(), "feed5678")
		logger.With("component", "relay").WithGroup("req").InfoContext(ctx, "grouped", "id", 7)
	})

	assert.Contains(t, out, "correlation_id=feed5678")
	assert.Contains(t, out, "component=relay")
	assert.Contains(t, out, "req.id=7")
}

func TestHandler_JSONOutput(t *testing.T) {
	var buf bytes.Buffer
	inner := slog.NewJSONHandler(&buf, nil)
	logger := slog.New(NewHandler(inner))

	ctx := WithID(context.Background(), "0badf00d")
	logger.InfoContext(ctx, "json record")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "0badf00d", record["correlation_id"])
	assert.Equal(t, "json record", record["msg"])
}
