package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/nglmercer/nwebhook/internal/metrics"
)

// handleWebhook ingests an arbitrary JSON event and broadcasts it to every
// connected client. The payload is decoded only to validate and re-serialize
// it; no schema is enforced beyond well-formed JSON.
func (s *Server) handleWebhook(c echo.Context) error {
	payload, err := decodeWebhookPayload(c.Request().Body)
	if err != nil {
		slog.Warn("Rejected malformed webhook payload", "error", err)
		metrics.WebhookRequestsTotal.WithLabelValues("bad_request").Inc()
		if err := c.String(http.StatusBadRequest, "Invalid JSON payload"); err != nil {
			return fmt.Errorf("failed to write bad request response: %w", err)
		}
		return nil
	}

	if err := s.engine.Broadcast(c.Request().Context(), payload); err != nil {
		slog.Error("Webhook broadcast failed", "error", err)
		metrics.WebhookRequestsTotal.WithLabelValues("error").Inc()
		if err := c.String(http.StatusInternalServerError, "Error broadcasting message"); err != nil {
			return fmt.Errorf("failed to write error response: %w", err)
		}
		return nil
	}

	metrics.WebhookRequestsTotal.WithLabelValues("ok").Inc()
	if err := c.String(http.StatusOK, "Message broadcasted"); err != nil {
		return fmt.Errorf("failed to write response: %w", err)
	}
	return nil
}

// decodeWebhookPayload parses the body as exactly one JSON value. Numbers are
// kept as json.Number so 64-bit integers survive the broadcast re-encode
// without float64 rounding.
func decodeWebhookPayload(r io.Reader) (any, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	var payload any
	if err := dec.Decode(&payload); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, errors.New("trailing data after JSON value")
	}
	return payload, nil
}
