// Package server implements the HTTP surface using Echo framework.
//
// Routes: webhook ingestion (POST /webhook), the WebSocket endpoint (GET /ws), health probes,
// version, Prometheus metrics, and the static demo page. Connection admission (global, per-IP,
// rate) happens here before a socket ever reaches the relay engine.
package server
