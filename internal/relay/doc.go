// Package relay implements the connection registry and broadcast engine.
//
// The Registry maps monotonically increasing connection ids to live connections behind a single
// mutex. The Engine serializes each payload once and fans the identical bytes out through
// per-connection bounded queues, so a slow or dead client never blocks the sender or other recipients.
package relay
