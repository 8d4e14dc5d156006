// Package bridge fans broadcasts out across instances over Redis Pub/Sub.
//
// Outgoing payloads are wrapped in an envelope carrying this instance's origin id and published
// through a circuit breaker, so a down Redis degrades to single-instance operation instead of
// slowing the broadcast path. The subscribe loop delivers foreign-origin payloads to the engine
// and skips its own, preventing echo loops.
package bridge
