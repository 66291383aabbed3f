// Package bridge implements the Resilient Event Bridge component.
//
// The bridge:
//   - Subscribes to one external pub/sub channel (Redis in production)
//   - Forwards every inbound message to the hub as a broadcast
//   - Reconnects with exponential backoff on any channel failure
//   - Observes shutdown within one bounded receive interval
package bridge
