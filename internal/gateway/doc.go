// Package gateway adapts WebSocket transports onto the hub.
//
// The gateway:
//   - Upgrades HTTP requests to WebSocket connections
//   - Registers each connection with the hub and feeds it inbound frames
//   - Runs a write pump per connection so hub sends never block
//   - Unregisters the connection on close or read error
package gateway
