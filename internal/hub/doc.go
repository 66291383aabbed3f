// Package hub implements the Connection Hub component.
//
// The Connection Hub:
//   - Tracks every live connection and its room memberships
//   - Keeps the connection view and the room view consistent under one lock
//   - Fans messages out to one connection, a room, or all connections
//   - Dispatches typed events to built-in or registered handlers
package hub
