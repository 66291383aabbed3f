package hub

import (
	"encoding/json"
)

// ConnID is an opaque connection identifier assigned at registration.
// IDs are unique for the lifetime of the process and never reused.
type ConnID string

// NoExclude is the zero ConnID, meaning "exclude nobody" in fan-out calls.
const NoExclude ConnID = ""

// Sender delivers raw bytes to a single remote peer. Implementations must
// be non-blocking and safe to call after the underlying transport has
// closed (a send to a closed connection is a no-op, not an error).
type Sender interface {
	Send(data []byte) error
}

// Handler reacts to a dispatched event for one connection. Handlers are
// invoked outside the hub lock and may call any hub operation.
type Handler func(id ConnID, payload json.RawMessage)

// Built-in event types. These are resolved before the handler table is
// consulted and cannot be overridden by RegisterHandler.
const (
	EventJoinRoom      = "join-room"
	EventLeaveRoom     = "leave-room"
	EventBroadcast     = "broadcast-request"
	EventRoomMessage   = "room-message"
	EventHeartbeatPing = "heartbeat-ping"
	EventSetUserID     = "set-user-id"
)

// Envelope is the wire contract for inbound client messages.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// ConnectionInfo is a read-only snapshot of one connection.
type ConnectionInfo struct {
	ID       ConnID         `json:"connectionId"`
	UserID   string         `json:"userId"`
	Rooms    []string       `json:"rooms"`
	Metadata map[string]any `json:"metadata"`
}

// Stats is a consistent snapshot of hub-wide counters.
type Stats struct {
	TotalConnections int            `json:"totalConnections"`
	TotalRooms       int            `json:"totalRooms"`
	Rooms            map[string]int `json:"rooms"`
}

// Payloads for built-in events.
type joinPayload struct {
	Room string `json:"room"`
}

type roomMessagePayload struct {
	Room string          `json:"room"`
	Data json.RawMessage `json:"data"`
}

type broadcastPayload struct {
	Data json.RawMessage `json:"data"`
}

type setUserPayload struct {
	UserID string `json:"userId"`
}
