package hub

import (
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Hub owns every live connection and room. All state lives behind one
// mutex; every operation observes a fully consistent connection/room view.
type Hub struct {
	logger *slog.Logger

	mu       sync.Mutex
	conns    map[ConnID]*conn
	rooms    map[string]map[ConnID]*conn
	handlers map[string]Handler
}

// conn is the registry record for a single live connection.
type conn struct {
	id       ConnID
	sender   Sender
	userID   string
	rooms    map[string]struct{}
	metadata map[string]any
}

// New creates an empty hub.
func New(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}

	return &Hub{
		logger:   logger,
		conns:    make(map[ConnID]*conn),
		rooms:    make(map[string]map[ConnID]*conn),
		handlers: make(map[string]Handler),
	}
}

// Register adds a connection backed by the given sender and returns its
// new id. A welcome message carrying the id is sent to that connection.
func (h *Hub) Register(sender Sender) ConnID {
	id := ConnID("conn_" + uuid.NewString())

	h.mu.Lock()
	defer h.mu.Unlock()

	h.conns[id] = &conn{
		id:       id,
		sender:   sender,
		rooms:    make(map[string]struct{}),
		metadata: make(map[string]any),
	}

	h.send(h.conns[id], welcomeMessage{
		Type:         "connected",
		ConnectionID: id,
		Message:      "Welcome to relay",
	})

	h.logger.Debug("connection registered", "conn_id", id, "total", len(h.conns))
	return id
}

// Unregister removes a connection and purges it from every room it
// belongs to. Remaining members of each room are notified before the
// membership is updated. Idempotent: an unknown id is a no-op.
func (h *Hub) Unregister(id ConnID) {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, ok := h.conns[id]
	if !ok {
		return
	}

	for room := range c.rooms {
		h.notifyRoom(room, userLeftMessage{
			Type:         "user_left",
			Room:         room,
			ConnectionID: id,
		}, id)
		h.removeMember(room, id)
	}
	delete(h.conns, id)

	h.logger.Debug("connection unregistered", "conn_id", id, "total", len(h.conns))
}

// SetUserID overwrites the application-supplied user identifier and
// confirms to the connection. Unknown ids are ignored.
func (h *Hub) SetUserID(id ConnID, userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, ok := h.conns[id]
	if !ok {
		return
	}

	c.userID = userID
	h.send(c, userSetMessage{Type: "user_set", UserID: userID})
}

// SetMetadata stores one metadata key for a connection. Unknown ids are
// ignored.
func (h *Hub) SetMetadata(id ConnID, key string, value any) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if c, ok := h.conns[id]; ok {
		c.metadata[key] = value
	}
}

// Describe returns a snapshot of one connection, or false if the id is
// not registered.
func (h *Hub) Describe(id ConnID) (ConnectionInfo, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, ok := h.conns[id]
	if !ok {
		return ConnectionInfo{}, false
	}

	info := ConnectionInfo{
		ID:       c.id,
		UserID:   c.userID,
		Rooms:    make([]string, 0, len(c.rooms)),
		Metadata: make(map[string]any, len(c.metadata)),
	}
	for room := range c.rooms {
		info.Rooms = append(info.Rooms, room)
	}
	sort.Strings(info.Rooms)
	for k, v := range c.metadata {
		info.Metadata[k] = v
	}
	return info, true
}

// Join adds the connection to a room, creating the room on first join.
// The joiner gets a confirmation; every other current member gets a
// user_joined notification. Re-joining a room the connection is already
// in re-confirms without notifying the other members again.
func (h *Hub) Join(id ConnID, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, ok := h.conns[id]
	if !ok {
		return
	}

	_, already := c.rooms[room]
	if !already {
		c.rooms[room] = struct{}{}
		if h.rooms[room] == nil {
			h.rooms[room] = make(map[ConnID]*conn)
		}
		h.rooms[room][id] = c
	}

	h.send(c, roomAckMessage{
		Type:    "room_joined",
		Room:    room,
		Message: "Successfully joined room: " + room,
	})

	if !already {
		h.notifyRoom(room, userJoinedMessage{
			Type:         "user_joined",
			Room:         room,
			ConnectionID: id,
		}, id)
	}
}

// Leave removes the connection from a room. Remaining members are
// notified before the membership sets change, then the leaver gets its
// own confirmation. Leaving a room the connection is not in is a no-op.
func (h *Hub) Leave(id ConnID, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, ok := h.conns[id]
	if !ok {
		return
	}
	if _, member := c.rooms[room]; !member {
		return
	}

	// Notify before removal so the leaver's id is still resolvable.
	h.notifyRoom(room, userLeftMessage{
		Type:         "user_left",
		Room:         room,
		ConnectionID: id,
	}, id)

	delete(c.rooms, room)
	h.removeMember(room, id)

	h.send(c, roomAckMessage{
		Type:    "room_left",
		Room:    room,
		Message: "Successfully left room: " + room,
	})
}

// SendTo delivers data to exactly one connection, wrapped in a message
// envelope. Unknown ids are a no-op.
func (h *Hub) SendTo(id ConnID, data any) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if c, ok := h.conns[id]; ok {
		h.send(c, dataMessage{Type: "message", Data: data})
	}
}

// SendToRoom delivers data to every current member of room, except the
// optionally excluded connection. An unknown room is an empty fan-out.
func (h *Hub) SendToRoom(room string, data any, exclude ConnID) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.notifyRoom(room, roomDataMessage{Type: "room_message", Room: room, Data: data}, exclude)
}

// Broadcast delivers data to every registered connection, except the
// optionally excluded one.
func (h *Hub) Broadcast(data any, exclude ConnID) {
	h.mu.Lock()
	defer h.mu.Unlock()

	msg, err := json.Marshal(dataMessage{Type: "broadcast", Data: data})
	if err != nil {
		h.logger.Warn("broadcast payload not marshalable", "error", err)
		return
	}
	for cid, c := range h.conns {
		if cid == exclude {
			continue
		}
		h.sendRaw(c, msg)
	}
}

// RegisterHandler installs a handler for a custom event type, replacing
// any previous handler for that name. Built-in event types cannot be
// overridden; such registrations are ignored.
func (h *Hub) RegisterHandler(eventType string, handler Handler) {
	if isBuiltin(eventType) {
		h.logger.Warn("refusing to override built-in event type", "type", eventType)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[eventType] = handler
}

// Dispatch routes one typed event for a connection. Built-in types are
// handled directly; other types go through the handler table, and types
// with no handler are echoed back to the originating connection.
func (h *Hub) Dispatch(id ConnID, eventType string, payload json.RawMessage) {
	switch eventType {
	case EventJoinRoom:
		var p joinPayload
		if err := json.Unmarshal(payload, &p); err == nil && p.Room != "" {
			h.Join(id, p.Room)
		}
		return

	case EventLeaveRoom:
		var p joinPayload
		if err := json.Unmarshal(payload, &p); err == nil && p.Room != "" {
			h.Leave(id, p.Room)
		}
		return

	case EventBroadcast:
		var p broadcastPayload
		if err := json.Unmarshal(payload, &p); err == nil && len(p.Data) > 0 {
			h.Broadcast(p.Data, id)
		}
		return

	case EventRoomMessage:
		var p roomMessagePayload
		if err := json.Unmarshal(payload, &p); err == nil && p.Room != "" {
			h.SendToRoom(p.Room, p.Data, id)
		}
		return

	case EventHeartbeatPing:
		h.sendEnvelope(id, pongMessage{Type: "pong", Timestamp: time.Now().UnixMilli()})
		return

	case EventSetUserID:
		var p setUserPayload
		if err := json.Unmarshal(payload, &p); err == nil {
			h.SetUserID(id, p.UserID)
		}
		return
	}

	h.mu.Lock()
	handler, ok := h.handlers[eventType]
	h.mu.Unlock()

	if ok {
		h.invoke(handler, id, eventType, payload)
		return
	}

	// Unknown type: echo back to the originator only.
	h.sendEnvelope(id, Envelope{Type: eventType, Payload: payload})
}

// HandleMessage parses a raw inbound frame as an envelope and dispatches
// it. A frame that does not parse yields an error event back to the
// offending connection only.
func (h *Hub) HandleMessage(id ConnID, data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		h.sendEnvelope(id, errorMessage{
			Type:    "error",
			Message: "Failed to parse message: " + err.Error(),
		})
		return
	}
	if env.Type == "" {
		h.sendEnvelope(id, errorMessage{
			Type:    "error",
			Message: "Failed to parse message: missing event type",
		})
		return
	}

	h.Dispatch(id, env.Type, env.Payload)
}

// Stats returns hub-wide counters taken under the lock.
func (h *Hub) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()

	s := Stats{
		TotalConnections: len(h.conns),
		TotalRooms:       len(h.rooms),
		Rooms:            make(map[string]int, len(h.rooms)),
	}
	for room, members := range h.rooms {
		s.Rooms[room] = len(members)
	}
	return s
}

// Rooms returns the names of all rooms with at least one member.
func (h *Hub) Rooms() []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	names := make([]string, 0, len(h.rooms))
	for room := range h.rooms {
		names = append(names, room)
	}
	sort.Strings(names)
	return names
}

// invoke runs a custom handler outside the hub lock, containing panics
// so a failing handler cannot corrupt hub state or other connections.
func (h *Hub) invoke(handler Handler, id ConnID, eventType string, payload json.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("event handler panicked",
				"type", eventType,
				"conn_id", id,
				"panic", r,
			)
		}
	}()

	handler(id, payload)
}

// notifyRoom sends msg to every member of room except exclude. Caller
// must hold h.mu.
func (h *Hub) notifyRoom(room string, msg any, exclude ConnID) {
	members, ok := h.rooms[room]
	if !ok {
		return
	}

	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Warn("room payload not marshalable", "room", room, "error", err)
		return
	}
	for cid, c := range members {
		if cid == exclude {
			continue
		}
		h.sendRaw(c, data)
	}
}

// removeMember drops id from a room's member set and discards the room
// when it becomes empty. Caller must hold h.mu.
func (h *Hub) removeMember(room string, id ConnID) {
	members, ok := h.rooms[room]
	if !ok {
		return
	}
	delete(members, id)
	if len(members) == 0 {
		delete(h.rooms, room)
	}
}

// sendEnvelope marshals and sends one message to a single connection,
// taking the lock itself. Unknown ids are ignored.
func (h *Hub) sendEnvelope(id ConnID, msg any) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if c, ok := h.conns[id]; ok {
		h.send(c, msg)
	}
}

// send marshals msg and delivers it to one connection. Caller must hold
// h.mu.
func (h *Hub) send(c *conn, msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Warn("payload not marshalable", "conn_id", c.id, "error", err)
		return
	}
	h.sendRaw(c, data)
}

// sendRaw delivers bytes to one connection. A transport failure is
// logged and skipped; it never aborts the surrounding fan-out.
func (h *Hub) sendRaw(c *conn, data []byte) {
	if err := c.sender.Send(data); err != nil {
		h.logger.Warn("send failed", "conn_id", c.id, "error", err)
	}
}

func isBuiltin(eventType string) bool {
	switch eventType {
	case EventJoinRoom, EventLeaveRoom, EventBroadcast,
		EventRoomMessage, EventHeartbeatPing, EventSetUserID:
		return true
	}
	return false
}

// Outbound message shapes.
type welcomeMessage struct {
	Type         string `json:"type"`
	ConnectionID ConnID `json:"connectionId"`
	Message      string `json:"message"`
}

type roomAckMessage struct {
	Type    string `json:"type"`
	Room    string `json:"room"`
	Message string `json:"message"`
}

type userJoinedMessage struct {
	Type         string `json:"type"`
	Room         string `json:"room"`
	ConnectionID ConnID `json:"connectionId"`
}

type userLeftMessage struct {
	Type         string `json:"type"`
	Room         string `json:"room"`
	ConnectionID ConnID `json:"connectionId"`
}

type dataMessage struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type roomDataMessage struct {
	Type string `json:"type"`
	Room string `json:"room"`
	Data any    `json:"data"`
}

type pongMessage struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

type userSetMessage struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
}

type errorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}
