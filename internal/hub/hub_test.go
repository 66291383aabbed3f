package hub

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
)

// captureSender records every frame delivered to one connection.
type captureSender struct {
	mu   sync.Mutex
	msgs [][]byte
	fail bool
}

func (s *captureSender) Send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("transport closed")
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	s.msgs = append(s.msgs, buf)
	return nil
}

// received decodes every captured frame into generic maps.
func (s *captureSender) received(t *testing.T) []map[string]any {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]map[string]any, 0, len(s.msgs))
	for _, raw := range s.msgs {
		var m map[string]any
		if err := json.Unmarshal(raw, &m); err != nil {
			t.Fatalf("captured frame is not JSON: %v (%s)", err, raw)
		}
		out = append(out, m)
	}
	return out
}

// ofType returns captured messages with the given type field.
func (s *captureSender) ofType(t *testing.T, msgType string) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, m := range s.received(t) {
		if m["type"] == msgType {
			out = append(out, m)
		}
	}
	return out
}

func (s *captureSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgs)
}

func newTestHub() *Hub {
	return New(nil)
}

func register(t *testing.T, h *Hub) (ConnID, *captureSender) {
	t.Helper()
	s := &captureSender{}
	id := h.Register(s)
	if id == "" {
		t.Fatal("Register returned empty id")
	}
	return id, s
}

func TestRegisterSendsWelcome(t *testing.T) {
	h := newTestHub()
	id, s := register(t, h)

	welcomes := s.ofType(t, "connected")
	if len(welcomes) != 1 {
		t.Fatalf("got %d welcome messages, want 1", len(welcomes))
	}
	if welcomes[0]["connectionId"] != string(id) {
		t.Errorf("welcome connectionId = %v, want %s", welcomes[0]["connectionId"], id)
	}
}

func TestRegisterAssignsUniqueIDs(t *testing.T) {
	h := newTestHub()
	seen := make(map[ConnID]bool)
	for i := 0; i < 100; i++ {
		id, _ := register(t, h)
		if seen[id] {
			t.Fatalf("id %s assigned twice", id)
		}
		seen[id] = true
	}
}

func TestJoinFirstMember(t *testing.T) {
	h := newTestHub()
	a, sa := register(t, h)

	h.Join(a, "lobby")

	if got := sa.ofType(t, "room_joined"); len(got) != 1 || got[0]["room"] != "lobby" {
		t.Fatalf("join confirmation = %v, want one room_joined for lobby", got)
	}
	if got := sa.ofType(t, "user_joined"); len(got) != 0 {
		t.Errorf("sole member received %d user_joined notifications, want 0", len(got))
	}
}

func TestJoinNotifiesExistingMembers(t *testing.T) {
	h := newTestHub()
	a, sa := register(t, h)
	b, sb := register(t, h)

	h.Join(a, "lobby")
	h.Join(b, "lobby")

	joined := sa.ofType(t, "user_joined")
	if len(joined) != 1 {
		t.Fatalf("A received %d user_joined, want 1", len(joined))
	}
	if joined[0]["connectionId"] != string(b) {
		t.Errorf("user_joined connectionId = %v, want %s", joined[0]["connectionId"], b)
	}

	if got := sb.ofType(t, "user_joined"); len(got) != 0 {
		t.Errorf("B received %d user_joined, want 0", len(got))
	}
	if got := sb.ofType(t, "room_joined"); len(got) != 1 {
		t.Errorf("B received %d room_joined, want 1", len(got))
	}
}

func TestRejoinDoesNotRenotify(t *testing.T) {
	h := newTestHub()
	a, sa := register(t, h)
	b, _ := register(t, h)

	h.Join(a, "lobby")
	h.Join(b, "lobby")
	h.Join(b, "lobby")

	if got := sa.ofType(t, "user_joined"); len(got) != 1 {
		t.Errorf("A received %d user_joined after re-join, want 1", len(got))
	}
	if got := h.Stats().Rooms["lobby"]; got != 2 {
		t.Errorf("lobby member count = %d, want 2", got)
	}
}

func TestUnregisterNotifiesRooms(t *testing.T) {
	h := newTestHub()
	a, _ := register(t, h)
	b, sb := register(t, h)

	h.Join(a, "lobby")
	h.Join(b, "lobby")

	h.Unregister(a)

	rooms := h.Rooms()
	if len(rooms) != 1 || rooms[0] != "lobby" {
		t.Fatalf("Rooms() = %v, want [lobby]", rooms)
	}
	if got := h.Stats().Rooms["lobby"]; got != 1 {
		t.Errorf("lobby member count = %d, want 1", got)
	}

	left := sb.ofType(t, "user_left")
	if len(left) != 1 {
		t.Fatalf("B received %d user_left, want 1", len(left))
	}
	if left[0]["connectionId"] != string(a) {
		t.Errorf("user_left connectionId = %v, want %s", left[0]["connectionId"], a)
	}
}

func TestUnregisterIdempotent(t *testing.T) {
	h := newTestHub()
	a, _ := register(t, h)
	b, sb := register(t, h)
	h.Join(a, "lobby")
	h.Join(b, "lobby")

	h.Unregister(a)
	before := sb.count()
	h.Unregister(a)

	if sb.count() != before {
		t.Error("second Unregister produced observable messages")
	}
	if got := h.Stats().TotalConnections; got != 1 {
		t.Errorf("TotalConnections = %d, want 1", got)
	}
}

func TestLeaveNotifiesBeforeRemoval(t *testing.T) {
	h := newTestHub()
	a, sa := register(t, h)
	b, sb := register(t, h)
	h.Join(a, "lobby")
	h.Join(b, "lobby")

	h.Leave(a, "lobby")

	left := sb.ofType(t, "user_left")
	if len(left) != 1 || left[0]["connectionId"] != string(a) {
		t.Fatalf("B user_left = %v, want one referencing %s", left, a)
	}
	// The leaver gets its own confirmation, not the member notification.
	if got := sa.ofType(t, "user_left"); len(got) != 0 {
		t.Errorf("leaver received %d user_left, want 0", len(got))
	}
	if got := sa.ofType(t, "room_left"); len(got) != 1 {
		t.Errorf("leaver received %d room_left, want 1", len(got))
	}
}

func TestLeaveIdempotent(t *testing.T) {
	h := newTestHub()
	a, sa := register(t, h)
	h.Join(a, "lobby")

	h.Leave(a, "lobby")
	before := sa.count()
	h.Leave(a, "lobby")

	if sa.count() != before {
		t.Error("second Leave produced observable messages")
	}
}

func TestRoomDiscardedWhenEmpty(t *testing.T) {
	h := newTestHub()
	a, _ := register(t, h)
	b, _ := register(t, h)
	h.Join(a, "lobby")
	h.Join(b, "lobby")

	h.Leave(a, "lobby")
	h.Unregister(b)

	if rooms := h.Rooms(); len(rooms) != 0 {
		t.Errorf("Rooms() = %v, want empty", rooms)
	}
	if got := h.Stats().TotalRooms; got != 0 {
		t.Errorf("TotalRooms = %d, want 0", got)
	}
}

func TestSendToRoomExcludes(t *testing.T) {
	h := newTestHub()
	a, sa := register(t, h)
	b, sb := register(t, h)
	c, sc := register(t, h)
	h.Join(a, "lobby")
	h.Join(b, "lobby")
	h.Join(c, "other")

	h.SendToRoom("lobby", map[string]string{"text": "hi"}, a)

	if got := sa.ofType(t, "room_message"); len(got) != 0 {
		t.Errorf("excluded member received %d room_message, want 0", len(got))
	}
	msgs := sb.ofType(t, "room_message")
	if len(msgs) != 1 {
		t.Fatalf("B received %d room_message, want 1", len(msgs))
	}
	if msgs[0]["room"] != "lobby" {
		t.Errorf("room = %v, want lobby", msgs[0]["room"])
	}
	if got := sc.ofType(t, "room_message"); len(got) != 0 {
		t.Errorf("non-member received %d room_message, want 0", len(got))
	}
}

func TestSendToRoomUnknownRoomNoop(t *testing.T) {
	h := newTestHub()
	_, sa := register(t, h)

	before := sa.count()
	h.SendToRoom("nowhere", "data", NoExclude)

	if sa.count() != before {
		t.Error("unknown room fan-out delivered messages")
	}
}

func TestBroadcastExcludes(t *testing.T) {
	h := newTestHub()
	a, sa := register(t, h)
	_, sb := register(t, h)

	h.Broadcast(map[string]int{"n": 1}, a)

	if got := sa.ofType(t, "broadcast"); len(got) != 0 {
		t.Errorf("excluded connection received %d broadcasts, want 0", len(got))
	}
	if got := sb.ofType(t, "broadcast"); len(got) != 1 {
		t.Errorf("B received %d broadcasts, want 1", len(got))
	}
}

func TestSendToUnknownIDNoop(t *testing.T) {
	h := newTestHub()
	h.SendTo("conn_missing", "data") // must not panic or error
	h.SetUserID("conn_missing", "u1")
	h.Join("conn_missing", "lobby")
	h.Leave("conn_missing", "lobby")

	if rooms := h.Rooms(); len(rooms) != 0 {
		t.Errorf("operations on unknown id created rooms: %v", rooms)
	}
}

func TestSendFailureDoesNotAbortFanout(t *testing.T) {
	h := newTestHub()
	a, sa := register(t, h)
	b, _ := register(t, h)
	c, sc := register(t, h)
	h.Join(a, "lobby")
	h.Join(b, "lobby")
	h.Join(c, "lobby")

	// B's transport starts failing; A and C must still be delivered to.
	failing := &captureSender{fail: true}
	h.mu.Lock()
	h.conns[b].sender = failing
	h.mu.Unlock()

	h.SendToRoom("lobby", "payload", NoExclude)

	if got := sa.ofType(t, "room_message"); len(got) != 1 {
		t.Errorf("A received %d room_message, want 1", len(got))
	}
	if got := sc.ofType(t, "room_message"); len(got) != 1 {
		t.Errorf("C received %d room_message, want 1", len(got))
	}
}

func TestDescribe(t *testing.T) {
	h := newTestHub()
	a, _ := register(t, h)
	h.Join(a, "lobby")
	h.Join(a, "arena")
	h.SetUserID(a, "user-9")
	h.SetMetadata(a, "client", "cli")

	info, ok := h.Describe(a)
	if !ok {
		t.Fatal("Describe returned false for live connection")
	}
	if info.ID != a || info.UserID != "user-9" {
		t.Errorf("info = %+v", info)
	}
	if len(info.Rooms) != 2 || info.Rooms[0] != "arena" || info.Rooms[1] != "lobby" {
		t.Errorf("rooms = %v, want [arena lobby]", info.Rooms)
	}
	if info.Metadata["client"] != "cli" {
		t.Errorf("metadata = %v", info.Metadata)
	}

	if _, ok := h.Describe("conn_missing"); ok {
		t.Error("Describe returned true for unknown id")
	}
}

func TestDispatchEchoUnknownType(t *testing.T) {
	h := newTestHub()
	a, sa := register(t, h)
	_, sb := register(t, h)

	baseA := sa.count()
	baseB := sb.count()

	h.Dispatch(a, "foo", json.RawMessage(`{"x":1}`))

	if got := sa.count() - baseA; got != 1 {
		t.Fatalf("A received %d messages, want exactly 1 echo", got)
	}
	echo := sa.received(t)[baseA]
	if echo["type"] != "foo" {
		t.Errorf("echo type = %v, want foo", echo["type"])
	}
	payload, ok := echo["payload"].(map[string]any)
	if !ok || payload["x"] != float64(1) {
		t.Errorf("echo payload = %v, want {x:1}", echo["payload"])
	}
	if got := sb.count() - baseB; got != 0 {
		t.Errorf("other connection received %d messages, want 0", got)
	}
}

func TestDispatchCustomHandler(t *testing.T) {
	h := newTestHub()
	a, sa := register(t, h)

	var gotID ConnID
	var gotPayload json.RawMessage
	h.RegisterHandler("score", func(id ConnID, payload json.RawMessage) {
		gotID = id
		gotPayload = payload
	})

	base := sa.count()
	h.Dispatch(a, "score", json.RawMessage(`{"points":3}`))

	if gotID != a {
		t.Errorf("handler id = %s, want %s", gotID, a)
	}
	if string(gotPayload) != `{"points":3}` {
		t.Errorf("handler payload = %s", gotPayload)
	}
	if sa.count() != base {
		t.Error("handled event was also echoed")
	}
}

func TestRegisterHandlerReplaces(t *testing.T) {
	h := newTestHub()
	a, _ := register(t, h)

	called := ""
	h.RegisterHandler("score", func(ConnID, json.RawMessage) { called = "first" })
	h.RegisterHandler("score", func(ConnID, json.RawMessage) { called = "second" })

	h.Dispatch(a, "score", nil)
	if called != "second" {
		t.Errorf("called = %q, want second (last registration wins)", called)
	}
}

func TestBuiltinsNotOverridable(t *testing.T) {
	h := newTestHub()
	a, sa := register(t, h)

	called := false
	h.RegisterHandler(EventJoinRoom, func(ConnID, json.RawMessage) { called = true })

	h.Dispatch(a, EventJoinRoom, json.RawMessage(`{"room":"lobby"}`))

	if called {
		t.Error("custom handler shadowed a built-in event type")
	}
	if got := sa.ofType(t, "room_joined"); len(got) != 1 {
		t.Errorf("built-in join did not run, got %d room_joined", len(got))
	}
}

func TestHandlerPanicContained(t *testing.T) {
	h := newTestHub()
	a, sa := register(t, h)

	h.RegisterHandler("explode", func(ConnID, json.RawMessage) { panic("boom") })
	h.Dispatch(a, "explode", nil)

	// Hub must remain fully usable afterwards.
	h.Join(a, "lobby")
	if got := sa.ofType(t, "room_joined"); len(got) != 1 {
		t.Errorf("hub unusable after handler panic: %d room_joined", len(got))
	}
}

func TestHandleMessageMalformed(t *testing.T) {
	h := newTestHub()
	a, sa := register(t, h)
	_, sb := register(t, h)

	baseB := sb.count()
	h.HandleMessage(a, []byte("{not json"))

	errs := sa.ofType(t, "error")
	if len(errs) != 1 {
		t.Fatalf("A received %d error events, want 1", len(errs))
	}
	if sb.count() != baseB {
		t.Error("malformed envelope leaked to another connection")
	}
}

func TestHandleMessageMissingType(t *testing.T) {
	h := newTestHub()
	a, sa := register(t, h)

	h.HandleMessage(a, []byte(`{"payload":{"x":1}}`))

	if got := sa.ofType(t, "error"); len(got) != 1 {
		t.Errorf("A received %d error events, want 1", len(got))
	}
}

func TestHandleMessageBuiltins(t *testing.T) {
	h := newTestHub()
	a, sa := register(t, h)

	h.HandleMessage(a, []byte(`{"type":"heartbeat-ping"}`))
	if got := sa.ofType(t, "pong"); len(got) != 1 {
		t.Errorf("got %d pong, want 1", len(got))
	}

	h.HandleMessage(a, []byte(`{"type":"set-user-id","payload":{"userId":"u42"}}`))
	if got := sa.ofType(t, "user_set"); len(got) != 1 {
		t.Errorf("got %d user_set, want 1", len(got))
	}
	info, _ := h.Describe(a)
	if info.UserID != "u42" {
		t.Errorf("UserID = %q, want u42", info.UserID)
	}

	h.HandleMessage(a, []byte(`{"type":"join-room","payload":{"room":"lobby"}}`))
	b, sb := register(t, h)
	h.HandleMessage(b, []byte(`{"type":"join-room","payload":{"room":"lobby"}}`))
	h.HandleMessage(b, []byte(`{"type":"room-message","payload":{"room":"lobby","data":{"text":"hi"}}}`))

	msgs := sa.ofType(t, "room_message")
	if len(msgs) != 1 {
		t.Fatalf("A received %d room_message, want 1", len(msgs))
	}
	if got := sb.ofType(t, "room_message"); len(got) != 0 {
		t.Errorf("sender received its own room message %d times", len(got))
	}

	h.HandleMessage(b, []byte(`{"type":"broadcast-request","payload":{"data":{"all":true}}}`))
	if got := sa.ofType(t, "broadcast"); len(got) != 1 {
		t.Errorf("A received %d broadcast, want 1", len(got))
	}
	if got := sb.ofType(t, "broadcast"); len(got) != 0 {
		t.Errorf("broadcast sender received %d broadcast, want 0", len(got))
	}
}

// checkInvariant verifies bidirectional membership consistency under the
// hub lock: a connection lists a room iff the room lists the connection.
func checkInvariant(t *testing.T, h *Hub) {
	t.Helper()
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, c := range h.conns {
		for room := range c.rooms {
			members, ok := h.rooms[room]
			if !ok {
				t.Fatalf("conn %s lists room %q but the room does not exist", id, room)
			}
			if _, ok := members[id]; !ok {
				t.Fatalf("conn %s lists room %q but is not in its member set", id, room)
			}
		}
	}
	for room, members := range h.rooms {
		if len(members) == 0 {
			t.Fatalf("room %q exists with no members", room)
		}
		for id := range members {
			c, ok := h.conns[id]
			if !ok {
				t.Fatalf("room %q lists unregistered conn %s", room, id)
			}
			if _, ok := c.rooms[room]; !ok {
				t.Fatalf("room %q lists conn %s but the conn does not list the room", room, id)
			}
		}
	}
}

func TestInvariantUnderConcurrentOperations(t *testing.T) {
	h := newTestHub()

	const workers = 8
	const opsPerWorker = 500
	roomNames := []string{"alpha", "beta", "gamma", "delta"}

	ids := make([]ConnID, workers*4)
	for i := range ids {
		ids[i] = h.Register(&captureSender{})
	}

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for i := 0; i < opsPerWorker; i++ {
				id := ids[rng.Intn(len(ids))]
				room := roomNames[rng.Intn(len(roomNames))]
				switch rng.Intn(6) {
				case 0, 1:
					h.Join(id, room)
				case 2:
					h.Leave(id, room)
				case 3:
					h.SendToRoom(room, "x", id)
				case 4:
					h.Unregister(id)
				case 5:
					h.Stats()
				}
			}
		}(int64(w) + 1)
	}
	wg.Wait()

	checkInvariant(t, h)

	// Cleanup must drain every room.
	for _, id := range ids {
		h.Unregister(id)
	}
	checkInvariant(t, h)
	if rooms := h.Rooms(); len(rooms) != 0 {
		t.Errorf("Rooms() = %v after all connections unregistered, want empty", rooms)
	}
}

func TestStatsSnapshot(t *testing.T) {
	h := newTestHub()
	for i := 0; i < 3; i++ {
		id, _ := register(t, h)
		h.Join(id, "lobby")
		if i > 0 {
			h.Join(id, fmt.Sprintf("side-%d", i))
		}
	}

	s := h.Stats()
	if s.TotalConnections != 3 {
		t.Errorf("TotalConnections = %d, want 3", s.TotalConnections)
	}
	if s.TotalRooms != 3 {
		t.Errorf("TotalRooms = %d, want 3", s.TotalRooms)
	}
	if s.Rooms["lobby"] != 3 {
		t.Errorf("lobby members = %d, want 3", s.Rooms["lobby"])
	}
}
