package server

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/parleymsg/parley/internal/auth"
	"github.com/parleymsg/parley/internal/storage"
)

// stubStore is an in-memory storage.Store for white-box tests. It records
// every mutation so tests can assert on persistence side effects without a
// database.
type stubStore struct {
	mu          sync.Mutex
	users       map[string]storage.User
	presence    map[string]bool
	typing      map[string]bool
	memberships map[string]map[string]bool
	rooms       map[string]storage.Room
	history     map[string][]storage.ChatMessage
	saved       []storage.ChatMessage
	purgeCutoff time.Time

	joinErr  error
	roomsErr error
}

func newStubStore() *stubStore {
	s := &stubStore{
		users:       make(map[string]storage.User),
		presence:    make(map[string]bool),
		typing:      make(map[string]bool),
		memberships: make(map[string]map[string]bool),
		rooms:       make(map[string]storage.Room),
		history:     make(map[string][]storage.ChatMessage),
	}
	s.rooms[storage.DefaultRoomID] = storage.Room{
		ID:        storage.DefaultRoomID,
		Name:      "General Chat",
		Type:      "group",
		CreatedAt: time.Now().UTC(),
	}
	return s
}

func (s *stubStore) SaveMessage(_ context.Context, msg storage.ChatMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, msg)
	return nil
}

func (s *stubStore) RecentMessages(_ context.Context, roomID string, limit int) ([]storage.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.history[roomID]
	if len(msgs) > limit {
		msgs = msgs[:limit]
	}
	return append([]storage.ChatMessage(nil), msgs...), nil
}

func (s *stubStore) SyncUser(_ context.Context, user storage.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[user.ID] = user
	return nil
}

func (s *stubStore) SetPresence(_ context.Context, userID string, online bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.presence[userID] = online
	return nil
}

func (s *stubStore) SetTyping(_ context.Context, roomID, userID string, typing bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if typing {
		s.typing[roomID+"/"+userID] = true
	} else {
		delete(s.typing, roomID+"/"+userID)
	}
	return nil
}

func (s *stubStore) PurgeExpiredTyping(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purgeCutoff = cutoff
	purged := len(s.typing)
	s.typing = make(map[string]bool)
	return purged, nil
}

func (s *stubStore) CanJoin(_ context.Context, _, roomID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.joinErr != nil {
		return false, s.joinErr
	}
	if _, ok := s.rooms[roomID]; !ok {
		return false, storage.ErrRoomNotFound
	}
	return true, nil
}

func (s *stubStore) EnsureDefaultMembership(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.memberships[userID] == nil {
		s.memberships[userID] = make(map[string]bool)
	}
	s.memberships[userID][storage.DefaultRoomID] = true
	return nil
}

func (s *stubStore) RoomsForUser(_ context.Context, userID string) ([]storage.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.roomsErr != nil {
		return nil, s.roomsErr
	}
	var rooms []storage.Room
	for roomID := range s.memberships[userID] {
		if room, ok := s.rooms[roomID]; ok {
			rooms = append(rooms, room)
		}
	}
	return rooms, nil
}

func (s *stubStore) addRoom(room storage.Room) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms[room.ID] = room
}

func (s *stubStore) addHistory(roomID string, msgs ...storage.ChatMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history[roomID] = append(s.history[roomID], msgs...)
}

func (s *stubStore) savedMessages() []storage.ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]storage.ChatMessage(nil), s.saved...)
}

func (s *stubStore) presenceOf(userID string) (bool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	online, ok := s.presence[userID]
	return online, ok
}

func (s *stubStore) userSynced(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.users[userID]
	return ok
}

func (s *stubStore) typingSet(roomID, userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.typing[roomID+"/"+userID]
}

func (s *stubStore) enrolled(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.memberships[userID][storage.DefaultRoomID]
}

func (s *stubStore) lastPurgeCutoff() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.purgeCutoff
}

var _ storage.Store = (*stubStore)(nil)

// newTestHub builds a running hub backed by a stubStore and registers
// cleanup for both the hub and the process config.
func newTestHub(t *testing.T) (*Hub, *stubStore) {
	t.Helper()
	SetConfig(nil)
	t.Cleanup(func() { SetConfig(nil) })

	store := newStubStore()
	verifier, err := auth.NewVerifier("hub-test-secret")
	if err != nil {
		t.Fatalf("Failed to create verifier: %v", err)
	}

	hub := NewHub(store, verifier)
	go hub.Run()
	t.Cleanup(func() {
		if err := hub.Shutdown(2 * time.Second); err != nil {
			t.Errorf("Hub shutdown failed: %v", err)
		}
	})
	return hub, store
}

// newRegisteredSession creates a session without a transport and registers it
// directly, bypassing the pumps so tests can inspect the send queue.
func newRegisteredSession(t *testing.T, hub *Hub) *Session {
	t.Helper()
	s := NewSession(nil, hub, "test-addr")
	if err := hub.registry.Register(s); err != nil {
		t.Fatalf("Failed to register session: %v", err)
	}
	return s
}

func mintCredential(t *testing.T, hub *Hub, identity auth.Identity) string {
	t.Helper()
	credential, err := hub.verifier.Sign(identity, time.Hour)
	if err != nil {
		t.Fatalf("Failed to sign credential: %v", err)
	}
	return credential
}

func mustCommand(t *testing.T, cmd Command) []byte {
	t.Helper()
	payload, err := json.Marshal(cmd)
	if err != nil {
		t.Fatalf("Failed to marshal command: %v", err)
	}
	return payload
}

// nextEvent pops one queued outbound event from a session's send queue and
// decodes it.
func nextEvent(t *testing.T, s *Session) map[string]any {
	t.Helper()
	select {
	case payload, ok := <-s.send:
		if !ok {
			t.Fatal("Send queue closed while waiting for event")
		}
		var event map[string]any
		if err := json.Unmarshal(payload, &event); err != nil {
			t.Fatalf("Failed to decode event %s: %v", payload, err)
		}
		return event
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for event")
	}
	return nil
}

func expectEvent(t *testing.T, s *Session, wantType string) map[string]any {
	t.Helper()
	event := nextEvent(t, s)
	if event["type"] != wantType {
		t.Fatalf("Expected event type %q, got %v", wantType, event["type"])
	}
	return event
}

func expectErrorEvent(t *testing.T, s *Session, wantReason string) {
	t.Helper()
	event := expectEvent(t, s, EventError)
	if event["reason"] != wantReason {
		t.Errorf("Expected error reason %q, got %v", wantReason, event["reason"])
	}
}

// expectQuiet asserts that no event arrives on the session's send queue
// within the wait window.
func expectQuiet(t *testing.T, s *Session, wait time.Duration) {
	t.Helper()
	select {
	case payload, ok := <-s.send:
		if ok {
			t.Fatalf("Expected no event, got %s", payload)
		}
		t.Fatal("Expected no event, but send queue was closed")
	case <-time.After(wait):
	}
}

// authenticateSession completes the handshake for a bare test session and
// drains the auth_ok and rooms acknowledgements.
func authenticateSession(t *testing.T, s *Session, identity auth.Identity) {
	t.Helper()
	s.dispatch(mustCommand(t, Command{
		Type:       CommandAuthenticate,
		Credential: mintCredential(t, s.hub, identity),
	}))
	expectEvent(t, s, EventAuthOK)
	expectEvent(t, s, EventRooms)
}

// waitFor polls cond until it holds or the timeout elapses.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, format string, args ...any) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf(format, args...)
}
