package server_test

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/parleymsg/parley/internal/auth"
	"github.com/parleymsg/parley/internal/server"
	"github.com/parleymsg/parley/internal/storage/sqlite"
)

const brokerTestSecret = "integration-test-secret"

// testBroker bundles a fully wired broker: SQLite store, verifier, running
// hub, and an HTTP test server exposing the real routes.
type testBroker struct {
	ts       *httptest.Server
	hub      *server.Hub
	store    *sqlite.Store
	verifier *auth.Verifier
}

// newTestBroker starts a complete broker against a temporary database and
// registers cleanup in reverse dependency order.
func newTestBroker(t *testing.T, customize func(cfg *server.Config)) *testBroker {
	t.Helper()

	store, err := sqlite.Open(filepath.Join(t.TempDir(), "broker.db"))
	if err != nil {
		t.Fatalf("Failed to open test store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	verifier, err := auth.NewVerifier(brokerTestSecret)
	if err != nil {
		t.Fatalf("Failed to create verifier: %v", err)
	}

	hub := server.NewHub(store, verifier)
	go hub.Run()
	t.Cleanup(func() {
		if err := hub.Shutdown(2 * time.Second); err != nil {
			t.Errorf("Hub shutdown failed: %v", err)
		}
	})

	ts := httptest.NewServer(server.SetupRoutes(hub))
	t.Cleanup(ts.Close)

	cfg := server.NewConfig()
	cfg.AllowedOrigins = append([]string{ts.URL}, cfg.AllowedOrigins...)
	if customize != nil {
		customize(cfg)
	}
	server.SetConfig(cfg)
	t.Cleanup(func() { server.SetConfig(nil) })

	return &testBroker{ts: ts, hub: hub, store: store, verifier: verifier}
}

func (b *testBroker) wsURL(t *testing.T) string {
	t.Helper()
	u, err := url.Parse(b.ts.URL)
	if err != nil {
		t.Fatalf("Failed to parse test server URL: %v", err)
	}
	u.Scheme = "ws"
	u.Path = "/ws"
	return u.String()
}

// dial opens a WebSocket connection with an allowed origin header.
func (b *testBroker) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(b.wsURL(t), newOriginHeader(b.ts.URL))
	if resp != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("Failed to connect to WebSocket: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// credential mints a signed credential accepted by this broker's verifier.
func (b *testBroker) credential(t *testing.T, identity auth.Identity) string {
	t.Helper()
	credential, err := b.verifier.Sign(identity, time.Hour)
	if err != nil {
		t.Fatalf("Failed to sign credential: %v", err)
	}
	return credential
}

func newOriginHeader(origin string) http.Header {
	header := http.Header{}
	if origin != "" {
		header.Set("Origin", origin)
	}
	return header
}

func sendCommand(t *testing.T, conn *websocket.Conn, cmd server.Command) {
	t.Helper()
	if err := conn.WriteJSON(cmd); err != nil {
		t.Fatalf("Failed to send %s command: %v", cmd.Type, err)
	}
}

func readEvent(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("Failed to set read deadline: %v", err)
	}
	var event map[string]any
	if err := conn.ReadJSON(&event); err != nil {
		t.Fatalf("Failed to read event: %v", err)
	}
	return event
}

func expectEventType(t *testing.T, conn *websocket.Conn, wantType string) map[string]any {
	t.Helper()
	event := readEvent(t, conn)
	if event["type"] != wantType {
		t.Fatalf("Expected event type %q, got %v", wantType, event)
	}
	return event
}

// expectNoEvent asserts that nothing arrives within the window. A read
// deadline failure is permanent on a gorilla connection, so this must be the
// last read performed on conn.
func expectNoEvent(t *testing.T, conn *websocket.Conn, timeout time.Duration) {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		t.Fatalf("Failed to set read deadline: %v", err)
	}
	_, payload, err := conn.ReadMessage()
	if err == nil {
		t.Fatalf("Expected no event, but received %s", payload)
	}
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return
	}
	t.Fatalf("Unexpected error while waiting for absence of events: %v", err)
}

// authenticateConn completes the handshake on a live connection and drains
// the auth_ok and rooms acknowledgements.
func authenticateConn(t *testing.T, b *testBroker, conn *websocket.Conn, identity auth.Identity) {
	t.Helper()
	sendCommand(t, conn, server.Command{
		Type:       server.CommandAuthenticate,
		Credential: b.credential(t, identity),
	})
	authOK := expectEventType(t, conn, server.EventAuthOK)
	if authOK["user_id"] != identity.UserID {
		t.Fatalf("Expected auth_ok for %s, got %v", identity.UserID, authOK["user_id"])
	}
	expectEventType(t, conn, server.EventRooms)
}

// joinRoom sends a join command and reads events until the room_joined
// acknowledgement, returning any history replayed along the way.
func joinRoom(t *testing.T, conn *websocket.Conn, roomID string) []map[string]any {
	t.Helper()
	sendCommand(t, conn, server.Command{Type: server.CommandJoinRoom, RoomID: roomID})

	var history []map[string]any
	for {
		event := readEvent(t, conn)
		switch event["type"] {
		case server.EventHistoryMessage:
			history = append(history, event)
		case server.EventRoomJoined:
			if event["room_id"] != roomID {
				t.Fatalf("Expected room_joined for %s, got %v", roomID, event["room_id"])
			}
			return history
		default:
			t.Fatalf("Unexpected event while joining room: %v", event)
		}
	}
}

// waitForStoredMessages polls the store until the room has at least want
// persisted messages. Persistence is asynchronous with delivery.
func waitForStoredMessages(t *testing.T, store *sqlite.Store, roomID string, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		msgs, err := store.RecentMessages(context.Background(), roomID, want+1)
		if err == nil && len(msgs) >= want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %d stored messages in room %s", want, roomID)
}
