package server_test

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/parleymsg/parley/internal/auth"
	"github.com/parleymsg/parley/internal/server"
	"github.com/parleymsg/parley/internal/storage"
)

func expectConnectionClosed(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("Failed to set read deadline: %v", err)
	}
	_, _, err := conn.ReadMessage()
	if err == nil {
		t.Fatal("Expected connection to be closed")
	}
	if closeErr, ok := err.(*websocket.CloseError); ok && closeErr.Code != websocket.CloseGoingAway {
		t.Errorf("Expected going away close code, got %v", closeErr)
	}
}

// TestIdleSessionsAreReaped verifies the idle sweep: an active session
// survives, an idle one is evicted with a going-away close, and the registry
// is cleaned up through the normal teardown path.
func TestIdleSessionsAreReaped(t *testing.T) {
	broker := newTestBroker(t, nil)

	conn := broker.dial(t)
	authenticateConn(t, broker, conn, auth.Identity{UserID: "user-1", Username: "ada"})
	joinRoom(t, conn, storage.DefaultRoomID)

	reaper := server.NewReaper(broker.hub, time.Hour, time.Minute)

	// A sweep while the session is fresh leaves it untouched.
	reaper.Sweep(time.Now())
	joinRoom(t, conn, storage.DefaultRoomID)

	// A sweep past the idle threshold evicts it.
	reaper.Sweep(time.Now().Add(2 * time.Minute))
	expectConnectionClosed(t, conn)

	deadline := time.Now().Add(2 * time.Second)
	for broker.hub.Registry().Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("Expected registry to empty after eviction, got %d sessions", broker.hub.Registry().Len())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// TestHubShutdownClosesClients verifies that shutdown closes every live
// connection and returns within its timeout.
func TestHubShutdownClosesClients(t *testing.T) {
	broker := newTestBroker(t, nil)

	authenticated := broker.dial(t)
	authenticateConn(t, broker, authenticated, auth.Identity{UserID: "user-1", Username: "ada"})

	anonymous := broker.dial(t)

	if err := broker.hub.Shutdown(3 * time.Second); err != nil {
		t.Fatalf("Hub shutdown failed: %v", err)
	}

	expectConnectionClosed(t, authenticated)
	expectConnectionClosed(t, anonymous)
}

// TestStatsEndpointCountsSessions verifies that the stats endpoint reflects
// the live session population.
func TestStatsEndpointCountsSessions(t *testing.T) {
	broker := newTestBroker(t, nil)

	authenticated := broker.dial(t)
	authenticateConn(t, broker, authenticated, auth.Identity{UserID: "user-1", Username: "ada"})
	joinRoom(t, authenticated, storage.DefaultRoomID)

	broker.dial(t)

	want := map[string]float64{
		"active_sessions":        2,
		"authenticated_sessions": 1,
		"rooms":                  1,
	}

	deadline := time.Now().Add(2 * time.Second)
	var last map[string]any
	for {
		resp, err := http.Get(broker.ts.URL + "/stats")
		if err != nil {
			t.Fatalf("Failed to request stats: %v", err)
		}
		var stats map[string]any
		decodeErr := json.NewDecoder(resp.Body).Decode(&stats)
		_ = resp.Body.Close()
		if decodeErr != nil {
			t.Fatalf("Failed to decode stats: %v", decodeErr)
		}

		matched := true
		for key, value := range want {
			if stats[key] != value {
				matched = false
				break
			}
		}
		if matched {
			return
		}
		last = stats
		if time.Now().After(deadline) {
			t.Fatalf("Stats never reached %v, last seen %v", want, last)
		}
		time.Sleep(20 * time.Millisecond)
	}
}
