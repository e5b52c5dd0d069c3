// Package server coordinates session registration, room fan-out, and
// connection cleanup for the broker via the Hub type.
package server

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/parleymsg/parley/internal/auth"
	"github.com/parleymsg/parley/internal/storage"
)

// storeTimeout bounds every persistence call made from connection handlers
// and maintenance loops.
const storeTimeout = 5 * time.Second

// Hub owns the session registry and runs the lifecycle loop that serializes
// registration, unregistration, and room broadcasts. It also carries the
// collaborators the dispatcher calls into: the identity verifier and the
// persistence store.
type Hub struct {
	registry   *Registry
	broadcast  chan RoomBroadcast
	register   chan *Session
	unregister chan *Session
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}

	store    storage.Store
	verifier *auth.Verifier
}

// NewHub creates a Hub wired to the given collaborators. The returned Hub is
// ready to manage sessions once Run is started.
func NewHub(store storage.Store, verifier *auth.Verifier) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		registry:   NewRegistry(),
		broadcast:  make(chan RoomBroadcast),
		register:   make(chan *Session),
		unregister: make(chan *Session),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		store:      store,
		verifier:   verifier,
	}
}

// Registry exposes the hub's session registry for snapshot consumers (the
// reaper and the stats endpoint).
func (h *Hub) Registry() *Registry {
	return h.registry
}

// Run starts the hub's main event loop, handling session registration,
// unregistration, and room broadcasting. This method should be called in a
// separate goroutine as it runs indefinitely.
func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownSessions()
			return

		case session := <-h.register:
			if session == nil {
				log.Printf("Received nil session registration; skipping")
				continue
			}

			if err := h.registry.Register(session); err != nil {
				log.Printf("Session registration rejected: %v", err)
				if session.conn != nil {
					_ = session.conn.Close()
				}
				continue
			}
			log.Printf("Session %s registered from %s. Total sessions: %d",
				session.id, session.addr, h.registry.Len())

			h.wg.Add(2)
			go func() {
				defer h.wg.Done()
				session.writePump()
			}()
			go func() {
				defer h.wg.Done()
				session.readPump()
			}()

		case session := <-h.unregister:
			if removed, ok := h.registry.Unregister(session.id); ok {
				// Close the channel after the registry released its lock.
				close(removed.send)
				log.Printf("Session %s unregistered from %s. Total sessions: %d",
					session.id, session.addr, h.registry.Len())
			}

		case rb := <-h.broadcast:
			h.handleBroadcast(rb)
		}
	}
}

// BroadcastEvent marshals an event and queues it for fan-out to every
// authenticated session in the room, minus the excluded session if any.
// Delivery to each member preserves the order broadcasts were queued in.
func (h *Hub) BroadcastEvent(roomID string, event any, excludeSessionID string) {
	payload, err := json.Marshal(event)
	if err != nil {
		log.Printf("Error encoding broadcast for room %s: %v", roomID, err)
		return
	}
	select {
	case h.broadcast <- RoomBroadcast{RoomID: roomID, Payload: payload, ExcludeSessionID: excludeSessionID}:
	case <-h.ctx.Done():
	}
}

// handleBroadcast fans one payload out to the room's current membership.
// Membership is derived from a fresh registry snapshot; the sends happen
// outside the registry lock, so one stalled recipient cannot block others.
func (h *Hub) handleBroadcast(rb RoomBroadcast) {
	members := h.registry.SnapshotRoom(rb.RoomID)

	var failed []*Session
	delivered := 0
	for _, member := range members {
		if rb.ExcludeSessionID != "" && member.id == rb.ExcludeSessionID {
			continue
		}
		if h.registry.Send(member, rb.Payload) {
			delivered++
		} else {
			failed = append(failed, member)
		}
	}

	if len(failed) > 0 {
		log.Printf("Broadcast to room %s delivered to %d members, %d failed",
			rb.RoomID, delivered, len(failed))
	}
	h.removeFailedSessions(failed)
}

// removeFailedSessions unregisters sessions whose send queues were
// unavailable during fan-out and closes their channels.
func (h *Hub) removeFailedSessions(failed []*Session) {
	for _, session := range failed {
		if removed, ok := h.registry.Unregister(session.id); ok {
			close(removed.send)
			log.Printf("Session %s from %s removed due to full send queue",
				session.id, session.addr)
		}
	}
}

// persistMessage hands a message to the store in a supervised goroutine.
// Persistence failure is logged, never surfaced to the sender: the message
// already went out live.
func (h *Hub) persistMessage(msg storage.ChatMessage) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()
		if err := h.store.SaveMessage(ctx, msg); err != nil {
			log.Printf("Message persistence failed for %s in room %s: %v", msg.ID, msg.RoomID, err)
		}
	}()
}

// Stats summarizes the live session population for the stats endpoint.
type Stats struct {
	ActiveSessions        int `json:"active_sessions"`
	AuthenticatedSessions int `json:"authenticated_sessions"`
	Rooms                 int `json:"rooms"`
}

// Stats computes a point-in-time summary from a registry snapshot.
func (h *Hub) Stats() Stats {
	sessions := h.registry.Snapshot()

	stats := Stats{ActiveSessions: len(sessions)}
	rooms := make(map[string]struct{})
	for _, s := range sessions {
		if !s.IsAuthenticated() {
			continue
		}
		stats.AuthenticatedSessions++
		if roomID := s.RoomID(); roomID != "" {
			rooms[roomID] = struct{}{}
		}
	}
	stats.Rooms = len(rooms)
	return stats
}

// shutdownSessions gracefully closes all active session connections. Each
// session is unregistered and its send queue closed so the write pump drains
// and exits immediately instead of waiting out its ping interval.
func (h *Hub) shutdownSessions() {
	sessions := h.registry.Snapshot()
	log.Printf("Shutting down %d session connections...", len(sessions))

	for _, session := range sessions {
		if session.conn != nil {
			_ = session.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(time.Second),
			)
		}
		if removed, ok := h.registry.Unregister(session.id); ok {
			close(removed.send)
		}
		if session.conn != nil {
			if err := session.conn.Close(); err != nil {
				if !isExpectedCloseError(err) {
					log.Printf("Error closing session connection from %s: %v", session.addr, err)
				}
			}
		}
	}

	log.Printf("Closed %d session connections", len(sessions))
}

// Shutdown initiates graceful shutdown of the hub and waits for all session
// goroutines to complete. It returns after all connections are closed and
// goroutines have finished, or when the timeout is reached.
func (h *Hub) Shutdown(timeout time.Duration) error {
	log.Println("Initiating hub shutdown...")

	h.cancel()

	// Wait for Run() to complete
	<-h.done

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Println("Hub shutdown completed successfully")
		return nil
	case <-time.After(timeout):
		log.Println("Hub shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}
