// Package server manages individual connection sessions, handling read/write
// pumps, inbound rate limiting, and per-session state for each connection.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/parleymsg/parley/internal/auth"
)

// Session represents one live connection in the broker. It owns the
// underlying transport exclusively: the read pump is the only reader and the
// write pump, fed by the send queue, is the only writer. Identity, room, and
// activity state are mutated only by the owning read loop and published
// through the session mutex for the hub and reaper to read.
type Session struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	hub  *Hub
	addr string
	// closed is guarded by the registry lock.
	closed         bool
	maxMessageSize int64
	limiter        *rate.Limiter

	mu            sync.RWMutex
	identity      auth.Identity
	authenticated bool
	roomID        string
	lastActivity  time.Time
}

// NewSession creates a Session for an accepted connection. The session id is
// generated here; the send queue is buffered so broadcasts never block on a
// slow recipient.
func NewSession(conn *websocket.Conn, hub *Hub, addr string) *Session {
	cfg := currentConfig()
	if conn != nil {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}

	return &Session{
		id:             uuid.NewString(),
		conn:           conn,
		send:           make(chan []byte, 256),
		hub:            hub,
		addr:           addr,
		closed:         false,
		maxMessageSize: cfg.MaxMessageSize,
		limiter:        rate.NewLimiter(rate.Limit(cfg.MessageRate), cfg.MessageBurst),
		lastActivity:   time.Now(),
	}
}

// ID returns the session's generated identifier.
func (s *Session) ID() string {
	return s.id
}

// Addr returns the remote address the session connected from.
func (s *Session) Addr() string {
	return s.addr
}

// IsAuthenticated reports whether the handshake has completed for this
// session.
func (s *Session) IsAuthenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.authenticated
}

// Identity returns the verified identity bound to the session and whether
// one is bound.
func (s *Session) Identity() (auth.Identity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identity, s.authenticated
}

// RoomID returns the room the session currently occupies, or empty.
func (s *Session) RoomID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.roomID
}

// LastActivity returns the time of the last inbound frame.
func (s *Session) LastActivity() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActivity
}

// bindIdentity binds a verified identity and flips the authenticated flag.
// The flag is monotonic: on a session that already authenticated the call is
// rejected and nothing changes.
func (s *Session) bindIdentity(identity auth.Identity) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.authenticated {
		return false
	}
	s.identity = identity
	s.authenticated = true
	return true
}

// setRoom records the single room the session occupies.
func (s *Session) setRoom(roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roomID = roomID
}

// touch refreshes the activity timestamp consulted by the reaper.
func (s *Session) touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = time.Now()
}

// sendEvent marshals an outbound event and enqueues it on this session's
// send queue through the registry, so a session torn down mid-call is a
// dropped event, never a panic.
func (s *Session) sendEvent(event any) {
	payload, err := json.Marshal(event)
	if err != nil {
		log.Printf("Error encoding event for session %s: %v", s.id, err)
		return
	}
	if !s.hub.registry.Send(s, payload) {
		log.Printf("Dropped event for session %s (%s): send queue unavailable", s.id, s.addr)
	}
}

// setupReadConnection configures read deadlines and pong handler for the connection
func (s *Session) setupReadConnection() {
	if err := s.conn.SetReadDeadline(time.Now().Add(60 * time.Second)); err != nil {
		log.Printf("Error setting initial read deadline for %s: %v", s.addr, err)
	}
	s.conn.SetPongHandler(func(string) error {
		if err := s.conn.SetReadDeadline(time.Now().Add(60 * time.Second)); err != nil {
			log.Printf("Error setting read deadline in pong handler for %s: %v", s.addr, err)
		}
		return nil
	})
}

// handleReadError logs appropriate error messages based on the error type
// and returns true if the read loop should break
func (s *Session) handleReadError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, websocket.ErrReadLimit) {
		log.Printf("Frame from %s exceeded maximum size of %d bytes", s.addr, s.maxMessageSize)
		return true
	}

	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure) {
		log.Printf("Session %s disconnected: %v", s.id, err)
		return true
	}

	if errors.Is(err, io.EOF) || isExpectedCloseError(err) {
		log.Printf("Session %s connection closed: %v", s.id, err)
		return true
	}

	if websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseMessageTooBig) {
		log.Printf("Unexpected WebSocket error from %s: %v", s.addr, err)
		return true
	}

	log.Printf("WebSocket read error from %s: %v", s.addr, err)
	return true
}

// allowFrame charges one inbound frame against the session's rate limiter
// and returns true if the frame may be dispatched.
func (s *Session) allowFrame() bool {
	if s.limiter != nil && !s.limiter.Allow() {
		log.Printf("Rate limit exceeded for session %s (%s); rejecting frame", s.id, s.addr)
		return false
	}
	return true
}

// markOffline records the identity as offline in the store. Best-effort:
// failures are logged, never propagated.
func (s *Session) markOffline() {
	identity, ok := s.Identity()
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := s.hub.store.SetPresence(ctx, identity.UserID, false); err != nil {
		log.Printf("Presence update failed for user %s: %v", identity.UserID, err)
	}
}

// teardown is the single exit obligation of the read loop: hand the session
// back to the hub, record the identity offline, and close the transport. It
// runs on every exit path, including reaper-initiated closes.
func (s *Session) teardown() {
	select {
	case s.hub.unregister <- s:
	case <-s.hub.ctx.Done():
		// The hub is shutting down and tears down every session itself.
	}
	s.markOffline()
	if err := s.conn.Close(); err != nil {
		if !isExpectedCloseError(err) {
			log.Printf("Error closing connection in read loop: %v", err)
		}
	}
}

func (s *Session) readPump() {
	defer s.teardown()

	s.setupReadConnection()

	for {
		_, rawMessage, err := s.conn.ReadMessage()
		if err != nil {
			if s.handleReadError(err) {
				break
			}
			continue
		}

		s.touch()

		if !s.allowFrame() {
			s.sendEvent(newErrorEvent(ReasonRateLimited))
			continue
		}

		s.dispatch(rawMessage)
	}
}

func (s *Session) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		s.closeConnection()
	}()

	for s.processWriteEvent(ticker) {
	}
}

// processWriteEvent waits for the next write event and returns false when the
// pump should stop processing.
func (s *Session) processWriteEvent(ticker *time.Ticker) bool {
	select {
	case payload, ok := <-s.send:
		return s.handleOutbound(payload, ok)
	case <-ticker.C:
		return s.handlePing()
	}
}

// closeConnection safely closes the connection with proper error handling
func (s *Session) closeConnection() {
	if err := s.conn.Close(); err != nil {
		if !isExpectedCloseError(err) {
			log.Printf("Error closing connection in write loop: %v", err)
		}
	}
}

// handleOutbound writes one outbound payload and returns false if the
// connection should be closed
func (s *Session) handleOutbound(payload []byte, ok bool) bool {
	if err := s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
		log.Printf("Error setting write deadline for %s: %v", s.addr, err)
		return false
	}

	if !ok {
		return s.writeCloseMessage()
	}

	return s.writeTextMessage(payload)
}

// writeCloseMessage sends a close message to the client
func (s *Session) writeCloseMessage() bool {
	if err := s.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil {
		if !isExpectedCloseError(err) {
			log.Printf("Error writing close message to %s: %v", s.addr, err)
		}
	}
	return false
}

// writeTextMessage writes one event as one text frame. Events are never
// coalesced: clients rely on one JSON document per frame.
func (s *Session) writeTextMessage(payload []byte) bool {
	if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		if !isExpectedCloseError(err) {
			log.Printf("Error writing message to %s: %v", s.addr, err)
		}
		return false
	}
	return true
}

// handlePing sends a ping message to keep the connection alive
func (s *Session) handlePing() bool {
	if err := s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
		log.Printf("Error setting write deadline for ping to %s: %v", s.addr, err)
		return false
	}
	if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		if !isExpectedCloseError(err) {
			log.Printf("Error writing ping message to %s: %v", s.addr, err)
		}
		return false
	}
	return true
}
