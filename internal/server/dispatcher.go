// Package server routes each inbound frame to its operation: the auth
// handshake, room joins, message sends, or typing updates. Dispatch runs on
// the session's own read loop, so session state is only ever mutated
// single-threaded.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/parleymsg/parley/internal/auth"
	"github.com/parleymsg/parley/internal/storage"
)

// dispatch decodes one inbound frame and routes it. Every command except
// authenticate is gated on a completed handshake.
func (s *Session) dispatch(raw []byte) {
	var cmd Command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		log.Printf("Malformed frame from session %s: %v", s.id, err)
		s.sendEvent(newErrorEvent(ReasonProcessingFailed))
		return
	}

	if cmd.Type != CommandAuthenticate && !s.IsAuthenticated() {
		s.sendEvent(newErrorEvent(ReasonAuthRequired))
		return
	}

	switch cmd.Type {
	case CommandAuthenticate:
		s.handleAuthenticate(cmd)
	case CommandJoinRoom:
		s.handleJoinRoom(cmd)
	case CommandSendMessage:
		s.handleSendMessage(cmd)
	case CommandTyping:
		s.handleTyping(cmd)
	default:
		s.sendEvent(newErrorEvent(ReasonUnrecognized))
	}
}

// handleAuthenticate runs the handshake: verify the credential, bind the
// identity exactly once, sync it to the store, and acknowledge with auth_ok
// followed by the identity's room list. Verification failure leaves the
// session unauthenticated and free to retry.
func (s *Session) handleAuthenticate(cmd Command) {
	if s.IsAuthenticated() {
		s.sendEvent(newErrorEvent(ReasonAlreadyAuthenticated))
		return
	}

	credential := strings.TrimSpace(cmd.Credential)
	if credential == "" {
		s.sendEvent(AuthFailedEvent{Type: EventAuthFailed, Reason: ReasonCredentialRequired})
		return
	}

	identity, err := s.hub.verifier.Verify(credential)
	if err != nil {
		log.Printf("Credential rejected for session %s: %v", s.id, err)
		s.sendEvent(AuthFailedEvent{Type: EventAuthFailed, Reason: ReasonInvalidCredential})
		return
	}

	if !s.bindIdentity(identity) {
		s.sendEvent(newErrorEvent(ReasonAlreadyAuthenticated))
		return
	}
	log.Printf("Session %s authenticated as %s (%s)", s.id, identity.Username, identity.UserID)

	s.syncIdentity(identity)

	s.sendEvent(AuthOKEvent{Type: EventAuthOK, UserID: identity.UserID, Username: identity.Username})
	s.sendRoomsList(identity)
}

// syncIdentity records the authenticated identity in the store: user upsert,
// default-room enrollment for this identity only, and presence online. All
// three are best-effort; a store failure never fails the handshake.
func (s *Session) syncIdentity(identity auth.Identity) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	user := storage.User{
		ID:          identity.UserID,
		Username:    identity.Username,
		DisplayName: identity.DisplayName,
		Email:       identity.Email,
	}
	if err := s.hub.store.SyncUser(ctx, user); err != nil {
		log.Printf("User sync failed for %s: %v", identity.UserID, err)
	}
	if err := s.hub.store.EnsureDefaultMembership(ctx, identity.UserID); err != nil {
		log.Printf("Default room enrollment failed for %s: %v", identity.UserID, err)
	}
	if err := s.hub.store.SetPresence(ctx, identity.UserID, true); err != nil {
		log.Printf("Presence update failed for user %s: %v", identity.UserID, err)
	}
}

// sendRoomsList pushes the rooms the identity belongs to. Best-effort: on a
// directory failure the event is skipped, not faked empty.
func (s *Session) sendRoomsList(identity auth.Identity) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	rooms, err := s.hub.store.RoomsForUser(ctx, identity.UserID)
	if err != nil {
		log.Printf("Room listing failed for %s: %v", identity.UserID, err)
		return
	}

	event := RoomsEvent{Type: EventRooms, Rooms: make([]RoomInfo, 0, len(rooms))}
	for _, room := range rooms {
		event.Rooms = append(event.Rooms, RoomInfo{RoomID: room.ID, Name: room.Name, Type: room.Type})
	}
	s.sendEvent(event)
}

// handleJoinRoom authorizes the join, replays recent history to the joining
// session, records the room, acknowledges, and announces the member to the
// rest of the room. Replay completes (or fails) before the acknowledgement.
func (s *Session) handleJoinRoom(cmd Command) {
	roomID := strings.TrimSpace(cmd.RoomID)
	if roomID == "" {
		s.sendEvent(newErrorEvent(ReasonRoomRequired))
		return
	}
	identity, _ := s.Identity()

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	allowed, err := s.hub.store.CanJoin(ctx, identity.UserID, roomID)
	if err != nil {
		if errors.Is(err, storage.ErrRoomNotFound) {
			s.sendEvent(newErrorEvent(ReasonRoomNotFound))
			return
		}
		log.Printf("Join authorization failed for session %s room %s: %v", s.id, roomID, err)
		s.sendEvent(newErrorEvent(ReasonProcessingFailed))
		return
	}
	if !allowed {
		s.sendEvent(newErrorEvent(ReasonAccessDenied))
		return
	}

	s.replayHistory(ctx, roomID)
	s.setRoom(roomID)
	s.sendEvent(RoomJoinedEvent{Type: EventRoomJoined, RoomID: roomID})
	log.Printf("Session %s joined room %s", s.id, roomID)

	s.hub.BroadcastEvent(roomID, MemberJoinedEvent{
		Type:     EventMemberJoined,
		RoomID:   roomID,
		UserID:   identity.UserID,
		Username: identity.Username,
	}, s.id)
}

// replayHistory delivers the room's recent messages, oldest first, to this
// session only, tagged history_message. A replay failure is logged and the
// join proceeds.
func (s *Session) replayHistory(ctx context.Context, roomID string) {
	limit := currentConfig().HistoryLimit
	msgs, err := s.hub.store.RecentMessages(ctx, roomID, limit)
	if err != nil {
		log.Printf("History replay failed for session %s room %s: %v", s.id, roomID, err)
		return
	}

	// The store returns newest first; deliver in chronological order.
	for i := len(msgs) - 1; i >= 0; i-- {
		msg := msgs[i]
		s.sendEvent(MessageEvent{
			Type:       EventHistoryMessage,
			MessageID:  msg.ID,
			RoomID:     msg.RoomID,
			SenderID:   msg.SenderID,
			SenderName: msg.SenderName,
			Content:    msg.Content,
			CreatedAt:  msg.CreatedAt.UnixMilli(),
		})
	}
}

// handleSendMessage fans a chat message out to the target room, sender
// included, then hands it to the store. Live delivery and durability are
// independent effects: neither rolls the other back.
func (s *Session) handleSendMessage(cmd Command) {
	if strings.TrimSpace(cmd.Content) == "" {
		// Empty sends are dropped, not errors.
		return
	}

	roomID := s.resolveRoom(cmd.RoomID)
	if roomID == "" {
		s.sendEvent(newErrorEvent(ReasonRoomRequired))
		return
	}
	identity, _ := s.Identity()

	msg := storage.ChatMessage{
		ID:        uuid.NewString(),
		RoomID:    roomID,
		SenderID:  identity.UserID,
		Content:   cmd.Content,
		Type:      storage.MessageTypeText,
		CreatedAt: time.Now().UTC(),
	}

	s.hub.BroadcastEvent(roomID, MessageEvent{
		Type:       EventNewMessage,
		MessageID:  msg.ID,
		RoomID:     roomID,
		SenderID:   identity.UserID,
		SenderName: identity.DisplayName,
		Content:    cmd.Content,
		CreatedAt:  msg.CreatedAt.UnixMilli(),
	}, "")

	s.hub.persistMessage(msg)
}

// handleTyping announces a typing state change to the rest of the room and
// records the ephemeral indicator for the reaper to expire.
func (s *Session) handleTyping(cmd Command) {
	roomID := s.resolveRoom(cmd.RoomID)
	if roomID == "" {
		s.sendEvent(newErrorEvent(ReasonRoomRequired))
		return
	}
	identity, _ := s.Identity()

	s.hub.BroadcastEvent(roomID, TypingEvent{
		Type:     EventTyping,
		RoomID:   roomID,
		UserID:   identity.UserID,
		Username: identity.Username,
		IsTyping: cmd.IsTyping,
	}, s.id)

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := s.hub.store.SetTyping(ctx, roomID, identity.UserID, cmd.IsTyping); err != nil {
		log.Printf("Typing state update failed for %s in room %s: %v", identity.UserID, roomID, err)
	}
}

// resolveRoom picks the room named in the command, else the session's
// current room.
func (s *Session) resolveRoom(cmdRoomID string) string {
	if roomID := strings.TrimSpace(cmdRoomID); roomID != "" {
		return roomID
	}
	return s.RoomID()
}
