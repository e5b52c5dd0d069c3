// Package server defines the wire protocol exchanged with connected clients:
// inbound command frames, outbound event frames, and the error reasons the
// broker replies with.
package server

import "strings"

// Inbound command types. One command per text frame.
const (
	CommandAuthenticate = "authenticate"
	CommandJoinRoom     = "join_room"
	CommandSendMessage  = "send_message"
	CommandTyping       = "typing"
)

// Outbound event types.
const (
	EventAuthOK         = "auth_ok"
	EventAuthFailed     = "auth_failed"
	EventRooms          = "rooms"
	EventRoomJoined     = "room_joined"
	EventHistoryMessage = "history_message"
	EventNewMessage     = "new_message"
	EventMemberJoined   = "member_joined"
	EventTyping         = "typing"
	EventError          = "error"
)

// Error reasons carried by auth_failed and error events. Clients match on
// these strings.
const (
	ReasonAuthRequired         = "Authentication required"
	ReasonCredentialRequired   = "Credential required"
	ReasonInvalidCredential    = "Invalid credential"
	ReasonAlreadyAuthenticated = "Already authenticated"
	ReasonRoomRequired         = "Room ID required"
	ReasonRoomNotFound         = "Room not found"
	ReasonAccessDenied         = "Access denied to room"
	ReasonProcessingFailed     = "Message processing failed"
	ReasonUnrecognized         = "Unrecognized command"
	ReasonRateLimited          = "Rate limit exceeded"
)

// Command is the single inbound frame format. Type selects the operation;
// the remaining fields are read per command.
type Command struct {
	Type       string `json:"type"`
	Credential string `json:"credential,omitempty"`
	RoomID     string `json:"room_id,omitempty"`
	Content    string `json:"content,omitempty"`
	IsTyping   bool   `json:"is_typing,omitempty"`
}

// AuthOKEvent acknowledges a successful handshake.
type AuthOKEvent struct {
	Type     string `json:"type"`
	UserID   string `json:"user_id"`
	Username string `json:"username"`
}

// AuthFailedEvent reports a rejected handshake attempt.
type AuthFailedEvent struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// RoomInfo is one room entry in a rooms event.
type RoomInfo struct {
	RoomID string `json:"room_id"`
	Name   string `json:"name"`
	Type   string `json:"type"`
}

// RoomsEvent lists the rooms the authenticated identity belongs to.
type RoomsEvent struct {
	Type  string     `json:"type"`
	Rooms []RoomInfo `json:"rooms"`
}

// RoomJoinedEvent acknowledges a completed room join.
type RoomJoinedEvent struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
}

// MessageEvent carries one chat message, live (new_message) or replayed
// (history_message). CreatedAt is UTC epoch milliseconds.
type MessageEvent struct {
	Type       string `json:"type"`
	MessageID  string `json:"message_id"`
	RoomID     string `json:"room_id"`
	SenderID   string `json:"sender_id"`
	SenderName string `json:"sender_name"`
	Content    string `json:"content"`
	CreatedAt  int64  `json:"created_at"`
}

// MemberJoinedEvent notifies a room that another member joined.
type MemberJoinedEvent struct {
	Type     string `json:"type"`
	RoomID   string `json:"room_id"`
	UserID   string `json:"user_id"`
	Username string `json:"username"`
}

// TypingEvent notifies a room that a member started or stopped typing.
type TypingEvent struct {
	Type     string `json:"type"`
	RoomID   string `json:"room_id"`
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	IsTyping bool   `json:"is_typing"`
}

// ErrorEvent reports a rejected or failed command.
type ErrorEvent struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

func newErrorEvent(reason string) ErrorEvent {
	return ErrorEvent{Type: EventError, Reason: reason}
}

// RoomBroadcast is one fan-out request processed by the hub: deliver Payload
// to every authenticated session currently in RoomID, except the session
// named by ExcludeSessionID when set.
type RoomBroadcast struct {
	RoomID           string
	Payload          []byte
	ExcludeSessionID string
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
