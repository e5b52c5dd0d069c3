// Package storage defines the persistence contracts the broker depends on:
// durable chat messages, user and presence records, and the room directory
// used for join authorization and default-room enrollment.
package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound indicates a requested record is missing.
	ErrNotFound = errors.New("record not found")
	// ErrRoomNotFound indicates the referenced room does not exist.
	ErrRoomNotFound = errors.New("room not found")
)

// MessageTypeText is the message type for plain chat text.
const MessageTypeText = "text"

// DefaultRoomID is the room every authenticated identity is enrolled in.
const DefaultRoomID = "550e8400-e29b-41d4-a716-446655440000"

// ChatMessage is one durable chat message. The broker constructs it and hands
// it to the store; the store owns durability.
type ChatMessage struct {
	ID       string
	RoomID   string
	SenderID string
	// SenderName is resolved from the users table on read; it is not a column
	// on the message row and is ignored on save.
	SenderName string
	Content    string
	Type       string
	CreatedAt  time.Time
	Edited     bool
	Deleted    bool
}

// User is one synced identity record with its presence state.
type User struct {
	ID          string
	Username    string
	DisplayName string
	Email       string
	Online      bool
	LastSeen    time.Time
	SyncedAt    time.Time
}

// Room is one broadcast domain known to the directory.
type Room struct {
	ID        string
	Name      string
	Type      string
	CreatedAt time.Time
}

// MessageStore persists chat messages and serves room history.
type MessageStore interface {
	// SaveMessage inserts one message. The caller supplies the id.
	SaveMessage(ctx context.Context, msg ChatMessage) error
	// RecentMessages returns up to limit messages for a room, newest first.
	RecentMessages(ctx context.Context, roomID string, limit int) ([]ChatMessage, error)
}

// PresenceStore tracks synced identities and their ephemeral state.
type PresenceStore interface {
	// SyncUser upserts an identity record.
	SyncUser(ctx context.Context, user User) error
	// SetPresence flips a user's online flag and stamps last_seen.
	SetPresence(ctx context.Context, userID string, online bool) error
	// SetTyping records or clears a typing indicator for a user in a room.
	SetTyping(ctx context.Context, roomID, userID string, typing bool) error
	// PurgeExpiredTyping removes typing indicators older than the cutoff and
	// returns how many were removed.
	PurgeExpiredTyping(ctx context.Context, cutoff time.Time) (int, error)
}

// Directory answers room membership and authorization questions.
type Directory interface {
	// CanJoin reports whether the user may join the room. A missing room is
	// reported as ErrRoomNotFound.
	CanJoin(ctx context.Context, userID, roomID string) (bool, error)
	// EnsureDefaultMembership idempotently enrolls one user in the default
	// room.
	EnsureDefaultMembership(ctx context.Context, userID string) error
	// RoomsForUser returns the rooms the user is a member of.
	RoomsForUser(ctx context.Context, userID string) ([]Room, error)
}

// Store combines every persistence capability the broker consumes.
type Store interface {
	MessageStore
	PresenceStore
	Directory
}
