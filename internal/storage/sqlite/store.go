// Package sqlite provides the SQLite-backed implementation of the broker's
// persistence contracts.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/parleymsg/parley/internal/storage"
	"github.com/parleymsg/parley/internal/storage/sqlite/migrations"
)

// Store persists broker state in SQLite.
type Store struct {
	sqlDB *sql.DB
}

var (
	_ storage.MessageStore  = (*Store)(nil)
	_ storage.PresenceStore = (*Store)(nil)
	_ storage.Directory     = (*Store)(nil)
)

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens a SQLite broker store and applies embedded migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// SaveMessage inserts one chat message record.
func (s *Store) SaveMessage(ctx context.Context, msg storage.ChatMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	id := strings.TrimSpace(msg.ID)
	roomID := strings.TrimSpace(msg.RoomID)
	senderID := strings.TrimSpace(msg.SenderID)
	if id == "" {
		return fmt.Errorf("message id is required")
	}
	if roomID == "" {
		return fmt.Errorf("room id is required")
	}
	if senderID == "" {
		return fmt.Errorf("sender id is required")
	}
	msgType := strings.TrimSpace(msg.Type)
	if msgType == "" {
		msgType = storage.MessageTypeText
	}
	createdAt := msg.CreatedAt.UTC()
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO messages (id, room_id, sender_id, content, type, created_at, edited, deleted)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id,
		roomID,
		senderID,
		msg.Content,
		msgType,
		toMillis(createdAt),
		boolToInt(msg.Edited),
		boolToInt(msg.Deleted),
	)
	if err != nil {
		return fmt.Errorf("save message: %w", err)
	}
	return nil
}

// RecentMessages returns up to limit non-deleted messages for a room, newest
// first. Sender names are resolved through the users table; senders without a
// synced record fall back to their id.
func (s *Store) RecentMessages(ctx context.Context, roomID string, limit int) ([]storage.ChatMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return nil, fmt.Errorf("room id is required")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}

	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT m.id, m.room_id, m.sender_id,
		        COALESCE(NULLIF(u.display_name, ''), u.username, m.sender_id),
		        m.content, m.type, m.created_at, m.edited, m.deleted
		   FROM messages m
		   LEFT JOIN users u ON u.id = m.sender_id
		  WHERE m.room_id = ? AND m.deleted = 0
		  ORDER BY m.created_at DESC, m.id DESC
		  LIMIT ?`,
		roomID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("recent messages: %w", err)
	}
	defer rows.Close()

	msgs := make([]storage.ChatMessage, 0, limit)
	for rows.Next() {
		var msg storage.ChatMessage
		var createdAt int64
		var edited int
		var deleted int
		if err := rows.Scan(
			&msg.ID,
			&msg.RoomID,
			&msg.SenderID,
			&msg.SenderName,
			&msg.Content,
			&msg.Type,
			&createdAt,
			&edited,
			&deleted,
		); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.CreatedAt = fromMillis(createdAt)
		msg.Edited = edited != 0
		msg.Deleted = deleted != 0
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return msgs, nil
}

// SyncUser upserts one identity record, preserving presence fields on update.
func (s *Store) SyncUser(ctx context.Context, user storage.User) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	userID := strings.TrimSpace(user.ID)
	username := strings.TrimSpace(user.Username)
	if userID == "" {
		return fmt.Errorf("user id is required")
	}
	if username == "" {
		return fmt.Errorf("username is required")
	}
	syncedAt := user.SyncedAt.UTC()
	if syncedAt.IsZero() {
		syncedAt = time.Now().UTC()
	}

	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO users (id, username, display_name, email, is_online, last_seen, synced_at)
		 VALUES (?, ?, ?, ?, 0, 0, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   username = excluded.username,
		   display_name = excluded.display_name,
		   email = excluded.email,
		   synced_at = excluded.synced_at`,
		userID,
		username,
		strings.TrimSpace(user.DisplayName),
		strings.TrimSpace(user.Email),
		toMillis(syncedAt),
	)
	if err != nil {
		return fmt.Errorf("sync user: %w", err)
	}
	return nil
}

// SetPresence flips one user's online flag and stamps last_seen.
func (s *Store) SetPresence(ctx context.Context, userID string, online bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return fmt.Errorf("user id is required")
	}

	res, err := s.sqlDB.ExecContext(
		ctx,
		`UPDATE users SET is_online = ?, last_seen = ? WHERE id = ?`,
		boolToInt(online),
		time.Now().UTC().UnixMilli(),
		userID,
	)
	if err != nil {
		return fmt.Errorf("set presence: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set presence rows: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// SetTyping records or clears one typing indicator.
func (s *Store) SetTyping(ctx context.Context, roomID, userID string, typing bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	roomID = strings.TrimSpace(roomID)
	userID = strings.TrimSpace(userID)
	if roomID == "" {
		return fmt.Errorf("room id is required")
	}
	if userID == "" {
		return fmt.Errorf("user id is required")
	}

	var err error
	if typing {
		_, err = s.sqlDB.ExecContext(
			ctx,
			`INSERT INTO typing_status (room_id, user_id, updated_at)
			 VALUES (?, ?, ?)
			 ON CONFLICT(room_id, user_id) DO UPDATE SET updated_at = excluded.updated_at`,
			roomID,
			userID,
			time.Now().UTC().UnixMilli(),
		)
	} else {
		_, err = s.sqlDB.ExecContext(
			ctx,
			`DELETE FROM typing_status WHERE room_id = ? AND user_id = ?`,
			roomID,
			userID,
		)
	}
	if err != nil {
		return fmt.Errorf("set typing: %w", err)
	}
	return nil
}

// PurgeExpiredTyping removes typing indicators last updated before the cutoff.
func (s *Store) PurgeExpiredTyping(ctx context.Context, cutoff time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s == nil || s.sqlDB == nil {
		return 0, fmt.Errorf("storage is not configured")
	}

	res, err := s.sqlDB.ExecContext(
		ctx,
		`DELETE FROM typing_status WHERE updated_at < ?`,
		toMillis(cutoff),
	)
	if err != nil {
		return 0, fmt.Errorf("purge typing: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge typing rows: %w", err)
	}
	return int(affected), nil
}

// CanJoin reports whether the user may join the room. Current policy: any
// known room is open to any authenticated user; a missing room is reported as
// storage.ErrRoomNotFound.
func (s *Store) CanJoin(ctx context.Context, userID, roomID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if s == nil || s.sqlDB == nil {
		return false, fmt.Errorf("storage is not configured")
	}
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return false, fmt.Errorf("room id is required")
	}
	if strings.TrimSpace(userID) == "" {
		return false, fmt.Errorf("user id is required")
	}

	var found int
	row := s.sqlDB.QueryRowContext(ctx, `SELECT 1 FROM rooms WHERE id = ?`, roomID)
	if err := row.Scan(&found); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, storage.ErrRoomNotFound
		}
		return false, fmt.Errorf("can join: %w", err)
	}
	return true, nil
}

// EnsureDefaultMembership idempotently enrolls one user in the default room.
func (s *Store) EnsureDefaultMembership(ctx context.Context, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return fmt.Errorf("user id is required")
	}

	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT OR IGNORE INTO room_members (room_id, user_id, joined_at)
		 VALUES (?, ?, ?)`,
		storage.DefaultRoomID,
		userID,
		time.Now().UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("ensure default membership: %w", err)
	}
	return nil
}

// RoomsForUser returns the rooms the user is a member of, ordered by name.
func (s *Store) RoomsForUser(ctx context.Context, userID string) ([]storage.Room, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("user id is required")
	}

	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT r.id, r.name, r.type, r.created_at
		   FROM rooms r
		   JOIN room_members rm ON rm.room_id = r.id
		  WHERE rm.user_id = ?
		  ORDER BY r.name ASC, r.id ASC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("rooms for user: %w", err)
	}
	defer rows.Close()

	var result []storage.Room
	for rows.Next() {
		var room storage.Room
		var createdAt int64
		if err := rows.Scan(&room.ID, &room.Name, &room.Type, &createdAt); err != nil {
			return nil, fmt.Errorf("scan room: %w", err)
		}
		room.CreatedAt = fromMillis(createdAt)
		result = append(result, room)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rooms: %w", err)
	}
	return result, nil
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}
