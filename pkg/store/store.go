// Package store is the persistence collaborator backing the relay: room
// participation, messages, comments and read receipts live here. The relay
// core only consumes the narrow interfaces it declares; REST handlers own
// the rest of the schema.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/parleychat/relay/pkg/auth"
	"github.com/parleychat/relay/pkg/protocol"
	"github.com/parleychat/relay/pkg/relay"
)

var (
	// ErrMessageNotFound indicates the message does not exist.
	ErrMessageNotFound = fmt.Errorf("message %w", relay.ErrNotFound)
	// ErrIdentityNotFound indicates the identity does not exist.
	ErrIdentityNotFound = fmt.Errorf("identity %w", relay.ErrNotFound)
	// ErrRoomNotFound indicates the room does not exist.
	ErrRoomNotFound = fmt.Errorf("room %w", relay.ErrNotFound)
)

// DB wraps the SQLite database connection.
type DB struct {
	conn *sql.DB
}

// Open opens the SQLite database at the given path and initializes the
// schema if needed.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	// WAL allows multiple readers alongside the writer.
	if _, err := conn.Exec("PRAGMA journal_mode = WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	// Wait and retry instead of failing immediately with SQLITE_BUSY.
	if _, err := conn.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if _, err := conn.Exec("PRAGMA foreign_keys = ON"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if _, err := conn.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to set synchronous mode: %w", err)
	}

	db := &DB{conn: conn}
	if err := db.initSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS identities (
		id INTEGER PRIMARY KEY,
		display_name TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS rooms (
		id INTEGER PRIMARY KEY,
		title TEXT NOT NULL DEFAULT '',
		updated_at INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS room_participants (
		room_id INTEGER NOT NULL REFERENCES rooms(id) ON DELETE CASCADE,
		identity_id INTEGER NOT NULL REFERENCES identities(id) ON DELETE CASCADE,
		PRIMARY KEY (room_id, identity_id)
	);

	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		room_id INTEGER NOT NULL REFERENCES rooms(id) ON DELETE CASCADE,
		sender_id INTEGER NOT NULL REFERENCES identities(id),
		content TEXT NOT NULL,
		message_type TEXT NOT NULL DEFAULT 'text',
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_room ON messages(room_id, id);

	CREATE TABLE IF NOT EXISTS comments (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		message_id INTEGER NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
		sender_id INTEGER NOT NULL REFERENCES identities(id),
		content TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_comments_message ON comments(message_id);

	CREATE TABLE IF NOT EXISTS message_reads (
		message_id INTEGER NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
		identity_id INTEGER NOT NULL REFERENCES identities(id),
		read_at INTEGER NOT NULL,
		PRIMARY KEY (message_id, identity_id)
	);
	`
	_, err := db.conn.Exec(schema)
	return err
}

// ResolveIdentity returns the identity record for an id.
func (db *DB) ResolveIdentity(ctx context.Context, identityID int64) (auth.Identity, error) {
	var identity auth.Identity
	err := db.conn.QueryRowContext(ctx,
		`SELECT id, display_name FROM identities WHERE id = ?`, identityID,
	).Scan(&identity.ID, &identity.DisplayName)
	if err == sql.ErrNoRows {
		return auth.Identity{}, ErrIdentityNotFound
	}
	if err != nil {
		return auth.Identity{}, fmt.Errorf("failed to resolve identity %d: %w", identityID, err)
	}
	return identity, nil
}

// IsParticipant reports whether an identity currently participates in a room.
func (db *DB) IsParticipant(ctx context.Context, identityID, roomID int64) (bool, error) {
	var one int
	err := db.conn.QueryRowContext(ctx,
		`SELECT 1 FROM room_participants WHERE room_id = ? AND identity_id = ?`,
		roomID, identityID,
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check participation: %w", err)
	}
	return true, nil
}

// CreateMessage persists a message and returns the stored record.
func (db *DB) CreateMessage(ctx context.Context, roomID, senderID int64, content, messageType string) (*protocol.Message, error) {
	if messageType == "" {
		messageType = "text"
	}
	now := time.Now()

	result, err := db.conn.ExecContext(ctx,
		`INSERT INTO messages (room_id, sender_id, content, message_type, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		roomID, senderID, content, messageType, now.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create message: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get message id: %w", err)
	}

	return &protocol.Message{
		ID:          id,
		RoomID:      roomID,
		SenderID:    senderID,
		Content:     content,
		MessageType: messageType,
		CreatedAt:   now,
	}, nil
}

// CreateComment persists a comment on a message and returns the stored record.
func (db *DB) CreateComment(ctx context.Context, messageID, senderID int64, content string) (*protocol.Comment, error) {
	exists, err := db.messageExists(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrMessageNotFound
	}

	now := time.Now()
	result, err := db.conn.ExecContext(ctx,
		`INSERT INTO comments (message_id, sender_id, content, created_at)
		 VALUES (?, ?, ?, ?)`,
		messageID, senderID, content, now.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create comment: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get comment id: %w", err)
	}

	return &protocol.Comment{
		ID:        id,
		MessageID: messageID,
		SenderID:  senderID,
		Content:   content,
		CreatedAt: now,
	}, nil
}

// RoomForMessage returns the room a message belongs to.
func (db *DB) RoomForMessage(ctx context.Context, messageID int64) (int64, error) {
	var roomID int64
	err := db.conn.QueryRowContext(ctx,
		`SELECT room_id FROM messages WHERE id = ?`, messageID,
	).Scan(&roomID)
	if err == sql.ErrNoRows {
		return 0, ErrMessageNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to look up message %d: %w", messageID, err)
	}
	return roomID, nil
}

// RecordRead records a read receipt. Re-reading is a no-op; a receipt is
// never reverted once written.
func (db *DB) RecordRead(ctx context.Context, messageID, identityID int64) error {
	_, err := db.conn.ExecContext(ctx,
		`INSERT OR IGNORE INTO message_reads (message_id, identity_id, read_at)
		 VALUES (?, ?, ?)`,
		messageID, identityID, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to record read receipt: %w", err)
	}
	return nil
}

// ListMessages returns up to limit messages for a room ordered oldest first,
// optionally only those before the given message id. This is the catch-up
// path clients use after reconnecting.
func (db *DB) ListMessages(ctx context.Context, roomID int64, beforeID int64, limit int) ([]*protocol.Message, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	query := `SELECT id, room_id, sender_id, content, message_type, created_at
		 FROM messages WHERE room_id = ?`
	args := []any{roomID}
	if beforeID > 0 {
		query += ` AND id < ?`
		args = append(args, beforeID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var messages []*protocol.Message
	for rows.Next() {
		var msg protocol.Message
		var createdAt int64
		if err := rows.Scan(&msg.ID, &msg.RoomID, &msg.SenderID, &msg.Content, &msg.MessageType, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msg.CreatedAt = time.UnixMilli(createdAt)
		messages = append(messages, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate messages: %w", err)
	}

	// Reverse to oldest-first for replay.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	return messages, nil
}

// CreateIdentity inserts an identity record. Used by the account-management
// collaborator and by tests.
func (db *DB) CreateIdentity(ctx context.Context, identityID int64, displayName string) error {
	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO identities (id, display_name) VALUES (?, ?)`,
		identityID, displayName,
	)
	if err != nil {
		return fmt.Errorf("failed to create identity: %w", err)
	}
	return nil
}

// CreateRoom inserts a room record.
func (db *DB) CreateRoom(ctx context.Context, roomID int64, title string) error {
	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO rooms (id, title, updated_at) VALUES (?, ?, ?)`,
		roomID, title, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to create room: %w", err)
	}
	return nil
}

// AddParticipant adds an identity to a room. Idempotent.
func (db *DB) AddParticipant(ctx context.Context, roomID, identityID int64) error {
	_, err := db.conn.ExecContext(ctx,
		`INSERT OR IGNORE INTO room_participants (room_id, identity_id) VALUES (?, ?)`,
		roomID, identityID,
	)
	if err != nil {
		return fmt.Errorf("failed to add participant: %w", err)
	}
	return nil
}

// RemoveParticipant removes an identity from a room. Idempotent.
func (db *DB) RemoveParticipant(ctx context.Context, roomID, identityID int64) error {
	_, err := db.conn.ExecContext(ctx,
		`DELETE FROM room_participants WHERE room_id = ? AND identity_id = ?`,
		roomID, identityID,
	)
	if err != nil {
		return fmt.Errorf("failed to remove participant: %w", err)
	}
	return nil
}

// ReadCount returns the number of distinct identities that have read a message.
func (db *DB) ReadCount(ctx context.Context, messageID int64) (int, error) {
	var count int
	err := db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM message_reads WHERE message_id = ?`, messageID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count reads: %w", err)
	}
	return count, nil
}

func (db *DB) messageExists(ctx context.Context, messageID int64) (bool, error) {
	var one int
	err := db.conn.QueryRowContext(ctx,
		`SELECT 1 FROM messages WHERE id = ?`, messageID,
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check message: %w", err)
	}
	return true, nil
}
