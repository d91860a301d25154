package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/teenhut/hutchat/internal/domain"
	"github.com/teenhut/hutchat/internal/shared"
	_ "modernc.org/sqlite"
)

const (
	writeRetries   = 3
	writeBaseDelay = 50 * time.Millisecond
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db         *sql.DB
	reactionMu sync.Mutex // serializes reaction read-modify-write
	userMu     sync.Mutex // serializes challenge awards
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL for concurrent readers, immediate transactions so writers queue on
	// the busy timeout instead of failing on lock upgrade.
	dsn := "file:" + dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS messages (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		room TEXT NOT NULL,
		text TEXT NOT NULL,
		media_url TEXT,
		media_type TEXT,
		sender_id TEXT,
		sender_name TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		is_edited INTEGER NOT NULL DEFAULT 0,
		reply_to_json TEXT,
		reactions_json TEXT NOT NULL DEFAULT '[]'
	);
	CREATE INDEX IF NOT EXISTS idx_messages_room_created ON messages(room, created_at, seq);

	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		participants_json TEXT NOT NULL,
		name TEXT,
		is_group INTEGER NOT NULL DEFAULT 0,
		admin_id TEXT,
		direct_key TEXT,
		last_text TEXT,
		last_sender_name TEXT,
		last_at INTEGER,
		updated_at INTEGER NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_conversations_direct ON conversations(direct_key) WHERE direct_key IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_conversations_updated ON conversations(updated_at);

	CREATE TABLE IF NOT EXISTS users (
		user_id TEXT PRIMARY KEY,
		username TEXT NOT NULL,
		credits INTEGER NOT NULL DEFAULT 0,
		streak INTEGER NOT NULL DEFAULT 0,
		comments_made INTEGER NOT NULL DEFAULT 0,
		hypes_uploaded INTEGER NOT NULL DEFAULT 0,
		likes_given INTEGER NOT NULL DEFAULT 0,
		messages_sent INTEGER NOT NULL DEFAULT 0,
		completed_json TEXT NOT NULL DEFAULT '[]',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

const messageColumns = `id, room, text, media_url, media_type, sender_id, sender_name,
	created_at, is_edited, reply_to_json, reactions_json`

func scanMessage(row rowScanner) (*domain.Message, error) {
	var msg domain.Message
	var mediaURL, mediaType, senderID, replyJSON sql.NullString
	var reactionsJSON string
	var createdAt int64

	if err := row.Scan(
		&msg.ID, &msg.Room, &msg.Text, &mediaURL, &mediaType, &senderID, &msg.SenderName,
		&createdAt, &msg.IsEdited, &replyJSON, &reactionsJSON,
	); err != nil {
		return nil, err
	}

	msg.MediaURL = mediaURL.String
	msg.MediaType = domain.MediaKind(mediaType.String)
	msg.SenderID = senderID.String
	msg.Timestamp = time.UnixMilli(createdAt).UTC()

	if replyJSON.Valid && replyJSON.String != "" {
		var ref domain.ReplyRef
		if err := json.Unmarshal([]byte(replyJSON.String), &ref); err != nil {
			return nil, fmt.Errorf("decode reply_to: %w", err)
		}
		msg.ReplyTo = &ref
	}

	reactions, err := decodeReactions(reactionsJSON)
	if err != nil {
		return nil, err
	}
	msg.Reactions = reactions

	return &msg, nil
}

func decodeReactions(raw string) ([]domain.Reaction, error) {
	reactions := []domain.Reaction{}
	if raw == "" {
		return reactions, nil
	}
	if err := json.Unmarshal([]byte(raw), &reactions); err != nil {
		return nil, fmt.Errorf("decode reactions: %w", err)
	}
	return reactions, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// CreateMessage inserts a message.
func (s *SQLiteStore) CreateMessage(ctx context.Context, msg *domain.Message) error {
	if msg.ID == "" {
		msg.ID = domain.NewID()
	}
	if msg.Reactions == nil {
		msg.Reactions = []domain.Reaction{}
	}

	var replyJSON any
	if msg.ReplyTo != nil {
		b, err := json.Marshal(msg.ReplyTo)
		if err != nil {
			return fmt.Errorf("encode reply_to: %w", err)
		}
		replyJSON = string(b)
	}
	reactionsJSON, err := json.Marshal(msg.Reactions)
	if err != nil {
		return fmt.Errorf("encode reactions: %w", err)
	}

	query := `
	INSERT INTO messages (id, room, text, media_url, media_type, sender_id, sender_name,
		created_at, is_edited, reply_to_json, reactions_json)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	err = shared.RetryOnConflict(ctx, writeRetries, writeBaseDelay, func() error {
		_, err := s.db.ExecContext(ctx, query,
			msg.ID, msg.Room, msg.Text, nullString(msg.MediaURL), nullString(string(msg.MediaType)),
			nullString(msg.SenderID), msg.SenderName, msg.Timestamp.UnixMilli(), msg.IsEdited,
			replyJSON, string(reactionsJSON),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// GetMessage retrieves a message by ID.
func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*domain.Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan message row: %w", err)
	}
	return msg, nil
}

// RecentMessages returns the newest limit messages of room, oldest first.
// Ties on the creation timestamp fall back to insertion order.
func (s *SQLiteStore) RecentMessages(ctx context.Context, room string, limit int) ([]*domain.Message, error) {
	if limit <= 0 {
		return []*domain.Message{}, nil
	}

	query := `
	SELECT ` + messageColumns + ` FROM (
		SELECT seq, ` + messageColumns + ` FROM messages
		WHERE room = ?
		ORDER BY created_at DESC, seq DESC
		LIMIT ?
	) ORDER BY created_at ASC, seq ASC`

	rows, err := s.db.QueryContext(ctx, query, room, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent messages: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close message rows", "error", closeErr)
		}
	}()

	messages := make([]*domain.Message, 0, limit)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return messages, nil
}

// UpdateMessageText sets a new body on a message owned by senderID.
func (s *SQLiteStore) UpdateMessageText(ctx context.Context, id, senderID, text string) error {
	var affected int64
	err := shared.RetryOnConflict(ctx, writeRetries, writeBaseDelay, func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE messages SET text = ?, is_edited = 1 WHERE id = ? AND sender_id = ?`,
			text, id, senderID)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteMessage removes a message owned by senderID.
func (s *SQLiteStore) DeleteMessage(ctx context.Context, id, senderID string) error {
	var affected int64
	err := shared.RetryOnConflict(ctx, writeRetries, writeBaseDelay, func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE id = ? AND sender_id = ?`, id, senderID)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// ToggleReaction flips r on the message inside a single transaction.
func (s *SQLiteStore) ToggleReaction(ctx context.Context, id string, r domain.Reaction) ([]domain.Reaction, error) {
	s.reactionMu.Lock()
	defer s.reactionMu.Unlock()

	var result []domain.Reaction
	err := shared.RetryOnConflict(ctx, writeRetries, writeBaseDelay, func() error {
		var err error
		result, err = s.toggleReactionOnce(ctx, id, r)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("toggle reaction: %w", err)
	}
	return result, nil
}

func (s *SQLiteStore) toggleReactionOnce(ctx context.Context, id string, r domain.Reaction) ([]domain.Reaction, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var raw string
	err = tx.QueryRowContext(ctx, `SELECT reactions_json FROM messages WHERE id = ?`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	current, err := decodeReactions(raw)
	if err != nil {
		return nil, err
	}
	next := domain.ToggleReaction(current, r)

	encoded, err := json.Marshal(next)
	if err != nil {
		return nil, fmt.Errorf("encode reactions: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE messages SET reactions_json = ? WHERE id = ?`, string(encoded), id); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return next, nil
}
