package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/teenhut/hutchat/internal/domain"
	"github.com/teenhut/hutchat/internal/shared"
)

const conversationColumns = `id, participants_json, name, is_group, admin_id,
	last_text, last_sender_name, last_at, updated_at`

func scanConversation(row rowScanner) (*domain.Conversation, error) {
	var c domain.Conversation
	var participantsJSON string
	var name, adminID, lastText, lastSender sql.NullString
	var lastAt sql.NullInt64
	var updatedAt int64

	if err := row.Scan(
		&c.ID, &participantsJSON, &name, &c.IsGroup, &adminID,
		&lastText, &lastSender, &lastAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(participantsJSON), &c.Participants); err != nil {
		return nil, fmt.Errorf("decode participants: %w", err)
	}
	c.Name = name.String
	c.AdminID = adminID.String
	c.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	if lastAt.Valid {
		c.LastMessage = &domain.LastMessage{
			Text:       lastText.String,
			SenderName: lastSender.String,
			Timestamp:  time.UnixMilli(lastAt.Int64).UTC(),
		}
	}
	return &c, nil
}

// CreateConversation inserts a conversation, reusing an existing 1-on-1
// conversation for the same pair.
func (s *SQLiteStore) CreateConversation(ctx context.Context, c *domain.Conversation) (*domain.Conversation, error) {
	key := c.DirectKey()
	if key != "" {
		existing, err := s.findDirect(ctx, key)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return existing, nil
		}
	}

	if c.ID == "" {
		c.ID = domain.NewID()
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now().UTC()
	}
	participants, err := json.Marshal(c.Participants)
	if err != nil {
		return nil, fmt.Errorf("encode participants: %w", err)
	}

	query := `
	INSERT INTO conversations (id, participants_json, name, is_group, admin_id, direct_key, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)`

	err = shared.RetryOnConflict(ctx, writeRetries, writeBaseDelay, func() error {
		_, err := s.db.ExecContext(ctx, query,
			c.ID, string(participants), nullString(c.Name), c.IsGroup,
			nullString(c.AdminID), nullString(key), c.UpdatedAt.UnixMilli(),
		)
		return err
	})
	if err != nil {
		// Lost a race against another create for the same pair.
		if key != "" && shared.IsSQLiteUniqueViolation(err) {
			if existing, findErr := s.findDirect(ctx, key); findErr == nil && existing != nil {
				return existing, nil
			}
		}
		return nil, fmt.Errorf("insert conversation: %w", err)
	}
	return c, nil
}

func (s *SQLiteStore) findDirect(ctx context.Context, key string) (*domain.Conversation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE direct_key = ?`, key)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan conversation row: %w", err)
	}
	return c, nil
}

// GetConversation retrieves a conversation by ID.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*domain.Conversation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan conversation row: %w", err)
	}
	return c, nil
}

// ListConversations returns userID's conversations, newest update first.
func (s *SQLiteStore) ListConversations(ctx context.Context, userID string) ([]*domain.Conversation, error) {
	query := `
	SELECT ` + conversationColumns + ` FROM conversations
	WHERE EXISTS (SELECT 1 FROM json_each(conversations.participants_json) WHERE json_each.value = ?)
	ORDER BY updated_at DESC`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close conversation rows", "error", closeErr)
		}
	}()

	conversations := []*domain.Conversation{}
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation row: %w", err)
		}
		conversations = append(conversations, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversations: %w", err)
	}
	return conversations, nil
}

// UpdateLastMessage records the conversation's latest message summary.
func (s *SQLiteStore) UpdateLastMessage(ctx context.Context, id string, last domain.LastMessage) error {
	var affected int64
	err := shared.RetryOnConflict(ctx, writeRetries, writeBaseDelay, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE conversations
			SET last_text = ?, last_sender_name = ?, last_at = ?, updated_at = ?
			WHERE id = ?`,
			last.Text, last.SenderName, last.Timestamp.UnixMilli(), time.Now().UnixMilli(), id)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("update last message: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
