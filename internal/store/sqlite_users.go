package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/teenhut/hutchat/internal/domain"
	"github.com/teenhut/hutchat/internal/shared"
)

const userColumns = `user_id, username, credits, streak, comments_made, hypes_uploaded,
	likes_given, messages_sent, completed_json, created_at, updated_at`

func scanUser(row rowScanner) (*domain.User, error) {
	var user domain.User
	var completedJSON string
	var createdAt, updatedAt int64

	if err := row.Scan(
		&user.UserID, &user.Username, &user.Credits, &user.Streak,
		&user.Stats.CommentsMade, &user.Stats.HypesUploaded, &user.Stats.LikesGiven,
		&user.Stats.MessagesSent, &completedJSON, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	user.CompletedChallenges = []string{}
	if err := json.Unmarshal([]byte(completedJSON), &user.CompletedChallenges); err != nil {
		return nil, fmt.Errorf("decode completed challenges: %w", err)
	}
	user.CreatedAt = time.UnixMilli(createdAt).UTC()
	user.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &user, nil
}

// GetUser retrieves a user by their user ID.
func (s *SQLiteStore) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE user_id = ?`, userID)
	user, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user row: %w", err)
	}
	return user, nil
}

// UpsertUser creates or updates a user record. Counters are only written on
// insert.
func (s *SQLiteStore) UpsertUser(ctx context.Context, user *domain.User) error {
	completed := user.CompletedChallenges
	if completed == nil {
		completed = []string{}
	}
	completedJSON, err := json.Marshal(completed)
	if err != nil {
		return fmt.Errorf("encode completed challenges: %w", err)
	}

	now := time.Now()
	createdAt := user.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	query := `
	INSERT INTO users (user_id, username, credits, streak, comments_made, hypes_uploaded,
		likes_given, messages_sent, completed_json, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		username = excluded.username,
		updated_at = excluded.updated_at`

	err = shared.RetryOnConflict(ctx, writeRetries, writeBaseDelay, func() error {
		_, err := s.db.ExecContext(ctx, query,
			user.UserID, user.Username, user.Credits, user.Streak,
			user.Stats.CommentsMade, user.Stats.HypesUploaded, user.Stats.LikesGiven,
			user.Stats.MessagesSent, string(completedJSON), createdAt.UnixMilli(), now.UnixMilli(),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// IncrementMessagesSent bumps messages_sent and returns the updated user.
func (s *SQLiteStore) IncrementMessagesSent(ctx context.Context, userID string) (*domain.User, error) {
	var affected int64
	err := shared.RetryOnConflict(ctx, writeRetries, writeBaseDelay, func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE users SET messages_sent = messages_sent + 1, updated_at = ? WHERE user_id = ?`,
			time.Now().UnixMilli(), userID)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("increment messages_sent: %w", err)
	}
	if affected == 0 {
		return nil, nil
	}
	return s.GetUser(ctx, userID)
}

// AwardChallenge records a completed challenge and credits its reward once.
func (s *SQLiteStore) AwardChallenge(ctx context.Context, userID, challengeID string, reward int) (bool, error) {
	s.userMu.Lock()
	defer s.userMu.Unlock()

	var awarded bool
	err := shared.RetryOnConflict(ctx, writeRetries, writeBaseDelay, func() error {
		var err error
		awarded, err = s.awardChallengeOnce(ctx, userID, challengeID, reward)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("award challenge: %w", err)
	}
	return awarded, nil
}

func (s *SQLiteStore) awardChallengeOnce(ctx context.Context, userID, challengeID string, reward int) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	var raw string
	err = tx.QueryRowContext(ctx, `SELECT completed_json FROM users WHERE user_id = ?`, userID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	completed := []string{}
	if err := json.Unmarshal([]byte(raw), &completed); err != nil {
		return false, fmt.Errorf("decode completed challenges: %w", err)
	}
	if slices.Contains(completed, challengeID) {
		return false, nil
	}
	completed = append(completed, challengeID)

	encoded, err := json.Marshal(completed)
	if err != nil {
		return false, fmt.Errorf("encode completed challenges: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE users SET completed_json = ?, credits = credits + ?, updated_at = ? WHERE user_id = ?`,
		string(encoded), reward, time.Now().UnixMilli(), userID,
	); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}
