// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"

	"github.com/teenhut/hutchat/internal/domain"
)

// ErrNotFound is returned by conditional writes when no record matches.
var ErrNotFound = errors.New("record not found")

// MessageStore persists chat messages.
type MessageStore interface {
	// CreateMessage inserts a message. An empty ID is filled in.
	CreateMessage(ctx context.Context, msg *domain.Message) error

	// GetMessage retrieves a message by ID. Returns (nil, nil) when missing.
	GetMessage(ctx context.Context, id string) (*domain.Message, error)

	// RecentMessages returns up to limit of the newest messages in room,
	// ordered oldest first.
	RecentMessages(ctx context.Context, room string, limit int) ([]*domain.Message, error)

	// UpdateMessageText replaces the body and marks the message edited.
	// Only a message with the given id and sender is updated; otherwise
	// ErrNotFound is returned.
	UpdateMessageText(ctx context.Context, id, senderID, text string) error

	// DeleteMessage hard-deletes the message with the given id and sender.
	// Returns ErrNotFound when no such message exists.
	DeleteMessage(ctx context.Context, id, senderID string) error

	// ToggleReaction atomically adds or removes r on the message and returns
	// the resulting reaction list. Returns ErrNotFound for unknown ids.
	ToggleReaction(ctx context.Context, id string, r domain.Reaction) ([]domain.Reaction, error)
}

// ConversationStore persists private conversations.
type ConversationStore interface {
	// CreateConversation inserts c. For a 1-on-1 conversation whose pair
	// already has one, the existing conversation is returned instead.
	CreateConversation(ctx context.Context, c *domain.Conversation) (*domain.Conversation, error)

	// GetConversation retrieves a conversation by ID. Returns (nil, nil) when missing.
	GetConversation(ctx context.Context, id string) (*domain.Conversation, error)

	// ListConversations returns the conversations userID participates in,
	// most recently updated first.
	ListConversations(ctx context.Context, userID string) ([]*domain.Conversation, error)

	// UpdateLastMessage stores the last-message summary and bumps updated_at.
	UpdateLastMessage(ctx context.Context, id string, last domain.LastMessage) error
}

// UserStore persists the user counters the chat layer maintains.
type UserStore interface {
	// GetUser retrieves a user by their user ID. Returns (nil, nil) when missing.
	GetUser(ctx context.Context, userID string) (*domain.User, error)

	// UpsertUser creates a user or updates its username.
	UpsertUser(ctx context.Context, user *domain.User) error

	// IncrementMessagesSent bumps the user's messagesSent counter and returns
	// the updated user. Returns (nil, nil) when the user does not exist.
	IncrementMessagesSent(ctx context.Context, userID string) (*domain.User, error)

	// AwardChallenge marks challengeID completed and adds reward credits,
	// once. Reports false when the challenge was already completed or the
	// user does not exist.
	AwardChallenge(ctx context.Context, userID, challengeID string, reward int) (bool, error)
}

// Repository is the full persistence surface used by the server.
type Repository interface {
	MessageStore
	ConversationStore
	UserStore

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
