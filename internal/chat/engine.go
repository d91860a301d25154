// Package chat implements message mutations and history replay for rooms.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/teenhut/hutchat/internal/domain"
	"github.com/teenhut/hutchat/internal/protocol"
	"github.com/teenhut/hutchat/internal/store"
)

// AnonymousName is the display name used when a sender gives none.
const AnonymousName = "Anonymous"

// MessageStore is the persistence the engine mutates.
type MessageStore interface {
	CreateMessage(ctx context.Context, msg *domain.Message) error
	GetMessage(ctx context.Context, id string) (*domain.Message, error)
	UpdateMessageText(ctx context.Context, id, senderID, text string) error
	DeleteMessage(ctx context.Context, id, senderID string) error
	ToggleReaction(ctx context.Context, id string, r domain.Reaction) ([]domain.Reaction, error)
}

// LastMessageUpdater keeps conversation summaries current.
type LastMessageUpdater interface {
	UpdateLastMessage(ctx context.Context, id string, last domain.LastMessage) error
}

// Broadcaster delivers an event to every member of a room.
type Broadcaster interface {
	Broadcast(ctx context.Context, room, event string, payload any) error
}

// StatsRecorder is told about every persisted message with a known sender.
type StatsRecorder interface {
	RecordMessageSent(ctx context.Context, userID string) error
}

// SendInput is a request to post a message.
type SendInput struct {
	Room      string
	Text      string
	MediaURL  string
	MediaType domain.MediaKind
	UserID    string
	Username  string
	ReplyTo   *domain.ReplyRef
}

// EditInput is a request to replace a message body.
type EditInput struct {
	MessageID string
	NewText   string
	UserID    string
}

// DeleteInput is a request to remove a message.
type DeleteInput struct {
	MessageID string
	UserID    string
}

// ReactInput is a request to toggle a reaction.
type ReactInput struct {
	MessageID string
	UserID    string
	Emoji     string
}

// Engine applies message mutations: persist first, then fan out.
type Engine struct {
	messages      MessageStore
	broadcaster   Broadcaster
	conversations LastMessageUpdater
	stats         StatsRecorder
	locks         *keyedMutex
	now           func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithStats sets the collaborator notified after each send.
func WithStats(s StatsRecorder) Option {
	return func(e *Engine) { e.stats = s }
}

// WithConversations enables last-message summaries for private rooms.
func WithConversations(c LastMessageUpdater) Option {
	return func(e *Engine) { e.conversations = c }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an Engine.
func NewEngine(messages MessageStore, broadcaster Broadcaster, opts ...Option) *Engine {
	e := &Engine{
		messages:    messages,
		broadcaster: broadcaster,
		locks:       newKeyedMutex(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Send persists a new message and announces it to the room.
func (e *Engine) Send(ctx context.Context, in SendInput) (*domain.Message, error) {
	if strings.TrimSpace(in.Room) == "" {
		return nil, fmt.Errorf("%w: room is required", ErrInvalid)
	}
	if in.Text == "" {
		return nil, fmt.Errorf("%w: text is required", ErrInvalid)
	}
	if !in.MediaType.Valid() {
		return nil, fmt.Errorf("%w: unknown media type %q", ErrInvalid, in.MediaType)
	}

	senderName := in.Username
	if senderName == "" {
		senderName = AnonymousName
	}

	msg := &domain.Message{
		Room:       in.Room,
		Text:       in.Text,
		MediaURL:   in.MediaURL,
		MediaType:  in.MediaType,
		SenderID:   in.UserID,
		SenderName: senderName,
		Timestamp:  e.now().UTC().Truncate(time.Millisecond),
		ReplyTo:    in.ReplyTo,
		Reactions:  []domain.Reaction{},
	}
	if err := e.messages.CreateMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("persist message: %w", err)
	}

	if err := e.broadcaster.Broadcast(ctx, msg.Room, protocol.EventMessage, protocol.NewMessageEvent(msg)); err != nil {
		return msg, fmt.Errorf("broadcast message: %w", err)
	}

	e.afterSend(ctx, msg)
	return msg, nil
}

// afterSend runs the collaborators that follow a successful send. Their
// failures never affect delivery.
func (e *Engine) afterSend(ctx context.Context, msg *domain.Message) {
	if e.conversations != nil && domain.IsObjectID(msg.Room) {
		last := domain.LastMessage{Text: msg.Text, SenderName: msg.SenderName, Timestamp: msg.Timestamp}
		if err := e.conversations.UpdateLastMessage(ctx, msg.Room, last); err != nil && !errors.Is(err, store.ErrNotFound) {
			slog.Warn("Failed to update conversation summary", "room", msg.Room, "error", err)
		}
	}
	if e.stats != nil && msg.SenderID != "" {
		if err := e.stats.RecordMessageSent(ctx, msg.SenderID); err != nil {
			slog.Warn("Failed to record message stats", "user_id", msg.SenderID, "error", err)
		}
	}
}

// loadOwned fetches a message and checks that userID sent it.
func (e *Engine) loadOwned(ctx context.Context, messageID, userID string) (*domain.Message, error) {
	msg, err := e.messages.GetMessage(ctx, messageID)
	if err != nil {
		return nil, fmt.Errorf("load message: %w", err)
	}
	if msg == nil {
		return nil, ErrNotFound
	}
	if !msg.IsOwnedBy(userID) {
		return nil, ErrForbidden
	}
	return msg, nil
}

// Edit replaces the body of a message sent by in.UserID and announces the
// change to the message's room.
func (e *Engine) Edit(ctx context.Context, in EditInput) error {
	if in.MessageID == "" || in.NewText == "" {
		return fmt.Errorf("%w: messageId and newText are required", ErrInvalid)
	}

	unlock := e.locks.Lock(in.MessageID)
	defer unlock()

	msg, err := e.loadOwned(ctx, in.MessageID, in.UserID)
	if err != nil {
		return err
	}
	if err := e.messages.UpdateMessageText(ctx, msg.ID, in.UserID, in.NewText); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("persist edit: %w", err)
	}

	payload := protocol.MessageUpdated{ID: msg.ID, Text: in.NewText, IsEdited: true}
	if err := e.broadcaster.Broadcast(ctx, msg.Room, protocol.EventMessageUpdated, payload); err != nil {
		return fmt.Errorf("broadcast edit: %w", err)
	}
	return nil
}

// Delete removes a message sent by in.UserID and announces it.
func (e *Engine) Delete(ctx context.Context, in DeleteInput) error {
	if in.MessageID == "" {
		return fmt.Errorf("%w: messageId is required", ErrInvalid)
	}

	unlock := e.locks.Lock(in.MessageID)
	defer unlock()

	msg, err := e.loadOwned(ctx, in.MessageID, in.UserID)
	if err != nil {
		return err
	}
	if err := e.messages.DeleteMessage(ctx, msg.ID, in.UserID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("persist delete: %w", err)
	}

	payload := protocol.MessageDeleted{MessageID: msg.ID}
	if err := e.broadcaster.Broadcast(ctx, msg.Room, protocol.EventMessageDeleted, payload); err != nil {
		return fmt.Errorf("broadcast delete: %w", err)
	}
	return nil
}

// React toggles (userId, emoji) on a message and announces the full
// resulting reaction list. Anyone may react.
func (e *Engine) React(ctx context.Context, in ReactInput) ([]domain.Reaction, error) {
	if in.MessageID == "" || in.UserID == "" || in.Emoji == "" {
		return nil, fmt.Errorf("%w: messageId, userId and emoji are required", ErrInvalid)
	}

	unlock := e.locks.Lock(in.MessageID)
	defer unlock()

	msg, err := e.messages.GetMessage(ctx, in.MessageID)
	if err != nil {
		return nil, fmt.Errorf("load message: %w", err)
	}
	if msg == nil {
		return nil, ErrNotFound
	}

	reactions, err := e.messages.ToggleReaction(ctx, msg.ID, domain.Reaction{UserID: in.UserID, Emoji: in.Emoji})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("persist reaction: %w", err)
	}

	payload := protocol.MessageReacted{MessageID: msg.ID, Reactions: reactions}
	if err := e.broadcaster.Broadcast(ctx, msg.Room, protocol.EventMessageReacted, payload); err != nil {
		return reactions, fmt.Errorf("broadcast reaction: %w", err)
	}
	return reactions, nil
}
