package chat

import (
	"context"
	"fmt"

	"github.com/teenhut/hutchat/internal/domain"
)

// DefaultHistoryLimit is the number of messages replayed on join.
const DefaultHistoryLimit = 50

// HistoryReader reads a room's most recent messages.
type HistoryReader interface {
	RecentMessages(ctx context.Context, room string, limit int) ([]*domain.Message, error)
}

// HistoryLoader loads the backlog sent to a session after it joins a room.
type HistoryLoader struct {
	messages HistoryReader
	limit    int
}

// NewHistoryLoader creates a loader returning up to limit messages. A
// non-positive limit selects DefaultHistoryLimit.
func NewHistoryLoader(messages HistoryReader, limit int) *HistoryLoader {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &HistoryLoader{messages: messages, limit: limit}
}

// Load returns the newest messages of room ordered oldest first. The result is
// never nil.
func (h *HistoryLoader) Load(ctx context.Context, room string) ([]*domain.Message, error) {
	msgs, err := h.messages.RecentMessages(ctx, room, h.limit)
	if err != nil {
		return nil, fmt.Errorf("load history for %s: %w", room, err)
	}
	if msgs == nil {
		msgs = []*domain.Message{}
	}
	return msgs, nil
}

// Limit returns the configured history size.
func (h *HistoryLoader) Limit() int {
	return h.limit
}
