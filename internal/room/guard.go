package room

import (
	"context"
	"log/slog"

	"github.com/teenhut/hutchat/internal/domain"
)

// Reasons attached to a Decision.
const (
	ReasonPublic         = "public room"
	ReasonParticipant    = "participant"
	ReasonNoUser         = "missing user id"
	ReasonNotFound       = "conversation not found"
	ReasonLookupFailed   = "conversation lookup failed"
	ReasonNotParticipant = "not a participant"
)

// ConversationFinder looks up private conversations.
type ConversationFinder interface {
	GetConversation(ctx context.Context, id string) (*domain.Conversation, error)
}

// Decision is the outcome of an authorization check.
type Decision struct {
	Allowed bool
	Private bool
	Reason  string
	Err     error // set when the lookup itself failed
}

// Guard decides whether a user may join a room.
type Guard struct {
	conversations ConversationFinder
}

// NewGuard creates a Guard backed by conversations.
func NewGuard(conversations ConversationFinder) *Guard {
	return &Guard{conversations: conversations}
}

// IsPrivate reports whether room names a private conversation.
func IsPrivate(room string) bool {
	return domain.IsObjectID(room)
}

// Authorize checks userID against room. Rooms that are not conversation ids
// are public; private rooms require a participant. Lookup failures deny.
func (g *Guard) Authorize(ctx context.Context, room, userID string) Decision {
	if !IsPrivate(room) {
		return Decision{Allowed: true, Reason: ReasonPublic}
	}
	if userID == "" {
		return Decision{Private: true, Reason: ReasonNoUser}
	}

	conv, err := g.conversations.GetConversation(ctx, room)
	if err != nil {
		slog.Warn("Conversation lookup failed", "room", room, "user_id", userID, "error", err)
		return Decision{Private: true, Reason: ReasonLookupFailed, Err: err}
	}
	if conv == nil {
		return Decision{Private: true, Reason: ReasonNotFound}
	}
	if !conv.HasParticipant(userID) {
		return Decision{Private: true, Reason: ReasonNotParticipant}
	}
	return Decision{Allowed: true, Private: true, Reason: ReasonParticipant}
}
