package domain

import (
	"time"
)

// MediaKind classifies an attachment referenced by a message.
type MediaKind string

const (
	MediaImage MediaKind = "image"
	MediaVideo MediaKind = "video"
	MediaFile  MediaKind = "file"
)

// Valid reports whether k is empty or one of the known media kinds.
func (k MediaKind) Valid() bool {
	switch k {
	case "", MediaImage, MediaVideo, MediaFile:
		return true
	}
	return false
}

// ReplyRef is a denormalized snapshot of the message being replied to.
// It is not kept in sync with the referenced message.
type ReplyRef struct {
	ID         string `json:"id"`
	Text       string `json:"text"`
	SenderName string `json:"senderName"`
}

// Reaction is a single (user, emoji) pair attached to a message.
type Reaction struct {
	UserID string `json:"userId" bson:"userId"`
	Emoji  string `json:"emoji" bson:"emoji"`
}

// Message is a persisted chat message. Text is ciphertext and is never
// inspected by the server.
type Message struct {
	ID         string     `json:"_id"`
	Room       string     `json:"room"`
	Text       string     `json:"text"`
	MediaURL   string     `json:"mediaUrl,omitempty"`
	MediaType  MediaKind  `json:"mediaType,omitempty"`
	SenderID   string     `json:"senderId"`
	SenderName string     `json:"senderName"`
	Timestamp  time.Time  `json:"timestamp"`
	IsEdited   bool       `json:"isEdited"`
	ReplyTo    *ReplyRef  `json:"replyTo,omitempty"`
	Reactions  []Reaction `json:"reactions"`
}

// IsOwnedBy reports whether userID is the message's original sender.
// Messages without a sender are owned by nobody.
func (m *Message) IsOwnedBy(userID string) bool {
	return m.SenderID != "" && m.SenderID == userID
}

// ToggleReaction removes r from reactions when an identical pair is present
// and appends it otherwise. Comparison is exact on both fields. The input
// slice is not modified.
func ToggleReaction(reactions []Reaction, r Reaction) []Reaction {
	out := make([]Reaction, 0, len(reactions)+1)
	removed := false
	for _, existing := range reactions {
		if !removed && existing == r {
			removed = true
			continue
		}
		out = append(out, existing)
	}
	if !removed {
		out = append(out, r)
	}
	return out
}
