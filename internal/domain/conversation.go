package domain

import (
	"slices"
	"sort"
	"strings"
	"time"
)

// LastMessage summarizes the most recent message of a conversation.
type LastMessage struct {
	Text       string    `json:"text"`
	SenderName string    `json:"senderName"`
	Timestamp  time.Time `json:"timestamp"`
}

// Conversation is a private room with an explicit participant list.
type Conversation struct {
	ID           string       `json:"_id"`
	Participants []string     `json:"participants"`
	Name         string       `json:"name,omitempty"`
	IsGroup      bool         `json:"isGroup"`
	AdminID      string       `json:"admin,omitempty"`
	LastMessage  *LastMessage `json:"lastMessage,omitempty"`
	UpdatedAt    time.Time    `json:"updatedAt"`
}

// HasParticipant reports whether userID is a member of the conversation.
func (c *Conversation) HasParticipant(userID string) bool {
	if userID == "" {
		return false
	}
	return slices.Contains(c.Participants, userID)
}

// DirectKey returns the order-independent key of a 1-on-1 conversation, or
// "" when the conversation is a group or does not have exactly two members.
func (c *Conversation) DirectKey() string {
	if c.IsGroup {
		return ""
	}
	return DirectKey(c.Participants)
}

// DirectKey builds the order-independent key for a pair of participants.
func DirectKey(participants []string) string {
	if len(participants) != 2 {
		return ""
	}
	pair := []string{participants[0], participants[1]}
	sort.Strings(pair)
	return strings.Join(pair, ":")
}
