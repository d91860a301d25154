// Package protocol defines the websocket wire format. Every frame is a JSON
// text message of the form {"event": "<name>", "data": <payload>}.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/teenhut/hutchat/internal/domain"
)

// Client to server events.
const (
	EventJoinRoom      = "join-room"
	EventLeaveRoom     = "leave-room"
	EventSendMessage   = "send-message"
	EventEditMessage   = "edit-message"
	EventDeleteMessage = "delete-message"
	EventReactMessage  = "react-message"
)

// Server to client events.
const (
	EventHistory        = "history"
	EventMessage        = "message"
	EventMessageUpdated = "message-updated"
	EventMessageDeleted = "message-deleted"
	EventMessageReacted = "message-reacted"
)

// ErrMalformed wraps every payload decoding failure.
var ErrMalformed = errors.New("malformed payload")

// Envelope is a single websocket frame.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Encode builds a frame for event carrying data.
func Encode(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", event, err)
	}
	frame, err := json.Marshal(Envelope{Event: event, Data: raw})
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", event, err)
	}
	return frame, nil
}

// DecodeEnvelope parses a frame.
func DecodeEnvelope(frame []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Event == "" {
		return Envelope{}, fmt.Errorf("%w: missing event name", ErrMalformed)
	}
	return env, nil
}

// Decode unmarshals an event payload into v.
func Decode(data json.RawMessage, v any) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return fmt.Errorf("%w: empty payload", ErrMalformed)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

// JoinRoom asks to join a room. UserID is required for private rooms.
type JoinRoom struct {
	Room   string `json:"room"`
	UserID string `json:"userId,omitempty"`
}

// DecodeJoinRoom accepts both {room, userId} and the legacy bare room string.
func DecodeJoinRoom(data json.RawMessage) (JoinRoom, error) {
	var join JoinRoom
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		if err := json.Unmarshal(trimmed, &join.Room); err != nil {
			return JoinRoom{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	} else if err := Decode(data, &join); err != nil {
		return JoinRoom{}, err
	}
	join.Room = strings.TrimSpace(join.Room)
	if join.Room == "" {
		return JoinRoom{}, fmt.Errorf("%w: room is required", ErrMalformed)
	}
	return join, nil
}

// LeaveRoom asks to leave a room.
type LeaveRoom struct {
	Room string `json:"room"`
}

// SendMessage posts a new message to a room.
type SendMessage struct {
	Room      string           `json:"room"`
	Text      string           `json:"text"`
	MediaURL  string           `json:"mediaUrl,omitempty"`
	MediaType domain.MediaKind `json:"mediaType,omitempty"`
	UserID    string           `json:"userId,omitempty"`
	Username  string           `json:"username,omitempty"`
	ReplyTo   *domain.ReplyRef `json:"replyTo,omitempty"`
}

// EditMessage replaces a message body.
type EditMessage struct {
	Room      string `json:"room,omitempty"`
	MessageID string `json:"messageId"`
	NewText   string `json:"newText"`
	UserID    string `json:"userId,omitempty"`
}

// DeleteMessage removes a message.
type DeleteMessage struct {
	Room      string `json:"room,omitempty"`
	MessageID string `json:"messageId"`
	UserID    string `json:"userId,omitempty"`
}

// ReactMessage toggles a reaction on a message.
type ReactMessage struct {
	Room      string `json:"room,omitempty"`
	MessageID string `json:"messageId"`
	UserID    string `json:"userId,omitempty"`
	Emoji     string `json:"emoji"`
}

// MessageEvent announces a newly sent message.
type MessageEvent struct {
	ID         string            `json:"id"`
	Text       string            `json:"text"`
	MediaURL   string            `json:"mediaUrl,omitempty"`
	MediaType  domain.MediaKind  `json:"mediaType,omitempty"`
	SenderID   string            `json:"senderId"`
	SenderName string            `json:"senderName"`
	Timestamp  time.Time         `json:"timestamp"`
	ReplyTo    *domain.ReplyRef  `json:"replyTo,omitempty"`
	Reactions  []domain.Reaction `json:"reactions"`
}

// NewMessageEvent builds the announcement for msg.
func NewMessageEvent(msg *domain.Message) MessageEvent {
	reactions := msg.Reactions
	if reactions == nil {
		reactions = []domain.Reaction{}
	}
	return MessageEvent{
		ID:         msg.ID,
		Text:       msg.Text,
		MediaURL:   msg.MediaURL,
		MediaType:  msg.MediaType,
		SenderID:   msg.SenderID,
		SenderName: msg.SenderName,
		Timestamp:  msg.Timestamp,
		ReplyTo:    msg.ReplyTo,
		Reactions:  reactions,
	}
}

// MessageUpdated announces an edit.
type MessageUpdated struct {
	ID       string `json:"id"`
	Text     string `json:"text"`
	IsEdited bool   `json:"isEdited"`
}

// MessageDeleted announces a deletion.
type MessageDeleted struct {
	MessageID string `json:"messageId"`
}

// MessageReacted carries a message's complete reaction list.
type MessageReacted struct {
	MessageID string            `json:"messageId"`
	Reactions []domain.Reaction `json:"reactions"`
}
