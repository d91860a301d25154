// Package client is a Go client for the chat websocket: a connection wrapper
// and the local timeline that reconciles server events against optimistic
// edits.
package client

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/teenhut/hutchat/internal/cipher"
	"github.com/teenhut/hutchat/internal/domain"
	"github.com/teenhut/hutchat/internal/protocol"
)

const localIDPrefix = "local-"

// Entry is one rendered message. Text is already decrypted.
type Entry struct {
	ID         string
	Text       string
	MediaURL   string
	MediaType  domain.MediaKind
	Mine       bool
	SenderName string
	Timestamp  time.Time
	IsEdited   bool
	ReplyTo    *domain.ReplyRef
	Reactions  []domain.Reaction
	Pending    bool // appended locally, never confirmed by the server
}

// Timeline is the client's view of one room.
type Timeline struct {
	userID string
	codec  cipher.Codec

	mu      sync.Mutex
	entries []Entry
}

// NewTimeline creates a Timeline for userID. A nil codec passes bodies through.
func NewTimeline(userID string, codec cipher.Codec) *Timeline {
	if codec == nil {
		codec = cipher.Plain{}
	}
	return &Timeline{userID: userID, codec: codec}
}

// Entries returns a snapshot of the timeline in display order.
func (t *Timeline) Entries() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Entry, len(t.entries))
	copy(out, t.entries)
	return out
}

// Apply routes a server frame to the matching reconciliation step. It
// reports whether the timeline changed.
func (t *Timeline) Apply(env protocol.Envelope) (bool, error) {
	switch env.Event {
	case protocol.EventHistory:
		var msgs []*domain.Message
		if err := protocol.Decode(env.Data, &msgs); err != nil {
			return false, err
		}
		t.ApplyHistory(msgs)
		return true, nil
	case protocol.EventMessage:
		var ev protocol.MessageEvent
		if err := protocol.Decode(env.Data, &ev); err != nil {
			return false, err
		}
		return t.ApplyMessage(ev), nil
	case protocol.EventMessageUpdated:
		var ev protocol.MessageUpdated
		if err := protocol.Decode(env.Data, &ev); err != nil {
			return false, err
		}
		return t.ApplyUpdated(ev), nil
	case protocol.EventMessageDeleted:
		var ev protocol.MessageDeleted
		if err := protocol.Decode(env.Data, &ev); err != nil {
			return false, err
		}
		return t.ApplyDeleted(ev), nil
	case protocol.EventMessageReacted:
		var ev protocol.MessageReacted
		if err := protocol.Decode(env.Data, &ev); err != nil {
			return false, err
		}
		return t.ApplyReacted(ev), nil
	}
	return false, fmt.Errorf("unexpected event %q", env.Event)
}

// ApplyHistory replaces the timeline with the server's backlog. Live
// messages that arrived before the backlog and are missing from it are kept
// after it in timestamp order, as are optimistic entries whose persisted copy
// is not in the backlog yet.
func (t *Timeline) ApplyHistory(msgs []*domain.Message) {
	entries := make([]Entry, 0, len(msgs))
	inBacklog := make(map[string]bool, len(msgs))
	mineTexts := make(map[string]int)
	for _, m := range msgs {
		e := Entry{
			ID:         m.ID,
			Text:       t.codec.Decrypt(m.Text),
			MediaURL:   m.MediaURL,
			MediaType:  m.MediaType,
			Mine:       t.userID != "" && m.SenderID == t.userID,
			SenderName: m.SenderName,
			Timestamp:  m.Timestamp,
			IsEdited:   m.IsEdited,
			ReplyTo:    m.ReplyTo,
			Reactions:  nonNil(m.Reactions),
		}
		inBacklog[e.ID] = true
		if e.Mine {
			mineTexts[e.Text]++
		}
		entries = append(entries, e)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	var late []Entry
	for _, e := range t.entries {
		switch {
		case e.Pending:
			if mineTexts[e.Text] > 0 {
				mineTexts[e.Text]--
				continue
			}
		case inBacklog[e.ID]:
			continue
		}
		late = append(late, e)
	}
	slices.SortStableFunc(late, func(a, b Entry) int {
		return a.Timestamp.Compare(b.Timestamp)
	})
	t.entries = append(entries, late...)
}

// ApplyMessage appends a new message. The echo of the local user's own send
// is skipped since it was already appended optimistically.
func (t *Timeline) ApplyMessage(ev protocol.MessageEvent) bool {
	if t.userID != "" && ev.SenderID == t.userID {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.indexLocked(ev.ID) >= 0 {
		return false
	}
	t.entries = append(t.entries, Entry{
		ID:         ev.ID,
		Text:       t.codec.Decrypt(ev.Text),
		MediaURL:   ev.MediaURL,
		MediaType:  ev.MediaType,
		SenderName: ev.SenderName,
		Timestamp:  ev.Timestamp,
		ReplyTo:    ev.ReplyTo,
		Reactions:  nonNil(ev.Reactions),
	})
	return true
}

// ApplyUpdated replaces the text of the entry with the event's id.
func (t *Timeline) ApplyUpdated(ev protocol.MessageUpdated) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	i := t.indexLocked(ev.ID)
	if i < 0 {
		return false
	}
	t.entries[i].Text = t.codec.Decrypt(ev.Text)
	t.entries[i].IsEdited = true
	return true
}

// ApplyDeleted removes the entry with the event's id.
func (t *Timeline) ApplyDeleted(ev protocol.MessageDeleted) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.removeLocked(ev.MessageID)
}

// ApplyReacted replaces the reaction list of the entry with the event's id.
func (t *Timeline) ApplyReacted(ev protocol.MessageReacted) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	i := t.indexLocked(ev.MessageID)
	if i < 0 {
		return false
	}
	t.entries[i].Reactions = nonNil(ev.Reactions)
	return true
}

// AppendLocal optimistically appends the local user's message and returns
// the entry. Its id is local and never matches a server id.
func (t *Timeline) AppendLocal(text, senderName string, replyTo *domain.ReplyRef) Entry {
	e := Entry{
		ID:         localIDPrefix + uuid.NewString(),
		Text:       text,
		Mine:       true,
		SenderName: senderName,
		Timestamp:  time.Now(),
		ReplyTo:    replyTo,
		Reactions:  []domain.Reaction{},
		Pending:    true,
	}
	t.mu.Lock()
	t.entries = append(t.entries, e)
	t.mu.Unlock()
	return e
}

// EditLocal optimistically replaces an entry's text.
func (t *Timeline) EditLocal(id, text string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	i := t.indexLocked(id)
	if i < 0 {
		return false
	}
	t.entries[i].Text = text
	t.entries[i].IsEdited = true
	return true
}

// DeleteLocal optimistically removes an entry.
func (t *Timeline) DeleteLocal(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.removeLocked(id)
}

func (t *Timeline) indexLocked(id string) int {
	if id == "" {
		return -1
	}
	for i := range t.entries {
		if t.entries[i].ID == id {
			return i
		}
	}
	return -1
}

func (t *Timeline) removeLocked(id string) bool {
	i := t.indexLocked(id)
	if i < 0 {
		return false
	}
	t.entries = append(t.entries[:i], t.entries[i+1:]...)
	return true
}

func nonNil(r []domain.Reaction) []domain.Reaction {
	if r == nil {
		return []domain.Reaction{}
	}
	return r
}
