package chat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teenhut/hutchat/internal/domain"
	"github.com/teenhut/hutchat/internal/protocol"
	"github.com/teenhut/hutchat/internal/store"
)

const privateRoom = "64f0a1b2c3d4e5f601234567"

// memStore is an in-memory MessageStore.
type memStore struct {
	mu        sync.Mutex
	messages  map[string]*domain.Message
	failWrite error
	summaries map[string]domain.LastMessage
}

func newMemStore() *memStore {
	return &memStore{messages: map[string]*domain.Message{}, summaries: map[string]domain.LastMessage{}}
}

func (m *memStore) CreateMessage(_ context.Context, msg *domain.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWrite != nil {
		return m.failWrite
	}
	if msg.ID == "" {
		msg.ID = domain.NewID()
	}
	cp := *msg
	m.messages[msg.ID] = &cp
	return nil
}

func (m *memStore) GetMessage(_ context.Context, id string) (*domain.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok {
		return nil, nil
	}
	cp := *msg
	return &cp, nil
}

func (m *memStore) UpdateMessageText(_ context.Context, id, senderID, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok || msg.SenderID != senderID {
		return store.ErrNotFound
	}
	msg.Text = text
	msg.IsEdited = true
	return nil
}

func (m *memStore) DeleteMessage(_ context.Context, id, senderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok || msg.SenderID != senderID {
		return store.ErrNotFound
	}
	delete(m.messages, id)
	return nil
}

func (m *memStore) ToggleReaction(_ context.Context, id string, r domain.Reaction) ([]domain.Reaction, error) {
	m.mu.Lock()
	msg, ok := m.messages[id]
	var current []domain.Reaction
	if ok {
		current = msg.Reactions
	}
	m.mu.Unlock()
	if !ok {
		return nil, store.ErrNotFound
	}

	// Widen the read-modify-write window so missing engine serialization shows up.
	time.Sleep(time.Millisecond)
	next := domain.ToggleReaction(current, r)

	m.mu.Lock()
	msg.Reactions = next
	m.mu.Unlock()
	return next, nil
}

func (m *memStore) UpdateLastMessage(_ context.Context, id string, last domain.LastMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.summaries[id] = last
	return nil
}

type broadcast struct {
	room    string
	event   string
	payload any
}

type recordingBroadcaster struct {
	mu     sync.Mutex
	events []broadcast
}

func (b *recordingBroadcaster) Broadcast(_ context.Context, room, event string, payload any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, broadcast{room: room, event: event, payload: payload})
	return nil
}

func (b *recordingBroadcaster) all() []broadcast {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]broadcast(nil), b.events...)
}

type fakeStats struct {
	mu    sync.Mutex
	users []string
	err   error
}

func (f *fakeStats) RecordMessageSent(_ context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users = append(f.users, userID)
	return f.err
}

func newTestEngine(opts ...Option) (*Engine, *memStore, *recordingBroadcaster) {
	s := newMemStore()
	b := &recordingBroadcaster{}
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 123456789, time.UTC)
	opts = append([]Option{WithClock(func() time.Time { return fixed })}, opts...)
	return NewEngine(s, b, opts...), s, b
}

func TestEngine_SendPersistsThenBroadcasts(t *testing.T) {
	stats := &fakeStats{}
	e, s, b := newTestEngine(WithStats(stats))

	msg, err := e.Send(context.Background(), SendInput{
		Room:     "world",
		Text:     "U2FsdGVkX1",
		UserID:   "u1",
		Username: "ana",
		ReplyTo:  &domain.ReplyRef{ID: "m0", Text: "prev", SenderName: "bo"},
	})
	require.NoError(t, err)

	stored, _ := s.GetMessage(context.Background(), msg.ID)
	require.NotNil(t, stored)
	assert.Equal(t, "ana", stored.SenderName)
	assert.Equal(t, time.Date(2024, 5, 1, 12, 0, 0, 123000000, time.UTC), stored.Timestamp)

	events := b.all()
	require.Len(t, events, 1)
	assert.Equal(t, "world", events[0].room)
	assert.Equal(t, protocol.EventMessage, events[0].event)
	ev := events[0].payload.(protocol.MessageEvent)
	assert.Equal(t, msg.ID, ev.ID)
	assert.Equal(t, "u1", ev.SenderID)
	assert.NotNil(t, ev.Reactions)
	assert.Empty(t, ev.Reactions)
	assert.Equal(t, "m0", ev.ReplyTo.ID)

	assert.Equal(t, []string{"u1"}, stats.users)
}

func TestEngine_SendDefaultsAnonymous(t *testing.T) {
	stats := &fakeStats{}
	e, _, b := newTestEngine(WithStats(stats))

	msg, err := e.Send(context.Background(), SendInput{Room: "memes", Text: "x"})
	require.NoError(t, err)
	assert.Equal(t, AnonymousName, msg.SenderName)
	assert.Empty(t, msg.SenderID)
	assert.Len(t, b.all(), 1)
	assert.Empty(t, stats.users, "anonymous sends are not counted")
}

func TestEngine_SendValidation(t *testing.T) {
	e, _, b := newTestEngine()
	ctx := context.Background()

	_, err := e.Send(ctx, SendInput{Text: "x"})
	assert.ErrorIs(t, err, ErrInvalid)
	_, err = e.Send(ctx, SendInput{Room: "world"})
	assert.ErrorIs(t, err, ErrInvalid)
	_, err = e.Send(ctx, SendInput{Room: "world", Text: "x", MediaType: "gif"})
	assert.ErrorIs(t, err, ErrInvalid)
	assert.Empty(t, b.all())
}

func TestEngine_SendPersistenceFailureBroadcastsNothing(t *testing.T) {
	stats := &fakeStats{}
	e, s, b := newTestEngine(WithStats(stats))
	s.failWrite = errors.New("disk full")

	_, err := e.Send(context.Background(), SendInput{Room: "world", Text: "x", UserID: "u1"})
	require.Error(t, err)
	assert.Empty(t, b.all())
	assert.Empty(t, stats.users)
}

func TestEngine_SendStatsFailureDoesNotFail(t *testing.T) {
	e, _, b := newTestEngine(WithStats(&fakeStats{err: errors.New("boom")}))
	_, err := e.Send(context.Background(), SendInput{Room: "world", Text: "x", UserID: "u1"})
	require.NoError(t, err)
	assert.Len(t, b.all(), 1)
}

func TestEngine_SendUpdatesPrivateConversationSummary(t *testing.T) {
	s := newMemStore()
	b := &recordingBroadcaster{}
	e := NewEngine(s, b, WithConversations(s))

	_, err := e.Send(context.Background(), SendInput{Room: privateRoom, Text: "hi", UserID: "u1", Username: "ana"})
	require.NoError(t, err)
	_, err = e.Send(context.Background(), SendInput{Room: "world", Text: "hi", UserID: "u1", Username: "ana"})
	require.NoError(t, err)

	require.Contains(t, s.summaries, privateRoom)
	assert.Equal(t, "ana", s.summaries[privateRoom].SenderName)
	assert.NotContains(t, s.summaries, "world")
}

func seed(t *testing.T, e *Engine, room, userID string) *domain.Message {
	t.Helper()
	msg, err := e.Send(context.Background(), SendInput{Room: room, Text: "orig", UserID: userID, Username: userID})
	require.NoError(t, err)
	return msg
}

func TestEngine_EditOwnership(t *testing.T) {
	e, s, b := newTestEngine()
	ctx := context.Background()
	msg := seed(t, e, "world", "u1")

	err := e.Edit(ctx, EditInput{MessageID: msg.ID, NewText: "hacked", UserID: "u2"})
	assert.ErrorIs(t, err, ErrForbidden)
	stored, _ := s.GetMessage(ctx, msg.ID)
	assert.Equal(t, "orig", stored.Text)
	assert.False(t, stored.IsEdited)
	assert.Len(t, b.all(), 1)

	require.NoError(t, e.Edit(ctx, EditInput{MessageID: msg.ID, NewText: "fixed", UserID: "u1"}))
	stored, _ = s.GetMessage(ctx, msg.ID)
	assert.Equal(t, "fixed", stored.Text)
	assert.True(t, stored.IsEdited)

	events := b.all()
	require.Len(t, events, 2)
	assert.Equal(t, protocol.EventMessageUpdated, events[1].event)
	assert.Equal(t, protocol.MessageUpdated{ID: msg.ID, Text: "fixed", IsEdited: true}, events[1].payload)
}

func TestEngine_EditUsesPersistedRoom(t *testing.T) {
	e, _, b := newTestEngine()
	msg := seed(t, e, "gaming", "u1")

	require.NoError(t, e.Edit(context.Background(), EditInput{MessageID: msg.ID, NewText: "n", UserID: "u1"}))
	events := b.all()
	assert.Equal(t, "gaming", events[len(events)-1].room)
}

func TestEngine_EditAndDeleteNotFound(t *testing.T) {
	e, _, b := newTestEngine()
	ctx := context.Background()

	assert.ErrorIs(t, e.Edit(ctx, EditInput{MessageID: domain.NewID(), NewText: "x", UserID: "u1"}), ErrNotFound)
	assert.ErrorIs(t, e.Delete(ctx, DeleteInput{MessageID: domain.NewID(), UserID: "u1"}), ErrNotFound)
	assert.ErrorIs(t, e.Edit(ctx, EditInput{MessageID: "", NewText: "x", UserID: "u1"}), ErrInvalid)
	assert.Empty(t, b.all())
}

func TestEngine_AnonymousMessagesAreImmutable(t *testing.T) {
	e, _, _ := newTestEngine()
	ctx := context.Background()
	msg, err := e.Send(ctx, SendInput{Room: "world", Text: "x"})
	require.NoError(t, err)

	assert.ErrorIs(t, e.Edit(ctx, EditInput{MessageID: msg.ID, NewText: "y"}), ErrForbidden)
	assert.ErrorIs(t, e.Delete(ctx, DeleteInput{MessageID: msg.ID}), ErrForbidden)
}

func TestEngine_Delete(t *testing.T) {
	e, s, b := newTestEngine()
	ctx := context.Background()
	msg := seed(t, e, "world", "u1")

	assert.ErrorIs(t, e.Delete(ctx, DeleteInput{MessageID: msg.ID, UserID: "u2"}), ErrForbidden)
	require.NoError(t, e.Delete(ctx, DeleteInput{MessageID: msg.ID, UserID: "u1"}))

	stored, _ := s.GetMessage(ctx, msg.ID)
	assert.Nil(t, stored)

	events := b.all()
	require.Len(t, events, 2)
	assert.Equal(t, protocol.EventMessageDeleted, events[1].event)
	assert.Equal(t, protocol.MessageDeleted{MessageID: msg.ID}, events[1].payload)

	assert.ErrorIs(t, e.Delete(ctx, DeleteInput{MessageID: msg.ID, UserID: "u1"}), ErrNotFound)
}

func TestEngine_ReactToggle(t *testing.T) {
	e, _, b := newTestEngine()
	ctx := context.Background()
	msg := seed(t, e, "world", "u1")

	got, err := e.React(ctx, ReactInput{MessageID: msg.ID, UserID: "u2", Emoji: "❤️"})
	require.NoError(t, err)
	assert.Equal(t, []domain.Reaction{{UserID: "u2", Emoji: "❤️"}}, got)

	got, err = e.React(ctx, ReactInput{MessageID: msg.ID, UserID: "u2", Emoji: "❤️"})
	require.NoError(t, err)
	assert.Empty(t, got)

	events := b.all()
	require.Len(t, events, 3)
	last := events[2].payload.(protocol.MessageReacted)
	assert.Equal(t, msg.ID, last.MessageID)
	assert.Empty(t, last.Reactions)

	_, err = e.React(ctx, ReactInput{MessageID: msg.ID, Emoji: "❤️"})
	assert.ErrorIs(t, err, ErrInvalid)
	_, err = e.React(ctx, ReactInput{MessageID: domain.NewID(), UserID: "u2", Emoji: "❤️"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEngine_ConcurrentReactsAreAllKept(t *testing.T) {
	e, s, _ := newTestEngine()
	ctx := context.Background()
	msg := seed(t, e, "world", "u1")

	var wg sync.WaitGroup
	for _, u := range []string{"a", "b", "c", "d", "e", "f"} {
		wg.Add(1)
		go func(u string) {
			defer wg.Done()
			_, err := e.React(ctx, ReactInput{MessageID: msg.ID, UserID: u, Emoji: "🔥"})
			assert.NoError(t, err)
		}(u)
	}
	wg.Wait()

	stored, _ := s.GetMessage(ctx, msg.ID)
	assert.Len(t, stored.Reactions, 6)
	assert.Zero(t, e.locks.size())
}
