package realtime

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/teenhut/hutchat/internal/protocol"
	"github.com/teenhut/hutchat/internal/room"
)

// Publisher forwards encoded room frames to every node, this one included.
type Publisher interface {
	Publish(ctx context.Context, room string, frame []byte) error
}

// Hub owns the sessions connected to this node and delivers room events to
// them.
type Hub struct {
	rooms   *room.Registry
	metrics *Metrics

	mu        sync.RWMutex
	sessions  map[string]*Session
	publisher Publisher
}

// NewHub creates a Hub over rooms.
func NewHub(rooms *room.Registry, metrics *Metrics) *Hub {
	if metrics == nil {
		metrics = NewMetrics(nil, nil)
	}
	return &Hub{
		rooms:    rooms,
		metrics:  metrics,
		sessions: make(map[string]*Session),
	}
}

// SetPublisher routes broadcasts through p instead of delivering locally.
func (h *Hub) SetPublisher(p Publisher) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.publisher = p
}

// Rooms returns the hub's room registry.
func (h *Hub) Rooms() *room.Registry { return h.rooms }

// Register tracks a new session.
func (h *Hub) Register(s *Session) {
	s.onSlow = h.metrics.SlowConsumers.Inc

	h.mu.Lock()
	h.sessions[s.ID()] = s
	h.mu.Unlock()

	h.metrics.Sessions.Inc()
	slog.Info("Session registered", "session_id", s.ID(), "user_id", s.UserID())
}

// Unregister drops a session and every room membership it held.
func (h *Hub) Unregister(s *Session) {
	h.mu.Lock()
	_, ok := h.sessions[s.ID()]
	delete(h.sessions, s.ID())
	h.mu.Unlock()

	if !ok {
		return
	}
	left := h.rooms.RemoveAll(s.ID())
	s.markDisconnected()
	h.metrics.Sessions.Dec()
	slog.Info("Session unregistered", "session_id", s.ID(), "user_id", s.UserID(), "rooms_left", len(left))
}

// Join adds s to roomName.
func (h *Hub) Join(roomName string, s *Session) bool {
	added := h.rooms.Add(roomName, s)
	s.markJoined()
	return added
}

// Leave removes s from roomName. A session left in no room is back to
// connected.
func (h *Hub) Leave(roomName string, s *Session) bool {
	removed := h.rooms.Remove(roomName, s.ID())
	if len(h.rooms.RoomsOf(s.ID())) == 0 {
		s.markConnected()
	}
	return removed
}

// IsMember reports whether s is in roomName.
func (h *Hub) IsMember(roomName string, s *Session) bool {
	return h.rooms.IsMember(roomName, s.ID())
}

// Broadcast encodes payload and delivers it to every member of roomName,
// the originator included. With a publisher configured the frame goes through
// it; if publishing fails the frame is delivered to local members only.
func (h *Hub) Broadcast(ctx context.Context, roomName, event string, payload any) error {
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		return err
	}

	h.mu.RLock()
	p := h.publisher
	h.mu.RUnlock()

	if p != nil {
		err := p.Publish(ctx, roomName, frame)
		if err == nil {
			return nil
		}
		slog.Warn("Backplane publish failed, delivering locally", "room", roomName, "event", event, "error", err)
	}
	h.DeliverLocal(roomName, frame)
	return nil
}

// DeliverLocal queues frame for every local member of roomName and returns
// how many accepted it.
func (h *Hub) DeliverLocal(roomName string, frame []byte) int {
	delivered := 0
	for _, m := range h.rooms.Members(roomName) {
		if m.Deliver(frame) {
			delivered++
		}
	}
	h.metrics.Deliveries.Add(float64(delivered))
	return delivered
}

// Sessions returns a snapshot of connected sessions.
func (h *Hub) Sessions() []*Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		out = append(out, s)
	}
	return out
}

// CloseIdle closes sessions with no activity since before cutoff and returns
// how many were closed.
func (h *Hub) CloseIdle(cutoff time.Time) int {
	closed := 0
	for _, s := range h.Sessions() {
		if s.LastActive().Before(cutoff) {
			slog.Info("Closing idle session", "session_id", s.ID(), "last_active", s.LastActive())
			s.Close("idle timeout")
			closed++
		}
	}
	return closed
}

// CloseAll closes every session.
func (h *Hub) CloseAll(reason string) {
	for _, s := range h.Sessions() {
		s.Close(reason)
	}
}
