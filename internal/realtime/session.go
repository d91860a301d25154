// Package realtime runs websocket sessions and fans room events out to them.
package realtime

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// sendBufferSize bounds the frames queued for one session. A session whose
// buffer is full is disconnected rather than skipped.
const sendBufferSize = 256

// State is a session's lifecycle state.
type State int32

const (
	StateConnected State = iota
	StateJoined
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateJoined:
		return "joined"
	case StateDisconnected:
		return "disconnected"
	}
	return "unknown"
}

// Session is one websocket connection. It implements room.Member.
type Session struct {
	id       string
	userID   string // verified user id, empty for anonymous connections
	username string

	conn    *websocket.Conn
	send    chan []byte
	limiter *rate.Limiter

	state      atomic.Int32
	lastActive atomic.Int64

	closeOnce   sync.Once
	done        chan struct{}
	cancel      context.CancelFunc
	closeReason atomic.Value
	onSlow      func()
}

func newSession(conn *websocket.Conn, userID, username string, limiter *rate.Limiter, cancel context.CancelFunc) *Session {
	s := &Session{
		id:       uuid.NewString(),
		userID:   userID,
		username: username,
		conn:     conn,
		send:     make(chan []byte, sendBufferSize),
		limiter:  limiter,
		done:     make(chan struct{}),
		cancel:   cancel,
	}
	s.touch()
	return s
}

// ID returns the connection id.
func (s *Session) ID() string { return s.id }

// UserID returns the verified user id, if any.
func (s *Session) UserID() string { return s.userID }

// Username returns the verified display name, if any.
func (s *Session) Username() string { return s.username }

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) markJoined() {
	s.state.CompareAndSwap(int32(StateConnected), int32(StateJoined))
}

func (s *Session) markConnected() {
	s.state.CompareAndSwap(int32(StateJoined), int32(StateConnected))
}

func (s *Session) markDisconnected() {
	s.state.Store(int32(StateDisconnected))
}

func (s *Session) touch() {
	s.lastActive.Store(time.Now().UnixNano())
}

// LastActive returns when the session last sent an event.
func (s *Session) LastActive() time.Time {
	return time.Unix(0, s.lastActive.Load())
}

// Done is closed once the session is shutting down.
func (s *Session) Done() <-chan struct{} { return s.done }

// Deliver queues frame for the write pump. A full buffer closes the session.
func (s *Session) Deliver(frame []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}

	select {
	case s.send <- frame:
		return true
	default:
		slog.Warn("Send buffer full, closing slow session", "session_id", s.id, "user_id", s.userID)
		if s.onSlow != nil {
			s.onSlow()
		}
		s.Close("slow consumer")
		return false
	}
}

// Close stops the session. The connection is torn down by its handler.
func (s *Session) Close(reason string) {
	s.closeOnce.Do(func() {
		s.closeReason.Store(reason)
		close(s.done)
		if s.cancel != nil {
			s.cancel()
		}
	})
}

// CloseReason returns the reason passed to Close, if any.
func (s *Session) CloseReason() string {
	if v, ok := s.closeReason.Load().(string); ok {
		return v
	}
	return ""
}
