package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/time/rate"

	"github.com/teenhut/hutchat/internal/chat"
	"github.com/teenhut/hutchat/internal/domain"
	"github.com/teenhut/hutchat/internal/identity"
	"github.com/teenhut/hutchat/internal/protocol"
	"github.com/teenhut/hutchat/internal/room"
)

const (
	readLimit    = 1 << 16
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
)

var (
	errJoinDenied       = errors.New("join denied")
	errIdentityMismatch = errors.New("payload user id does not match token")
	errNotMember        = errors.New("sender is not a room member")
)

// Authorizer decides whether a user may join a room.
type Authorizer interface {
	Authorize(ctx context.Context, room, userID string) room.Decision
}

// HistorySource loads a room's backlog.
type HistorySource interface {
	Load(ctx context.Context, room string) ([]*domain.Message, error)
}

// Mutator applies message mutations.
type Mutator interface {
	Send(ctx context.Context, in chat.SendInput) (*domain.Message, error)
	Edit(ctx context.Context, in chat.EditInput) error
	Delete(ctx context.Context, in chat.DeleteInput) error
	React(ctx context.Context, in chat.ReactInput) ([]domain.Reaction, error)
}

// HandlerConfig tunes a WebSocketHandler.
type HandlerConfig struct {
	AllowedOrigin          string
	IsDev                  bool
	AuthEnabled            bool
	EventRate              float64
	EventBurst             int
	SendRequiresMembership bool
	PingInterval           time.Duration // keepalive period, 30s when unset
}

// WebSocketHandler serves the chat websocket endpoint.
type WebSocketHandler struct {
	hub     *Hub
	guard   Authorizer
	history HistorySource
	engine  Mutator
	cfg     HandlerConfig
}

// NewWebSocketHandler creates a new WebSocket handler.
func NewWebSocketHandler(hub *Hub, guard Authorizer, history HistorySource, engine Mutator, cfg HandlerConfig) *WebSocketHandler {
	if cfg.EventRate <= 0 {
		cfg.EventRate = 20
	}
	if cfg.EventBurst <= 0 {
		cfg.EventBurst = 40
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = pingInterval
	}
	return &WebSocketHandler{
		hub:     hub,
		guard:   guard,
		history: history,
		engine:  engine,
		cfg:     cfg,
	}
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	slog.Debug("WebSocket connection request", "user_id", userID, "ip", identity.IPFromRequest(r))

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "user_id", userID)
		return
	}
	ws.SetReadLimit(readLimit)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	limiter := rate.NewLimiter(rate.Limit(h.cfg.EventRate), h.cfg.EventBurst)
	sess := newSession(ws, userID, identity.UsernameFromContext(r.Context()), limiter, cancel)

	h.hub.Register(sess)
	defer h.hub.Unregister(sess)

	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		h.writePump(ctx, sess)
	}()

	h.readLoop(ctx, sess)

	sess.Close("read loop ended")
	<-pumpDone

	status := websocket.StatusNormalClosure
	reason := sess.CloseReason()
	if reason == "slow consumer" {
		status = websocket.StatusPolicyViolation
	}
	if closeErr := ws.Close(status, reason); closeErr != nil {
		slog.Debug("Failed to close websocket", "error", closeErr, "session_id", sess.ID())
	}
	slog.Debug("Chat session ended", "session_id", sess.ID(), "reason", reason)
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	if h.cfg.IsDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.cfg.AllowedOrigin == "*" {
		return true
	}
	if origin == h.cfg.AllowedOrigin {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.cfg.AllowedOrigin)
	return false
}

func (h *WebSocketHandler) readLoop(ctx context.Context, s *Session) {
	for {
		_, frame, err := s.conn.Read(ctx)
		if err != nil {
			switch {
			case websocket.CloseStatus(err) != -1:
				slog.Debug("WebSocket closed by client", "session_id", s.ID())
			case ctx.Err() != nil:
				slog.Debug("WebSocket read cancelled", "session_id", s.ID(), "reason", s.CloseReason())
			default:
				slog.Warn("WebSocket read error", "error", err, "session_id", s.ID())
			}
			return
		}
		s.touch()

		if !s.limiter.Allow() {
			h.hub.metrics.Events.WithLabelValues("*", outcomeRateLimited).Inc()
			slog.Debug("Event rate limited", "session_id", s.ID())
			continue
		}
		h.dispatch(ctx, s, frame)
	}
}

func (h *WebSocketHandler) writePump(ctx context.Context, s *Session) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case frame := <-s.send:
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := s.conn.Write(writeCtx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				slog.Debug("WebSocket write error", "error", err, "session_id", s.ID())
				s.Close("write failed")
				return
			}
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := s.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				slog.Debug("WebSocket ping failed", "error", err, "session_id", s.ID())
				s.Close("ping failed")
				return
			}
			// A returned pong proves the peer is alive even if it never writes.
			s.touch()
		}
	}
}

// dispatch handles one inbound frame. Failures are logged and dropped; the
// connection stays open.
func (h *WebSocketHandler) dispatch(ctx context.Context, s *Session, frame []byte) {
	event := "unparsed"
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("Panic while handling event", "event", event, "session_id", s.ID(), "panic", rec)
			h.hub.metrics.Events.WithLabelValues(event, outcomeError).Inc()
		}
	}()

	env, err := protocol.DecodeEnvelope(frame)
	if err != nil {
		h.observe(s, event, err)
		return
	}
	event = env.Event

	switch env.Event {
	case protocol.EventJoinRoom:
		err = h.handleJoin(ctx, s, env)
	case protocol.EventLeaveRoom:
		err = h.handleLeave(s, env)
	case protocol.EventSendMessage:
		err = h.handleSend(ctx, s, env)
	case protocol.EventEditMessage:
		err = h.handleEdit(ctx, s, env)
	case protocol.EventDeleteMessage:
		err = h.handleDelete(ctx, s, env)
	case protocol.EventReactMessage:
		err = h.handleReact(ctx, s, env)
	default:
		h.hub.metrics.Events.WithLabelValues("other", outcomeUnknown).Inc()
		slog.Debug("Ignoring unknown event", "event", env.Event, "session_id", s.ID())
		return
	}
	h.observe(s, event, err)
}

// observe maps a handler result onto a metric outcome and a log line.
func (h *WebSocketHandler) observe(s *Session, event string, err error) {
	outcome := outcomeOK
	level := slog.LevelDebug
	switch {
	case err == nil:
	case errors.Is(err, protocol.ErrMalformed), errors.Is(err, chat.ErrInvalid):
		outcome = outcomeInvalid
	case errors.Is(err, errJoinDenied):
		outcome = outcomeDenied
		level = slog.LevelInfo
	case errors.Is(err, chat.ErrForbidden):
		outcome = outcomeForbidden
		level = slog.LevelInfo
	case errors.Is(err, chat.ErrNotFound):
		outcome = outcomeNotFound
	case errors.Is(err, errNotMember):
		outcome = outcomeNotMember
	case errors.Is(err, errIdentityMismatch):
		outcome = outcomeIdentityMismatch
		level = slog.LevelWarn
	default:
		outcome = outcomeError
		level = slog.LevelWarn
	}
	h.hub.metrics.Events.WithLabelValues(event, outcome).Inc()
	if err != nil {
		slog.Log(context.Background(), level, "Dropped event", "event", event, "outcome", outcome,
			"session_id", s.ID(), "user_id", s.UserID(), "error", err)
	}
}

func (h *WebSocketHandler) resolveUser(s *Session, claimed string) (string, error) {
	userID, ok := identity.ResolveUserID(h.cfg.AuthEnabled, s.UserID(), claimed)
	if !ok {
		return "", errIdentityMismatch
	}
	return userID, nil
}

func (h *WebSocketHandler) handleJoin(ctx context.Context, s *Session, env protocol.Envelope) error {
	join, err := protocol.DecodeJoinRoom(env.Data)
	if err != nil {
		return err
	}
	userID, err := h.resolveUser(s, join.UserID)
	if err != nil {
		return err
	}

	decision := h.guard.Authorize(ctx, join.Room, userID)
	if !decision.Allowed {
		return fmt.Errorf("%w: room %s: %s", errJoinDenied, join.Room, decision.Reason)
	}

	// Membership first so nothing sent while history loads is missed; the
	// client dedupes by id.
	h.hub.Join(join.Room, s)
	slog.Debug("Joined room", "room", join.Room, "session_id", s.ID(), "private", decision.Private)

	msgs, err := h.history.Load(ctx, join.Room)
	if err != nil {
		return err
	}
	frame, err := protocol.Encode(protocol.EventHistory, msgs)
	if err != nil {
		return err
	}
	s.Deliver(frame)
	return nil
}

func (h *WebSocketHandler) handleLeave(s *Session, env protocol.Envelope) error {
	var leave protocol.LeaveRoom
	if err := protocol.Decode(env.Data, &leave); err != nil {
		return err
	}
	if leave.Room == "" {
		return fmt.Errorf("%w: room is required", protocol.ErrMalformed)
	}
	h.hub.Leave(leave.Room, s)
	return nil
}

func (h *WebSocketHandler) handleSend(ctx context.Context, s *Session, env protocol.Envelope) error {
	var p protocol.SendMessage
	if err := protocol.Decode(env.Data, &p); err != nil {
		return err
	}
	userID, err := h.resolveUser(s, p.UserID)
	if err != nil {
		return err
	}
	if h.cfg.SendRequiresMembership && !h.hub.IsMember(p.Room, s) {
		return fmt.Errorf("%w: room %s", errNotMember, p.Room)
	}

	username := p.Username
	if s.Username() != "" && userID == s.UserID() {
		username = s.Username()
	}

	_, err = h.engine.Send(ctx, chat.SendInput{
		Room:      p.Room,
		Text:      p.Text,
		MediaURL:  p.MediaURL,
		MediaType: p.MediaType,
		UserID:    userID,
		Username:  username,
		ReplyTo:   p.ReplyTo,
	})
	return err
}

func (h *WebSocketHandler) handleEdit(ctx context.Context, s *Session, env protocol.Envelope) error {
	var p protocol.EditMessage
	if err := protocol.Decode(env.Data, &p); err != nil {
		return err
	}
	userID, err := h.resolveUser(s, p.UserID)
	if err != nil {
		return err
	}
	return h.engine.Edit(ctx, chat.EditInput{MessageID: p.MessageID, NewText: p.NewText, UserID: userID})
}

func (h *WebSocketHandler) handleDelete(ctx context.Context, s *Session, env protocol.Envelope) error {
	var p protocol.DeleteMessage
	if err := protocol.Decode(env.Data, &p); err != nil {
		return err
	}
	userID, err := h.resolveUser(s, p.UserID)
	if err != nil {
		return err
	}
	return h.engine.Delete(ctx, chat.DeleteInput{MessageID: p.MessageID, UserID: userID})
}

func (h *WebSocketHandler) handleReact(ctx context.Context, s *Session, env protocol.Envelope) error {
	var p protocol.ReactMessage
	if err := protocol.Decode(env.Data, &p); err != nil {
		return err
	}
	userID, err := h.resolveUser(s, p.UserID)
	if err != nil {
		return err
	}
	_, err = h.engine.React(ctx, chat.ReactInput{MessageID: p.MessageID, UserID: userID, Emoji: p.Emoji})
	return err
}
