package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"

	"github.com/teenhut/hutchat/internal/protocol"
)

const eventBuffer = 64

// DialOptions configures Dial.
type DialOptions struct {
	Token      string // sent as a bearer token when set
	HTTPClient *http.Client
}

// Conn is a client connection to the chat websocket.
type Conn struct {
	ws     *websocket.Conn
	events chan protocol.Envelope

	closeOnce sync.Once
	closing   atomic.Bool
	cancel    context.CancelFunc
	err       error
	done      chan struct{}
}

// Dial connects to url (ws:// or wss://) and starts reading server events.
func Dial(ctx context.Context, url string, opts *DialOptions) (*Conn, error) {
	if opts == nil {
		opts = &DialOptions{}
	}
	header := http.Header{}
	if opts.Token != "" {
		header.Set("Authorization", "Bearer "+opts.Token)
	}

	ws, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPClient: opts.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	readCtx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		ws:     ws,
		events: make(chan protocol.Envelope, eventBuffer),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go c.readLoop(readCtx)
	return c, nil
}

// Events delivers server frames in arrival order. It is closed when the
// connection ends; Err then reports why.
func (c *Conn) Events() <-chan protocol.Envelope { return c.events }

// Err returns the error that ended the read loop, if any.
func (c *Conn) Err() error {
	<-c.done
	return c.err
}

func (c *Conn) readLoop(ctx context.Context) {
	defer close(c.done)
	defer close(c.events)

	for {
		_, frame, err := c.ws.Read(ctx)
		if err != nil {
			if !c.closing.Load() && websocket.CloseStatus(err) != websocket.StatusNormalClosure && !errors.Is(err, context.Canceled) {
				c.err = err
			}
			return
		}
		env, err := protocol.DecodeEnvelope(frame)
		if err != nil {
			slog.Warn("Dropping malformed server frame", "error", err)
			continue
		}
		select {
		case c.events <- env:
		case <-ctx.Done():
			return
		}
	}
}

// Close ends the connection.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closing.Store(true)
		err = c.ws.Close(websocket.StatusNormalClosure, "")
		c.cancel()
	})
	return err
}

func (c *Conn) emit(ctx context.Context, event string, data any) error {
	frame, err := protocol.Encode(event, data)
	if err != nil {
		return err
	}
	return c.ws.Write(ctx, websocket.MessageText, frame)
}

// Join asks to join room. The server answers with a history frame, or with
// nothing when access is denied.
func (c *Conn) Join(ctx context.Context, room, userID string) error {
	return c.emit(ctx, protocol.EventJoinRoom, protocol.JoinRoom{Room: room, UserID: userID})
}

// Leave leaves room.
func (c *Conn) Leave(ctx context.Context, room string) error {
	return c.emit(ctx, protocol.EventLeaveRoom, protocol.LeaveRoom{Room: room})
}

// Send posts a message.
func (c *Conn) Send(ctx context.Context, msg protocol.SendMessage) error {
	return c.emit(ctx, protocol.EventSendMessage, msg)
}

// Edit replaces the text of one of the user's messages.
func (c *Conn) Edit(ctx context.Context, msg protocol.EditMessage) error {
	return c.emit(ctx, protocol.EventEditMessage, msg)
}

// Delete removes one of the user's messages.
func (c *Conn) Delete(ctx context.Context, msg protocol.DeleteMessage) error {
	return c.emit(ctx, protocol.EventDeleteMessage, msg)
}

// React toggles a reaction.
func (c *Conn) React(ctx context.Context, msg protocol.ReactMessage) error {
	return c.emit(ctx, protocol.EventReactMessage, msg)
}
