package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// errNotSubscribed is returned by Publish until the subscription is live, so
// callers fall back to local delivery instead of losing frames.
var errNotSubscribed = errors.New("backplane not subscribed")

const (
	minResubscribeDelay = time.Second
	maxResubscribeDelay = 30 * time.Second
)

// backplaneMessage is what travels over the Redis channel.
type backplaneMessage struct {
	Node  string          `json:"node"`
	Room  string          `json:"room"`
	Frame json.RawMessage `json:"frame"`
}

// Backplane fans room frames out across nodes over a Redis pub/sub channel.
// Every node, the publisher included, delivers what it receives to its local
// members.
type Backplane struct {
	client  redis.UniversalClient
	channel string
	nodeID  string
	metrics *Metrics
	ready   atomic.Bool
}

// NewBackplane creates a Backplane publishing on channel.
func NewBackplane(client redis.UniversalClient, channel string, metrics *Metrics) *Backplane {
	if metrics == nil {
		metrics = NewMetrics(nil, nil)
	}
	return &Backplane{
		client:  client,
		channel: channel,
		nodeID:  uuid.NewString(),
		metrics: metrics,
	}
}

// Publish sends frame for room to every node.
func (b *Backplane) Publish(ctx context.Context, room string, frame []byte) error {
	if !b.ready.Load() {
		return errNotSubscribed
	}
	payload, err := json.Marshal(backplaneMessage{Node: b.nodeID, Room: room, Frame: frame})
	if err != nil {
		return fmt.Errorf("encode backplane message: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		b.metrics.Backplane.WithLabelValues("publish_failed").Inc()
		return fmt.Errorf("publish to %s: %w", b.channel, err)
	}
	b.metrics.Backplane.WithLabelValues("published").Inc()
	return nil
}

// Run keeps a subscription to the channel open and hands every received
// frame to deliver until ctx is done. Lost subscriptions are retried with
// backoff; frames published meanwhile are delivered locally by the Hub.
func (b *Backplane) Run(ctx context.Context, deliver func(room string, frame []byte)) error {
	delay := minResubscribeDelay
	for {
		err := b.subscribe(ctx, deliver)
		if ctx.Err() != nil {
			slog.Info("Backplane shutting down", "reason", ctx.Err())
			return nil
		}
		slog.Warn("Backplane subscription lost, retrying", "error", err, "delay", delay)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil
		}
		delay = min(delay*2, maxResubscribeDelay)
	}
}

func (b *Backplane) subscribe(ctx context.Context, deliver func(room string, frame []byte)) error {
	sub := b.client.Subscribe(ctx, b.channel)
	defer func() {
		b.ready.Store(false)
		if err := sub.Close(); err != nil {
			slog.Debug("Failed to close backplane subscription", "error", err)
		}
	}()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe to %s: %w", b.channel, err)
	}
	b.ready.Store(true)
	slog.Info("Backplane subscribed", "channel", b.channel, "node_id", b.nodeID)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return errors.New("subscription channel closed")
			}
			var m backplaneMessage
			if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
				slog.Warn("Dropping malformed backplane message", "error", err)
				continue
			}
			// Own frames come back too; they are the only local delivery.
			if m.Node == b.nodeID {
				b.metrics.Backplane.WithLabelValues("echoed").Inc()
			} else {
				b.metrics.Backplane.WithLabelValues("received").Inc()
			}
			deliver(m.Room, m.Frame)
		}
	}
}
