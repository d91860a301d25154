package realtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teenhut/hutchat/internal/protocol"
	"github.com/teenhut/hutchat/internal/room"
)

// captureMember is a room.Member that records delivered frames.
type captureMember struct {
	id     string
	mu     sync.Mutex
	frames [][]byte
}

func (m *captureMember) ID() string { return m.id }

func (m *captureMember) Deliver(frame []byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frames = append(m.frames, frame)
	return true
}

func (m *captureMember) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.frames)
}

type failingPublisher struct{ calls int }

func (p *failingPublisher) Publish(context.Context, string, []byte) error {
	p.calls++
	return errors.New("redis down")
}

func TestHub_BroadcastDeliversToRoomMembersOnly(t *testing.T) {
	hub := NewHub(room.NewRegistry(), nil)
	in := &captureMember{id: "in"}
	out := &captureMember{id: "out"}
	hub.Rooms().Add("general", in)
	hub.Rooms().Add("random", out)

	err := hub.Broadcast(context.Background(), "general", protocol.EventMessageDeleted, protocol.MessageDeleted{MessageID: "m1"})
	require.NoError(t, err)

	assert.Equal(t, 1, in.count())
	assert.Equal(t, 0, out.count())
	assert.JSONEq(t, `{"event":"message-deleted","data":{"messageId":"m1"}}`, string(in.frames[0]))
	assert.Equal(t, 1.0, testutil.ToFloat64(hub.metrics.Deliveries))
}

func TestHub_PublishFailureFallsBackToLocal(t *testing.T) {
	hub := NewHub(room.NewRegistry(), nil)
	pub := &failingPublisher{}
	hub.SetPublisher(pub)
	m := &captureMember{id: "m"}
	hub.Rooms().Add("general", m)

	require.NoError(t, hub.Broadcast(context.Background(), "general", protocol.EventMessage, map[string]string{"id": "x"}))
	assert.Equal(t, 1, pub.calls)
	assert.Equal(t, 1, m.count())
}

func TestHub_RegisterAndUnregister(t *testing.T) {
	reg := prometheus.NewRegistry()
	rooms := room.NewRegistry()
	hub := NewHub(rooms, NewMetrics(reg, rooms))

	s := newSession(nil, "u1", "alex", nil, nil)
	hub.Register(s)
	assert.Equal(t, StateConnected, s.State())
	assert.Equal(t, 1.0, testutil.ToFloat64(hub.metrics.Sessions))

	assert.True(t, hub.Join("general", s))
	assert.False(t, hub.Join("general", s))
	hub.Join("random", s)
	assert.Equal(t, StateJoined, s.State())
	assert.True(t, hub.IsMember("general", s))

	count, err := testutil.GatherAndCount(reg, "hutchat_room_memberships")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	hub.Unregister(s)
	hub.Unregister(s)
	assert.Equal(t, StateDisconnected, s.State())
	assert.Equal(t, 0.0, testutil.ToFloat64(hub.metrics.Sessions))
	assert.Empty(t, rooms.RoomsOf(s.ID()))
	assert.Empty(t, hub.Sessions())
}

func TestHub_LeavingLastRoomReturnsToConnected(t *testing.T) {
	hub := NewHub(room.NewRegistry(), nil)
	s := newSession(nil, "u1", "alex", nil, nil)
	hub.Register(s)
	hub.Join("general", s)
	hub.Join("random", s)

	assert.True(t, hub.Leave("general", s))
	assert.Equal(t, StateJoined, s.State())
	assert.False(t, hub.Leave("general", s))
	assert.True(t, hub.Leave("random", s))
	assert.Equal(t, StateConnected, s.State())
}

func TestSession_SlowConsumerIsClosed(t *testing.T) {
	hub := NewHub(room.NewRegistry(), nil)
	s := newSession(nil, "", "", nil, nil)
	hub.Register(s)
	hub.Join("general", s)

	frame := []byte(`{"event":"message"}`)
	for i := 0; i < sendBufferSize; i++ {
		require.True(t, s.Deliver(frame), "frame %d", i)
	}
	assert.False(t, s.Deliver(frame))
	assert.Equal(t, "slow consumer", s.CloseReason())
	assert.Equal(t, 1.0, testutil.ToFloat64(hub.metrics.SlowConsumers))

	select {
	case <-s.Done():
	default:
		t.Fatal("session should be closed")
	}
	// Closed sessions refuse further frames without counting again.
	assert.False(t, s.Deliver(frame))
	assert.Equal(t, 1.0, testutil.ToFloat64(hub.metrics.SlowConsumers))
}

func TestSession_CloseIsIdempotent(t *testing.T) {
	cancelled := 0
	s := newSession(nil, "", "", nil, func() { cancelled++ })

	s.Close("first")
	s.Close("second")

	assert.Equal(t, "first", s.CloseReason())
	assert.Equal(t, 1, cancelled)
}

func TestReaper_SweepClosesIdleSessions(t *testing.T) {
	hub := NewHub(room.NewRegistry(), nil)
	idle := newSession(nil, "", "", nil, nil)
	fresh := newSession(nil, "", "", nil, nil)
	hub.Register(idle)
	hub.Register(fresh)

	idle.lastActive.Store(time.Now().Add(-time.Hour).UnixNano())

	r := NewReaper(hub, 10*time.Minute, 0)
	assert.Equal(t, time.Minute, r.interval)
	assert.Equal(t, 1, r.Sweep(time.Now()))
	assert.Equal(t, "idle timeout", idle.CloseReason())
	assert.Empty(t, fresh.CloseReason())
}

func TestReaper_RunStopsOnCancel(t *testing.T) {
	hub := NewHub(room.NewRegistry(), nil)
	r := NewReaper(hub, time.Minute, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("reaper did not stop")
	}
}

func TestBackplane_FansOutAcrossNodes(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	newNode := func() (*Hub, *Backplane, *captureMember) {
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = client.Close() })

		hub := NewHub(room.NewRegistry(), nil)
		bp := NewBackplane(client, "hutchat:test", hub.metrics)
		hub.SetPublisher(bp)
		member := &captureMember{id: "member"}
		hub.Rooms().Add("general", member)

		go func() { _ = bp.Run(ctx, func(room string, frame []byte) { hub.DeliverLocal(room, frame) }) }()
		require.Eventually(t, bp.ready.Load, 2*time.Second, 5*time.Millisecond)
		return hub, bp, member
	}

	hubA, bpA, memberA := newNode()
	_, bpB, memberB := newNode()
	assert.NotEqual(t, bpA.nodeID, bpB.nodeID)

	require.NoError(t, hubA.Broadcast(ctx, "general", protocol.EventMessage, map[string]string{"id": "m1"}))

	require.Eventually(t, func() bool {
		return memberA.count() == 1 && memberB.count() == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(bpA.metrics.Backplane.WithLabelValues("published")))
	assert.Equal(t, 1.0, testutil.ToFloat64(bpA.metrics.Backplane.WithLabelValues("echoed")))
	assert.Equal(t, 0.0, testutil.ToFloat64(bpA.metrics.Backplane.WithLabelValues("received")))
	assert.Equal(t, 1.0, testutil.ToFloat64(bpB.metrics.Backplane.WithLabelValues("received")))
}

func TestBackplane_PublishBeforeSubscribe(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	bp := NewBackplane(client, "hutchat:test", nil)
	err := bp.Publish(context.Background(), "general", []byte(`{}`))
	assert.ErrorIs(t, err, errNotSubscribed)
	assert.False(t, bp.ready.Load())
}

func TestBackplane_RunRetriesUntilCancelled(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	mr.Close()

	bp := NewBackplane(client, "hutchat:test", nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- bp.Run(ctx, func(string, []byte) {}) }()

	time.Sleep(50 * time.Millisecond)
	assert.False(t, bp.ready.Load())
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
