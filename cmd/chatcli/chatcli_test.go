package main

import (
	"bytes"
	"context"
	"io"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teenhut/hutchat/internal/chat"
	"github.com/teenhut/hutchat/internal/cipher"
	"github.com/teenhut/hutchat/internal/realtime"
	"github.com/teenhut/hutchat/internal/room"
	"github.com/teenhut/hutchat/internal/store"
)

// syncBuffer is a bytes.Buffer safe for one writer and concurrent readers.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func startChat(t *testing.T) (string, *store.SQLiteStore) {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	hub := realtime.NewHub(room.NewRegistry(), nil)
	handler := realtime.NewWebSocketHandler(hub, room.NewGuard(st), chat.NewHistoryLoader(st, 50), chat.NewEngine(st, hub), realtime.HandlerConfig{})
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http"), st
}

func TestRunSend_EncryptsAndConfirms(t *testing.T) {
	url, st := startChat(t)
	opts := options{URL: url, UserID: "u1", Username: "alex", Secret: "shared", Timeout: 5 * time.Second}

	var out bytes.Buffer
	require.NoError(t, runSend(context.Background(), opts, "general", "hello world", &out))
	assert.True(t, strings.HasPrefix(out.String(), "sent "))

	msgs, err := st.RecentMessages(context.Background(), "general", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.NotEqual(t, "hello world", msgs[0].Text)

	codec, err := cipher.NewSecretBox("shared", "general")
	require.NoError(t, err)
	assert.Equal(t, "hello world", codec.Decrypt(msgs[0].Text))
}

func TestRunJoin_PrintsHistoryAndSendsLines(t *testing.T) {
	url, _ := startChat(t)
	opts := options{URL: url, UserID: "u2", Username: "sam", Timeout: 5 * time.Second}
	require.NoError(t, runSend(context.Background(), options{URL: url, UserID: "u1", Username: "alex", Timeout: 5 * time.Second}, "general", "earlier", io.Discard))

	ctx, cancel := context.WithCancel(context.Background())
	pr, pw := io.Pipe()
	out := &syncBuffer{}
	done := make(chan error, 1)
	go func() { done <- runJoin(ctx, opts, "general", pr, out) }()

	require.Eventually(t, func() bool { return strings.Contains(out.String(), "alex: earlier") }, 5*time.Second, 10*time.Millisecond)

	_, err := pw.Write([]byte("hi all\n"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return strings.Contains(out.String(), "me: hi all") }, 5*time.Second, 10*time.Millisecond)

	cancel()
	_ = pw.Close()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("runJoin did not return")
	}
	// The server echo of our own send is suppressed, so the line shows once.
	assert.Equal(t, 1, strings.Count(out.String(), "hi all"))
}

func TestRunJoin_AnonymousPrintsServerEcho(t *testing.T) {
	url, _ := startChat(t)
	ctx, cancel := context.WithCancel(context.Background())
	pr, pw := io.Pipe()
	out := &syncBuffer{}
	done := make(chan error, 1)
	go func() { done <- runJoin(ctx, options{URL: url, Timeout: 5 * time.Second}, "general", pr, out) }()

	_, err := pw.Write([]byte("hello anyone\n"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return strings.Contains(out.String(), "hello anyone") }, 5*time.Second, 10*time.Millisecond)

	cancel()
	_ = pw.Close()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("runJoin did not return")
	}
	assert.Equal(t, 1, strings.Count(out.String(), "hello anyone"))
	assert.NotContains(t, out.String(), "me: hello anyone")
}

// endlessLines yields "x" lines forever.
type endlessLines struct{}

func (endlessLines) Read(p []byte) (int, error) {
	n := 0
	for n+1 < len(p) {
		p[n], p[n+1] = 'x', '\n'
		n += 2
	}
	return n, nil
}

func TestReadLines_StopsWhenCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	lines := readLines(ctx, endlessLines{})
	assert.Equal(t, "x", <-lines)

	cancel()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-lines:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("line reader kept running after cancel")
		}
	}
}

func TestResolveOptions_FromEnv(t *testing.T) {
	t.Setenv("HUTCHAT_USER_ID", "env-user")
	t.Setenv("HUTCHAT_URL", "ws://chat.example/ws")

	t.Setenv("HOME", t.TempDir())

	v := viper.New()
	v.SetDefault("timeout", time.Second)
	require.NoError(t, loadConfig(v, newRootCmd()))
	opts := resolveOptions(v)
	assert.Equal(t, "env-user", opts.UserID)
	assert.Equal(t, "ws://chat.example/ws", opts.URL)
	assert.Equal(t, time.Second, opts.Timeout)
}

func TestCodecFor(t *testing.T) {
	c, err := codecFor(options{}, "general")
	require.NoError(t, err)
	assert.IsType(t, cipher.Plain{}, c)

	c, err = codecFor(options{Secret: "s"}, "general")
	require.NoError(t, err)
	assert.IsType(t, &cipher.SecretBox{}, c)
}
