package session

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"gwi.com/inspire-gateway/internal/catalog"
	"gwi.com/inspire-gateway/internal/core"
	"gwi.com/inspire-gateway/internal/media"
	"gwi.com/inspire-gateway/internal/provider"
	"gwi.com/inspire-gateway/internal/store"
	"gwi.com/inspire-gateway/internal/stream"
)

// gatedHandler streams one partial frame, then waits for release or for
// the turn to end.
type gatedHandler struct {
	release chan struct{}
	causes  chan error
}

func newGatedHandler() *gatedHandler {
	return &gatedHandler{release: make(chan struct{}, 8), causes: make(chan error, 8)}
}

func (h *gatedHandler) HandleTurn(ctx context.Context, _ *core.Dispatcher, _ string, in core.Inbound, emit core.Emit) error {
	if err := emit(stream.Message("working on "+in.Message, false)); err != nil {
		return err
	}
	select {
	case <-h.release:
		return emit(stream.Message("done with "+in.Message, true))
	case <-ctx.Done():
		cause := context.Cause(ctx)
		h.causes <- cause
		if errors.Is(cause, stream.ErrCancelled) {
			f := stream.Message("working on "+in.Message, true)
			f.FinishReason = stream.FinishCancelled
			return emit(f)
		}
		return cause
	}
}

type testServer struct {
	url  string
	runs chan error
}

func startServer(t *testing.T, h TurnHandler, cfg Config) *testServer {
	t.Helper()
	ts := &testServer{runs: make(chan error, 1)}
	up := NewUpgrader(nil)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		d := core.NewDispatcher(nil, catalog.ToolConfig{ID: "tool-1"})
		ts.runs <- New("", conn, "conv-1", h, d, nil, cfg, nil).Run(r.Context())
	}))
	t.Cleanup(srv.Close)
	ts.url = "ws" + strings.TrimPrefix(srv.URL, "http")
	return ts
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) stream.Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var f stream.Frame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

func TestSession_SecondTurnIsBusy(t *testing.T) {
	t.Parallel()

	h := newGatedHandler()
	conn := dial(t, startServer(t, h, Config{}).url)

	require.NoError(t, conn.WriteJSON(core.Inbound{Message: "one"}))
	assert.Equal(t, "working on one", readFrame(t, conn).Content)

	require.NoError(t, conn.WriteJSON(core.Inbound{Message: "two"}))
	busy := readFrame(t, conn)
	assert.Equal(t, stream.FrameError, busy.Type)
	assert.False(t, busy.Done)
	assert.Equal(t, stream.FinishSessionBusy, busy.FinishReason)
	assert.Contains(t, busy.Content, "SessionBusy")

	h.release <- struct{}{}
	done := readFrame(t, conn)
	assert.True(t, done.Done)
	assert.Equal(t, "done with one", done.Content)

	// Idle again: the next turn is accepted right away.
	h.release <- struct{}{}
	require.NoError(t, conn.WriteJSON(core.Inbound{Message: "three"}))
	assert.Equal(t, "working on three", readFrame(t, conn).Content)
	assert.Equal(t, "done with three", readFrame(t, conn).Content)
}

func TestSession_CancelFrame(t *testing.T) {
	t.Parallel()

	h := newGatedHandler()
	conn := dial(t, startServer(t, h, Config{}).url)

	require.NoError(t, conn.WriteJSON(core.Inbound{Message: "long"}))
	readFrame(t, conn)
	require.NoError(t, conn.WriteJSON(core.Inbound{Type: core.InboundCancel}))

	f := readFrame(t, conn)
	assert.True(t, f.Done)
	assert.Equal(t, stream.FinishCancelled, f.FinishReason)
	assert.ErrorIs(t, <-h.causes, stream.ErrCancelled)
}

func TestSession_DisconnectCancelsTurn(t *testing.T) {
	t.Parallel()

	h := newGatedHandler()
	ts := startServer(t, h, Config{})
	conn := dial(t, ts.url)

	require.NoError(t, conn.WriteJSON(core.Inbound{Message: "long"}))
	readFrame(t, conn)
	require.NoError(t, conn.Close())

	select {
	case cause := <-h.causes:
		assert.ErrorIs(t, cause, ErrClientGone)
	case <-time.After(5 * time.Second):
		t.Fatal("turn was not cancelled")
	}
	select {
	case err := <-ts.runs:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("session did not stop")
	}
}

func TestSession_RateLimited(t *testing.T) {
	t.Parallel()

	h := newGatedHandler()
	conn := dial(t, startServer(t, h, Config{TurnsPerMinute: 1}).url)

	h.release <- struct{}{}
	require.NoError(t, conn.WriteJSON(core.Inbound{Message: "one"}))
	readFrame(t, conn)
	assert.True(t, readFrame(t, conn).Done)

	require.NoError(t, conn.WriteJSON(core.Inbound{Message: "two"}))
	f := readFrame(t, conn)
	assert.Equal(t, stream.FinishRateLimited, f.FinishReason)
	assert.Contains(t, f.Content, "RateLimited")
}

func TestSession_ZeroTurnsPerMinuteIsUnlimited(t *testing.T) {
	t.Parallel()

	d := core.NewDispatcher(nil, catalog.ToolConfig{ID: "tool-1"})
	s := New("", nil, "conv-1", newGatedHandler(), d, nil, Config{}, nil)
	assert.Equal(t, rate.Inf, s.limiter.Limit())

	s = New("", nil, "conv-1", newGatedHandler(), d, nil, Config{TurnsPerMinute: 6}, nil)
	assert.Equal(t, rate.Every(10*time.Second), s.limiter.Limit())
}

// finishingHandler ends its turn at once with a terminal frame.
type finishingHandler struct {
	emitting chan struct{}
}

func (h *finishingHandler) HandleTurn(_ context.Context, _ *core.Dispatcher, _ string, _ core.Inbound, emit core.Emit) error {
	close(h.emitting)
	return emit(stream.Message("finished", true))
}

func TestSession_IdleOnlyAfterTerminalFrameQueued(t *testing.T) {
	t.Parallel()

	h := &finishingHandler{emitting: make(chan struct{})}
	s := New("", nil, "conv-1", h, core.NewDispatcher(nil, catalog.ToolConfig{ID: "tool-1"}), nil, Config{}, nil)
	// A full outbound queue holds the terminal frame back.
	for i := 0; i < cap(s.out); i++ {
		s.out <- stream.Status("queued")
	}
	s.setState(StateIdle)

	ctx := context.Background()
	var g errgroup.Group
	s.startTurn(ctx, &g, core.Inbound{Message: "hi"})
	<-h.emitting

	states := make(chan State, 1)
	go func() {
		time.Sleep(20 * time.Millisecond)
		states <- s.State()
	}()
	select {
	case st := <-states:
		t.Fatalf("state %s observed while the terminal frame was not queued", st)
	case <-time.After(100 * time.Millisecond):
	}

	<-s.out
	assert.Equal(t, StateIdle, <-states)
	require.NoError(t, g.Wait())

	var last stream.Frame
	for len(s.out) > 0 {
		last = <-s.out
	}
	assert.True(t, last.Done)
	assert.Equal(t, "finished", last.Content)
}

func TestSession_MalformedFrame(t *testing.T) {
	t.Parallel()

	conn := dial(t, startServer(t, newGatedHandler(), Config{}).url)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	f := readFrame(t, conn)
	assert.True(t, f.IsError())
	assert.True(t, f.Done)
	assert.Contains(t, f.Content, "InvalidIntent")
}

func TestSession_EndToEndSimulated(t *testing.T) {
	t.Parallel()

	db, err := store.Open(store.DriverSQLite, filepath.Join(t.TempDir(), "gateway.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	ctx := context.Background()
	conv, err := db.CreateConversation(ctx, "alice", "demo", "")
	require.NoError(t, err)

	reg := provider.NewRegistry(provider.Options{Pick: func(int) int { return 0 }}, catalog.StaticCredentials{}, nil)
	gw := core.NewGateway(media.NewCodec(0), core.NewRecorder(db, nil), core.DefaultHistoryLimit, nil)
	tool := catalog.ToolConfig{ID: "demo", Name: "Demo", ProviderType: catalog.ProviderNone, Category: "chat"}

	up := NewUpgrader(nil)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		d := core.NewDispatcher(reg, tool)
		defer d.Close()
		_ = New("", c, conv.ID, gw, d, nil, Config{}, nil).Run(r.Context())
	}))
	t.Cleanup(srv.Close)

	client := dial(t, "ws"+strings.TrimPrefix(srv.URL, "http"))
	require.NoError(t, client.WriteJSON(core.Inbound{Message: "Hello"}))
	f := readFrame(t, client)
	assert.Equal(t, stream.FrameMessage, f.Type)
	assert.True(t, f.Done)
	assert.Equal(t, "That's an interesting question! Let me share my thoughts.", f.Content)

	msgs, err := db.ListMessages(ctx, conv.ID, 10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "Hello", msgs[0].Content)
	assert.Equal(t, f.Content, msgs[1].Content)

	got, err := db.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "Hello", got.Title)
}

func TestUpgraderOrigins(t *testing.T) {
	t.Parallel()

	up := NewUpgrader([]string{"https://app.example.com"})
	tests := map[string]bool{
		"":                        true,
		"https://app.example.com": true,
		"https://evil.example":    false,
	}
	for origin, want := range tests {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		assert.Equal(t, want, up.CheckOrigin(r), origin)
	}
}

func TestMemoryLocker(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	l := NewMemoryLocker()
	require.NoError(t, l.Acquire(ctx, "c1", "s1"))
	assert.ErrorIs(t, l.Acquire(ctx, "c1", "s2"), ErrConversationInUse)
	require.NoError(t, l.Acquire(ctx, "c2", "s2"))

	require.NoError(t, l.Release(ctx, "c1", "s2"))
	assert.ErrorIs(t, l.Acquire(ctx, "c1", "s2"), ErrConversationInUse)

	require.NoError(t, l.Release(ctx, "c1", "s1"))
	require.NoError(t, l.Acquire(ctx, "c1", "s2"))
}

func TestRedisLocker(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	opts, err := redis.ParseURL(url)
	require.NoError(t, err)
	rdb := redis.NewClient(opts)
	t.Cleanup(func() { _ = rdb.Close() })

	ctx := context.Background()
	conv := "test-" + time.Now().Format("150405.000000000")
	l := NewRedisLocker(rdb, time.Minute)

	require.NoError(t, l.Acquire(ctx, conv, "s1"))
	assert.ErrorIs(t, l.Acquire(ctx, conv, "s2"), ErrConversationInUse)
	require.NoError(t, l.Refresh(ctx, conv, "s1"))
	assert.ErrorIs(t, l.Refresh(ctx, conv, "s2"), ErrConversationInUse)

	require.NoError(t, l.Release(ctx, conv, "s2"))
	assert.ErrorIs(t, l.Acquire(ctx, conv, "s2"), ErrConversationInUse)
	require.NoError(t, l.Release(ctx, conv, "s1"))
	require.NoError(t, l.Acquire(ctx, conv, "s2"))
	require.NoError(t, l.Release(ctx, conv, "s2"))
}
