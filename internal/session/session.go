package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"gwi.com/inspire-gateway/internal/core"
	"gwi.com/inspire-gateway/internal/stream"
)

// State is the lifecycle position of a session.
type State int

const (
	StateConnecting State = iota
	StateAuthenticated
	StateIdle
	StateStreaming
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAuthenticated:
		return "authenticated"
	case StateIdle:
		return "idle"
	case StateStreaming:
		return "streaming"
	case StateClosed:
		return "closed"
	}
	return "connecting"
}

const (
	DefaultWriteWait     = 10 * time.Second
	DefaultPongWait      = 60 * time.Second
	DefaultMaxFrameBytes = 64 << 20

	outboundBuffer = 32
)

// ErrClientGone is the cause of every context cancelled by a disconnect.
var ErrClientGone = errors.New("client disconnected")

type Config struct {
	WriteWait      time.Duration
	PongWait       time.Duration
	MaxFrameBytes  int64
	// TurnsPerMinute caps turns per session; zero or less disables the limit.
	TurnsPerMinute int
	AllowedOrigins []string
}

func (c Config) withDefaults() Config {
	if c.WriteWait <= 0 {
		c.WriteWait = DefaultWriteWait
	}
	if c.PongWait <= 0 {
		c.PongWait = DefaultPongWait
	}
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = DefaultMaxFrameBytes
	}
	return c
}

// pingPeriod must stay below PongWait.
func (c Config) pingPeriod() time.Duration {
	return c.PongWait * 9 / 10
}

// NewUpgrader returns an upgrader that accepts browsers from the allowed
// origins only. Requests without an Origin header are not browsers and pass.
func NewUpgrader(allowedOrigins []string) *websocket.Upgrader {
	origins := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		origins[o] = true
	}
	return &websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if len(origins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			return origin == "" || origins[origin]
		},
	}
}

// TurnHandler runs one turn. It is implemented by core.Gateway.
type TurnHandler interface {
	HandleTurn(ctx context.Context, d *core.Dispatcher, conversationID string, in core.Inbound, emit core.Emit) error
}

// Session is one client connection bound to a conversation. A single writer
// goroutine owns the connection's write side; at most one turn streams at a
// time.
type Session struct {
	id             string
	conversationID string
	conn           *websocket.Conn
	handler        TurnHandler
	dispatcher     *core.Dispatcher
	locker         Locker
	cfg            Config
	limiter        *rate.Limiter
	out            chan stream.Frame
	logger         *zap.Logger

	mu         sync.Mutex
	state      State
	turnSeq    uint64
	cancelTurn context.CancelCauseFunc
}

// New wraps an upgraded connection whose principal already owns the
// conversation. id is the session id the conversation lock was taken
// under; an empty id gets a fresh one.
func New(id string, conn *websocket.Conn, conversationID string, h TurnHandler, d *core.Dispatcher, locker Locker, cfg Config, logger *zap.Logger) *Session {
	cfg = cfg.withDefaults()
	if id == "" {
		id = uuid.NewString()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if locker == nil {
		locker = NewMemoryLocker()
	}
	limit := rate.Inf
	burst := 1
	if cfg.TurnsPerMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(cfg.TurnsPerMinute))
		burst = cfg.TurnsPerMinute
	}
	return &Session{
		id:             id,
		conversationID: conversationID,
		conn:           conn,
		handler:        h,
		dispatcher:     d,
		locker:         locker,
		cfg:            cfg,
		limiter:        rate.NewLimiter(limit, burst),
		out:            make(chan stream.Frame, outboundBuffer),
		logger: logger.Named("session").With(
			zap.String("session_id", id),
			zap.String("conversation_id", conversationID),
			zap.String("tool_id", d.Tool().ID),
		),
		state: StateAuthenticated,
	}
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Run serves the connection until the client leaves or ctx ends. An
// in-flight turn is cancelled on the way out.
func (s *Session) Run(ctx context.Context) error {
	s.setState(StateIdle)
	s.logger.Info("Session opened")
	defer func() {
		s.setState(StateClosed)
		s.logger.Info("Session closed")
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.writeLoop(gctx) })
	g.Go(func() error { return s.readLoop(gctx, g) })

	err := g.Wait()
	if errors.Is(err, ErrClientGone) {
		return nil
	}
	return err
}

func (s *Session) readLoop(ctx context.Context, g *errgroup.Group) error {
	s.conn.SetReadLimit(s.cfg.MaxFrameBytes)
	_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) && ctx.Err() == nil {
				s.logger.Warn("WebSocket closed unexpectedly", zap.Error(err))
			}
			return fmt.Errorf("%w: %v", ErrClientGone, err)
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))

		var in core.Inbound
		if err := json.Unmarshal(data, &in); err != nil {
			s.reject(ctx, stream.Errorf(stream.KindInvalidIntent, "malformed frame: %v", err))
			continue
		}
		if in.IsCancel() {
			s.cancel()
			continue
		}
		s.startTurn(ctx, g, in)
	}
}

// reject answers a frame that never became a turn. While a turn streams the
// frame must not look terminal.
func (s *Session) reject(ctx context.Context, err error) {
	f := stream.ErrorFrame(err)
	if s.State() == StateStreaming {
		f = stream.Rejection(err, "")
	}
	_ = s.send(ctx, f)
}

func (s *Session) startTurn(ctx context.Context, g *errgroup.Group, in core.Inbound) {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		s.logger.Info("Turn rejected, session busy")
		_ = s.send(ctx, stream.Rejection(stream.ErrSessionBusy, stream.FinishSessionBusy))
		return
	}
	if !s.limiter.Allow() {
		s.mu.Unlock()
		s.logger.Info("Turn rejected, rate limited")
		_ = s.send(ctx, stream.Rejection(stream.ErrRateLimited, stream.FinishRateLimited))
		return
	}
	turnCtx, cancel := context.WithCancelCause(ctx)
	s.turnSeq++
	seq := s.turnSeq
	s.state = StateStreaming
	s.cancelTurn = cancel
	s.mu.Unlock()

	g.Go(func() error {
		defer s.endTurn(seq, nil)
		emit := func(f stream.Frame) error {
			if !f.Terminal() {
				return s.send(ctx, f)
			}
			// The terminal frame is queued and the session goes Idle in one
			// step: the next turn can neither be refused as busy nor get its
			// first frame ahead of this one.
			s.mu.Lock()
			defer s.mu.Unlock()
			err := s.send(ctx, f)
			s.endTurnLocked(seq, nil)
			return err
		}
		return s.handler.HandleTurn(turnCtx, s.dispatcher, s.conversationID, in, emit)
	})
}

// endTurn returns to Idle if turn seq is still the active one.
func (s *Session) endTurn(seq uint64, cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endTurnLocked(seq, cause)
}

func (s *Session) endTurnLocked(seq uint64, cause error) {
	if s.turnSeq != seq || s.state != StateStreaming {
		return
	}
	s.state = StateIdle
	if s.cancelTurn != nil {
		s.cancelTurn(cause)
		s.cancelTurn = nil
	}
}

// cancel stops the active turn on the client's request.
func (s *Session) cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateStreaming || s.cancelTurn == nil {
		return
	}
	s.logger.Info("Cancelling turn on client request")
	s.cancelTurn(stream.ErrCancelled)
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = st
}

// send queues f for the writer. It fails once the session is shutting down.
func (s *Session) send(ctx context.Context, f stream.Frame) error {
	select {
	case s.out <- f:
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

func (s *Session) writeLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.pingPeriod())
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case f := <-s.out:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
			if err := s.conn.WriteJSON(f); err != nil {
				return fmt.Errorf("%w: %v", ErrClientGone, err)
			}
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.cfg.WriteWait)); err != nil {
				return fmt.Errorf("%w: %v", ErrClientGone, err)
			}
			if err := s.locker.Refresh(ctx, s.conversationID, s.id); err != nil {
				s.logger.Warn("Failed to refresh conversation lock", zap.Error(err))
			}
		case <-ctx.Done():
			s.drain()
			msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "")
			if errors.Is(context.Cause(ctx), ErrClientGone) {
				msg = websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			}
			_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.cfg.WriteWait))
			return nil
		}
	}
}

// drain flushes frames queued before shutdown.
func (s *Session) drain() {
	for {
		select {
		case f := <-s.out:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
			if err := s.conn.WriteJSON(f); err != nil {
				return
			}
		default:
			return
		}
	}
}
