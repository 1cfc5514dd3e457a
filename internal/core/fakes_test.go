package core

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"

	"gwi.com/inspire-gateway/internal/catalog"
	"gwi.com/inspire-gateway/internal/media"
	"gwi.com/inspire-gateway/internal/provider"
	"gwi.com/inspire-gateway/internal/store"
	"gwi.com/inspire-gateway/internal/stream"
)

// events records the order of side effects across fakes.
type events struct {
	mu  sync.Mutex
	log []string
}

func (e *events) add(s string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.log = append(e.log, s)
}

func (e *events) all() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.log...)
}

type memStore struct {
	mu            sync.Mutex
	events        *events
	messages      []store.Message
	titles        map[string]string
	failUser      bool
	failAssistant bool
	// beforeCreate runs ahead of every CreateMessage.
	beforeCreate func()
}

func newMemStore(ev *events) *memStore {
	return &memStore{events: ev, titles: map[string]string{}}
}

func (m *memStore) CreateMessage(_ context.Context, msg *store.Message) error {
	if m.beforeCreate != nil {
		m.beforeCreate()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if (msg.Direction == store.DirectionUser && m.failUser) || (msg.Direction == store.DirectionAssistant && m.failAssistant) {
		return errors.New("database is locked")
	}
	msg.ID = fmt.Sprintf("%s-%d", msg.Direction, len(m.messages))
	m.messages = append(m.messages, *msg)
	if m.events != nil {
		m.events.add("record:" + string(msg.Direction))
	}
	return nil
}

func (m *memStore) TouchConversation(_ context.Context, id, title string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.titles[id] == "" {
		m.titles[id] = title
	}
	return nil
}

func (m *memStore) ListRecentMessages(_ context.Context, conversationID string, n int) ([]store.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Message
	for _, msg := range m.messages {
		if msg.ConversationID == conversationID {
			out = append(out, msg)
		}
	}
	if len(out) > n {
		out = out[len(out)-n:]
	}
	return out, nil
}

func (m *memStore) saved() []store.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]store.Message(nil), m.messages...)
}

// scriptedAdapter replays frames. With waitAt > 0 it blocks before frame
// waitAt until ctx ends, then reports the cancellation.
type scriptedAdapter struct {
	conv   stream.Convention
	frames []stream.Frame
	waitAt int
	events *events

	mu      sync.Mutex
	got     provider.Turn
	calls   int
	stopped bool
}

func (a *scriptedAdapter) Name() string                  { return "fake" }
func (a *scriptedAdapter) Convention() stream.Convention { return a.conv }

func (a *scriptedAdapter) Stream(ctx context.Context, turn provider.Turn) iter.Seq[stream.Frame] {
	return func(yield func(stream.Frame) bool) {
		a.mu.Lock()
		a.got = turn
		a.calls++
		a.mu.Unlock()
		if a.events != nil {
			a.events.add("upstream")
		}
		for i, f := range a.frames {
			if a.waitAt > 0 && i == a.waitAt {
				<-ctx.Done()
				yield(stream.ErrorFrame(stream.Wrap(stream.KindCancelled, "fake", ctx.Err())))
				return
			}
			if !yield(f) {
				a.mu.Lock()
				a.stopped = true
				a.mu.Unlock()
				return
			}
		}
	}
}

type fakeBuilder struct {
	adapter provider.Adapter
	err     error
	policy  media.Policy
	stager  media.Stager
	builds  int
}

func (b *fakeBuilder) Build(context.Context, catalog.ToolConfig, provider.Capability) (provider.Adapter, error) {
	b.builds++
	return b.adapter, b.err
}

func (b *fakeBuilder) Policy(catalog.ToolConfig, media.Kind) media.Policy { return b.policy }

func (b *fakeBuilder) Stager(context.Context, catalog.ToolConfig) (media.Stager, error) {
	return b.stager, nil
}

type countingStager struct {
	mu       sync.Mutex
	staged   int
	released []string
}

func (s *countingStager) Stage(_ context.Context, data []byte, mimeType string) (media.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.staged++
	return media.Handle{ID: "files/big", URI: "https://files.example/big", MIMEType: mimeType}, nil
}

func (s *countingStager) Release(_ context.Context, h media.Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released = append(s.released, h.ID)
	return nil
}

func (s *countingStager) Close() error { return nil }

type frameSink struct {
	mu     sync.Mutex
	frames []stream.Frame
	failAt int
	onEmit func(n int)
}

func (s *frameSink) emit(f stream.Frame) error {
	s.mu.Lock()
	n := len(s.frames) + 1
	if s.failAt > 0 && n >= s.failAt {
		s.mu.Unlock()
		return errors.New("connection closed")
	}
	s.frames = append(s.frames, f)
	cb := s.onEmit
	s.mu.Unlock()
	if cb != nil {
		cb(n)
	}
	return nil
}

func (s *frameSink) all() []stream.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]stream.Frame(nil), s.frames...)
}
