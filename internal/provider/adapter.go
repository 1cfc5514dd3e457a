package provider

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync/atomic"
	"time"

	"gopkg.in/cenkalti/backoff.v1"

	"gwi.com/inspire-gateway/internal/catalog"
	"gwi.com/inspire-gateway/internal/media"
	"gwi.com/inspire-gateway/internal/stream"
)

// Adapter turns one turn into a finite stream of frames from one upstream
// capability. The returned sequence can be ranged over once; a failed or
// cancelled stream is never resumed.
type Adapter interface {
	Name() string
	Convention() stream.Convention
	Stream(ctx context.Context, turn Turn) iter.Seq[stream.Frame]
}

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// HistoryMessage is one earlier message of the conversation.
type HistoryMessage struct {
	Role    Role
	Content string
}

// Turn is everything an adapter gets for one user message.
type Turn struct {
	ConversationID string
	// Prompt is the user's text with inline parameter lines removed.
	Prompt  string
	Params  Params
	Intent  Intent
	Media   []media.Ref
	History []HistoryMessage
}

// FirstMedia returns the first payload of kind.
func (t Turn) FirstMedia(kind media.Kind) (media.Ref, bool) {
	for _, m := range t.Media {
		if m.Kind == kind {
			return m, true
		}
	}
	return media.Ref{}, false
}

// Persona is the system instruction for chat adapters.
func Persona(tool catalog.ToolConfig) string {
	return fmt.Sprintf("You are %s, an AI assistant by %s.", tool.DisplayName(), providerLabel(tool.ProviderType))
}

func providerLabel(p catalog.ProviderType) string {
	switch p {
	case catalog.ProviderOpenAI:
		return "OpenAI"
	case catalog.ProviderGemini:
		return "Google"
	case catalog.ProviderHuggingFace:
		return "Hugging Face"
	}
	return "InspireAI"
}

var errConsumed = stream.Errorf(stream.KindInternal, "stream already consumed")

// oneShot makes seq usable once. Later iterations yield a single error frame.
func oneShot(seq iter.Seq[stream.Frame]) iter.Seq[stream.Frame] {
	var used atomic.Bool
	return func(yield func(stream.Frame) bool) {
		if used.Swap(true) {
			yield(stream.ErrorFrame(errConsumed))
			return
		}
		seq(yield)
	}
}

// classify maps an upstream failure onto the error taxonomy. A done ctx wins
// over err: its cause says whether the turn was cancelled or timed out.
func classify(ctx context.Context, provider string, err error) error {
	if ctx.Err() != nil {
		cause := context.Cause(ctx)
		var se *stream.Error
		if errors.As(cause, &se) {
			return cause
		}
		if errors.Is(cause, context.DeadlineExceeded) {
			return stream.Wrap(stream.KindUpstreamTimeout, provider, cause)
		}
		return stream.Wrap(stream.KindCancelled, provider, cause)
	}
	var se *stream.Error
	if errors.As(err, &se) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return stream.Wrap(stream.KindUpstreamTimeout, provider, err)
	}
	return stream.Wrap(stream.KindUpstream, provider, err)
}

// watchIdle derives a context that is cancelled when kick is not called for
// d. Streaming adapters kick on every chunk.
func watchIdle(parent context.Context, provider string, d time.Duration) (ctx context.Context, kick func(), stop func()) {
	ctx, cancel := context.WithCancelCause(parent)
	if d <= 0 {
		return ctx, func() {}, func() { cancel(nil) }
	}
	idle := &stream.Error{Kind: stream.KindUpstreamTimeout, Provider: provider, Message: fmt.Sprintf("no data for %s", d)}
	t := time.AfterFunc(d, func() { cancel(idle) })
	return ctx, func() { t.Reset(d) }, func() {
		t.Stop()
		cancel(nil)
	}
}

// pollUntil calls check every interval until it reports done, bounded by
// timeout. Running out of time is an UpstreamTimeout.
func pollUntil(ctx context.Context, provider string, interval, timeout time.Duration, check func(context.Context) (bool, error)) error {
	jobCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	b := backoff.WithContext(backoff.NewConstantBackOff(interval), jobCtx)
	for {
		done, err := check(jobCtx)
		if err != nil && jobCtx.Err() == nil {
			return err
		}
		if err == nil && done {
			return nil
		}
		next := b.NextBackOff()
		if next != backoff.Stop {
			t := time.NewTimer(next)
			select {
			case <-t.C:
				continue
			case <-jobCtx.Done():
				t.Stop()
			}
		}
		if ctx.Err() != nil {
			return classify(ctx, provider, ctx.Err())
		}
		return &stream.Error{Kind: stream.KindUpstreamTimeout, Provider: provider, Message: fmt.Sprintf("job did not finish within %s", timeout)}
	}
}
