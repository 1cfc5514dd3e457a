package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"gwi.com/inspire-gateway/internal/media"
	"gwi.com/inspire-gateway/internal/provider"
	"gwi.com/inspire-gateway/internal/stream"
)

const DefaultHistoryLimit = 20

// Emit delivers one frame to the client. An error means the client is gone.
type Emit func(stream.Frame) error

// Gateway runs the turn pipeline: route, decode, persist the user turn,
// stream the adapter and persist the reply.
type Gateway struct {
	codec        *media.Codec
	recorder     *Recorder
	historyLimit int
	logger       *zap.Logger
}

func NewGateway(codec *media.Codec, recorder *Recorder, historyLimit int, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	if historyLimit < 0 {
		historyLimit = 0
	}
	return &Gateway{codec: codec, recorder: recorder, historyLimit: historyLimit, logger: logger.Named("gateway")}
}

// HandleTurn runs one turn and emits its frames, the terminal one last.
// Turn level failures become error frames and return nil; the returned
// error is only set when the client went away or ctx ended for a reason
// other than an explicit cancel.
func (g *Gateway) HandleTurn(ctx context.Context, d *Dispatcher, conversationID string, in Inbound, emit Emit) error {
	logger := g.logger.With(zap.String("conversation_id", conversationID), zap.String("tool_id", d.Tool().ID))

	route := RouteInbound(in)
	if route.State == StateRejected {
		logger.Info("Turn rejected", zap.Error(route.Err))
		return emit(stream.ErrorFrame(route.Err))
	}
	logger = logger.With(zap.Stringer("capability", route.Capability))

	refs := make([]*media.Ref, 0, len(route.Media))
	for _, raw := range route.Media {
		ref, err := g.codec.Decode(raw)
		if err != nil {
			logger.Info("Media rejected", zap.String("kind", string(raw.Kind)), zap.Error(err))
			return emit(stream.ErrorFrame(err))
		}
		refs = append(refs, &ref)
	}

	adapter, err := d.Adapter(ctx, route.Capability)
	if err != nil {
		logger.Warn("No adapter for turn", zap.Error(err))
		return emit(stream.ErrorFrame(err))
	}
	// Simulated replies answer any text; live chat needs something to send.
	if _, simulated := adapter.(*provider.Simulated); !simulated && route.Capability == provider.CapChat && strings.TrimSpace(in.Message) == "" {
		return emit(stream.ErrorFrame(stream.Errorf(stream.KindInvalidIntent, "message is empty")))
	}
	for _, ref := range refs {
		if err := g.codec.Admit(ref, d.Policy(ref.Kind)); err != nil {
			return emit(stream.ErrorFrame(err))
		}
	}

	var first *media.Ref
	if len(refs) > 0 {
		first = refs[0]
	}
	userMsg, err := g.recorder.RecordUserTurn(ctx, conversationID, in.Message, first)
	if err != nil {
		if ctx.Err() != nil {
			return g.interrupted(ctx, "", emit, logger)
		}
		logger.Error("User turn not recorded, skipping dispatch", zap.Error(err))
		return emit(stream.ErrorFrame(err))
	}

	stager, err := g.stage(ctx, d, refs)
	defer g.release(ctx, refs, stager, logger)
	if err != nil {
		if ctx.Err() != nil {
			return g.interrupted(ctx, "", emit, logger)
		}
		return g.fail(ctx, conversationID, adapter.Name(), err, emit, logger)
	}

	turn := provider.Turn{
		ConversationID: conversationID,
		Prompt:         route.Prompt,
		Params:         route.Params,
		Intent:         route.Intent,
	}
	for _, ref := range refs {
		turn.Media = append(turn.Media, *ref)
	}
	if route.Capability == provider.CapChat {
		turn.History, err = g.recorder.History(ctx, conversationID, userMsg.ID, g.historyLimit)
		if err != nil {
			logger.Warn("Continuing without history", zap.Error(err))
		}
	}

	start := time.Now()
	norm := stream.NewNormalizer(adapter.Convention())
	for f := range adapter.Stream(ctx, turn) {
		out, ok := norm.Apply(f)
		if !ok || out.Terminal() {
			break
		}
		if err := emit(out); err != nil {
			return err
		}
	}

	if ctx.Err() != nil {
		logger.Debug("Stream interrupted", zap.Duration("elapsed", time.Since(start)))
		return g.interrupted(ctx, norm.Text(), emit, logger)
	}

	final := norm.Finish()
	if final.IsError() {
		failure := final.Err
		if failure == nil {
			failure = stream.Errorf(stream.KindUpstream, "%s", final.Content)
		}
		return g.fail(ctx, conversationID, adapter.Name(), failure, emit, logger)
	}

	if _, err := g.recorder.RecordAssistantTurn(ctx, conversationID, norm.Transcript(), norm.Assets(), nil); err != nil {
		logger.Error("Assistant turn not recorded", zap.Error(err))
		if err := emit(stream.Status("Warning: this response could not be saved to the conversation history.")); err != nil {
			return err
		}
	}
	logger.Info("Turn finished", zap.String("provider", adapter.Name()), zap.Duration("elapsed", time.Since(start)))
	return emit(final)
}

// interrupted ends a turn whose ctx is done. An explicit cancel closes the
// stream with the text so far; anything else means the client is gone and
// nothing more is sent. Neither is recorded.
func (g *Gateway) interrupted(ctx context.Context, text string, emit Emit, logger *zap.Logger) error {
	cause := context.Cause(ctx)
	if errors.Is(cause, stream.ErrCancelled) {
		logger.Info("Turn cancelled")
		done := stream.Message(text, true)
		done.FinishReason = stream.FinishCancelled
		return emit(done)
	}
	logger.Info("Turn abandoned", zap.Error(cause))
	return cause
}

// fail ends a dispatched turn with an error frame. Upstream failures are
// recorded so the history shows the failed attempt.
func (g *Gateway) fail(ctx context.Context, conversationID, provider string, failure error, emit Emit, logger *zap.Logger) error {
	kind := stream.KindOf(failure)
	logger.Warn("Turn failed", zap.String("provider", provider), zap.String("kind", string(kind)), zap.Error(failure))
	if stream.Recordable(kind) {
		if _, err := g.recorder.RecordAssistantTurn(ctx, conversationID, "", nil, failure); err != nil {
			logger.Error("Failed turn not recorded", zap.Error(err))
		}
	}
	return emit(stream.ErrorFrame(failure))
}

// stage uploads payloads Admit marked as oversize.
func (g *Gateway) stage(ctx context.Context, d *Dispatcher, refs []*media.Ref) (media.Stager, error) {
	var stager media.Stager
	for _, ref := range refs {
		if !ref.NeedsStaging {
			continue
		}
		if stager == nil {
			s, err := d.Stager(ctx)
			if err != nil {
				return nil, err
			}
			stager = s
		}
		if err := g.codec.Stage(ctx, ref, stager); err != nil {
			var me *media.Error
			if errors.As(err, &me) {
				return stager, err
			}
			return stager, stream.Wrap(stream.KindUpstream, string(d.Tool().ProviderType), fmt.Errorf("failed to stage %s: %w", ref.Kind, err))
		}
	}
	return stager, nil
}

// release frees staged handles even when the turn was cancelled.
func (g *Gateway) release(ctx context.Context, refs []*media.Ref, stager media.Stager, logger *zap.Logger) {
	if stager == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	for _, ref := range refs {
		if err := g.codec.Release(ctx, ref, stager); err != nil {
			logger.Warn("Failed to release staged file", zap.String("kind", string(ref.Kind)), zap.Error(err))
		}
	}
}
