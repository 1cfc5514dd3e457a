package provider

import (
	"context"
	"errors"
	"iter"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"gwi.com/inspire-gateway/internal/catalog"
	"gwi.com/inspire-gateway/internal/media"
	"gwi.com/inspire-gateway/internal/stream"
)

func collect(seq iter.Seq[stream.Frame]) []stream.Frame {
	var out []stream.Frame
	for f := range seq {
		out = append(out, f)
	}
	return out
}

func testDeps(tool catalog.ToolConfig, c Capability, opts Options) Deps {
	return Deps{Tool: tool, Capability: c, APIKey: "test-key", Options: opts.withDefaults(), Logger: zap.NewNop()}
}

func TestRegistry_FallsBackToSimulated(t *testing.T) {
	t.Parallel()

	r := NewRegistry(Options{Pick: func(int) int { return 0 }}, catalog.StaticCredentials{}, nil)

	tests := []struct {
		name string
		tool catalog.ToolConfig
		cap  Capability
	}{
		{"provider none", catalog.ToolConfig{ID: "t", ProviderType: catalog.ProviderNone}, CapChat},
		{"huggingface cannot generate video", catalog.ToolConfig{ID: "t", ProviderType: catalog.ProviderHuggingFace}, CapVideoGenerate},
		{"huggingface cannot understand audio", catalog.ToolConfig{ID: "t", ProviderType: catalog.ProviderHuggingFace}, CapAudioUnderstand},
		{"capability not enabled for tool", catalog.ToolConfig{ID: "t", ProviderType: catalog.ProviderOpenAI, CapabilityFlags: []string{"chat"}}, CapImageGenerate},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			a, err := r.Build(context.Background(), tt.tool, tt.cap)
			require.NoError(t, err)
			_, ok := a.(*Simulated)
			assert.True(t, ok, "got %T", a)
		})
	}
}

func TestRegistry_AuthMissing(t *testing.T) {
	t.Parallel()

	r := NewRegistry(Options{}, catalog.StaticCredentials{}, nil)
	_, err := r.Build(context.Background(), catalog.ToolConfig{ID: "painter", ProviderType: catalog.ProviderOpenAI}, CapImageGenerate)
	require.Error(t, err)
	assert.ErrorIs(t, err, stream.ErrAuthMissing)
}

func TestRegistry_BuildsLiveAdapter(t *testing.T) {
	t.Parallel()

	r := NewRegistry(Options{}, catalog.StaticCredentials{"OPENAI_API_KEY": "sk"}, nil)
	a, err := r.Build(context.Background(), catalog.ToolConfig{ID: "w", ProviderType: catalog.ProviderOpenAI}, CapChat)
	require.NoError(t, err)
	assert.IsType(t, &OpenAIText{}, a)
	assert.Equal(t, stream.Cumulative, a.Convention())

	a, err = r.Build(context.Background(), catalog.ToolConfig{ID: "p", ProviderType: catalog.ProviderOpenAI}, CapImageEdit)
	require.NoError(t, err)
	require.IsType(t, &OpenAIImage{}, a)
	assert.Equal(t, "dall-e-2", a.(*OpenAIImage).model)

	a, err = r.Build(context.Background(), catalog.ToolConfig{ID: "ear", ProviderType: catalog.ProviderOpenAI, ModelName: "gpt-4o-mini"}, CapAudioUnderstand)
	require.NoError(t, err)
	require.IsType(t, &OpenAIAudio{}, a)
	assert.Equal(t, "whisper-1", a.(*OpenAIAudio).model)
	assert.Equal(t, "gpt-4o-mini", a.(*OpenAIAudio).chat.model)
}

func TestRegistry_Policy(t *testing.T) {
	t.Parallel()

	r := NewRegistry(Options{Limits: map[catalog.ProviderType]media.Limits{
		catalog.ProviderGemini: {Inline: 20 * media.MiB, Video: 10 * media.MiB},
	}}, catalog.StaticCredentials{}, nil)

	p := r.Policy(catalog.ToolConfig{ProviderType: catalog.ProviderGemini}, media.KindVideo)
	assert.Equal(t, 10*media.MiB, p.Ceiling)
	assert.True(t, p.CanStage)

	p = r.Policy(catalog.ToolConfig{ProviderType: catalog.ProviderOpenAI}, media.KindImage)
	assert.Equal(t, media.DefaultInlineCeiling, p.Ceiling)
	assert.False(t, p.CanStage)

	s, err := r.Stager(context.Background(), catalog.ToolConfig{ProviderType: catalog.ProviderOpenAI})
	require.NoError(t, err)
	assert.Nil(t, s)

	_, err = r.Stager(context.Background(), catalog.ToolConfig{ProviderType: catalog.ProviderGemini})
	assert.ErrorIs(t, err, stream.ErrAuthMissing)
}

func TestRegistry_ReleaseStagers(t *testing.T) {
	t.Parallel()

	r := NewRegistry(Options{}, catalog.StaticCredentials{}, nil)
	assert.Empty(t, r.ReleaseStagers(context.Background()))

	r = NewRegistry(Options{}, catalog.StaticCredentials{"GEMINI_API_KEY": "g"}, nil)
	stagers := r.ReleaseStagers(context.Background())
	require.Contains(t, stagers, "gemini")
	assert.IsType(t, &GeminiStager{}, stagers["gemini"])
}

func TestSimulated(t *testing.T) {
	t.Parallel()

	s := NewSimulated(catalog.ToolConfig{Category: "image"}, CapChat, func(int) int { return 1 })
	frames := collect(s.Stream(context.Background(), Turn{Prompt: "draw me a red fox please"}))
	require.Len(t, frames, 1)
	assert.True(t, frames[0].Done)
	assert.Equal(t, "Your image has been generated. I hope it matches what you had in mind. I noticed you mentioned draw, me, a.", frames[0].Content)

	s = NewSimulated(catalog.ToolConfig{}, CapVideoUnderstand, func(int) int { return 0 })
	assert.Equal(t, "Thank you for your input. Here's my response.", s.Reply("hi there"))

	s = NewSimulated(catalog.ToolConfig{}, CapChat, func(int) int { return 2 })
	assert.Equal(t, "Great conversation! Here's what I think about that.", s.Reply(""))
}

func TestOneShot(t *testing.T) {
	t.Parallel()

	seq := NewSimulated(catalog.ToolConfig{}, CapChat, func(int) int { return 0 }).Stream(context.Background(), Turn{})
	first := collect(seq)
	require.Len(t, first, 1)
	assert.False(t, first[0].IsError())

	second := collect(seq)
	require.Len(t, second, 1)
	assert.True(t, second[0].IsError())
}

func TestPersona(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "You are Writer, an AI assistant by OpenAI.", Persona(catalog.ToolConfig{ID: "w", Name: "Writer", ProviderType: catalog.ProviderOpenAI}))
	assert.Equal(t, "You are lens, an AI assistant by Google.", Persona(catalog.ToolConfig{ID: "lens", ProviderType: catalog.ProviderGemini}))
}

func TestClassify(t *testing.T) {
	t.Parallel()

	plain := classify(context.Background(), "openai", errors.New("503"))
	assert.ErrorIs(t, plain, stream.ErrUpstream)

	ctx, cancel := context.WithCancelCause(context.Background())
	cancel(stream.ErrCancelled)
	assert.ErrorIs(t, classify(ctx, "openai", context.Canceled), stream.ErrCancelled)

	ctx, cancel = context.WithCancelCause(context.Background())
	cancel(errors.New("client went away"))
	assert.ErrorIs(t, classify(ctx, "openai", context.Canceled), stream.ErrCancelled)

	dctx, dcancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer dcancel()
	<-dctx.Done()
	assert.ErrorIs(t, classify(dctx, "gemini", dctx.Err()), stream.ErrUpstreamTimeout)
}

func TestWatchIdle(t *testing.T) {
	t.Parallel()

	ctx, kick, stop := watchIdle(context.Background(), "openai", 30*time.Millisecond)
	defer stop()
	for i := 0; i < 3; i++ {
		time.Sleep(10 * time.Millisecond)
		kick()
	}
	require.NoError(t, ctx.Err())

	<-ctx.Done()
	assert.ErrorIs(t, context.Cause(ctx), stream.ErrUpstreamTimeout)
}

func TestPollUntil(t *testing.T) {
	t.Parallel()

	calls := 0
	err := pollUntil(context.Background(), "gemini", time.Millisecond, time.Second, func(context.Context) (bool, error) {
		calls++
		return calls == 3, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)

	err = pollUntil(context.Background(), "gemini", 5*time.Millisecond, 30*time.Millisecond, func(context.Context) (bool, error) {
		return false, nil
	})
	assert.ErrorIs(t, err, stream.ErrUpstreamTimeout)

	boom := errors.New("boom")
	err = pollUntil(context.Background(), "gemini", time.Millisecond, time.Second, func(context.Context) (bool, error) {
		return false, boom
	})
	assert.ErrorIs(t, err, boom)

	ctx, cancel := context.WithCancelCause(context.Background())
	cancel(stream.ErrCancelled)
	err = pollUntil(ctx, "gemini", time.Millisecond, time.Second, func(context.Context) (bool, error) {
		return false, nil
	})
	assert.ErrorIs(t, err, stream.ErrCancelled)
}
