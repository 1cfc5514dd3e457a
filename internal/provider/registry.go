package provider

import (
	"context"
	"math/rand/v2"
	"net/http"
	"time"

	"go.uber.org/zap"

	"gwi.com/inspire-gateway/internal/catalog"
	"gwi.com/inspire-gateway/internal/media"
	"gwi.com/inspire-gateway/internal/stream"
)

const (
	DefaultChunkIdleTimeout = 30 * time.Second
	DefaultImageJobTimeout  = 60 * time.Second
	DefaultVideoJobTimeout  = 5 * time.Minute
	DefaultPollInterval     = 20 * time.Second
	DefaultMaxTokens        = 800

	defaultGeminiRESTBaseURL  = "https://generativelanguage.googleapis.com"
	defaultHuggingFaceBaseURL = "https://api-inference.huggingface.co"
)

// Options configure every adapter the registry builds.
type Options struct {
	OpenAIBaseURL      string
	GeminiRESTBaseURL  string
	HuggingFaceBaseURL string
	HTTPClient         *http.Client

	ChunkIdleTimeout time.Duration
	ImageJobTimeout  time.Duration
	VideoJobTimeout  time.Duration
	PollInterval     time.Duration
	MaxTokens        int64

	// Limits are the inline ceilings per provider.
	Limits map[catalog.ProviderType]media.Limits
	// Ledger, when set, records staged uploads for the janitor.
	Ledger media.Ledger
	// Pick chooses an index in [0, n) for simulated replies.
	Pick func(n int) int
}

func (o Options) withDefaults() Options {
	if o.GeminiRESTBaseURL == "" {
		o.GeminiRESTBaseURL = defaultGeminiRESTBaseURL
	}
	if o.HuggingFaceBaseURL == "" {
		o.HuggingFaceBaseURL = defaultHuggingFaceBaseURL
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{}
	}
	if o.ChunkIdleTimeout == 0 {
		o.ChunkIdleTimeout = DefaultChunkIdleTimeout
	}
	if o.ImageJobTimeout <= 0 {
		o.ImageJobTimeout = DefaultImageJobTimeout
	}
	if o.VideoJobTimeout <= 0 {
		o.VideoJobTimeout = DefaultVideoJobTimeout
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.MaxTokens <= 0 {
		o.MaxTokens = DefaultMaxTokens
	}
	if o.Pick == nil {
		o.Pick = rand.IntN
	}
	return o
}

// Deps is what a factory gets to build one adapter.
type Deps struct {
	Tool       catalog.ToolConfig
	Capability Capability
	APIKey     string
	Options    Options
	Logger     *zap.Logger
}

type Factory func(ctx context.Context, d Deps) (Adapter, error)

// StagerFactory builds the provider's file staging client.
type StagerFactory func(ctx context.Context, d Deps) (media.Stager, error)

type binding struct {
	provider   catalog.ProviderType
	capability Capability
}

// Registry dispatches (provider, capability) pairs to adapter factories.
// Pairs with no factory fall back to the simulated adapter.
type Registry struct {
	opts      Options
	creds     catalog.Credentials
	logger    *zap.Logger
	factories map[binding]Factory
	stagers   map[catalog.ProviderType]StagerFactory
}

// NewRegistry returns a registry with every built-in adapter registered.
func NewRegistry(opts Options, creds catalog.Credentials, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		opts:      opts.withDefaults(),
		creds:     creds,
		logger:    logger.Named("provider"),
		factories: make(map[binding]Factory),
		stagers:   make(map[catalog.ProviderType]StagerFactory),
	}

	r.Register(catalog.ProviderOpenAI, CapChat, NewOpenAIText)
	r.Register(catalog.ProviderOpenAI, CapImageUnderstand, NewOpenAIText)
	r.Register(catalog.ProviderOpenAI, CapImageGenerate, NewOpenAIImage)
	r.Register(catalog.ProviderOpenAI, CapImageEdit, NewOpenAIImage)
	r.Register(catalog.ProviderOpenAI, CapAudioUnderstand, NewOpenAIAudio)

	r.Register(catalog.ProviderGemini, CapChat, NewGeminiText)
	for _, c := range []Capability{CapImageUnderstand, CapVideoUnderstand, CapAudioUnderstand, CapDocumentIngest} {
		r.Register(catalog.ProviderGemini, c, NewGeminiUnderstand)
	}
	r.Register(catalog.ProviderGemini, CapImageGenerate, NewImagen)
	r.Register(catalog.ProviderGemini, CapVideoGenerate, NewVeo)
	r.RegisterStager(catalog.ProviderGemini, NewGeminiStager)

	r.Register(catalog.ProviderHuggingFace, CapChat, NewHuggingFaceText)
	return r
}

func (r *Registry) Register(p catalog.ProviderType, c Capability, f Factory) {
	r.factories[binding{p, c}] = f
}

func (r *Registry) RegisterStager(p catalog.ProviderType, f StagerFactory) {
	r.stagers[p] = f
}

// Supports reports whether a live adapter serves capability for tool.
func (r *Registry) Supports(tool catalog.ToolConfig, c Capability) bool {
	_, ok := r.factories[binding{tool.ProviderType, c}]
	return ok && tool.Allows(c.String())
}

// Build returns the adapter for capability. Unsupported pairs get the
// simulated adapter; supported ones without a credential fail with
// AuthMissing before any network call.
func (r *Registry) Build(ctx context.Context, tool catalog.ToolConfig, c Capability) (Adapter, error) {
	if !r.Supports(tool, c) {
		return NewSimulated(tool, c, r.opts.Pick), nil
	}
	d, err := r.deps(tool, c)
	if err != nil {
		return nil, err
	}
	return r.factories[binding{tool.ProviderType, c}](ctx, d)
}

func (r *Registry) deps(tool catalog.ToolConfig, c Capability) (Deps, error) {
	key, ok := r.creds.Lookup(tool)
	if !ok {
		return Deps{}, &stream.Error{
			Kind:     stream.KindAuthMissing,
			Provider: string(tool.ProviderType),
			Message:  "no credential configured for tool " + tool.ID,
		}
	}
	return Deps{
		Tool:       tool,
		Capability: c,
		APIKey:     key,
		Options:    r.opts,
		Logger:     r.logger.With(zap.String("provider", string(tool.ProviderType)), zap.String("capability", c.String()), zap.String("model", tool.ModelName)),
	}, nil
}

// Policy is the inline admission rule for a payload sent to tool's provider.
func (r *Registry) Policy(tool catalog.ToolConfig, kind media.Kind) media.Policy {
	limits, ok := r.opts.Limits[tool.ProviderType]
	if !ok {
		limits = media.DefaultLimits()
	}
	_, canStage := r.stagers[tool.ProviderType]
	return media.Policy{Ceiling: limits.For(kind), CanStage: canStage}
}

// Stager returns the provider's staging client wrapped with the ledger, or
// nil when the provider cannot stage.
func (r *Registry) Stager(ctx context.Context, tool catalog.ToolConfig) (media.Stager, error) {
	f, ok := r.stagers[tool.ProviderType]
	if !ok {
		return nil, nil
	}
	d, err := r.deps(tool, CapChat)
	if err != nil {
		return nil, err
	}
	s, err := f(ctx, d)
	if err != nil {
		return nil, err
	}
	if r.opts.Ledger == nil {
		return s, nil
	}
	return &closingStager{
		TrackingStager: media.NewTrackingStager(s, r.opts.Ledger, string(tool.ProviderType), r.logger),
		inner:          s,
	}, nil
}

// closingStager keeps the inner client closable behind the ledger wrapper.
type closingStager struct {
	*media.TrackingStager
	inner media.Stager
}

func (s *closingStager) Close() error {
	if c, ok := s.inner.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

// ReleaseStagers returns un-tracked stagers keyed by provider name, one per
// provider with a configured default credential. The janitor uses them to
// delete files whose turn never released them.
func (r *Registry) ReleaseStagers(ctx context.Context) map[string]media.Stager {
	out := make(map[string]media.Stager)
	for p, f := range r.stagers {
		d, err := r.deps(catalog.ToolConfig{ID: "janitor", ProviderType: p}, CapChat)
		if err != nil {
			continue
		}
		s, err := f(ctx, d)
		if err != nil {
			r.logger.Warn("Failed to build release stager", zap.String("provider", string(p)), zap.Error(err))
			continue
		}
		out[string(p)] = s
	}
	return out
}
