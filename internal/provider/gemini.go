package provider

import (
	"bytes"
	"context"
	"fmt"
	"iter"
	"net/http"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"gwi.com/inspire-gateway/internal/media"
	"gwi.com/inspire-gateway/internal/stream"
)

const (
	defaultGeminiChatModel = "gemini-1.5-flash-latest"
	fileActivePoll         = 2 * time.Second
	fileActiveTimeout      = 2 * time.Minute
)

func newGeminiClient(ctx context.Context, d Deps) (*genai.Client, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(d.APIKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return client, nil
}

// geminiBase holds the client shared by the Gemini adapters.
type geminiBase struct {
	client *genai.Client
	model  string
	idle   time.Duration
	logger *zap.Logger
}

func (g *geminiBase) Name() string                  { return "gemini" }
func (g *geminiBase) Convention() stream.Convention { return stream.Delta }

func (g *geminiBase) Close() error {
	if g.client == nil {
		return nil
	}
	return g.client.Close()
}

// run streams one generation and maps every response part to a frame.
func (g *geminiBase) run(ctx context.Context, yield func(stream.Frame) bool, send func(context.Context) *genai.GenerateContentResponseIterator) {
	ctx, kick, stop := watchIdle(ctx, g.Name(), g.idle)
	defer stop()

	start := time.Now()
	it := send(ctx)
	for {
		resp, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			g.logger.Warn("Gemini stream failed", zap.Error(err), zap.Duration("elapsed", time.Since(start)))
			yield(stream.ErrorFrame(classify(ctx, g.Name(), err)))
			return
		}
		kick()
		if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
			continue
		}
		for _, part := range resp.Candidates[0].Content.Parts {
			f, ok := partFrame(part)
			if ok && !yield(f) {
				return
			}
		}
	}
	g.logger.Debug("Gemini stream finished", zap.Duration("elapsed", time.Since(start)))
	yield(stream.Message("", true))
}

// partFrame converts one response part. Text parts are deltas.
func partFrame(part genai.Part) (stream.Frame, bool) {
	switch p := any(part).(type) {
	case genai.Text:
		if p == "" {
			return stream.Frame{}, false
		}
		return stream.Message(string(p), false), true
	case genai.ExecutableCode:
		return stream.Frame{Type: stream.FrameCode, Content: p.Code}, true
	case *genai.ExecutableCode:
		return stream.Frame{Type: stream.FrameCode, Content: p.Code}, true
	case genai.CodeExecutionResult:
		return stream.Frame{Type: stream.FrameExecutionResult, Content: p.Output}, true
	case *genai.CodeExecutionResult:
		return stream.Frame{Type: stream.FrameExecutionResult, Content: p.Output}, true
	case genai.Blob:
		return inlineDataFrame(p.MIMEType, p.Data), true
	case *genai.Blob:
		return inlineDataFrame(p.MIMEType, p.Data), true
	}
	return stream.Frame{}, false
}

func inlineDataFrame(mimeType string, data []byte) stream.Frame {
	uri := media.EncodeDataURI(mimeType, data)
	content := fmt.Sprintf("[%s attachment](%s)", mimeType, uri)
	if strings.HasPrefix(mimeType, "image/") {
		content = fmt.Sprintf("![generated image](%s)", uri)
	}
	return stream.Frame{Type: stream.FrameInlineData, Content: content}
}

// GeminiText is a chat adapter with the code execution tool enabled.
type GeminiText struct {
	geminiBase
	persona string
}

func NewGeminiText(ctx context.Context, d Deps) (Adapter, error) {
	client, err := newGeminiClient(ctx, d)
	if err != nil {
		return nil, err
	}
	model := d.Tool.ModelName
	if model == "" {
		model = defaultGeminiChatModel
	}
	return &GeminiText{
		geminiBase: geminiBase{client: client, model: model, idle: d.Options.ChunkIdleTimeout, logger: d.Logger},
		persona:    Persona(d.Tool),
	}, nil
}

func (a *GeminiText) Stream(ctx context.Context, turn Turn) iter.Seq[stream.Frame] {
	return oneShot(func(yield func(stream.Frame) bool) {
		model := a.client.GenerativeModel(a.model)
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(a.persona)}}
		model.Tools = []*genai.Tool{{CodeExecution: &genai.CodeExecution{}}}

		cs := model.StartChat()
		cs.History = geminiHistory(turn.History)
		a.run(ctx, yield, func(ctx context.Context) *genai.GenerateContentResponseIterator {
			return cs.SendMessageStream(ctx, genai.Text(turn.Prompt))
		})
	})
}

func geminiHistory(history []HistoryMessage) []*genai.Content {
	out := make([]*genai.Content, 0, len(history))
	for _, h := range history {
		role := "user"
		if h.Role == RoleAssistant {
			role = "model"
		}
		out = append(out, &genai.Content{Role: role, Parts: []genai.Part{genai.Text(h.Content)}})
	}
	return out
}

// GeminiUnderstand analyzes an image, video, audio or PDF payload.
type GeminiUnderstand struct {
	geminiBase
	kind       media.Kind
	httpClient *http.Client
	fetchLimit int64
}

func NewGeminiUnderstand(ctx context.Context, d Deps) (Adapter, error) {
	kind, _ := d.Capability.MediaKind()
	client, err := newGeminiClient(ctx, d)
	if err != nil {
		return nil, err
	}
	model := d.Tool.ModelName
	if model == "" {
		model = defaultGeminiChatModel
	}
	limits, ok := d.Options.Limits[d.Tool.ProviderType]
	if !ok {
		limits = media.DefaultLimits()
	}
	return &GeminiUnderstand{
		geminiBase: geminiBase{client: client, model: model, idle: d.Options.ChunkIdleTimeout, logger: d.Logger},
		kind:       kind,
		httpClient: d.Options.HTTPClient,
		fetchLimit: limits.For(kind),
	}, nil
}

func (a *GeminiUnderstand) Stream(ctx context.Context, turn Turn) iter.Seq[stream.Frame] {
	return oneShot(func(yield func(stream.Frame) bool) {
		ref, ok := turn.FirstMedia(a.kind)
		if !ok {
			yield(stream.ErrorFrame(stream.Errorf(stream.KindInvalidIntent, "%s understanding needs a %s payload", a.kind, a.kind)))
			return
		}
		part, err := a.mediaPart(ctx, ref)
		if err != nil {
			yield(stream.ErrorFrame(classify(ctx, a.Name(), err)))
			return
		}
		intent := turn.Intent
		if intent == "" {
			intent = ClassifyIntent(turn.Prompt)
		}
		prompt := UnderstandingPrompt(intent, a.kind, turn.Prompt)
		model := a.client.GenerativeModel(a.model)
		a.run(ctx, yield, func(ctx context.Context) *genai.GenerateContentResponseIterator {
			return model.GenerateContentStream(ctx, part, genai.Text(prompt))
		})
	})
}

func (a *GeminiUnderstand) mediaPart(ctx context.Context, ref media.Ref) (genai.Part, error) {
	switch ref.Source {
	case media.SourceInline:
		return genai.Blob{MIMEType: ref.MIMEType, Data: ref.Data}, nil
	case media.SourceStaged, media.SourceYouTube:
		return genai.FileData{MIMEType: ref.MIMEType, URI: ref.URI}, nil
	}
	// Gemini only reads its own file URIs, so remote payloads are fetched and inlined.
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref.URI, nil)
	if err != nil {
		return nil, fmt.Errorf("build media request: %w", err)
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", ref.URI, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("fetch %s: status %d", ref.URI, resp.StatusCode)
	}
	data, err := media.ReadAllWithLimit(resp.Body, a.fetchLimit)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", ref.URI, err)
	}
	mimeType := ref.MIMEType
	if mimeType == "" {
		mimeType = strings.TrimSpace(strings.Split(resp.Header.Get("Content-Type"), ";")[0])
	}
	if !media.MatchesKind(a.kind, mimeType) {
		return nil, &media.Error{Reason: media.ReasonUnrecognizedMimeType, Detail: fmt.Sprintf("%s served %q", ref.URI, mimeType)}
	}
	return genai.Blob{MIMEType: mimeType, Data: data}, nil
}

// GeminiStager stages oversized payloads through the Gemini Files API.
type GeminiStager struct {
	client *genai.Client
	logger *zap.Logger
}

func NewGeminiStager(ctx context.Context, d Deps) (media.Stager, error) {
	client, err := newGeminiClient(ctx, d)
	if err != nil {
		return nil, err
	}
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GeminiStager{client: client, logger: logger}, nil
}

// Stage uploads data and waits until the file is usable.
func (s *GeminiStager) Stage(ctx context.Context, data []byte, mimeType string) (media.Handle, error) {
	f, err := s.client.UploadFile(ctx, "", bytes.NewReader(data), &genai.UploadFileOptions{MIMEType: mimeType})
	if err != nil {
		return media.Handle{}, stream.Wrap(stream.KindUpstream, "gemini", fmt.Errorf("upload file: %w", err))
	}
	h := media.Handle{ID: f.Name, URI: f.URI, MIMEType: f.MIMEType, ExpiresAt: f.ExpirationTime}
	if f.State == genai.FileStateActive {
		return h, nil
	}
	err = pollUntil(ctx, "gemini", fileActivePoll, fileActiveTimeout, func(ctx context.Context) (bool, error) {
		cur, err := s.client.GetFile(ctx, f.Name)
		if err != nil {
			return false, err
		}
		switch cur.State {
		case genai.FileStateActive:
			return true, nil
		case genai.FileStateFailed:
			return false, stream.Errorf(stream.KindUpstream, "gemini could not process staged file %s", f.Name)
		}
		return false, nil
	})
	if err != nil {
		if derr := s.client.DeleteFile(context.WithoutCancel(ctx), f.Name); derr != nil {
			s.logger.Warn("Failed to delete unusable staged file", zap.String("handle", f.Name), zap.Error(derr))
		}
		return media.Handle{}, classify(ctx, "gemini", err)
	}
	return h, nil
}

func (s *GeminiStager) Release(ctx context.Context, h media.Handle) error {
	if err := s.client.DeleteFile(ctx, h.ID); err != nil {
		return fmt.Errorf("delete gemini file %s: %w", h.ID, err)
	}
	return nil
}

func (s *GeminiStager) Close() error {
	return s.client.Close()
}
