package provider

import (
	"bytes"
	"context"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"go.uber.org/zap"

	"gwi.com/inspire-gateway/internal/media"
	"gwi.com/inspire-gateway/internal/stream"
)

const (
	defaultOpenAIChatModel  = "gpt-4o-mini"
	defaultOpenAIImageModel = "dall-e-3"
)

func newOpenAIClient(d Deps) openai.Client {
	opts := []option.RequestOption{
		option.WithAPIKey(d.APIKey),
		option.WithHTTPClient(d.Options.HTTPClient),
		// A failed stream is never resumed, so neither is a failed request.
		option.WithMaxRetries(0),
	}
	if d.Options.OpenAIBaseURL != "" {
		opts = append(opts, option.WithBaseURL(d.Options.OpenAIBaseURL))
	}
	return openai.NewClient(opts...)
}

// OpenAIText streams chat completions. Image understanding rides on the same
// endpoint with an image content part. Content is cumulative.
type OpenAIText struct {
	client    openai.Client
	model     string
	persona   string
	maxTokens int64
	idle      time.Duration
	logger    *zap.Logger
}

func NewOpenAIText(_ context.Context, d Deps) (Adapter, error) {
	model := d.Tool.ModelName
	if model == "" {
		model = defaultOpenAIChatModel
	}
	return &OpenAIText{
		client:    newOpenAIClient(d),
		model:     model,
		persona:   Persona(d.Tool),
		maxTokens: d.Options.MaxTokens,
		idle:      d.Options.ChunkIdleTimeout,
		logger:    d.Logger,
	}, nil
}

func (a *OpenAIText) Name() string                  { return "openai" }
func (a *OpenAIText) Convention() stream.Convention { return stream.Cumulative }

func (a *OpenAIText) messages(turn Turn) []openai.ChatCompletionMessageParamUnion {
	msgs := []openai.ChatCompletionMessageParamUnion{openai.SystemMessage(a.persona)}
	for _, h := range turn.History {
		if h.Role == RoleAssistant {
			msgs = append(msgs, openai.AssistantMessage(h.Content))
		} else {
			msgs = append(msgs, openai.UserMessage(h.Content))
		}
	}
	img, ok := turn.FirstMedia(media.KindImage)
	if !ok {
		return append(msgs, openai.UserMessage(turn.Prompt))
	}
	url := img.URI
	if img.Inline() {
		url = media.EncodeDataURI(img.MIMEType, img.Data)
	}
	prompt := turn.Prompt
	if turn.Intent != "" {
		prompt = UnderstandingPrompt(turn.Intent, media.KindImage, turn.Prompt)
	}
	parts := []openai.ChatCompletionContentPartUnionParam{
		{OfText: &openai.ChatCompletionContentPartTextParam{Text: prompt}},
		{OfImageURL: &openai.ChatCompletionContentPartImageParam{
			ImageURL: openai.ChatCompletionContentPartImageImageURLParam{URL: url, Detail: "auto"},
		}},
	}
	return append(msgs, openai.ChatCompletionMessageParamUnion{
		OfUser: &openai.ChatCompletionUserMessageParam{
			Content: openai.ChatCompletionUserMessageParamContentUnion{OfArrayOfContentParts: parts},
		},
	})
}

func (a *OpenAIText) Stream(ctx context.Context, turn Turn) iter.Seq[stream.Frame] {
	return oneShot(func(yield func(stream.Frame) bool) {
		ctx, kick, stop := watchIdle(ctx, a.Name(), a.idle)
		defer stop()

		start := time.Now()
		s := a.client.Chat.Completions.NewStreaming(ctx, openai.ChatCompletionNewParams{
			Model:               openai.ChatModel(a.model),
			Messages:            a.messages(turn),
			MaxCompletionTokens: openai.Int(a.maxTokens),
		})
		defer s.Close()

		var text strings.Builder
		finish := ""
		for s.Next() {
			kick()
			chunk := s.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]
			if choice.FinishReason != "" {
				finish = string(choice.FinishReason)
			}
			if choice.Delta.Content == "" {
				continue
			}
			text.WriteString(choice.Delta.Content)
			if !yield(stream.Message(text.String(), false)) {
				return
			}
		}
		if err := s.Err(); err != nil {
			a.logger.Warn("Chat completion stream failed", zap.Error(err), zap.Duration("elapsed", time.Since(start)))
			yield(stream.ErrorFrame(classify(ctx, a.Name(), err)))
			return
		}
		if ctx.Err() != nil {
			yield(stream.ErrorFrame(classify(ctx, a.Name(), ctx.Err())))
			return
		}
		a.logger.Debug("Chat completion finished", zap.Duration("elapsed", time.Since(start)), zap.Int("chars", text.Len()))
		done := stream.Message(text.String(), true)
		if finish != "" {
			done.FinishReason = finish
		}
		yield(done)
	})
}

// OpenAIImage generates or edits images. It is not token streamed: one
// status frame, then one terminal frame with the assets.
type OpenAIImage struct {
	client  openai.Client
	model   string
	edit    bool
	timeout time.Duration
	logger  *zap.Logger
}

func NewOpenAIImage(_ context.Context, d Deps) (Adapter, error) {
	model := d.Tool.ModelName
	if !strings.Contains(model, "image") && !strings.HasPrefix(model, "dall-e") {
		model = defaultOpenAIImageModel
	}
	if d.Capability == CapImageEdit && model == "dall-e-3" {
		// dall-e-3 has no edit endpoint.
		model = "dall-e-2"
	}
	return &OpenAIImage{
		client:  newOpenAIClient(d),
		model:   model,
		edit:    d.Capability == CapImageEdit,
		timeout: d.Options.ImageJobTimeout,
		logger:  d.Logger,
	}, nil
}

func (a *OpenAIImage) Name() string                  { return "openai" }
func (a *OpenAIImage) Convention() stream.Convention { return stream.Cumulative }

func (a *OpenAIImage) Stream(ctx context.Context, turn Turn) iter.Seq[stream.Frame] {
	return oneShot(func(yield func(stream.Frame) bool) {
		verb := "Generating"
		if a.edit {
			verb = "Editing"
		}
		if !yield(stream.Status(verb + " image, this can take up to a minute...")) {
			return
		}

		jobCtx, cancel := context.WithTimeout(ctx, a.timeout)
		defer cancel()

		start := time.Now()
		var resp *openai.ImagesResponse
		var err error
		if a.edit {
			resp, err = a.runEdit(jobCtx, turn)
		} else {
			resp, err = a.runGenerate(jobCtx, turn)
		}
		if err != nil {
			a.logger.Warn("Image request failed", zap.Error(err), zap.Duration("elapsed", time.Since(start)))
			yield(stream.ErrorFrame(classify(jobCtx, a.Name(), err)))
			return
		}

		var assets []media.Ref
		for _, img := range resp.Data {
			switch {
			case img.URL != "":
				assets = append(assets, media.Ref{Kind: media.KindImage, Source: media.SourceRemote, URI: img.URL, MIMEType: "image/png"})
			case img.B64JSON != "":
				ref, derr := media.NewCodec(0).Decode(media.RawInput{Kind: media.KindImage, Value: "data:image/png;base64," + img.B64JSON})
				if derr != nil {
					yield(stream.ErrorFrame(stream.Wrap(stream.KindUpstream, a.Name(), derr)))
					return
				}
				assets = append(assets, ref)
			}
		}
		if len(assets) == 0 {
			yield(stream.ErrorFrame(stream.Errorf(stream.KindUpstream, "openai returned no images")))
			return
		}
		a.logger.Info("Image request finished", zap.Int("images", len(assets)), zap.Duration("elapsed", time.Since(start)))
		yield(assetFrame(assets, revisedPrompt(resp)))
	})
}

func (a *OpenAIImage) runGenerate(ctx context.Context, turn Turn) (*openai.ImagesResponse, error) {
	params := openai.ImageGenerateParams{
		Prompt: turn.Prompt,
		Model:  openai.ImageModel(a.model),
		N:      openai.Int(int64(turn.Params.CountOr(1))),
	}
	if turn.Params.Size != "" {
		params.Size = openai.ImageGenerateParamsSize(turn.Params.Size)
	}
	if turn.Params.Quality != "" {
		params.Quality = openai.ImageGenerateParamsQuality(turn.Params.Quality)
	}
	if turn.Params.Style != "" {
		params.Style = openai.ImageGenerateParamsStyle(turn.Params.Style)
	}
	return a.client.Images.Generate(ctx, params)
}

func (a *OpenAIImage) runEdit(ctx context.Context, turn Turn) (*openai.ImagesResponse, error) {
	src, ok := turn.FirstMedia(media.KindImage)
	if !ok || !src.Inline() {
		return nil, stream.Errorf(stream.KindInvalidIntent, "image editing needs an inline image")
	}
	name := "image" + extensionFor(src.MIMEType)
	params := openai.ImageEditParams{
		Image:  openai.ImageEditParamsImageUnion{OfFile: openai.File(bytes.NewReader(src.Data), name, src.MIMEType)},
		Prompt: turn.Prompt,
		Model:  openai.ImageModel(a.model),
		N:      openai.Int(int64(turn.Params.CountOr(1))),
	}
	if turn.Params.Size != "" {
		params.Size = openai.ImageEditParamsSize(turn.Params.Size)
	}
	return a.client.Images.Edit(ctx, params)
}

func revisedPrompt(resp *openai.ImagesResponse) string {
	for _, img := range resp.Data {
		if img.RevisedPrompt != "" {
			return img.RevisedPrompt
		}
	}
	return ""
}

func extensionFor(mimeType string) string {
	switch mimeType {
	case "image/jpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	}
	return ".png"
}

// assetFrame renders generated media as the terminal ai_message.
func assetFrame(assets []media.Ref, caption string) stream.Frame {
	var b strings.Builder
	if caption != "" {
		b.WriteString(caption)
		b.WriteString("\n\n")
	}
	for i, ref := range assets {
		if i > 0 {
			b.WriteString("\n")
		}
		uri := ref.URI
		if ref.Inline() {
			uri = media.EncodeDataURI(ref.MIMEType, ref.Data)
		}
		label := fmt.Sprintf("generated %s %d", ref.Kind, i+1)
		if ref.Kind == media.KindImage {
			fmt.Fprintf(&b, "![%s](%s)", label, uri)
		} else {
			fmt.Fprintf(&b, "[%s](%s)", label, uri)
		}
	}
	f := stream.Message(b.String(), true)
	f.Assets = assets
	return f
}
