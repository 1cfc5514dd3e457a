package provider

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"go.uber.org/zap"

	"gwi.com/inspire-gateway/internal/media"
	"gwi.com/inspire-gateway/internal/stream"
)

const (
	defaultOpenAITranscriptionModel = "whisper-1"
	// maxTranscriptionBytes is the upload limit of the transcription endpoint.
	maxTranscriptionBytes = 25 * media.MiB
)

// OpenAIAudio transcribes audio. A transcript request ends with the
// transcription itself; any other intent hands the transcription to a chat
// completion, so the reply streams like OpenAIText.
type OpenAIAudio struct {
	client  openai.Client
	model   string
	chat    *OpenAIText
	http    *http.Client
	timeout time.Duration
	logger  *zap.Logger
}

func NewOpenAIAudio(ctx context.Context, d Deps) (Adapter, error) {
	model := defaultOpenAITranscriptionModel
	chatDeps := d
	if m := d.Tool.ModelName; strings.Contains(m, "whisper") || strings.Contains(m, "transcribe") {
		model = m
		chatDeps.Tool.ModelName = ""
	}
	chat, err := NewOpenAIText(ctx, chatDeps)
	if err != nil {
		return nil, err
	}
	return &OpenAIAudio{
		client:  newOpenAIClient(d),
		model:   model,
		chat:    chat.(*OpenAIText),
		http:    d.Options.HTTPClient,
		timeout: d.Options.ImageJobTimeout,
		logger:  d.Logger,
	}, nil
}

func (a *OpenAIAudio) Name() string                  { return "openai" }
func (a *OpenAIAudio) Convention() stream.Convention { return stream.Cumulative }

func (a *OpenAIAudio) Stream(ctx context.Context, turn Turn) iter.Seq[stream.Frame] {
	return oneShot(func(yield func(stream.Frame) bool) {
		ref, ok := turn.FirstMedia(media.KindAudio)
		if !ok {
			yield(stream.ErrorFrame(stream.Errorf(stream.KindInvalidIntent, "audio understanding needs an audio attachment")))
			return
		}
		if !yield(stream.Status("Transcribing audio...")) {
			return
		}

		jobCtx, cancel := context.WithTimeout(ctx, a.timeout)
		start := time.Now()
		text, err := a.transcribe(jobCtx, ref)
		var me *media.Error
		if err != nil && !errors.As(err, &me) {
			err = classify(jobCtx, a.Name(), err)
		}
		cancel()
		if err != nil {
			a.logger.Warn("Transcription failed", zap.Error(err), zap.Duration("elapsed", time.Since(start)))
			yield(stream.ErrorFrame(err))
			return
		}
		a.logger.Debug("Transcription finished", zap.Duration("elapsed", time.Since(start)), zap.Int("chars", len(text)))

		if turn.Intent == IntentTranscript {
			yield(stream.Message(text, true))
			return
		}
		follow := Turn{
			ConversationID: turn.ConversationID,
			Prompt:         UnderstandingPrompt(turn.Intent, media.KindAudio, turn.Prompt) + "\n\nTranscript:\n" + text,
		}
		for f := range a.chat.Stream(ctx, follow) {
			if !yield(f) {
				return
			}
		}
	})
}

func (a *OpenAIAudio) transcribe(ctx context.Context, ref media.Ref) (string, error) {
	data := ref.Data
	if !ref.Inline() {
		var err error
		if data, err = a.fetch(ctx, ref.URI); err != nil {
			return "", err
		}
	}
	if int64(len(data)) > maxTranscriptionBytes {
		return "", &media.Error{Reason: media.ReasonOversizeNoStaging, Detail: fmt.Sprintf("%d bytes exceeds the %d byte transcription limit", len(data), maxTranscriptionBytes)}
	}
	mimeType := ref.MIMEType
	if mimeType == "" {
		mimeType = "audio/mpeg"
	}
	resp, err := a.client.Audio.Transcriptions.New(ctx, openai.AudioTranscriptionNewParams{
		File:  openai.File(bytes.NewReader(data), "audio"+audioExtension(mimeType), mimeType),
		Model: openai.AudioModel(a.model),
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Text), nil
}

// fetch downloads a remote recording; the transcription endpoint only takes uploads.
func (a *OpenAIAudio) fetch(ctx context.Context, uri string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, &media.Error{Reason: media.ReasonMalformedEncoding, Detail: err.Error()}
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch audio: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch audio: unexpected status %s", resp.Status)
	}
	data, err := media.ReadAllWithLimit(resp.Body, maxTranscriptionBytes)
	if errors.Is(err, media.ErrAssetTooLarge) {
		return nil, &media.Error{Reason: media.ReasonOversizeNoStaging, Detail: err.Error()}
	}
	return data, err
}

func audioExtension(mimeType string) string {
	switch mimeType {
	case "audio/wav", "audio/x-wav", "audio/wave":
		return ".wav"
	case "audio/mp4", "audio/m4a", "audio/x-m4a":
		return ".m4a"
	case "audio/ogg":
		return ".ogg"
	case "audio/webm":
		return ".webm"
	case "audio/flac", "audio/x-flac":
		return ".flac"
	}
	return ".mp3"
}
