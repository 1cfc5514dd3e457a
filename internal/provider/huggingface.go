package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"strings"
	"time"

	"github.com/r3labs/sse/v2"
	"go.uber.org/zap"

	"gwi.com/inspire-gateway/internal/stream"
)

const (
	defaultHuggingFaceModel = "mistralai/Mistral-7B-Instruct-v0.3"
	maxSSEEventBytes        = 1 << 20
)

// HuggingFaceText streams text-generation-inference tokens. Content is delta.
type HuggingFaceText struct {
	baseURL   string
	apiKey    string
	model     string
	persona   string
	maxTokens int64
	idle      time.Duration
	http      *http.Client
	logger    *zap.Logger
}

func NewHuggingFaceText(_ context.Context, d Deps) (Adapter, error) {
	model := d.Tool.ModelName
	if model == "" {
		model = defaultHuggingFaceModel
	}
	return &HuggingFaceText{
		baseURL:   strings.TrimRight(d.Options.HuggingFaceBaseURL, "/"),
		apiKey:    d.APIKey,
		model:     model,
		persona:   Persona(d.Tool),
		maxTokens: d.Options.MaxTokens,
		idle:      d.Options.ChunkIdleTimeout,
		http:      d.Options.HTTPClient,
		logger:    d.Logger,
	}, nil
}

func (a *HuggingFaceText) Name() string                  { return "huggingface" }
func (a *HuggingFaceText) Convention() stream.Convention { return stream.Delta }

type tgiRequest struct {
	Inputs     string        `json:"inputs"`
	Parameters tgiParameters `json:"parameters"`
	Stream     bool          `json:"stream"`
}

type tgiParameters struct {
	MaxNewTokens   int64 `json:"max_new_tokens"`
	ReturnFullText bool  `json:"return_full_text"`
}

type tgiEvent struct {
	Token *struct {
		Text    string `json:"text"`
		Special bool   `json:"special"`
	} `json:"token"`
	GeneratedText *string `json:"generated_text"`
	Error         string  `json:"error"`
}

// chatPrompt renders the persona, history and prompt with chat-ml role tags
// and leaves the assistant turn open.
func chatPrompt(persona string, history []HistoryMessage, prompt string) string {
	var b strings.Builder
	writeTurn := func(role, content string) {
		b.WriteString("<|im_start|>" + role + "\n" + content + "\n<|im_end|>\n")
	}
	writeTurn("system", persona)
	for _, h := range history {
		writeTurn(string(h.Role), h.Content)
	}
	writeTurn(string(RoleUser), prompt)
	b.WriteString("<|im_start|>assistant\n")
	return b.String()
}

func (a *HuggingFaceText) Stream(ctx context.Context, turn Turn) iter.Seq[stream.Frame] {
	return oneShot(func(yield func(stream.Frame) bool) {
		ctx, kick, stop := watchIdle(ctx, a.Name(), a.idle)
		defer stop()

		body, err := json.Marshal(tgiRequest{
			Inputs:     chatPrompt(a.persona, turn.History, turn.Prompt),
			Parameters: tgiParameters{MaxNewTokens: a.maxTokens},
			Stream:     true,
		})
		if err != nil {
			yield(stream.ErrorFrame(stream.Wrap(stream.KindInternal, a.Name(), err)))
			return
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/models/"+a.model, bytes.NewReader(body))
		if err != nil {
			yield(stream.ErrorFrame(stream.Wrap(stream.KindInternal, a.Name(), err)))
			return
		}
		req.Header.Set("Authorization", "Bearer "+a.apiKey)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "text/event-stream")

		start := time.Now()
		resp, err := a.http.Do(req)
		if err != nil {
			yield(stream.ErrorFrame(classify(ctx, a.Name(), err)))
			return
		}
		defer resp.Body.Close()
		if resp.StatusCode/100 != 2 {
			raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxRESTErrorBody))
			yield(stream.ErrorFrame(classify(ctx, a.Name(), fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw))))))
			return
		}

		reader := sse.NewEventStreamReader(resp.Body, maxSSEEventBytes)
		for {
			raw, err := reader.ReadEvent()
			if err != nil {
				if errors.Is(err, io.EOF) && ctx.Err() == nil {
					break
				}
				a.logger.Warn("Token stream failed", zap.Error(err), zap.Duration("elapsed", time.Since(start)))
				yield(stream.ErrorFrame(classify(ctx, a.Name(), err)))
				return
			}
			kick()
			ev, ok := parseTGIEvent(raw)
			if !ok {
				continue
			}
			if ev.Error != "" {
				yield(stream.ErrorFrame(stream.Wrap(stream.KindUpstream, a.Name(), errors.New(ev.Error))))
				return
			}
			if ev.Token != nil && !ev.Token.Special && ev.Token.Text != "" {
				if !yield(stream.Message(ev.Token.Text, false)) {
					return
				}
			}
			if ev.GeneratedText != nil {
				break
			}
		}
		a.logger.Debug("Token stream finished", zap.Duration("elapsed", time.Since(start)))
		yield(stream.Message("", true))
	})
}

// parseTGIEvent extracts the JSON payload from the data lines of one event.
func parseTGIEvent(raw []byte) (tgiEvent, bool) {
	var data []byte
	for _, line := range bytes.Split(raw, []byte("\n")) {
		line = bytes.TrimRight(line, "\r")
		if v, ok := bytes.CutPrefix(line, []byte("data:")); ok {
			data = append(data, bytes.TrimSpace(v)...)
		}
	}
	if len(data) == 0 || bytes.Equal(data, []byte("[DONE]")) {
		return tgiEvent{}, false
	}
	var ev tgiEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return tgiEvent{}, false
	}
	return ev, true
}
