package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"gwi.com/inspire-gateway/internal/media"
	"gwi.com/inspire-gateway/internal/stream"
)

const (
	defaultImagenModel = "imagen-3.0-generate-002"
	defaultVeoModel    = "veo-2.0-generate-001"
	maxRESTErrorBody   = 4096
)

// restClient speaks the generativelanguage REST surface the genai SDK
// does not cover (predict and long running operations).
type restClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

type restError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

func (c *restClient) do(ctx context.Context, method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.baseURL, "/")+"/v1beta/"+strings.TrimLeft(path, "/"), rdr)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("x-goog-api-key", c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxRESTErrorBody))
		var re restError
		if json.Unmarshal(raw, &re) == nil && re.Error.Message != "" {
			return fmt.Errorf("status %d: %s", resp.StatusCode, re.Error.Message)
		}
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Imagen generates images through the predict endpoint.
type Imagen struct {
	rest    *restClient
	model   string
	timeout time.Duration
	logger  *zap.Logger
}

func NewImagen(_ context.Context, d Deps) (Adapter, error) {
	model := d.Tool.ModelName
	if !strings.HasPrefix(model, "imagen") {
		model = defaultImagenModel
	}
	return &Imagen{
		rest:    &restClient{baseURL: d.Options.GeminiRESTBaseURL, apiKey: d.APIKey, http: d.Options.HTTPClient},
		model:   model,
		timeout: d.Options.ImageJobTimeout,
		logger:  d.Logger,
	}, nil
}

func (a *Imagen) Name() string                  { return "gemini" }
func (a *Imagen) Convention() stream.Convention { return stream.Cumulative }

type imagenRequest struct {
	Instances  []imagenInstance `json:"instances"`
	Parameters imagenParameters `json:"parameters"`
}

type imagenInstance struct {
	Prompt string `json:"prompt"`
}

type imagenParameters struct {
	SampleCount      int    `json:"sampleCount"`
	AspectRatio      string `json:"aspectRatio,omitempty"`
	NegativePrompt   string `json:"negativePrompt,omitempty"`
	PersonGeneration string `json:"personGeneration,omitempty"`
	Seed             *int64 `json:"seed,omitempty"`
}

type imagenResponse struct {
	Predictions []struct {
		BytesBase64Encoded string `json:"bytesBase64Encoded"`
		MIMEType           string `json:"mimeType"`
	} `json:"predictions"`
}

func (a *Imagen) Stream(ctx context.Context, turn Turn) iter.Seq[stream.Frame] {
	return oneShot(func(yield func(stream.Frame) bool) {
		if !yield(stream.Status("Generating image, this can take up to a minute...")) {
			return
		}
		jobCtx, cancel := context.WithTimeout(ctx, a.timeout)
		defer cancel()

		req := imagenRequest{
			Instances: []imagenInstance{{Prompt: turn.Prompt}},
			Parameters: imagenParameters{
				SampleCount:      turn.Params.CountOr(1),
				AspectRatio:      turn.Params.AspectRatio,
				NegativePrompt:   turn.Params.NegativePrompt,
				PersonGeneration: turn.Params.PersonGeneration,
				Seed:             turn.Params.Seed,
			},
		}
		start := time.Now()
		var resp imagenResponse
		if err := a.rest.do(jobCtx, http.MethodPost, "models/"+a.model+":predict", req, &resp); err != nil {
			a.logger.Warn("Imagen request failed", zap.Error(err), zap.Duration("elapsed", time.Since(start)))
			yield(stream.ErrorFrame(classify(jobCtx, a.Name(), err)))
			return
		}
		var assets []media.Ref
		for _, p := range resp.Predictions {
			data, err := base64.StdEncoding.DecodeString(p.BytesBase64Encoded)
			if err != nil || len(data) == 0 {
				continue
			}
			mimeType := p.MIMEType
			if mimeType == "" {
				mimeType = "image/png"
			}
			assets = append(assets, media.Ref{Kind: media.KindImage, Source: media.SourceInline, Data: data, MIMEType: mimeType, SizeBytes: int64(len(data))})
		}
		if len(assets) == 0 {
			// Imagen drops predictions its safety filter rejects.
			yield(stream.ErrorFrame(stream.Errorf(stream.KindUpstream, "gemini returned no images, the prompt may have been filtered")))
			return
		}
		a.logger.Info("Imagen request finished", zap.Int("images", len(assets)), zap.Duration("elapsed", time.Since(start)))
		yield(assetFrame(assets, ""))
	})
}

// Veo generates videos through a long running operation that is polled
// until done.
type Veo struct {
	rest     *restClient
	model    string
	timeout  time.Duration
	interval time.Duration
	logger   *zap.Logger
}

func NewVeo(_ context.Context, d Deps) (Adapter, error) {
	model := d.Tool.ModelName
	if !strings.HasPrefix(model, "veo") {
		model = defaultVeoModel
	}
	return &Veo{
		rest:     &restClient{baseURL: d.Options.GeminiRESTBaseURL, apiKey: d.APIKey, http: d.Options.HTTPClient},
		model:    model,
		timeout:  d.Options.VideoJobTimeout,
		interval: d.Options.PollInterval,
		logger:   d.Logger,
	}, nil
}

func (a *Veo) Name() string                  { return "gemini" }
func (a *Veo) Convention() stream.Convention { return stream.Cumulative }

type veoRequest struct {
	Instances  []veoInstance `json:"instances"`
	Parameters veoParameters `json:"parameters"`
}

type veoInstance struct {
	Prompt string    `json:"prompt"`
	Image  *veoImage `json:"image,omitempty"`
}

type veoImage struct {
	BytesBase64Encoded string `json:"bytesBase64Encoded"`
	MIMEType           string `json:"mimeType"`
}

type veoParameters struct {
	AspectRatio      string `json:"aspectRatio,omitempty"`
	DurationSeconds  int    `json:"durationSeconds,omitempty"`
	NegativePrompt   string `json:"negativePrompt,omitempty"`
	PersonGeneration string `json:"personGeneration,omitempty"`
	Resolution       string `json:"resolution,omitempty"`
	SampleCount      int    `json:"sampleCount,omitempty"`
	Seed             *int64 `json:"seed,omitempty"`
}

type veoOperation struct {
	Name  string `json:"name"`
	Done  bool   `json:"done"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
	Response struct {
		GenerateVideoResponse struct {
			GeneratedSamples []struct {
				Video struct {
					URI string `json:"uri"`
				} `json:"video"`
			} `json:"generatedSamples"`
		} `json:"generateVideoResponse"`
	} `json:"response"`
}

func (a *Veo) Stream(ctx context.Context, turn Turn) iter.Seq[stream.Frame] {
	return oneShot(func(yield func(stream.Frame) bool) {
		if !yield(stream.Status("Generating video, this can take a few minutes...")) {
			return
		}

		instance := veoInstance{Prompt: turn.Prompt}
		if img, ok := turn.FirstMedia(media.KindImage); ok && img.Inline() {
			instance.Image = &veoImage{BytesBase64Encoded: base64.StdEncoding.EncodeToString(img.Data), MIMEType: img.MIMEType}
		}
		req := veoRequest{
			Instances: []veoInstance{instance},
			Parameters: veoParameters{
				AspectRatio:      turn.Params.AspectRatio,
				DurationSeconds:  turn.Params.DurationSeconds,
				NegativePrompt:   turn.Params.NegativePrompt,
				PersonGeneration: turn.Params.PersonGeneration,
				Resolution:       turn.Params.Resolution,
				SampleCount:      turn.Params.Count,
				Seed:             turn.Params.Seed,
			},
		}

		start := time.Now()
		var op veoOperation
		if err := a.rest.do(ctx, http.MethodPost, "models/"+a.model+":predictLongRunning", req, &op); err != nil {
			yield(stream.ErrorFrame(classify(ctx, a.Name(), err)))
			return
		}
		a.logger.Info("Video job started", zap.String("operation", op.Name))

		err := pollUntil(ctx, a.Name(), a.interval, a.timeout, func(ctx context.Context) (bool, error) {
			if op.Done {
				return true, nil
			}
			var cur veoOperation
			if err := a.rest.do(ctx, http.MethodGet, op.Name, nil, &cur); err != nil {
				return false, err
			}
			op = cur
			return op.Done, nil
		})
		if err != nil {
			a.logger.Warn("Video job failed", zap.String("operation", op.Name), zap.Error(err), zap.Duration("elapsed", time.Since(start)))
			yield(stream.ErrorFrame(classify(ctx, a.Name(), err)))
			return
		}
		if op.Error != nil {
			yield(stream.ErrorFrame(stream.Errorf(stream.KindUpstream, "gemini video job failed: %s", op.Error.Message)))
			return
		}

		var assets []media.Ref
		for _, s := range op.Response.GenerateVideoResponse.GeneratedSamples {
			if s.Video.URI != "" {
				assets = append(assets, media.Ref{Kind: media.KindVideo, Source: media.SourceRemote, URI: s.Video.URI, MIMEType: "video/mp4"})
			}
		}
		if len(assets) == 0 {
			yield(stream.ErrorFrame(stream.Errorf(stream.KindUpstream, "gemini video job returned no videos")))
			return
		}
		a.logger.Info("Video job finished", zap.Int("videos", len(assets)), zap.Duration("elapsed", time.Since(start)))
		yield(assetFrame(assets, ""))
	})
}
