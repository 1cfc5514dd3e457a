package core

import (
	"strings"

	"gwi.com/inspire-gateway/internal/media"
	"gwi.com/inspire-gateway/internal/provider"
	"gwi.com/inspire-gateway/internal/stream"
)

// Inbound is one client frame on a conversation stream.
type Inbound struct {
	// Type is empty or "message" for a turn, "cancel" to stop the active one.
	Type    string `json:"type,omitempty"`
	Message string `json:"message"`

	ImageURL     string `json:"image_url,omitempty"`
	PDFURL       string `json:"pdf_url,omitempty"`
	AudioURL     string `json:"audio_url,omitempty"`
	VideoURL     string `json:"video_url,omitempty"`
	IsYouTubeURL bool   `json:"is_youtube_url,omitempty"`

	IsImageGeneration    bool `json:"is_image_generation,omitempty"`
	IsImageEditing       bool `json:"is_image_editing,omitempty"`
	IsVideoGeneration    bool `json:"is_video_generation,omitempty"`
	IsImageUnderstanding bool `json:"is_image_understanding,omitempty"`
	IsVideoUnderstanding bool `json:"is_video_understanding,omitempty"`
	IsAudioUnderstanding bool `json:"is_audio_understanding,omitempty"`
	IsPDFUpload          bool `json:"is_pdf_upload,omitempty"`
}

const (
	InboundMessage = "message"
	InboundCancel  = "cancel"
)

func (in Inbound) IsCancel() bool {
	return strings.EqualFold(in.Type, InboundCancel)
}

func (in Inbound) flags() []provider.Capability {
	var caps []provider.Capability
	add := func(set bool, c provider.Capability) {
		if set {
			caps = append(caps, c)
		}
	}
	add(in.IsImageGeneration, provider.CapImageGenerate)
	add(in.IsImageEditing, provider.CapImageEdit)
	add(in.IsVideoGeneration, provider.CapVideoGenerate)
	add(in.IsImageUnderstanding, provider.CapImageUnderstand)
	add(in.IsVideoUnderstanding, provider.CapVideoUnderstand)
	add(in.IsAudioUnderstanding, provider.CapAudioUnderstand)
	add(in.IsPDFUpload, provider.CapDocumentIngest)
	return caps
}

func (in Inbound) payloads() []media.RawInput {
	var raws []media.RawInput
	add := func(kind media.Kind, value string, youtube bool) {
		if strings.TrimSpace(value) != "" {
			raws = append(raws, media.RawInput{Kind: kind, Value: value, YouTube: youtube})
		}
	}
	add(media.KindImage, in.ImageURL, false)
	add(media.KindPDF, in.PDFURL, false)
	add(media.KindAudio, in.AudioURL, false)
	add(media.KindVideo, in.VideoURL, in.IsYouTubeURL)
	return raws
}

// RouteState is where a turn ended up in the router.
type RouteState int

const (
	StateReceived RouteState = iota
	StateDispatched
	StateRejected
)

func (s RouteState) String() string {
	switch s {
	case StateDispatched:
		return "dispatched"
	case StateRejected:
		return "rejected"
	}
	return "received"
}

// Route is the router's decision for one turn.
type Route struct {
	State      RouteState
	Capability provider.Capability
	// Prompt is the message with inline parameter lines removed for
	// generation turns, the message itself otherwise.
	Prompt string
	Params provider.Params
	Intent provider.Intent
	// Media holds the payloads the capability consumes, still undecoded.
	Media []media.RawInput
	Err   error
}

func reject(err error) Route {
	return Route{State: StateRejected, Err: err}
}

// RouteInbound resolves a turn to exactly one capability. An explicit flag
// wins over payload presence; without a flag the single payload kind
// decides, and several kinds are ambiguous.
func RouteInbound(in Inbound) Route {
	raws := in.payloads()
	flags := in.flags()

	var c provider.Capability
	switch len(flags) {
	case 0:
		kinds := map[media.Kind]bool{}
		for _, r := range raws {
			kinds[r.Kind] = true
		}
		switch len(kinds) {
		case 0:
			c = provider.CapChat
		case 1:
			c = provider.UnderstandFor(raws[0].Kind)
		default:
			return reject(stream.Errorf(stream.KindAmbiguousIntent, "several media kinds attached and no capability flag set"))
		}
	case 1:
		c = flags[0]
	default:
		return reject(stream.Errorf(stream.KindInvalidIntent, "at most one capability flag may be set, got %d", len(flags)))
	}

	used := mediaFor(c, raws)
	if kind, ok := c.MediaKind(); ok && len(used) == 0 {
		return reject(stream.Errorf(stream.KindInvalidIntent, "%s needs a %s attachment", c, kind))
	}

	r := Route{State: StateDispatched, Capability: c, Prompt: in.Message, Media: used}
	if c.Generates() {
		r.Prompt, r.Params = provider.ParseInlineParams(in.Message)
	}
	if c.Understands() {
		r.Intent = provider.ClassifyIntent(in.Message)
	}
	return r
}

// mediaFor keeps the payloads c consumes. Video generation may start from
// an image; plain image generation takes none.
func mediaFor(c provider.Capability, raws []media.RawInput) []media.RawInput {
	want, ok := c.MediaKind()
	if !ok {
		if c != provider.CapVideoGenerate {
			return nil
		}
		want = media.KindImage
	}
	var out []media.RawInput
	for _, r := range raws {
		if r.Kind == want {
			out = append(out, r)
		}
	}
	return out
}
