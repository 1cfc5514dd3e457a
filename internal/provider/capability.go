package provider

import "gwi.com/inspire-gateway/internal/media"

// Capability is the closed set of things a turn can ask an upstream to do.
type Capability int

const (
	CapChat Capability = iota
	CapImageGenerate
	CapImageEdit
	CapImageUnderstand
	CapVideoGenerate
	CapVideoUnderstand
	CapAudioUnderstand
	CapDocumentIngest
)

var capabilityNames = [...]string{
	CapChat:            "chat",
	CapImageGenerate:   "image_generate",
	CapImageEdit:       "image_edit",
	CapImageUnderstand: "image_understand",
	CapVideoGenerate:   "video_generate",
	CapVideoUnderstand: "video_understand",
	CapAudioUnderstand: "audio_understand",
	CapDocumentIngest:  "document_ingest",
}

func (c Capability) String() string {
	if c < 0 || int(c) >= len(capabilityNames) {
		return "unknown"
	}
	return capabilityNames[c]
}

// Generates reports whether the capability produces media through an
// upstream job instead of streamed text.
func (c Capability) Generates() bool {
	return c == CapImageGenerate || c == CapImageEdit || c == CapVideoGenerate
}

// Understands reports whether the capability analyzes an attached payload.
func (c Capability) Understands() bool {
	return c == CapImageUnderstand || c == CapVideoUnderstand || c == CapAudioUnderstand || c == CapDocumentIngest
}

// MediaKind is the payload kind the capability requires, if any.
func (c Capability) MediaKind() (media.Kind, bool) {
	switch c {
	case CapImageEdit, CapImageUnderstand:
		return media.KindImage, true
	case CapVideoUnderstand:
		return media.KindVideo, true
	case CapAudioUnderstand:
		return media.KindAudio, true
	case CapDocumentIngest:
		return media.KindPDF, true
	}
	return "", false
}

// UnderstandFor maps a payload kind to the capability analyzing it.
func UnderstandFor(kind media.Kind) Capability {
	switch kind {
	case media.KindVideo:
		return CapVideoUnderstand
	case media.KindAudio:
		return CapAudioUnderstand
	case media.KindPDF:
		return CapDocumentIngest
	}
	return CapImageUnderstand
}
