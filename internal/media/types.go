package media

import "time"

// Kind classifies a media payload.
type Kind string

const (
	KindImage Kind = "image"
	KindPDF   Kind = "pdf"
	KindVideo Kind = "video"
	KindAudio Kind = "audio"
)

// Source tells where a Ref's bytes live.
type Source string

const (
	SourceInline  Source = "inline"
	SourceRemote  Source = "remote"
	SourceYouTube Source = "youtube"
	SourceStaged  Source = "staged"
)

// Ref is the normalized form of one media payload for a single turn.
type Ref struct {
	Kind      Kind
	Source    Source
	Data      []byte
	URI       string
	MIMEType  string
	SizeBytes int64

	// NeedsStaging is set by Admit when the payload exceeds the provider's
	// inline ceiling and must be uploaded before dispatch.
	NeedsStaging bool
	Handle       *Handle
}

// Inline reports whether the payload bytes travel inside the request.
func (r Ref) Inline() bool {
	return r.Source == SourceInline && !r.NeedsStaging
}

// Handle references a provider-side staged file.
type Handle struct {
	ID        string
	URI       string
	MIMEType  string
	ExpiresAt time.Time
}

// RawInput is one inbound media field before decoding.
type RawInput struct {
	Kind    Kind
	Value   string
	YouTube bool
}
