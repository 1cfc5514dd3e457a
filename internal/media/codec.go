package media

import (
	"context"
	"encoding/base64"
	"fmt"
	"mime"
	"net/url"
	"path"
	"strings"
)

// Policy is a provider's admission rule for inline payloads.
type Policy struct {
	Ceiling  int64
	CanStage bool
}

// Codec decodes inbound media fields into Refs and applies size policy.
type Codec struct {
	maxBytes int64
}

// NewCodec returns a codec rejecting anything above maxBytes outright.
func NewCodec(maxBytes int64) *Codec {
	if maxBytes <= 0 {
		maxBytes = MaxAssetBytes
	}
	return &Codec{maxBytes: maxBytes}
}

// Decode validates raw and produces a Ref. Data URIs are decoded in full;
// URLs are kept as references and never fetched here.
func (c *Codec) Decode(raw RawInput) (Ref, error) {
	value := strings.TrimSpace(raw.Value)
	if value == "" {
		return Ref{}, newError(ReasonMalformedEncoding, "empty payload")
	}
	if strings.HasPrefix(value, "data:") {
		return c.decodeDataURI(raw.Kind, value)
	}
	if raw.YouTube || IsYouTubeURL(value) {
		if raw.Kind != KindVideo {
			return Ref{}, newError(ReasonUnrecognizedMimeType, fmt.Sprintf("youtube reference given as %s", raw.Kind))
		}
		if !IsYouTubeURL(value) {
			return Ref{}, newError(ReasonMalformedEncoding, "not a youtube url")
		}
		return Ref{Kind: KindVideo, Source: SourceYouTube, URI: value, MIMEType: "video/*"}, nil
	}
	u, err := url.Parse(value)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return Ref{}, newError(ReasonMalformedEncoding, "expected a data URI or an http(s) URL")
	}
	mimeType := mime.TypeByExtension(strings.ToLower(path.Ext(u.Path)))
	if i := strings.IndexByte(mimeType, ';'); i >= 0 {
		mimeType = mimeType[:i]
	}
	if mimeType != "" && !MatchesKind(raw.Kind, mimeType) {
		return Ref{}, newError(ReasonUnrecognizedMimeType, fmt.Sprintf("%s is not a %s type", mimeType, raw.Kind))
	}
	return Ref{Kind: raw.Kind, Source: SourceRemote, URI: value, MIMEType: mimeType}, nil
}

func (c *Codec) decodeDataURI(kind Kind, value string) (Ref, error) {
	header, payload, ok := strings.Cut(strings.TrimPrefix(value, "data:"), ",")
	if !ok {
		return Ref{}, newError(ReasonMalformedEncoding, "data URI has no payload")
	}
	params := strings.Split(header, ";")
	mimeType := strings.ToLower(strings.TrimSpace(params[0]))
	isBase64 := false
	for _, p := range params[1:] {
		if strings.EqualFold(strings.TrimSpace(p), "base64") {
			isBase64 = true
		}
	}
	if !isBase64 {
		return Ref{}, newError(ReasonMalformedEncoding, "data URI is not base64 encoded")
	}
	if !MatchesKind(kind, mimeType) {
		return Ref{}, newError(ReasonUnrecognizedMimeType, fmt.Sprintf("%q is not a %s type", mimeType, kind))
	}
	if int64(base64.StdEncoding.DecodedLen(len(payload))) > c.maxBytes+2 {
		return Ref{}, newError(ReasonOversizeNoStaging, fmt.Sprintf("payload exceeds %d bytes", c.maxBytes))
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		data, err = base64.RawStdEncoding.DecodeString(payload)
		if err != nil {
			return Ref{}, newError(ReasonMalformedEncoding, err.Error())
		}
	}
	return Ref{
		Kind:      kind,
		Source:    SourceInline,
		Data:      data,
		MIMEType:  mimeType,
		SizeBytes: int64(len(data)),
	}, nil
}

// Admit applies a provider's inline ceiling. Oversize inline payloads are
// marked for staging when the provider can stage, rejected otherwise.
func (c *Codec) Admit(ref *Ref, p Policy) error {
	if ref == nil || ref.Source != SourceInline {
		return nil
	}
	ceiling := p.Ceiling
	if ceiling <= 0 {
		ceiling = DefaultInlineCeiling
	}
	if ref.SizeBytes <= ceiling {
		return nil
	}
	if !p.CanStage {
		return newError(ReasonOversizeNoStaging, fmt.Sprintf("%d bytes exceeds the %d byte inline limit", ref.SizeBytes, ceiling))
	}
	ref.NeedsStaging = true
	return nil
}

// Stage uploads a payload marked by Admit and rewrites ref to point at the
// staged handle. The caller must Release the ref once the adapter finishes.
func (c *Codec) Stage(ctx context.Context, ref *Ref, stager Stager) error {
	if ref == nil || !ref.NeedsStaging {
		return nil
	}
	if stager == nil {
		return newError(ReasonOversizeNoStaging, "no staging service for this provider")
	}
	h, err := stager.Stage(ctx, ref.Data, ref.MIMEType)
	if err != nil {
		return fmt.Errorf("stage %s payload: %w", ref.Kind, err)
	}
	ref.Handle = &h
	ref.Source = SourceStaged
	ref.URI = h.URI
	ref.Data = nil
	ref.NeedsStaging = false
	return nil
}

// Release frees the staged handle of ref, if any. It is safe to call more than once.
func (c *Codec) Release(ctx context.Context, ref *Ref, stager Stager) error {
	if ref == nil || ref.Handle == nil || stager == nil {
		return nil
	}
	h := *ref.Handle
	ref.Handle = nil
	return stager.Release(ctx, h)
}

// EncodeDataURI renders inline bytes back into a base64 data URI.
func EncodeDataURI(mimeType string, data []byte) string {
	return "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// MatchesKind reports whether mimeType is acceptable for kind.
func MatchesKind(kind Kind, mimeType string) bool {
	switch kind {
	case KindImage:
		return strings.HasPrefix(mimeType, "image/")
	case KindVideo:
		return strings.HasPrefix(mimeType, "video/")
	case KindAudio:
		return strings.HasPrefix(mimeType, "audio/")
	case KindPDF:
		return mimeType == "application/pdf"
	}
	return false
}
