package provider

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gwi.com/inspire-gateway/internal/media"
)

func TestParseInlineParams(t *testing.T) {
	t.Parallel()

	prompt, p := ParseInlineParams("A lighthouse at dusk\naspect_ratio: 16:9\nn=2\nNegative Prompt: people, boats\nstyle: natural")
	assert.Equal(t, "A lighthouse at dusk", prompt)
	assert.Equal(t, "16:9", p.AspectRatio)
	assert.Equal(t, 2, p.Count)
	assert.Equal(t, "people, boats", p.NegativePrompt)
	assert.Equal(t, "natural", p.Style)
	assert.Nil(t, p.Seed)
}

func TestParseInlineParams_KeepsUnknownAndInvalid(t *testing.T) {
	t.Parallel()

	text := "Note: keep the sky orange\nsize: enormous\nn: 12\nduration: 8s\nseed: 42"
	prompt, p := ParseInlineParams(text)
	assert.Equal(t, "Note: keep the sky orange\nsize: enormous\nn: 12", prompt)
	assert.Empty(t, p.Size)
	assert.Zero(t, p.Count)
	assert.Equal(t, 8, p.DurationSeconds)
	require.NotNil(t, p.Seed)
	assert.Equal(t, int64(42), *p.Seed)
}

func TestParseInlineParams_PlainText(t *testing.T) {
	t.Parallel()

	prompt, p := ParseInlineParams("  just draw a cat  ")
	assert.Equal(t, "just draw a cat", prompt)
	assert.Equal(t, Params{}, p)
	assert.Equal(t, 1, p.CountOr(1))
}

func TestClassifyIntent(t *testing.T) {
	t.Parallel()

	tests := []struct {
		prompt string
		want   Intent
	}{
		{"What is in this picture?", IntentDescribe},
		{"", IntentDescribe},
		{"Please transcribe this recording", IntentTranscript},
		{"Summarize the transcript", IntentTranscript},
		{"Give me timestamps for each scene", IntentTimestamp},
		{"Summarize and add a timestamp per topic", IntentTimestamp},
		{"Segment the image and detect cars", IntentSegment},
		{"Detect every bicycle", IntentDetect},
		{"Summarize the scene and draw a bounding box around each dog", IntentDetect},
		{"Give me a summary and a mask of the sky", IntentSegment},
		{"TL;DR please", IntentSummarize},
		{"Give me a summary", IntentSummarize},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ClassifyIntent(tt.prompt), tt.prompt)
	}
}

func TestUnderstandingPrompt(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "Describe this image in detail.", UnderstandingPrompt(IntentDescribe, media.KindImage, " "))
	got := UnderstandingPrompt(IntentSummarize, media.KindPDF, "focus on pricing")
	assert.Equal(t, "Summarize this document concisely, listing the key points.\n\nfocus on pricing", got)
}

func TestCapability(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "image_edit", CapImageEdit.String())
	assert.Equal(t, "unknown", Capability(99).String())
	assert.True(t, CapVideoGenerate.Generates())
	assert.False(t, CapChat.Generates())
	assert.True(t, CapDocumentIngest.Understands())

	kind, ok := CapImageEdit.MediaKind()
	assert.True(t, ok)
	assert.Equal(t, media.KindImage, kind)
	_, ok = CapChat.MediaKind()
	assert.False(t, ok)

	assert.Equal(t, CapAudioUnderstand, UnderstandFor(media.KindAudio))
}
