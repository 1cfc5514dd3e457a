package provider

import (
	"fmt"
	"strings"

	"gwi.com/inspire-gateway/internal/media"
)

// Intent is what the user wants out of an understanding request.
type Intent string

const (
	IntentDescribe   Intent = "describe"
	IntentTranscript Intent = "transcript"
	IntentTimestamp  Intent = "timestamp"
	IntentSummarize  Intent = "summarize"
	IntentDetect     Intent = "detect"
	IntentSegment    Intent = "segment"
)

// intentKeywords is checked top to bottom; the first hit wins.
var intentKeywords = []struct {
	intent   Intent
	keywords []string
}{
	{IntentTranscript, []string{"transcribe", "transcript", "transcription", "verbatim"}},
	{IntentTimestamp, []string{"timestamp", "time stamp", "timecode", "at what time", "what time"}},
	{IntentSegment, []string{"segment", "segmentation", "mask"}},
	{IntentDetect, []string{"detect", "detection", "bounding box", "locate", "find all"}},
	{IntentSummarize, []string{"summarize", "summarise", "summary", "tl;dr", "key points"}},
}

// ClassifyIntent guesses the analysis intent of a prompt from keywords.
// Precedence: transcript, timestamp, segment, detect, summarize, describe.
func ClassifyIntent(prompt string) Intent {
	p := strings.ToLower(prompt)
	for _, entry := range intentKeywords {
		for _, kw := range entry.keywords {
			if strings.Contains(p, kw) {
				return entry.intent
			}
		}
	}
	return IntentDescribe
}

// Instruction is the task framing sent ahead of the user's prompt.
func (i Intent) Instruction(kind media.Kind) string {
	subject := string(kind)
	if kind == media.KindPDF {
		subject = "document"
	}
	switch i {
	case IntentTranscript:
		return fmt.Sprintf("Transcribe the spoken or written content of this %s verbatim.", subject)
	case IntentTimestamp:
		return fmt.Sprintf("Describe the notable moments of this %s, prefixing each with its timestamp in MM:SS.", subject)
	case IntentSummarize:
		return fmt.Sprintf("Summarize this %s concisely, listing the key points.", subject)
	case IntentDetect:
		return fmt.Sprintf("Detect the objects in this %s and list each with its bounding box as [ymin, xmin, ymax, xmax] normalized to 0-1000.", subject)
	case IntentSegment:
		return fmt.Sprintf("Segment this %s into its distinct regions or sections and describe each one.", subject)
	}
	return fmt.Sprintf("Describe this %s in detail.", subject)
}

// UnderstandingPrompt combines the intent framing with the user's own words.
func UnderstandingPrompt(intent Intent, kind media.Kind, userText string) string {
	instruction := intent.Instruction(kind)
	userText = strings.TrimSpace(userText)
	if userText == "" {
		return instruction
	}
	return instruction + "\n\n" + userText
}
