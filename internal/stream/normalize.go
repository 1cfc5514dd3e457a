package stream

import (
	"strings"

	"gwi.com/inspire-gateway/internal/media"
)

// Convention declares how an adapter fills ai_message content.
type Convention int

const (
	// Cumulative adapters send the whole text so far in every ai_message frame.
	Cumulative Convention = iota
	// Delta adapters send only the new fragment.
	Delta
)

func (c Convention) String() string {
	if c == Delta {
		return "delta"
	}
	return "cumulative"
}

// Normalizer rewrites an adapter's frames into the wire convention
// (cumulative ai_message content) and assembles the transcript that is
// persisted as the assistant turn.
type Normalizer struct {
	conv       Convention
	text       string
	flushed    int
	transcript strings.Builder
	assets     []media.Ref
	terminal   *Frame
}

func NewNormalizer(conv Convention) *Normalizer {
	return &Normalizer{conv: conv}
}

// Apply normalizes one frame. Frames arriving after a terminal frame are
// returned unchanged with ok=false and must be dropped.
func (n *Normalizer) Apply(f Frame) (out Frame, ok bool) {
	if n.terminal != nil {
		return f, false
	}
	out = f
	switch f.Type {
	case FrameMessage:
		if n.conv == Delta {
			n.text += f.Content
		} else if f.Content != "" || !f.Done {
			n.text = f.Content
		}
		out.Content = n.text
		if f.Done && out.FinishReason == "" {
			out.FinishReason = FinishStop
		}
	case FrameCode:
		n.flushText()
		n.transcript.WriteString("\n```python\n" + strings.TrimRight(f.Content, "\n") + "\n```\n")
	case FrameExecutionResult:
		n.flushText()
		n.transcript.WriteString("\n```\n" + strings.TrimRight(f.Content, "\n") + "\n```\n")
	case FrameInlineData:
		n.flushText()
		n.transcript.WriteString("\n" + f.Content + "\n")
	}
	n.assets = append(n.assets, f.Assets...)
	if out.Terminal() {
		t := out
		n.terminal = &t
	}
	return out, true
}

// flushText moves prose not yet in the transcript ahead of a code or inline
// fragment so the persisted turn keeps the order the client saw.
func (n *Normalizer) flushText() {
	n.transcript.WriteString(n.pending())
	n.flushed = len(n.text)
}

func (n *Normalizer) pending() string {
	if n.flushed > len(n.text) {
		n.flushed = len(n.text)
	}
	return n.text[n.flushed:]
}

// Text returns the cumulative ai_message text.
func (n *Normalizer) Text() string { return n.text }

// Transcript returns the full assembled content of the turn.
func (n *Normalizer) Transcript() string {
	return strings.TrimSpace(n.transcript.String() + n.pending())
}

// Assets returns generated media seen in the stream.
func (n *Normalizer) Assets() []media.Ref { return n.assets }

// Terminal returns the terminal frame, if one was seen.
func (n *Normalizer) Terminal() (Frame, bool) {
	if n.terminal == nil {
		return Frame{}, false
	}
	return *n.terminal, true
}

// Finish returns the terminal frame, synthesizing one when the adapter ended
// its sequence without a terminal frame.
func (n *Normalizer) Finish() Frame {
	if n.terminal != nil {
		return *n.terminal
	}
	f := Message(n.text, true)
	n.terminal = &f
	return f
}
