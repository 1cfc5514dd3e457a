package stream

import "gwi.com/inspire-gateway/internal/media"

// FrameType is the outbound frame discriminator sent to clients.
type FrameType string

const (
	FrameMessage         FrameType = "ai_message"
	FrameCode            FrameType = "ai_message_code"
	FrameExecutionResult FrameType = "ai_message_execution_result"
	FrameInlineData      FrameType = "ai_message_inline_data"
	FrameStatus          FrameType = "status_update"
	FrameError           FrameType = "error"
)

const (
	FinishStop        = "stop"
	FinishCancelled   = "cancelled"
	FinishSessionBusy = "session_busy"
	FinishRateLimited = "rate_limited"
)

// Frame is one unit of a turn's output stream.
type Frame struct {
	Type         FrameType `json:"type"`
	Content      string    `json:"content"`
	Done         bool      `json:"done"`
	FinishReason string    `json:"finish_reason,omitempty"`

	// Assets lists generated media referenced by a media-generation result.
	Assets []media.Ref `json:"-"`
	// Err is set on error frames.
	Err error `json:"-"`
}

// Terminal reports whether the frame ends its stream.
func (f Frame) Terminal() bool {
	return f.Done || f.Type == FrameError
}

// IsError reports whether the frame carries a failure.
func (f Frame) IsError() bool {
	return f.Type == FrameError
}

// Message builds an ai_message frame.
func Message(content string, done bool) Frame {
	f := Frame{Type: FrameMessage, Content: content, Done: done}
	if done {
		f.FinishReason = FinishStop
	}
	return f
}

// Status builds a status_update frame.
func Status(content string) Frame {
	return Frame{Type: FrameStatus, Content: content}
}

// ErrorFrame converts err into a terminal error frame with user-facing text.
func ErrorFrame(err error) Frame {
	return Frame{Type: FrameError, Content: UserMessage(err), Done: true, Err: err}
}

// Rejection builds the error frame answering a turn that was refused while
// another turn is active. It is not done: the active turn still owns the
// terminal frame.
func Rejection(err error, reason string) Frame {
	return Frame{Type: FrameError, Content: UserMessage(err), FinishReason: reason, Err: err}
}
