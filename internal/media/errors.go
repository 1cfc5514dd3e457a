package media

import "errors"

// Reason is the sub-classification of a media failure.
type Reason string

const (
	ReasonOversizeNoStaging    Reason = "OversizeNoStaging"
	ReasonUnrecognizedMimeType Reason = "UnrecognizedMimeType"
	ReasonMalformedEncoding    Reason = "MalformedEncoding"
)

// Error is a media decoding or admission failure. It fails the turn but
// never the session.
type Error struct {
	Reason Reason
	Detail string
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return string(e.Reason)
	}
	return string(e.Reason) + ": " + e.Detail
}

// Is matches errors with the same reason.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Reason == e.Reason
}

var (
	ErrOversizeNoStaging    = &Error{Reason: ReasonOversizeNoStaging}
	ErrUnrecognizedMimeType = &Error{Reason: ReasonUnrecognizedMimeType}
	ErrMalformedEncoding    = &Error{Reason: ReasonMalformedEncoding}

	// ErrAssetTooLarge indicates a reader exceeded its byte budget.
	ErrAssetTooLarge = errors.New("media asset too large")
)

func newError(reason Reason, detail string) *Error {
	return &Error{Reason: reason, Detail: detail}
}
