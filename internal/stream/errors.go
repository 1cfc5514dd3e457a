package stream

import (
	"context"
	"errors"
	"fmt"

	"gwi.com/inspire-gateway/internal/media"
)

// Kind classifies turn failures.
type Kind string

const (
	KindAuthMissing     Kind = "AuthMissing"
	KindToolNotFound    Kind = "ToolNotFound"
	KindInvalidIntent   Kind = "InvalidIntent"
	KindAmbiguousIntent Kind = "AmbiguousIntent"
	KindSessionBusy     Kind = "SessionBusy"
	KindMedia           Kind = "MediaError"
	KindUpstream        Kind = "UpstreamError"
	KindUpstreamTimeout Kind = "UpstreamTimeout"
	KindPersistence     Kind = "PersistenceError"
	KindRateLimited     Kind = "RateLimited"
	KindCancelled       Kind = "Cancelled"
	KindInternal        Kind = "InternalError"
)

// Error is a classified turn failure.
type Error struct {
	Kind     Kind
	Provider string
	Message  string
	Err      error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Provider != "" {
		msg = e.Provider + ": " + msg
	}
	if msg == "" {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so the sentinels below work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrAuthMissing     = &Error{Kind: KindAuthMissing}
	ErrToolNotFound    = &Error{Kind: KindToolNotFound}
	ErrInvalidIntent   = &Error{Kind: KindInvalidIntent}
	ErrAmbiguousIntent = &Error{Kind: KindAmbiguousIntent}
	ErrSessionBusy     = &Error{Kind: KindSessionBusy, Message: "a response is already streaming"}
	ErrUpstream        = &Error{Kind: KindUpstream}
	ErrUpstreamTimeout = &Error{Kind: KindUpstreamTimeout}
	ErrPersistence     = &Error{Kind: KindPersistence}
	ErrRateLimited     = &Error{Kind: KindRateLimited, Message: "too many messages, slow down"}
	ErrCancelled       = &Error{Kind: KindCancelled, Message: "turn cancelled"}
)

// Errorf builds a classified error.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies err under kind, keeping it in the chain.
func Wrap(kind Kind, provider string, err error) *Error {
	return &Error{Kind: kind, Provider: provider, Err: err}
}

// KindOf classifies an arbitrary error. Unclassified errors are internal,
// except context deadline errors which are upstream timeouts.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	var me *media.Error
	if errors.As(err, &me) {
		return KindMedia
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindUpstreamTimeout
	}
	return KindInternal
}

// Recordable reports whether a failure of this kind is persisted as an
// assistant turn so it stays visible in the conversation history.
func Recordable(kind Kind) bool {
	return kind == KindUpstream || kind == KindUpstreamTimeout
}

// UserMessage renders err as the text shown to the client.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Error()
	}
	kind := KindOf(err)
	return string(kind) + ": " + err.Error()
}
