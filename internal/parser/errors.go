package parser

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failed generation attempt. The retry policy
// branches on it.
type ErrorKind int

const (
	// KindUpstream is any failure not raised by the parser itself: LLM API
	// errors, synthesis failures, game bridge failures.
	KindUpstream ErrorKind = iota

	// KindInvalidAuthor means the proposed speaker matched nobody present.
	KindInvalidAuthor

	// KindVoicelineTooShort means every voice line was dropped for length.
	KindVoicelineTooShort

	// KindEmptySentence means the response produced no speakable sentence.
	KindEmptySentence

	// KindEmptyReply means the assembled reply was empty.
	KindEmptyReply

	// KindSystemLoop means the model attributed its reply to the system role.
	KindSystemLoop

	// KindLoop means the model repeated the same chunk too many times.
	KindLoop
)

// String returns a snake_case label suitable for logs and metric attributes.
func (k ErrorKind) String() string {
	switch k {
	case KindInvalidAuthor:
		return "invalid_author"
	case KindVoicelineTooShort:
		return "voiceline_too_short"
	case KindEmptySentence:
		return "empty_sentence"
	case KindEmptyReply:
		return "empty_reply"
	case KindSystemLoop:
		return "system_loop"
	case KindLoop:
		return "loop"
	default:
		return "upstream"
	}
}

// transient reports whether k is retried without consuming the retry budget.
func (k ErrorKind) transient() bool {
	switch k {
	case KindInvalidAuthor, KindVoicelineTooShort, KindEmptySentence, KindEmptyReply, KindSystemLoop:
		return true
	}
	return false
}

// ErrVoicelineTooShort is returned by a [Sink] that dropped a line because
// too little speakable text was left after sanitizing.
var ErrVoicelineTooShort = errors.New("voiceline too short")

// Error is a classified attempt failure.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return "parser: " + e.Kind.String()
	}
	return fmt.Sprintf("parser: %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of err. Errors that are not an [*Error], including
// nil, are [KindUpstream].
func KindOf(err error) ErrorKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, ErrVoicelineTooShort) {
		return KindVoicelineTooShort
	}
	return KindUpstream
}
