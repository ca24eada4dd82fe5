package gateway

import (
	"errors"
	"fmt"
	"log/slog"
)

// Kind classifies why a synthesis request failed.
type Kind int

const (
	KindVoiceNotFound Kind = iota + 1
	KindEngine
	KindEncode
)

func (k Kind) String() string {
	switch k {
	case KindVoiceNotFound:
		return "voice_not_found"
	case KindEngine:
		return "engine_error"
	case KindEncode:
		return "encode_error"
	default:
		return "unknown"
	}
}

// Error is returned by Synthesize. Op names the step that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf reports the Kind carried by err, if any.
func KindOf(err error) (Kind, bool) {
	var gwErr *Error
	if errors.As(err, &gwErr) {
		return gwErr.Kind, true
	}
	return 0, false
}

func outcomeOf(err error) string {
	if err == nil {
		return "ok"
	}
	if kind, ok := KindOf(err); ok {
		return kind.String()
	}
	return "unknown"
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
