// Package errs defines the typed failures surfaced by the monitoring core.
//
// Every failure carries a Kind plus optional key/value context so callers
// can render a precise message. Kinds are matched with errors.Is against
// the exported sentinels:
//
//	if errors.Is(err, errs.ErrInvalidState) { ... }
//
// ErrPreconditionFailed is a refinement of ErrInvalidState and matches both.
package errs

import (
	"errors"
	"fmt"
	"strings"
)

type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindForbidden
	KindNotFound
	KindInvalidState
	KindPreconditionFailed
	KindInvalidTransition
	KindInvalidEscalation
	KindConsentRequired
	KindConflict
)

var kindNames = map[Kind]string{
	KindInternal:           "internal",
	KindValidation:         "validation",
	KindForbidden:          "forbidden",
	KindNotFound:           "not_found",
	KindInvalidState:       "invalid_state",
	KindPreconditionFailed: "precondition_failed",
	KindInvalidTransition:  "invalid_transition",
	KindInvalidEscalation:  "invalid_escalation",
	KindConsentRequired:    "consent_required",
	KindConflict:           "conflict",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// parent returns the broader kind k also satisfies.
func (k Kind) parent() (Kind, bool) {
	if k == KindPreconditionFailed {
		return KindInvalidState, true
	}
	return 0, false
}

// KeyValue is one piece of diagnostic context.
type KeyValue struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type Error struct {
	Kind    Kind       `json:"kind"`
	Message string     `json:"message"`
	Err     error      `json:"-"`
	Context []KeyValue `json:"context,omitempty"`
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	for _, kv := range e.Context {
		fmt.Fprintf(&b, " %s=%s", kv.Key, kv.Value)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error whose kind e satisfies.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	k := e.Kind
	for {
		if k == t.Kind {
			return true
		}
		p, ok := k.parent()
		if !ok {
			return false
		}
		k = p
	}
}

// WithContext returns a copy of e with one more context pair.
func (e *Error) WithContext(key, value string) *Error {
	if e == nil {
		return nil
	}
	out := &Error{
		Kind:    e.Kind,
		Message: e.Message,
		Err:     e.Err,
		Context: make([]KeyValue, len(e.Context), len(e.Context)+1),
	}
	copy(out.Context, e.Context)
	out.Context = append(out.Context, KeyValue{Key: key, Value: value})
	return out
}

// Value returns the context value stored under key, or "".
func (e *Error) Value(key string) string {
	for _, kv := range e.Context {
		if kv.Key == key {
			return kv.Value
		}
	}
	return ""
}

var (
	ErrInternal           = &Error{Kind: KindInternal}
	ErrValidation         = &Error{Kind: KindValidation}
	ErrForbidden          = &Error{Kind: KindForbidden}
	ErrNotFound           = &Error{Kind: KindNotFound}
	ErrInvalidState       = &Error{Kind: KindInvalidState}
	ErrPreconditionFailed = &Error{Kind: KindPreconditionFailed}
	ErrInvalidTransition  = &Error{Kind: KindInvalidTransition}
	ErrInvalidEscalation  = &Error{Kind: KindInvalidEscalation}
	ErrConsentRequired    = &Error{Kind: KindConsentRequired}
	ErrConflict           = &Error{Kind: KindConflict}
)

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying error.
func Wrap(kind Kind, err error, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, Err: err}
}

// InvalidTransition names the rejected status pair.
func InvalidTransition(from, to string) *Error {
	return New(KindInvalidTransition, "transition not allowed").
		WithContext("from", from).
		WithContext("to", to)
}

// InvalidEscalation names the rejected severity pair.
func InvalidEscalation(from, to string) *Error {
	return New(KindInvalidEscalation, "severity must strictly increase").
		WithContext("from", from).
		WithContext("to", to)
}

// KindOf returns the kind of the first *Error in err's chain, or
// KindInternal for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
