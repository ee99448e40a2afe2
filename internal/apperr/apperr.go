package apperr

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a failure by how the system should react to it.
type Kind string

const (
	KindReconnectionRequired Kind = "reconnection_required"
	KindTransient            Kind = "transient_provider_error"
	KindRejected             Kind = "rejected_by_platform"
	KindCorruptedCredential  Kind = "corrupted_credential"
	KindStaleWorkItem        Kind = "stale_work_item"
	KindInternal             Kind = "internal"
)

func (k Kind) String() string { return string(k) }

// Sentinels for errors.Is; they match any *Error of the same kind.
var (
	ErrReconnectionRequired = &Error{Kind: KindReconnectionRequired}
	ErrTransient            = &Error{Kind: KindTransient}
	ErrRejected             = &Error{Kind: KindRejected}
	ErrCorruptedCredential  = &Error{Kind: KindCorruptedCredential}
	ErrStaleWorkItem        = &Error{Kind: KindStaleWorkItem}
	ErrInternal             = &Error{Kind: KindInternal}
)

type Error struct {
	Kind   Kind
	Op     string // e.g. "tokens.Resolve"
	Reason string // human readable, safe to store on attempt logs
	Err    error
}

func New(kind Kind, op, reason string) *Error {
	return &Error{Kind: kind, Op: op, Reason: reason}
}

func Wrap(kind Kind, op, reason string, err error) *Error {
	return &Error{Kind: kind, Op: op, Reason: reason, Err: err}
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Op != "" || t.Reason != "" || t.Err != nil {
		return t == e
	}
	return t.Kind == e.Kind
}

// KindOf returns the kind of the outermost *Error in the chain.
// Deadline and cancellation errors count as transient.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTransient
	}
	return KindInternal
}

// ReasonOf returns the human readable reason attached to err, falling back to its message.
func ReasonOf(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) && e.Reason != "" {
		return e.Reason
	}
	return err.Error()
}

func IsTransient(err error) bool { return KindOf(err) == KindTransient }

// UserMessage is what the account owner sees. Operator-only kinds get a generic line.
func UserMessage(kind Kind, platform string) string {
	switch kind {
	case KindReconnectionRequired:
		return fmt.Sprintf("Your %s connection has expired. Please reconnect your account.", platform)
	case KindTransient:
		return fmt.Sprintf("%s is temporarily unavailable. We will retry automatically.", platform)
	case KindRejected:
		return fmt.Sprintf("%s rejected this post. Please review the content and try again.", platform)
	default:
		return fmt.Sprintf("Publishing to %s failed. Our team has been notified.", platform)
	}
}
