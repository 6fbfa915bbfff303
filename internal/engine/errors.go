package engine

import (
	"errors"
	"fmt"
)

// ErrorKind classifies engine failures. Kinds decide propagation: some are
// fatal for the whole call, some only for one rule, some merely degrade the
// produced text.
type ErrorKind string

const (
	// KindInvalidEvent: the event lacks required fields. Fatal for the
	// whole call; nothing is partially processed.
	KindInvalidEvent ErrorKind = "invalid_event"
	// KindRuleFetchFailed: rules could not be loaded. Fatal; no rule set
	// can be safely assumed.
	KindRuleFetchFailed ErrorKind = "rule_fetch_failed"
	// KindAgentNotFound: the persona is missing. Fatal for that rule or
	// for the fallback, never for sibling rules.
	KindAgentNotFound ErrorKind = "agent_not_found"
	// KindQuotaExceeded: AI budget exhausted. Rule actions degrade to
	// their template; the fallback fails explicitly.
	KindQuotaExceeded ErrorKind = "quota_exceeded"
	// KindGenerationFailed: the provider errored. Rule actions degrade to
	// their template; the fallback has no template and fails.
	KindGenerationFailed ErrorKind = "generation_failed"
	// KindDispatchFailed: an external send failed. Logged; never fails
	// the overall call.
	KindDispatchFailed ErrorKind = "dispatch_failed"
	// KindPersistFailed: inbox persistence failed. The action must not
	// dispatch externally (failing closed).
	KindPersistFailed ErrorKind = "persist_failed"
	// KindRuleTypeMismatch: a manual trigger named a non-manual rule.
	KindRuleTypeMismatch ErrorKind = "rule_type_mismatch"
)

// Error pairs a kind with an underlying cause.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// E wraps err with a kind.
func E(kind ErrorKind, err error) *Error { return &Error{Kind: kind, Err: err} }

// Errorf builds a kinded error from a format string.
func Errorf(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the kind from an error chain, or "" when untagged.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
