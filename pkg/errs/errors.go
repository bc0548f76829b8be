// Package errs defines the error taxonomy shared across the engine.
// Callers branch on the kind, not on error strings.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation policy.
type Kind int

const (
	// KindValidation covers malformed input: bad CSV, unrecognized columns,
	// malformed query documents. Reported immediately, nothing committed.
	KindValidation Kind = iota
	// KindInconsistency covers states that must never be auto-corrected,
	// such as a draft and a versioned folder existing for one version.
	KindInconsistency
	// KindTransient covers retryable failures (storage I/O, engine
	// connection loss). The import pipeline resumes from the last
	// completed stage.
	KindTransient
	// KindNotFound covers unknown data set, version or facet references.
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindInconsistency:
		return "inconsistency"
	case KindTransient:
		return "transient"
	case KindNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// Error is a classified error with an optional path pinpointing the
// offending input node or identifier.
type Error struct {
	Kind Kind
	Path string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	s := e.Msg
	if e.Path != "" {
		s = e.Path + ": " + s
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Validationf builds a validation error. path may be empty.
func Validationf(path, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Path: path, Msg: fmt.Sprintf(format, args...)}
}

// Inconsistencyf builds an inconsistency error requiring operator action.
func Inconsistencyf(path, format string, args ...any) *Error {
	return &Error{Kind: KindInconsistency, Path: path, Msg: fmt.Sprintf(format, args...)}
}

// Transient wraps a retryable failure.
func Transient(err error, format string, args ...any) *Error {
	return &Error{Kind: KindTransient, Msg: fmt.Sprintf(format, args...), Err: err}
}

// NotFoundf builds a not-found error.
func NotFoundf(path, format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Path: path, Msg: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of err, or (0, false) if err is unclassified.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

// IsValidation reports whether err is a validation failure.
func IsValidation(err error) bool {
	k, ok := KindOf(err)
	return ok && k == KindValidation
}

// IsInconsistency reports whether err is an inconsistency failure.
func IsInconsistency(err error) bool {
	k, ok := KindOf(err)
	return ok && k == KindInconsistency
}

// IsTransient reports whether err is retryable.
func IsTransient(err error) bool {
	k, ok := KindOf(err)
	return ok && k == KindTransient
}

// IsNotFound reports whether err is a not-found failure.
func IsNotFound(err error) bool {
	k, ok := KindOf(err)
	return ok && k == KindNotFound
}
