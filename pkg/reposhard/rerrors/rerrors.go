// Package rerrors defines the error taxonomy shared across the repodata
// subsystem: a small closed set of kinds (a sum type, not exceptions) plus
// an aggregated form for batch operations, so callers can pattern-match
// with errors.Is/errors.As instead of parsing messages.
package rerrors

import (
	"errors"
	"strings"
)

// Code identifies the kind of failure an Error carries.
type Code int

const (
	// Unknown is the zero value; it should not appear on a constructed Error.
	Unknown Code = iota
	// PrefixDataNotLoaded means the channel/subdir prefix metadata required
	// for a lookup has not been loaded yet.
	PrefixDataNotLoaded
	// SubdirDataNotLoaded means a subdir's repodata has not been loaded.
	SubdirDataNotLoaded
	// CacheNotLoaded means a cached file was expected but could not be read.
	CacheNotLoaded
	// RepodataNotLoaded means the primary repodata.json could not be
	// fetched or parsed and no usable cached copy exists.
	RepodataNotLoaded
	// UserInterrupted means a caller-supplied stop token fired mid-operation.
	UserInterrupted
	// Aggregated means this Error wraps one or more inner errors from a
	// batch operation.
	Aggregated
)

func (c Code) String() string {
	switch c {
	case PrefixDataNotLoaded:
		return "prefix_data_not_loaded"
	case SubdirDataNotLoaded:
		return "subdirdata_not_loaded"
	case CacheNotLoaded:
		return "cache_not_loaded"
	case RepodataNotLoaded:
		return "repodata_not_loaded"
	case UserInterrupted:
		return "user_interrupted"
	case Aggregated:
		return "aggregated"
	default:
		return "unknown"
	}
}

// Error is the concrete error type used throughout the repodata subsystem.
// It carries a Code for programmatic matching, a human-readable Msg, and
// for Aggregated errors the list of inner errors it wraps.
type Error struct {
	Code  Code
	Msg   string
	Inner []error
}

// New builds a plain, non-aggregated Error.
func New(code Code, msg string) *Error {
	return &Error{Code: code, Msg: msg}
}

// Aggregate combines one or more errors into a single Aggregated Error. A
// nil is returned if errs is empty; a single non-nil error is returned
// unwrapped rather than aggregated.
func Aggregate(errs ...error) error {
	var nonNil []error

	for _, e := range errs {
		if e != nil {
			nonNil = append(nonNil, e)
		}
	}

	switch len(nonNil) {
	case 0:
		return nil
	case 1:
		return nonNil[0]
	default:
		return &Error{Code: Aggregated, Inner: nonNil}
	}
}

func (e *Error) Error() string {
	if e.Code == Aggregated {
		var b strings.Builder

		b.WriteString("multiple errors occurred:")

		for _, inner := range e.Inner {
			b.WriteString("\n  - ")
			b.WriteString(inner.Error())
		}

		b.WriteString("\nthis usually indicates a bug; please include this message if reporting it")

		return b.String()
	}

	if e.Msg == "" {
		return e.Code.String()
	}

	return e.Code.String() + ": " + e.Msg
}

// Unwrap lets errors.Is/errors.As see through an Aggregated error into each
// inner error (Go 1.20+ multi-error unwrap).
func (e *Error) Unwrap() []error { return e.Inner }

// Is reports whether target is an *Error with the same Code, so callers can
// write errors.Is(err, rerrors.New(rerrors.UserInterrupted, "")).
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}

	return e.Code == other.Code
}

// IsUserInterrupted reports whether err is, or wraps, a UserInterrupted error.
func IsUserInterrupted(err error) bool {
	return codeIs(err, UserInterrupted)
}

func codeIs(err error, code Code) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}

	return e.Code == code
}
