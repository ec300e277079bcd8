// Package errkind classifies download-path failures so the cascade can decide
// whether to retry a URL, advance to the next source, or abort the task.
package errkind

import (
	"errors"
	"fmt"
)

// Kind tags an error with cascade-relevant semantics.
type Kind int

const (
	// Unknown is the zero value for untagged errors.
	Unknown Kind = iota
	// Cancelled means the task's cancel flag was observed. Never retried.
	Cancelled
	// Transient covers network errors and challenge failures. The cascade
	// advances to the next URL, then the next source.
	Transient
	// Blocked means the server returned 403 or a challenge page; the fetcher
	// should switch into bypass mode for the remaining budget.
	Blocked
	// Parse means a page was fetched but no download link or countdown could
	// be extracted. Not retried at the same URL.
	Parse
	// SourceExhausted means every URL of a source failed or its failure
	// threshold was reached.
	SourceExhausted
)

func (k Kind) String() string {
	switch k {
	case Cancelled:
		return "cancelled"
	case Transient:
		return "transient"
	case Blocked:
		return "blocked"
	case Parse:
		return "parse"
	case SourceExhausted:
		return "source exhausted"
	default:
		return "unknown"
	}
}

type taggedError struct {
	kind Kind
	err  error
}

func (e *taggedError) Error() string { return e.err.Error() }
func (e *taggedError) Unwrap() error { return e.err }

// New creates a tagged error from a message.
func New(kind Kind, msg string) error {
	return &taggedError{kind: kind, err: errors.New(msg)}
}

// Newf creates a tagged error with formatting.
func Newf(kind Kind, format string, args ...any) error {
	return &taggedError{kind: kind, err: fmt.Errorf(format, args...)}
}

// Wrap tags an existing error. A nil error stays nil.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &taggedError{kind: kind, err: err}
}

// Of returns the Kind of err, walking the wrap chain. Untagged errors
// report Unknown.
func Of(err error) Kind {
	var te *taggedError
	if errors.As(err, &te) {
		return te.kind
	}
	return Unknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return Of(err) == kind
}
