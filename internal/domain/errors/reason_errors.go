// Package errors implements the typed error-kind discipline used across the
// supervisor: every operation-facing failure is classified into one of a
// small set of kinds so callers (and the HTTP facade) can react without
// string matching.
package errors

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// Kind is an error classification callers can observe distinctly.
type Kind string

const (
	Validation Kind = "VALIDATION"
	NotFound   Kind = "NOT_FOUND"
	Conflict   Kind = "CONFLICT"
	Resource   Kind = "RESOURCE"
	Spawn      Kind = "SPAWN"
	Internal   Kind = "INTERNAL"
)

// reasonError wraps a Kind with a sanitized detail string and the
// underlying cause, if any.
type reasonError struct {
	kind   Kind
	detail string
	err    error
}

func (e *reasonError) Error() string {
	if e.detail != "" {
		return fmt.Sprintf("%s: %s", e.kind, e.detail)
	}
	if e.err != nil {
		return fmt.Sprintf("%s: %s", e.kind, e.err.Error())
	}
	return string(e.kind)
}

func (e *reasonError) Unwrap() error { return e.err }

// New builds a reasonError for kind with a sanitized detail and optional
// wrapped cause.
func New(kind Kind, detail string, cause error) error {
	return &reasonError{kind: kind, detail: sanitizeDetail(detail), err: cause}
}

// Wrap classifies an arbitrary error into a Kind, preserving a pre-existing
// classification if err already carries one.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	var re *reasonError
	if errors.As(err, &re) {
		return err
	}
	return New(kind, err.Error(), err)
}

// KindOf extracts the Kind from err, defaulting to Internal for
// unclassified errors (context cancellation/deadline map to Internal too;
// callers that care about cancellation should check ctx.Err() directly).
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var re *reasonError
	if errors.As(err, &re) {
		return re.kind
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Internal
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return Spawn
	}

	return Internal
}

// Is reports whether err classifies as kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// ExitCode extracts the process exit code from err if it wraps an
// *exec.ExitError, distinguishing a signal-kill (-1) from a real exit code.
func ExitCode(err error) (int, bool) {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), true
	}
	return 0, false
}

func sanitizeDetail(detail string) string {
	if detail == "" {
		return ""
	}
	const maxLen = 300
	clean := strings.ReplaceAll(detail, "\n", " ")
	if len(clean) > maxLen {
		return clean[:maxLen] + "..."
	}
	return clean
}
