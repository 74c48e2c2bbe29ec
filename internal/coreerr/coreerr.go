// Package coreerr defines the core's error vocabulary. Failures are
// classified by cause, not by throwing site: every error that crosses a
// subsystem boundary carries a stable machine-readable kind plus optional
// remediation hints for the operator.
package coreerr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind is a stable machine-readable error code.
type Kind string

const (
	// KindCliNotFound — no agent CLI resolved. Fatal for engine construction.
	KindCliNotFound Kind = "CLI_NOT_FOUND"

	// KindSpawnFailed — resource exhaustion, permission denied, or missing
	// executable at spawn time. Fatal for the attempt, non-fatal for the loop.
	KindSpawnFailed Kind = "SPAWN_FAILED"

	// KindTimeout — effective timeout elapsed; advances to the next model.
	KindTimeout Kind = "TIMEOUT"

	// KindRateLimit — output matched a rate-limit pattern; backoff then
	// retry the same model or advance.
	KindRateLimit Kind = "RATE_LIMIT"

	// KindQuota — output matched a quota pattern; switches the selector to
	// the fallback pool and advances.
	KindQuota Kind = "QUOTA_EXCEEDED"

	// KindResourceExhausted — process killed by the resource monitor.
	KindResourceExhausted Kind = "RESOURCE_EXHAUSTED"

	// KindAllModelsExhausted — every model attempted without success.
	KindAllModelsExhausted Kind = "ALL_MODELS_EXHAUSTED"

	// KindPoolSlotTimeout — pool slot acquisition timed out; the task fails
	// without anything being spawned.
	KindPoolSlotTimeout Kind = "POOL_SLOT_TIMEOUT"

	// KindConfigInvalid — validation error at startup. Fatal.
	KindConfigInvalid Kind = "CONFIG_INVALID"

	// KindBackendError — propagated from the task backend.
	KindBackendError Kind = "BACKEND_ERROR"
)

// Error is the tagged error the core's subsystems exchange. It wraps an
// optional cause and carries remediation hints attached at the
// construction site.
type Error struct {
	Kind        Kind
	Message     string
	Remediation []string
	Err         error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports kind equality so errors.Is(err, &Error{Kind: k}) matches any
// error of that kind regardless of message.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Kind == t.Kind
}

// New creates an error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an error of the given kind around a cause.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// WithRemediation appends operator-facing hints and returns the error for
// chaining at construction sites.
func (e *Error) WithRemediation(hints ...string) *Error {
	e.Remediation = append(e.Remediation, hints...)
	return e
}

// KindOf extracts the kind from an error chain. Returns "" when the chain
// contains no *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether the error chain contains an *Error of the kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Fatal reports whether the kind should unwind the loop rather than be
// recorded as a per-task failure.
func Fatal(kind Kind) bool {
	return kind == KindConfigInvalid || kind == KindCliNotFound
}

// Format renders the error with its remediation hints for user-visible
// output. One hint per line, prefixed with "  - ".
func Format(err error) string {
	var e *Error
	if !errors.As(err, &e) {
		return err.Error()
	}
	if len(e.Remediation) == 0 {
		return e.Error()
	}
	var b strings.Builder
	b.WriteString(e.Error())
	b.WriteString("\nsuggested remediations:")
	for _, hint := range e.Remediation {
		b.WriteString("\n  - ")
		b.WriteString(hint)
	}
	return b.String()
}
