// Package ctierr implements the CTI error sum type (spec §7): a single
// Kind-tagged Error carrying a human-readable message and optional
// structured context, so every layer (MPIR driver, FE-daemon client, WLM
// backend, Session, Manifest) surfaces failures as typed results instead
// of ad hoc strings.
package ctierr

import (
	"errors"
	"fmt"
	"sync"
)

// Kind identifies one of the error variants enumerated in spec §7.
type Kind string

// Error kinds, one per spec §7 bullet.
const (
	EnvMisconfigured      Kind = "EnvMisconfigured"
	WLMUnsupported        Kind = "WLMUnsupported"
	LauncherNotFound      Kind = "LauncherNotFound"
	SpawnFailed           Kind = "SpawnFailed"
	AttachFailed          Kind = "AttachFailed"
	SymbolNotFound        Kind = "SymbolNotFound"
	MemoryAccessFailed    Kind = "MemoryAccessFailed"
	MpirTimeout           Kind = "MpirTimeout"
	MpirLaunchExited      Kind = "MpirLaunchExited"
	DaemonLost            Kind = "DaemonLost"
	DaemonProtocolError   Kind = "DaemonProtocolError"
	SessionConflict       Kind = "SessionConflict"
	ManifestSealed        Kind = "ManifestSealed"
	BarrierAlreadyReleased Kind = "BarrierAlreadyReleased"
	ShipFailed            Kind = "ShipFailed"
	ExtractFailed         Kind = "ExtractFailed"
	SSHAuthFailed         Kind = "SSHAuthFailed"
	SSHTransportFailed    Kind = "SSHTransportFailed"
	Cancelled             Kind = "Cancelled"
	Terminated            Kind = "Terminated"
)

// Error is the single concrete error type used throughout this module.
type Error struct {
	Kind    Kind
	Message string
	// Context carries variant-specific data, e.g. {"var": "CTI_WLM_IMPL"}
	// for EnvMisconfigured or {"folder": "lib", "name": "libfoo.so"} for
	// SessionConflict.
	Context map[string]any
	Wrapped error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}

	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap allows errors.Is/errors.As to see through to a wrapped cause.
func (e *Error) Unwrap() error {
	return e.Wrapped
}

// Is reports whether target is a *Error of the same Kind.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return other.Kind == e.Kind
	}

	return false
}

// New builds an Error of the given kind with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	err := &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
	setLastError(err.Error())
	return err
}

// Wrap builds an Error of the given kind that wraps an underlying cause.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	err := &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Wrapped: cause}
	setLastError(err.Error())
	return err
}

// WithContext attaches structured context fields and returns the receiver
// for chaining: ctierr.New(ctierr.SessionConflict, "...").WithContext(...).
func (e *Error) WithContext(kv ...any) *Error {
	if e.Context == nil {
		e.Context = map[string]any{}
	}

	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}

		e.Context[key] = kv[i+1]
	}

	return e
}

// Of reports whether err is a *Error of the given Kind.
func Of(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}

	return e.Kind == kind
}

var (
	lastErrMu  sync.Mutex
	lastErrStr string
)

// setLastError records the most recent error message in the thread-local-
// equivalent slot (spec SPEC_FULL §12.2); a future C ABI wrapper reads this
// via LastError() the way the original cti_error.c's thread-local string
// was read by the C API's cti_error_str().
func setLastError(msg string) {
	lastErrMu.Lock()
	defer lastErrMu.Unlock()
	lastErrStr = msg
}

// LastError returns the most recently constructed Error's message.
func LastError() string {
	lastErrMu.Lock()
	defer lastErrMu.Unlock()
	return lastErrStr
}
