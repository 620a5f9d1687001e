package domain

import (
	"errors"
	"fmt"
)

// ErrorKind is the machine-readable failure category returned to callers.
type ErrorKind string

const (
	KindNotAuthenticated       ErrorKind = "NotAuthenticated"
	KindNotAReactProject       ErrorKind = "NotAReactProject"
	KindNotABackendProject     ErrorKind = "NotABackendProject"
	KindDownloadFailed         ErrorKind = "DownloadFailed"
	KindExtractionError        ErrorKind = "ExtractionError"
	KindPathNotFound           ErrorKind = "PathNotFound"
	KindDependencyInstallError ErrorKind = "DependencyInstallError"
	KindBuildCommandError      ErrorKind = "BuildCommandError"
	KindNoOutputDirectory      ErrorKind = "NoOutputDirectory"
	KindMissingIndexDocument   ErrorKind = "MissingIndexDocument"
	KindCorruptIndexDocument   ErrorKind = "CorruptIndexDocument"
	KindNoScriptReferences     ErrorKind = "NoScriptReferences"
	KindSandboxUnavailable     ErrorKind = "SandboxUnavailable"
	KindNotRunning             ErrorKind = "NotRunning"
	KindStorageNotConfigured   ErrorKind = "StorageNotConfigured"
	KindUploadPartialFailure   ErrorKind = "UploadPartialFailure"
	KindInvalidRequest         ErrorKind = "InvalidRequest"
	KindInternal               ErrorKind = "Internal"
)

// Error carries a kind alongside a human readable message and optional cause.
type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	case e.Msg != "":
		return e.Msg
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same kind, so errors.Is(err, domain.E(kind, ""))
// and errors.Is(err, ErrNotRunning) both work.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// E builds a kind-tagged error.
func E(kind ErrorKind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap tags err with kind. A nil err still yields a non-nil *Error.
func Wrap(kind ErrorKind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the kind from err, returning KindInternal for untyped errors.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

var (
	ErrNotAuthenticated     = E(KindNotAuthenticated, "authentication required")
	ErrSandboxUnavailable   = E(KindSandboxUnavailable, "sandbox runtime unavailable")
	ErrNotRunning           = E(KindNotRunning, "no running instance")
	ErrStorageNotConfigured = E(KindStorageNotConfigured, "object storage not configured")
)
