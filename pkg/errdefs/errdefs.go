package errdefs

import (
	"errors"
	"fmt"
)

// Kind classifies a runtime failure. Every error that crosses a package
// boundary in MasRun carries exactly one Kind, so callers can decide whether
// the input must be fixed (config), or an acquired resource must be rolled
// back (filesystem / isolation / resource).
type Kind string

const (
	// KindConfig: bad input. Never retried; the caller must fix the spec
	// and resubmit.
	KindConfig Kind = "config"

	// KindFilesystem: layer or mount failure during rootfs composition.
	KindFilesystem Kind = "filesystem"

	// KindIsolation: namespace allocation failure.
	KindIsolation Kind = "isolation"

	// KindResource: cgroup (limiting group) failure.
	KindResource Kind = "resource"
)

// Error is the concrete error type used across the runtime core.
//
// Stage 记录的是启动序列中出错的环节（"compose"、"isolate"、"launch"、"govern"），
// Supervisor 回滚完成之后会把它原样带给调用方，方便定位是哪一步炸了。
type Error struct {
	Kind    Kind
	Stage   string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s error", e.Kind)
	if e.Stage != "" {
		msg = fmt.Sprintf("%s error at stage %q", e.Kind, e.Stage)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error (for errors.Is and errors.As).
func (e *Error) Unwrap() error {
	return e.Err
}

// WithStage annotates the error with the lifecycle stage that produced it.
func (e *Error) WithStage(stage string) *Error {
	e.Stage = stage
	return e
}

// Configf builds a KindConfig error.
func Configf(format string, args ...interface{}) *Error {
	return &Error{Kind: KindConfig, Message: fmt.Sprintf(format, args...)}
}

// Filesystemf builds a KindFilesystem error.
func Filesystemf(format string, args ...interface{}) *Error {
	return &Error{Kind: KindFilesystem, Message: fmt.Sprintf(format, args...)}
}

// Isolationf builds a KindIsolation error.
func Isolationf(format string, args ...interface{}) *Error {
	return &Error{Kind: KindIsolation, Message: fmt.Sprintf(format, args...)}
}

// Resourcef builds a KindResource error.
func Resourcef(format string, args ...interface{}) *Error {
	return &Error{Kind: KindResource, Message: fmt.Sprintf(format, args...)}
}

// Wrapf wraps err with a Kind and a formatted message. A nil err still
// produces an error, so call sites do not need to branch.
func Wrapf(err error, kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// GetKind extracts the Kind from an error chain, or "" when the chain does
// not contain a runtime error.
func GetKind(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// GetStage extracts the failing stage attribution, if any.
func GetStage(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Stage
	}
	return ""
}

func is(err error, kind Kind) bool {
	return GetKind(err) == kind
}

// IsConfig reports whether err is a spec validation failure.
func IsConfig(err error) bool { return is(err, KindConfig) }

// IsFilesystem reports whether err is a layer/mount failure.
func IsFilesystem(err error) bool { return is(err, KindFilesystem) }

// IsIsolation reports whether err is a namespace allocation failure.
func IsIsolation(err error) bool { return is(err, KindIsolation) }

// IsResource reports whether err is a limiting-group failure.
func IsResource(err error) bool { return is(err, KindResource) }
