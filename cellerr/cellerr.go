// Package cellerr defines the error taxonomy shared by every cellbox
// operation. Kernel failures and contract violations are both reported
// through an *Error carrying one of the codes below, so callers can branch
// on the code without parsing messages.
package cellerr

import (
	"errors"
	"fmt"
)

type Code int

const (
	// InvalidArgument means a controller config or request field is malformed.
	InvalidArgument Code = iota + 1
	// AlreadyExists means a cell, executable or pod of that name is live.
	AlreadyExists
	// NotFound means the named cell, executable or pod is unknown.
	NotFound
	// FailedPrecondition means the operation is valid but the current state
	// forbids it, e.g. Free while executables are running.
	FailedPrecondition
	// ResourceExhausted means the kernel refused to create a cgroup or namespace.
	ResourceExhausted
	// Unsupported means the host kernel lacks a requested namespace type.
	Unsupported
	// Internal means an unexpected kernel call failure.
	Internal
)

func (c Code) String() string {
	switch c {
	case InvalidArgument:
		return "invalid argument"
	case AlreadyExists:
		return "already exists"
	case NotFound:
		return "not found"
	case FailedPrecondition:
		return "failed precondition"
	case ResourceExhausted:
		return "resource exhausted"
	case Unsupported:
		return "unsupported"
	case Internal:
		return "internal"
	}
	return "unknown"
}

type Error struct {
	Code Code
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New builds a taxonomy error from a format string.
func New(code Code, format string, args ...interface{}) error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a taxonomy code to an underlying error.
func Wrap(code Code, err error, format string, args ...interface{}) error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...), Err: err}
}

// CodeOf extracts the taxonomy code from err. Errors that never received a
// code report Internal, per the propagation policy.
func CodeOf(err error) Code {
	var cerr *Error
	if errors.As(err, &cerr) {
		return cerr.Code
	}
	return Internal
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	if err == nil {
		return false
	}
	return CodeOf(err) == code
}
