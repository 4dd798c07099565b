// Package containererr defines the tagged error taxonomy shared by every
// component of the runtime, so logs and tests can tell failure categories
// apart instead of matching message text. The CLI's exit code does not
// depend on the Kind: every error exits 1.
package containererr

import (
	"errors"
	"fmt"
)

// Kind tags the broad category of a failure.
type Kind string

const (
	KindRootRequired         Kind = "root_required"
	KindNamespaceSetup       Kind = "namespace_setup"
	KindCgroup               Kind = "cgroup"
	KindFilesystem           Kind = "filesystem"
	KindVolume               Kind = "volume"
	KindNetwork              Kind = "network"
	KindProcessExecution     Kind = "process_execution"
	KindInvalidConfiguration Kind = "invalid_configuration"
	KindIO                   Kind = "io"
)

// Error is the concrete error type returned across component boundaries.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func newErr(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Err: cause}
}

// RootRequired signals the process was not invoked as euid 0.
func RootRequired() *Error {
	return newErr(KindRootRequired, "corerun must be run as root", nil)
}

// Namespace wraps a namespace-manager failure (C3).
func Namespace(message string, cause error) *Error {
	return newErr(KindNamespaceSetup, message, cause)
}

// Cgroup wraps a cgroup-manager failure (C2).
func Cgroup(message string, cause error) *Error {
	return newErr(KindCgroup, message, cause)
}

// Filesystem wraps a rootfs/mount failure (C4).
func Filesystem(message string, cause error) *Error {
	return newErr(KindFilesystem, message, cause)
}

// Volume wraps a bind-mount volume failure (C5).
func Volume(message string, cause error) *Error {
	return newErr(KindVolume, message, cause)
}

// Network wraps a bridge/veth/iptables/allocator failure (C6-C9).
func Network(message string, cause error) *Error {
	return newErr(KindNetwork, message, cause)
}

// ProcessExecution wraps a command-resolution or PTY-supervisor failure (C10).
func ProcessExecution(message string, cause error) *Error {
	return newErr(KindProcessExecution, message, cause)
}

// InvalidConfiguration wraps a ContainerConfig validation failure.
func InvalidConfiguration(message string) *Error {
	return newErr(KindInvalidConfiguration, message, nil)
}

// IO wraps a generic OS error that does not fit a more specific kind.
func IO(message string, cause error) *Error {
	return newErr(KindIO, message, cause)
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
