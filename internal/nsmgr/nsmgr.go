// Package nsmgr selects the namespace set a container needs and drives the
// re-exec-via-clone-flags pattern that stands in for a raw fork() (spec
// component C3; see SPEC_FULL.md REDESIGN FLAGS item 1). The Go runtime is
// already multi-threaded by the time main() runs, so this package never
// calls fork(2) directly: every "fork" is a clone(2) performed by the
// kernel on exec.Command.Start, with the namespace flags set on
// SysProcAttr.Cloneflags before the new process's Go runtime initializes.
package nsmgr

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/corerun/corerun/internal/containererr"
)

// Flags names the namespace set unshare_namespaces (spec section 4.2)
// unshares. PID is handled separately by BuildPID1Hop, since the new pid
// namespace only takes effect for children of the unsharing process, not
// the process itself.
type Flags struct {
	Mount bool
	UTS   bool
	IPC   bool
	Net   bool
	User  bool
}

// Cloneflags returns the syscall.SysProcAttr.Cloneflags value selected by
// f, suitable for the "first fork" (the re-exec that unshares everything
// but pid).
func (f Flags) Cloneflags() uintptr {
	var flags uintptr
	if f.Mount {
		flags |= unix.CLONE_NEWNS
	}
	if f.UTS {
		flags |= unix.CLONE_NEWUTS
	}
	if f.IPC {
		flags |= unix.CLONE_NEWIPC
	}
	if f.Net {
		flags |= unix.CLONE_NEWNET
	}
	if f.User {
		flags |= unix.CLONE_NEWUSER
	}
	return flags
}

// DefaultFlags returns the namespace set every container unshares, minus
// networking, which the orchestrator adds only when the chosen network
// mode needs a fresh net namespace of its own (Bridge or None; see
// config.NetworkMode.NeedsOwnNetNamespace). Host and Container{peer-id}
// modes do not get CLONE_NEWNET.
func DefaultFlags(isolateNet bool) Flags {
	return Flags{
		Mount: true,
		UTS:   true,
		IPC:   true,
		Net:   isolateNet,
	}
}

// pid1Cloneflags is the flag set for the "second fork": only CLONE_NEWPID,
// since mount/uts/ipc/net were already unshared by the first re-exec and
// are inherited unchanged by this second one.
const pid1Cloneflags = unix.CLONE_NEWPID

// ReExecSpec describes one re-exec hop: relaunching the current binary
// under a hidden subcommand with specific clone flags, environment, and
// file descriptor wiring.
type ReExecSpec struct {
	Subcommand string
	Args       []string
	Env        []string
	Cloneflags uintptr
	Stdin      *os.File
	Stdout     *os.File
	Stderr     *os.File
	ExtraFiles []*os.File
}

// Build constructs the exec.Cmd for one re-exec hop. self is the absolute
// path to the running binary (os.Executable(), resolved once by the
// caller so every hop re-execs the same file even if the cwd changes).
func Build(self string, spec ReExecSpec) *exec.Cmd {
	argv := append([]string{spec.Subcommand}, spec.Args...)
	cmd := exec.Command(self, argv...)
	cmd.Env = spec.Env
	cmd.Stdin = spec.Stdin
	cmd.Stdout = spec.Stdout
	cmd.Stderr = spec.Stderr
	cmd.ExtraFiles = spec.ExtraFiles
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Cloneflags: uintptr(spec.Cloneflags),
	}
	return cmd
}

// BuildUnshareHop builds the first re-exec hop: the one that unshares
// mount/uts/ipc/net (per flags) via clone(2) and lands in the
// "__init_child" hidden subcommand. extraFiles carries the reverse sync
// pipe's two ends in a fixed order (spec section 4.10 / SPEC_FULL.md
// REDESIGN FLAGS item 4): fd 3 is the child's write end of the "netns
// ready" pipe, fd 4 is the child's read end of the "network configured"
// pipe.
func BuildUnshareHop(self string, flags Flags, env []string, stdin, stdout, stderr *os.File, extraFiles ...*os.File) *exec.Cmd {
	return Build(self, ReExecSpec{
		Subcommand: "__init_child",
		Env:        env,
		Cloneflags: flags.Cloneflags(),
		Stdin:      stdin,
		Stdout:     stdout,
		Stderr:     stderr,
		ExtraFiles: extraFiles,
	})
}

// BuildPID1Hop builds the second re-exec hop, run from inside the
// "__init_child" process after the sync-pipe barrier has been cleared: a
// clone(2) with only CLONE_NEWPID set, so the grandchild becomes PID 1 in
// a fresh pid namespace (spec section 4.2's "second fork").
func BuildPID1Hop(self string, env []string, stdin, stdout, stderr *os.File) *exec.Cmd {
	return Build(self, ReExecSpec{
		Subcommand: "__init_pid1",
		Env:        env,
		Cloneflags: pid1Cloneflags,
		Stdin:      stdin,
		Stdout:     stdout,
		Stderr:     stderr,
	})
}

// RunAndMirrorExit starts cmd, waits for it, and returns the exit code it
// should be mirrored as (spec section 4.10.e: "the parent of that fork
// waits and mirrors the child's exit status"). A launch failure is
// reported as containererr.NamespaceSetup; a non-zero exit is reported
// via the returned code with a nil error, matching exec.Cmd's own
// convention for distinguishing "ran and failed" from "could not run".
func RunAndMirrorExit(cmd *exec.Cmd) (int, error) {
	if err := cmd.Start(); err != nil {
		return -1, containererr.Namespace("start re-exec hop", err)
	}
	err := cmd.Wait()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if ok := asExitError(err, &exitErr); ok {
		return exitErr.ExitCode(), nil
	}
	return -1, containererr.Namespace("wait for re-exec hop", err)
}

func asExitError(err error, target **exec.ExitError) bool {
	ee, ok := err.(*exec.ExitError)
	if !ok {
		return false
	}
	*target = ee
	return true
}

// SetHostname sets the UTS hostname. It must be called after the UTS
// namespace has been unshared, or it changes the host's hostname (spec
// section 4.2: "set_hostname(name) calls the hostname syscall after UTS
// has been unshared").
func SetHostname(name string) error {
	if err := unix.Sethostname([]byte(name)); err != nil {
		return containererr.Namespace(fmt.Sprintf("set hostname %q", name), err)
	}
	return nil
}
