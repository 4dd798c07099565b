// Package process is the Process Manager / PTY Supervisor (spec
// component C10): resolves the payload command, builds its environment,
// runs it under a pseudo-terminal with signal forwarding and raw-mode
// terminal handling, falling back to a plain pipe when no PTY is
// available. It implements spec section 4.9 using github.com/creack/pty
// for master/slave allocation (the fork/setsid/dup2/ioctl(TIOCSCTTY)
// sequence spec.md spells out by hand is exactly what pty.Start performs
// internally) and golang.org/x/term for raw-mode handling, per
// SPEC_FULL.md section 4.9A.
package process

import (
	"io"
	"os"
	"os/exec"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/creack/pty"
	"golang.org/x/term"

	"github.com/corerun/corerun/internal/containererr"
	"github.com/corerun/corerun/internal/corerunlog"
)

var log = corerunlog.For("process")

// searchDirs is the command search order of spec section 4.9.
var searchDirs = []string{"/bin", "/usr/bin", "/sbin", "/usr/sbin"}

// ResolveCommand implements spec section 4.9's command resolution: a
// leading "/" is used verbatim; otherwise the first hit in searchDirs
// wins.
func ResolveCommand(cmd string) (string, error) {
	if len(cmd) > 0 && cmd[0] == '/' {
		return cmd, nil
	}
	for _, dir := range searchDirs {
		candidate := dir + "/" + cmd
		info, err := os.Stat(candidate)
		if err == nil && !info.IsDir() {
			return candidate, nil
		}
	}
	return "", containererr.ProcessExecution("command not found in container", nil)
}

// BuildEnv returns the fixed baseline environment of spec section 4.9.
// It does not vary with the configured hostname: the payload's HOSTNAME
// is part of this fixed baseline, independent of ContainerConfig.Hostname
// (which only drives the UTS hostname via nsmgr.SetHostname). The host
// environment is never forwarded (spec section 6).
func BuildEnv() []string {
	return []string{
		"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin",
		"TERM=xterm-256color",
		"HOME=/root",
		"HOSTNAME=rust-container",
		"container=rust-container-runtime",
	}
}

// currentChildPID is the process-wide atomic the signal handler reads.
// It must live only in this (the supervisor) process; the child replaces
// its address space on execve and so never observes it (spec section 9:
// "Cross-fork sharing ... keep it as a component-local primitive; do not
// rely on shared memory").
var currentChildPID int32

func trackChild(pid int)     { atomic.StoreInt32(&currentChildPID, int32(pid)) }
func untrackChild()          { atomic.StoreInt32(&currentChildPID, 0) }
func trackedChildPID() int32 { return atomic.LoadInt32(&currentChildPID) }

// forwardedSignals is the signal set spec section 4.9/4.5 asks the
// supervisor to re-send to the tracked child.
var forwardedSignals = []os.Signal{syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT}

// Execute implements spec section 4.9/4.10.i: resolve the command,
// build its argv/env, and run it — under a PTY by default, falling back
// to a plain pipe if openpty fails. It returns the payload's exit code
// alongside a containererr.ProcessExecution whenever that code is
// non-zero or the payload died by signal; only a clean zero exit
// returns a nil error.
func Execute(rawCmd string, args []string) (exitCode int, err error) {
	path, err := ResolveCommand(rawCmd)
	if err != nil {
		return -1, err
	}

	cmd := exec.Command(path, args...)
	cmd.Env = BuildEnv()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, forwardedSignals...)
	defer signal.Stop(sigCh)

	stopForwarding := make(chan struct{})
	go forwardSignals(sigCh, stopForwarding)
	defer close(stopForwarding)

	ptmx, ptyErr := pty.Start(cmd)
	if ptyErr != nil {
		log.WithError(ptyErr).Warn("openpty failed, falling back to non-PTY execution")
		return runWithoutPTY(cmd)
	}
	return runWithPTY(cmd, ptmx)
}

func forwardSignals(sigCh chan os.Signal, stop chan struct{}) {
	for {
		select {
		case sig, ok := <-sigCh:
			if !ok {
				return
			}
			if pid := trackedChildPID(); pid > 0 {
				_ = syscall.Kill(int(pid), sig.(syscall.Signal))
			}
		case <-stop:
			return
		}
	}
}

func runWithPTY(cmd *exec.Cmd, ptmx *os.File) (int, error) {
	defer ptmx.Close()
	trackChild(cmd.Process.Pid)
	defer untrackChild()

	stdinFd := int(os.Stdin.Fd())
	oldState, rawErr := term.MakeRaw(stdinFd)
	if rawErr == nil {
		defer term.Restore(stdinFd, oldState)
	}

	go func() {
		_, _ = io.Copy(ptmx, os.Stdin)
	}()

	_, _ = io.Copy(os.Stdout, ptmx)

	return translateExit(cmd.Wait())
}

func runWithoutPTY(cmd *exec.Cmd) (int, error) {
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return -1, containererr.ProcessExecution("start payload", err)
	}
	trackChild(cmd.Process.Pid)
	defer untrackChild()

	return translateExit(cmd.Wait())
}

// translateExit implements spec section 4.9 step 5 / section 8 scenario
// 3: a signal death and a non-zero clean exit are both translated into
// containererr.ProcessExecution; only a zero exit is not an error at
// this layer.
func translateExit(waitErr error) (int, error) {
	if waitErr == nil {
		return 0, nil
	}
	exitErr, ok := waitErr.(*exec.ExitError)
	if !ok {
		return -1, containererr.ProcessExecution("wait for payload", waitErr)
	}
	if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		return -1, containererr.ProcessExecution("payload killed by signal "+status.Signal().String(), nil)
	}
	code := exitErr.ExitCode()
	if code != 0 {
		return code, containererr.ProcessExecution("payload exited non-zero", exitErr)
	}
	return code, nil
}
