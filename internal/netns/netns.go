// Package netns implements the network-namespace entry helper (spec
// component C9): temporarily enter a target process's network namespace
// to run a block of configuration, then restore the caller's namespace
// regardless of the block's outcome.
package netns

import (
	"runtime"

	"github.com/vishvananda/netns"

	"github.com/corerun/corerun/internal/containererr"
)

// Run enters the network namespace of pid, calls fn, and restores the
// caller's original namespace before returning — even if fn panics or
// returns an error (spec section 4.8: "setns back to the save handle
// regardless of the block's result; surface the block's result").
//
// The calling goroutine is locked to its OS thread for the duration:
// setns(2) is a per-thread operation, and without the lock the Go
// scheduler could resume this goroutine on a different thread still in
// the original namespace.
func Run(pid int, fn func() error) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	saved, err := netns.Get()
	if err != nil {
		return containererr.Network("save current netns", err)
	}
	defer saved.Close()

	target, err := netns.GetFromPid(pid)
	if err != nil {
		return containererr.Network("open netns of pid", err)
	}
	defer target.Close()

	if err := netns.Set(target); err != nil {
		return containererr.Network("enter target netns", err)
	}
	defer netns.Set(saved)

	return fn()
}

// Join setns-es the calling goroutine's OS thread into pid's network
// namespace, permanently (no restore). setns(2) is per-thread, so Join
// locks the goroutine to that thread and never unlocks it: every later
// step on the goroutine, including the clone(2) of the next re-exec hop,
// runs from the joined thread. This is what Container{peer-id} network mode
// uses: the joining container's own process calls Join(peerPID) early in
// its re-exec'd init (before any of its own namespaces are otherwise
// relevant), instead of the orchestrator trying to move another process
// into a namespace from the outside, which setns(2) cannot do (spec
// section 9 open question 1 / SPEC_FULL.md REDESIGN FLAGS item 2).
func Join(peerPID int) error {
	runtime.LockOSThread()

	target, err := netns.GetFromPid(peerPID)
	if err != nil {
		return containererr.Network("open peer netns", err)
	}
	defer target.Close()

	if err := netns.Set(target); err != nil {
		return containererr.Network("join peer netns", err)
	}
	return nil
}
