// Package orchestrator is the run loop (spec component C11): it ties the
// rest of the core together around the parent/child synchronisation pipe
// described in spec section 4.10. CgroupManager and NetworkManager are
// expressed as interfaces here so the state machine's decision logic —
// the root check, id assignment, the isolate-net branch, and the
// cleanup ordering on every exit path — can be driven through fakes in
// tests without a real cgroupfs or kernel namespaces.
package orchestrator

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"time"

	"github.com/corerun/corerun/internal/cgroup"
	"github.com/corerun/corerun/internal/config"
	"github.com/corerun/corerun/internal/containererr"
	"github.com/corerun/corerun/internal/corerunlog"
	"github.com/corerun/corerun/internal/netmgr"
	"github.com/corerun/corerun/internal/nsmgr"
	"github.com/corerun/corerun/internal/reexec"
	"github.com/corerun/corerun/internal/volume"
)

var log = corerunlog.For("orchestrator")

// CgroupManager is the subset of *cgroup.Manager the orchestrator drives.
type CgroupManager interface {
	Dir() string
	Setup(cfg cgroup.Config) error
	AddProcess(pid int) error
	Teardown() error
}

// NetworkManager is the subset of *netmgr.Manager the orchestrator
// drives.
type NetworkManager interface {
	SetupContainerNetwork(ctx context.Context, id config.ID, childPID int, mode config.NetworkMode, ports []config.PortMapping) (*netmgr.ContainerNetwork, error)
	CleanupContainerNetwork(id config.ID) error
}

// Orchestrator runs one container invocation end to end.
type Orchestrator struct {
	Net NetworkManager

	// newCgroupManager lets tests substitute a fake cgroup.Manager-alike
	// without touching /sys/fs/cgroup.
	newCgroupManager func(id config.ID) CgroupManager

	geteuid func() int
	getpid  func() int
	now     func() time.Time
	self    func() (string, error)
}

// New builds an Orchestrator backed by the real cgroup manager and OS
// calls; net must be a *netmgr.Manager constructed by the caller (its
// own construction needs a *netdrv.Driver, which needs root to be
// useful, so it is threaded in rather than built here).
func New(net NetworkManager) *Orchestrator {
	return &Orchestrator{
		Net: net,
		newCgroupManager: func(id config.ID) CgroupManager {
			return cgroup.NewManager(string(id))
		},
		geteuid: os.Geteuid,
		getpid:  os.Getpid,
		now:     time.Now,
		self:    os.Executable,
	}
}

// Result is what Run reports back to the CLI layer.
type Result struct {
	ID       config.ID
	ExitCode int
}

// Run implements spec section 4.10: validate, require root, assign id,
// decide network isolation, and drive the container through cgroup setup,
// volume preparation, namespace unshare, the sync barrier, rootfs pivot,
// volume binding, and payload execution — with cleanup guaranteed on
// every exit path.
func (o *Orchestrator) Run(ctx context.Context, cfg *config.ContainerConfig) (Result, error) {
	if err := cfg.Validate(); err != nil {
		return Result{}, err
	}
	if o.geteuid() != 0 {
		return Result{}, containererr.RootRequired()
	}

	id := config.NewID(o.getpid(), o.now())

	mounts, err := volume.ParseAll(cfg.Volumes)
	if err != nil {
		return Result{}, err
	}

	cg := o.newCgroupManager(id)
	cgCfg := cgroup.Config{
		ContainerID: string(id),
		MemoryMB:    cfg.MemoryMB,
		CPUPercent:  cfg.CPUPercent,
		PidsLimit:   cfg.PidsLimit,
	}

	cleanup := newCleanupStack()
	cleanup.push("cgroup teardown", cg.Teardown)
	cleanup.push("volume cleanup", func() error {
		return volume.CleanupAll(cfg.Rootfs, mounts)
	})

	defer cleanup.run()

	if cgCfg.HasLimits() {
		if err := cg.Setup(cgCfg); err != nil {
			return Result{}, err
		}
	}

	exitCode, err := o.runIsolated(ctx, id, cfg, mounts, cg, cleanup)
	if err != nil {
		return Result{ID: id}, err
	}
	return Result{ID: id, ExitCode: exitCode}, nil
}

// runIsolated implements spec section 4.10's re-exec/fork step: every
// network mode unshares mount/uts/ipc via clone(2) and lands in
// "__init_child" (spec section 2: "If no isolation, the process
// unshares in place and runs the same downstream sequence" — Host mode
// still unshares, it just never forks a net namespace). isolate_net
// additionally gates the sync pipe and the parent-side network
// configuration step that only a forked-off net namespace needs.
func (o *Orchestrator) runIsolated(ctx context.Context, id config.ID, cfg *config.ContainerConfig, mounts []volume.Mount, cg CgroupManager, cleanup *cleanupStack) (int, error) {
	self, err := o.self()
	if err != nil {
		return -1, containererr.Namespace("locate self executable", err)
	}

	flags := nsmgr.DefaultFlags(cfg.Network.NeedsOwnNetNamespace())
	env := append(os.Environ(), childEnv(cfg, mounts)...)

	if !cfg.Network.IsolatesNetwork() {
		childCmd := nsmgr.BuildUnshareHop(self, flags, env, os.Stdin, os.Stdout, os.Stderr)
		if err := childCmd.Start(); err != nil {
			return -1, containererr.Namespace("start child re-exec", err)
		}
		if err := cg.AddProcess(childCmd.Process.Pid); err != nil {
			log.WithError(err).Warn("attach child pid to cgroup failed")
		}
		return waitAndMirrorExit(childCmd)
	}

	// Reverse sync pipe (SPEC_FULL.md REDESIGN FLAGS item 4): readyR/readyW
	// carries the child's "netns ready" signal, netR/netW carries the
	// parent's "network configured" signal back. The 300ms sleep below is
	// kept only as a safety-margin floor once the ready byte is in hand,
	// never as the sole barrier.
	readyR, readyW, err := os.Pipe()
	if err != nil {
		return -1, containererr.IO("create ready pipe", err)
	}
	netR, netW, err := os.Pipe()
	if err != nil {
		readyR.Close()
		readyW.Close()
		return -1, containererr.IO("create network-configured pipe", err)
	}

	childCmd := nsmgr.BuildUnshareHop(self, flags, env, os.Stdin, os.Stdout, os.Stderr, readyW, netR)

	if err := childCmd.Start(); err != nil {
		readyR.Close()
		readyW.Close()
		netR.Close()
		netW.Close()
		return -1, containererr.Namespace("start child re-exec", err)
	}
	readyW.Close()
	netR.Close()
	childPID := childCmd.Process.Pid

	killChild := func() {
		_ = childCmd.Process.Kill()
		_, _ = childCmd.Process.Wait()
	}

	if _, err := readyR.Read(make([]byte, 1)); err != nil {
		readyR.Close()
		netW.Close()
		killChild()
		return -1, containererr.Namespace("read netns-ready byte", err)
	}
	readyR.Close()
	time.Sleep(300 * time.Millisecond)

	_, netErr := o.Net.SetupContainerNetwork(ctx, id, childPID, cfg.Network, cfg.Ports)
	if netErr != nil {
		netW.Close()
		killChild()
		return -1, netErr
	}
	cleanup.push("network cleanup", func() error { return o.Net.CleanupContainerNetwork(id) })

	if _, err := netW.Write([]byte{'1'}); err != nil {
		netW.Close()
		killChild()
		return -1, containererr.IO("write network-configured byte", err)
	}
	netW.Close()

	if err := cg.AddProcess(childPID); err != nil {
		log.WithError(err).Warn("attach child pid to cgroup failed")
	}

	return waitAndMirrorExit(childCmd)
}

// waitAndMirrorExit waits on an already-started re-exec hop and mirrors
// its exit status (spec section 4.10.e), distinguishing "ran and
// exited non-zero" (code, nil) from "could not be waited on" (-1, err).
func waitAndMirrorExit(cmd *exec.Cmd) (int, error) {
	err := cmd.Wait()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if ok := errors.As(err, &exitErr); ok {
		return exitErr.ExitCode(), nil
	}
	return -1, containererr.Namespace("wait for re-exec hop", err)
}

// childEnv carries cfg and its already-parsed mounts across the re-exec
// boundary (see internal/reexec).
func childEnv(cfg *config.ContainerConfig, mounts []volume.Mount) []string {
	blob, err := reexec.Encode(cfg, mounts)
	if err != nil {
		// cfg was already validated by Run; encoding a plain data struct
		// of strings/slices/ints cannot fail in practice.
		blob = "{}"
	}
	return []string{reexec.EnvPayload + "=" + blob}
}

// cleanupStack runs registered cleanup actions in reverse order exactly
// once, tolerating and logging individual failures (spec section 4.10:
// "Any error after FORKED guarantees a cleanup pass ... idempotent").
type cleanupStack struct {
	actions []func() error
	names   []string
	ran     bool
}

func newCleanupStack() *cleanupStack {
	return &cleanupStack{}
}

func (c *cleanupStack) push(name string, fn func() error) {
	c.names = append(c.names, name)
	c.actions = append(c.actions, fn)
}

func (c *cleanupStack) run() {
	if c.ran {
		return
	}
	c.ran = true
	for i := len(c.actions) - 1; i >= 0; i-- {
		if err := c.actions[i](); err != nil {
			log.WithField("step", c.names[i]).WithError(err).Warn("cleanup step failed")
		}
	}
}
