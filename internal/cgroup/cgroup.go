// Package cgroup manages the per-container cgroup v2 subtree: creating
// it, applying memory/cpu/pids limits, attaching processes, and tearing
// it down idempotently.
package cgroup

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/corerun/corerun/internal/containererr"
	"github.com/corerun/corerun/internal/corerunlog"
)

// cgroupRoot is a var (not a const) so tests can point it at a scratch
// directory instead of the real /sys/fs/cgroup, which requires root.
var cgroupRoot = "/sys/fs/cgroup"

var log = corerunlog.For("cgroup")

// Config names the per-container resource limits. A zero value means "no
// limit requested" for that controller.
type Config struct {
	ContainerID string
	MemoryMB    uint64
	CPUPercent  uint64
	PidsLimit   int64
}

// HasLimits reports whether any controller has a requested limit.
func (c Config) HasLimits() bool {
	return c.MemoryMB > 0 || c.CPUPercent > 0 || c.PidsLimit > 0
}

// Manager owns the lifecycle of one container's cgroup v2 directory.
type Manager struct {
	dir string
}

// NewManager derives the cgroup directory from the container id.
func NewManager(containerID string) *Manager {
	return &Manager{dir: filepath.Join(cgroupRoot, containerID)}
}

// Dir returns /sys/fs/cgroup/<container-id>.
func (m *Manager) Dir() string { return m.dir }

// Setup creates the cgroup directory and writes the requested limits.
// Writing an unsupported controller file is logged and treated as
// non-fatal only when no limit for that controller was requested.
func (m *Manager) Setup(cfg Config) error {
	if err := os.MkdirAll(m.dir, 0755); err != nil {
		return containererr.Cgroup("create cgroup directory", err)
	}

	if cfg.MemoryMB > 0 {
		bytes := cfg.MemoryMB * 1024 * 1024
		if err := m.writeLimit("memory.max", strconv.FormatUint(bytes, 10)); err != nil {
			return containererr.Cgroup("write memory.max", err)
		}
	}

	if cfg.CPUPercent > 0 {
		quota := cfg.CPUPercent * 1000
		value := fmt.Sprintf("%d 100000", quota)
		if err := m.writeLimit("cpu.max", value); err != nil {
			return containererr.Cgroup("write cpu.max", err)
		}
	}

	if cfg.PidsLimit > 0 {
		if err := m.writeLimit("pids.max", strconv.FormatInt(cfg.PidsLimit, 10)); err != nil {
			return containererr.Cgroup("write pids.max", err)
		}
	}

	return nil
}

// writeLimit writes value to <dir>/<file>. A write failure (for example
// to an unsupported controller) is logged here and returned, so Setup
// wraps it and fails.
func (m *Manager) writeLimit(file, value string) error {
	path := filepath.Join(m.dir, file)
	if err := os.WriteFile(path, []byte(value), 0644); err != nil {
		log.WithFields(map[string]interface{}{
			"file":  file,
			"value": value,
		}).WithError(err).Warn("controller rejected limit")
		return err
	}
	return nil
}

// AddProcess appends pid to cgroup.procs, attaching it to this container's
// subtree.
func (m *Manager) AddProcess(pid int) error {
	path := filepath.Join(m.dir, "cgroup.procs")
	if err := os.WriteFile(path, []byte(strconv.Itoa(pid)), 0644); err != nil {
		return containererr.Cgroup(fmt.Sprintf("attach pid %d", pid), err)
	}
	return nil
}

// Teardown removes the cgroup directory. A missing directory is not an
// error, so repeated teardown calls (spec section 8, idempotent cleanup)
// are safe.
func (m *Manager) Teardown() error {
	if err := os.Remove(m.dir); err != nil && !os.IsNotExist(err) {
		return containererr.Cgroup("remove cgroup directory", err)
	}
	return nil
}
