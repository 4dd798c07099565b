package cgroup

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
)

func withScratchRoot(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	old := cgroupRoot
	cgroupRoot = dir
	t.Cleanup(func() { cgroupRoot = old })
}

func TestSetupWritesRequestedLimitsOnly(t *testing.T) {
	withScratchRoot(t)
	m := NewManager("container-1-1700000000")

	require.NoError(t, m.Setup(Config{MemoryMB: 64, PidsLimit: 50}))

	mem, err := os.ReadFile(filepath.Join(m.Dir(), "memory.max"))
	require.NoError(t, err)
	require.Equal(t, "67108864", string(mem))

	pids, err := os.ReadFile(filepath.Join(m.Dir(), "pids.max"))
	require.NoError(t, err)
	require.Equal(t, "50", string(pids))

	_, err = os.Stat(filepath.Join(m.Dir(), "cpu.max"))
	require.True(t, os.IsNotExist(err), "cpu.max should not be written when no CPU limit requested")
}

func TestSetupWritesCPUMaxAsQuotaPeriod(t *testing.T) {
	withScratchRoot(t)
	m := NewManager("container-2-1700000000")
	require.NoError(t, m.Setup(Config{CPUPercent: 50}))

	cpu, err := os.ReadFile(filepath.Join(m.Dir(), "cpu.max"))
	require.NoError(t, err)
	require.Equal(t, "50000 100000", string(cpu))
}

func TestAddProcessWritesDecimalPID(t *testing.T) {
	withScratchRoot(t)
	m := NewManager("container-3-1700000000")
	require.NoError(t, m.Setup(Config{}))

	require.NoError(t, m.AddProcess(4242))

	got, err := os.ReadFile(filepath.Join(m.Dir(), "cgroup.procs"))
	require.NoError(t, err)
	require.Equal(t, strconv.Itoa(4242), string(got))
}

func TestTeardownIsIdempotent(t *testing.T) {
	withScratchRoot(t)
	m := NewManager("container-4-1700000000")
	require.NoError(t, m.Setup(Config{}))

	require.NoError(t, m.Teardown())
	require.NoError(t, m.Teardown())

	_, err := os.Stat(m.Dir())
	require.True(t, os.IsNotExist(err))
}

func TestConfigHasLimits(t *testing.T) {
	require.False(t, Config{}.HasLimits())
	require.True(t, Config{MemoryMB: 1}.HasLimits())
	require.True(t, Config{CPUPercent: 1}.HasLimits())
	require.True(t, Config{PidsLimit: 1}.HasLimits())
}
