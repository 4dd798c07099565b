package process

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/corerun/corerun/internal/containererr"
)

// These exercise the pure helpers only; running a payload under a real
// PTY or a plain pipe requires an actual process and fds and is not
// covered here (SPEC_FULL.md section 8).

func TestResolveCommandUsesAbsolutePathVerbatim(t *testing.T) {
	path, err := ResolveCommand("/does/not/need/to/exist")
	require.NoError(t, err)
	require.Equal(t, "/does/not/need/to/exist", path)
}

func TestResolveCommandSearchesBinDirsInOrder(t *testing.T) {
	old := searchDirs
	dir := t.TempDir()
	searchDirs = []string{filepath.Join(dir, "first"), filepath.Join(dir, "second")}
	t.Cleanup(func() { searchDirs = old })

	require.NoError(t, os.MkdirAll(searchDirs[0], 0755))
	require.NoError(t, os.MkdirAll(searchDirs[1], 0755))
	require.NoError(t, os.WriteFile(filepath.Join(searchDirs[1], "tool"), []byte("x"), 0755))

	path, err := ResolveCommand("tool")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(searchDirs[1], "tool"), path)
}

func TestResolveCommandNotFoundReturnsProcessExecutionError(t *testing.T) {
	old := searchDirs
	searchDirs = []string{t.TempDir()}
	t.Cleanup(func() { searchDirs = old })

	_, err := ResolveCommand("nope")
	require.Error(t, err)
	require.True(t, containererr.Is(err, containererr.KindProcessExecution))
}

func TestBuildEnvIsFixedAndIgnoresHost(t *testing.T) {
	env := BuildEnv()
	require.Contains(t, env, "HOSTNAME=rust-container")
	require.Contains(t, env, "container=rust-container-runtime")
	require.Contains(t, env, "TERM=xterm-256color")
	require.Contains(t, env, "HOME=/root")
	require.Len(t, env, 5)
}

func TestChildPIDTrackingRoundTrips(t *testing.T) {
	require.Zero(t, trackedChildPID())
	trackChild(4242)
	require.Equal(t, int32(4242), trackedChildPID())
	untrackChild()
	require.Zero(t, trackedChildPID())
}
