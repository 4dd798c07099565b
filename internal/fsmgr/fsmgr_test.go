package fsmgr

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// These cover the pure helpers only; SetupRootfs itself requires root and
// real pivot_root/mount privileges, so it is exercised by scenario tests
// in an environment that has them, not here (SPEC_FULL.md section 8).

func TestOldrootPathIsUnderRootfs(t *testing.T) {
	require.Equal(t, "/var/lib/corerun/rootfs/oldroot", oldrootPath("/var/lib/corerun/rootfs"))
}

func TestDevptsOptionsMatchSpecRequirement(t *testing.T) {
	require.Equal(t, "newinstance,ptmxmode=0666,mode=0620,gid=5", devptsOptions)
}
