// Package fsmgr pivots the container into its rootfs and mounts the
// pseudo-filesystems a payload expects to find (spec component C4). It
// uses golang.org/x/sys/unix directly for every mount/pivot_root call,
// replacing the teacher's shelled "mount"/"pivot_root"/"umount -l"
// invocations the same way minidocker's process setup does.
package fsmgr

import (
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/corerun/corerun/internal/containererr"
	"github.com/corerun/corerun/internal/corerunlog"
)

var log = corerunlog.For("fsmgr")

const oldrootName = "oldroot"

const devptsOptions = "newinstance,ptmxmode=0666,mode=0620,gid=5"

// oldrootPath returns the oldroot mountpoint pivot_root needs: a
// directory under rootfs that becomes the old root's new location.
func oldrootPath(rootfs string) string {
	return filepath.Join(rootfs, oldrootName)
}

// SetupRootfs implements spec section 4.3: bind-mount rootfs onto itself,
// pivot_root into it, mount proc/sysfs/dev/devpts, and drop the old root.
func SetupRootfs(rootfs string) error {
	if err := unix.Mount(rootfs, rootfs, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
		return containererr.Filesystem("bind-mount rootfs onto itself", err)
	}

	oldroot := oldrootPath(rootfs)
	if err := os.MkdirAll(oldroot, 0700); err != nil {
		return containererr.Filesystem("create oldroot", err)
	}

	if err := unix.PivotRoot(rootfs, oldroot); err != nil {
		return containererr.Filesystem("pivot_root", err)
	}

	if err := unix.Chdir("/"); err != nil {
		return containererr.Filesystem("chdir to new root", err)
	}

	if err := mountPseudoFilesystems(); err != nil {
		return err
	}

	return detachOldroot()
}

func mountPseudoFilesystems() error {
	if err := unix.Mount("proc", "/proc", "proc", 0, ""); err != nil {
		return containererr.Filesystem("mount /proc", err)
	}
	if err := unix.Mount("sysfs", "/sys", "sysfs", 0, ""); err != nil {
		return containererr.Filesystem("mount /sys", err)
	}
	if err := unix.Mount("tmpfs", "/dev", "tmpfs", 0, ""); err != nil {
		return containererr.Filesystem("mount /dev", err)
	}
	if err := os.MkdirAll("/dev/pts", 0755); err != nil {
		return containererr.Filesystem("create /dev/pts", err)
	}
	if err := unix.Mount("devpts", "/dev/pts", "devpts", 0, devptsOptions); err != nil {
		return containererr.Filesystem("mount /dev/pts", err)
	}
	if _, err := os.Lstat("/dev/ptmx"); os.IsNotExist(err) {
		if err := os.Symlink("/dev/pts/ptmx", "/dev/ptmx"); err != nil {
			return containererr.Filesystem("symlink /dev/ptmx", err)
		}
	}
	return nil
}

func detachOldroot() error {
	if err := unix.Unmount("/"+oldrootName, unix.MNT_DETACH); err != nil {
		log.WithError(err).Warn("lazy-unmount of oldroot failed")
		return containererr.Filesystem("unmount oldroot", err)
	}
	if err := os.Remove("/" + oldrootName); err != nil && !os.IsNotExist(err) {
		return containererr.Filesystem("remove oldroot", err)
	}
	return nil
}
