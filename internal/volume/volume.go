// Package volume implements the "SRC[:DST[:ro|rw]]" volume spec grammar,
// anonymous volume directories, and the bind-mount/readonly-remount/
// cleanup lifecycle of spec component C5.
package volume

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/corerun/corerun/internal/containererr"
	"github.com/corerun/corerun/internal/corerunlog"
)

var log = corerunlog.For("volume")

// Mode is the bind-mount access mode of a volume.
type Mode int

const (
	ReadWrite Mode = iota
	ReadOnly
)

// Mount is one parsed volume spec (spec section 3: VolumeMount).
type Mount struct {
	Source      string
	Dest        string
	Mode        Mode
	IsAnonymous bool
}

// anonymousRoot is the directory anonymous volumes are created under,
// matching spec section 6's "<tmp>/CoreRun/vol_<uuid>".
var anonymousRoot = filepath.Join(os.TempDir(), "CoreRun")

// Parse parses one volume spec: "SRC[:DST[:ro|rw]]" (spec section 4.4).
// A one-part form gets an anonymous source, rw, dest = SRC (and SRC must
// be absolute). A two-part form uses an explicit source, rw. A
// three-part form is fully explicit.
func Parse(raw string) (Mount, error) {
	parts := strings.Split(raw, ":")
	switch len(parts) {
	case 1:
		dest := parts[0]
		if !filepath.IsAbs(dest) {
			return Mount{}, containererr.InvalidConfiguration("volume dest must be absolute: " + raw)
		}
		src, err := newAnonymousDir()
		if err != nil {
			return Mount{}, err
		}
		return Mount{Source: src, Dest: dest, Mode: ReadWrite, IsAnonymous: true}, nil
	case 2:
		if !filepath.IsAbs(parts[1]) {
			return Mount{}, containererr.InvalidConfiguration("volume dest must be absolute: " + raw)
		}
		return Mount{Source: parts[0], Dest: parts[1], Mode: ReadWrite}, nil
	case 3:
		if !filepath.IsAbs(parts[1]) {
			return Mount{}, containererr.InvalidConfiguration("volume dest must be absolute: " + raw)
		}
		mode, err := parseMode(parts[2])
		if err != nil {
			return Mount{}, containererr.InvalidConfiguration("volume spec " + raw + ": " + err.Error())
		}
		return Mount{Source: parts[0], Dest: parts[1], Mode: mode}, nil
	default:
		return Mount{}, containererr.InvalidConfiguration("malformed volume spec: " + raw)
	}
}

func parseMode(s string) (Mode, error) {
	switch s {
	case "ro":
		return ReadOnly, nil
	case "rw":
		return ReadWrite, nil
	default:
		return 0, containererr.InvalidConfiguration("mode must be ro or rw, got " + s)
	}
}

func newAnonymousDir() (string, error) {
	dir := filepath.Join(anonymousRoot, "vol_"+uuid.NewString())
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", containererr.Volume("create anonymous volume directory", err)
	}
	return dir, nil
}

// ParseAll parses every raw spec and creates each source directory that
// does not yet exist, verifying it is a directory (spec section 4.4:
// "for each mount, create the source directory if missing; verify it is
// a directory"). This runs outside any namespace, before the container
// unshares, so host paths resolve normally.
func ParseAll(raw []string) ([]Mount, error) {
	mounts := make([]Mount, 0, len(raw))
	for _, r := range raw {
		if r == "" {
			continue
		}
		m, err := Parse(r)
		if err != nil {
			return nil, err
		}
		if err := ensureSourceDir(m.Source); err != nil {
			return nil, err
		}
		mounts = append(mounts, m)
	}
	return mounts, nil
}

func ensureSourceDir(path string) error {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return os.MkdirAll(path, 0755)
	}
	if err != nil {
		return containererr.Volume("stat volume source "+path, err)
	}
	if !info.IsDir() {
		return containererr.InvalidConfiguration("volume source is not a directory: " + path)
	}
	return nil
}

// Bind mounts one already-parsed volume into the container's mount
// namespace at <rootfs><dest>, per spec section 4.4: bind with
// MS_BIND|MS_REC, then a readonly remount if Mode is ReadOnly.
func Bind(rootfs string, m Mount) error {
	target := filepath.Join(rootfs, m.Dest)
	if err := os.MkdirAll(target, 0755); err != nil {
		return containererr.Volume("create volume mountpoint "+target, err)
	}
	if err := unix.Mount(m.Source, target, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
		return containererr.Volume("bind-mount "+m.Source+" -> "+target, err)
	}
	if m.Mode == ReadOnly {
		flags := uintptr(unix.MS_BIND | unix.MS_REMOUNT | unix.MS_RDONLY)
		if err := unix.Mount(m.Source, target, "", flags, ""); err != nil {
			return containererr.Volume("readonly remount "+target, err)
		}
	}
	return nil
}

// BindAll binds every mount, in order, returning on the first failure.
func BindAll(rootfs string, mounts []Mount) error {
	for _, m := range mounts {
		if err := Bind(rootfs, m); err != nil {
			return err
		}
	}
	return nil
}

// Cleanup unmounts one volume (MNT_DETACH) and, for anonymous sources
// only, removes the temp directory (spec section 4.4: "cleanup_volume:
// reverse order; umount2(MNT_DETACH); for anonymous sources only, remove
// the temp directory").
func Cleanup(rootfs string, m Mount) error {
	target := filepath.Join(rootfs, m.Dest)
	if err := unix.Unmount(target, unix.MNT_DETACH); err != nil && err != unix.EINVAL {
		log.WithField("target", target).WithError(err).Warn("volume unmount failed")
	}
	if m.IsAnonymous {
		if err := os.RemoveAll(m.Source); err != nil {
			return containererr.Volume("remove anonymous volume directory "+m.Source, err)
		}
	}
	return nil
}

// CleanupAll unmounts every mount in reverse order, per spec section 4.4,
// continuing past individual failures so one stuck mount does not block
// the rest of cleanup; the first error encountered is returned after all
// mounts have been attempted.
func CleanupAll(rootfs string, mounts []Mount) error {
	var firstErr error
	for i := len(mounts) - 1; i >= 0; i-- {
		if err := Cleanup(rootfs, mounts[i]); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
