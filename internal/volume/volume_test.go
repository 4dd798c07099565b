package volume

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/corerun/corerun/internal/containererr"
	"github.com/stretchr/testify/require"
)

func withScratchAnonymousRoot(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	old := anonymousRoot
	anonymousRoot = dir
	t.Cleanup(func() { anonymousRoot = old })
}

func TestParseOnePartFormIsAnonymousReadWrite(t *testing.T) {
	withScratchAnonymousRoot(t)
	m, err := Parse("/data")
	require.NoError(t, err)
	require.Equal(t, "/data", m.Dest)
	require.Equal(t, ReadWrite, m.Mode)
	require.True(t, m.IsAnonymous)
	require.True(t, filepath.IsAbs(m.Source))

	info, err := os.Stat(m.Source)
	require.NoError(t, err)
	require.True(t, info.IsDir())
}

func TestParseOnePartFormRejectsRelativeDest(t *testing.T) {
	_, err := Parse("data")
	require.Error(t, err)
	require.True(t, containererr.Is(err, containererr.KindInvalidConfiguration))
}

func TestParseTwoPartFormIsExplicitReadWrite(t *testing.T) {
	m, err := Parse("/host/data:/data")
	require.NoError(t, err)
	require.Equal(t, "/host/data", m.Source)
	require.Equal(t, "/data", m.Dest)
	require.Equal(t, ReadWrite, m.Mode)
	require.False(t, m.IsAnonymous)
}

func TestParseThreePartFormHonorsMode(t *testing.T) {
	ro, err := Parse("/host/data:/data:ro")
	require.NoError(t, err)
	require.Equal(t, ReadOnly, ro.Mode)

	rw, err := Parse("/host/data:/data:rw")
	require.NoError(t, err)
	require.Equal(t, ReadWrite, rw.Mode)
}

func TestParseRejectsUnknownMode(t *testing.T) {
	_, err := Parse("/host/data:/data:bogus")
	require.Error(t, err)
}

func TestParseRejectsRelativeDestInTwoAndThreePartForms(t *testing.T) {
	_, err := Parse("/host/data:data")
	require.Error(t, err)

	_, err = Parse("/host/data:data:ro")
	require.Error(t, err)
}

func TestParseRejectsTooManyParts(t *testing.T) {
	_, err := Parse("/a:/b:ro:extra")
	require.Error(t, err)
}

func TestParseAllCreatesMissingSourceDirectories(t *testing.T) {
	withScratchAnonymousRoot(t)
	base := t.TempDir()
	src := filepath.Join(base, "newdir")

	mounts, err := ParseAll([]string{src + ":/data"})
	require.NoError(t, err)
	require.Len(t, mounts, 1)

	info, err := os.Stat(src)
	require.NoError(t, err)
	require.True(t, info.IsDir())
}

func TestParseAllRejectsSourceThatIsARegularFile(t *testing.T) {
	withScratchAnonymousRoot(t)
	base := t.TempDir()
	src := filepath.Join(base, "afile")
	require.NoError(t, os.WriteFile(src, []byte("x"), 0644))

	_, err := ParseAll([]string{src + ":/data"})
	require.Error(t, err)
}

func TestParseAllSkipsEmptyEntries(t *testing.T) {
	withScratchAnonymousRoot(t)
	mounts, err := ParseAll([]string{"", "/host/data:/data", ""})
	require.NoError(t, err)
	require.Len(t, mounts, 1)
}
