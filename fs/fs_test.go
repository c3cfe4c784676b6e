package fs

import (
	"io"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"eduos/blockdev"
	"eduos/cache"
	"eduos/dirent"
	"eduos/freemap"
	"eduos/inode"
	"eduos/metrics"
	"eduos/ustr"
)

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l.WithField("test", true)
}

// newTestFS formats a fresh disk image the way kernel.format does:
// bitmap sectors marked used, then a root directory inode at
// fs.RootSector.
func newTestFS(t *testing.T, nsectors int) *FS {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fs.img")
	dev, err := blockdev.Create(path, nsectors, testLog())
	require.NoError(t, err)
	t.Cleanup(func() { dev.Close() })
	c := cache.New(dev, testLog(), metrics.New())
	fmp := freemap.New(c, 0, nsectors, testLog())
	require.NoError(t, fmp.Mark(0))
	require.NoError(t, fmp.Mark(RootSector))

	root, err := inode.Create(RootSector, true, c)
	require.NoError(t, err)
	require.NoError(t, dirent.InitSelf(root, c, fmp))

	return New(c, fmp, testLog(), metrics.New())
}

func TestCreateThenOpenFile(t *testing.T) {
	f := newTestFS(t, 512)
	ino, errt := f.Create(NewCwd(), ustr.Ustr("/hello"), 0, false)
	require.Zero(t, errt)
	defer f.Close(ino)

	reopened, errt := f.Open(NewCwd(), ustr.Ustr("/hello"))
	require.Zero(t, errt)
	require.Equal(t, ino.Sector, reopened.Sector)
	f.Close(reopened)
}

func TestOpenMissingFileFails(t *testing.T) {
	f := newTestFS(t, 512)
	_, errt := f.Open(NewCwd(), ustr.Ustr("/nope"))
	require.NotZero(t, errt)
}

func TestMkdirChdirAndRelativeResolution(t *testing.T) {
	f := newTestFS(t, 512)
	require.Zero(t, f.Mkdir(NewCwd(), ustr.Ustr("/a")))
	require.Zero(t, f.Mkdir(NewCwd(), ustr.Ustr("/a/b")))

	cwd := NewCwd()
	require.Zero(t, f.Chdir(cwd, ustr.Ustr("/a")))

	// "b" exists under cwd (/a); mkdir b/c creates c inside it.
	require.Zero(t, f.Mkdir(cwd, ustr.Ustr("b/c")))

	ino, errt := f.Open(cwd, ustr.Ustr("b/c"))
	require.Zero(t, errt)
	require.True(t, IsDir(ino))
	f.Close(ino)

	// Creating the same relative path again must fail: it already exists.
	require.NotZero(t, f.Mkdir(cwd, ustr.Ustr("b/c")))

	// A sibling that was never created must not resolve.
	_, errt = f.Open(cwd, ustr.Ustr("b/missing"))
	require.NotZero(t, errt)
}

func TestRemoveWhileOpenStillReadable(t *testing.T) {
	f := newTestFS(t, 512)
	ino, errt := f.Create(NewCwd(), ustr.Ustr("/doomed"), 0, false)
	require.Zero(t, errt)

	fm := f.Freemap()
	c := f.Cache()
	_, err := ino.WriteAt([]byte("still here"), 0, c, fm)
	require.NoError(t, err)

	require.Zero(t, f.Remove(NewCwd(), ustr.Ustr("/doomed")))

	_, notFound := f.Open(NewCwd(), ustr.Ustr("/doomed"))
	require.NotZero(t, notFound)

	buf := make([]byte, 10)
	n, err := ino.ReadAt(buf, 0, c)
	require.NoError(t, err)
	require.Equal(t, "still here", string(buf[:n]))

	require.Zero(t, f.Close(ino))
}

func TestRemoveNonEmptyDirFails(t *testing.T) {
	f := newTestFS(t, 512)
	require.Zero(t, f.Mkdir(NewCwd(), ustr.Ustr("/a")))
	require.Zero(t, f.Mkdir(NewCwd(), ustr.Ustr("/a/b")))

	errt := f.Remove(NewCwd(), ustr.Ustr("/a"))
	require.NotZero(t, errt)
}

func TestReaddirListsCreatedEntries(t *testing.T) {
	f := newTestFS(t, 512)
	_, errt := f.Create(NewCwd(), ustr.Ustr("/one"), 0, false)
	require.Zero(t, errt)
	require.Zero(t, f.Mkdir(NewCwd(), ustr.Ustr("/two")))

	names, errt := f.Readdir(NewCwd(), ustr.Ustr("/"))
	require.Zero(t, errt)
	require.Len(t, names, 2)
}
