package inode

import (
	"io"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"eduos/blockdev"
	"eduos/cache"
	"eduos/freemap"
	"eduos/metrics"
)

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l.WithField("test", true)
}

// newTestFS gives each test its own disk image, cache and bitmap, with
// sector 0 reserved by the bitmap for itself and inodes/data starting
// at sector 1.
func newTestFS(t *testing.T, nsectors int) (*cache.Cache, *freemap.Map) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fs.img")
	dev, err := blockdev.Create(path, nsectors, testLog())
	require.NoError(t, err)
	t.Cleanup(func() { dev.Close() })
	c := cache.New(dev, testLog(), metrics.New())
	fm := freemap.New(c, 0, nsectors, testLog())
	require.NoError(t, fm.Mark(0)) // bitmap's own sector
	require.NoError(t, fm.Mark(1)) // reserved for the inode under test
	return c, fm
}

func TestCreateThenLoadRoundTrips(t *testing.T) {
	c, _ := newTestFS(t, 64)
	ino, err := Create(1, false, c)
	require.NoError(t, err)
	require.Equal(t, 0, ino.Length())
	require.False(t, ino.IsDir())

	reloaded, err := Load(1, c)
	require.NoError(t, err)
	require.Equal(t, 0, reloaded.Length())
	require.False(t, reloaded.IsDir())
}

func TestCreateDirSetsIsDir(t *testing.T) {
	c, _ := newTestFS(t, 64)
	ino, err := Create(1, true, c)
	require.NoError(t, err)
	require.True(t, ino.IsDir())
}

func TestWriteAtGrowsLength(t *testing.T) {
	c, fm := newTestFS(t, 64)
	ino, err := Create(1, false, c)
	require.NoError(t, err)

	n, err := ino.WriteAt([]byte("hello"), 0, c, fm)
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.Equal(t, 5, ino.Length())
}

func TestReadAtReturnsWhatWasWritten(t *testing.T) {
	c, fm := newTestFS(t, 64)
	ino, err := Create(1, false, c)
	require.NoError(t, err)

	_, err = ino.WriteAt([]byte("hello world"), 0, c, fm)
	require.NoError(t, err)

	buf := make([]byte, 5)
	n, err := ino.ReadAt(buf, 6, c)
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.Equal(t, "world", string(buf))
}

func TestReadAtPastEOFReturnsZero(t *testing.T) {
	c, fm := newTestFS(t, 64)
	ino, err := Create(1, false, c)
	require.NoError(t, err)
	_, err = ino.WriteAt([]byte("hi"), 0, c, fm)
	require.NoError(t, err)

	buf := make([]byte, 10)
	n, err := ino.ReadAt(buf, 2, c)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

// TestWriteAtCrossesIndirectBoundary writes past the 123 direct blocks
// (123*512 bytes) so the write must allocate and use the indirect
// block, then reads the crossing byte back.
func TestWriteAtCrossesIndirectBoundary(t *testing.T) {
	c, fm := newTestFS(t, 2048)
	ino, err := Create(1, false, c)
	require.NoError(t, err)

	off := maxDirectFile*512 + 10
	_, err = ino.WriteAt([]byte("X"), off, c, fm)
	require.NoError(t, err)
	require.Equal(t, off+1, ino.Length())

	buf := make([]byte, 1)
	n, err := ino.ReadAt(buf, off, c)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, byte('X'), buf[0])
}

func TestDenyWriteCounting(t *testing.T) {
	c, _ := newTestFS(t, 64)
	ino, err := Create(1, false, c)
	require.NoError(t, err)

	require.False(t, ino.DenyWriteActive())
	ino.IncDenyWrite()
	require.True(t, ino.DenyWriteActive())
	ino.IncDenyWrite()
	ino.DecDenyWrite()
	require.True(t, ino.DenyWriteActive())
	ino.DecDenyWrite()
	require.False(t, ino.DenyWriteActive())
}

func TestDestroyFreesAllocatedSectors(t *testing.T) {
	c, fm := newTestFS(t, 2048)
	ino, err := Create(1, false, c)
	require.NoError(t, err)

	// Span direct, indirect and the indirect block itself.
	_, err = ino.WriteAt([]byte("hello"), (maxDirectFile+5)*512, c, fm)
	require.NoError(t, err)

	require.NoError(t, ino.Destroy(c, fm))

	// Every sector the file touched, plus its own, must be free again.
	before, err := fm.Used(1)
	require.NoError(t, err)
	require.False(t, before)
	for sector := 2; sector < 2048; sector++ {
		used, err := fm.Used(sector)
		require.NoError(t, err)
		require.False(t, used, "sector %d still allocated", sector)
	}
}

func TestLoadRejectsBadMagic(t *testing.T) {
	c, _ := newTestFS(t, 64)
	var zero [DiskSize]byte
	require.NoError(t, c.Write(1, zero[:], 0, DiskSize))
	require.Panics(t, func() { Load(1, c) })
}
