package dirent

import (
	"io"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"eduos/blockdev"
	"eduos/cache"
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

func newTestFS(t *testing.T, nsectors int) (*cache.Cache, *freemap.Map) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fs.img")
	dev, err := blockdev.Create(path, nsectors, testLog())
	require.NoError(t, err)
	t.Cleanup(func() { dev.Close() })
	c := cache.New(dev, testLog(), metrics.New())
	fm := freemap.New(c, 0, nsectors, testLog())
	require.NoError(t, fm.Mark(0))
	return c, fm
}

func mkDir(t *testing.T, c *cache.Cache, fm *freemap.Map, sector int) *inode.Inode {
	t.Helper()
	require.NoError(t, fm.Mark(sector))
	ino, err := inode.Create(sector, true, c)
	require.NoError(t, err)
	require.NoError(t, InitSelf(ino, c, fm))
	return ino
}

func TestInitSelfPointsAtOwnSector(t *testing.T) {
	c, fm := newTestFS(t, 64)
	root := mkDir(t, c, fm, 1)

	sector, found, err := Lookup(root, ustr.Ustr(".."), c)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, 1, sector)
}

func TestDotLooksUpSelf(t *testing.T) {
	c, fm := newTestFS(t, 64)
	root := mkDir(t, c, fm, 1)
	sector, found, err := Lookup(root, ustr.Ustr("."), c)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, root.Sector, sector)
}

func TestAddThenLookup(t *testing.T) {
	c, fm := newTestFS(t, 64)
	root := mkDir(t, c, fm, 1)
	child := mkDir(t, c, fm, 2)

	require.NoError(t, Add(root, ustr.Ustr("sub"), 2, child, c, fm))

	sector, found, err := Lookup(root, ustr.Ustr("sub"), c)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, 2, sector)

	// The child's own ".." must now point back at root.
	parentSector, found, err := Lookup(child, ustr.Ustr(".."), c)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, root.Sector, parentSector)
}

func TestAddRejectsDuplicateName(t *testing.T) {
	c, fm := newTestFS(t, 64)
	root := mkDir(t, c, fm, 1)
	child := mkDir(t, c, fm, 2)
	require.NoError(t, Add(root, ustr.Ustr("sub"), 2, child, c, fm))

	other := mkDir(t, c, fm, 3)
	err := Add(root, ustr.Ustr("sub"), 3, other, c, fm)
	require.ErrorIs(t, err, ErrExists)
}

func TestIsEmptyOnFreshDirectory(t *testing.T) {
	c, fm := newTestFS(t, 64)
	root := mkDir(t, c, fm, 1)
	empty, err := IsEmpty(root, c)
	require.NoError(t, err)
	require.True(t, empty)
}

func TestIsEmptyFalseAfterAdd(t *testing.T) {
	c, fm := newTestFS(t, 64)
	root := mkDir(t, c, fm, 1)
	child := mkDir(t, c, fm, 2)
	require.NoError(t, Add(root, ustr.Ustr("sub"), 2, child, c, fm))

	empty, err := IsEmpty(root, c)
	require.NoError(t, err)
	require.False(t, empty)
}

func TestRemoveThenLookupFails(t *testing.T) {
	c, fm := newTestFS(t, 64)
	root := mkDir(t, c, fm, 1)
	child := mkDir(t, c, fm, 2)
	require.NoError(t, Add(root, ustr.Ustr("sub"), 2, child, c, fm))

	sector, err := Remove(root, ustr.Ustr("sub"), c, fm)
	require.NoError(t, err)
	require.Equal(t, 2, sector)

	_, found, err := Lookup(root, ustr.Ustr("sub"), c)
	require.NoError(t, err)
	require.False(t, found)
}

func TestRemoveMissingNameErrors(t *testing.T) {
	c, fm := newTestFS(t, 64)
	root := mkDir(t, c, fm, 1)
	_, err := Remove(root, ustr.Ustr("nope"), c, fm)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRemoveSlotIsReusedByAdd(t *testing.T) {
	c, fm := newTestFS(t, 64)
	root := mkDir(t, c, fm, 1)
	a := mkDir(t, c, fm, 2)
	require.NoError(t, Add(root, ustr.Ustr("a"), 2, a, c, fm))
	_, err := Remove(root, ustr.Ustr("a"), c, fm)
	require.NoError(t, err)

	b := mkDir(t, c, fm, 3)
	require.NoError(t, Add(root, ustr.Ustr("b"), 3, b, c, fm))

	names, err := Readdir(root, c)
	require.NoError(t, err)
	require.Len(t, names, 1)
	require.True(t, names[0].Eq(ustr.Ustr("b")))
}

func TestReaddirListsOnlyInUseEntries(t *testing.T) {
	c, fm := newTestFS(t, 64)
	root := mkDir(t, c, fm, 1)
	a := mkDir(t, c, fm, 2)
	b := mkDir(t, c, fm, 3)
	require.NoError(t, Add(root, ustr.Ustr("a"), 2, a, c, fm))
	require.NoError(t, Add(root, ustr.Ustr("b"), 3, b, c, fm))
	_, err := Remove(root, ustr.Ustr("a"), c, fm)
	require.NoError(t, err)

	names, err := Readdir(root, c)
	require.NoError(t, err)
	require.Len(t, names, 1)
	require.True(t, names[0].Eq(ustr.Ustr("b")))
}
