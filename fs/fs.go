// Package fs implements the file-system façade — create/open/remove/
// mkdir/chdir plus the small set of metadata queries the syscall
// layer needs (readdir, filesize, inumber, isdir) — built from the
// inode, dirent, and freemap layers. It is grounded on Ufs_t
// (ufs/ufs.go), which plays the same role of a single entry point
// wrapping path resolution and the underlying inode operations.
package fs

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"eduos/cache"
	"eduos/defs"
	"eduos/dirent"
	"eduos/freemap"
	"eduos/inode"
	"eduos/metrics"
	"eduos/ustr"
)

// RootSector is the well-known sector holding the root directory's
// inode. Sector 0 is marked allocated at format time but holds no
// inode: the free-sector bitmap has no inode of its own and is stored
// as raw sectors starting right after the root inode.
const RootSector = 1

// ErrNotEmpty is returned when removing a non-empty directory.
var ErrNotEmpty = errors.New("fs: directory not empty")

// Cwd holds one thread's current-working-directory sector. It is
// owned by the thread/process layer and passed into every façade call
// that resolves a relative path.
type Cwd struct {
	Sector int
}

// NewCwd returns a Cwd rooted at the file-system root, used for the
// first thread and for any thread with no inherited working directory.
func NewCwd() *Cwd {
	return &Cwd{Sector: RootSector}
}

// FS is the file-system façade. One FS instance per mounted partition.
type FS struct {
	c   *cache.Cache
	fm  *freemap.Map
	tbl *inode.Table
	log *logrus.Entry
	met *metrics.Set
}

// New constructs an FS over an already-open cache and free-sector map.
func New(c *cache.Cache, fm *freemap.Map, log *logrus.Entry, met *metrics.Set) *FS {
	return &FS{c: c, fm: fm, tbl: inode.NewTable(), log: log.WithField("component", "fs"), met: met}
}

// Cache, Freemap, and Metrics expose the shared subsystems backing
// this façade, so the process and syscall layers can reach the same
// cache/bitmap/metrics instances without threading a second copy
// through the kernel struct.
func (f *FS) Cache() *cache.Cache   { return f.c }
func (f *FS) Freemap() *freemap.Map { return f.fm }
func (f *FS) Metrics() *metrics.Set { return f.met }

// toErr classifies a lower-layer error into the Err_t ABI.
func (f *FS) toErr(err error) defs.Err_t {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, dirent.ErrNotFound):
		return -defs.ENOENT
	case errors.Is(err, dirent.ErrExists):
		return -defs.EEXIST
	case errors.Is(err, dirent.ErrInvalidName):
		return -defs.ENAMETOOLONG
	case errors.Is(err, freemap.ErrNoSpace):
		return -defs.ENOSPC
	case errors.Is(err, ErrNotEmpty):
		return -defs.ENOTEMPTY
	default:
		f.log.WithError(err).Error("unclassified failure")
		return -defs.EIO
	}
}

func (f *FS) loadInode(sector int) (*inode.Inode, error) {
	return f.tbl.Open(sector, func() (*inode.Inode, error) {
		return inode.Load(sector, f.c)
	})
}

func (f *FS) closeInode(ino *inode.Inode) {
	if err := f.tbl.Close(ino, f.c, f.fm); err != nil {
		f.log.WithError(err).WithField("sector", ino.Sector).Error("close failed")
	}
}

// startSector picks the root or cwd as the base of path resolution.
func (f *FS) startSector(cwd *Cwd, path ustr.Ustr) int {
	if path.IsAbsolute() || cwd == nil {
		return RootSector
	}
	return cwd.Sector
}

// openDirPrefix walks every path component except the last, returning
// the directory inode that should contain the final component plus
// that component's name. The returned inode is open and must be
// closed by the caller.
func (f *FS) openDirPrefix(cwd *Cwd, path ustr.Ustr) (*inode.Inode, ustr.Ustr, error) {
	comps := ustr.Split(path)
	cur, err := f.loadInode(f.startSector(cwd, path))
	if err != nil {
		return nil, nil, err
	}
	if len(comps) == 0 {
		return cur, ustr.MkUstr(), nil
	}
	for _, name := range comps[:len(comps)-1] {
		cur.RW.RLock()
		sector, found, lerr := dirent.Lookup(cur, name, f.c)
		cur.RW.RUnlock()
		if lerr != nil {
			f.closeInode(cur)
			return nil, nil, lerr
		}
		if !found {
			f.closeInode(cur)
			return nil, nil, dirent.ErrNotFound
		}
		next, err := f.loadInode(sector)
		f.closeInode(cur)
		if err != nil {
			return nil, nil, err
		}
		cur = next
	}
	return cur, comps[len(comps)-1], nil
}

// resolve walks every component of path, returning the sector of the
// final inode without opening it persistently.
func (f *FS) resolve(cwd *Cwd, path ustr.Ustr) (int, error) {
	comps := ustr.Split(path)
	start := f.startSector(cwd, path)
	if len(comps) == 0 {
		return start, nil
	}
	cur, err := f.loadInode(start)
	if err != nil {
		return 0, err
	}
	for _, name := range comps {
		cur.RW.RLock()
		sector, found, lerr := dirent.Lookup(cur, name, f.c)
		cur.RW.RUnlock()
		if lerr != nil {
			f.closeInode(cur)
			return 0, lerr
		}
		if !found {
			f.closeInode(cur)
			return 0, dirent.ErrNotFound
		}
		next, err := f.loadInode(sector)
		f.closeInode(cur)
		if err != nil {
			return 0, err
		}
		cur = next
	}
	sector := cur.Sector
	f.closeInode(cur)
	return sector, nil
}

// Create allocates a new inode at path, of the given initial size, and
// links it into its parent directory. On any failure after allocating
// the inode sector, the sector is released.
func (f *FS) Create(cwd *Cwd, path ustr.Ustr, size int, isDir bool) (*inode.Inode, defs.Err_t) {
	dir, name, err := f.openDirPrefix(cwd, path)
	if err != nil {
		return nil, f.toErr(err)
	}
	defer f.closeInode(dir)
	if len(name) == 0 {
		return nil, -defs.EINVAL
	}

	dir.RW.Lock()
	defer dir.RW.Unlock()

	sector, err := f.fm.Alloc()
	if err != nil {
		return nil, f.toErr(err)
	}
	child, err := inode.Create(sector, isDir, f.c)
	if err != nil {
		f.fm.Free(sector)
		return nil, f.toErr(err)
	}
	if isDir {
		if err := dirent.InitSelf(child, f.c, f.fm); err != nil {
			f.fm.Free(sector)
			return nil, f.toErr(err)
		}
	}
	if size > 0 {
		if err := child.SetFileLength(size, f.c, f.fm); err != nil {
			f.fm.Free(sector)
			return nil, f.toErr(err)
		}
	}
	if err := dirent.Add(dir, name, sector, child, f.c, f.fm); err != nil {
		f.fm.Free(sector)
		return nil, f.toErr(err)
	}
	ino, err := f.tbl.Open(sector, func() (*inode.Inode, error) { return child, nil })
	return ino, f.toErr(err)
}

// Mkdir is Create with is_dir true and a zero initial size.
func (f *FS) Mkdir(cwd *Cwd, path ustr.Ustr) defs.Err_t {
	_, err := f.Create(cwd, path, 0, true)
	return err
}

// Open resolves path and returns the canonical in-memory inode of the
// final component. An empty filename (a bare "/" or "." path) opens
// the resolved directory itself.
func (f *FS) Open(cwd *Cwd, path ustr.Ustr) (*inode.Inode, defs.Err_t) {
	dir, name, err := f.openDirPrefix(cwd, path)
	if err != nil {
		return nil, f.toErr(err)
	}
	if len(name) == 0 {
		return dir, 0
	}
	defer f.closeInode(dir)

	dir.RW.RLock()
	sector, found, lerr := dirent.Lookup(dir, name, f.c)
	dir.RW.RUnlock()
	if lerr != nil {
		return nil, f.toErr(lerr)
	}
	if !found {
		return nil, -defs.ENOENT
	}
	ino, err := f.loadInode(sector)
	return ino, f.toErr(err)
}

// Close releases a handle obtained from Create or Open.
func (f *FS) Close(ino *inode.Inode) defs.Err_t {
	return f.toErr(f.tbl.Close(ino, f.c, f.fm))
}

// Remove unlinks path. The target inode is not destroyed until its
// last open handle closes.
func (f *FS) Remove(cwd *Cwd, path ustr.Ustr) defs.Err_t {
	dir, name, err := f.openDirPrefix(cwd, path)
	if err != nil {
		return f.toErr(err)
	}
	defer f.closeInode(dir)
	if len(name) == 0 {
		return -defs.EINVAL
	}

	dir.RW.Lock()
	defer dir.RW.Unlock()

	sector, found, lerr := dirent.Lookup(dir, name, f.c)
	if lerr != nil {
		return f.toErr(lerr)
	}
	if !found {
		return -defs.ENOENT
	}
	target, err := f.loadInode(sector)
	if err != nil {
		return f.toErr(err)
	}
	if target.IsDir() {
		empty, err := dirent.IsEmpty(target, f.c)
		if err != nil {
			f.closeInode(target)
			return f.toErr(err)
		}
		if !empty {
			f.closeInode(target)
			return f.toErr(ErrNotEmpty)
		}
	}
	if _, err := dirent.Remove(dir, name, f.c, f.fm); err != nil {
		f.closeInode(target)
		return f.toErr(err)
	}
	f.tbl.MarkRemoved(target)
	return f.Close(target)
}

// Chdir resolves path and updates cwd to reference it.
func (f *FS) Chdir(cwd *Cwd, path ustr.Ustr) defs.Err_t {
	sector, err := f.resolve(cwd, path)
	if err != nil {
		return f.toErr(err)
	}
	cwd.Sector = sector
	return 0
}

// Readdir lists the names present in the directory at path.
func (f *FS) Readdir(cwd *Cwd, path ustr.Ustr) ([]ustr.Ustr, defs.Err_t) {
	ino, errt := f.Open(cwd, path)
	if errt != 0 {
		return nil, errt
	}
	defer f.Close(ino)
	ino.RW.RLock()
	names, err := dirent.Readdir(ino, f.c)
	ino.RW.RUnlock()
	if err != nil {
		return nil, f.toErr(err)
	}
	return names, 0
}

// ReaddirOpen lists the names of an already-open directory inode,
// used by the READDIR syscall handler which only has a descriptor in
// hand, not a path to re-resolve.
func (f *FS) ReaddirOpen(ino *inode.Inode) ([]ustr.Ustr, defs.Err_t) {
	ino.RW.RLock()
	names, err := dirent.Readdir(ino, f.c)
	ino.RW.RUnlock()
	if err != nil {
		return nil, f.toErr(err)
	}
	return names, 0
}

// Filesize, Inumber, and IsDir answer the small metadata questions the
// STAT-style syscalls need about an already-open inode.
func Filesize(ino *inode.Inode) int { return ino.Length() }
func Inumber(ino *inode.Inode) int  { return ino.Sector }
func IsDir(ino *inode.Inode) bool   { return ino.IsDir() }
