package fs

import (
	"sync"

	"eduos/defs"
	"eduos/inode"
)

// File is an open file handle: an inode, a read/write cursor, and
// whether this handle is holding the inode's deny-write count up
// (used to protect an executing binary for the lifetime of the
// process holding it).
type File struct {
	mu        sync.Mutex
	fs        *FS
	ino       *inode.Inode
	pos       int
	denyWrite bool
}

// OpenFile resolves path the same way Open does and wraps the result
// in a File ready to satisfy fdops.Fdops_i.
func (f *FS) OpenFile(cwd *Cwd, path string, denyWrite bool) (*File, defs.Err_t) {
	ino, errt := f.Open(cwd, []byte(path))
	if errt != 0 {
		return nil, errt
	}
	if denyWrite {
		ino.IncDenyWrite()
	}
	return &File{fs: f, ino: ino, denyWrite: denyWrite}, 0
}

// Inode returns the handle's underlying inode, for callers (the
// executable-loader path, Filesize/Inumber/IsDir) that need it
// directly rather than through the fdops.Fdops_i surface.
func (h *File) Inode() *inode.Inode { return h.ino }

// Read implements fdops.Fdops_i.
func (h *File) Read(dst []byte) (int, defs.Err_t) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ino.RW.RLock()
	n, err := h.ino.ReadAt(dst, h.pos, h.fs.c)
	h.ino.RW.RUnlock()
	if err != nil {
		return 0, h.fs.toErr(err)
	}
	h.pos += n
	return n, 0
}

// Write implements fdops.Fdops_i. Returns 0 bytes written, not an
// error, while the inode's deny-write count is positive, matching the
// specification's deny-write contract.
func (h *File) Write(src []byte) (int, defs.Err_t) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ino.DenyWriteActive() {
		return 0, 0
	}
	h.ino.RW.Lock()
	n, err := h.ino.WriteAt(src, h.pos, h.fs.c, h.fs.fm)
	h.ino.RW.Unlock()
	if err != nil {
		return 0, h.fs.toErr(err)
	}
	h.pos += n
	return n, 0
}

// Lseek implements fdops.Fdops_i.
func (h *File) Lseek(off int, whence int) (int, defs.Err_t) {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch whence {
	case defs.SEEK_SET:
		h.pos = off
	case defs.SEEK_CUR:
		h.pos += off
	case defs.SEEK_END:
		h.pos = h.ino.Length() + off
	default:
		return 0, -defs.EINVAL
	}
	if h.pos < 0 {
		h.pos = 0
		return 0, -defs.EINVAL
	}
	return h.pos, 0
}

// Close implements fdops.Fdops_i.
func (h *File) Close() defs.Err_t {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.denyWrite {
		h.ino.DecDenyWrite()
	}
	return h.fs.Close(h.ino)
}

// Reopen implements fdops.Fdops_i for descriptor-table duplication: it
// bumps the underlying inode's open count rather than re-resolving the
// path, so a dup'd descriptor shares the same cursor semantics as a
// Unix dup(2) would expect at the inode level (though this kernel
// keeps position per-File rather than per-fd-table-entry).
func (h *File) Reopen() defs.Err_t {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, err := h.fs.loadInode(h.ino.Sector); err != nil {
		return h.fs.toErr(err)
	}
	if h.denyWrite {
		h.ino.IncDenyWrite()
	}
	return 0
}

// Fstat implements fdops.Fdops_i.
func (h *File) Fstat() (int, bool, defs.Err_t) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ino.Length(), h.ino.IsDir(), 0
}

// Dir is an open directory handle: a thin wrapper so directory-typed
// descriptors satisfy fdops.Fdops_i even though ordinary Read/Write do
// not make sense on them; Readdir on FS is the real directory-listing
// entry point used by the READDIR-style syscall.
type Dir struct {
	fs  *FS
	ino *inode.Inode
}

// OpenDir resolves path and wraps the result as a directory handle.
func (f *FS) OpenDir(cwd *Cwd, path string) (*Dir, defs.Err_t) {
	ino, errt := f.Open(cwd, []byte(path))
	if errt != 0 {
		return nil, errt
	}
	if !ino.IsDir() {
		f.Close(ino)
		return nil, -defs.ENOTDIR
	}
	return &Dir{fs: f, ino: ino}, 0
}

// Inode returns the directory handle's underlying inode.
func (d *Dir) Inode() *inode.Inode { return d.ino }

func (d *Dir) Read([]byte) (int, defs.Err_t)  { return 0, -defs.EISDIR }
func (d *Dir) Write([]byte) (int, defs.Err_t) { return 0, -defs.EISDIR }
func (d *Dir) Lseek(int, int) (int, defs.Err_t) {
	return 0, -defs.EISDIR
}
func (d *Dir) Close() defs.Err_t { return d.fs.Close(d.ino) }
func (d *Dir) Reopen() defs.Err_t {
	_, err := d.fs.loadInode(d.ino.Sector)
	return d.fs.toErr(err)
}
func (d *Dir) Fstat() (int, bool, defs.Err_t) {
	return d.ino.Length(), true, 0
}
