// Package dirent implements a directory's content as a linear array
// of fixed-size entries stored in an ordinary inode's data, with
// entry 0 reserved for the parent back-pointer. It is grounded on the
// Dirdata_t/NDIRENTS convention referenced from ufs/ufs.go (Ls walks a
// directory's blocks in fixed-size records), adapted to a 20-byte
// entry and 512-byte-sector block size.
package dirent

import (
	"github.com/pkg/errors"

	"eduos/cache"
	"eduos/freemap"
	"eduos/inode"
	"eduos/ustr"
)

// EntrySize is the fixed on-disk size of one directory entry:
// inode_sector (4) + name (15, NUL-padded) + in_use (1).
const EntrySize = 4 + 15 + 1

const nameField = 15

// ParentSlot is the reserved index of the self/parent back-pointer
// entry, written at directory creation and rewritten by Add when the
// directory is linked under its true parent.
const ParentSlot = 0

// Sentinel errors the file-system façade classifies into defs.Err_t
// values.
var (
	ErrNotFound    = errors.New("dirent: not found")
	ErrExists      = errors.New("dirent: name already in use")
	ErrInvalidName = errors.New("dirent: invalid name length")
)

// Entry is one decoded directory entry.
type Entry struct {
	InodeSector int
	Name        ustr.Ustr
	InUse       bool
}

func decode(buf []byte) Entry {
	sector := int(int32(buf[0]) | int32(buf[1])<<8 | int32(buf[2])<<16 | int32(buf[3])<<24)
	name := ustr.MkUstrSlice(buf[4 : 4+nameField])
	inUse := buf[4+nameField] != 0
	return Entry{InodeSector: sector, Name: name, InUse: inUse}
}

func encode(e Entry, buf []byte) {
	s := uint32(e.InodeSector)
	buf[0] = byte(s)
	buf[1] = byte(s >> 8)
	buf[2] = byte(s >> 16)
	buf[3] = byte(s >> 24)
	for i := 0; i < nameField; i++ {
		buf[4+i] = 0
	}
	copy(buf[4:4+nameField], e.Name)
	if e.InUse {
		buf[4+nameField] = 1
	} else {
		buf[4+nameField] = 0
	}
}

func numEntries(ino *inode.Inode) int {
	return ino.Length() / EntrySize
}

func readEntry(ino *inode.Inode, idx int, c *cache.Cache) (Entry, error) {
	var buf [EntrySize]byte
	n, err := ino.ReadAt(buf[:], idx*EntrySize, c)
	if err != nil {
		return Entry{}, err
	}
	if n < EntrySize {
		return Entry{}, nil
	}
	return decode(buf[:]), nil
}

func writeEntry(ino *inode.Inode, idx int, e Entry, c *cache.Cache, fm *freemap.Map) error {
	var buf [EntrySize]byte
	encode(e, buf[:])
	_, err := ino.WriteAt(buf[:], idx*EntrySize, c, fm)
	return err
}

// InitSelf writes the entry-0 self back-pointer for a freshly created
// directory, pointing at its own sector until Add links it under a
// real parent.
func InitSelf(ino *inode.Inode, c *cache.Cache, fm *freemap.Map) error {
	return writeEntry(ino, ParentSlot, Entry{InodeSector: ino.Sector, InUse: true}, c, fm)
}

// Lookup resolves name within dir. "." returns dir itself (sector
// only, caller already holds it); ".." returns the sector recorded in
// entry 0. Otherwise a linear scan for an in-use entry with a matching
// name. Callers hold dir's reader lock.
func Lookup(dir *inode.Inode, name ustr.Ustr, c *cache.Cache) (sector int, found bool, err error) {
	if name.Isdot() {
		return dir.Sector, true, nil
	}
	if name.Isdotdot() {
		e, err := readEntry(dir, ParentSlot, c)
		if err != nil {
			return 0, false, err
		}
		return e.InodeSector, true, nil
	}
	n := numEntries(dir)
	for i := 1; i < n; i++ {
		e, err := readEntry(dir, i, c)
		if err != nil {
			return 0, false, err
		}
		if e.InUse && e.Name.Eq(name) {
			return e.InodeSector, true, nil
		}
	}
	return 0, false, nil
}

// Add inserts a new entry mapping name to childSector within dir. If
// childIsDir, the child's own entry 0 is rewritten under the child's
// writer lock to point back at dir, linking it into the tree. Callers
// hold dir's writer lock.
func Add(dir *inode.Inode, name ustr.Ustr, childSector int, child *inode.Inode, c *cache.Cache, fm *freemap.Map) error {
	if len(name) == 0 || len(name) > ustr.MaxNameLen {
		return ErrInvalidName
	}
	if _, found, err := Lookup(dir, name, c); err != nil {
		return err
	} else if found {
		return errors.Wrapf(ErrExists, "name %q", name.String())
	}

	if child != nil {
		child.RW.Lock()
		err := writeEntry(child, ParentSlot, Entry{InodeSector: dir.Sector, InUse: true}, c, fm)
		child.RW.Unlock()
		if err != nil {
			return err
		}
	}

	n := numEntries(dir)
	for i := 1; i < n; i++ {
		e, err := readEntry(dir, i, c)
		if err != nil {
			return err
		}
		if !e.InUse {
			return writeEntry(dir, i, Entry{InodeSector: childSector, Name: name, InUse: true}, c, fm)
		}
	}
	return writeEntry(dir, n, Entry{InodeSector: childSector, Name: name, InUse: true}, c, fm)
}

// IsEmpty reports whether dir (known to be a directory) has no in-use
// entry beyond the reserved slot 0.
func IsEmpty(dir *inode.Inode, c *cache.Cache) (bool, error) {
	n := numEntries(dir)
	for i := 1; i < n; i++ {
		e, err := readEntry(dir, i, c)
		if err != nil {
			return false, err
		}
		if e.InUse {
			return false, nil
		}
	}
	return true, nil
}

// Remove clears the entry named name within dir. Callers hold dir's
// writer lock; the caller is responsible for invoking inode removal
// semantics (marking the target Removed, deferred to its final
// close) once Remove reports which sector it freed.
func Remove(dir *inode.Inode, name ustr.Ustr, c *cache.Cache, fm *freemap.Map) (sector int, err error) {
	n := numEntries(dir)
	for i := 1; i < n; i++ {
		e, rerr := readEntry(dir, i, c)
		if rerr != nil {
			return 0, rerr
		}
		if e.InUse && e.Name.Eq(name) {
			if err := writeEntry(dir, i, Entry{InUse: false}, c, fm); err != nil {
				return 0, err
			}
			return e.InodeSector, nil
		}
	}
	return 0, errors.Wrapf(ErrNotFound, "name %q", name.String())
}

// Readdir returns every in-use entry's name, used by the file-system
// façade's directory listing operation.
func Readdir(dir *inode.Inode, c *cache.Cache) ([]ustr.Ustr, error) {
	n := numEntries(dir)
	var names []ustr.Ustr
	for i := 1; i < n; i++ {
		e, err := readEntry(dir, i, c)
		if err != nil {
			return nil, err
		}
		if e.InUse {
			names = append(names, e.Name)
		}
	}
	return names, nil
}
