// Package inode implements the on-disk indexed inode (direct +
// indirect + doubly-indirect pointers, with growth) and the
// in-memory inode table that hands out one canonical record per open
// sector. It is grounded on the Superblock_t fixed-offset
// accessors (fs/super.go, the fieldr/fieldw convention) for the
// on-disk layout, generalized here into a fixed 512-byte inode
// record, and on a hashtable/reader-writer combination for its
// open-inode bookkeeping.
package inode

import (
	"encoding/binary"
	"sync"

	"github.com/pkg/errors"

	"eduos/cache"
	"eduos/caller"
	"eduos/freemap"
	"eduos/synch"
)

// On-disk layout constants. 123 direct pointers, one indirect, one
// doubly-indirect, plus three scalar fields, sums to exactly 512 bytes.
const (
	NumDirect = 123
)

const (
	ptrSize       = 4
	DiskSize      = 512
	ptrsPerBlock  = 512 / ptrSize // 128
	offDirect     = 0
	offIndirect   = NumDirect * ptrSize        // 492
	offDoubly     = offIndirect + ptrSize      // 496
	offLength     = offDoubly + ptrSize        // 500
	offMagic      = offLength + ptrSize        // 504
	offIsDir      = offMagic + ptrSize         // 508
	magicValue    = 0x494e4f44
	maxDirectFile = NumDirect
	maxIndirFile  = maxDirectFile + ptrsPerBlock
	maxFileBlocks = maxIndirFile + ptrsPerBlock*ptrsPerBlock
)

// Raw is the fixed 512-byte on-disk inode record.
type Raw [DiskSize]byte

func fieldr(b *Raw, off int) int {
	return int(int32(binary.LittleEndian.Uint32(b[off : off+4])))
}

func fieldw(b *Raw, off int, v int) {
	binary.LittleEndian.PutUint32(b[off:off+4], uint32(int32(v)))
}

func (r *Raw) Direct(i int) int      { return fieldr(r, offDirect+i*ptrSize) }
func (r *Raw) SetDirect(i, v int)    { fieldw(r, offDirect+i*ptrSize, v) }
func (r *Raw) Indirect() int         { return fieldr(r, offIndirect) }
func (r *Raw) SetIndirect(v int)     { fieldw(r, offIndirect, v) }
func (r *Raw) DoublyIndirect() int   { return fieldr(r, offDoubly) }
func (r *Raw) SetDoublyIndirect(v int) { fieldw(r, offDoubly, v) }
func (r *Raw) Length() int           { return fieldr(r, offLength) }
func (r *Raw) SetLength(v int)       { fieldw(r, offLength, v) }
func (r *Raw) Magic() int            { return fieldr(r, offMagic) }
func (r *Raw) SetMagic(v int)        { fieldw(r, offMagic, v) }
func (r *Raw) IsDir() bool           { return fieldr(r, offIsDir) != 0 }
func (r *Raw) SetIsDir(b bool) {
	v := 0
	if b {
		v = 1
	}
	fieldw(r, offIsDir, v)
}

// Inode is the canonical in-memory record for one on-disk inode
// sector. Exactly one Inode exists per live sector; see Table.
type Inode struct {
	Sector int

	mu             sync.Mutex
	raw            Raw
	OpenCount      int
	DenyWriteCount int
	Removed        bool

	RW *synch.RWLock_t
}

// Load reads the inode record at sector from disk.
func Load(sector int, c *cache.Cache) (*Inode, error) {
	ino := &Inode{Sector: sector, RW: synch.MkRWLock()}
	if err := c.Read(sector, ino.raw[:], 0, DiskSize); err != nil {
		return nil, errors.Wrapf(err, "inode: load sector %d", sector)
	}
	if ino.raw.Magic() != magicValue {
		caller.Panicf("inode: magic mismatch at sector %d: got %#x", sector, ino.raw.Magic())
	}
	return ino, nil
}

// Create initializes a fresh inode record at sector and persists it.
func Create(sector int, isDir bool, c *cache.Cache) (*Inode, error) {
	ino := &Inode{Sector: sector, RW: synch.MkRWLock()}
	for i := 0; i < NumDirect; i++ {
		ino.raw.SetDirect(i, 0)
	}
	ino.raw.SetIndirect(0)
	ino.raw.SetDoublyIndirect(0)
	ino.raw.SetLength(0)
	ino.raw.SetMagic(magicValue)
	ino.raw.SetIsDir(isDir)
	if err := ino.persist(c); err != nil {
		return nil, err
	}
	return ino, nil
}

func (ino *Inode) persist(c *cache.Cache) error {
	if err := c.Write(ino.Sector, ino.raw[:], 0, DiskSize); err != nil {
		return errors.Wrapf(err, "inode: persist sector %d", ino.Sector)
	}
	return nil
}

// IsDir reports whether the inode describes a directory.
func (ino *Inode) IsDir() bool {
	ino.mu.Lock()
	defer ino.mu.Unlock()
	return ino.raw.IsDir()
}

// Length returns the current file length in bytes.
func (ino *Inode) Length() int {
	ino.mu.Lock()
	defer ino.mu.Unlock()
	return ino.raw.Length()
}

// IncDenyWrite grows the deny-write count under the inode's own mutex;
// callers need not hold any other lock.
func (ino *Inode) IncDenyWrite() {
	ino.mu.Lock()
	ino.DenyWriteCount++
	ino.mu.Unlock()
}

// DecDenyWrite shrinks the deny-write count.
func (ino *Inode) DecDenyWrite() {
	ino.mu.Lock()
	ino.DenyWriteCount--
	ino.mu.Unlock()
}

// DenyWriteActive reports whether writes are currently refused.
func (ino *Inode) DenyWriteActive() bool {
	ino.mu.Lock()
	defer ino.mu.Unlock()
	return ino.DenyWriteCount > 0
}

func readPtr(c *cache.Cache, sector, idx int) (int, error) {
	var b [ptrSize]byte
	if err := c.Read(sector, b[:], idx*ptrSize, ptrSize); err != nil {
		return 0, err
	}
	return int(int32(binary.LittleEndian.Uint32(b[:]))), nil
}

func writePtr(c *cache.Cache, sector, idx, v int) error {
	var b [ptrSize]byte
	binary.LittleEndian.PutUint32(b[:], uint32(int32(v)))
	return c.Write(sector, b[:], idx*ptrSize, ptrSize)
}

// blockSector returns the on-disk sector holding file-block s, the
// sth 512-byte block of the file (0-indexed), following the
// position-to-sector mapping: direct pointers, then one indirect
// block, then the doubly-indirect tree. When alloc is true and a pointer along
// the path is unset, a fresh sector is taken from fm and threaded in;
// otherwise a zero pointer is returned unresolved (caller treats as a
// hole).
func (ino *Inode) blockSector(s int, alloc bool, c *cache.Cache, fm *freemap.Map) (int, error) {
	if s < 0 || s >= maxFileBlocks {
		return 0, errors.Errorf("inode: block index %d out of range", s)
	}
	ino.mu.Lock()
	defer ino.mu.Unlock()

	if s < maxDirectFile {
		p := ino.raw.Direct(s)
		if p == 0 && alloc {
			np, err := fm.Alloc()
			if err != nil {
				return 0, err
			}
			ino.raw.SetDirect(s, np)
			if err := ino.persist(c); err != nil {
				return 0, err
			}
			p = np
		}
		return p, nil
	}

	if s < maxIndirFile {
		ib := ino.raw.Indirect()
		if ib == 0 {
			if !alloc {
				return 0, nil
			}
			nb, err := fm.Alloc()
			if err != nil {
				return 0, err
			}
			if err := zeroBlock(c, nb); err != nil {
				return 0, err
			}
			ino.raw.SetIndirect(nb)
			if err := ino.persist(c); err != nil {
				return 0, err
			}
			ib = nb
		}
		idx := s - maxDirectFile
		p, err := readPtr(c, ib, idx)
		if err != nil {
			return 0, err
		}
		if p == 0 && alloc {
			np, err := fm.Alloc()
			if err != nil {
				return 0, err
			}
			if err := writePtr(c, ib, idx, np); err != nil {
				return 0, err
			}
			p = np
		}
		return p, nil
	}

	// doubly-indirect
	db := ino.raw.DoublyIndirect()
	if db == 0 {
		if !alloc {
			return 0, nil
		}
		nb, err := fm.Alloc()
		if err != nil {
			return 0, err
		}
		if err := zeroBlock(c, nb); err != nil {
			return 0, err
		}
		ino.raw.SetDoublyIndirect(nb)
		if err := ino.persist(c); err != nil {
			return 0, err
		}
		db = nb
	}
	rem := s - maxIndirFile
	idx1 := rem / ptrsPerBlock
	idx2 := rem % ptrsPerBlock
	ib, err := readPtr(c, db, idx1)
	if err != nil {
		return 0, err
	}
	if ib == 0 {
		if !alloc {
			return 0, nil
		}
		nb, err := fm.Alloc()
		if err != nil {
			return 0, err
		}
		if err := zeroBlock(c, nb); err != nil {
			return 0, err
		}
		if err := writePtr(c, db, idx1, nb); err != nil {
			return 0, err
		}
		ib = nb
	}
	p, err := readPtr(c, ib, idx2)
	if err != nil {
		return 0, err
	}
	if p == 0 && alloc {
		np, err := fm.Alloc()
		if err != nil {
			return 0, err
		}
		if err := writePtr(c, ib, idx2, np); err != nil {
			return 0, err
		}
		p = np
	}
	return p, nil
}

func zeroBlock(c *cache.Cache, sector int) error {
	var z [512]byte
	return c.Write(sector, z[:], 0, 512)
}

// SetFileLength grows (never shrinks) the file to newLen bytes,
// allocating any sectors newly covered by the range. Partial
// allocation failures are not rolled back; this mirrors the original
// system's known hazard of leaking sectors on a failed grow.
func (ino *Inode) SetFileLength(newLen int, c *cache.Cache, fm *freemap.Map) error {
	cur := ino.Length()
	if newLen <= cur {
		return nil
	}
	firstBlock := cur / 512
	lastBlock := (newLen - 1) / 512
	for s := firstBlock; s <= lastBlock; s++ {
		if _, err := ino.blockSector(s, true, c, fm); err != nil {
			return errors.Wrap(err, "inode: grow")
		}
	}
	ino.mu.Lock()
	ino.raw.SetLength(newLen)
	err := ino.persist(c)
	ino.mu.Unlock()
	return err
}

// ReadAt reads into buf starting at byte offset off, truncated to the
// file's current length.
func (ino *Inode) ReadAt(buf []byte, off int, c *cache.Cache) (int, error) {
	length := ino.Length()
	if off >= length {
		return 0, nil
	}
	n := len(buf)
	if off+n > length {
		n = length - off
	}
	read := 0
	for read < n {
		s := (off + read) / 512
		within := (off + read) % 512
		chunk := 512 - within
		if chunk > n-read {
			chunk = n - read
		}
		sector, err := ino.blockSector(s, false, c, nil)
		if err != nil {
			return read, err
		}
		if sector == 0 {
			for i := 0; i < chunk; i++ {
				buf[read+i] = 0
			}
		} else if err := c.Read(sector, buf[read:read+chunk], within, chunk); err != nil {
			return read, err
		}
		read += chunk
	}
	return read, nil
}

// WriteAt writes buf starting at byte offset off, growing the file as
// needed.
func (ino *Inode) WriteAt(buf []byte, off int, c *cache.Cache, fm *freemap.Map) (int, error) {
	end := off + len(buf)
	if end > ino.Length() {
		if err := ino.SetFileLength(end, c, fm); err != nil {
			return 0, err
		}
	}
	written := 0
	n := len(buf)
	for written < n {
		s := (off + written) / 512
		within := (off + written) % 512
		chunk := 512 - within
		if chunk > n-written {
			chunk = n - written
		}
		sector, err := ino.blockSector(s, true, c, fm)
		if err != nil {
			return written, err
		}
		if err := c.Write(sector, buf[written:written+chunk], within, chunk); err != nil {
			return written, err
		}
		written += chunk
	}
	return written, nil
}

// Destroy recursively frees every data sector owned by the inode
// (walking the indirect and doubly-indirect trees), then the inode's
// own sector. Called once open_count reaches zero on a removed inode.
func (ino *Inode) Destroy(c *cache.Cache, fm *freemap.Map) error {
	ino.mu.Lock()
	defer ino.mu.Unlock()

	for i := 0; i < NumDirect; i++ {
		if p := ino.raw.Direct(i); p != 0 {
			if err := fm.Free(p); err != nil {
				return err
			}
		}
	}
	if ib := ino.raw.Indirect(); ib != 0 {
		if err := freeIndirectBlock(c, fm, ib); err != nil {
			return err
		}
		if err := fm.Free(ib); err != nil {
			return err
		}
	}
	if db := ino.raw.DoublyIndirect(); db != 0 {
		for i := 0; i < ptrsPerBlock; i++ {
			ib, err := readPtr(c, db, i)
			if err != nil {
				return err
			}
			if ib == 0 {
				continue
			}
			if err := freeIndirectBlock(c, fm, ib); err != nil {
				return err
			}
			if err := fm.Free(ib); err != nil {
				return err
			}
		}
		if err := fm.Free(db); err != nil {
			return err
		}
	}
	return fm.Free(ino.Sector)
}

func freeIndirectBlock(c *cache.Cache, fm *freemap.Map, ib int) error {
	for i := 0; i < ptrsPerBlock; i++ {
		p, err := readPtr(c, ib, i)
		if err != nil {
			return err
		}
		if p != 0 {
			if err := fm.Free(p); err != nil {
				return err
			}
		}
	}
	return nil
}
