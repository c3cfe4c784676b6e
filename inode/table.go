package inode

import (
	"sync"

	"eduos/cache"
	"eduos/caller"
	"eduos/freemap"
	"eduos/hashtable"
)

// liveBuckets sizes the lock-striped hashtable.Table backing Table's
// sector-keyed index, so lookups/insertions/removals for unrelated
// sectors serialize only against others hashing to the same bucket
// rather than behind one table-wide lock; each bucket itself enforces
// the reader/writer discipline the open-inode list calls for (Get
// read-locks its bucket, Set/Del write-lock it).
const liveBuckets = 64

// Table is the process-wide table of currently-open inodes, keyed by
// sector. A per-sector instantiation lock, held for the whole of every
// Open call on that sector, serializes two threads racing to open
// the same sector for the first time so exactly one in-memory Inode
// is ever created for it.
type Table struct {
	live *hashtable.Table[int, *Inode]

	instMu sync.Mutex
	inst   map[int]*sync.Mutex
}

// NewTable constructs an empty open-inode table.
func NewTable() *Table {
	return &Table{
		live: hashtable.New[int, *Inode](liveBuckets, hashtable.IntHash),
		inst: make(map[int]*sync.Mutex),
	}
}

func (t *Table) sectorLock(sector int) *sync.Mutex {
	t.instMu.Lock()
	defer t.instMu.Unlock()
	m, ok := t.inst[sector]
	if !ok {
		m = &sync.Mutex{}
		t.inst[sector] = m
	}
	return m
}

// Open returns the canonical Inode for sector, loading it from disk
// via load if this is the first open, and bumps OpenCount either way.
func (t *Table) Open(sector int, load func() (*Inode, error)) (*Inode, error) {
	sl := t.sectorLock(sector)
	sl.Lock()
	defer sl.Unlock()

	if ino, ok := t.live.Get(sector); ok {
		ino.mu.Lock()
		ino.OpenCount++
		ino.mu.Unlock()
		return ino, nil
	}

	ino, err := load()
	if err != nil {
		return nil, err
	}
	ino.OpenCount = 1

	if _, existed := t.live.Get(sector); existed {
		caller.Panicf("inode: duplicate open inode for sector %d", sector)
	}
	t.live.Set(sector, ino)
	return ino, nil
}

// Close decrements OpenCount; when it reaches zero the inode is
// removed from the table, and if it was also marked Removed its
// sectors are freed.
func (t *Table) Close(ino *Inode, c *cache.Cache, fm *freemap.Map) error {
	ino.mu.Lock()
	ino.OpenCount--
	destroy := ino.OpenCount == 0
	removed := ino.Removed
	ino.mu.Unlock()

	if !destroy {
		return nil
	}

	t.live.Del(ino.Sector)

	t.instMu.Lock()
	delete(t.inst, ino.Sector)
	t.instMu.Unlock()

	if removed {
		return ino.Destroy(c, fm)
	}
	return nil
}

// Get returns the live Inode for sector, if currently open.
func (t *Table) Get(sector int) (*Inode, bool) {
	return t.live.Get(sector)
}

// MarkRemoved flags ino as unlinked; its sectors are freed once the
// last open handle closes.
func (t *Table) MarkRemoved(ino *Inode) {
	ino.mu.Lock()
	ino.Removed = true
	ino.mu.Unlock()
}
