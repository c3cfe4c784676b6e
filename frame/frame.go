// Package frame implements the system-wide frame table and its
// eviction policy. It is grounded on the mem.Page_i pooling
// abstraction (mem/mem.go) for "a physical page" and on the
// hashtable/lock-striping idiom (hashtable/hashtable.go) for a
// concurrent table keyed by page identity, generalized here to a
// {kernel_page, owning_thread, user_page, pin_count, settling} record
// and linear-congruential eviction scan. Since portable Go has no
// real bounded physical memory to force eviction against, the table
// is given an explicit frame-count Capacity the way a real kernel's
// user pool is bounded by installed RAM — a deliberately exercised
// teaching property, not an artifact of this kernel being short on
// memory.
package frame

import (
	"unsafe"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"eduos/defs"
	"eduos/hashtable"
	"eduos/mem"
	"eduos/metrics"
	"eduos/swap"
	"eduos/synch"
)

// byPageBuckets sizes the lock-striped hashtable.Table backing Table's
// keyed-by-page index; the outer frame-table lock already serializes
// every mutation, so the striping here exists for the O(1) average
// Lookup the specification's "multi-map keyed by kernel_page" wording
// calls for, not for extra concurrency.
const byPageBuckets = 64

// pageHash hashes a *mem.Page by its identity (its address), the
// closest analogue in portable Go to hashing a kernel_page pointer.
func pageHash(p *mem.Page) uint32 {
	return hashtable.IntHash(int(uintptr(unsafe.Pointer(p))))
}

// Entry is one frame-table record.
type Entry struct {
	Kpage    *mem.Page
	Owner    defs.Tid_t
	UPage    uint64
	PinCount int
	Settling bool

	// OnEvict is invoked with the swap slot a frame's contents were
	// just written to, so the owning supplemental page table can
	// rewrite its entry to IN_SWAP without the frame table importing
	// package spt (which itself needs to name frame.Entry, and would
	// otherwise form an import cycle).
	OnEvict func(slot int) error
}

// Table is the system-wide frame table.
type Table struct {
	lock synch.Lock_t

	alloc    *mem.Allocator
	capacity int
	order    []*Entry
	byPage   *hashtable.Table[*mem.Page, *Entry]
	rngState uint32

	log *logrus.Entry
	met *metrics.Set
}

// New constructs a Table bounded to capacity frames.
func New(capacity int, log *logrus.Entry, met *metrics.Set) *Table {
	return &Table{
		alloc:    mem.NewAllocator(),
		capacity: capacity,
		byPage:   hashtable.New[*mem.Page, *Entry](byPageBuckets, pageHash),
		rngState: 1,
		log:      log.WithField("component", "frame"),
		met:      met,
	}
}

// Lookup returns the entry keyed by kernel page kp, if one is
// currently resident. This is the keyed-by-kernel_page access the
// specification's frame-table multi-map describes; eviction and
// allocation instead walk t.order, the bookkeeping that decides which
// frame to pick, not which frame a given page belongs to.
func (t *Table) Lookup(kp *mem.Page) (*Entry, bool) {
	return t.byPage.Get(kp)
}

// Alloc obtains a frame for owner/upage, evicting a victim first if
// the table is at capacity. The returned entry has PinCount 0 and
// Settling true; the caller must flip Settling off once the page's
// content is valid and the mapping installed, and must set OnEvict
// before releasing the frame-table lock implicit in this call
// returning.
func (t *Table) Alloc(owner defs.Tid_t, upage uint64, sw *swap.Swap) (*Entry, error) {
	t.lock.Lock()
	defer t.lock.Unlock()

	if len(t.order) >= t.capacity {
		if err := t.evictLocked(sw); err != nil {
			return nil, err
		}
	}

	kp := t.alloc.Alloc()
	e := &Entry{Kpage: kp, Owner: owner, UPage: upage, Settling: true}
	t.order = append(t.order, e)
	t.byPage.Set(kp, e)
	if t.met != nil {
		t.met.FramesInUse.Set(float64(len(t.order)))
	}
	return e, nil
}

// Free releases a frame back to the pool. The caller must already
// have torn down every mapping referencing it.
func (t *Table) Free(e *Entry) {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.removeLocked(e)
	t.alloc.Free(e.Kpage)
	if t.met != nil {
		t.met.FramesInUse.Set(float64(len(t.order)))
	}
}

func (t *Table) removeLocked(e *Entry) {
	t.byPage.Del(e.Kpage)
	for i, o := range t.order {
		if o == e {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
}

// Pin increments a frame's pin counter, making it ineligible for
// eviction.
func (t *Table) Pin(e *Entry) {
	t.lock.Lock()
	e.PinCount++
	t.lock.Unlock()
}

// Unpin decrements a frame's pin counter.
func (t *Table) Unpin(e *Entry) {
	t.lock.Lock()
	if e.PinCount > 0 {
		e.PinCount--
	}
	t.lock.Unlock()
}

// next advances the linear-congruential generator used to pick an
// eviction candidate, matching the specification's randomized
// (rather than strict-LRU) eviction policy.
func (t *Table) next() uint32 {
	t.rngState = t.rngState*1664525 + 1013904223
	return t.rngState
}

// evictLocked picks a victim frame, writes it out to swap, notifies
// its owner's SPT, and removes it from the table, freeing up one slot
// of capacity. The caller holds t.lock.
func (t *Table) evictLocked(sw *swap.Swap) error {
	n := len(t.order)
	if n == 0 {
		return errors.New("frame: nothing to evict")
	}
	start := int(t.next()) % n
	for i := 0; i < n; i++ {
		idx := (start + i) % n
		e := t.order[idx]
		if e.PinCount > 0 || e.Settling {
			continue
		}
		slot, err := sw.Out(e.Kpage[:])
		if err != nil {
			return errors.Wrap(err, "frame: evict")
		}
		if e.OnEvict != nil {
			if err := e.OnEvict(slot); err != nil {
				return errors.Wrap(err, "frame: evict notify")
			}
		}
		t.removeLocked(e)
		t.alloc.Free(e.Kpage)
		if t.met != nil {
			t.met.FrameEvictions.Inc()
		}
		t.log.WithField("slot", slot).Debug("evicted frame")
		return nil
	}
	return errors.New("frame: no evictable frame (all pinned or settling)")
}
