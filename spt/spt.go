// Package spt implements component I: the per-process supplemental
// page table, a tagged union keyed by user page describing how to
// resolve a fault against that page. It is grounded on the teacher's
// mem.Pa_t/Page_i vocabulary for page identity and on the
// Lock_pmap/Lockassert_pmap mutex-plus-assertion idiom (vm/as.go) for
// guarding per-process state that only ever has one mutating thread
// at a time, reflected here in a plain mutex rather than the
// reader/writer lock the shared inode table needs.
package spt

import (
	"sync"

	"github.com/pkg/errors"

	"eduos/caller"
	"eduos/fdops"
	"eduos/frame"
	"eduos/swap"
)

// State names which of an Entry's residency fields are meaningful.
type State int

const (
	InFrame State = iota
	InSwap
	InFile
)

func (s State) String() string {
	switch s {
	case InFrame:
		return "IN_FRAME"
	case InSwap:
		return "IN_SWAP"
	case InFile:
		return "IN_FILE"
	default:
		return "UNKNOWN"
	}
}

// Entry is one supplemental-page-table record. Exactly one of Frame
// (State==InFrame) or SwapSlot (State==InSwap) is meaningful at a
// time; accessing the wrong one panics. File/FileOffset/ReadBytes/
// ZeroBytes are the exception the specification's mmap support
// requires: for a file-backed (mmap) mapping they remain populated
// even once the page has been faulted into a frame, so
// proc.writebackRegion can still write a dirty page back at its own
// file offset without a separate side table — a documented relaxation of the
// otherwise-strict tagged union.
type Entry struct {
	UPage uint64
	State State

	Frame    *frame.Entry
	SwapSlot int

	File       fdops.Fdops_i
	FileOffset int
	ReadBytes  int
	ZeroBytes  int
	Mmap       bool
	Dirty      bool

	Writable bool
}

// FrameEntry returns e.Frame, panicking if e is not currently
// IN_FRAME — a fatal kernel invariant violation, not a recoverable
// error, matching the specification's classification of tagged-union
// mismatches.
func (e *Entry) FrameEntry() *frame.Entry {
	if e.State != InFrame {
		caller.Panicf("spt: FrameEntry on non-IN_FRAME entry (state=%s)", e.State)
	}
	return e.Frame
}

// Slot returns e.SwapSlot, panicking if e is not currently IN_SWAP.
func (e *Entry) Slot() int {
	if e.State != InSwap {
		caller.Panicf("spt: Slot on non-IN_SWAP entry (state=%s)", e.State)
	}
	return e.SwapSlot
}

// FileInfo returns the file-backed descriptor for a lazy or mmap
// page, panicking if e is not currently IN_FILE.
func (e *Entry) FileInfo() (fdops.Fdops_i, int, int, int) {
	if e.State != InFile {
		caller.Panicf("spt: FileInfo on non-IN_FILE entry (state=%s)", e.State)
	}
	return e.File, e.FileOffset, e.ReadBytes, e.ZeroBytes
}

// SPT is one process's supplemental page table.
type SPT struct {
	mu      sync.Mutex
	entries map[uint64]*Entry
}

// New constructs an empty SPT.
func New() *SPT {
	return &SPT{entries: make(map[uint64]*Entry)}
}

// InstallInFrame inserts a fresh IN_FRAME entry for upage. The
// returned entry's Frame.OnEvict is wired so that if the frame table
// later evicts this frame, the entry transitions to IN_SWAP
// automatically.
func (s *SPT) InstallInFrame(upage uint64, fe *frame.Entry, writable bool) *Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := &Entry{UPage: upage, State: InFrame, Frame: fe, Writable: writable}
	fe.OnEvict = func(slot int) error {
		return s.MarkSwapped(upage, slot)
	}
	s.entries[upage] = e
	return e
}

// SetInFrame updates an existing entry (of any prior state) to point
// at fe, used when a fault resolves a swapped or file-backed page back
// into residency.
func (s *SPT) SetInFrame(upage uint64, fe *frame.Entry, writable bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[upage]
	if !ok {
		return errors.Errorf("spt: no entry for upage %#x", upage)
	}
	e.State = InFrame
	e.Frame = fe
	e.SwapSlot = 0
	e.Writable = writable
	fe.OnEvict = func(slot int) error {
		return s.MarkSwapped(upage, slot)
	}
	return nil
}

// InstallInFile inserts a fresh IN_FILE entry describing a lazily
// loaded or mmap'd page.
func (s *SPT) InstallInFile(upage uint64, file fdops.Fdops_i, offset, readBytes, zeroBytes int, writable, mmap bool) *Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := &Entry{
		UPage: upage, State: InFile,
		File: file, FileOffset: offset, ReadBytes: readBytes, ZeroBytes: zeroBytes,
		Writable: writable, Mmap: mmap,
	}
	s.entries[upage] = e
	return e
}

// MarkSwapped transitions upage's entry to IN_SWAP after the frame
// table has evicted it, recording the slot its contents now live in.
// File/offset metadata, if this was an mmap page, is left untouched so
// a later write-back still knows where to flush.
func (s *SPT) MarkSwapped(upage uint64, slot int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[upage]
	if !ok {
		return errors.Errorf("spt: no entry for upage %#x", upage)
	}
	e.State = InSwap
	e.SwapSlot = slot
	e.Frame = nil
	return nil
}

// MarkDirty flags upage's entry as holding modified data, consulted by
// proc.writebackRegion when deciding whether an mmap page needs writing
// back, and by Destroy, which rejects a dirty mmap page left undrained.
func (s *SPT) MarkDirty(upage uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[upage]; ok {
		e.Dirty = true
	}
}

// Lookup returns upage's entry, if any.
func (s *SPT) Lookup(upage uint64) (*Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[upage]
	return e, ok
}

// Remove drops upage's entry without any teardown side effects, used
// by munmap once Destroy-style cleanup has already run for that page.
func (s *SPT) Remove(upage uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, upage)
}

// Destroy tears down every entry at process exit: IN_FRAME entries are
// freed back to the frame table, IN_SWAP entries free their slot, and
// IN_FILE entries need nothing. Destroy writes nothing back: a dirty
// IN_FRAME mmap entry makes it stop and return an error.
func (s *SPT) Destroy(ft *frame.Table, sw *swap.Swap) error {
	s.mu.Lock()
	entries := make([]*Entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.entries = make(map[uint64]*Entry)
	s.mu.Unlock()

	for _, e := range entries {
		switch e.State {
		case InFrame:
			if e.Mmap && e.Dirty {
				// Every mmap region is flushed through
				// writebackRegion's offset-aware inode.WriteAt before
				// doExit ever calls Destroy (proc.doExit writes back
				// p.mmaps, then removes each drained upage from the
				// SPT, before calling Destroy). Fdops_i.Write has no
				// offset parameter, so writing a dirty mmap page back
				// here would land at whatever position the
				// descriptor's cursor happens to be at rather than
				// the page's real file offset; a dirty entry reaching
				// this point means some caller skipped that drain, a
				// bug in the caller Destroy must not paper over by
				// risking a misplaced write.
				return errors.Errorf("spt: dirty mmap entry for upage %#x reached Destroy undrained", e.UPage)
			}
			ft.Free(e.Frame)
		case InSwap:
			if err := sw.Free(e.SwapSlot); err != nil {
				return err
			}
		case InFile:
			// Never faulted in; nothing resident to release or write back.
		}
	}
	return nil
}
