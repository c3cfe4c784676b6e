package spt

import (
	"io"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"eduos/blockdev"
	"eduos/defs"
	"eduos/frame"
	"eduos/metrics"
	"eduos/swap"
)

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l.WithField("test", true)
}

func newTestSwap(t *testing.T, nslots int) *swap.Swap {
	t.Helper()
	path := filepath.Join(t.TempDir(), "swap.img")
	dev, err := blockdev.Create(path, nslots*swap.SectorsPerSlot, testLog())
	require.NoError(t, err)
	t.Cleanup(func() { dev.Close() })
	return swap.New(dev, nslots, testLog())
}

// fakeFile is a minimal fdops.Fdops_i standing in for a real open file.
// Its Write has no offset parameter (Fdops_i has none), which is
// exactly why Destroy must never route a dirty mmap page's writeback
// through it: recording the write here would hide that, not catch it.
type fakeFile struct {
	writes int
}

func (f *fakeFile) Read(dst []byte) (int, defs.Err_t) { return 0, 0 }
func (f *fakeFile) Write(src []byte) (int, defs.Err_t) {
	f.writes++
	return len(src), 0
}
func (f *fakeFile) Lseek(off int, whence int) (int, defs.Err_t) { return 0, 0 }
func (f *fakeFile) Close() defs.Err_t                           { return 0 }
func (f *fakeFile) Reopen() defs.Err_t                          { return 0 }
func (f *fakeFile) Fstat() (int, bool, defs.Err_t)              { return 0, false, 0 }

func TestInstallInFrameThenLookup(t *testing.T) {
	s := New()
	ft := frame.New(2, testLog(), metrics.New())
	sw := newTestSwap(t, 4)

	fe, err := ft.Alloc(1, 0x1000, sw)
	require.NoError(t, err)

	e := s.InstallInFrame(0x1000, fe, true)
	require.Equal(t, InFrame, e.State)

	got, ok := s.Lookup(0x1000)
	require.True(t, ok)
	require.Same(t, e, got)
	require.Same(t, fe, got.FrameEntry())
}

func TestFrameEntryPanicsOnWrongState(t *testing.T) {
	s := New()
	s.InstallInFile(0x2000, nil, 0, 0, 4096, true, false)
	e, ok := s.Lookup(0x2000)
	require.True(t, ok)
	require.Panics(t, func() { e.FrameEntry() })
}

func TestMarkSwappedTransitionsState(t *testing.T) {
	s := New()
	ft := frame.New(2, testLog(), metrics.New())
	sw := newTestSwap(t, 4)

	fe, err := ft.Alloc(1, 0x1000, sw)
	require.NoError(t, err)
	s.InstallInFrame(0x1000, fe, true)

	require.NoError(t, s.MarkSwapped(0x1000, 3))

	e, ok := s.Lookup(0x1000)
	require.True(t, ok)
	require.Equal(t, InSwap, e.State)
	require.Equal(t, 3, e.Slot())
	require.Panics(t, func() { e.FrameEntry() })
}

func TestOnEvictCallbackMarksSwapped(t *testing.T) {
	s := New()
	ft := frame.New(1, testLog(), metrics.New())
	sw := newTestSwap(t, 4)

	fe, err := ft.Alloc(1, 0x1000, sw)
	require.NoError(t, err)
	fe.Settling = false
	e := s.InstallInFrame(0x1000, fe, true)
	require.NotNil(t, e.Frame.OnEvict)

	// Allocating a second frame at capacity 1 forces eviction of fe,
	// which should invoke OnEvict and flip the SPT entry to IN_SWAP.
	_, err = ft.Alloc(2, 0x2000, sw)
	require.NoError(t, err)

	got, ok := s.Lookup(0x1000)
	require.True(t, ok)
	require.Equal(t, InSwap, got.State)
}

func TestRemoveDropsEntry(t *testing.T) {
	s := New()
	s.InstallInFile(0x3000, nil, 0, 4096, 0, false, false)
	s.Remove(0x3000)
	_, ok := s.Lookup(0x3000)
	require.False(t, ok)
}

func TestDestroyFreesFrameEntries(t *testing.T) {
	s := New()
	ft := frame.New(2, testLog(), metrics.New())
	sw := newTestSwap(t, 4)

	fe, err := ft.Alloc(1, 0x1000, sw)
	require.NoError(t, err)
	fe.Settling = false
	s.InstallInFrame(0x1000, fe, true)

	require.NoError(t, s.Destroy(ft, sw))

	// Frame is back on the free list: a fresh Alloc at the same
	// capacity must succeed without forcing an eviction.
	_, err = ft.Alloc(2, 0x4000, sw)
	require.NoError(t, err)
}

func TestDestroyFreesSwapSlot(t *testing.T) {
	s := New()
	ft := frame.New(1, testLog(), metrics.New())
	sw := newTestSwap(t, 1)

	slot, err := sw.Out(make([]byte, swap.PageSize))
	require.NoError(t, err)
	s.InstallInFile(0x5000, nil, 0, 0, 0, true, false)
	require.NoError(t, s.MarkSwapped(0x5000, slot))

	require.NoError(t, s.Destroy(ft, sw))

	// The slot must be free again: Out() should be able to reuse it.
	_, err = sw.Out(make([]byte, swap.PageSize))
	require.NoError(t, err)
}

// TestDestroyRejectsUndrainedDirtyMmapEntry exercises the guard in
// place of the old (buggy) writeback branch: Fdops_i.Write has no
// offset, so routing a dirty mmap page's writeback through it here
// would land at the wrong file position — the real writeback, with
// the page's correct file offset, only ever happens in
// proc.writebackRegion, which proc.doExit always runs for every mmap
// region before it ever calls Destroy. A dirty mmap entry reaching
// Destroy means that drain was skipped, so Destroy must fail loudly
// rather than attempt a write it cannot place correctly.
func TestDestroyRejectsUndrainedDirtyMmapEntry(t *testing.T) {
	s := New()
	ft := frame.New(2, testLog(), metrics.New())
	sw := newTestSwap(t, 4)

	fe, err := ft.Alloc(1, 0x6000, sw)
	require.NoError(t, err)
	fe.Settling = false

	f := &fakeFile{}
	e := s.InstallInFrame(0x6000, fe, true)
	e.Mmap = true
	e.File = f
	e.ReadBytes = 16
	s.MarkDirty(0x6000)

	err = s.Destroy(ft, sw)
	require.Error(t, err)
	require.Zero(t, f.writes)
}
