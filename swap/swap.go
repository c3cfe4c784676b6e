// Package swap implements component G: the slot-indexed swap area.
// Each slot is eight consecutive 512-byte sectors — one 4 KiB page —
// on the swap partition. It is grounded on the same simulated-disk
// pattern as blockdev/cache (the teacher's ahci_disk_t in
// ufs/driver.go), reusing blockdev.Device directly rather than
// introducing a second device abstraction, and on the teacher's
// Lock_pmap-style single-mutex-guarded resource for the free-slot
// bitmap, which the specification keeps purely in memory (unlike the
// free-sector bitmap in component C, the swap bitmap is never
// persisted to disk: a crash loses swapped-out pages along with
// everything else in memory).
package swap

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"eduos/blockdev"
	"eduos/synch"
)

// PageSize is the size of one virtual-memory page and therefore one
// swap slot's worth of sectors.
const PageSize = 4096

// SectorsPerSlot is the number of 512-byte sectors backing one slot.
const SectorsPerSlot = PageSize / blockdev.SectorSize

// ErrNoSlots is returned by Out when the swap area is full.
var ErrNoSlots = errors.New("swap: no free slots")

// Swap is the swap area for one partition.
type Swap struct {
	lock synch.Lock_t
	dev  *blockdev.Device
	used []bool
	log  *logrus.Entry
}

// New constructs a Swap with room for nslots pages.
func New(dev *blockdev.Device, nslots int, log *logrus.Entry) *Swap {
	return &Swap{dev: dev, used: make([]bool, nslots), log: log.WithField("component", "swap")}
}

// Out writes the PageSize bytes of page to a free slot and returns the
// slot index.
func (s *Swap) Out(page []byte) (int, error) {
	if len(page) != PageSize {
		return 0, errors.Errorf("swap: page must be %d bytes, got %d", PageSize, len(page))
	}
	s.lock.Lock()
	slot := -1
	for i, u := range s.used {
		if !u {
			slot = i
			s.used[i] = true
			break
		}
	}
	s.lock.Unlock()
	if slot < 0 {
		return 0, ErrNoSlots
	}
	for i := 0; i < SectorsPerSlot; i++ {
		sector := slot*SectorsPerSlot + i
		off := i * blockdev.SectorSize
		if err := s.dev.WriteSector(sector, page[off:off+blockdev.SectorSize]); err != nil {
			s.log.WithError(err).WithField("slot", slot).Error("swap-out write failed")
			return 0, err
		}
	}
	return slot, nil
}

// In reads slot's PageSize bytes into page and frees the slot.
func (s *Swap) In(slot int, page []byte) error {
	if len(page) != PageSize {
		return errors.Errorf("swap: page must be %d bytes, got %d", PageSize, len(page))
	}
	if err := s.checkSlot(slot); err != nil {
		return err
	}
	for i := 0; i < SectorsPerSlot; i++ {
		sector := slot*SectorsPerSlot + i
		off := i * blockdev.SectorSize
		if err := s.dev.ReadSector(sector, page[off:off+blockdev.SectorSize]); err != nil {
			s.log.WithError(err).WithField("slot", slot).Error("swap-in read failed")
			return err
		}
	}
	return s.Free(slot)
}

// Free clears slot's bit without reading it back.
func (s *Swap) Free(slot int) error {
	if err := s.checkSlot(slot); err != nil {
		return err
	}
	s.lock.Lock()
	s.used[slot] = false
	s.lock.Unlock()
	return nil
}

func (s *Swap) checkSlot(slot int) error {
	if slot < 0 || slot >= len(s.used) {
		return errors.Errorf("swap: slot %d out of range", slot)
	}
	return nil
}
