// Package blockdev implements fixed-size sector read/write over a
// partition backed by a raw disk image file. It is adapted from the
// ahci_disk_t pattern of simulating a disk with a host file and a
// Seek()-then-Read/Write() pair guarded by a single mutex; here the
// same simulated disk instead uses golang.org/x/sys/unix positioned I/O
// (Pread/Pwrite), so concurrent requests to distinct sectors do not
// need to serialize on a shared file offset the way Seek forces them
// to.
package blockdev

import (
	"os"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// SectorSize is the fixed sector size every layer above this one
// assumes.
const SectorSize = 512

// Device is a single partition: one backing file, addressed by 32-bit
// sector index.
type Device struct {
	f   *os.File
	log *logrus.Entry
}

// Open opens (without creating) the disk image at path.
func Open(path string, log *logrus.Entry) (*Device, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "blockdev: open %s", path)
	}
	return &Device{f: f, log: log.WithField("image", path)}, nil
}

// Create creates (or truncates) a disk image of the given sector count.
func Create(path string, nsectors int, log *logrus.Entry) (*Device, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "blockdev: create %s", path)
	}
	if err := f.Truncate(int64(nsectors) * SectorSize); err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "blockdev: truncate %s", path)
	}
	return &Device{f: f, log: log.WithField("image", path)}, nil
}

// ReadSector reads exactly SectorSize bytes from sector into dst.
func (d *Device) ReadSector(sector int, dst []byte) error {
	if len(dst) != SectorSize {
		return errors.Errorf("blockdev: dst must be %d bytes, got %d", SectorSize, len(dst))
	}
	n, err := unix.Pread(int(d.f.Fd()), dst, int64(sector)*SectorSize)
	if err != nil {
		d.log.WithFields(logrus.Fields{"sector": sector, "err": err}).Error("pread failed")
		return errors.Wrapf(err, "blockdev: read sector %d", sector)
	}
	if n != SectorSize {
		d.log.WithFields(logrus.Fields{"sector": sector, "n": n}).Error("short read")
		return errors.Errorf("blockdev: short read of sector %d: got %d bytes", sector, n)
	}
	return nil
}

// WriteSector writes exactly SectorSize bytes from src to sector.
func (d *Device) WriteSector(sector int, src []byte) error {
	if len(src) != SectorSize {
		return errors.Errorf("blockdev: src must be %d bytes, got %d", SectorSize, len(src))
	}
	n, err := unix.Pwrite(int(d.f.Fd()), src, int64(sector)*SectorSize)
	if err != nil {
		d.log.WithFields(logrus.Fields{"sector": sector, "err": err}).Error("pwrite failed")
		return errors.Wrapf(err, "blockdev: write sector %d", sector)
	}
	if n != SectorSize {
		d.log.WithFields(logrus.Fields{"sector": sector, "n": n}).Error("short write")
		return errors.Errorf("blockdev: short write of sector %d: wrote %d bytes", sector, n)
	}
	return nil
}

// Flush issues fsync on the backing image.
func (d *Device) Flush() error {
	return d.f.Sync()
}

// Close closes the backing image, flushing first.
func (d *Device) Close() error {
	d.Flush()
	return d.f.Close()
}

// Partitions bundles the two raw devices the rest of the kernel needs:
// the filesystem partition and the swap partition.
type Partitions struct {
	FS   *Device
	Swap *Device
}
