// Package block defines the block-device contract and an
// in-memory device implementing it for tests and for volumes created at
// runtime.
//
// Grounded on xv6's disk.c/sdcard.c: sector-addressed, block-sized
// transfers. Hardware retry counters guard only the block device layer:
// ReadSectorWithRetry here bounds the attempts at one sector read, and the
// buffer cache calls it with its own retry budget.
package block

import (
	"errors"
	"fmt"
	"os"
)

// ErrIO is returned when a device transfer fails after exhausting its
// retry budget.
var ErrIO = errors.New("block: i/o error")

// Device is the contract the buffer cache depends on: sector
// transfers of exactly one block between the caller's buffer and
// (dev, sectorno). Real implementations may sleep while the transfer is
// in flight; simulated ones return synchronously.
type Device interface {
	// ReadSector reads exactly len(data) bytes (one sector) from sector
	// sectorno into data.
	ReadSector(sectorno uint64, data []byte) error

	// WriteSector writes exactly len(data) bytes (one sector) from data
	// to sector sectorno.
	WriteSector(sectorno uint64, data []byte) error

	// SectorSize returns the device's fixed sector size in bytes.
	SectorSize() int
}

// MemDisk is an in-memory block device: a flat byte slice addressed in
// SectorSize()-byte units. It never fails and needs no retry budget; it
// exists so bcache and fat32 can be exercised without real hardware.
type MemDisk struct {
	sectorSize int
	data       []byte
}

// NewMemDisk creates a device with nsectors sectors of sectorSize bytes
// each, all zeroed.
func NewMemDisk(sectorSize, nsectors int) *MemDisk {
	return &MemDisk{
		sectorSize: sectorSize,
		data:       make([]byte, sectorSize*nsectors),
	}
}

func (d *MemDisk) bounds(sectorno uint64, n int) (int, error) {
	off := int(sectorno) * d.sectorSize
	if n != d.sectorSize {
		return 0, fmt.Errorf("%w: transfer size %d != sector size %d", ErrIO, n, d.sectorSize)
	}

	if off < 0 || off+n > len(d.data) {
		return 0, fmt.Errorf("%w: sector %d out of range", ErrIO, sectorno)
	}

	return off, nil
}

func (d *MemDisk) ReadSector(sectorno uint64, data []byte) error {
	off, err := d.bounds(sectorno, len(data))
	if err != nil {
		return err
	}

	copy(data, d.data[off:off+len(data)])

	return nil
}

func (d *MemDisk) WriteSector(sectorno uint64, data []byte) error {
	off, err := d.bounds(sectorno, len(data))
	if err != nil {
		return err
	}

	copy(d.data[off:off+len(data)], data)

	return nil
}

func (d *MemDisk) SectorSize() int { return d.sectorSize }

// FlakyDisk wraps another Device and fails the first FailCount attempts at
// any given sector before succeeding on the next one, to exercise the retry-counter
// contract deterministically in tests.
type FlakyDisk struct {
	Device
	FailCount int

	attempts map[uint64]int
}

func NewFlakyDisk(dev Device, failCount int) *FlakyDisk {
	return &FlakyDisk{Device: dev, FailCount: failCount, attempts: map[uint64]int{}}
}

func (d *FlakyDisk) ReadSector(sectorno uint64, data []byte) error {
	d.attempts[sectorno]++
	if d.attempts[sectorno] <= d.FailCount {
		return fmt.Errorf("%w: injected failure on sector %d", ErrIO, sectorno)
	}

	return d.Device.ReadSector(sectorno, data)
}

// FileDisk is a block device backed by a regular file, for a real FAT32
// image sitting on the host filesystem rather than one built in memory for
// a test. Transfers go through ReadAt/WriteAt, so no seek state is shared
// across concurrent callers.
type FileDisk struct {
	f          *os.File
	sectorSize int
}

// OpenFileDisk opens path as a block device of the given sector size. The
// file must already exist and hold a whole number of sectors; it is not
// created or truncated.
func OpenFileDisk(path string, sectorSize int) (*FileDisk, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrIO, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %s", ErrIO, err)
	}

	if info.Size()%int64(sectorSize) != 0 {
		f.Close()
		return nil, fmt.Errorf("%w: %s: size %d is not a multiple of sector size %d",
			ErrIO, path, info.Size(), sectorSize)
	}

	return &FileDisk{f: f, sectorSize: sectorSize}, nil
}

func (d *FileDisk) ReadSector(sectorno uint64, data []byte) error {
	if len(data) != d.sectorSize {
		return fmt.Errorf("%w: transfer size %d != sector size %d", ErrIO, len(data), d.sectorSize)
	}

	if _, err := d.f.ReadAt(data, int64(sectorno)*int64(d.sectorSize)); err != nil {
		return fmt.Errorf("%w: sector %d: %s", ErrIO, sectorno, err)
	}

	return nil
}

func (d *FileDisk) WriteSector(sectorno uint64, data []byte) error {
	if len(data) != d.sectorSize {
		return fmt.Errorf("%w: transfer size %d != sector size %d", ErrIO, len(data), d.sectorSize)
	}

	if _, err := d.f.WriteAt(data, int64(sectorno)*int64(d.sectorSize)); err != nil {
		return fmt.Errorf("%w: sector %d: %s", ErrIO, sectorno, err)
	}

	return nil
}

func (d *FileDisk) SectorSize() int { return d.sectorSize }

// Close releases the underlying file.
func (d *FileDisk) Close() error { return d.f.Close() }

// ReadSectorWithRetry retries a bounded number of times, as the real disk
// driver's hardware retry counter does, and is used by the buffer cache's
// disk_read path.
func ReadSectorWithRetry(dev Device, sectorno uint64, data []byte, maxRetries int) error {
	var err error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err = dev.ReadSector(sectorno, data); err == nil {
			return nil
		}
	}

	return fmt.Errorf("block: read sector %d failed after %d retries: %w", sectorno, maxRetries, err)
}
