// Package devsw is the device-switch table: dynamic dispatch on device
// major numbers, restoring the devsw table from file.h/file.c.
//
// Grounded on the smoynes-elsie project's internal/vm/devices.go Driver interface (a
// small trait-like {Read, Write} pair resolved through a table), adapted
// from memory-mapped I/O register addresses to device major numbers.
package devsw

import (
	"fmt"

	"github.com/smoynes/xv6go/internal/hart"
)

// Driver is what a device major number resolves to: read and write
// operations against a byte buffer, standing in for the (addr, n) pairs
// xv6's devsw.read/write took before the syscall layer (out of
// scope here) copies them in/out of user memory. Both take the calling
// hart, since a blocking device (the console, waiting on consoleread's
// empty-buffer condition) must sleep and wake as that hart, exactly like
// every other blocking call in the tree.
type Driver interface {
	Read(h *hart.Hart, buf []byte) (int, error)
	Write(h *hart.Hart, buf []byte) (int, error)
}

// Console is the one well-known major number the core filesystem/file
// layer needs a home for; SPI/UART/GPIO majors are out of scope here.
const Console = 1

const numDevices = 16

// Table is a fixed numDevices-entry dispatch table indexed by major number.
type Table struct {
	drivers [numDevices]Driver
}

// New creates an empty table.
func New() *Table { return &Table{} }

// Register installs a driver at major, panicking on an out-of-range major
// or a double registration: both are configuration bugs caught at boot,
// not runtime conditions.
func (t *Table) Register(major int, d Driver) {
	if major < 0 || major >= numDevices {
		panic(fmt.Sprintf("devsw: major %d out of range", major))
	}

	if t.drivers[major] != nil {
		panic(fmt.Sprintf("devsw: major %d already registered", major))
	}

	t.drivers[major] = d
}

// Read dispatches to major's driver. It returns an error for an
// unregistered or out-of-range major, matching fileread's "-1" return for
// the same conditions (a class-3 argument-validation error, not a panic:
// an unconfigured major can be reached from ordinary file-table state).
func (t *Table) Read(h *hart.Hart, major int, buf []byte) (int, error) {
	d, err := t.lookup(major)
	if err != nil {
		return 0, err
	}

	return d.Read(h, buf)
}

// Write dispatches to major's driver, symmetric to Read.
func (t *Table) Write(h *hart.Hart, major int, buf []byte) (int, error) {
	d, err := t.lookup(major)
	if err != nil {
		return 0, err
	}

	return d.Write(h, buf)
}

func (t *Table) lookup(major int) (Driver, error) {
	if major < 0 || major >= numDevices || t.drivers[major] == nil {
		return nil, fmt.Errorf("devsw: no such device: major %d", major)
	}

	return t.drivers[major], nil
}
