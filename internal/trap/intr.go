package trap

import (
	"fmt"

	"github.com/smoynes/xv6go/internal/hart"
)

// Device is a source of device interrupts dispatched through DevIntr,
// standing in for the PLIC claim/complete cycle xv6's devintr
// performs for UART and virtio: a driver reports whether it is currently
// requesting service and services the request when asked.
//
// Grounded on the smoynes-elsie project's internal/vm.Driver/ISR pair (internal/vm/intr.go):
// a small table of drivers resolved by a fixed key, asked "are you
// requesting?" before being handed the interrupt.
type Device interface {
	fmt.Stringer

	InterruptRequested() bool
	Intr(h *hart.Hart)
}

const numDevices = 16

// IDT is devintr's device table, indexed by the same major numbers
// internal/devsw uses, so a console or block device driver registers once
// and is reachable both for ordinary read/write and for its interrupt.
type IDT struct {
	devices [numDevices]Device
}

// NewIDT creates an empty table.
func NewIDT() *IDT { return &IDT{} }

// Register installs d at major. A conflicting or out-of-range major is a
// configuration bug caught at boot, matching devsw.Register.
func (idt *IDT) Register(major int, d Device) {
	if major < 0 || major >= numDevices {
		panic(fmt.Sprintf("trap: major %d out of range", major))
	}

	if idt.devices[major] != nil {
		panic(fmt.Sprintf("trap: major %d already registered", major))
	}

	idt.devices[major] = d
}

// Return values for DevIntr, matching devintr's three-way contract
// exactly: 0 means the interrupt was not recognized (an unexpected
// machine-mode interrupt at the caller), 1 means handled and
// execution continues where it left off, 2 means handled and the caller
// must additionally yield (the timer tick).
const (
	DevIntrUnrecognized = 0
	DevIntrHandled      = 1
	DevIntrYield        = 2
)

// DevIntr services the timer first, then scans every registered device in
// major-number order, matching xv6's "is it the timer? else scan
// uart/virtio" dispatch.
func (idt *IDT) DevIntr(h *hart.Hart, timer *Timer) int {
	if timer.Pending(h) {
		timer.Fire(h)

		return DevIntrYield
	}

	for _, d := range idt.devices {
		if d != nil && d.InterruptRequested() {
			d.Intr(h)

			return DevIntrHandled
		}
	}

	return DevIntrUnrecognized
}
