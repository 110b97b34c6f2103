// Package trap is the trap-entry contract and timer: usertrap's cause dispatch, devintr's
// device/timer interrupt handling, and the monotonic ticks counter.
//
// Grounded on xv6's trap.c (usertrap/usertrapret/devintr)
// and the trampoline's trap frame layout documented at the top of
// this tree's external interfaces. This kernel has no
// instruction-level executor, so there is no trampoline assembly to port;
// this package gives the trap frame's fields a concrete home (a fixed
// region of the same physical page AllocProc already maps at
// vmem.Trapframe) and reproduces usertrap's dispatch and usertrapret's
// bookkeeping in Go, matching the smoynes-elsie project's internal/vm package for
// how a trap/interrupt boundary is modeled: a small closed set of causes,
// a table of devices that can claim an interrupt, and a dispatcher that
// never lets an unrecognized cause pass silently.
package trap

import "encoding/binary"

// Field order matches the trap frame layout fixed by the trampoline:
// kernel-side bookkeeping first, then the user registers saved across the
// trap, each an 8-byte little-endian slot.
const (
	offKernelSATP = iota * 8
	offKernelSP
	offKernelTrap
	offEpc
	offKernelHartID
	offRA
	offSP
	offGP
	offTP
	offT0
	offT1
	offT2
	offS0
	offS1
	offA0
	offA1
	offA2
	offA3
	offA4
	offA5
	offA6
	offA7
	offS2
	offS3
	offS4
	offS5
	offS6
	offS7
	offS8
	offS9
	offS10
	offS11
	offT3
	offT4
	offT5
	offT6
)

// FrameSize is the trap frame's wire size in bytes; it must be no larger
// than one page, since it is the whole of the page AllocProc maps at
// vmem.Trapframe.
const FrameSize = offT6 + 8

// Frame is a view over a process's trapframe page. It never owns the
// backing array: callers build one from pmm.Allocator.Page(p.TrapframeAddr())
// each time they need it, exactly as the trampoline addresses the page
// fresh on every trap.
type Frame struct {
	buf []byte
}

// NewFrame wraps buf, which must be at least FrameSize bytes (a full page
// always is).
func NewFrame(buf []byte) *Frame {
	return &Frame{buf: buf[:FrameSize]}
}

func (f *Frame) get(off int) uint64 { return binary.LittleEndian.Uint64(f.buf[off:]) }

func (f *Frame) set(off int, v uint64) { binary.LittleEndian.PutUint64(f.buf[off:], v) }

// KernelSATP/KernelSP/KernelTrap/KernelHartID are the fields usertrapret
// fills in before every return to user mode, so the next trap from this
// process lands back in the kernel with the right root page table, stack,
// and trap entry point.
func (f *Frame) KernelSATP() uint64     { return f.get(offKernelSATP) }
func (f *Frame) SetKernelSATP(v uint64) { f.set(offKernelSATP, v) }

func (f *Frame) KernelSP() uint64     { return f.get(offKernelSP) }
func (f *Frame) SetKernelSP(v uint64) { f.set(offKernelSP, v) }

func (f *Frame) KernelTrap() uint64     { return f.get(offKernelTrap) }
func (f *Frame) SetKernelTrap(v uint64) { f.set(offKernelTrap, v) }

func (f *Frame) KernelHartID() uint64     { return f.get(offKernelHartID) }
func (f *Frame) SetKernelHartID(v uint64) { f.set(offKernelHartID, v) }

// Epc is the user program counter saved on entry and restored (or
// advanced past an ecall) before return.
func (f *Frame) Epc() uint64     { return f.get(offEpc) }
func (f *Frame) SetEpc(v uint64) { f.set(offEpc, v) }

// Arg and SetArg address a0..a7, the syscall-argument/return registers.
func (f *Frame) Arg(i int) uint64 {
	if i < 0 || i > 7 {
		panic("trap: arg index out of range")
	}

	return f.get(offA0 + i*8)
}

func (f *Frame) SetArg(i int, v uint64) {
	if i < 0 || i > 7 {
		panic("trap: arg index out of range")
	}

	f.set(offA0+i*8, v)
}

// SP is the user stack pointer, part of the callee-saved register block
// the trampoline restores on every return.
func (f *Frame) SP() uint64     { return f.get(offSP) }
func (f *Frame) SetSP(v uint64) { f.set(offSP, v) }
