package trap

import (
	"github.com/smoynes/xv6go/internal/hart"
	"github.com/smoynes/xv6go/internal/log"
	"github.com/smoynes/xv6go/internal/pmm"
	"github.com/smoynes/xv6go/internal/proc"
)

// Cause is why UserTrap was entered, standing in for scause's decoded
// value. This kernel has no instruction-level executor to decode
// a real trap cause from, so the caller (a process body simulating a
// trap, or a future syscall layer) classifies it up front.
type Cause int

const (
	CauseUnknown Cause = iota
	CauseSyscall
	CauseDevice
)

func (c Cause) String() string {
	switch c {
	case CauseSyscall:
		return "syscall"
	case CauseDevice:
		return "device"
	default:
		return "unknown"
	}
}

// Syscall is dispatched to by UserTrap on CauseSyscall, after epc has been
// advanced past the ecall and interrupts re-enabled, standing in for the
// syscall layer out of scope here.
type Syscall func(h *hart.Hart, p *proc.Proc, f *Frame)

// Dispatcher holds what UserTrap needs beyond the process table itself:
// the device interrupt table, the timer, and the page allocator that owns
// every process's trapframe page.
//
// Grounded on the smoynes-elsie project's internal/vm.Interrupt (internal/vm/intr.go): a
// small struct gluing a device table and any per-cause handling together,
// handed a CPU to mutate rather than owning one itself.
type Dispatcher struct {
	procs *proc.Table
	idt   *IDT
	timer *Timer
	alloc *pmm.Allocator
	log   *log.Logger

	syscall Syscall
}

// NewDispatcher builds a trap dispatcher. syscall may be nil if no syscall
// layer is wired up yet; a syscall cause is then a no-op past the epc
// advance and interrupt re-enable.
func NewDispatcher(procs *proc.Table, idt *IDT, timer *Timer, alloc *pmm.Allocator, syscall Syscall) *Dispatcher {
	return &Dispatcher{
		procs:   procs,
		idt:     idt,
		timer:   timer,
		alloc:   alloc,
		log:     log.DefaultLogger(),
		syscall: syscall,
	}
}

// UserTrap handles one trap taken from user mode, matching usertrap: save
// epc into the trapframe, dispatch on cause, and return. Every disposition
// — syscall, device interrupt, timer-driven yield, or an unrecognized
// cause killing the process — is handled in place; UserTrap never returns
// an error of its own.
func (d *Dispatcher) UserTrap(h *hart.Hart, p *proc.Proc, cause Cause, epc uint64) {
	f := NewFrame(d.alloc.Page(p.TrapframeAddr()))
	f.SetEpc(epc)

	switch cause {
	case CauseSyscall:
		if p.Killed() {
			d.procs.Exit(h, -1)

			return
		}

		f.SetEpc(f.Epc() + 4)
		h.SetIntr(true)

		if d.syscall != nil {
			d.syscall(h, p, f)
		}
	case CauseDevice:
		switch d.idt.DevIntr(h, d.timer) {
		case DevIntrUnrecognized:
			d.log.Error("trap: unexpected device interrupt", "pid", p.PID())

			if err := d.procs.Kill(h, p.PID()); err != nil {
				d.log.Error("trap: kill failed", "pid", p.PID(), "err", err)
			}
		case DevIntrYield:
			d.procs.Yield(h)
		}
	default:
		d.log.Error("trap: unexpected cause in user mode", "cause", cause.String(), "pid", p.PID())

		if err := d.procs.Kill(h, p.PID()); err != nil {
			d.log.Error("trap: kill failed", "pid", p.PID(), "err", err)
		}
	}

	if p.Killed() {
		d.procs.Exit(h, -1)
	}
}

// UserTrapRet prepares the trapframe's kernel-side fields so that the next
// trap taken by this process can find its way back into the kernel,
// matching usertrapret: the kernel page table's satp, this hart's stack
// pointer, the kernel trap entry point, and the hart id. usertrapret's
// final act — a tail-call into the trampoline to restore user registers
// and sret — has no analogue here: the trampoline is only ever the shared
// R|X page AllocProc maps at vmem.Trampoline, never executed, since this
// package has no instruction-level user mode to return into.
func (d *Dispatcher) UserTrapRet(h *hart.Hart, p *proc.Proc, kernelSATP, kernelSP, kernelTrap uint64) {
	f := NewFrame(d.alloc.Page(p.TrapframeAddr()))
	f.SetKernelSATP(kernelSATP)
	f.SetKernelSP(kernelSP)
	f.SetKernelTrap(kernelTrap)
	f.SetKernelHartID(uint64(h.ID))
}
