// Package proc is the process table and scheduler: a fixed array of
// process slots, a monotone PID allocator, fork/exit/wait lifecycle, and a
// per-hart scheduler loop implementing sleeplock.Scheduler so every other
// package's blocking primitive (sleeplock, bcache, fat32's entry cache)
// runs against the real thing instead of a test double.
//
// Grounded on xv6's proc.c/proc.h. Its
// sched/swtch pair is a hand-rolled assembly coroutine switch that saves
// only callee-saved registers; any reimplementation must preserve the
// invariant that only one party holds the process's lock across the
// switch and that interrupt-enable state is saved and restored around
// the switch. This port keeps that invariant but
// realizes it with a goroutine per process and a pair of unbuffered
// handoff channels instead of a register-save coroutine: the scheduler
// goroutine for a hart and the goroutine running a RUNNABLE process trade
// control exactly once per switch, so at most one of them is ever
// running the process's code, matching swtch's symmetry.
package proc

import (
	"errors"
	"fmt"
	"io"

	"github.com/smoynes/xv6go/internal/config"
	"github.com/smoynes/xv6go/internal/devsw"
	"github.com/smoynes/xv6go/internal/fat32"
	"github.com/smoynes/xv6go/internal/file"
	"github.com/smoynes/xv6go/internal/hart"
	"github.com/smoynes/xv6go/internal/log"
	"github.com/smoynes/xv6go/internal/pmm"
	"github.com/smoynes/xv6go/internal/sleeplock"
	"github.com/smoynes/xv6go/internal/spinlock"
	"github.com/smoynes/xv6go/internal/vmem"
)

// State is a process's scheduling state, matching enum procstate exactly
// (no USED state exists here).
type State int

const (
	Unused State = iota
	Sleeping
	Runnable
	Running
	Zombie
)

func (s State) String() string {
	switch s {
	case Unused:
		return "UNUSED"
	case Sleeping:
		return "SLEEPING"
	case Runnable:
		return "RUNNABLE"
	case Running:
		return "RUNNING"
	case Zombie:
		return "ZOMBIE"
	default:
		return "?"
	}
}

// Body is the code a process runs once scheduled. It must periodically
// call Yield, Sleep, or return (which the caller turns into Exit) — it is
// the stand-in for "user code" in a kernel that has no instruction-level
// executor of its own; the trap package's timer tick is what would
// otherwise force preemption of a non-cooperating body.
type Body func(t *Table, h *hart.Hart, p *Proc)

// Proc is one process-table slot.
type Proc struct {
	Lock *spinlock.Lock

	// Guarded by Lock.
	state   State
	parent  *Proc
	chanAddr any
	killed  bool
	xstate  int
	pid     int

	// Private to the process; read without Lock once RUNNING on one hart.
	sz          uint64
	pt          vmem.PageTable
	kpt         vmem.PageTable
	trapfr      pmm.Addr
	hasTrapfr   bool
	files  []*file.File
	cwd    *fat32.Dirent
	name   string

	table *Table
	body  Body

	// runCh/doneCh implement the coroutine handoff: the scheduler sends
	// on runCh to resume the process's goroutine and blocks on doneCh
	// until the process parks again (by sleeping, yielding, or exiting).
	runCh  chan struct{}
	doneCh chan struct{}

	started bool

	// pinnedHart is the hart whose Scheduler loop first dispatched this
	// process; see Table.Scheduler's doc for why resumption is pinned
	// rather than free to migrate.
	pinnedHart *hart.Hart
}

func (p *Proc) String() string {
	return fmt.Sprintf("proc(pid=%d state=%s name=%q)", p.pid, p.state, p.name)
}

// PID returns the process's id.
func (p *Proc) PID() int { return p.pid }

// Killed reports whether Kill has been called on this process.
func (p *Proc) Killed() bool { return p.killed }

// TrapframeAddr returns the physical page backing p's trapframe, the page
// mapped at vmem.Trapframe in every upt. The trap package reads and writes
// it through the allocator the same way the user page table's TRAPFRAME
// mapping and the trampoline assembly do on real hardware.
func (p *Proc) TrapframeAddr() pmm.Addr { return p.trapfr }

// Dump writes one procdump line for p: pid, state, and name. Lock is not
// acquired here, matching procdump's own unlocked scan — the console's ^P
// handler accepts a racy snapshot over blocking every other hart.
func (p *Proc) Dump(w io.Writer) {
	fmt.Fprintf(w, "%d %s %s\n", p.pid, p.state, p.name)
}

// ErrNoFreeProc and ErrNoChildren are the resource-exhaustion and
// argument errors fork/wait surface to their caller.
var (
	ErrNoFreeProc   = errors.New("proc: no free process slot")
	ErrNoChildren   = errors.New("proc: no children")
	ErrNoSuchProc   = errors.New("proc: no such process")
	ErrInitExit     = errors.New("proc: init exiting")
)

// Table implements sleeplock.Scheduler, so every sleep lock in the tree
// blocks and wakes real processes instead of a test double.
var _ sleeplock.Scheduler = (*Table)(nil)

// Table is the process table: NPROC slots plus the PID allocator and the
// subsystem handles every process needs (the MMU for address-space
// lifecycle, the open-file table, and the FAT32 volume for cwd).
type Table struct {
	log *log.Logger
	cfg config.Config

	mmu   *vmem.MMU
	alloc *pmm.Allocator
	files *file.Table
	vol   *fat32.Volume
	devs  *devsw.Table

	procs []Proc

	pidLock *spinlock.Lock
	nextPID int

	trampolinePA pmm.Addr

	initProc    *Proc
	forkretOnce bool
	forkretLock *spinlock.Lock
}

// New builds an NPROC-slot table. It allocates one shared trampoline page
// (mapped R|X into every process's user page table, exactly as xv6's
// single trampoline.S text page is mapped into every upt).
func New(h *hart.Hart, cfg config.Config, mmu *vmem.MMU, alloc *pmm.Allocator, files *file.Table, vol *fat32.Volume, devs *devsw.Table) (*Table, error) {
	tramp, err := alloc.Alloc(h)
	if err != nil {
		return nil, fmt.Errorf("proc: new: trampoline: %w", err)
	}

	t := &Table{
		log:          log.DefaultLogger(),
		cfg:          cfg,
		mmu:          mmu,
		alloc:        alloc,
		files:        files,
		vol:          vol,
		devs:         devs,
		procs:        make([]Proc, cfg.NPROC),
		pidLock:      spinlock.New("pid_lock"),
		nextPID:      1,
		trampolinePA: tramp,
		forkretLock:  spinlock.New("forkret"),
	}

	for i := range t.procs {
		t.procs[i].Lock = spinlock.New("proc")
		t.procs[i].table = t
	}

	return t, nil
}

// Dump writes a procdump-style listing of every non-UNUSED slot, called by
// the console's ^P handler.
func (t *Table) Dump(w io.Writer) {
	for i := range t.procs {
		p := &t.procs[i]
		if p.state == Unused {
			continue
		}

		p.Dump(w)
	}
}

// allocPID hands out the next monotone PID, matching allocpid.
func (t *Table) allocPID(h *hart.Hart) int {
	t.pidLock.Acquire(h)
	pid := t.nextPID
	t.nextPID++
	t.pidLock.Release(h)

	return pid
}
