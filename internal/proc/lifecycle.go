package proc

import (
	"fmt"

	"github.com/smoynes/xv6go/internal/file"
	"github.com/smoynes/xv6go/internal/hart"
	"github.com/smoynes/xv6go/internal/vmem"
)

// AllocProc finds an UNUSED slot, assigns it a PID, and builds its address
// spaces, matching allocproc: a trapframe page, a user page table mapping
// the shared trampoline (R|X) and a private trapframe (R|W), and a
// per-process kernel page table. It returns the slot still locked by h
// and in state Sleeping (a placeholder "being built" state standing in
// for the State enum's lack of a separate USED state: allocproc's own
// callers only ever observe its result already past this point, holding
// the lock, so no third state needs to be externally visible). The
// caller must fill in the rest of the process and either set it Runnable
// or undo the allocation via FreeProc.
func (t *Table) AllocProc(h *hart.Hart) (*Proc, error) {
	var p *Proc

	for i := range t.procs {
		cand := &t.procs[i]
		cand.Lock.Acquire(h)

		if cand.state == Unused {
			p = cand
			break
		}

		cand.Lock.Release(h)
	}

	if p == nil {
		return nil, ErrNoFreeProc
	}

	p.pid = t.allocPID(h)
	p.killed = false
	p.xstate = 0
	p.parent = nil
	p.chanAddr = nil

	trapfr, err := t.alloc.Alloc(h)
	if err != nil {
		p.pid = 0
		p.Lock.Release(h)

		return nil, fmt.Errorf("proc: allocproc: trapframe: %w", err)
	}

	p.trapfr = trapfr
	p.hasTrapfr = true

	upt, err := t.mmu.UVMCreate(h)
	if err != nil {
		t.alloc.Free(h, p.trapfr)
		p.hasTrapfr = false
		p.pid = 0
		p.Lock.Release(h)

		return nil, fmt.Errorf("proc: allocproc: upt: %w", err)
	}

	if err := t.mmu.MapPages(h, upt, vmem.Trampoline, t.cfg.PageSize, t.trampolinePA, vmem.PermR|vmem.PermX); err != nil {
		t.mmu.UVMFree(h, upt, 0)
		t.alloc.Free(h, p.trapfr)
		p.hasTrapfr = false
		p.pid = 0
		p.Lock.Release(h)

		return nil, fmt.Errorf("proc: allocproc: map trampoline: %w", err)
	}

	if err := t.mmu.MapPages(h, upt, vmem.Trapframe, t.cfg.PageSize, p.trapfr, vmem.PermR|vmem.PermW); err != nil {
		t.mmu.Unmap(h, upt, vmem.Trampoline, 1, false)
		t.mmu.UVMFree(h, upt, 0)
		t.alloc.Free(h, p.trapfr)
		p.hasTrapfr = false
		p.pid = 0
		p.Lock.Release(h)

		return nil, fmt.Errorf("proc: allocproc: map trapframe: %w", err)
	}

	kpt, _, err := t.mmu.ProcKPageTable(h)
	if err != nil {
		t.mmu.Unmap(h, upt, vmem.Trapframe, 1, true)
		t.mmu.Unmap(h, upt, vmem.Trampoline, 1, false)
		t.mmu.UVMFree(h, upt, 0)
		p.hasTrapfr = false
		p.pid = 0
		p.Lock.Release(h)

		return nil, fmt.Errorf("proc: allocproc: kpt: %w", err)
	}

	p.pt = upt
	p.kpt = kpt
	p.sz = 0
	p.name = ""
	p.files = make([]*file.File, t.cfg.NOFILE)
	p.cwd = nil
	p.body = nil
	p.started = false
	p.runCh = make(chan struct{})
	p.doneCh = make(chan struct{})
	p.pinnedHart = nil
	p.state = Sleeping // "being constructed"; never observed externally as RUNNABLE yet

	return p, nil
}

// FreeProc tears down p's address spaces and clears the slot back to
// UNUSED, matching freeproc: the trapframe page and its mapping are
// dropped, the per-process kernel page table is freed (without touching
// the physical pages it maps, since those are shared or owned by the
// user page table), and the user page table is freed along with every
// user page it still maps. The caller must hold p.Lock and p must not be
// RUNNABLE or RUNNING.
func (t *Table) FreeProc(h *hart.Hart, p *Proc) {
	if p.hasTrapfr {
		t.mmu.Unmap(h, p.pt, vmem.Trapframe, 1, true)
		t.alloc.Free(h, p.trapfr)
		p.hasTrapfr = false
	}

	t.mmu.Unmap(h, p.pt, vmem.Trampoline, 1, false)
	t.mmu.KVMFree(h, p.kpt, true)
	t.mmu.UVMFree(h, p.pt, p.sz)

	p.pt = 0
	p.kpt = 0
	p.sz = 0
	p.pid = 0
	p.parent = nil
	p.name = ""
	p.chanAddr = nil
	p.killed = false
	p.xstate = 0
	p.files = nil
	p.cwd = nil
	p.body = nil
	p.started = false
	p.pinnedHart = nil
	p.state = Unused
}

// initcode is the built-in first program: this kernel has no
// instruction-level executor, so there is no machine code to load here,
// only a placeholder page matching uvminit's "load a program image into
// page 0" contract.
var initcode = []byte{0}

// UserInit allocates and fills in the system's first process, matching
// userinit: called exactly once, by hart 0, before any Scheduler loop
// runs. Its body is supplied by the caller (the kernel boot sequence)
// standing in for initcode.S's exec of /init.
func (t *Table) UserInit(h *hart.Hart, name string, body Body) (*Proc, error) {
	p, err := t.AllocProc(h)
	if err != nil {
		return nil, fmt.Errorf("proc: userinit: %w", err)
	}

	if err := t.mmu.UVMInit(h, p.pt, p.kpt, initcode); err != nil {
		t.FreeProc(h, p)
		p.Lock.Release(h)

		return nil, fmt.Errorf("proc: userinit: uvminit: %w", err)
	}

	p.sz = t.cfg.PageSize
	p.name = name
	p.body = body
	p.state = Runnable

	t.initProc = p

	p.Lock.Release(h)

	return p, nil
}

// GrowProc grows or shrinks the current process's user memory by n bytes
// (n may be negative), matching growproc.
func (t *Table) GrowProc(h *hart.Hart, n int64) error {
	p := t.Current(h)
	sz := p.sz

	switch {
	case n > 0:
		newSz, err := t.mmu.UVMAlloc(h, p.pt, p.kpt, sz, uint64(int64(sz)+n))
		if err != nil {
			return err
		}

		p.sz = newSz
	case n < 0:
		p.sz = t.mmu.UVMDealloc(h, p.pt, p.kpt, sz, uint64(int64(sz)+n))
	}

	return nil
}

// Fork creates a new process as a copy of the current one, matching
// fork: allocate a slot, copy the parent's user memory and trapframe,
// zero the child's return value, duplicate every open file descriptor
// and the working directory, and mark it RUNNABLE. It returns the
// child's pid.
func (t *Table) Fork(h *hart.Hart, body Body) (int, error) {
	parent := t.Current(h)

	child, err := t.AllocProc(h)
	if err != nil {
		return -1, err
	}

	if err := t.mmu.UVMCopy(h, parent.pt, child.pt, child.kpt, parent.sz); err != nil {
		t.FreeProc(h, child)
		child.Lock.Release(h)

		return -1, fmt.Errorf("proc: fork: uvmcopy: %w", err)
	}

	child.sz = parent.sz
	child.parent = parent
	child.name = parent.name
	child.body = body

	// The child starts from the parent's saved user registers, except
	// that a0 (fork's return value, bytes 112-119 of the trap frame) is 0.
	tf := t.alloc.Page(child.trapfr)
	copy(tf, t.alloc.Page(parent.trapfr))

	for i := 112; i < 120; i++ {
		tf[i] = 0
	}

	for i, f := range parent.files {
		if f != nil {
			child.files[i] = t.files.Dup(h, f)
		}
	}

	child.cwd = t.vol.Edup(h, parent.cwd)

	pid := child.pid
	child.state = Runnable

	child.Lock.Release(h)

	return pid, nil
}

// Exit terminates the calling process with the given status, matching
// exit: it is a programming error to call this for the init process, so
// that case panics rather than returning an error. Exit returns to its
// Go caller once the process is a ZOMBIE; the process is never scheduled
// again.
func (t *Table) Exit(h *hart.Hart, status int) {
	t.exitLocked(h, t.Current(h), status)
}

// exitLocked does the work of Exit for p, also used by runProc to turn a
// body that returns without calling Exit itself into a status-0 exit.
func (t *Table) exitLocked(h *hart.Hart, p *Proc, status int) {
	if p == t.initProc {
		panic("proc: init exiting")
	}

	for i, f := range p.files {
		if f != nil {
			t.files.Close(h, f)
			p.files[i] = nil
		}
	}

	if p.cwd != nil {
		t.vol.Eput(h, p.cwd)
		p.cwd = nil
	}

	// Reparent every child to init and wake it so it can reap orphans,
	// matching exit's reparenting loop. p is never itself init (checked
	// above), so this cannot race with init's own exit.
	for i := range t.procs {
		c := &t.procs[i]
		if c == p {
			continue
		}

		c.Lock.Acquire(h)
		if c.parent == p {
			c.parent = t.initProc
		}
		c.Lock.Release(h)
	}

	t.Wakeup(t.initProc)

	p.Lock.Acquire(h)
	parent := p.parent
	p.xstate = status
	p.state = Zombie
	p.Lock.Release(h)

	if parent != nil {
		t.Wakeup(parent)
	}

	// Final handoff: unlike Yield/Sleep, a ZOMBIE process is never
	// dispatched again, so there is nothing to wait on the resumed side
	// of — the goroutine this runs on (runProc) simply returns right
	// after, instead of going through the generic park-and-wait sched.
	p.Lock.Acquire(h)
	p.doneCh <- struct{}{}
}

// Wait blocks until one of the current process's children exits, reaps
// it, and returns its pid and exit status, matching wait: it retries by
// sleeping on its own address as a channel (wakeup(p) in exit targets
// exactly this) until a ZOMBIE child appears, no children remain, or the
// caller itself has been killed.
func (t *Table) Wait(h *hart.Hart) (int, int, error) {
	p := t.Current(h)

	p.Lock.Acquire(h)

	for {
		havekids := false

		for i := range t.procs {
			c := &t.procs[i]
			if c == p {
				continue
			}

			c.Lock.Acquire(h)

			if c.parent != p {
				c.Lock.Release(h)
				continue
			}

			havekids = true

			if c.state == Zombie {
				pid := c.pid
				xstate := c.xstate

				t.FreeProc(h, c)
				c.Lock.Release(h)
				p.Lock.Release(h)

				return pid, xstate, nil
			}

			c.Lock.Release(h)
		}

		if !havekids || p.killed {
			p.Lock.Release(h)

			return -1, 0, ErrNoChildren
		}

		p.chanAddr = p
		p.state = Sleeping
		t.sched(h, p)
		p.chanAddr = nil
	}
}
