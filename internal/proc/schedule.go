package proc

import (
	"runtime"

	"github.com/smoynes/xv6go/internal/hart"
	"github.com/smoynes/xv6go/internal/spinlock"
)

// sched is the common handoff every blocking point (Yield, Sleep, the
// final step of Exit) uses to give the hart back to its scheduler loop
// and park until rescheduled. The caller must already hold p.Lock and
// have set p.state to something other than Running, matching sched's
// "noff==1, interrupts disabled" precondition — here expressed as
// "p.Lock is held by h" rather than as a bare interrupt-nesting check,
// since PushOff/PopOff already enforce the nesting invariant underneath
// every Acquire/Release.
func (t *Table) sched(h *hart.Hart, p *Proc) {
	if !p.Lock.Holding(h) {
		panic("proc: sched: proc's lock not held")
	}

	if p.state == Running {
		panic("proc: sched: still running")
	}

	// Hand control back to the hart's scheduler loop (the process's side
	// of the swtch-out) and block until some future scheduler pass
	// swtch-es back in.
	p.doneCh <- struct{}{}
	<-p.runCh
}

// runProc is the goroutine that gives a process body a place to run. It
// is spawned exactly once, the first time the process is dispatched
// RUNNABLE, and lives for the process's entire lifetime. Matching
// forkret's "still holding p->lock from scheduler" comment, its first
// act on every process's very first dispatch is to release the lock the
// scheduler acquired before the initial handoff.
func (t *Table) runProc(h *hart.Hart, p *Proc) {
	<-p.runCh

	t.forkret(h, p)

	p.Lock.Release(h)

	if p.body != nil {
		p.body(t, h, p)
	}

	// A body that returns without calling Exit itself is treated as
	// exiting with status 0, so the slot never leaks as a runnable
	// process with no work left to do. A body that already called Exit
	// (Exit returns to its Go caller even though the process it exited
	// never runs again) must not be exited a second time.
	if p.state != Zombie {
		t.exitLocked(h, p, 0)
	}
}

// forkret runs once per process at its first scheduling, and — on the
// very first process system-wide — sets that process's working directory
// to the volume's root. It does not mount the filesystem: kernel.New has
// already built the volume before any process runs.
func (t *Table) forkret(h *hart.Hart, p *Proc) {
	t.forkretLock.Acquire(h)

	first := !t.forkretOnce
	t.forkretOnce = true

	t.forkretLock.Release(h)

	if first {
		p.cwd = t.vol.Edup(h, t.vol.Root())
	}
}

// Yield gives up the hart voluntarily, matching yield: acquire own lock;
// state=RUNNABLE; sched; release own lock.
func (t *Table) Yield(h *hart.Hart) {
	p := t.Current(h)

	p.Lock.Acquire(h)
	p.state = Runnable
	t.sched(h, p)
	p.Lock.Release(h)
}

// Sleep implements sleeplock.Scheduler's blocking primitive: the caller
// holds held (typically a sleep lock's internal spinlock); sleep(chan,
// lk) acquires the current process's own lock first (so the state
// transition and the release of lk are atomic with respect to a waker
// that also takes the process's lock), sets chan and state=SLEEPING,
// parks, and on return restores lk.
func (t *Table) Sleep(h *hart.Hart, chanAddr any, held *spinlock.Lock) {
	p := t.Current(h)

	if held != p.Lock {
		p.Lock.Acquire(h)
		held.Release(h)
	}

	p.chanAddr = chanAddr
	p.state = Sleeping

	t.sched(h, p)

	p.chanAddr = nil

	if held != p.Lock {
		p.Lock.Release(h)
		held.Acquire(h)
	}
}

// Wakeup scans every process slot and makes any Sleeping process waiting
// on chanAddr Runnable, matching wakeup. Spurious wakeups are permitted
// by contract: every Sleep caller re-tests its predicate.
func (t *Table) Wakeup(chanAddr any) {
	// sleeplock.Scheduler's Wakeup takes no hart — callers range from
	// ordinary process bodies to interrupt-handler-style code with no
	// natural "current hart" of their own. A throwaway Hart gives
	// PushOff/PopOff and the lock's owner bookkeeping something to key
	// off for the duration of this call, without sharing mutable nesting
	// state with any real hart's scheduler loop.
	h := hart.New(-1)

	for i := range t.procs {
		p := &t.procs[i]

		p.Lock.Acquire(h)

		if p.state == Sleeping && p.chanAddr == chanAddr {
			p.state = Runnable
		}

		p.Lock.Release(h)
	}
}

// CurrentPID returns the pid of the process running on h, or 0 if none.
func (t *Table) CurrentPID(h *hart.Hart) int {
	if p, ok := h.Proc().(*Proc); ok && p != nil {
		return p.pid
	}

	return 0
}

// Current returns the process running on h. It panics if none is: every
// caller of Yield/Sleep/Exit/GrowProc/Fork is, by construction, a process
// body running on the hart it was given.
func (t *Table) Current(h *hart.Hart) *Proc {
	p, ok := h.Proc().(*Proc)
	if !ok || p == nil {
		panic("proc: no current process on this hart")
	}

	return p
}

// Kill marks pid killed and, if it is Sleeping, makes it Runnable so it
// observes the flag, matching kill.
func (t *Table) Kill(h *hart.Hart, pid int) error {
	for i := range t.procs {
		p := &t.procs[i]

		p.Lock.Acquire(h)

		if p.pid == pid {
			p.killed = true

			if p.state == Sleeping {
				p.state = Runnable
			}

			p.Lock.Release(h)

			return nil
		}

		p.Lock.Release(h)
	}

	return ErrNoSuchProc
}

// Scheduler is the per-hart loop: with interrupts conceptually on, scan
// every slot; dispatch the first Runnable one found pinned to this hart
// (or not yet pinned to any), hand it the hart via runCh, and wait for it
// to park. If a full pass finds nothing to run, idle briefly rather than
// spin the host CPU, standing in for the wait-for-interrupt instruction.
//
// Process-to-hart pinning: xv6's scheduler lets any hart's scan pick up any
// RUNNABLE process, because swtch saves and restores registers onto
// whatever stack the scheduler provides, which works identically on any
// hart. This port instead models the process as a goroutine parked on a
// channel — resuming it just unblocks that goroutine, it does not
// "restore" it onto the calling goroutine's stack — so a process can
// only ever be resumed by the same *hart.Hart whose Scheduler goroutine
// first dispatched it. This is a deliberate simplification (recorded in
// DESIGN.md): soft hart-affinity instead of free migration.
func (t *Table) Scheduler(h *hart.Hart) {
	for {
		ran := false

		for i := range t.procs {
			p := &t.procs[i]

			p.Lock.Acquire(h)

			if p.state != Runnable || (p.pinnedHart != nil && p.pinnedHart != h) {
				p.Lock.Release(h)
				continue
			}

			p.pinnedHart = h
			p.state = Running
			h.SetProc(p)

			if !p.started {
				p.started = true
				go t.runProc(h, p)
			}

			p.runCh <- struct{}{}
			<-p.doneCh

			h.SetProc(nil)
			ran = true

			p.Lock.Release(h)
		}

		if !ran {
			runtime.Gosched()
		}
	}
}

