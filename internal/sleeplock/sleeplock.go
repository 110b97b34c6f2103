// Package sleeplock implements blocking mutual exclusion.
//
// A sleep lock pairs a spin lock guarding a "locked" flag with the
// scheduler's sleep/wakeup primitive. It is built on package
// spinlock and a Scheduler interface rather than importing package proc
// directly, because proc is a peer consumer of sleeplock (the process
// table's own per-slot state never sleeps on a sleeplock, but the buffer
// cache, entry cache, and file layers built on top of both do) and a
// direct import would cycle.
package sleeplock

import (
	"fmt"

	"github.com/smoynes/xv6go/internal/hart"
	"github.com/smoynes/xv6go/internal/spinlock"
)

// Scheduler is the subset of the process table's scheduler that a sleep
// lock needs: the ability to block the calling process on a channel while
// releasing a held spin lock, and to wake everyone blocked on a channel.
type Scheduler interface {
	// Sleep blocks the process running on h on chanAddr, atomically
	// releasing held and re-acquiring it before returning.
	Sleep(h *hart.Hart, chanAddr any, held *spinlock.Lock)

	// Wakeup makes every process sleeping on chanAddr RUNNABLE again.
	Wakeup(chanAddr any)

	// CurrentPID returns the pid of the process running on h, used to
	// record and check sleep-lock ownership.
	CurrentPID(h *hart.Hart) int
}

// Lock is a sleep lock: a mutex whose contended path parks the caller in
// the scheduler instead of spinning.
type Lock struct {
	name  string
	lk    *spinlock.Lock
	sched Scheduler

	locked bool
	owner  int // pid, or 0 if unlocked
}

// New creates a named, initially-unlocked sleep lock that blocks through
// sched.
func New(sched Scheduler, name string) *Lock {
	return &Lock{
		name:  name,
		lk:    spinlock.New(name + ".lk"),
		sched: sched,
	}
}

func (s *Lock) String() string { return fmt.Sprintf("sleeplock(%s)", s.name) }

// Acquire blocks until the lock is free, then takes it. The channel
// identity used for sleep/wakeup is the Lock itself, exactly as xv6
// sleeps on the address of the sleeplock struct.
//
// A sleep lock must never be acquired while the caller holds any spin
// lock; the caller may be put to sleep, and sleeping with a spin lock held
// would violate the lock hierarchy.
func (s *Lock) Acquire(h *hart.Hart) {
	s.lk.Acquire(h)

	for s.locked {
		s.sched.Sleep(h, s, s.lk)
	}

	s.locked = true
	s.owner = s.sched.CurrentPID(h)

	s.lk.Release(h)
}

// Release gives up the lock and wakes any waiters.
func (s *Lock) Release(h *hart.Hart) {
	s.lk.Acquire(h)

	s.locked = false
	s.owner = 0

	s.sched.Wakeup(s)

	s.lk.Release(h)
}

// Holding reports whether h's current process holds this lock.
func (s *Lock) Holding(h *hart.Hart) bool {
	return s.locked && s.owner == s.sched.CurrentPID(h)
}

// Name returns the lock's diagnostic name.
func (s *Lock) Name() string { return s.name }
