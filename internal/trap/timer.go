package trap

import (
	"github.com/smoynes/xv6go/internal/hart"
	"github.com/smoynes/xv6go/internal/spinlock"
)

// Timer is the monotonic ticks counter: a single spinlock-guarded
// counter, incremented and broadcast on every period, standing in for the
// CLINT machine-timer interrupt clockintr rearms on every tick.
//
// Grounded on the smoynes-elsie project's lock usage throughout internal/vm/cpu
// (every piece of shared state behind its own small lock) and on the
// repo's own spinlock package, which every other spinlock-guarded counter
// here (pid_lock, the buffer cache's list lock) already uses.
type Timer struct {
	lock     *spinlock.Lock
	ticks    uint64
	interval uint64
	armed    uint64
	due      bool

	wake func(chanAddr any)
}

// NewTimer builds a timer that fires every interval simulated cycles. wake
// is called with the timer itself as the channel address, matching
// wakeup(&ticks); callers pass proc.Table.Wakeup.
func NewTimer(interval uint64, wake func(chanAddr any)) *Timer {
	return &Timer{
		lock:     spinlock.New("tickslock"),
		interval: interval,
		armed:    interval,
		wake:     wake,
	}
}

// Pending reports whether the armed timeout is due. Advance is what sets
// it; Pending and Fire are split so DevIntr can check "is it the timer?"
// before committing to servicing it, matching devintr's own two-step
// dispatch.
func (tm *Timer) Pending(h *hart.Hart) bool {
	tm.lock.Acquire(h)
	defer tm.lock.Release(h)

	return tm.due
}

// Advance moves the simulated clock forward by delta cycles, arming
// Pending once the interval has elapsed. It is the stand-in for hardware
// actually raising the timer interrupt line.
func (tm *Timer) Advance(h *hart.Hart, delta uint64) {
	tm.lock.Acquire(h)

	tm.armed -= min(tm.armed, delta)
	if tm.armed == 0 {
		tm.due = true
	}

	tm.lock.Release(h)
}

// Fire increments ticks, wakes every sleeper on this timer's address, and
// arms the next timeout, matching clockintr's "increment ticks, wakeup,
// arm next timeout" triplet exactly.
func (tm *Timer) Fire(h *hart.Hart) {
	tm.lock.Acquire(h)
	tm.ticks++
	tm.due = false
	tm.armed = tm.interval
	tm.lock.Release(h)

	tm.wake(tm)
}

// Ticks returns the current tick count.
func (tm *Timer) Ticks(h *hart.Hart) uint64 {
	tm.lock.Acquire(h)
	defer tm.lock.Release(h)

	return tm.ticks
}
