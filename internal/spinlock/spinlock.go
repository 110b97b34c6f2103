// Package spinlock implements mutual-exclusion spin locks and the
// per-hart interrupt-disable nesting counter they are built on, per
// safe, exclusive access to shared state.
//
// Grounded on the smoynes-elsie project's style of small, self-contained concurrency
// primitives (its internal/vm Memory/MMIO guarding their own invariants) and
// on xv6's spinlock.c/intr.c: push_off/pop_off nest, and
// acquire/release sandwich a hardware test-and-set with a full memory
// barrier. The test-and-set itself is implemented with sync/atomic since
// Go exposes no inline assembly; the nesting and ownership rules are
// copied exactly.
package spinlock

import (
	"fmt"
	"sync/atomic"

	"github.com/smoynes/xv6go/internal/hart"
	"github.com/smoynes/xv6go/internal/log"
)

// Lock is an interrupt-disabling spin lock.
type Lock struct {
	name   string
	locked atomic.Bool
	owner  atomic.Pointer[hart.Hart]

	log *log.Logger
}

// New creates a named, initially-unlocked spin lock.
func New(name string) *Lock {
	return &Lock{name: name, log: log.DefaultLogger()}
}

func (l *Lock) String() string { return fmt.Sprintf("spinlock(%s)", l.name) }

// PushOff disables interrupts on h, nesting. The first (outermost) call
// remembers whether interrupts were enabled so PopOff can restore it.
func PushOff(h *hart.Hart) {
	enabled := h.Intr()
	h.SetIntr(false)

	if h.Noff == 0 {
		h.IntEna = enabled
	}

	h.Noff++
}

// PopOff reverses one PushOff. It panics if interrupts are currently
// enabled (they must not be, inside a push_off section) or if there was no
// matching PushOff.
func PopOff(h *hart.Hart) {
	if h.Intr() {
		panic("spinlock: pop_off: interrupts enabled")
	}

	if h.Noff < 1 {
		panic("spinlock: pop_off: not held")
	}

	h.Noff--

	if h.Noff == 0 && h.IntEna {
		h.SetIntr(true)
	}
}

// Acquire takes the lock on behalf of h, spinning until it succeeds. It
// panics if h already holds the lock: spin locks do not nest on the same
// hart.
func (l *Lock) Acquire(h *hart.Hart) {
	PushOff(h)

	if l.Holding(h) {
		panic(fmt.Sprintf("spinlock: acquire: %s already held by hart %d", l.name, h.ID))
	}

	for !l.locked.CompareAndSwap(false, true) {
		// Busy-wait, exactly as the hardware test-and-set loop does.
		// There is no fairness guarantee: callers must not depend on
		// acquisition order.
	}

	l.owner.Store(h)

	l.log.Debug("spinlock: acquired", "lock", l.name, "hart", h.ID)
}

// Release gives up the lock. It panics if h does not hold it.
func (l *Lock) Release(h *hart.Hart) {
	if !l.Holding(h) {
		panic(fmt.Sprintf("spinlock: release: %s not held by hart %d", l.name, h.ID))
	}

	l.owner.Store(nil)
	l.locked.Store(false)

	l.log.Debug("spinlock: released", "lock", l.name, "hart", h.ID)

	PopOff(h)
}

// Holding reports whether h currently owns the lock.
func (l *Lock) Holding(h *hart.Hart) bool {
	return l.locked.Load() && l.owner.Load() == h
}

// Name returns the lock's diagnostic name.
func (l *Lock) Name() string { return l.name }
