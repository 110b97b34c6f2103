// Package pmm is the physical page allocator.
//
// Grounded on xv6's kalloc.c: a single free list guarded by
// one spin lock, pages poisoned on free and on alloc to catch
// use-after-free. The free list itself is backed by a real,
// page-aligned anonymous mmap (golang.org/x/sys/unix)
// instead of a Go slice: kalloc/kfree hand out and reclaim byte
// windows into that single mapping, so the "every page is 4 KiB aligned
// and lies in [kernel_end, phys_top)" invariant is checked against
// real page-granular addresses rather than arithmetic on a slice index,
// and a corrupting write outside the simulated physical range is still
// contained by the mapping's real page boundaries.
package pmm

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/smoynes/xv6go/internal/hart"
	"github.com/smoynes/xv6go/internal/log"
	"github.com/smoynes/xv6go/internal/spinlock"
)

// ErrNoFreePages is returned by Alloc when the free list is empty. This is
// a class-2 resource-exhaustion error: callers must roll back partial
// state, not halt.
var ErrNoFreePages = errors.New("pmm: no free pages")

const (
	freePoison  byte = 0x01 // written into a page just before it is freed
	allocPoison byte = 0x05 // written into a page just after it is allocated
)

// Addr is a physical address: a byte offset from the start of the
// allocator's arena. It stands in for the real physical addresses a
// bare-metal kernel would hand out.
type Addr uint64

// Allocator is the kernel's single physical-page free list.
type Allocator struct {
	lock *spinlock.Lock
	log  *log.Logger

	arena    []byte // the whole simulated physical-memory range, mmap-backed
	pageSize uint64
	top      Addr // phys_top: one past the last page in arena

	free []Addr // addresses currently on the free list
	used int    // number of pages currently allocated, for diagnostics
}

// New creates an allocator owning npages pages of pageSize bytes each,
// backed by one anonymous mmap. All pages start on the free list, as if
// freerange(kernel_end, phys_top) had just run.
func New(pageSize uint64, npages int) (*Allocator, error) {
	size := int(pageSize) * npages

	arena, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("pmm: mmap arena: %w", err)
	}

	a := &Allocator{
		lock:     spinlock.New("kmem"),
		log:      log.DefaultLogger(),
		arena:    arena,
		pageSize: pageSize,
		top:      Addr(size),
		free:     make([]Addr, 0, npages),
	}

	for pa := Addr(0); pa < a.top; pa += Addr(pageSize) {
		a.poison(pa, freePoison)
		a.free = append(a.free, pa)
	}

	return a, nil
}

// Close releases the backing mapping. It is not part of xv6's
// kalloc contract (physical memory is never "closed" on real hardware)
// but Go processes must release mmap'd memory explicitly.
func (a *Allocator) Close() error {
	return unix.Munmap(a.arena)
}

func (a *Allocator) aligned(pa Addr) bool { return uint64(pa)%a.pageSize == 0 }

func (a *Allocator) inRange(pa Addr) bool { return pa >= 0 && pa < a.top }

func (a *Allocator) poison(pa Addr, b byte) {
	page := a.arena[pa : pa+Addr(a.pageSize)]
	for i := range page {
		page[i] = b
	}
}

// Alloc pops a page from the free list and poisons it, returning its
// physical address. It returns ErrNoFreePages if the list is empty —
// callers (uvmalloc, allocproc, proc_kpagetable, ...) must roll back
// whatever partial state they had built.
func (a *Allocator) Alloc(h *hart.Hart) (Addr, error) {
	a.lock.Acquire(h)
	defer a.lock.Release(h)

	if len(a.free) == 0 {
		return 0, ErrNoFreePages
	}

	n := len(a.free) - 1
	pa := a.free[n]
	a.free = a.free[:n]
	a.used++

	a.poison(pa, allocPoison)

	a.log.Debug("pmm: alloc", "pa", pa, "free", len(a.free))

	return pa, nil
}

// Free validates pa's alignment and range, poisons it, and returns it to
// the free list. It panics on an invariant-breaking call:
// freeing an address outside the arena or not page-aligned indicates a
// kernel bug, not a recoverable condition.
func (a *Allocator) Free(h *hart.Hart, pa Addr) {
	if !a.aligned(pa) || !a.inRange(pa) {
		panic(fmt.Sprintf("pmm: kfree: bad address %#x", pa))
	}

	a.poison(pa, freePoison)

	a.lock.Acquire(h)
	defer a.lock.Release(h)

	a.free = append(a.free, pa)
	a.used--

	a.log.Debug("pmm: free", "pa", pa, "free", len(a.free))
}

// Page returns a byte slice view of the page at pa, for callers (vmem,
// uvminit, copyout2, ...) that need to read or write its contents
// directly. The slice aliases the allocator's arena; callers must not
// retain it past the page's lifetime.
func (a *Allocator) Page(pa Addr) []byte {
	if !a.inRange(pa) {
		panic(fmt.Sprintf("pmm: page: address out of range %#x", pa))
	}

	return a.arena[pa : pa+Addr(a.pageSize)]
}

// PageSize returns the allocator's fixed page size.
func (a *Allocator) PageSize() uint64 { return a.pageSize }

// Top returns phys_top, one past the last valid physical address.
func (a *Allocator) Top() Addr { return a.top }

// FreeMemAmount returns the number of bytes currently free, i.e.
// npage*page_size.
func (a *Allocator) FreeMemAmount(h *hart.Hart) uint64 {
	a.lock.Acquire(h)
	defer a.lock.Release(h)

	return uint64(len(a.free)) * a.pageSize
}
