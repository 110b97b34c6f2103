// Package vmem is the page-table core: three-level radix-tree page
// tables, the kernel page table, per-process kernel page tables with a
// private kernel stack, user address-space growth/copy/free, and safe
// copies between user and kernel address spaces.
//
// Grounded on xv6's vm.c (walk/mappages/vmunmap,
// uvmcreate/uvminit/uvmalloc/uvmdealloc/uvmcopy, copyout/copyin/
// copyinstr and their "2" variants), with this tree's own error-handling
// convention layered on top: sentinel errors wrapped with fmt.Errorf, and
// a small *FaultError type carrying the address that faulted.
package vmem

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/smoynes/xv6go/internal/hart"
	"github.com/smoynes/xv6go/internal/log"
	"github.com/smoynes/xv6go/internal/pmm"
)

// Perm is the set of permission bits a leaf PTE carries, per Sv39's Address
// Space invariants: {R, W, X, U, V}.
type Perm uint64

const (
	PermV Perm = 1 << iota // valid
	PermR
	PermW
	PermX
	PermU
)

func (p Perm) String() string {
	s := ""
	for _, f := range []struct {
		bit Perm
		c   byte
	}{{PermR, 'R'}, {PermW, 'W'}, {PermX, 'X'}, {PermU, 'U'}, {PermV, 'V'}} {
		if p&f.bit != 0 {
			s += string(f.c)
		} else {
			s += "-"
		}
	}

	return s
}

const (
	pteSize   = 8
	entries   = 512 // page_size / pteSize leaves per table
	levelBits = 9

	// MaxVA bounds addresses walk will accept: three 9-bit levels plus a
	// 12-bit page offset, sv39-style.
	MaxVA = uint64(1) << (12 + levelBits*3)
)

// Well-known virtual addresses, mapped identically into every address
// space.
const (
	Trampoline = MaxVA - pageSize // R|X, top of address space
	Trapframe  = Trampoline - pageSize
	VKStack    = Trapframe - pageSize // per-process private kernel stack
)

const pageSize = 4096

// Sentinel errors. classes 2-3 (resource
// exhaustion, argument validation) are returned; class 1 (invariant
// violation) panics instead.
var (
	ErrNoMem       = errors.New("vmem: out of memory")
	ErrNotMapped   = errors.New("vmem: address not mapped")
	ErrAccess      = errors.New("vmem: access denied")
	ErrOutOfBounds = errors.New("vmem: address out of bounds")
)

// FaultError carries the virtual address that a translation or copy
// failed on.
type FaultError struct {
	VA  uint64
	Err error
}

func (e *FaultError) Error() string { return fmt.Sprintf("vmem: va %#x: %s", e.VA, e.Err) }
func (e *FaultError) Unwrap() error { return e.Err }

// PageTable identifies an address space by the physical address of its
// root page: the single kernel_pagetable, a per-process kpt, or a
// per-process upt.
type PageTable pmm.Addr

// MMU bundles the page-table operations with the physical allocator they
// allocate from.
type MMU struct {
	alloc *pmm.Allocator
	log   *log.Logger

	// kernelRoot is the single, shared kernel_pagetable. Every kpt's
	// root page starts as a copy of this page's entries.
	kernelRoot PageTable
}

// New creates an MMU and allocates the empty kernel_pagetable root page.
func New(alloc *pmm.Allocator, h *hart.Hart) (*MMU, error) {
	m := &MMU{alloc: alloc, log: log.DefaultLogger()}

	root, err := m.zeroPage(h)
	if err != nil {
		return nil, fmt.Errorf("vmem: kernel_pagetable: %w", err)
	}

	m.kernelRoot = PageTable(root)

	return m, nil
}

func (m *MMU) zeroPage(h *hart.Hart) (pmm.Addr, error) {
	pa, err := m.alloc.Alloc(h)
	if err != nil {
		return 0, err
	}

	page := m.alloc.Page(pa)
	for i := range page {
		page[i] = 0
	}

	return pa, nil
}

func pteIndex(level int, va uint64) int {
	return int((va >> (12 + levelBits*level)) & (entries - 1))
}

func (m *MMU) readPTE(table pmm.Addr, idx int) uint64 {
	page := m.alloc.Page(table)
	return binary.LittleEndian.Uint64(page[idx*pteSize:])
}

func (m *MMU) writePTE(table pmm.Addr, idx int, pte uint64) {
	page := m.alloc.Page(table)
	binary.LittleEndian.PutUint64(page[idx*pteSize:], pte)
}

func ptePA(pte uint64) pmm.Addr { return pmm.Addr(pte &^ 0xfff) }
func ptePerm(pte uint64) Perm   { return Perm(pte & 0x1f) }
func makePTE(pa pmm.Addr, perm Perm) uint64 {
	return uint64(pa) | uint64(perm)
}

// KernelPageTable returns the shared kernel_pagetable.
func (m *MMU) KernelPageTable() PageTable { return m.kernelRoot }

// KMap installs size/page_size leaves of perm|V mapping va to pa directly
// in kernel_pagetable. It panics on failure (remap, allocation failure):
// kernel address space setup happens once at boot and any failure there is
// a kernel bug, mirroring kvmmap's panic("kvmmap").
func (m *MMU) KMap(h *hart.Hart, va uint64, pa pmm.Addr, size uint64, perm Perm) {
	if err := m.MapPages(h, m.kernelRoot, va, size, pa, perm); err != nil {
		panic(fmt.Sprintf("vmem: kvmmap: %s", err))
	}
}

// walk resolves va through levels 2, 1, 0 of pt, returning the (table
// address, index within that table's page) of the leaf slot. If alloc is
// set, missing intermediate tables are allocated and marked valid; walk
// never creates a leaf entry itself.
func (m *MMU) walk(h *hart.Hart, pt PageTable, va uint64, alloc bool) (pmm.Addr, int, error) {
	if va >= MaxVA {
		return 0, 0, &FaultError{VA: va, Err: ErrOutOfBounds}
	}

	table := pmm.Addr(pt)

	for level := 2; level > 0; level-- {
		idx := pteIndex(level, va)
		pte := m.readPTE(table, idx)

		if Perm(pte)&PermV != 0 {
			table = ptePA(pte)
			continue
		}

		if !alloc {
			return 0, 0, &FaultError{VA: va, Err: ErrNotMapped}
		}

		child, err := m.zeroPage(h)
		if err != nil {
			return 0, 0, &FaultError{VA: va, Err: err}
		}

		m.writePTE(table, idx, makePTE(child, PermV))
		table = child
	}

	return table, pteIndex(0, va), nil
}

// WalkAddr returns the physical address of va's leaf mapping in pt. It
// requires the leaf be valid and user-accessible.
func (m *MMU) WalkAddr(pt PageTable, va uint64) (pmm.Addr, error) {
	table, idx, err := m.walk(nil, pt, va, false)
	if err != nil {
		return 0, err
	}

	pte := m.readPTE(table, idx)

	if Perm(pte)&(PermV|PermU) != PermV|PermU {
		return 0, &FaultError{VA: va, Err: ErrAccess}
	}

	return ptePA(pte), nil
}

// kwalkaddr translates va through a kernel page table (no U bit required),
// used by the "2" family of safe copies that run with the current
// process's kpt.
func (m *MMU) kwalkaddr(pt PageTable, va uint64) (pmm.Addr, error) {
	table, idx, err := m.walk(nil, pt, va, false)
	if err != nil {
		return 0, err
	}

	pte := m.readPTE(table, idx)
	if Perm(pte)&PermV == 0 {
		return 0, &FaultError{VA: va, Err: ErrNotMapped}
	}

	return ptePA(pte), nil
}

// MapPages installs size/page_size leaves of perm|V, mapping consecutive
// virtual addresses starting at va to consecutive physical addresses
// starting at pa. It is an invariant violation (panic) to remap an
// already-valid leaf, matching xv6's panic("remap").
func (m *MMU) MapPages(h *hart.Hart, pt PageTable, va, size uint64, pa pmm.Addr, perm Perm) error {
	a := va &^ (pageSize - 1)
	last := (va + size - 1) &^ (pageSize - 1)

	for {
		table, idx, err := m.walk(h, pt, a, true)
		if err != nil {
			return fmt.Errorf("vmem: mappages: %w", err)
		}

		if Perm(m.readPTE(table, idx))&PermV != 0 {
			panic(fmt.Sprintf("vmem: mappages: remap at va %#x", a))
		}

		m.writePTE(table, idx, makePTE(pa, perm|PermV))

		if a == last {
			break
		}

		a += pageSize
		pa += pageSize
	}

	return nil
}

// Unmap clears n consecutive leaves starting at va. Each cleared leaf's
// page is freed if doFree is set. It panics if a slot is not a valid leaf:
// unmapping a non-leaf or an already-clear entry is a kernel bug, matching
// vmunmap's panic("vmunmap: walk"/"not mapped"/"not a leaf").
func (m *MMU) Unmap(h *hart.Hart, pt PageTable, va uint64, n uint64, doFree bool) {
	if va%pageSize != 0 {
		panic("vmem: vmunmap: not aligned")
	}

	for a := va; a < va+n*pageSize; a += pageSize {
		table, idx, err := m.walk(h, pt, a, false)
		if err != nil {
			panic(fmt.Sprintf("vmem: vmunmap: walk: %s", err))
		}

		pte := m.readPTE(table, idx)
		if Perm(pte)&PermV == 0 {
			panic("vmem: vmunmap: not mapped")
		}

		if Perm(pte)&(PermR|PermW|PermX) == 0 {
			panic("vmem: vmunmap: not a leaf")
		}

		if doFree {
			m.alloc.Free(h, ptePA(pte))
		}

		m.writePTE(table, idx, 0)
	}
}

// UVMCreate allocates an empty root page for a new address space.
func (m *MMU) UVMCreate(h *hart.Hart) (PageTable, error) {
	pa, err := m.zeroPage(h)
	if err != nil {
		return 0, fmt.Errorf("vmem: uvmcreate: %w", ErrNoMem)
	}

	return PageTable(pa), nil
}

// UVMInit allocates one page, copies src into it (src must fit in one
// page), and maps it at VA 0 in both upt (U|R|W|X) and kpt (R|W|X).
func (m *MMU) UVMInit(h *hart.Hart, upt, kpt PageTable, src []byte) error {
	if uint64(len(src)) >= pageSize {
		panic("vmem: uvminit: more than a page")
	}

	pa, err := m.zeroPage(h)
	if err != nil {
		return fmt.Errorf("vmem: uvminit: %w", ErrNoMem)
	}

	copy(m.alloc.Page(pa), src)

	if err := m.MapPages(h, upt, 0, pageSize, pa, PermW|PermR|PermX|PermU); err != nil {
		return err
	}

	return m.MapPages(h, kpt, 0, pageSize, pa, PermW|PermR|PermX)
}

// UVMAlloc extends upt and kpt from old to new, allocating one fresh page
// per new page and mapping it into both. On any failure it undoes partial
// work back to old and returns the error.
func (m *MMU) UVMAlloc(h *hart.Hart, upt, kpt PageTable, old, newSz uint64) (uint64, error) {
	if newSz < old {
		return old, nil
	}

	start := pageRoundUp(old)

	for a := start; a < newSz; a += pageSize {
		pa, err := m.zeroPage(h)
		if err != nil {
			m.UVMDealloc(h, upt, kpt, a, start)
			return old, fmt.Errorf("vmem: uvmalloc: %w", ErrNoMem)
		}

		if err := m.MapPages(h, upt, a, pageSize, pa, PermW|PermX|PermR|PermU); err != nil {
			m.alloc.Free(h, pa)
			m.UVMDealloc(h, upt, kpt, a, start)
			return old, err
		}

		if err := m.MapPages(h, kpt, a, pageSize, pa, PermW|PermX|PermR); err != nil {
			npages := (a-start)/pageSize + 1
			m.Unmap(h, upt, start, npages, true)
			m.Unmap(h, kpt, start, npages-1, false)
			return old, err
		}
	}

	return newSz, nil
}

// UVMDealloc shrinks upt and kpt from old to newSz: unmapped kpt pages are
// not freed (they belong to upt), unmapped upt pages are.
func (m *MMU) UVMDealloc(h *hart.Hart, upt, kpt PageTable, old, newSz uint64) uint64 {
	if newSz >= old {
		return old
	}

	if pageRoundUp(newSz) < pageRoundUp(old) {
		npages := (pageRoundUp(old) - pageRoundUp(newSz)) / pageSize
		m.Unmap(h, kpt, pageRoundUp(newSz), npages, false)
		m.Unmap(h, upt, pageRoundUp(newSz), npages, true)
	}

	return newSz
}

// UVMCopy deep-copies every page of oldUPT below sz into fresh pages
// mapped into newUPT (parent's flags) and newKPT (parent's flags minus
// U). On any failure it rolls back and returns an error.
func (m *MMU) UVMCopy(h *hart.Hart, oldUPT, newUPT, newKPT PageTable, sz uint64) error {
	var i, ki uint64

	rollback := func() {
		m.Unmap(h, newKPT, 0, ki/pageSize, false)
		m.Unmap(h, newUPT, 0, i/pageSize, true)
	}

	for i < sz {
		table, idx, err := m.walk(h, oldUPT, i, false)
		if err != nil {
			panic(fmt.Sprintf("vmem: uvmcopy: pte should exist: %s", err))
		}

		pte := m.readPTE(table, idx)
		if Perm(pte)&PermV == 0 {
			panic("vmem: uvmcopy: page not present")
		}

		flags := ptePerm(pte)

		mem, err := m.alloc.Alloc(h)
		if err != nil {
			rollback()
			return fmt.Errorf("vmem: uvmcopy: %w", ErrNoMem)
		}

		copy(m.alloc.Page(mem), m.alloc.Page(ptePA(pte)))

		if err := m.MapPages(h, newUPT, i, pageSize, mem, flags); err != nil {
			m.alloc.Free(h, mem)
			rollback()
			return err
		}

		i += pageSize

		if err := m.MapPages(h, newKPT, ki, pageSize, mem, flags&^PermU); err != nil {
			rollback()
			return err
		}

		ki += pageSize
	}

	return nil
}

// ProcKPageTable creates a per-process kernel page table that shares
// kernel_pagetable's top-level entries (by copying the root page) and
// additionally maps VKStack to a freshly allocated private kernel stack.
func (m *MMU) ProcKPageTable(h *hart.Hart) (kpt PageTable, kstackPA pmm.Addr, err error) {
	root, err := m.alloc.Alloc(h)
	if err != nil {
		return 0, 0, fmt.Errorf("vmem: proc_kpagetable: %w", ErrNoMem)
	}

	copy(m.alloc.Page(root), m.alloc.Page(pmm.Addr(m.kernelRoot)))

	kpt = PageTable(root)

	stack, err := m.zeroPage(h)
	if err != nil {
		m.alloc.Free(h, root)
		return 0, 0, fmt.Errorf("vmem: proc_kpagetable: stack: %w", ErrNoMem)
	}

	if err := m.MapPages(h, kpt, VKStack, pageSize, stack, PermR|PermW); err != nil {
		m.alloc.Free(h, stack)
		m.alloc.Free(h, root)
		return 0, 0, err
	}

	return kpt, stack, nil
}

// KVMFree tears down a per-process kpt. If stackFree, the VKStack mapping
// is unmapped and its page freed. Sub-tables below the user range are torn
// down (their internal table pages freed) without freeing the leaf
// physical pages they point to, since those belong to the matching upt.
// Finally the root page itself is freed.
func (m *MMU) KVMFree(h *hart.Hart, kpt PageTable, stackFree bool) {
	if stackFree {
		m.Unmap(h, kpt, VKStack, 1, true)
	}

	m.freeWalkBelowUser(h, pmm.Addr(kpt), 2)
	m.alloc.Free(h, pmm.Addr(kpt))
}

// freeWalkBelowUser recursively frees intermediate page-table pages below
// the user address range (i.e. excluding the shared top-level entries
// that alias kernel_pagetable), without freeing any leaf's physical page.
func (m *MMU) freeWalkBelowUser(h *hart.Hart, table pmm.Addr, level int) {
	if level < 0 {
		return
	}

	for idx := 0; idx < entries; idx++ {
		pte := m.readPTE(table, idx)
		if Perm(pte)&PermV == 0 {
			continue
		}

		if Perm(pte)&(PermR|PermW|PermX) != 0 {
			// Leaf: belongs to the matching upt (or is the shared
			// VKStack mapping, already handled). Never freed here.
			continue
		}

		child := ptePA(pte)
		if level > 0 {
			m.freeWalkBelowUser(h, child, level-1)
			m.alloc.Free(h, child)
		}
	}
}

// UVMFree unmaps and frees every page of a user address space below sz,
// then tears down the page-table pages themselves.
func (m *MMU) UVMFree(h *hart.Hart, upt PageTable, sz uint64) {
	if sz > 0 {
		m.Unmap(h, upt, 0, pageRoundUp(sz)/pageSize, true)
	}

	m.freeWalk(h, pmm.Addr(upt), 2)
}

func (m *MMU) freeWalk(h *hart.Hart, table pmm.Addr, level int) {
	for idx := 0; idx < entries; idx++ {
		pte := m.readPTE(table, idx)
		if Perm(pte)&PermV == 0 {
			continue
		}

		if Perm(pte)&(PermR|PermW|PermX) != 0 {
			panic("vmem: freewalk: leaf")
		}

		if level > 0 {
			m.freeWalk(h, ptePA(pte), level-1)
		}
	}

	m.alloc.Free(h, table)
}

func pageRoundUp(sz uint64) uint64 {
	return (sz + pageSize - 1) &^ (pageSize - 1)
}

// --- Safe copies ---

// CopyOut copies src into pt (a possibly-foreign user page table) at
// dstva, walking page by page.
func (m *MMU) CopyOut(pt PageTable, dstva uint64, src []byte) error {
	for len(src) > 0 {
		va0 := dstva &^ (pageSize - 1)

		pa0, err := m.WalkAddr(pt, va0)
		if err != nil {
			return err
		}

		off := dstva - va0
		n := uint64(pageSize) - off
		if n > uint64(len(src)) {
			n = uint64(len(src))
		}

		copy(m.alloc.Page(pa0)[off:], src[:n])

		src = src[n:]
		dstva = va0 + pageSize
	}

	return nil
}

// CopyIn copies len(dst) bytes from pt at srcva into dst.
func (m *MMU) CopyIn(pt PageTable, dst []byte, srcva uint64) error {
	for len(dst) > 0 {
		va0 := srcva &^ (pageSize - 1)

		pa0, err := m.WalkAddr(pt, va0)
		if err != nil {
			return err
		}

		off := srcva - va0
		n := uint64(pageSize) - off
		if n > uint64(len(dst)) {
			n = uint64(len(dst))
		}

		copy(dst[:n], m.alloc.Page(pa0)[off:])

		dst = dst[n:]
		srcva = va0 + pageSize
	}

	return nil
}

// bounds checks dstva/srcva against the owning process's user size sz,
// per the CopyOut2/CopyIn2 contract.
func bounds(addr, length, sz uint64) error {
	if length == 0 {
		return nil
	}

	if addr >= sz || addr+length > sz {
		return &FaultError{VA: addr, Err: ErrOutOfBounds}
	}

	return nil
}

// CopyOut2 copies src into the current process's user space at dstva,
// bounds-checked against sz and translated through kpt (which mirrors
// every user mapping, so a plain walk-and-memcpy suffices; no foreign
// page table is ever involved).
func (m *MMU) CopyOut2(kpt PageTable, dstva uint64, src []byte, sz uint64) error {
	if err := bounds(dstva, uint64(len(src)), sz); err != nil {
		return err
	}

	return m.copyThroughKPT(kpt, dstva, src, true)
}

// CopyIn2 is CopyOut2's mirror image for reads.
func (m *MMU) CopyIn2(kpt PageTable, dst []byte, srcva uint64, sz uint64) error {
	if err := bounds(srcva, uint64(len(dst)), sz); err != nil {
		return err
	}

	return m.copyThroughKPT(kpt, srcva, dst, false)
}


func (m *MMU) copyThroughKPT(kpt PageTable, va uint64, buf []byte, write bool) error {
	remaining := buf

	for len(remaining) > 0 {
		va0 := va &^ (pageSize - 1)

		pa0, err := m.kwalkaddr(kpt, va0)
		if err != nil {
			return err
		}

		off := va - va0
		n := uint64(pageSize) - off
		if n > uint64(len(remaining)) {
			n = uint64(len(remaining))
		}

		page := m.alloc.Page(pa0)[off : off+n]

		if write {
			copy(page, remaining[:n])
		} else {
			copy(remaining[:n], page)
		}

		remaining = remaining[n:]
		va = va0 + pageSize
	}

	return nil
}
