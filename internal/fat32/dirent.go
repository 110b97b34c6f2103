package fat32

import (
	"errors"
	"fmt"

	"github.com/smoynes/xv6go/internal/hart"
	"github.com/smoynes/xv6go/internal/sleeplock"
)

// Dirent is a cached directory entry: a file or subdirectory's in-memory
// metadata, reference-counted and recycled LRU across the volume's fixed
// entry cache, matching struct dirent.
type Dirent struct {
	Filename  string
	Attribute uint8
	FirstClus uint32
	FileSize  uint32
	CurClus   uint32 // cluster last visited by relocClus
	ClusCnt   uint32 // how far CurClus is into the chain

	Dev    int
	Dirty  bool
	Valid  int8 // 0 unused, 1 valid, -1 removed-but-still-referenced
	Ref    int
	Off    uint32 // this entry's byte offset within Parent's data
	Parent *Dirent

	Lock *sleeplock.Lock

	next, prev *Dirent // entry-cache ring links
}

func (d *Dirent) String() string {
	return fmt.Sprintf("dirent(%q attr=%#x size=%d ref=%d)", d.Filename, d.Attribute, d.FileSize, d.Ref)
}

// IsDir reports whether the entry is a directory.
func (d *Dirent) IsDir() bool { return d.Attribute&AttrDirectory != 0 }

// ErrReadOnly is returned by Ewrite against a read-only entry.
var ErrReadOnly = errors.New("fat32: entry is read-only")

// Stat is the subset of file metadata estat copies out.
type Stat struct {
	Name string
	Dir  bool
	Dev  int
	Size uint32
}

// Estat fills in st from entry, matching estat.
func (v *Volume) Estat(entry *Dirent, st *Stat) {
	st.Name = entry.Filename
	st.Dir = entry.IsDir()
	st.Dev = entry.Dev
	st.Size = entry.FileSize
}

// Eread reads n bytes from entry at off into dst, returning the number of
// bytes actually read. Reads past the entry's declared size, against a
// directory, or at a negative range are simply truncated to zero, exactly
// as eread's argument-validation branch does.
func (v *Volume) Eread(h *hart.Hart, entry *Dirent, dst []byte, off uint32) uint32 {
	n := uint32(len(dst))

	if off > entry.FileSize || entry.IsDir() {
		return 0
	}

	if off+n > entry.FileSize {
		n = entry.FileSize - off
	}

	var tot uint32

	for tot < n && entry.CurClus < fat32EOC {
		v.relocClus(h, entry, off, false)

		m := v.bytsPerClus - off%v.bytsPerClus
		if n-tot < m {
			m = n - tot
		}

		got := v.rwClus(h, entry.CurClus, false, dst[tot:tot+m], off%v.bytsPerClus, m)
		tot += got

		if got != m {
			break
		}

		off += m
	}

	return tot
}

// Ewrite writes src to entry at off, growing the entry's cluster chain and
// FileSize as needed, matching ewrite. It returns ErrReadOnly for a
// read-only entry without writing anything.
func (v *Volume) Ewrite(h *hart.Hart, entry *Dirent, src []byte, off uint32) (uint32, error) {
	n := uint32(len(src))

	if entry.Attribute&AttrReadOnly != 0 {
		return 0, ErrReadOnly
	}

	if entry.FirstClus == 0 {
		entry.CurClus = v.allocClus(h)
		entry.FirstClus = entry.CurClus
		entry.ClusCnt = 0
		entry.Dirty = true
	}

	var tot uint32

	for tot < n {
		v.relocClus(h, entry, off, true)

		m := v.bytsPerClus - off%v.bytsPerClus
		if n-tot < m {
			m = n - tot
		}

		wrote := v.rwClus(h, entry.CurClus, true, src[tot:tot+m], off%v.bytsPerClus, m)
		tot += wrote

		if wrote != m {
			break
		}

		off += m
	}

	if tot > 0 && off > entry.FileSize {
		entry.FileSize = off
		entry.Dirty = true
	}

	return tot, nil
}

// eget returns the cached entry for (parent, name), or, on a cache miss,
// an LRU-reclaimed slot ready for the caller to populate. It panics
// ("insufficient ecache") if every slot is pinned, matching eget: a fixed
// cache with no pinned slots free is a sizing bug, not a runtime fault to
// recover from.
func (v *Volume) eget(h *hart.Hart, parent *Dirent, name string) *Dirent {
	v.ecacheLock.Acquire(h)

	if name != "" {
		for ep := v.root.next; ep != &v.root; ep = ep.next {
			if ep.Valid == 1 && ep.Parent == parent && ep.Filename == name {
				ep.Ref++
				if ep.Ref == 1 {
					ep.Parent.Ref++
				}

				v.ecacheLock.Release(h)

				return ep
			}
		}
	}

	for ep := v.root.prev; ep != &v.root; ep = ep.prev {
		if ep.Ref == 0 {
			ep.Ref = 1
			ep.Dev = parent.Dev
			ep.Off = 0
			ep.Valid = 0
			ep.Dirty = false

			v.ecacheLock.Release(h)

			return ep
		}
	}

	panic("fat32: eget: insufficient ecache")
}

// Edup bumps entry's reference count and returns it.
func (v *Volume) Edup(h *hart.Hart, entry *Dirent) *Dirent {
	if entry == nil {
		return nil
	}

	v.ecacheLock.Acquire(h)
	entry.Ref++
	v.ecacheLock.Release(h)

	return entry
}

// Elock acquires entry's sleep lock. entry must already be referenced;
// locking an unreferenced or nil entry is a caller bug.
func (v *Volume) Elock(h *hart.Hart, entry *Dirent) {
	if entry == nil || entry.Ref < 1 {
		panic("fat32: elock: entry not referenced")
	}

	entry.Lock.Acquire(h)
}

// Eunlock releases entry's sleep lock.
func (v *Volume) Eunlock(h *hart.Hart, entry *Dirent) {
	if entry == nil || !entry.Lock.Holding(h) || entry.Ref < 1 {
		panic("fat32: eunlock: entry not locked by caller")
	}

	entry.Lock.Release(h)
}

// Eupdate writes entry's first-cluster and size fields back to its
// directory entry on disk, if they've changed since the last update.
func (v *Volume) Eupdate(h *hart.Hart, entry *Dirent) {
	if !entry.Dirty || entry.Valid != 1 {
		return
	}

	off := v.direntDiskOffset(h, entry)

	sne := make([]byte, dentrySize)
	v.rwClus(h, entry.Parent.CurClus, false, sne, uint32(off), dentrySize)

	putLE16(sne, 20, uint16(entry.FirstClus>>16))
	putLE16(sne, 26, uint16(entry.FirstClus&0xffff))
	putLE32(sne, 28, entry.FileSize)

	v.rwClus(h, entry.Parent.CurClus, true, sne, uint32(off), dentrySize)

	entry.Dirty = false
}

// direntDiskOffset leaves entry.Parent.CurClus on the cluster holding
// entry's short-name entry and returns that entry's offset within that
// cluster: it skips entry.Off's leading long-name entries (their count is
// packed into the first entry's order byte).
func (v *Volume) direntDiskOffset(h *hart.Hart, entry *Dirent) int64 {
	off := v.relocClus(h, entry.Parent, entry.Off, false)

	hdr := make([]byte, 1)
	v.rwClus(h, entry.Parent.CurClus, false, hdr, uint32(off), 1)

	entcnt := uint32(hdr[0]) &^ lastLongEntry

	return v.relocClus(h, entry.Parent, entry.Off+entcnt*dentrySize, false)
}

// Eremove marks every directory entry backing entry (its long-name
// entries and its short-name entry) empty on disk, without touching its
// data clusters; those are reclaimed later by Etrunc via Eput.
func (v *Volume) Eremove(h *hart.Hart, entry *Dirent) {
	if entry.Valid != 1 {
		return
	}

	off := entry.Off

	off2 := v.relocClus(h, entry.Parent, off, false)

	hdr := make([]byte, 1)
	v.rwClus(h, entry.Parent.CurClus, false, hdr, uint32(off2), 1)
	entcnt := uint32(hdr[0]) &^ lastLongEntry

	flag := []byte{emptyEntry}

	for i := uint32(0); i <= entcnt; i++ {
		v.rwClus(h, entry.Parent.CurClus, true, flag, uint32(off2), 1)
		off += dentrySize
		off2 = v.relocClus(h, entry.Parent, off, false)
	}

	entry.Valid = -1
}

// Etrunc frees every data cluster belonging to entry and resets its size
// to zero, matching etrunc.
func (v *Volume) Etrunc(h *hart.Hart, entry *Dirent) {
	for clus := entry.FirstClus; clus >= 2 && clus < fat32EOC; {
		next := v.readFAT(h, clus)
		v.freeClus(h, clus)

		clus = next
	}

	entry.FileSize = 0
	entry.FirstClus = 0
	entry.Dirty = true
}

// Eput drops a reference to entry. On the last reference it moves entry
// to the front of the cache's list (right after root, the most recently
// used end), persists or truncates it, and recursively drops
// the reference this entry held on its parent, matching eput.
func (v *Volume) Eput(h *hart.Hart, entry *Dirent) {
	v.ecacheLock.Acquire(h)

	if entry != &v.root && entry.Valid != 0 && entry.Ref == 1 {
		entry.Lock.Acquire(h)

		entry.next.prev = entry.prev
		entry.prev.next = entry.next
		entry.next = v.root.next
		entry.prev = &v.root
		v.root.next.prev = entry
		v.root.next = entry

		v.ecacheLock.Release(h)

		if entry.Valid == -1 {
			v.Etrunc(h, entry)
		} else {
			v.Elock(h, entry.Parent)
			v.Eupdate(h, entry)
			v.Eunlock(h, entry.Parent)
		}

		entry.Lock.Release(h)

		parent := entry.Parent

		v.ecacheLock.Acquire(h)
		entry.Ref--
		v.ecacheLock.Release(h)

		if entry.Ref == 0 {
			v.Eput(h, parent)
		}

		return
	}

	entry.Ref--
	v.ecacheLock.Release(h)
}

func putLE16(b []byte, off int, v uint16) {
	b[off] = byte(v)
	b[off+1] = byte(v >> 8)
}
