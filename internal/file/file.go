// Package file is the open-file table: a
// fixed-capacity pool of reference-counted file descriptors dispatching
// reads, writes, and stats across directory entries and character
// devices.
//
// Grounded on xv6's file.c/file.h. Its third descriptor
// kind, FD_PIPE, is not carried over: pipes are a process/IPC
// feature outside every component this module implements (process/trap,
// virtual memory, concurrency primitives, and the block+FAT32 storage
// stack; nothing here ever constructs one end of a pipe), so File's
// tagged union only needs the entry and device cases.
package file

import (
	"errors"
	"fmt"

	"github.com/smoynes/xv6go/internal/devsw"
	"github.com/smoynes/xv6go/internal/fat32"
	"github.com/smoynes/xv6go/internal/hart"
	"github.com/smoynes/xv6go/internal/spinlock"
)

// Kind is a file descriptor's backing type.
type Kind int

const (
	KindNone Kind = iota
	KindEntry
	KindDevice
)

// ErrNotReadable and ErrNotWritable mirror fileread/filewrite's -1 return
// for a descriptor opened without the corresponding permission.
var (
	ErrNotReadable = errors.New("file: not open for reading")
	ErrNotWritable = errors.New("file: not open for writing")
)

// File is one open-file-table slot: a reference-counted handle onto
// either a FAT32 directory entry or a device major number, matching
// struct file (minus FD_PIPE, see the package doc).
type File struct {
	Kind     Kind
	ref      int
	Readable bool
	Writable bool

	Entry *fat32.Dirent // KindEntry
	Off   uint32         // KindEntry: byte offset into Entry's data

	Major int // KindDevice
}

func (f *File) String() string {
	return fmt.Sprintf("file(kind=%d ref=%d r=%v w=%v)", f.Kind, f.ref, f.Readable, f.Writable)
}

// Table is the fixed NOFILE-capacity pool every open call allocates from.
type Table struct {
	lock  *spinlock.Lock
	files []File

	vol  *fat32.Volume
	devs *devsw.Table
}

// New creates an nfile-slot table backed by vol (for KindEntry transfers)
// and devs (for KindDevice transfers).
func New(vol *fat32.Volume, devs *devsw.Table, nfile int) *Table {
	return &Table{
		lock:  spinlock.New("ftable"),
		files: make([]File, nfile),
		vol:   vol,
		devs:  devs,
	}
}

// Alloc returns an unused, freshly ref-counted slot, or nil if the table
// is full, matching filealloc.
func (t *Table) Alloc(h *hart.Hart) *File {
	t.lock.Acquire(h)
	defer t.lock.Release(h)

	for i := range t.files {
		f := &t.files[i]
		if f.ref == 0 {
			f.ref = 1
			return f
		}
	}

	return nil
}

// Dup increments f's reference count, matching filedup. It panics if f is
// already unreferenced.
func (t *Table) Dup(h *hart.Hart, f *File) *File {
	t.lock.Acquire(h)
	defer t.lock.Release(h)

	if f.ref < 1 {
		panic("file: dup: closed file")
	}

	f.ref++

	return f
}

// Close drops a reference to f. On the last reference it releases f's
// backing resource (the FAT32 entry, for KindEntry) and resets the slot
// to KindNone, matching fileclose.
func (t *Table) Close(h *hart.Hart, f *File) {
	t.lock.Acquire(h)

	if f.ref < 1 {
		panic("file: close: already closed")
	}

	f.ref--
	if f.ref > 0 {
		t.lock.Release(h)
		return
	}

	closed := *f
	f.Kind = KindNone
	f.Entry = nil

	t.lock.Release(h)

	if closed.Kind == KindEntry {
		t.vol.Eput(h, closed.Entry)
	}
}

// Stat copies f's backing entry's metadata into st, matching filestat. It
// returns an error for any descriptor kind other than KindEntry.
func (t *Table) Stat(h *hart.Hart, f *File, st *fat32.Stat) error {
	if f.Kind != KindEntry {
		return fmt.Errorf("file: stat: not a FAT32 entry")
	}

	t.vol.Elock(h, f.Entry)
	t.vol.Estat(f.Entry, st)
	t.vol.Eunlock(h, f.Entry)

	return nil
}

// Read reads into dst from f, advancing f's offset for KindEntry reads,
// matching fileread.
func (t *Table) Read(h *hart.Hart, f *File, dst []byte) (int, error) {
	if !f.Readable {
		return 0, ErrNotReadable
	}

	switch f.Kind {
	case KindDevice:
		return t.devs.Read(h, f.Major, dst)
	case KindEntry:
		t.vol.Elock(h, f.Entry)
		n := t.vol.Eread(h, f.Entry, dst, f.Off)
		f.Off += n
		t.vol.Eunlock(h, f.Entry)

		return int(n), nil
	default:
		panic("file: read: closed file")
	}
}

// Write writes src to f, advancing f's offset for KindEntry writes,
// matching filewrite.
func (t *Table) Write(h *hart.Hart, f *File, src []byte) (int, error) {
	if !f.Writable {
		return 0, ErrNotWritable
	}

	switch f.Kind {
	case KindDevice:
		return t.devs.Write(h, f.Major, src)
	case KindEntry:
		t.vol.Elock(h, f.Entry)

		n, err := t.vol.Ewrite(h, f.Entry, src, f.Off)
		if err != nil {
			t.vol.Eunlock(h, f.Entry)
			return 0, err
		}

		f.Off += n
		t.vol.Eunlock(h, f.Entry)

		if int(n) != len(src) {
			return int(n), fmt.Errorf("file: write: short write (%d of %d)", n, len(src))
		}

		return int(n), nil
	default:
		panic("file: write: closed file")
	}
}

// DirNext advances f (which must be a directory) past its next occupied
// entry and fills st with that entry's metadata, matching dirnext. It
// returns false once the directory is exhausted.
func (t *Table) DirNext(h *hart.Hart, f *File, st *fat32.Stat) (bool, error) {
	if !f.Readable || f.Kind != KindEntry || !f.Entry.IsDir() {
		return false, fmt.Errorf("file: dirnext: not an open directory")
	}

	t.vol.Elock(h, f.Entry)
	defer t.vol.Eunlock(h, f.Entry)

	de := &fat32.Dirent{}

	for {
		status, skipped := t.vol.Enext(h, f.Entry, de, f.Off)
		if status != 0 {
			f.Off += skipped * 32
			if status == -1 {
				return false, nil
			}

			t.vol.Estat(de, st)

			return true, nil
		}

		f.Off += skipped * 32
	}
}
