// Package bcache is the buffer cache: a fixed-size pool of block
// buffers, LRU reclamation via a sentinel-rooted circular list, and a
// sleep lock per buffer.
//
// Grounded line-for-line on xv6's bio.c (binit/bget/
// bread/bwrite/brelse/bpin/bunpin), adapted to an indexed doubly-linked
// list (next/prev as slice indices into a fixed array) rather than raw
// pointers.
package bcache

import (
	"fmt"

	"github.com/smoynes/xv6go/internal/block"
	"github.com/smoynes/xv6go/internal/hart"
	"github.com/smoynes/xv6go/internal/log"
	"github.com/smoynes/xv6go/internal/sleeplock"
	"github.com/smoynes/xv6go/internal/spinlock"
)

const sentinel = -1

// Buf is one cached sector. Its payload is valid (readable) only while the
// caller holds Lock.
type Buf struct {
	Dev       int
	Sectorno  uint64
	valid     bool
	refcnt    int
	Data      []byte
	Lock      *sleeplock.Lock
	prev, next int // indices into Cache.bufs, or sentinel for the head
}

func (b *Buf) String() string {
	return fmt.Sprintf("buf(dev=%d sec=%d valid=%v ref=%d)", b.Dev, b.Sectorno, b.valid, b.refcnt)
}

// Valid reports whether the buffer currently holds data read from disk.
func (b *Buf) Valid() bool { return b.valid }

// Cache is the fixed NBUF-buffer pool.
type Cache struct {
	lock *spinlock.Lock
	log  *log.Logger

	bufs []Buf
	dev  block.Device

	headNext, headPrev int // the sentinel's next/prev, i.e. MRU/LRU ends

	retries int
}

// New builds a cache of nbuf buffers over dev, arranged as one circular
// list, matching binit's construction exactly: every fresh buffer is
// inserted right after the (virtual) head.
func New(sched sleeplock.Scheduler, dev block.Device, nbuf int, maxRetries int) *Cache {
	c := &Cache{
		lock:     spinlock.New("bcache"),
		log:      log.DefaultLogger(),
		bufs:     make([]Buf, nbuf),
		dev:      dev,
		headNext: sentinel,
		headPrev: sentinel,
		retries:  maxRetries,
	}

	for i := range c.bufs {
		b := &c.bufs[i]
		b.Sectorno = ^uint64(0)
		b.Dev = -1
		b.Data = make([]byte, dev.SectorSize())
		b.Lock = sleeplock.New(sched, fmt.Sprintf("buffer.%d", i))

		c.listInsertAfterHead(i)
	}

	return c
}

// listInsertAfterHead links buf i in immediately after the sentinel head,
// i.e. at the MRU end.
func (c *Cache) listInsertAfterHead(i int) {
	b := &c.bufs[i]

	if c.headNext == sentinel {
		b.next, b.prev = sentinel, sentinel
		c.headNext, c.headPrev = i, i

		return
	}

	b.next = c.headNext
	b.prev = sentinel

	c.bufs[c.headNext].prev = i
	c.headNext = i
}

// listUnlink removes buf i from wherever it currently sits in the list.
func (c *Cache) listUnlink(i int) {
	b := &c.bufs[i]

	if b.prev == sentinel {
		c.headNext = b.next
	} else {
		c.bufs[b.prev].next = b.next
	}

	if b.next == sentinel {
		c.headPrev = b.prev
	} else {
		c.bufs[b.next].prev = b.prev
	}

	b.prev, b.next = sentinel, sentinel
}

// moveToHead unlinks buf i and reinserts it at the MRU end.
func (c *Cache) moveToHead(i int) {
	c.listUnlink(i)
	c.listInsertAfterHead(i)
}

// bget scans for a cached (dev, sec) buffer first, and on a miss reclaims
// the least-recently-released buffer with refcnt 0. It panics
// ("bcache: bget: no buffers") if every buffer is pinned: that is an
// unrecoverable kernel bug, not a condition to surface to the caller, per
// xv6's panic("bget: no buffers").
func (c *Cache) bget(h *hart.Hart, dev int, sec uint64) *Buf {
	c.lock.Acquire(h)

	for i := c.headNext; i != sentinel; i = c.bufs[i].next {
		b := &c.bufs[i]
		if b.Dev == dev && b.Sectorno == sec {
			b.refcnt++
			c.lock.Release(h)
			b.Lock.Acquire(h)

			return b
		}
	}

	for i := c.headPrev; i != sentinel; i = c.bufs[i].prev {
		b := &c.bufs[i]
		if b.refcnt == 0 {
			b.Dev, b.Sectorno, b.valid, b.refcnt = dev, sec, false, 1
			c.lock.Release(h)
			b.Lock.Acquire(h)

			return b
		}
	}

	panic("bcache: bget: no buffers")
}

// Read returns the buffer for (dev, sec), held by its sleep lock, issuing
// a disk read first if the buffer was not already valid.
func (c *Cache) Read(h *hart.Hart, dev int, sec uint64) (*Buf, error) {
	b := c.bget(h, dev, sec)

	if !b.valid {
		if err := block.ReadSectorWithRetry(c.dev, sec, b.Data, c.retries); err != nil {
			c.Release(h, b)

			return nil, err
		}

		b.valid = true
	}

	return b, nil
}

// Write writes b's payload through to disk. The caller must hold b's
// sleep lock (as every Read caller does).
func (c *Cache) Write(h *hart.Hart, b *Buf) error {
	if !b.Lock.Holding(h) {
		panic("bcache: bwrite: buffer not locked")
	}

	return c.dev.WriteSector(b.Sectorno, b.Data)
}

// Release releases b's sleep lock and, if its reference count drops to
// zero, moves it to the MRU end of the list.
func (c *Cache) Release(h *hart.Hart, b *Buf) {
	b.Lock.Release(h)

	idx := c.index(b)

	c.lock.Acquire(h)
	defer c.lock.Release(h)

	b.refcnt--

	if b.refcnt == 0 {
		c.moveToHead(idx)
	}
}

// Pin/Unpin adjust refcnt directly, without touching the sleep lock, so a
// buffer survives reclamation without being held locked the whole time.
// No package in this module calls them.
func (c *Cache) Pin(h *hart.Hart, b *Buf) {
	c.lock.Acquire(h)
	b.refcnt++
	c.lock.Release(h)
}

func (c *Cache) Unpin(h *hart.Hart, b *Buf) {
	c.lock.Acquire(h)
	b.refcnt--
	c.lock.Release(h)
}

// SectorSize returns the underlying device's sector size, which callers
// above the cache (the FAT32 layer, validating its BPB) need without
// reaching past the cache for the device itself.
func (c *Cache) SectorSize() int { return c.dev.SectorSize() }

func (c *Cache) index(b *Buf) int {
	for i := range c.bufs {
		if &c.bufs[i] == b {
			return i
		}
	}

	panic("bcache: buffer not in cache")
}
