package console

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/smoynes/xv6go/internal/bcache"
	"github.com/smoynes/xv6go/internal/block"
	"github.com/smoynes/xv6go/internal/config"
	"github.com/smoynes/xv6go/internal/devsw"
	"github.com/smoynes/xv6go/internal/fat32"
	"github.com/smoynes/xv6go/internal/file"
	"github.com/smoynes/xv6go/internal/hart"
	"github.com/smoynes/xv6go/internal/pmm"
	"github.com/smoynes/xv6go/internal/proc"
	"github.com/smoynes/xv6go/internal/spinlock"
	"github.com/smoynes/xv6go/internal/vmem"
)

func putLE16(b []byte, off int, v uint16) { b[off], b[off+1] = byte(v), byte(v>>8) }
func putLE32(b []byte, off int, v uint32) {
	b[off], b[off+1], b[off+2], b[off+3] = byte(v), byte(v>>8), byte(v>>16), byte(v>>24)
}

// newTestTable builds a complete proc.Table over an in-memory FAT32
// volume, the same fixture internal/proc and internal/trap build: Read's
// blocking path needs a real scheduler to Sleep/Wakeup against, not a
// mock.
func newTestTable(tt *testing.T) (*proc.Table, *hart.Hart) {
	tt.Helper()

	cfg := config.Small()

	const (
		bytsPerSec = 512
		rsvdSecCnt = 1
		fatSz      = 1
		dataSecCnt = 20
		rootClus   = 2
	)

	totSec := rsvdSecCnt + fatSz + dataSecCnt
	dev := block.NewMemDisk(bytsPerSec, totSec)

	boot := make([]byte, bytsPerSec)
	copy(boot[82:87], []byte("FAT32"))
	putLE16(boot, 11, bytsPerSec)
	boot[13] = 1
	putLE16(boot, 14, rsvdSecCnt)
	boot[16] = 1
	putLE32(boot, 28, 0)
	putLE32(boot, 32, uint32(totSec))
	putLE32(boot, 36, fatSz)
	putLE32(boot, 44, rootClus)

	if err := dev.WriteSector(0, boot); err != nil {
		tt.Fatalf("seed boot sector: %s", err)
	}

	fatSec := make([]byte, bytsPerSec)
	putLE32(fatSec, 0, 0x0ffffff8)
	putLE32(fatSec, 4, 0x0fffffff)
	putLE32(fatSec, 8, 0x0fffffff)

	if err := dev.WriteSector(rsvdSecCnt, fatSec); err != nil {
		tt.Fatalf("seed FAT sector: %s", err)
	}

	fake := newFakeScheduler()
	h := hart.New(0)

	bc := bcache.New(fake, dev, cfg.NBUF, 3)

	vol, err := fat32.New(h, fake, bc, 0, cfg.EntryCacheNum)
	if err != nil {
		tt.Fatalf("fat32.New: %s", err)
	}

	alloc, err := pmm.New(cfg.PageSize, 4096)
	if err != nil {
		tt.Fatalf("pmm.New: %s", err)
	}

	mmu, err := vmem.New(alloc, h)
	if err != nil {
		tt.Fatalf("vmem.New: %s", err)
	}

	devs := devsw.New()
	files := file.New(vol, devs, cfg.NOFILE)

	table, err := proc.New(h, cfg, mmu, alloc, files, vol, devs)
	if err != nil {
		tt.Fatalf("proc.New: %s", err)
	}

	return table, h
}

type fakeScheduler struct {
	mu   sync.Mutex
	cond *sync.Cond
}

func newFakeScheduler() *fakeScheduler {
	f := &fakeScheduler{}
	f.cond = sync.NewCond(&f.mu)

	return f
}

func (f *fakeScheduler) Sleep(h *hart.Hart, chanAddr any, held *spinlock.Lock) {
	held.Release(h)
	f.mu.Lock()
	f.cond.Wait()
	f.mu.Unlock()
	held.Acquire(h)
}

func (f *fakeScheduler) Wakeup(chanAddr any)          { f.mu.Lock(); f.cond.Broadcast(); f.mu.Unlock() }
func (f *fakeScheduler) CurrentPID(h *hart.Hart) int { return 1 }

const testTimeout = 2 * time.Second

// blockForever never returns, standing in for init's real "spawn a shell,
// loop on wait() forever" body; see internal/proc's proc_test.go for why
// a body handed directly to UserInit must never return.
func blockForever() { select {} }

func TestInterruptEchoesAndBuffersLine(tt *testing.T) {
	table, h := newTestTable(tt)

	var out bytes.Buffer

	cons := New(table, config.Small(), &out)

	done := make(chan struct{})

	var n int

	var err error

	var got []byte

	_, uerr := table.UserInit(h, "init", func(t *proc.Table, h *hart.Hart, p *proc.Proc) {
		for _, b := range []byte("hi\n") {
			cons.Press(b)
			cons.Intr(h)
		}

		got = make([]byte, 16)
		n, err = cons.Read(h, got)

		close(done)

		blockForever()
	})
	if uerr != nil {
		tt.Fatalf("UserInit: %s", uerr)
	}

	go table.Scheduler(h)

	select {
	case <-done:
	case <-time.After(testTimeout):
		tt.Fatal("timed out waiting for line to be buffered and read")
	}

	if err != nil {
		tt.Fatalf("Read: %s", err)
	}

	if n != 3 || string(got[:n]) != "hi\n" {
		tt.Fatalf("Read = %q (n=%d), want %q", got[:n], n, "hi\n")
	}

	if out.String() != "hi\n" {
		tt.Fatalf("echoed output = %q, want %q", out.String(), "hi\n")
	}
}

func TestBackspaceErasesLastCharacter(tt *testing.T) {
	table, h := newTestTable(tt)

	var out bytes.Buffer

	cons := New(table, config.Small(), &out)

	done := make(chan struct{})

	var got []byte

	var n int

	_, uerr := table.UserInit(h, "init", func(t *proc.Table, h *hart.Hart, p *proc.Proc) {
		for _, b := range []byte("hx") {
			cons.Press(b)
			cons.Intr(h)
		}

		cons.Press(ctrlH)
		cons.Intr(h)

		for _, b := range []byte("i\n") {
			cons.Press(b)
			cons.Intr(h)
		}

		got = make([]byte, 16)

		var err error

		n, err = cons.Read(h, got)
		if err != nil {
			tt.Errorf("Read: %s", err)
		}

		close(done)

		blockForever()
	})
	if uerr != nil {
		tt.Fatalf("UserInit: %s", uerr)
	}

	go table.Scheduler(h)

	select {
	case <-done:
	case <-time.After(testTimeout):
		tt.Fatal("timed out waiting for backspace test")
	}

	if string(got[:n]) != "hi\n" {
		tt.Fatalf("Read = %q, want %q", got[:n], "hi\n")
	}
}

func TestKillLineErasesWholeLine(tt *testing.T) {
	table, h := newTestTable(tt)

	var out bytes.Buffer

	cons := New(table, config.Small(), &out)

	done := make(chan struct{})

	var got []byte

	var n int

	_, uerr := table.UserInit(h, "init", func(t *proc.Table, h *hart.Hart, p *proc.Proc) {
		for _, b := range []byte("hello") {
			cons.Press(b)
			cons.Intr(h)
		}

		cons.Press(ctrlU)
		cons.Intr(h)

		for _, b := range []byte("bye\n") {
			cons.Press(b)
			cons.Intr(h)
		}

		got = make([]byte, 16)

		var err error

		n, err = cons.Read(h, got)
		if err != nil {
			tt.Errorf("Read: %s", err)
		}

		close(done)

		blockForever()
	})
	if uerr != nil {
		tt.Fatalf("UserInit: %s", uerr)
	}

	go table.Scheduler(h)

	select {
	case <-done:
	case <-time.After(testTimeout):
		tt.Fatal("timed out waiting for kill-line test")
	}

	if string(got[:n]) != "bye\n" {
		tt.Fatalf("Read = %q, want %q", got[:n], "bye\n")
	}
}

func TestCtrlDEndsReadWithoutConsumingIt(tt *testing.T) {
	table, h := newTestTable(tt)

	var out bytes.Buffer

	cons := New(table, config.Small(), &out)

	done := make(chan struct{})

	var got []byte

	var n int

	_, uerr := table.UserInit(h, "init", func(t *proc.Table, h *hart.Hart, p *proc.Proc) {
		for _, b := range []byte("ab") {
			cons.Press(b)
			cons.Intr(h)
		}

		cons.Press(ctrlD)
		cons.Intr(h)

		got = make([]byte, 16)

		var err error

		n, err = cons.Read(h, got)
		if err != nil {
			tt.Errorf("Read: %s", err)
		}

		close(done)

		blockForever()
	})
	if uerr != nil {
		tt.Fatalf("UserInit: %s", uerr)
	}

	go table.Scheduler(h)

	select {
	case <-done:
	case <-time.After(testTimeout):
		tt.Fatal("timed out waiting for ^D test")
	}

	if string(got[:n]) != "ab" {
		tt.Fatalf("Read = %q, want %q", got[:n], "ab")
	}
}

func TestReadBlocksUntilInterruptWakesIt(tt *testing.T) {
	table, h := newTestTable(tt)

	var out bytes.Buffer

	cons := New(table, config.Small(), &out)

	done := make(chan struct{})

	var got []byte

	var n int

	_, uerr := table.UserInit(h, "init", func(t *proc.Table, h *hart.Hart, p *proc.Proc) {
		childPID, err := t.Fork(h, func(t *proc.Table, h *hart.Hart, p *proc.Proc) {
			got = make([]byte, 16)
			n, _ = cons.Read(h, got)

			t.Exit(h, 0)
		})
		if err != nil {
			tt.Errorf("Fork: %s", err)
			close(done)
			blockForever()
		}

		// One Yield hands the hart to the child for the rest of this
		// scheduling pass, which is enough for it to reach its blocking
		// Read/Sleep call before control returns here on the next pass.
		t.Yield(h)

		for _, b := range []byte("ok\n") {
			cons.Press(b)
			cons.Intr(h)
		}

		if pid, _, err := t.Wait(h); err != nil || pid != childPID {
			tt.Errorf("Wait: pid=%d err=%s, want pid=%d err=nil", pid, err, childPID)
		}

		close(done)

		blockForever()
	})
	if uerr != nil {
		tt.Fatalf("UserInit: %s", uerr)
	}

	go table.Scheduler(h)

	select {
	case <-done:
	case <-time.After(testTimeout):
		tt.Fatal("timed out waiting for blocked reader to wake")
	}

	if string(got[:n]) != "ok\n" {
		tt.Fatalf("Read = %q, want %q", got[:n], "ok\n")
	}
}

func TestProcDumpOnCtrlP(tt *testing.T) {
	table, h := newTestTable(tt)

	var out bytes.Buffer

	cons := New(table, config.Small(), &out)

	done := make(chan struct{})

	_, uerr := table.UserInit(h, "init", func(t *proc.Table, h *hart.Hart, p *proc.Proc) {
		cons.Press(ctrlP)
		cons.Intr(h)

		close(done)

		blockForever()
	})
	if uerr != nil {
		tt.Fatalf("UserInit: %s", uerr)
	}

	go table.Scheduler(h)

	select {
	case <-done:
	case <-time.After(testTimeout):
		tt.Fatal("timed out waiting for ^P dump")
	}

	if !bytes.Contains(out.Bytes(), []byte("init")) {
		tt.Fatalf("dump = %q, want it to mention %q", out.String(), "init")
	}
}
