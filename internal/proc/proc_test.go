package proc

import (
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
	"github.com/smoynes/xv6go/internal/sleeplock"
	"github.com/smoynes/xv6go/internal/spinlock"
	"github.com/smoynes/xv6go/internal/vmem"
)

// fakeScheduler is the same condition-variable-backed sleeplock.Scheduler
// used throughout the tree to bootstrap a *fat32.Volume/*bcache.Cache in
// tests without a real process table; this package's own Sleep/Wakeup are
// exercised directly against Table below, not through this fake.
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

func (f *fakeScheduler) Wakeup(chanAddr any) {
	f.mu.Lock()
	f.cond.Broadcast()
	f.mu.Unlock()
}

func (f *fakeScheduler) CurrentPID(h *hart.Hart) int { return 1 }

func putLE16(b []byte, off int, v uint16) { b[off], b[off+1] = byte(v), byte(v>>8) }
func putLE32(b []byte, off int, v uint32) {
	b[off], b[off+1], b[off+2], b[off+3] = byte(v), byte(v>>8), byte(v>>16), byte(v>>24)
}

// newTestTable builds a complete Table over an in-memory disk/FAT32 volume,
// sized down via config.Small so exhaustion paths (no free proc slot) are
// reachable quickly.
func newTestTable(tt *testing.T) (*Table, *hart.Hart) {
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

	table, err := New(h, cfg, mmu, alloc, files, vol, devs)
	if err != nil {
		tt.Fatalf("proc.New: %s", err)
	}

	return table, h
}

// runScheduler starts hart h's Scheduler loop in the background. The loop
// never returns; tests simply let it run for their duration.
func runScheduler(t *Table, h *hart.Hart) {
	go t.Scheduler(h)
}

const testTimeout = 2 * time.Second

// blockForever never returns, standing in for init's real "spawn a shell,
// loop on wait() forever" body: runProc treats a body that returns as an
// implicit exit(0), and exit on the init process itself panics (matching
// xv6's own "init exiting" check), so every body given directly
// to UserInit in these tests parks here instead of returning once its
// assertions are done.
func blockForever() { select {} }

func TestUserInitRunsBody(tt *testing.T) {
	tt.Parallel()

	table, h := newTestTable(tt)

	done := make(chan struct{})

	_, err := table.UserInit(h, "init", func(t *Table, h *hart.Hart, p *Proc) {
		if p.PID() == 0 {
			tt.Error("expected a nonzero pid")
		}

		if p.cwd == nil {
			tt.Error("expected forkret to dup the root as cwd")
		}

		close(done)

		blockForever()
	})
	if err != nil {
		tt.Fatalf("UserInit: %s", err)
	}

	runScheduler(table, h)

	select {
	case <-done:
	case <-time.After(testTimeout):
		tt.Fatal("timed out waiting for init body to run")
	}
}

func TestYieldAllowsAnotherPassToRun(tt *testing.T) {
	tt.Parallel()

	table, h := newTestTable(tt)

	var order []int

	var mu sync.Mutex

	done := make(chan struct{})

	_, err := table.UserInit(h, "init", func(t *Table, h *hart.Hart, p *Proc) {
		for i := 0; i < 3; i++ {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()

			t.Yield(h)
		}

		close(done)

		blockForever()
	})
	if err != nil {
		tt.Fatalf("UserInit: %s", err)
	}

	runScheduler(table, h)

	select {
	case <-done:
	case <-time.After(testTimeout):
		tt.Fatal("timed out waiting for yielding body to finish")
	}

	mu.Lock()
	defer mu.Unlock()

	if len(order) != 3 || order[0] != 0 || order[2] != 2 {
		tt.Fatalf("order = %v, want [0 1 2]", order)
	}
}

func TestForkWaitReapsChildStatus(tt *testing.T) {
	tt.Parallel()

	table, h := newTestTable(tt)

	parentDone := make(chan struct{})

	var gotPID, gotStatus int

	var waitErr error

	_, err := table.UserInit(h, "init", func(t *Table, h *hart.Hart, p *Proc) {
		childPID, err := t.Fork(h, func(t *Table, h *hart.Hart, p *Proc) {
			t.Exit(h, 42)
		})
		if err != nil {
			tt.Errorf("Fork: %s", err)
			close(parentDone)
			blockForever()
		}

		pid, status, err := t.Wait(h)

		gotPID, gotStatus, waitErr = pid, status, err

		if pid != childPID {
			tt.Errorf("Wait returned pid %d, want %d", pid, childPID)
		}

		close(parentDone)

		blockForever()
	})
	if err != nil {
		tt.Fatalf("UserInit: %s", err)
	}

	runScheduler(table, h)

	select {
	case <-parentDone:
	case <-time.After(testTimeout):
		tt.Fatal("timed out waiting for fork/wait")
	}

	if waitErr != nil {
		tt.Fatalf("Wait: %s", waitErr)
	}

	if gotStatus != 42 {
		tt.Fatalf("Wait status = %d, want 42", gotStatus)
	}

	if gotPID == 0 {
		tt.Fatal("expected a nonzero child pid")
	}
}

func TestWaitReturnsErrWithNoChildren(tt *testing.T) {
	tt.Parallel()

	table, h := newTestTable(tt)

	done := make(chan struct{})

	var waitErr error

	_, err := table.UserInit(h, "init", func(t *Table, h *hart.Hart, p *Proc) {
		_, _, waitErr = t.Wait(h)
		close(done)

		blockForever()
	})
	if err != nil {
		tt.Fatalf("UserInit: %s", err)
	}

	runScheduler(table, h)

	select {
	case <-done:
	case <-time.After(testTimeout):
		tt.Fatal("timed out waiting for childless Wait")
	}

	if waitErr != ErrNoChildren {
		tt.Fatalf("Wait err = %v, want %v", waitErr, ErrNoChildren)
	}
}

func TestSleepWakeupOrdersAcrossProcesses(tt *testing.T) {
	tt.Parallel()

	table, h := newTestTable(tt)

	lk := sleeplock.New(table, "test-condition")

	var order []string

	var mu sync.Mutex

	record := func(s string) {
		mu.Lock()
		order = append(order, s)
		mu.Unlock()
	}

	waiterReady := make(chan struct{})
	parentDone := make(chan struct{})

	_, err := table.UserInit(h, "init", func(t *Table, h *hart.Hart, p *Proc) {
		_, err := t.Fork(h, func(t *Table, h *hart.Hart, p *Proc) {
			<-waiterReady

			record("waking")
			lk.Acquire(h)
			lk.Release(h)
			t.Exit(h, 0)
		})
		if err != nil {
			tt.Errorf("Fork: %s", err)
			close(parentDone)
			blockForever()
		}

		lk.Acquire(h)
		record("acquired")
		close(waiterReady)

		t.Yield(h)

		record("released")
		lk.Release(h)

		if _, _, err := t.Wait(h); err != nil {
			tt.Errorf("Wait: %s", err)
		}

		close(parentDone)

		blockForever()
	})
	if err != nil {
		tt.Fatalf("UserInit: %s", err)
	}

	runScheduler(table, h)

	select {
	case <-parentDone:
	case <-time.After(testTimeout):
		tt.Fatal("timed out waiting for sleep/wakeup ordering")
	}

	mu.Lock()
	defer mu.Unlock()

	if len(order) != 3 || order[0] != "acquired" || order[1] != "waking" || order[2] != "released" {
		tt.Fatalf("order = %v, want [acquired waking released]", order)
	}
}

func TestKillWakesSleepingProcess(tt *testing.T) {
	tt.Parallel()

	table, h := newTestTable(tt)

	done := make(chan struct{})

	var sawKilled bool

	_, err := table.UserInit(h, "init", func(t *Table, h *hart.Hart, p *Proc) {
		childPID, err := t.Fork(h, func(t *Table, h *hart.Hart, p *Proc) {
			guard := spinlock.New("guard")
			guard.Acquire(h)

			// Sleeps on a channel address nobody will ever Wakeup;
			// only Kill's direct Sleeping->Runnable flip resumes it.
			t.Sleep(h, "never-posted", guard)

			sawKilled = p.Killed()

			guard.Release(h)
			close(done)
		})
		if err != nil {
			tt.Errorf("Fork: %s", err)
			close(done)
			blockForever()
		}

		// One Yield hands the hart to the child for the rest of this
		// scheduling pass, which is enough for it to reach its own
		// Sleep call before control returns here on the next pass.
		t.Yield(h)

		if err := t.Kill(h, childPID); err != nil {
			tt.Errorf("Kill: %s", err)
		}

		blockForever()
	})
	if err != nil {
		tt.Fatalf("UserInit: %s", err)
	}

	runScheduler(table, h)

	select {
	case <-done:
	case <-time.After(testTimeout):
		tt.Fatal("timed out waiting for killed process to wake")
	}

	if !sawKilled {
		tt.Fatal("expected the killed child to observe Killed() == true")
	}
}
