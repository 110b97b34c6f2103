// Package kernel wires every subsystem package into one bootable system:
// hart 0 runs the boot sequence, initializing every subsystem in turn,
// while every other hart would spin until hart 0 signals it has finished,
// then all harts enter the scheduler.
//
// A single New-then-run sequence with no framework underneath it,
// generalized from one execution context to NHART harts, following the
// constructor-chain order each subsystem's own dependencies impose.
package kernel

import (
	"context"
	"io"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/smoynes/xv6go/internal/bcache"
	"github.com/smoynes/xv6go/internal/block"
	"github.com/smoynes/xv6go/internal/config"
	"github.com/smoynes/xv6go/internal/console"
	"github.com/smoynes/xv6go/internal/devsw"
	"github.com/smoynes/xv6go/internal/fat32"
	"github.com/smoynes/xv6go/internal/file"
	"github.com/smoynes/xv6go/internal/hart"
	"github.com/smoynes/xv6go/internal/log"
	"github.com/smoynes/xv6go/internal/pmm"
	"github.com/smoynes/xv6go/internal/proc"
	"github.com/smoynes/xv6go/internal/spinlock"
	"github.com/smoynes/xv6go/internal/trap"
	"github.com/smoynes/xv6go/internal/vmem"
)

// schedulerRef breaks the construction-order cycle between the buffer
// cache/FAT32 volume (which need a sleeplock.Scheduler at construction)
// and the process table (the only real Scheduler, built later from
// the file table the volume itself is part of). It satisfies
// sleeplock.Scheduler by forwarding every call to table, which is nil
// until bind is called; bcache and fat32 never call Sleep/Wakeup/
// CurrentPID during their own construction, only afterward, once a
// process is actually sleeping on a buffer or a directory entry, so by
// the time any call lands here table is always bound.
type schedulerRef struct {
	table *proc.Table
}

func (s *schedulerRef) bind(t *proc.Table) { s.table = t }

func (s *schedulerRef) Sleep(h *hart.Hart, chanAddr any, held *spinlock.Lock) {
	s.table.Sleep(h, chanAddr, held)
}

func (s *schedulerRef) Wakeup(chanAddr any) { s.table.Wakeup(chanAddr) }

func (s *schedulerRef) CurrentPID(h *hart.Hart) int { return s.table.CurrentPID(h) }

// Kernel holds every booted singleton, assembled in the dependency order
// the component list implies: physical memory, then the virtual
// memory map that depends on it, then the buffer cache and FAT32 volume
// that sit on a block device, then the device switch and console, then
// the file table that ties devices and the volume together, then the
// process table that owns everything above, and finally the trap
// dispatcher that ties the process table to the timer and device table.
type Kernel struct {
	cfg config.Config
	log *log.Logger

	harts []*hart.Hart

	Alloc   *pmm.Allocator
	MMU     *vmem.MMU
	BCache  *bcache.Cache
	Volume  *fat32.Volume
	Devices *devsw.Table
	Console *console.Console
	Files   *file.Table
	Procs   *proc.Table
	IDT     *trap.IDT
	Timer   *trap.Timer
	Trap    *trap.Dispatcher

	sched *schedulerRef
}

// New boots a kernel instance: it builds every subsystem in order and
// registers the console at devsw.Console/the device interrupt table, but
// starts nothing running. Run starts the per-hart scheduler loops and the
// clock; Boot starts the init process.
func New(cfg config.Config, dev block.Device, consoleOut io.Writer) (*Kernel, error) {
	logger := log.DefaultLogger()

	harts := make([]*hart.Hart, cfg.NHart)
	for i := range harts {
		harts[i] = hart.New(i)
	}

	h0 := harts[0]

	alloc, err := pmm.New(cfg.PageSize, 4096)
	if err != nil {
		return nil, err
	}

	mmu, err := vmem.New(alloc, h0)
	if err != nil {
		return nil, err
	}

	sched := &schedulerRef{}

	bc := bcache.New(sched, dev, cfg.NBUF, 3)

	vol, err := fat32.New(h0, sched, bc, 0, cfg.EntryCacheNum)
	if err != nil {
		return nil, err
	}

	devs := devsw.New()
	files := file.New(vol, devs, cfg.NOFILE)

	procs, err := proc.New(h0, cfg, mmu, alloc, files, vol, devs)
	if err != nil {
		return nil, err
	}

	sched.bind(procs)

	cons := console.New(procs, cfg, consoleOut)
	devs.Register(devsw.Console, cons)

	idt := trap.NewIDT()
	idt.Register(devsw.Console, cons)

	timer := trap.NewTimer(cfg.TickInterval, procs.Wakeup)

	disp := trap.NewDispatcher(procs, idt, timer, alloc, nil)

	return &Kernel{
		cfg:     cfg,
		log:     logger,
		harts:   harts,
		Alloc:   alloc,
		MMU:     mmu,
		BCache:  bc,
		Volume:  vol,
		Devices: devs,
		Console: cons,
		Files:   files,
		Procs:   procs,
		IDT:     idt,
		Timer:   timer,
		Trap:    disp,
		sched:   sched,
	}, nil
}

// Hart0 returns the boot hart, the one every constructor above ran on and
// the one UserInit must be called with.
func (k *Kernel) Hart0() *hart.Hart { return k.harts[0] }

// Boot starts the first process, pid 1, whose body is supplied by the
// caller since this tree has no loader or exec to hand it a real init
// binary.
func (k *Kernel) Boot(name string, body proc.Body) (*proc.Proc, error) {
	return k.Procs.UserInit(k.Hart0(), name, body)
}

// Run starts one scheduler loop per hart and a clock goroutine that
// advances the timer, under an errgroup so a panic in any hart's
// scheduler surfaces as a single joined error instead of a silently
// leaked goroutine. Per-hart scheduler loops never return, so Run only
// returns once ctx is done AND every goroutine has reacted to it; in practice
// that means the clock goroutine exits on ctx.Done while the scheduler
// loops keep running until the process itself exits, exactly as on real
// hardware where cutting power is the only way to stop them.
func (k *Kernel) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, h := range k.harts {
		h := h

		g.Go(func() error {
			k.Procs.Scheduler(h)
			return nil
		})
	}

	g.Go(func() error {
		return k.clock(ctx)
	})

	return g.Wait()
}

// clock is the stand-in for the CLINT's periodic timer interrupt: every
// tick it advances the timer by one tick interval's worth of simulated
// cycles and, once due, fires it, matching a real interrupt
// handler calling clockintr on every hart that takes one.
func (k *Kernel) clock(ctx context.Context) error {
	h := hart.New(-1)

	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			k.Timer.Advance(h, k.cfg.TickInterval)

			if k.Timer.Pending(h) {
				k.Timer.Fire(h)
			}
		}
	}
}
