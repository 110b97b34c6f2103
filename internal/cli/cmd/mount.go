package cmd

import (
	"context"
	"flag"
	"fmt"
	"io"

	gofuse "github.com/hanwen/go-fuse/v2/fs"

	"github.com/smoynes/xv6go/internal/bcache"
	"github.com/smoynes/xv6go/internal/block"
	"github.com/smoynes/xv6go/internal/cli"
	"github.com/smoynes/xv6go/internal/config"
	"github.com/smoynes/xv6go/internal/fat32"
	"github.com/smoynes/xv6go/internal/fatfuse"
	"github.com/smoynes/xv6go/internal/hart"
	"github.com/smoynes/xv6go/internal/log"
	"github.com/smoynes/xv6go/internal/spinlock"
)

// Mount exposes a FAT32 disk image as a real, host-mounted FUSE
// filesystem, so it can be ls'd/cat'd/cp'd without booting a kernel at all.
func Mount() cli.Command {
	return &mountCmd{cfg: config.Default()}
}

type mountCmd struct {
	cfg   config.Config
	debug bool
}

func (mountCmd) Description() string {
	return "mount a FAT32 disk image as a FUSE filesystem"
}

func (mountCmd) Usage(out io.Writer) error {
	_, err := fmt.Fprintln(out, `mount DISK MOUNTPOINT

Mount DISK, a FAT32 disk image, at MOUNTPOINT and serve requests until
interrupted.`)

	return err
}

func (m *mountCmd) FlagSet() *cli.FlagSet {
	fs := flag.NewFlagSet("mount", flag.ExitOnError)
	fs.BoolVar(&m.debug, "debug", false, "log every FUSE request")

	return fs
}

func (m *mountCmd) Run(ctx context.Context, args []string, stdout io.Writer, logger *log.Logger) int {
	if len(args) != 2 {
		logger.Error("mount: want DISK and MOUNTPOINT arguments")
		return 1
	}

	if m.debug {
		log.LogLevel.Set(log.Debug)
	}

	disk, dir := args[0], args[1]

	dev, err := block.OpenFileDisk(disk, m.cfg.BlockSize)
	if err != nil {
		logger.Error("mount: open disk", "err", err)
		return 1
	}

	defer dev.Close()

	// The volume has no process table backing it here, so contention on a
	// buffer or directory entry has no scheduler to sleep against; a FUSE
	// mount only ever drives uncontended single-shot requests per path.
	sched := unscheduledRef{}

	h := hart.New(0)
	bc := bcache.New(sched, dev, m.cfg.NBUF, 3)

	vol, err := fat32.New(h, sched, bc, 0, m.cfg.EntryCacheNum)
	if err != nil {
		logger.Error("mount: fat32.New", "err", err)
		return 1
	}

	opts := &gofuse.Options{}
	opts.Debug = m.debug

	server, err := fatfuse.Mount(dir, vol, opts)
	if err != nil {
		logger.Error("mount: Mount", "err", err)
		return 1
	}

	logger.Info("mounted", "disk", disk, "dir", dir)

	<-ctx.Done()

	if err := server.Unmount(); err != nil {
		logger.Error("mount: Unmount", "err", err)
		return 1
	}

	return 0
}

// unscheduledRef satisfies sleeplock.Scheduler for a mount run outside a
// booted kernel: Sleep should never be reached, since nothing else holds a
// lock concurrently.
type unscheduledRef struct{}

func (unscheduledRef) Sleep(h *hart.Hart, chanAddr any, held *spinlock.Lock) {
	panic("fatfuse: unexpected contention mounting without a kernel")
}

func (unscheduledRef) Wakeup(chanAddr any) {}

func (unscheduledRef) CurrentPID(h *hart.Hart) int { return -1 }
