package cmd

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/smoynes/xv6go/internal/block"
	"github.com/smoynes/xv6go/internal/cli"
	"github.com/smoynes/xv6go/internal/config"
	"github.com/smoynes/xv6go/internal/console"
	"github.com/smoynes/xv6go/internal/hart"
	"github.com/smoynes/xv6go/internal/kernel"
	"github.com/smoynes/xv6go/internal/log"
	"github.com/smoynes/xv6go/internal/proc"
)

// Kernel boots a kernel instance against a FAT32 disk image and runs its
// init process attached to the calling terminal, matching xv6's
// boot sequence of "hart 0 runs main, every other hart spins, then the
// scheduler takes over forever."
func Kernel() cli.Command {
	return &kernelCmd{cfg: config.Default()}
}

type kernelCmd struct {
	cfg  config.Config
	disk string
}

func (kernelCmd) Description() string {
	return "boot a kernel instance against a FAT32 disk image"
}

func (kernelCmd) Usage(out io.Writer) error {
	_, err := fmt.Fprintln(out, `kernel -disk FILE [options]

Boot a kernel instance with its volume backed by FILE, a pre-formatted
FAT32 image, and run its init process against the calling terminal.`)

	return err
}

func (k *kernelCmd) FlagSet() *cli.FlagSet {
	fs := flag.NewFlagSet("kernel", flag.ExitOnError)

	fs.StringVar(&k.disk, "disk", "", "path to a FAT32 disk `image`")
	fs.IntVar(&k.cfg.NHart, "harts", k.cfg.NHart, "number of simulated harts")
	fs.IntVar(&k.cfg.NPROC, "nproc", k.cfg.NPROC, "process table capacity")
	fs.IntVar(&k.cfg.NBUF, "nbuf", k.cfg.NBUF, "buffer cache capacity")
	fs.IntVar(&k.cfg.NOFILE, "nofile", k.cfg.NOFILE, "per-process open file capacity")
	fs.Uint64Var(&k.cfg.TickInterval, "tick", k.cfg.TickInterval, "cycles between timer interrupts")

	return fs
}

// Run wires a Kernel against the disk image, boots init attached to the
// terminal, and runs the scheduler loops. Canceling ctx stops the clock and
// the terminal reader, but the scheduler loops never return, so once the
// kernel is running Run does not return until the process itself exits.
func (k *kernelCmd) Run(ctx context.Context, args []string, stdout io.Writer, logger *log.Logger) int {
	if k.disk == "" {
		logger.Error("kernel: -disk is required")
		return 1
	}

	dev, err := block.OpenFileDisk(k.disk, k.cfg.BlockSize)
	if err != nil {
		logger.Error("kernel: open disk", "err", err)
		return 1
	}

	term, err := console.NewTerminal(os.Stdin, os.Stdout)
	out := io.Writer(stdout)

	if err == nil {
		defer term.Restore()
		out = term
	} else {
		logger.Debug("kernel: no terminal attached, using plain I/O", "err", err)
	}

	kern, err := kernel.New(k.cfg, dev, out)
	if err != nil {
		logger.Error("kernel: New", "err", err)
		return 1
	}

	if term != nil {
		go term.Run(ctx, kern.Console)
	}

	_, err = kern.Boot("init", shell(kern))
	if err != nil {
		logger.Error("kernel: Boot", "err", err)
		return 1
	}

	logger.Info("kernel booted", "harts", k.cfg.NHart, "disk", k.disk)

	if err := kern.Run(ctx); err != nil {
		logger.Error("kernel: Run", "err", err)
		return 1
	}

	return 0
}

// shell is a stand-in init process: this tree has no loader or exec
// (there is no loader or exec here), so init just echoes lines typed at the console instead of
// spawning a real shell.
func shell(kern *kernel.Kernel) proc.Body {
	return func(t *proc.Table, h *hart.Hart, p *proc.Proc) {
		line := make([]byte, 256)

		for {
			n, err := kern.Console.Read(h, line)
			if err != nil {
				return
			}

			if _, err := kern.Console.Write(h, line[:n]); err != nil {
				return
			}
		}
	}
}
