// xv6go is the command-line interface to the simulated kernel: boot an
// instance against a FAT32 disk image, or mount one as a FUSE filesystem.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/smoynes/xv6go/internal/cli"
	"github.com/smoynes/xv6go/internal/cli/cmd"
)

var commands = []cli.Command{
	cmd.Kernel(),
	cmd.Mount(),
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	result :=
		cli.New(ctx).
			WithLogger(os.Stderr).
			WithCommands(commands).
			WithHelp(cmd.Help(commands)).
			Execute(os.Args[1:])

	os.Exit(result)
}
