package kernel

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/smoynes/xv6go/internal/block"
	"github.com/smoynes/xv6go/internal/config"
	"github.com/smoynes/xv6go/internal/hart"
	"github.com/smoynes/xv6go/internal/proc"
)

func putLE16(b []byte, off int, v uint16) { b[off], b[off+1] = byte(v), byte(v>>8) }
func putLE32(b []byte, off int, v uint32) {
	b[off], b[off+1], b[off+2], b[off+3] = byte(v), byte(v>>8), byte(v>>16), byte(v>>24)
}

// newTestDisk builds a small FAT32 image (a one-sector FAT and 20
// one-sector data clusters) like the ones the
// other subsystem tests seed by hand, now exercised through Kernel.New
// instead of wiring bcache/fat32 directly.
func newTestDisk(tt *testing.T) block.Device {
	tt.Helper()

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

	return dev
}

func TestNewWiresEverySubsystem(tt *testing.T) {
	var out bytes.Buffer

	k, err := New(config.Small(), newTestDisk(tt), &out)
	if err != nil {
		tt.Fatalf("New: %s", err)
	}

	if k.Console == nil || k.Procs == nil || k.Volume == nil || k.Trap == nil {
		tt.Fatal("New left a subsystem unwired")
	}

	if _, err := k.Devices.Read(k.Hart0(), 99, make([]byte, 1)); err == nil {
		tt.Fatal("Devices.Read succeeded for an unregistered major, want an error")
	}
}

// blockForever stands in for a real init's "spawn a shell, wait() forever"
// loop; a body handed directly to UserInit must never return (see
// internal/proc's proc_test.go).
func blockForever() { select {} }

func TestBootRunsInitAgainstTheWiredConsole(tt *testing.T) {
	var out bytes.Buffer

	k, err := New(config.Small(), newTestDisk(tt), &out)
	if err != nil {
		tt.Fatalf("New: %s", err)
	}

	done := make(chan struct{})

	_, err = k.Boot("init", func(t *proc.Table, h *hart.Hart, p *proc.Proc) {
		for _, b := range []byte("hi\n") {
			k.Console.Press(b)
			k.Console.Intr(h)
		}

		got := make([]byte, 16)

		n, rerr := k.Console.Read(h, got)
		if rerr != nil {
			tt.Errorf("Console.Read: %s", rerr)
		}

		if string(got[:n]) != "hi\n" {
			tt.Errorf("Console.Read = %q, want %q", got[:n], "hi\n")
		}

		close(done)

		blockForever()
	})
	if err != nil {
		tt.Fatalf("Boot: %s", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go k.Run(ctx)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		tt.Fatal("timed out waiting for init to run")
	}

	if out.String() != "hi\n" {
		tt.Fatalf("echoed output = %q, want %q", out.String(), "hi\n")
	}
}

func TestClockAdvancesTicksAndStopsOnCancel(tt *testing.T) {
	k, err := New(config.Small(), newTestDisk(tt), &bytes.Buffer{})
	if err != nil {
		tt.Fatalf("New: %s", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)

	go func() { errCh <- k.clock(ctx) }()

	deadline := time.Now().Add(2 * time.Second)

	for k.Timer.Ticks(k.Hart0()) == 0 {
		if time.Now().After(deadline) {
			tt.Fatal("timed out waiting for the clock to fire at least one tick")
		}

		time.Sleep(time.Millisecond)
	}

	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			tt.Fatalf("clock = %s, want nil", err)
		}
	case <-time.After(2 * time.Second):
		tt.Fatal("clock did not stop after cancel")
	}
}
