package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

// ErrNoTTY is returned by NewTerminal if standard input is not a
// terminal.
var ErrNoTTY = errors.New("console: not a TTY")

// Terminal adapts a real Unix terminal into Console's raw byte stream,
// adapted from the smoynes-elsie project's cmd/internal/tty.Console: raw mode, a
// background reader goroutine feeding Console.Press, and the terminal
// itself serving as Console's unbuffered output.
type Terminal struct {
	in    *os.File
	out   *term.Terminal
	fd    int
	state *term.State
}

// NewTerminal puts sin into raw mode and returns a Terminal writing to
// sout. If sin is not a terminal, ErrNoTTY is returned; callers must call
// Restore to return the terminal to its initial state.
func NewTerminal(sin, sout *os.File) (*Terminal, error) {
	fd := int(sin.Fd())

	if !term.IsTerminal(fd) {
		return nil, ErrNoTTY
	}

	saved, err := term.MakeRaw(fd)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNoTTY, err)
	}

	t := &Terminal{
		fd:    fd,
		in:    sin,
		out:   term.NewTerminal(sout, ""),
		state: saved,
	}

	if err := t.setParams(1, 0); err != nil {
		return nil, err
	}

	return t, nil
}

// Write implements io.Writer against the underlying terminal, so a
// Terminal can be passed directly as Console's out.
func (t *Terminal) Write(p []byte) (int, error) { return t.out.Write(p) }

// Restore returns the terminal to its initial state.
func (t *Terminal) Restore() {
	_ = os.Stdin.SetReadDeadline(time.Now())
	_ = term.Restore(t.fd, t.state)
}

func (t *Terminal) setParams(vmin, vtime byte) error {
	_ = syscall.SetNonblock(t.fd, true)

	termIO, err := unix.IoctlGetTermios(t.fd, getTermiosIoctl)
	if err != nil {
		return err
	}

	termIO.Cc[unix.VMIN] = vmin
	termIO.Cc[unix.VTIME] = vtime

	if err := unix.IoctlSetTermios(t.fd, setTermiosIoctl, termIO); err != nil {
		return err
	}

	_ = os.Stdin.SetReadDeadline(time.Time{})

	return nil
}

// Run reads raw bytes from the terminal and presses them into cons until
// ctx is done or the terminal read fails. This collapses the smoynes-elsie
// tty package's readTerminal/updateKeyboard pair into one loop, since Console does its
// own line buffering instead of a separate keyboard device.
func (t *Terminal) Run(ctx context.Context, cons *Console) {
	buf := bufio.NewReader(t.in)

	_ = syscall.SetNonblock(t.fd, false)

	for { // ever and ever
		select {
		case <-ctx.Done():
			return
		default:
		}

		b, err := buf.ReadByte()
		if err != nil {
			return
		}

		cons.Press(b)
	}
}
