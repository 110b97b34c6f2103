// Package console is the line-discipline console device: a line-buffered
// read returning on newline, ^D, or a full input buffer; an unbuffered,
// byte-for-byte write; and three editing keys handled on the input side,
// ^P (procdump), ^U (kill line), ^H/0x7F (backspace).
//
// Modeled on the classic Unix tty line discipline: consoleread's
// wait-while-empty loop and ^D pushback, consolewrite's byte-at-a-time
// copy, and consoleintr's switch over the three control characters. The
// ring buffer (buf/r/w/e) and its fixed input-buffer sizing follow that
// model unchanged; devsw's CONSOLE major number is where this device is
// registered (internal/devsw). Terminal.go adapts a real Unix terminal
// into Console's raw byte stream (raw mode, background reader goroutine).
package console

import (
	"errors"
	"io"

	"github.com/smoynes/xv6go/internal/config"
	"github.com/smoynes/xv6go/internal/devsw"
	"github.com/smoynes/xv6go/internal/hart"
	"github.com/smoynes/xv6go/internal/log"
	"github.com/smoynes/xv6go/internal/proc"
	"github.com/smoynes/xv6go/internal/spinlock"
	"github.com/smoynes/xv6go/internal/trap"
)

// backspace is consputc's sentinel for the erase-and-retreat sequence,
// never a byte that reaches the input buffer itself.
const backspace = 0x100

func ctrl(c byte) byte { return c - '@' }

var (
	ctrlP = ctrl('P')
	ctrlU = ctrl('U')
	ctrlH = ctrl('H')
	ctrlD = ctrl('D')
)

// ErrKilled mirrors consoleread's -1 return when the calling process was
// killed while sleeping on an empty buffer.
var ErrKilled = errors.New("console: killed")

// Console is the console device: an input ring buffer guarded by its own
// lock (cons.lock in consoleintr), fed by raw bytes queued through
// Press/Intr, and an unbuffered output writer.
type Console struct {
	log   *log.Logger
	lock  *spinlock.Lock
	procs *proc.Table
	out   io.Writer

	buf     []byte
	r, w, e uint

	pending chan byte

	// rChan is sleep/wakeup's key, matching sleep(&cons.r, &cons.lock):
	// any address unique to this Console works, since chanAddr is never
	// dereferenced, only compared.
	rChan *int
}

var (
	_ devsw.Driver = (*Console)(nil)
	_ trap.Device  = (*Console)(nil)
)

// New builds a console device backed by procs (for Sleep/Wakeup/Current
// and the ^P procdump listing) writing to out.
func New(procs *proc.Table, cfg config.Config, out io.Writer) *Console {
	return &Console{
		log:     log.DefaultLogger(),
		lock:    spinlock.New("cons"),
		procs:   procs,
		out:     out,
		buf:     make([]byte, cfg.ConsoleInputBuf),
		pending: make(chan byte, cfg.ConsoleInputBuf),
		rChan:   new(int),
	}
}

func (c *Console) String() string { return "console" }

// InterruptRequested reports whether a raw input byte is queued awaiting
// the line discipline, standing in for the UART's interrupt-pending bit.
func (c *Console) InterruptRequested() bool { return len(c.pending) > 0 }

// Intr services one queued byte through the line discipline, matching
// devintr's dispatch into consoleintr. h is the hart servicing the
// interrupt, needed to acquire this console's own lock.
func (c *Console) Intr(h *hart.Hart) {
	select {
	case b := <-c.pending:
		c.interrupt(h, b)
	default:
	}
}

// Press queues a raw input byte as if typed at the terminal. Terminal's
// background reader calls this; tests call it directly to drive the line
// discipline without a real tty.
func (c *Console) Press(b byte) {
	c.pending <- b
}

// interrupt is consoleintr: ^P dumps the process table, ^U erases the
// current line, ^H/0x7F erases one character, and anything else is
// echoed and appended to the buffer, publishing it (and waking any
// reader) on newline, ^D, or a full buffer. '\r' is dropped, matching
// consoleintr exactly.
func (c *Console) interrupt(h *hart.Hart, ch byte) {
	c.lock.Acquire(h)
	defer c.lock.Release(h)

	n := uint(len(c.buf))

	switch ch {
	case ctrlP:
		c.procs.Dump(c.out)
	case ctrlU:
		for c.e != c.w && c.buf[(c.e-1)%n] != '\n' {
			c.e--
			c.putc(backspace)
		}
	case ctrlH, 0x7f:
		if c.e != c.w {
			c.e--
			c.putc(backspace)
		}
	default:
		if ch == 0 || c.e-c.r >= n {
			return
		}

		if ch == '\r' {
			return
		}

		c.putc(int(ch))
		c.buf[c.e%n] = ch
		c.e++

		if ch == '\n' || ch == ctrlD || c.e == c.r+n {
			c.w = c.e
			c.procs.Wakeup(c.rChan)
		}
	}
}

func (c *Console) putc(b int) {
	if b == backspace {
		io.WriteString(c.out, "\b \b")
		return
	}

	c.out.Write([]byte{byte(b)})
}

// Read is consoleread: block while the buffer is empty, re-checking
// Killed on every wakeup, then copy bytes up to len(dst), stopping (and
// pushing back) on ^D or stopping after a newline.
func (c *Console) Read(h *hart.Hart, dst []byte) (int, error) {
	target := len(dst)

	c.lock.Acquire(h)

	n := 0

	for n < target {
		for c.r == c.w {
			if c.procs.Current(h).Killed() {
				c.lock.Release(h)
				return n, ErrKilled
			}

			c.procs.Sleep(h, c.rChan, c.lock)
		}

		ch := c.buf[c.r%uint(len(c.buf))]
		c.r++

		if ch == ctrlD {
			if n < target {
				c.r--
			}

			break
		}

		dst[n] = ch
		n++

		if ch == '\n' {
			break
		}
	}

	c.lock.Release(h)

	return n, nil
}

// Write is consolewrite: copy src to the terminal one byte at a time,
// unbuffered, under the same lock Read and Intr use.
func (c *Console) Write(h *hart.Hart, src []byte) (int, error) {
	c.lock.Acquire(h)
	defer c.lock.Release(h)

	for i, b := range src {
		if _, err := c.out.Write([]byte{b}); err != nil {
			return i, err
		}
	}

	return len(src), nil
}
