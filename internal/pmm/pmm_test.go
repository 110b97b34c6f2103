package pmm

import (
	"errors"
	"testing"

	"github.com/smoynes/xv6go/internal/hart"
)

func TestAllocFree(tt *testing.T) {
	tt.Parallel()

	a, err := New(4096, 4)
	if err != nil {
		tt.Fatalf("New: %s", err)
	}
	defer a.Close()

	h := hart.New(0)

	if got := a.FreeMemAmount(h); got != 4*4096 {
		tt.Fatalf("FreeMemAmount = %d, want %d", got, 4*4096)
	}

	pa, err := a.Alloc(h)
	if err != nil {
		tt.Fatalf("Alloc: %s", err)
	}

	page := a.Page(pa)
	for i, b := range page {
		if b != allocPoison {
			tt.Fatalf("page[%d] = %#x, want alloc poison %#x", i, b, allocPoison)
		}
	}

	if got := a.FreeMemAmount(h); got != 3*4096 {
		tt.Fatalf("FreeMemAmount after alloc = %d, want %d", got, 3*4096)
	}

	a.Free(h, pa)

	if got := a.FreeMemAmount(h); got != 4*4096 {
		tt.Fatalf("FreeMemAmount after free = %d, want %d", got, 4*4096)
	}

	page = a.Page(pa)
	for i, b := range page {
		if b != freePoison {
			tt.Fatalf("page[%d] = %#x, want free poison %#x", i, b, freePoison)
		}
	}
}

func TestAllocExhaustsThenReusesFreedPage(tt *testing.T) {
	tt.Parallel()

	a, err := New(4096, 1)
	if err != nil {
		tt.Fatalf("New: %s", err)
	}
	defer a.Close()

	h := hart.New(0)

	pa1, err := a.Alloc(h)
	if err != nil {
		tt.Fatalf("Alloc: %s", err)
	}

	if _, err := a.Alloc(h); !errors.Is(err, ErrNoFreePages) {
		tt.Fatalf("Alloc on exhausted pool: err = %v, want ErrNoFreePages", err)
	}

	a.Free(h, pa1)

	pa2, err := a.Alloc(h)
	if err != nil {
		tt.Fatalf("Alloc after free: %s", err)
	}

	if pa1 != pa2 {
		tt.Fatalf("Alloc after free returned %#x, want the freed page %#x", pa2, pa1)
	}
}

func TestFreeMisalignedPanics(tt *testing.T) {
	tt.Parallel()

	a, err := New(4096, 2)
	if err != nil {
		tt.Fatalf("New: %s", err)
	}
	defer a.Close()

	h := hart.New(0)

	defer func() {
		if recover() == nil {
			tt.Fatal("Free with misaligned address did not panic")
		}
	}()

	a.Free(h, 1)
}
