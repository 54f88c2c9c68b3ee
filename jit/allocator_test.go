package jit

import (
	"testing"

	"github.com/go-errors/errors"
	ds "github.com/ranmrdrakono/shroud/data_structures"
)

func TestAllocFirstFit(t *testing.T) {
	a := New(0x41000000, 0x100)
	a.Lock()
	defer a.Unlock()

	x, err := a.Alloc(10)
	if err != nil || x != 0x41000000 {
		t.Fatalf("first alloc: 0x%x %v", x, err)
	}
	y, err := a.Alloc(0x20)
	if err != nil || y != 0x41000010 {
		t.Fatalf("second alloc must be 16 byte aligned after the first: 0x%x %v", y, err)
	}
	a.Free(x)
	z, err := a.Alloc(0x10)
	if err != nil || z != x {
		t.Fatalf("freed hole not reused: 0x%x %v", z, err)
	}
}

func TestAllocExhaustion(t *testing.T) {
	a := New(0x1000, 0x40)
	a.Lock()
	defer a.Unlock()

	if _, err := a.Alloc(0x40); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Alloc(1); !errors.Is(err, ErrOutOfCodeSpace) {
		t.Fatalf("expected ErrOutOfCodeSpace, got %v", err)
	}
}

func TestFreeCoalesces(t *testing.T) {
	a := New(0x1000, 0x30)
	a.Lock()
	addrs := make([]uint64, 3)
	for i := range addrs {
		addrs[i], _ = a.Alloc(0x10)
	}
	a.Free(addrs[0])
	a.Free(addrs[2])
	a.Free(addrs[1])
	if len(a.free) != 1 || a.free[0] != (ds.Range{From: 0x1000, To: 0x1030}) {
		t.Fatalf("free list not coalesced: %v", a.free)
	}
	if _, err := a.Alloc(0x30); err != nil {
		t.Fatalf("whole band should be allocatable again: %v", err)
	}
	a.Unlock()

	if a.InUse() != 0x30 {
		t.Fatalf("InUse = 0x%x", a.InUse())
	}
}

func TestFreeUnknownIsIgnored(t *testing.T) {
	a := New(0x1000, 0x100)
	a.Lock()
	defer a.Unlock()
	a.Free(0x1234)
	if len(a.free) != 1 || a.free[0] != a.Band() {
		t.Fatalf("free list changed: %v", a.free)
	}
}
