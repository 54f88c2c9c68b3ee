package syscalls

import (
	"testing"

	"github.com/go-errors/errors"
	"github.com/ranmrdrakono/shroud/addrspace"
	"github.com/ranmrdrakono/shroud/codemap"
	"github.com/ranmrdrakono/shroud/jit"
	"github.com/ranmrdrakono/shroud/kernel"
	"github.com/ranmrdrakono/shroud/kernel/sim"
	"golang.org/x/sys/unix"
)

const anonFixed = kernel.MAP_PRIVATE | kernel.MAP_FIXED | kernel.MAP_ANONYMOUS

func newDispatcher(t *testing.T, maxRegions int) (*Dispatcher, *codemap.Table, *[]error) {
	t.Helper()
	l := addrspace.DefaultLayout()
	table := codemap.New(codemap.Config{MaxRegions: maxRegions}, jit.New(l.JitCodeStart, l.JitCodeSize), nil)
	v := addrspace.NewVirtualizer(sim.New(), l, table)
	var died []error
	return NewDispatcher(v, func(err error) { died = append(died, err) }), table, &died
}

func TestMmap2(t *testing.T) {
	d, table, died := newDispatcher(t, 0)

	if ret := d.Mmap2(0x100000, 0, kernel.PROT_EXEC, anonFixed, -1, 0); ret != 0x100000 {
		t.Errorf("zero length mmap returned 0x%x", ret)
	}
	if table.Len() != 0 {
		t.Errorf("zero length mmap registered code")
	}
	if ret := d.Mmap2(0x100000, 0x1000, kernel.PROT_READ|kernel.PROT_EXEC, anonFixed, -1, 0); ret != 0x100000 {
		t.Errorf("mmap returned 0x%x", ret)
	}
	ret := d.Mmap2(0x7ffff000, 0x1000, kernel.PROT_READ, anonFixed, -1, 0)
	if !kernel.IsError(ret) || ret != kernel.Ret(0, unix.EFAULT) {
		t.Errorf("mmap above the ceiling returned 0x%x", ret)
	}
	if len(*died) != 0 {
		t.Errorf("guest errors reached the fatal path: %v", *died)
	}
}

func TestOldMmap(t *testing.T) {
	d, table, _ := newDispatcher(t, 0)

	bad := MmapArgs{Addr: 0x100000, Len: 0x1000, Prot: kernel.PROT_EXEC, Flags: anonFixed, Fd: -1, Offset: 0x10}
	if ret := d.OldMmap(bad); ret != kernel.Ret(0, unix.EINVAL) {
		t.Errorf("unaligned offset: 0x%x", ret)
	}
	good := bad
	good.Offset = 0x3000
	if ret := d.OldMmap(good); ret != 0x100000 {
		t.Fatalf("old mmap: 0x%x", ret)
	}
	region, ok := table.FindByGuest(0x100000)
	if !ok || region.PageOffset != 3 {
		t.Fatalf("byte offset not converted to pages: %v", region)
	}
}

func TestMunmapMprotect(t *testing.T) {
	d, table, _ := newDispatcher(t, 0)
	d.Mmap2(0x100000, 0x2000, kernel.PROT_READ, anonFixed, -1, 0)

	if ret := d.Mprotect(0x100000, 0x2000, kernel.PROT_READ|kernel.PROT_EXEC); ret != 0 {
		t.Fatalf("mprotect: 0x%x", ret)
	}
	if table.Len() != 1 {
		t.Fatalf("mprotect did not register code")
	}
	if ret := d.Munmap(0x100000, 0x2000); ret != 0 {
		t.Fatalf("munmap: 0x%x", ret)
	}
	if table.Len() != 0 {
		t.Fatalf("munmap left code behind")
	}
	if ret := d.Mprotect(0x100000, 0x1000, kernel.PROT_READ); ret != kernel.Ret(0, unix.ENOMEM) {
		t.Fatalf("mprotect of unmapped memory: 0x%x", ret)
	}
}

func TestBrk(t *testing.T) {
	d, _, _ := newDispatcher(t, 0)
	if ret := d.SetBrkMin(0x20000); ret != 0x20000 {
		t.Fatalf("set_brk_min: 0x%x", ret)
	}
	if ret := d.SetBrkMin(0x80000000); ret != kernel.Ret(0, unix.EPERM) {
		t.Fatalf("set_brk_min above the ceiling: 0x%x", ret)
	}
	if ret := d.Brk(0x21000); ret != 0x21000 {
		t.Fatalf("brk: 0x%x", ret)
	}
	if ret := d.Brk(0); ret != 0x21000 {
		t.Fatalf("brk query: 0x%x", ret)
	}
}

func TestFatalErrors(t *testing.T) {
	d, _, died := newDispatcher(t, 1)
	d.Mmap2(0x100000, 0x3000, kernel.PROT_EXEC, anonFixed, -1, 0)
	d.Munmap(0x101000, 0x1000)

	if len(*died) != 1 {
		t.Fatalf("%d fatal errors, want 1", len(*died))
	}
	var capErr *codemap.CapacityError
	if !errors.As((*died)[0], &capErr) {
		t.Fatalf("fatal error is %v", (*died)[0])
	}
}
