package addrspace

import (
	"sync"
	"testing"

	"github.com/go-errors/errors"
	"github.com/google/go-cmp/cmp"
	"github.com/ranmrdrakono/shroud/codemap"
	ds "github.com/ranmrdrakono/shroud/data_structures"
	"github.com/ranmrdrakono/shroud/jit"
	"github.com/ranmrdrakono/shroud/jmpcache"
	"github.com/ranmrdrakono/shroud/kernel"
	"github.com/ranmrdrakono/shroud/kernel/sim"
	"golang.org/x/sys/unix"
)

const (
	anonFixed = kernel.MAP_PRIVATE | kernel.MAP_FIXED | kernel.MAP_ANONYMOUS
	rx        = kernel.PROT_READ | kernel.PROT_EXEC
	rw        = kernel.PROT_READ | kernel.PROT_WRITE
)

type fixture struct {
	k      *sim.Kernel
	alloc  *jit.Allocator
	caches *jmpcache.Registry
	table  *codemap.Table
	v      *Virtualizer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	l := DefaultLayout()
	f := &fixture{
		k:      sim.New(),
		alloc:  jit.New(l.JitCodeStart, l.JitCodeSize),
		caches: jmpcache.NewRegistry(64),
	}
	f.table = codemap.New(codemap.Config{MaxRegions: 16}, f.alloc, f.caches)
	f.v = NewVirtualizer(f.k, l, f.table)
	return f
}

// run translates addr and fills tid's cache in the same transaction, so no
// purge can slip in between.
func (f *fixture) run(tid int, addr uint64) (ds.CodeRegion, error) {
	var region ds.CodeRegion
	err := f.table.WithJit(func(tx *codemap.JitTx) error {
		var err error
		if region, err = tx.Translate(addr, 0x40); err != nil {
			return err
		}
		f.caches.Attach(tid).Add(addr, region.Jit.From)
		return nil
	})
	return region, err
}

func (f *fixture) translate(t *testing.T, tid int, addr uint64) ds.CodeRegion {
	t.Helper()
	region, err := f.run(tid, addr)
	if err != nil {
		t.Fatalf("translate 0x%x: %v", addr, err)
	}
	return region
}

func TestMapExecutableRegisters(t *testing.T) {
	f := newFixture(t)
	st := kernel.Stat{Dev: 0x801, Ino: 1234, Mtime: 1600000000}
	f.k.AddFile(3, st)

	ret, err := f.v.Map(0x100000, 0x1800, rx, kernel.MAP_PRIVATE|kernel.MAP_FIXED, 3, 2)
	if err != nil || ret != 0x100000 {
		t.Fatalf("map: 0x%x %v", ret, err)
	}
	if flags, _ := f.k.Prot(0x100000); flags != ds.R {
		t.Errorf("guest pages are %v, execute must be stripped", flags)
	}
	if flags, ok := f.k.Prot(f.v.Layout().Shadow(0x101000)); !ok || flags != ds.R|ds.W {
		t.Errorf("shadow pages are %v (mapped %v)", flags, ok)
	}

	want := []ds.CodeRegion{{
		Guest:    ds.Range{From: 0x100000, To: 0x102000},
		Identity: ds.Identity{Device: 0x801, Inode: 1234, Mtime: 1600000000, PageOffset: 2},
	}}
	if diff := cmp.Diff(want, f.table.Regions()); diff != "" {
		t.Fatalf("regions (-want +got):\n%s", diff)
	}
}

func TestMapIdentityFallback(t *testing.T) {
	f := newFixture(t)

	if _, err := f.v.Map(0x100000, 0x1000, rx, anonFixed, -1, 5); err != nil {
		t.Fatal(err)
	}
	// anonymous mappings ignore fd, fstat on it fails
	if _, err := f.v.Map(0x200000, 0x1000, rx, anonFixed, 9, 7); err != nil {
		t.Fatal(err)
	}

	regions := f.table.Regions()
	if len(regions) != 2 {
		t.Fatalf("regions: %v", regions)
	}
	for i, off := range []uint64{5, 7} {
		want := ds.Identity{PageOffset: off}
		if regions[i].Identity != want {
			t.Errorf("region %d identity %+v, want %+v", i, regions[i].Identity, want)
		}
	}
}

func TestMapNonExecutableDropsStaleCode(t *testing.T) {
	f := newFixture(t)
	f.v.Map(0x100000, 0x3000, rx, anonFixed, -1, 0)
	f.translate(t, 1, 0x100000)

	if _, err := f.v.Map(0x101000, 0x1000, rw, anonFixed, -1, 0); err != nil {
		t.Fatal(err)
	}
	got := f.table.Regions()
	if len(got) != 2 || got[0].Guest != (ds.Range{From: 0x100000, To: 0x101000}) || got[1].Guest != (ds.Range{From: 0x102000, To: 0x103000}) {
		t.Fatalf("regions after data mapping: %v", got)
	}
	if got[0].HasTranslation() || got[1].HasTranslation() {
		t.Fatalf("residuals must not keep translated code")
	}
	if f.alloc.InUse() != 0 {
		t.Fatalf("translated code leaked: 0x%x", f.alloc.InUse())
	}
}

func TestBeyondCeiling(t *testing.T) {
	f := newFixture(t)
	f.v.Map(0x100000, 0x1000, rx, anonFixed, -1, 0)
	before := f.table.Regions()
	f.k.ResetCalls()

	end := f.v.Layout().UserEnd
	cases := []struct {
		name      string
		addr, len uint64
	}{
		{"start above", end + 0x1000, 0x1000},
		{"straddles", end - 0x1000, 0x2000},
		{"wraps", 0xfffff000, 0x2000},
	}
	for _, c := range cases {
		if _, err := f.v.Map(c.addr, c.len, kernel.PROT_EXEC, anonFixed, -1, 0); err != unix.EFAULT {
			t.Errorf("map %s: %v", c.name, err)
		}
		if err := f.v.Unmap(c.addr, c.len); err != unix.EFAULT {
			t.Errorf("unmap %s: %v", c.name, err)
		}
		if err := f.v.Reprotect(c.addr, c.len, rx); err != unix.EFAULT {
			t.Errorf("mprotect %s: %v", c.name, err)
		}
	}
	if calls := f.k.Calls(); len(calls) != 0 {
		t.Errorf("kernel was called: %v", calls)
	}
	if diff := cmp.Diff(before, f.table.Regions()); diff != "" {
		t.Errorf("table changed (-before +after):\n%s", diff)
	}

	// touching the ceiling is fine
	if _, err := f.v.Map(end-0x1000, 0x1000, rw, anonFixed, -1, 0); err != nil {
		t.Errorf("map below the ceiling: %v", err)
	}
}

func TestKernelErrnoPassesThrough(t *testing.T) {
	f := newFixture(t)
	f.k.FailNext("mmap2", unix.ENOMEM)
	if _, err := f.v.Map(0x100000, 0x1000, rx, anonFixed, -1, 0); err != unix.ENOMEM {
		t.Fatalf("map: %v", err)
	}
	if err := f.v.Unmap(0x100001, 0x1000); err != unix.EINVAL {
		t.Fatalf("unaligned unmap: %v", err)
	}
	if err := f.v.Reprotect(0x300000, 0x1000, rx); err != unix.ENOMEM {
		t.Fatalf("mprotect of unmapped memory: %v", err)
	}
	if f.table.Len() != 0 {
		t.Fatalf("failed calls registered code: %v", f.table.Regions())
	}
}

func TestShadowFailureIsNotFatal(t *testing.T) {
	f := newFixture(t)
	// the guest lands at the mmap base, its shadow falls past the limit
	f.k.Limit = f.v.Layout().TaintStart
	ret, err := f.v.Map(0, 0x1000, rx, kernel.MAP_PRIVATE|kernel.MAP_ANONYMOUS, -1, 0)
	if err != nil || ret != sim.DefaultMmapBase {
		t.Fatalf("map: 0x%x %v", ret, err)
	}
	if f.k.Mapped(f.v.Layout().Shadow(ret)) {
		t.Fatalf("shadow should not have been mapped")
	}
	if _, ok := f.table.FindByGuest(ret); !ok {
		t.Fatalf("region at 0x%x not registered", ret)
	}
}

func TestReprotect(t *testing.T) {
	f := newFixture(t)
	f.v.Map(0x100000, 0x2000, rw, anonFixed, -1, 0)

	if err := f.v.Reprotect(0x100000, 0x2000, rx); err != nil {
		t.Fatal(err)
	}
	region, ok := f.table.FindByGuest(0x101fff)
	if !ok || region.Guest != (ds.Range{From: 0x100000, To: 0x102000}) || !region.Identity.IsZero() {
		t.Fatalf("region after mprotect: %v %v", region, ok)
	}
	for _, addr := range []uint64{0x100000, f.v.Layout().Shadow(0x100000)} {
		if flags, _ := f.k.Prot(addr); flags != ds.R {
			t.Errorf("0x%x is %v, want r--", addr, flags)
		}
	}

	if err := f.v.Reprotect(0x100000, 0x1000, kernel.PROT_READ); err != nil {
		t.Fatal(err)
	}
	got := f.table.Regions()
	if len(got) != 1 || got[0].Guest != (ds.Range{From: 0x101000, To: 0x102000}) || got[0].PageOffset != 1 {
		t.Fatalf("regions: %v", got)
	}
}

func TestUnmapSpanningTwoRegions(t *testing.T) {
	f := newFixture(t)
	f.v.Map(0x100000, 0x2000, rx, anonFixed, -1, 0)
	f.v.Map(0x102000, 0x2000, rx, anonFixed, -1, 0)
	f.translate(t, 1, 0x100000)
	f.translate(t, 2, 0x102000)
	if f.table.Len() != 2 {
		t.Fatalf("adjacent mappings must stay separate regions: %v", f.table.Regions())
	}

	if err := f.v.Unmap(0x100000, 0x4000); err != nil {
		t.Fatal(err)
	}
	if f.table.Len() != 0 {
		t.Fatalf("table not empty: %v", f.table.Regions())
	}
	if f.caches.Purges() != 2 {
		t.Fatalf("%d purges, want 2", f.caches.Purges())
	}
	for tid, addr := range map[int]uint64{1: 0x100000, 2: 0x102000} {
		if _, ok := f.caches.Attach(tid).Lookup(addr); ok {
			t.Errorf("thread %d still caches 0x%x", tid, addr)
		}
	}
	if f.alloc.InUse() != 0 {
		t.Errorf("translated code not freed: 0x%x", f.alloc.InUse())
	}
	if f.k.Mapped(0x100000) || f.k.Mapped(0x103000) {
		t.Errorf("guest pages still mapped")
	}
}

func TestTableErrorsAreFatal(t *testing.T) {
	f := newFixture(t)
	f.table = codemap.New(codemap.Config{MaxRegions: 1}, f.alloc, f.caches)
	f.v = NewVirtualizer(f.k, f.v.Layout(), f.table)

	if _, err := f.v.Map(0x100000, 0x3000, rx, anonFixed, -1, 0); err != nil {
		t.Fatal(err)
	}
	err := f.v.Unmap(0x101000, 0x1000)
	var capErr *codemap.CapacityError
	if !errors.As(err, &capErr) {
		t.Fatalf("expected a capacity error, got %v", err)
	}
	if _, ok := kernel.AsErrno(err); ok {
		t.Fatalf("capacity error must not look like a guest errno")
	}
}

func TestCachedTranslationsSurviveConcurrentUnmaps(t *testing.T) {
	f := newFixture(t)
	addrs := []uint64{0x1000, 0x2000, 0x3000, 0x4000}

	var wg sync.WaitGroup
	for tid := 0; tid < 3; tid++ {
		wg.Add(1)
		go func(tid int) {
			defer wg.Done()
			for i := 0; i < 300; i++ {
				f.run(tid, addrs[i%len(addrs)])
			}
		}(tid)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 300; i++ {
			addr := addrs[i%len(addrs)]
			if i%2 == 0 {
				f.v.Map(addr, ds.PageSize, rx, anonFixed, -1, 0)
			} else {
				f.v.Unmap(addr, ds.PageSize)
			}
		}
	}()
	wg.Wait()

	for tid := 0; tid < 3; tid++ {
		cache := f.caches.Attach(tid)
		for _, addr := range addrs {
			jitAddr, ok := cache.Lookup(addr)
			if !ok {
				continue
			}
			region, found := f.table.FindByGuest(addr)
			if !found || !region.HasTranslation() || region.Jit.From != jitAddr {
				t.Errorf("thread %d caches 0x%x -> 0x%x, table has %v (found %v)", tid, addr, jitAddr, region, found)
			}
		}
	}
}
