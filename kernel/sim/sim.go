// Package sim is an in-memory kernel. It keeps a page table with protections
// and nothing else, which is all the virtualization layer ever asks for.
package sim

import (
	"fmt"
	"sort"
	"sync"

	ds "github.com/ranmrdrakono/shroud/data_structures"
	"github.com/ranmrdrakono/shroud/kernel"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const (
	DefaultMmapBase = 0x10000000
	DefaultLimit    = 0x100000000
)

// Call is one entry of the call log.
type Call struct {
	Op     string
	Addr   uint64
	Length uint64
	Prot   int
	Flags  int
	Fd     int
	Offset uint64
}

func (c Call) String() string {
	return fmt.Sprintf("%s(0x%x, 0x%x, %d)", c.Op, c.Addr, c.Length, c.Prot)
}

type Kernel struct {
	// MmapBase is where non-fixed mappings without a hint are placed.
	MmapBase uint64
	// Limit is the first address past the simulated address space.
	Limit uint64

	mu    sync.Mutex
	pages map[uint64]ds.PageFlags
	files map[int]kernel.Stat
	brk   uint64
	calls []Call
	fail  map[string]error
}

func New() *Kernel {
	return &Kernel{
		MmapBase: DefaultMmapBase,
		Limit:    DefaultLimit,
		pages:    make(map[uint64]ds.PageFlags),
		files:    make(map[int]kernel.Stat),
		fail:     make(map[string]error),
	}
}

// AddFile makes fd a valid descriptor for file-backed mappings and fstat.
func (k *Kernel) AddFile(fd int, st kernel.Stat) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.files[fd] = st
}

// FailNext makes the next call to op ("mmap2", "munmap", "mprotect",
// "fstat64") fail with err without touching any state.
func (k *Kernel) FailNext(op string, err error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.fail[op] = err
}

func (k *Kernel) injected(op string) error {
	err, ok := k.fail[op]
	if ok {
		delete(k.fail, op)
	}
	return err
}

func (k *Kernel) record(c Call) {
	k.calls = append(k.calls, c)
}

// Calls returns the successful and failed calls so far, oldest first.
func (k *Kernel) Calls() []Call {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]Call(nil), k.calls...)
}

func (k *Kernel) ResetCalls() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.calls = nil
}

// Prot reports the protection of the page containing addr.
func (k *Kernel) Prot(addr uint64) (ds.PageFlags, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	flags, ok := k.pages[ds.PageBase(addr)]
	return flags, ok
}

func (k *Kernel) Mapped(addr uint64) bool {
	_, ok := k.Prot(addr)
	return ok
}

// Ranges returns the mapped memory as maximal runs of pages with equal
// protection.
func (k *Kernel) Ranges() []ds.MappedRegion {
	k.mu.Lock()
	defer k.mu.Unlock()

	addrs := make([]uint64, 0, len(k.pages))
	for addr := range k.pages {
		addrs = append(addrs, addr)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })

	var res []ds.MappedRegion
	for _, addr := range addrs {
		flags := k.pages[addr]
		if n := len(res); n > 0 && res[n-1].Range.To == addr && res[n-1].Flags == flags {
			res[n-1].Range.To += ds.PageSize
			continue
		}
		res = append(res, ds.MappedRegion{Range: ds.Range{From: addr, To: addr + ds.PageSize}, Flags: flags})
	}
	return res
}

func (k *Kernel) free(rng ds.Range) bool {
	for page := rng.From; page < rng.To; page += ds.PageSize {
		if _, ok := k.pages[page]; ok {
			return false
		}
	}
	return true
}

func (k *Kernel) place(hint, length uint64) (uint64, bool) {
	if hint == 0 {
		hint = k.MmapBase
	}
	for addr := ds.PageBase(hint); addr+length <= k.Limit && addr+length > addr; addr += ds.PageSize {
		if k.free(ds.Range{From: addr, To: addr + length}) {
			return addr, true
		}
	}
	return 0, false
}

func (k *Kernel) Mmap2(addr, length uint64, prot, flags, fd int, pgoffset uint64) (uint64, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.record(Call{Op: "mmap2", Addr: addr, Length: length, Prot: prot, Flags: flags, Fd: fd, Offset: pgoffset})

	if err := k.injected("mmap2"); err != nil {
		return 0, err
	}
	if length == 0 || (flags&kernel.MAP_FIXED != 0 && addr&ds.PageMask != 0) {
		return 0, unix.EINVAL
	}
	if flags&kernel.MAP_ANONYMOUS == 0 {
		if _, ok := k.files[fd]; !ok {
			return 0, unix.EBADF
		}
	}
	size := ds.PageNext(length)
	if size < length {
		return 0, unix.ENOMEM
	}

	if flags&kernel.MAP_FIXED == 0 {
		var ok bool
		if addr, ok = k.place(addr, size); !ok {
			return 0, unix.ENOMEM
		}
	} else if addr+size < addr || addr+size > k.Limit {
		return 0, unix.ENOMEM
	}

	pflags := ds.FlagsFromProt(prot)
	for page := addr; page < addr+size; page += ds.PageSize {
		k.pages[page] = pflags
	}
	log.WithFields(log.Fields{"addr": hex(addr), "size": hex(size), "prot": pflags}).Trace("sim mmap")
	return addr, nil
}

func (k *Kernel) Munmap(addr, length uint64) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.record(Call{Op: "munmap", Addr: addr, Length: length})

	if err := k.injected("munmap"); err != nil {
		return err
	}
	if length == 0 || addr&ds.PageMask != 0 {
		return unix.EINVAL
	}
	rng := ds.NewPageRange(addr, length)
	for page := rng.From; page < rng.To; page += ds.PageSize {
		delete(k.pages, page)
	}
	return nil
}

func (k *Kernel) Mprotect(addr, length uint64, prot int) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.record(Call{Op: "mprotect", Addr: addr, Length: length, Prot: prot})

	if err := k.injected("mprotect"); err != nil {
		return err
	}
	if addr&ds.PageMask != 0 {
		return unix.EINVAL
	}
	rng := ds.NewPageRange(addr, length)
	for page := rng.From; page < rng.To; page += ds.PageSize {
		if _, ok := k.pages[page]; !ok {
			return unix.ENOMEM
		}
	}
	pflags := ds.FlagsFromProt(prot)
	for page := rng.From; page < rng.To; page += ds.PageSize {
		k.pages[page] = pflags
	}
	return nil
}

// Brk moves the simulated break without backing it; a zero argument queries.
func (k *Kernel) Brk(addr uint64) uint64 {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.record(Call{Op: "brk", Addr: addr})
	if addr != 0 {
		k.brk = addr
	}
	return k.brk
}

func (k *Kernel) Fstat64(fd int) (kernel.Stat, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.record(Call{Op: "fstat64", Fd: fd})

	if err := k.injected("fstat64"); err != nil {
		return kernel.Stat{}, err
	}
	st, ok := k.files[fd]
	if !ok {
		return kernel.Stat{}, unix.EBADF
	}
	return st, nil
}

func hex(val uint64) string {
	return fmt.Sprintf("0x%x", val)
}

var _ kernel.Kernel = (*Kernel)(nil)
