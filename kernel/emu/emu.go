//go:build unicorn

package emu

import (
	"fmt"
	"os"
	"sync"

	"github.com/go-errors/errors"
	"github.com/ranmrdrakono/shroud/arch"
	ds "github.com/ranmrdrakono/shroud/data_structures"
	"github.com/ranmrdrakono/shroud/kernel"
	log "github.com/sirupsen/logrus"
	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"
	"golang.org/x/sys/unix"
)

const (
	DefaultMmapBase = 0x10000000
	DefaultLimit    = 0xFFFFF000
)

type Config struct {
	Arch int
	Mode int
}

// Kernel implements kernel.Kernel on top of a unicorn instance. File backed
// mappings are private copies read from the file at map time.
type Kernel struct {
	MmapBase uint64
	Limit    uint64

	mu    sync.Mutex
	uc    uc.Unicorn
	brk   uint64
	files map[int]*os.File
}

func wrap(err error) error {
	if err != nil {
		return errors.Wrap(err, 1)
	}
	return nil
}

func New(conf Config) (*Kernel, error) {
	mu, err := uc.NewUnicorn(conf.Arch, conf.Mode)
	if err != nil {
		return nil, errors.Wrap(err, 0)
	}
	return &Kernel{
		MmapBase: DefaultMmapBase,
		Limit:    DefaultLimit,
		uc:       mu,
		files:    make(map[int]*os.File),
	}, nil
}

func (k *Kernel) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	for fd, f := range k.files {
		f.Close()
		delete(k.files, fd)
	}
	mu := k.uc
	k.uc = nil
	return wrap(mu.Close())
}

// Open makes path available to Mmap2 and Fstat64 under the returned fd.
func (k *Kernel) Open(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return -1, wrap(err)
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	fd := int(f.Fd())
	k.files[fd] = f
	return fd, nil
}

func (k *Kernel) ReadMemory(addr, size uint64) ([]byte, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	mem, err := k.uc.MemRead(addr, size)
	return mem, wrap(err)
}

// Regions lists the unicorn regions as half-open ranges.
func (k *Kernel) Regions() ([]ds.MappedRegion, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.regions()
}

func (k *Kernel) regions() ([]ds.MappedRegion, error) {
	regs, err := k.uc.MemRegions()
	if err != nil {
		return nil, wrap(err)
	}
	res := make([]ds.MappedRegion, 0, len(regs))
	for _, r := range regs {
		// unicorn reports inclusive ends
		res = append(res, ds.MappedRegion{Range: ds.Range{From: r.Begin, To: r.End + 1}, Flags: ds.FlagsFromProt(r.Prot)})
	}
	return res, nil
}

func errno(err error) error {
	if err == nil {
		return nil
	}
	if ucErr, ok := err.(uc.UcError); ok {
		switch ucErr {
		case uc.ERR_NOMEM:
			return unix.ENOMEM
		case uc.ERR_ARG:
			return unix.EINVAL
		}
	}
	return wrap(err)
}

// unmapLocked removes every mapped page in rng; unicorn refuses to unmap
// holes, so it goes region by region.
func (k *Kernel) unmapLocked(rng ds.Range) error {
	regs, err := k.regions()
	if err != nil {
		return err
	}
	for _, r := range regs {
		if !r.Range.Overlaps(rng) {
			continue
		}
		from, to := max(r.Range.From, rng.From), min(r.Range.To, rng.To)
		if err := k.uc.MemUnmap(from, to-from); err != nil {
			return errno(err)
		}
	}
	return nil
}

func (k *Kernel) freeLocked(rng ds.Range) (bool, error) {
	regs, err := k.regions()
	if err != nil {
		return false, err
	}
	for _, r := range regs {
		if r.Range.Overlaps(rng) {
			return false, nil
		}
	}
	return true, nil
}

func (k *Kernel) placeLocked(hint, size uint64) (uint64, error) {
	if hint == 0 {
		hint = k.MmapBase
	}
	for addr := ds.PageBase(hint); addr+size <= k.Limit && addr+size > addr; addr += ds.PageSize {
		free, err := k.freeLocked(ds.Range{From: addr, To: addr + size})
		if err != nil {
			return 0, err
		}
		if free {
			return addr, nil
		}
	}
	return 0, unix.ENOMEM
}

func (k *Kernel) Mmap2(addr, length uint64, prot, flags, fd int, pgoffset uint64) (uint64, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if length == 0 || (flags&kernel.MAP_FIXED != 0 && addr&ds.PageMask != 0) {
		return 0, unix.EINVAL
	}
	var file *os.File
	if flags&kernel.MAP_ANONYMOUS == 0 {
		var ok bool
		if file, ok = k.files[fd]; !ok {
			return 0, unix.EBADF
		}
	}
	size := ds.PageNext(length)

	if flags&kernel.MAP_FIXED == 0 {
		var err error
		if addr, err = k.placeLocked(addr, size); err != nil {
			return 0, err
		}
	} else {
		if addr+size < addr || addr+size > k.Limit {
			return 0, unix.ENOMEM
		}
		if err := k.unmapLocked(ds.Range{From: addr, To: addr + size}); err != nil {
			return 0, err
		}
	}

	log.WithFields(log.Fields{"addr": hex(addr), "size": hex(size), "prot": ds.FlagsFromProt(prot)}).Debug("Map Memory")
	if err := k.uc.MemMapProt(addr, size, prot); err != nil {
		return 0, errno(err)
	}
	if file != nil {
		buf := make([]byte, length)
		n, err := file.ReadAt(buf, int64(pgoffset<<ds.PageShift))
		if n == 0 && err != nil {
			log.WithFields(log.Fields{"fd": fd, "error": err}).Debug("Nothing to read for file mapping")
		}
		if err := k.uc.MemWrite(addr, buf[:n]); err != nil {
			return 0, wrap(err)
		}
	}
	return addr, nil
}

func (k *Kernel) Munmap(addr, length uint64) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if length == 0 || addr&ds.PageMask != 0 {
		return unix.EINVAL
	}
	return k.unmapLocked(ds.NewPageRange(addr, length))
}

func (k *Kernel) Mprotect(addr, length uint64, prot int) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if addr&ds.PageMask != 0 {
		return unix.EINVAL
	}
	return errno(k.uc.MemProtect(addr, ds.PageNext(length), prot))
}

// Brk only keeps track of the value; the break pages are mapped through
// Mmap2 by the caller.
func (k *Kernel) Brk(addr uint64) uint64 {
	k.mu.Lock()
	defer k.mu.Unlock()
	if addr != 0 {
		k.brk = addr
	}
	return k.brk
}

func (k *Kernel) Fstat64(fd int) (kernel.Stat, error) {
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return kernel.Stat{}, err
	}
	return kernel.Stat{Dev: uint64(st.Dev), Ino: uint64(st.Ino), Mtime: int64(st.Mtim.Sec)}, nil
}

func hex(val uint64) string {
	return fmt.Sprintf("0x%x", val)
}

var _ kernel.Kernel = (*Kernel)(nil)

// ConfigFor maps a guest architecture to unicorn's constants.
func ConfigFor(a arch.Arch) (Config, error) {
	switch {
	case a == arch.X86_32:
		return Config{Arch: uc.ARCH_X86, Mode: uc.MODE_32}, nil
	case a == arch.X86_64:
		return Config{Arch: uc.ARCH_X86, Mode: uc.MODE_64}, nil
	case a.Family == arch.ARM:
		return Config{Arch: uc.ARCH_ARM, Mode: uc.MODE_ARM}, nil
	case a.Family == arch.ARM64:
		return Config{Arch: uc.ARCH_ARM64, Mode: uc.MODE_ARM}, nil
	}
	return Config{}, errors.Errorf("no emulator for %v", a)
}
