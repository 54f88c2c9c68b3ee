// Package syscalls turns the guest's memory syscalls into calls on the
// virtualizer and folds the results back into kernel return values.
package syscalls

import (
	"github.com/ranmrdrakono/shroud/addrspace"
	ds "github.com/ranmrdrakono/shroud/data_structures"
	"github.com/ranmrdrakono/shroud/fatal"
	"github.com/ranmrdrakono/shroud/kernel"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// MmapArgs is the argument block of the old single-argument mmap.
type MmapArgs struct {
	Addr   uint64
	Len    uint64
	Prot   int
	Flags  int
	Fd     int
	Offset uint64
}

type Dispatcher struct {
	v   *addrspace.Virtualizer
	die func(error)
}

// NewDispatcher routes non-errno failures to die, fatal.Die when nil.
func NewDispatcher(v *addrspace.Virtualizer, die func(error)) *Dispatcher {
	if die == nil {
		die = fatal.Die
	}
	return &Dispatcher{v: v, die: die}
}

func (d *Dispatcher) ret(val uint64, err error) uint64 {
	if err == nil {
		return val
	}
	if errno, ok := kernel.AsErrno(err); ok {
		log.WithFields(log.Fields{"errno": errno}).Trace("Syscall Failed")
		return kernel.Ret(0, errno)
	}
	d.die(err)
	return kernel.Ret(0, unix.ENOMEM)
}

func (d *Dispatcher) Mmap2(addr, length uint64, prot, flags, fd int, pgoffset uint64) uint64 {
	if length == 0 {
		return addr
	}
	return d.ret(d.v.Map(addr, length, prot, flags, fd, pgoffset))
}

func (d *Dispatcher) OldMmap(a MmapArgs) uint64 {
	if a.Offset&ds.PageMask != 0 {
		return kernel.Ret(0, unix.EINVAL)
	}
	return d.Mmap2(a.Addr, a.Len, a.Prot, a.Flags, a.Fd, a.Offset>>ds.PageShift)
}

func (d *Dispatcher) Munmap(addr, length uint64) uint64 {
	return d.ret(0, d.v.Unmap(addr, length))
}

func (d *Dispatcher) Mprotect(addr, length uint64, prot int) uint64 {
	return d.ret(0, d.v.Reprotect(addr, length, prot))
}

func (d *Dispatcher) Brk(top uint64) uint64 {
	return d.ret(d.v.Brk(top))
}

func (d *Dispatcher) SetBrkMin(floor uint64) uint64 {
	return d.ret(d.v.SetBreakFloor(floor))
}
