// Package addrspace emulates the memory syscalls of the guest. Every request
// is checked against the guest ceiling, forwarded to the kernel, mirrored
// into the shadow band and reflected in the code region table.
package addrspace

import (
	"fmt"
	"sync"

	"github.com/go-errors/errors"
	"github.com/ranmrdrakono/shroud/codemap"
	ds "github.com/ranmrdrakono/shroud/data_structures"
	"github.com/ranmrdrakono/shroud/kernel"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const InitialBreak = 0x10000

type Virtualizer struct {
	k      kernel.Kernel
	layout Layout
	table  *codemap.Table

	brkMu    sync.Mutex
	brk      uint64
	brkFloor uint64
}

func NewVirtualizer(k kernel.Kernel, l Layout, t *codemap.Table) *Virtualizer {
	return &Virtualizer{
		k:        k,
		layout:   l,
		table:    t,
		brk:      InitialBreak,
		brkFloor: InitialBreak,
	}
}

func hex(val uint64) string {
	return fmt.Sprintf("0x%x", val)
}

func (v *Virtualizer) Layout() Layout {
	return v.layout
}

func (v *Virtualizer) Table() *codemap.Table {
	return v.table
}

// inUser reports whether [addr, addr+length) lies below the guest ceiling.
func (v *Virtualizer) inUser(addr, length uint64) bool {
	end := addr + length
	return end >= addr && addr <= v.layout.UserEnd && end <= v.layout.UserEnd
}

// Executable memory is never executable for real, only translated code is.
// Read stays implied.
func realProt(prot int) int {
	if prot&kernel.PROT_EXEC != 0 {
		return (prot &^ kernel.PROT_EXEC) | kernel.PROT_READ
	}
	return prot
}

func (v *Virtualizer) identity(fd int, pgoffset uint64) ds.Identity {
	id := ds.Identity{PageOffset: pgoffset}
	if fd < 0 {
		return id
	}
	st, err := v.k.Fstat64(fd)
	if err != nil {
		log.WithFields(log.Fields{"fd": fd, "error": err}).Debug("No identity for mapped file")
		return id
	}
	id.Device, id.Inode, id.Mtime = st.Dev, st.Ino, st.Mtime
	return id
}

// track updates the code region table after a successful change of
// [addr, addr+length).
func (v *Virtualizer) track(addr, length uint64, prot int, id ds.Identity) error {
	var err error
	if prot&kernel.PROT_EXEC != 0 {
		err = v.table.Register(addr, ds.PageNext(length), id)
	} else {
		err = v.table.Unregister(addr, ds.PageNext(length))
	}
	if err != nil {
		return errors.Wrap(err, 1)
	}
	return nil
}

// Map emulates mmap2. Errnos are for the guest; any other error is fatal.
func (v *Virtualizer) Map(addr, length uint64, prot, flags, fd int, pgoffset uint64) (uint64, error) {
	if !v.inUser(addr, length) {
		return 0, unix.EFAULT
	}

	ret, err := v.k.Mmap2(addr, length, realProt(prot), flags, fd, pgoffset)
	if err != nil {
		return 0, err
	}
	log.WithFields(log.Fields{"addr": hex(ret), "len": hex(length), "prot": ds.FlagsFromProt(prot)}).Debug("Guest Map")

	shadow := v.layout.Shadow(ret)
	_, err = v.k.Mmap2(shadow, length, kernel.PROT_READ|kernel.PROT_WRITE,
		kernel.MAP_PRIVATE|kernel.MAP_FIXED|kernel.MAP_ANONYMOUS, -1, 0)
	if err != nil {
		log.WithFields(log.Fields{"shadow": hex(shadow), "error": err}).Warn("Could not map shadow memory")
	}

	var id ds.Identity
	if prot&kernel.PROT_EXEC != 0 {
		id = v.identity(fd, pgoffset)
	}
	return ret, v.track(ret, length, prot, id)
}

func (v *Virtualizer) Unmap(addr, length uint64) error {
	if !v.inUser(addr, length) {
		return unix.EFAULT
	}
	if err := v.k.Munmap(addr, length); err != nil {
		return err
	}
	log.WithFields(log.Fields{"addr": hex(addr), "len": hex(length)}).Debug("Guest Unmap")
	return v.track(addr, length, kernel.PROT_NONE, ds.Identity{})
}

func (v *Virtualizer) Reprotect(addr, length uint64, prot int) error {
	if !v.inUser(addr, length) {
		return unix.EFAULT
	}
	err := v.k.Mprotect(addr, length, prot&^kernel.PROT_EXEC)
	if serr := v.k.Mprotect(v.layout.Shadow(addr), length, prot&^kernel.PROT_EXEC); serr != nil {
		log.WithFields(log.Fields{"shadow": hex(v.layout.Shadow(addr)), "error": serr}).Debug("Could not reprotect shadow memory")
	}
	if err != nil {
		return err
	}
	log.WithFields(log.Fields{"addr": hex(addr), "len": hex(length), "prot": ds.FlagsFromProt(prot)}).Debug("Guest Reprotect")
	return v.track(addr, length, prot, ds.Identity{})
}
