package addrspace

import (
	ds "github.com/ranmrdrakono/shroud/data_structures"
	"github.com/ranmrdrakono/shroud/kernel"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// SetBreakFloor raises the lowest break the guest may ask for, usually to
// the end of the loaded binary. The floor never goes down.
func (v *Virtualizer) SetBreakFloor(floor uint64) (uint64, error) {
	if floor > v.layout.UserEnd {
		return 0, unix.EPERM
	}

	v.brkMu.Lock()
	defer v.brkMu.Unlock()
	if floor > v.brkFloor {
		v.brkFloor = floor
		v.brk = floor
	}
	v.k.Brk(floor)
	log.WithFields(log.Fields{"floor": hex(v.brkFloor), "brk": hex(v.brk)}).Debug("Break Floor")
	return v.brk, nil
}

// Brk emulates brk. Requests below the floor or above the ceiling leave the
// break where it is; the current break is always returned.
func (v *Virtualizer) Brk(top uint64) (uint64, error) {
	v.brkMu.Lock()
	defer v.brkMu.Unlock()

	if top < v.brkFloor || top > v.layout.UserEnd {
		return v.brk, nil
	}

	cur, next := ds.PageNext(v.brk), ds.PageNext(top)
	var err error
	switch {
	case next > cur:
		_, err = v.Map(cur, next-cur, kernel.PROT_READ|kernel.PROT_WRITE,
			kernel.MAP_PRIVATE|kernel.MAP_FIXED|kernel.MAP_ANONYMOUS, -1, 0)
	case next < cur:
		err = v.Unmap(next, cur-next)
	}
	if err != nil {
		if _, ok := kernel.AsErrno(err); ok {
			log.WithFields(log.Fields{"brk": hex(v.brk), "want": hex(top), "error": err}).Debug("Break Not Moved")
			return v.brk, nil
		}
		return v.brk, err
	}
	v.brk = top
	return v.brk, nil
}

// Break returns the current break and its floor.
func (v *Virtualizer) Break() (cur, floor uint64) {
	v.brkMu.Lock()
	defer v.brkMu.Unlock()
	return v.brk, v.brkFloor
}
