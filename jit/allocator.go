// Package jit manages the band of engine memory that holds translated code.
package jit

import (
	"fmt"
	"sync"

	"github.com/go-errors/errors"
	ds "github.com/ranmrdrakono/shroud/data_structures"
	log "github.com/sirupsen/logrus"
)

const align = 16

var ErrOutOfCodeSpace = errors.New("translated code band exhausted")

// Allocator is a first-fit allocator over [base, base+size). Its mutex is
// the allocator lock: callers hold it around Alloc and Free, and take it
// before the code region table lock.
type Allocator struct {
	sync.Mutex

	band ds.Range
	free []ds.Range // sorted, coalesced
	used map[uint64]uint64
}

func New(base, size uint64) *Allocator {
	band := ds.Range{From: base, To: base + size}
	return &Allocator{
		band: band,
		free: []ds.Range{band},
		used: make(map[uint64]uint64),
	}
}

func hex(val uint64) string {
	return fmt.Sprintf("0x%x", val)
}

// Alloc reserves size bytes and returns their address.
//
// Preconditions: a.Mutex is locked.
func (a *Allocator) Alloc(size uint64) (uint64, error) {
	if size == 0 {
		size = 1
	}
	size = (size + align - 1) &^ (align - 1)
	for i, hole := range a.free {
		if hole.Length() < size {
			continue
		}
		addr := hole.From
		if hole.Length() == size {
			a.free = append(a.free[:i], a.free[i+1:]...)
		} else {
			a.free[i].From += size
		}
		a.used[addr] = size
		return addr, nil
	}
	return 0, errors.Wrap(ErrOutOfCodeSpace, 1)
}

// Free gives back an allocation made by Alloc.
//
// Preconditions: a.Mutex is locked.
func (a *Allocator) Free(addr uint64) {
	size, ok := a.used[addr]
	if !ok {
		log.WithFields(log.Fields{"addr": hex(addr)}).Warning("Free of unknown translated code")
		return
	}
	delete(a.used, addr)

	rng := ds.Range{From: addr, To: addr + size}
	i := 0
	for i < len(a.free) && a.free[i].From < rng.From {
		i++
	}
	a.free = append(a.free, ds.Range{})
	copy(a.free[i+1:], a.free[i:])
	a.free[i] = rng

	// merge with the right neighbour, then the left one
	if i+1 < len(a.free) && a.free[i].To == a.free[i+1].From {
		a.free[i].To = a.free[i+1].To
		a.free = append(a.free[:i+1], a.free[i+2:]...)
	}
	if i > 0 && a.free[i-1].To == a.free[i].From {
		a.free[i-1].To = a.free[i].To
		a.free = append(a.free[:i], a.free[i+1:]...)
	}
}

// InUse returns the number of bytes currently allocated.
func (a *Allocator) InUse() uint64 {
	a.Lock()
	defer a.Unlock()
	total := uint64(0)
	for _, size := range a.used {
		total += size
	}
	return total
}

func (a *Allocator) Band() ds.Range {
	return a.band
}
