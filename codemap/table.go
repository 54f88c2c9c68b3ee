// Package codemap keeps the ordered set of guest regions that contain
// executable code, and their lazily generated translations.
//
// Two locks are involved. The allocator lock (owned by the CodeAllocator)
// is always taken before the table lock. Lookups take only the table lock;
// anything that may free translated code takes both, in that order.
package codemap

import (
	"fmt"
	"sync"

	ds "github.com/ranmrdrakono/shroud/data_structures"
	log "github.com/sirupsen/logrus"
)

const DefaultMaxRegions = 32768

type Config struct {
	MaxRegions int `toml:"max_regions" env:"MAX_REGIONS"`
}

// CodeAllocator hands out translated code. Alloc and Free are only called
// with the allocator lock held.
type CodeAllocator interface {
	sync.Locker
	Alloc(size uint64) (uint64, error)
	Free(addr uint64)
}

// CachePurger drops every thread's cached translations for a guest range.
// Purge must not return before all threads are done.
type CachePurger interface {
	Purge(addr, length uint64)
}

type nopPurger struct{}

func (nopPurger) Purge(addr, length uint64) {}

// Table is a fixed-capacity arena of code regions, sorted by guest start
// address and pairwise non-overlapping.
type Table struct {
	alloc  CodeAllocator
	purger CachePurger

	mu    sync.Mutex
	slots []ds.CodeRegion
	n     int
}

func New(conf Config, alloc CodeAllocator, purger CachePurger) *Table {
	max := conf.MaxRegions
	if max <= 0 {
		max = DefaultMaxRegions
	}
	if purger == nil {
		purger = nopPurger{}
	}
	return &Table{
		alloc:  alloc,
		purger: purger,
		slots:  make([]ds.CodeRegion, max),
	}
}

func hex(val uint64) string {
	return fmt.Sprintf("0x%x", val)
}

func (t *Table) Cap() int {
	return len(t.slots)
}

func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.n
}

// Regions returns a copy of the table in guest address order.
func (t *Table) Regions() []ds.CodeRegion {
	t.mu.Lock()
	defer t.mu.Unlock()
	res := make([]ds.CodeRegion, t.n)
	copy(res, t.slots[:t.n])
	return res
}

// FindByGuest returns the region whose guest range contains addr.
func (t *Table) FindByGuest(addr uint64) (ds.CodeRegion, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if i := t.guestIndexLocked(addr); i >= 0 {
		return t.slots[i], true
	}
	return ds.CodeRegion{}, false
}

// FindByJit maps an address inside translated code back to its region.
func (t *Table) FindByJit(addr uint64) (ds.CodeRegion, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := 0; i < t.n; i++ {
		if t.slots[i].Jit.Contains(addr) {
			return t.slots[i], true
		}
	}
	return ds.CodeRegion{}, false
}

// Register records [addr, addr+length) as executable with no translation
// yet, replacing whatever overlapped it. The range is taken as given;
// callers round lengths to pages.
func (t *Table) Register(addr, length uint64, id ds.Identity) error {
	rng := ds.Range{From: addr, To: addr + length}
	if rng.IsEmpty() {
		return nil
	}
	log.WithFields(log.Fields{"addr": hex(addr), "len": hex(rng.Length()), "key": hex(id.Key())}).Debug("Register Code Region")

	t.alloc.Lock()
	defer t.alloc.Unlock()
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.unregisterLocked(rng); err != nil {
		return err
	}
	return t.insertLocked(ds.CodeRegion{Guest: rng, Identity: id})
}

// Unregister drops every region overlapping [addr, addr+length). Parts of a
// region outside the range survive as new regions without translated code.
func (t *Table) Unregister(addr, length uint64) error {
	rng := ds.Range{From: addr, To: addr + length}
	if rng.IsEmpty() {
		return nil
	}
	log.WithFields(log.Fields{"addr": hex(addr), "len": hex(rng.Length())}).Debug("Unregister Code Region")

	t.alloc.Lock()
	defer t.alloc.Unlock()
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.unregisterLocked(rng)
}

func (t *Table) guestIndexLocked(addr uint64) int {
	for i := 0; i < t.n; i++ {
		if t.slots[i].Guest.Contains(addr) {
			return i
		}
	}
	return -1
}

// Preconditions: t.mu is locked.
func (t *Table) insertLocked(region ds.CodeRegion) error {
	if t.n >= len(t.slots) {
		return wrap(&CapacityError{Max: len(t.slots)})
	}
	i := t.n
	for ; i > 0; i-- {
		if region.Guest.From >= t.slots[i-1].Guest.From {
			break
		}
		t.slots[i] = t.slots[i-1]
	}
	t.slots[i] = region
	t.n++
	return nil
}

// Preconditions: t.mu is locked.
func (t *Table) deleteLocked(i int) {
	copy(t.slots[i:t.n-1], t.slots[i+1:t.n])
	t.n--
	t.slots[t.n] = ds.CodeRegion{}
}

// Preconditions: the allocator lock and t.mu are locked.
func (t *Table) unregisterLocked(cut ds.Range) error {
	for i := t.n - 1; i >= 0; {
		orig := t.slots[i]
		if !orig.Guest.Overlaps(cut) {
			i--
			continue
		}

		left, right := orig.Guest.Split(cut)
		residuals := 0
		if !left.IsEmpty() {
			residuals++
		}
		if !right.IsEmpty() {
			residuals++
		}
		if t.n-1+residuals > len(t.slots) {
			return wrap(&CapacityError{Max: len(t.slots)})
		}

		t.deleteLocked(i)
		if orig.HasTranslation() {
			// the row is gone, nobody can look up the code we free here
			t.alloc.Free(orig.Jit.From)
			t.purger.Purge(orig.Guest.From, orig.Guest.Length())
		}

		if !left.IsEmpty() {
			if err := t.insertLocked(ds.CodeRegion{Guest: left, Identity: orig.Identity}); err != nil {
				return err
			}
		}
		if !right.IsEmpty() {
			id := orig.Identity
			id.PageOffset += (cut.To - orig.Guest.From) >> ds.PageShift
			if err := t.insertLocked(ds.CodeRegion{Guest: right, Identity: id}); err != nil {
				return err
			}
		}
		log.WithFields(log.Fields{"region": orig.Guest, "left": left, "right": right}).Debug("Code Region Removed")

		i = t.n - 1
	}
	return nil
}
