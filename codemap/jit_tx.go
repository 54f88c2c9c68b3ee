package codemap

import (
	ds "github.com/ranmrdrakono/shroud/data_structures"
	log "github.com/sirupsen/logrus"
)

// JitTx is the translator's view of the table. It only exists inside
// WithJit, that is while the allocator lock is held, so a region found
// through it cannot be removed before the transaction ends. Thread caches
// must be filled inside the transaction too: after it ends, a purge for the
// region may already have run.
type JitTx struct {
	t *Table
}

// WithJit runs fn with the allocator lock held. fn must not keep tx.
func (t *Table) WithJit(fn func(tx *JitTx) error) error {
	t.alloc.Lock()
	defer t.alloc.Unlock()
	return fn(&JitTx{t: t})
}

func (tx *JitTx) Find(addr uint64) (ds.CodeRegion, bool) {
	return tx.t.FindByGuest(addr)
}

// Bind attaches [jitAddr, jitAddr+jitLen) to the region containing addr.
func (tx *JitTx) Bind(addr, jitAddr, jitLen uint64) (ds.CodeRegion, error) {
	t := tx.t
	t.mu.Lock()
	defer t.mu.Unlock()

	i := t.guestIndexLocked(addr)
	if i < 0 {
		return ds.CodeRegion{}, wrap(ErrNoRegion)
	}
	if t.slots[i].HasTranslation() {
		return t.slots[i], wrap(ErrAlreadyTranslated)
	}
	t.slots[i].Jit = ds.Range{From: jitAddr, To: jitAddr + jitLen}
	return t.slots[i], nil
}

// Translate makes sure the region containing addr owns size bytes of
// translated code and returns it.
func (tx *JitTx) Translate(addr, size uint64) (ds.CodeRegion, error) {
	region, ok := tx.Find(addr)
	if !ok {
		return region, wrap(ErrNoRegion)
	}
	if region.HasTranslation() {
		return region, nil
	}
	jitAddr, err := tx.t.alloc.Alloc(size)
	if err != nil {
		return region, err
	}
	region, err = tx.Bind(addr, jitAddr, size)
	if err != nil {
		tx.t.alloc.Free(jitAddr)
		return region, err
	}
	log.WithFields(log.Fields{"guest": region.Guest, "jit": region.Jit}).Debug("Bound Translated Code")
	return region, nil
}
