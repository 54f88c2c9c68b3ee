package addrspace

import (
	"fmt"
	"sync"

	"github.com/go-errors/errors"
	ds "github.com/ranmrdrakono/shroud/data_structures"
	"github.com/ranmrdrakono/shroud/kernel"
	log "github.com/sirupsen/logrus"
)

type Domain int

const (
	DomainNone Domain = iota
	Shielded
	Unshielded
	MinimalShielded
	MinimalUnshielded
)

func (d Domain) String() string {
	switch d {
	case Shielded:
		return "shielded"
	case Unshielded:
		return "unshielded"
	case MinimalShielded:
		return "minimal-shielded"
	case MinimalUnshielded:
		return "minimal-unshielded"
	}
	return "none"
}

// Band is one row of a protection table.
type Band struct {
	Range ds.Range
	Flags ds.PageFlags
}

func (b Band) String() string {
	return fmt.Sprintf("%v %v", b.Range, b.Flags)
}

var ErrLayoutIncomplete = errors.New("high user address not known before Initialize")

// ProtectionError means the engine could not hide or expose its own memory.
// The process cannot continue safely.
type ProtectionError struct {
	Domain Domain
	Band   Band
	Err    error
}

func (e *ProtectionError) Error() string {
	return fmt.Sprintf("failed to give memory region 0x%x with size 0x%x protection %v (%v): %v",
		e.Band.Range.From, e.Band.Range.Length(), e.Band.Flags, e.Domain, e.Err)
}

func (e *ProtectionError) Unwrap() error {
	return e.Err
}

// Shield switches the engine's memory between what the guest may see
// (shielded) and what the engine itself needs (unshielded).
type Shield struct {
	k      kernel.Kernel
	tables map[Domain][]Band

	mu     sync.Mutex
	domain Domain
}

func NewShield(k kernel.Kernel, l Layout) *Shield {
	rd := l.RuntimeData()
	above := ds.Range{From: l.TaintEnd(), To: l.HighUserAddr}

	tables := map[Domain][]Band{
		MinimalShielded:   {{rd, ds.R}},
		MinimalUnshielded: {{rd, ds.R | ds.W}},
	}
	if l.HighUserAddr != 0 {
		tables[Shielded] = []Band{
			{rd, ds.R},
			{l.JitCode(), ds.R | ds.X},
			{above, 0},
		}
		tables[Unshielded] = []Band{
			{ds.Range{From: l.RuntimeDataStart, To: l.JitCodeEnd()}, ds.R | ds.W},
			{above, ds.R | ds.W},
		}
	}
	return &Shield{k: k, tables: tables}
}

func (s *Shield) Domain() Domain {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.domain
}

// Bands returns a copy of the table applied when entering d.
func (s *Shield) Bands(d Domain) []Band {
	return append([]Band(nil), s.tables[d]...)
}

func (s *Shield) enter(d Domain) error {
	bands, ok := s.tables[d]
	if !ok {
		return errors.Wrap(ErrLayoutIncomplete, 1)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range bands {
		if b.Range.IsEmpty() {
			continue
		}
		if err := s.k.Mprotect(b.Range.From, b.Range.Length(), b.Flags.Prot()); err != nil {
			return errors.Wrap(&ProtectionError{Domain: d, Band: b, Err: err}, 1)
		}
	}
	if s.domain != d {
		log.WithFields(log.Fields{"from": s.domain, "to": d}).Trace("Shield")
	}
	s.domain = d
	return nil
}

func (s *Shield) EnterShielded() error {
	return s.enter(Shielded)
}

func (s *Shield) EnterUnshielded() error {
	return s.enter(Unshielded)
}

func (s *Shield) EnterMinimalShielded() error {
	return s.enter(MinimalShielded)
}

func (s *Shield) EnterMinimalUnshielded() error {
	return s.enter(MinimalUnshielded)
}
