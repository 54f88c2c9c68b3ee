package data_structures

import (
	"fmt"

	log "github.com/sirupsen/logrus"
)

const (
	PageShift = 12
	PageSize  = uint64(1) << PageShift
	PageMask  = PageSize - 1
)

// PageNext rounds val up to the next page boundary.
func PageNext(val uint64) uint64 {
	return (val + PageMask) &^ PageMask
}

// PageBase rounds val down to its page boundary.
func PageBase(val uint64) uint64 {
	return val &^ PageMask
}

// Range is the half-open interval [From, To).
type Range struct {
	From, To uint64
}

func min(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

func max(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

func NewRange(from, to uint64) Range {
	if from > to {
		log.WithFields(log.Fields{"from": from, "to": to}).Warning("Range with swaped bounds")
		from, to = to, from
	}
	return Range{From: from, To: to}
}

// NewPageRange returns [addr, addr+PageNext(length)). Ranges built this way
// always cover whole pages when addr is page aligned.
func NewPageRange(addr, length uint64) Range {
	return Range{From: addr, To: addr + PageNext(length)}
}

func (s Range) Contains(addr uint64) bool {
	return s.From <= addr && addr < s.To
}

func (s Range) Overlaps(other Range) bool {
	if s.IsEmpty() || other.IsEmpty() {
		return false
	}
	return max(s.From, other.From) < min(s.To, other.To)
}

func (s Range) Length() uint64 {
	return s.To - s.From
}

func (s Range) IsEmpty() bool {
	return s.To <= s.From
}

// Split removes cut from s and returns what is left on either side. Either
// result may be empty.
func (s Range) Split(cut Range) (left, right Range) {
	if cut.From > s.From {
		left = Range{From: s.From, To: min(cut.From, s.To)}
	}
	if cut.To < s.To {
		right = Range{From: max(cut.To, s.From), To: s.To}
	}
	return left, right
}

func (s Range) String() string {
	return fmt.Sprintf("[0x%x, 0x%x)", s.From, s.To)
}
