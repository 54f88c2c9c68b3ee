package addrspace

import (
	"fmt"

	"github.com/go-errors/errors"
	ds "github.com/ranmrdrakono/shroud/data_structures"
)

// Layout fixes where the guest ends and where the engine keeps its own
// memory. It is read only once Initialize has returned.
type Layout struct {
	// UserEnd is the guest ceiling; no guest request may reach past it.
	UserEnd uint64 `toml:"user_end" env:"USER_END"`

	RuntimeDataStart uint64 `toml:"runtime_data_start" env:"RUNTIME_DATA_START"`
	RuntimeDataSize  uint64 `toml:"runtime_data_size" env:"RUNTIME_DATA_SIZE"`
	JitCodeStart     uint64 `toml:"jit_code_start" env:"JIT_CODE_START"`
	JitCodeSize      uint64 `toml:"jit_code_size" env:"JIT_CODE_SIZE"`
	TaintStart       uint64 `toml:"taint_start" env:"TAINT_START"`
	TaintSize        uint64 `toml:"taint_size" env:"TAINT_SIZE"`

	// TaintOffset is the distance from a guest page to its shadow page.
	TaintOffset uint64 `toml:"taint_offset" env:"TAINT_OFFSET"`

	// FaultPages are left unmapped after startup so stray accesses trap.
	FaultPages []uint64 `toml:"fault_pages" env:"FAULT_PAGES"`

	// HighUserAddr is only known once the initial stack has been seen.
	HighUserAddr uint64 `toml:"-"`
}

func DefaultLayout() Layout {
	return Layout{
		UserEnd:          0x40000000,
		RuntimeDataStart: 0x40000000,
		RuntimeDataSize:  0x01000000,
		JitCodeStart:     0x41000000,
		JitCodeSize:      0x0F000000,
		TaintStart:       0x50000000,
		TaintSize:        0x40000000,
		TaintOffset:      0x50000000,
		// shadows of the null page and of the last guest page
		FaultPages: []uint64{0x50000000, 0x8ffff000},
	}
}

func (l Layout) RuntimeData() ds.Range {
	return ds.Range{From: l.RuntimeDataStart, To: l.RuntimeDataStart + l.RuntimeDataSize}
}

func (l Layout) JitCode() ds.Range {
	return ds.Range{From: l.JitCodeStart, To: l.JitCodeEnd()}
}

func (l Layout) JitCodeEnd() uint64 {
	return l.JitCodeStart + l.JitCodeSize
}

func (l Layout) Taint() ds.Range {
	return ds.Range{From: l.TaintStart, To: l.TaintEnd()}
}

func (l Layout) TaintEnd() uint64 {
	return l.TaintStart + l.TaintSize
}

// Shadow returns the address of the shadow byte of a guest byte.
func (l Layout) Shadow(addr uint64) uint64 {
	return addr + l.TaintOffset
}

// Guest is the range the guest may map into.
func (l Layout) Guest() ds.Range {
	return ds.Range{From: 0, To: l.UserEnd}
}

func (l Layout) String() string {
	return fmt.Sprintf("user %v runtime %v jit %v taint %v (offset 0x%x) high 0x%x",
		l.Guest(), l.RuntimeData(), l.JitCode(), l.Taint(), l.TaintOffset, l.HighUserAddr)
}

// Validate rejects layouts whose bands are unaligned, overlap, or leave some
// guest page without a shadow page.
func (l Layout) Validate() error {
	aligned := map[string]uint64{
		"user_end":           l.UserEnd,
		"runtime_data_start": l.RuntimeDataStart,
		"runtime_data_size":  l.RuntimeDataSize,
		"jit_code_start":     l.JitCodeStart,
		"jit_code_size":      l.JitCodeSize,
		"taint_start":        l.TaintStart,
		"taint_size":         l.TaintSize,
		"taint_offset":       l.TaintOffset,
	}
	for name, val := range aligned {
		if val&ds.PageMask != 0 {
			return errors.Errorf("layout: %s 0x%x is not page aligned", name, val)
		}
	}
	if l.UserEnd == 0 || l.RuntimeDataSize == 0 || l.JitCodeSize == 0 || l.TaintSize == 0 {
		return errors.Errorf("layout: empty band in %v", l)
	}

	bands := []ds.Range{l.Guest(), l.RuntimeData(), l.JitCode(), l.Taint()}
	for i, a := range bands {
		if a.To < a.From {
			return errors.Errorf("layout: band %v wraps around", a)
		}
		for _, b := range bands[i+1:] {
			if a.Overlaps(b) {
				return errors.Errorf("layout: bands %v and %v overlap", a, b)
			}
		}
	}

	// the shield reprotects the runtime, jit and high bands as a whole, a
	// hole in them would make it fail
	for _, page := range l.FaultPages {
		if page&ds.PageMask != 0 {
			return errors.Errorf("layout: fault page 0x%x is not page aligned", page)
		}
		if !l.Guest().Contains(page) && !l.Taint().Contains(page) {
			return errors.Errorf("layout: fault page 0x%x is outside the guest and taint bands", page)
		}
	}

	shadow := ds.Range{From: l.Shadow(0), To: l.Shadow(l.UserEnd)}
	if shadow.From < l.TaintStart || shadow.To > l.TaintEnd() || shadow.To < shadow.From {
		return errors.Errorf("layout: shadow of the guest %v is outside the taint band %v", shadow, l.Taint())
	}
	return nil
}
