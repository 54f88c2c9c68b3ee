// Package elf maps the loadable segments of an ELF binary through the
// address space virtualizer, the way the kernel's loader would.
package elf

import (
	"debug/elf"
	"fmt"
	"os"
	"sort"

	"github.com/go-errors/errors"
	ds "github.com/ranmrdrakono/shroud/data_structures"
	"github.com/ranmrdrakono/shroud/kernel"
	log "github.com/sirupsen/logrus"
)

// Mapper is the part of the virtualizer the loader needs.
type Mapper interface {
	Map(addr, length uint64, prot, flags, fd int, pgoffset uint64) (uint64, error)
}

type Image struct {
	Path     string
	Entry    uint64
	Machine  elf.Machine
	Class    elf.Class
	Segments []*ds.MappedRegion
	Symbols  []*ds.Symbol
}

func hex(val uint64) string {
	return fmt.Sprintf("0x%x", val)
}

func Open(path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, 0)
	}
	defer f.Close()
	e, err := elf.NewFile(f)
	if err != nil {
		return nil, errors.WrapPrefix(err, path, 0)
	}
	return &Image{
		Path:     path,
		Entry:    e.Entry,
		Machine:  e.Machine,
		Class:    e.Class,
		Segments: GetSegments(e),
		Symbols:  GetSymbols(e),
	}, nil
}

func elfFlagsToPageFlags(in elf.ProgFlag) ds.PageFlags {
	res := ds.PageFlags(0)
	if in&elf.PF_X != 0 {
		res |= ds.X
	}
	if in&elf.PF_R != 0 {
		res |= ds.R
	}
	if in&elf.PF_W != 0 {
		res |= ds.W
	}
	return res
}

// GetSegments returns the PT_LOAD segments sorted by address.
func GetSegments(e *elf.File) []*ds.MappedRegion {
	var res []*ds.MappedRegion
	for _, prog := range e.Progs {
		hdr := prog.ProgHeader
		if hdr.Type != elf.PT_LOAD || hdr.Memsz == 0 {
			continue
		}
		rng := ds.NewRange(hdr.Vaddr, hdr.Vaddr+hdr.Memsz)
		res = append(res, ds.NewMappedRegion(rng, elfFlagsToPageFlags(hdr.Flags), hdr.Off, hdr.Filesz))
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Range.From < res[j].Range.From })
	return res
}

const (
	STT_NOTYPE  = 0
	STT_OBJECT  = 1
	STT_FUNC    = 2
	STT_SECTION = 3
	STT_FILE    = 4
	STT_COMMON  = 5
	STT_TLS     = 6
)

func elfSymbolTypeToSymbolType(elfsymbol uint) ds.SymbolType {
	switch elfsymbol & 0xf {
	case STT_OBJECT:
		return ds.DATA
	case STT_COMMON:
		return ds.DATA
	case STT_FUNC:
		return ds.FUNC
	case STT_FILE:
		return ds.FILE
	case STT_TLS:
		return ds.THREADLOCAL
	case STT_SECTION:
		return ds.SECTION
	}
	return ds.UNKNOWN
}

// GetSymbols returns the static symbols, or none for a stripped binary.
func GetSymbols(e *elf.File) []*ds.Symbol {
	symbols, err := e.Symbols()
	if err != nil {
		log.WithFields(log.Fields{"error": err}).Debug("Failed to Parse Symbols")
		return nil
	}
	res := make([]*ds.Symbol, 0, len(symbols))
	for _, sym := range symbols {
		symType := elfSymbolTypeToSymbolType(uint(sym.Info))
		res = append(res, ds.NewSymbol(sym.Name, symType, ds.NewRange(sym.Value, sym.Value+sym.Size)))
	}
	return res
}

// Map maps every segment of the file open as fd and returns the page after
// the highest one, which is where the break starts.
func Map(m Mapper, fd int, segs []*ds.MappedRegion) (uint64, error) {
	end := uint64(0)
	for _, seg := range segs {
		prot := seg.Flags.Prot()
		base := ds.PageBase(seg.Range.From)
		if seg.Range.From&ds.PageMask != seg.FileOffset&ds.PageMask {
			return 0, errors.Errorf("segment %v: file offset 0x%x not congruent to its address", seg.Range, seg.FileOffset)
		}

		if seg.FileSize > 0 {
			length := seg.Range.From - base + seg.FileSize
			_, err := m.Map(base, length, prot, kernel.MAP_PRIVATE|kernel.MAP_FIXED, fd, seg.FileOffset>>ds.PageShift)
			if err != nil {
				return 0, errors.WrapPrefix(err, fmt.Sprintf("segment %v", seg.Range), 0)
			}
		}

		bss := ds.Range{From: ds.PageNext(seg.Range.From + seg.FileSize), To: ds.PageNext(seg.Range.To)}
		if !bss.IsEmpty() {
			_, err := m.Map(bss.From, bss.Length(), prot, kernel.MAP_PRIVATE|kernel.MAP_FIXED|kernel.MAP_ANONYMOUS, -1, 0)
			if err != nil {
				return 0, errors.WrapPrefix(err, fmt.Sprintf("bss %v", bss), 0)
			}
		}
		log.WithFields(log.Fields{"range": seg.Range, "flags": seg.Flags, "offset": hex(seg.FileOffset)}).Debug("Mapped Segment")
		end = max(end, ds.PageNext(seg.Range.To))
	}
	return end, nil
}
