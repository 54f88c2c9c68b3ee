// Package arch names the guest machine independently of the emulator and
// disassembler that have to understand it.
package arch

import (
	"debug/elf"
	"fmt"

	"github.com/go-errors/errors"
)

type Family int

const (
	X86 Family = iota + 1
	ARM
	ARM64
)

type Arch struct {
	Family Family
	Bits   int
}

var (
	X86_32 = Arch{Family: X86, Bits: 32}
	X86_64 = Arch{Family: X86, Bits: 64}
)

// FromELF picks the architecture of an ELF header.
func FromELF(machine elf.Machine, class elf.Class) (Arch, error) {
	bits := 32
	if class == elf.ELFCLASS64 {
		bits = 64
	}
	switch machine {
	case elf.EM_386, elf.EM_X86_64:
		return Arch{Family: X86, Bits: bits}, nil
	case elf.EM_ARM:
		return Arch{Family: ARM, Bits: 32}, nil
	case elf.EM_AARCH64:
		return Arch{Family: ARM64, Bits: 64}, nil
	}
	return Arch{}, errors.Errorf("unsupported machine %v", machine)
}

func (a Arch) String() string {
	switch a.Family {
	case X86:
		return fmt.Sprintf("x86-%d", a.Bits)
	case ARM:
		return "arm"
	case ARM64:
		return "arm64"
	}
	return "unknown"
}
