//go:build capstone

package disassemble

import (
	"fmt"

	"github.com/go-errors/errors"
	"github.com/knightsc/gapstone"
	"github.com/ranmrdrakono/shroud/arch"
	ds "github.com/ranmrdrakono/shroud/data_structures"
)

// Line is one disassembled instruction.
type Line struct {
	Addr     uint64
	Size     uint64
	Mnemonic string
	Operands string
}

func (l Line) String() string {
	return fmt.Sprintf("0x%x:\t%s\t%s", l.Addr, l.Mnemonic, l.Operands)
}

// BasicBlock covers [Start, End), End being the address after its last
// instruction.
type BasicBlock struct {
	ds.Range
	Targets []uint64
}

func engineFor(a arch.Arch) (gapstone.Engine, error) {
	var csArch, csMode int
	switch {
	case a == arch.X86_32:
		csArch, csMode = gapstone.CS_ARCH_X86, gapstone.CS_MODE_32
	case a == arch.X86_64:
		csArch, csMode = gapstone.CS_ARCH_X86, gapstone.CS_MODE_64
	case a.Family == arch.ARM:
		csArch, csMode = gapstone.CS_ARCH_ARM, gapstone.CS_MODE_ARM
	case a.Family == arch.ARM64:
		csArch, csMode = gapstone.CS_ARCH_ARM64, gapstone.CS_MODE_ARM
	default:
		return gapstone.Engine{}, errors.Errorf("no disassembler for %v", a)
	}
	engine, err := gapstone.New(csArch, csMode)
	if err != nil {
		return engine, errors.Wrap(err, 0)
	}
	return engine, nil
}

// Preview disassembles at most count instructions of code loaded at addr.
func Preview(a arch.Arch, code []byte, addr uint64, count int) ([]Line, error) {
	engine, err := engineFor(a)
	if err != nil {
		return nil, err
	}
	defer engine.Close()

	instrs, err := engine.Disasm(code, addr, uint64(count))
	if err != nil {
		return nil, errors.Wrap(err, 0)
	}
	res := make([]Line, 0, len(instrs))
	for _, instr := range instrs {
		res = append(res, Line{Addr: uint64(instr.Address), Size: uint64(instr.Size), Mnemonic: instr.Mnemonic, Operands: instr.OpStr})
	}
	return res, nil
}

var jmpInsns = map[uint]bool{
	gapstone.X86_INS_JL:    true,
	gapstone.X86_INS_JLE:   true,
	gapstone.X86_INS_JA:    true,
	gapstone.X86_INS_JAE:   true,
	gapstone.X86_INS_JB:    true,
	gapstone.X86_INS_JBE:   true,
	gapstone.X86_INS_JCXZ:  true,
	gapstone.X86_INS_JECXZ: true,
	gapstone.X86_INS_JO:    true,
	gapstone.X86_INS_JNO:   true,
	gapstone.X86_INS_JS:    true,
	gapstone.X86_INS_JNS:   true,
	gapstone.X86_INS_JP:    true,
	gapstone.X86_INS_JNP:   true,
	gapstone.X86_INS_JE:    true,
	gapstone.X86_INS_JNE:   true,
	gapstone.X86_INS_JG:    true,
	gapstone.X86_INS_JGE:   true,
	gapstone.X86_INS_CALL:  true,
	gapstone.X86_INS_LCALL: true,
	gapstone.X86_INS_JMP:   true,
	gapstone.X86_INS_LJMP:  true,
}

// BasicBlocks splits linear x86 code at jumps and jump targets. Targets
// outside the code are kept as edges but start no block.
func BasicBlocks(a arch.Arch, code []byte, addr uint64) ([]BasicBlock, error) {
	if a.Family != arch.X86 {
		return nil, errors.Errorf("basic blocks are only found for x86, not %v", a)
	}
	engine, err := engineFor(a)
	if err != nil {
		return nil, err
	}
	defer engine.Close()
	if err := engine.SetOption(gapstone.CS_OPT_DETAIL, gapstone.CS_OPT_ON); err != nil {
		return nil, errors.Wrap(err, 0)
	}
	instrs, err := engine.Disasm(code, addr, 0)
	if err != nil {
		return nil, errors.Wrap(err, 0)
	}
	if len(instrs) == 0 {
		return nil, nil
	}

	starts := map[uint64]bool{uint64(instrs[0].Address): true}
	for _, instr := range instrs {
		if !jmpInsns[instr.Id] {
			continue
		}
		for _, op := range instr.X86.Operands {
			if op.Type == gapstone.X86_OP_IMM {
				starts[uint64(op.Imm)] = true
			}
		}
		starts[uint64(instr.Address+instr.Size)] = true
	}

	var res []BasicBlock
	cur := BasicBlock{Range: ds.Range{From: uint64(instrs[0].Address)}}
	for i, instr := range instrs {
		next := uint64(instr.Address + instr.Size)
		if jmpInsns[instr.Id] {
			for _, op := range instr.X86.Operands {
				if op.Type == gapstone.X86_OP_IMM {
					cur.Targets = append(cur.Targets, uint64(op.Imm))
				}
			}
			if instr.Id != gapstone.X86_INS_JMP && instr.Id != gapstone.X86_INS_LJMP {
				cur.Targets = append(cur.Targets, next)
			}
		}
		if i == len(instrs)-1 || starts[next] {
			cur.To = next
			res = append(res, cur)
			cur = BasicBlock{Range: ds.Range{From: next}}
		}
	}
	return res, nil
}
