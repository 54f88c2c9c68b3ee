package data_structures

type PageFlags uint

const (
	X PageFlags = 1
	R PageFlags = 2
	W PageFlags = 4
)

// Linux protection bits as the guest passes them to mmap and mprotect.
const (
	PROT_NONE  = 0x0
	PROT_READ  = 0x1
	PROT_WRITE = 0x2
	PROT_EXEC  = 0x4
)

// Prot converts page flags into mmap protection bits.
func (f PageFlags) Prot() int {
	prot := PROT_NONE
	if f&R != 0 {
		prot |= PROT_READ
	}
	if f&W != 0 {
		prot |= PROT_WRITE
	}
	if f&X != 0 {
		prot |= PROT_EXEC
	}
	return prot
}

func (f PageFlags) String() string {
	res := []byte("---")
	if f&R != 0 {
		res[0] = 'r'
	}
	if f&W != 0 {
		res[1] = 'w'
	}
	if f&X != 0 {
		res[2] = 'x'
	}
	return string(res)
}

// FlagsFromProt is the inverse of PageFlags.Prot.
func FlagsFromProt(prot int) PageFlags {
	res := PageFlags(0)
	if prot&PROT_READ != 0 {
		res |= R
	}
	if prot&PROT_WRITE != 0 {
		res |= W
	}
	if prot&PROT_EXEC != 0 {
		res |= X
	}
	return res
}

// MappedRegion is a loadable chunk of a binary before it is mapped.
type MappedRegion struct {
	Range      Range
	Flags      PageFlags
	FileOffset uint64
	FileSize   uint64
}

func NewMappedRegion(rng Range, flags PageFlags, offset, filesz uint64) *MappedRegion {
	return &MappedRegion{Range: rng, Flags: flags, FileOffset: offset, FileSize: filesz}
}
