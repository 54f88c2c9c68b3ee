package data_structures

import (
	"encoding/binary"
	"fmt"

	"github.com/OneOfOne/xxhash"
)

const identity_salt = uint64(0xbbed475f4c2c4c03)

// Identity is the best-effort file identity of a mapping. The zero value
// means unknown (anonymous mapping or failed stat).
type Identity struct {
	Device     uint64
	Inode      uint64
	Mtime      int64
	PageOffset uint64
}

func (id Identity) IsZero() bool {
	return id == Identity{}
}

// Key hashes the identity into the key under which translations of the same
// file pages could be reused.
func (id Identity) Key() uint64 {
	buf := make([]byte, 32)
	binary.LittleEndian.PutUint64(buf[0:], id.Device)
	binary.LittleEndian.PutUint64(buf[8:], id.Inode)
	binary.LittleEndian.PutUint64(buf[16:], uint64(id.Mtime))
	binary.LittleEndian.PutUint64(buf[24:], id.PageOffset)
	return xxhash.Checksum64S(buf, identity_salt)
}

// CodeRegion is a guest interval that holds executable code, optionally
// bound to the translated code generated for it.
type CodeRegion struct {
	Guest Range
	Jit   Range
	Identity
}

func (r CodeRegion) HasTranslation() bool {
	return !r.Jit.IsEmpty()
}

func (r CodeRegion) String() string {
	jit := "-"
	if r.HasTranslation() {
		jit = r.Jit.String()
	}
	return fmt.Sprintf("%v jit=%s dev=%d ino=%d pgoff=%d", r.Guest, jit, r.Device, r.Inode, r.PageOffset)
}
