// Package kernel is the boundary to the real (or emulated) kernel. Calls are
// atomic: they either take effect completely or return an errno.
package kernel

import (
	ds "github.com/ranmrdrakono/shroud/data_structures"
	"golang.org/x/sys/unix"
)

// Guest ABI values (Linux).
const (
	PROT_NONE  = ds.PROT_NONE
	PROT_READ  = ds.PROT_READ
	PROT_WRITE = ds.PROT_WRITE
	PROT_EXEC  = ds.PROT_EXEC

	MAP_SHARED    = 0x01
	MAP_PRIVATE   = 0x02
	MAP_FIXED     = 0x10
	MAP_ANONYMOUS = 0x20
)

// Stat is the part of fstat64 the code region table cares about.
type Stat struct {
	Dev   uint64
	Ino   uint64
	Mtime int64
}

type Kernel interface {
	Mmap2(addr, length uint64, prot, flags, fd int, pgoffset uint64) (uint64, error)
	Munmap(addr, length uint64) error
	Mprotect(addr, length uint64, prot int) error
	Brk(addr uint64) uint64
	Fstat64(fd int) (Stat, error)
}

const maxErrno = 4095

// AsErrno reports whether err is a bare errno, i.e. a failure the guest is
// allowed to see. Wrapped errors are engine failures and never match.
func AsErrno(err error) (unix.Errno, bool) {
	errno, ok := err.(unix.Errno)
	return errno, ok
}

// Ret folds a result into the kernel's return convention: the value, or the
// negated errno.
func Ret(val uint64, errno unix.Errno) uint64 {
	if errno != 0 {
		return -uint64(errno)
	}
	return val
}

// IsError reports whether a kernel-style return value is a negated errno.
func IsError(ret uint64) bool {
	return ret > ^uint64(0)-maxErrno
}
