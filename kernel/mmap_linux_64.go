//go:build linux && !(386 || arm)

package kernel

import (
	ds "github.com/ranmrdrakono/shroud/data_structures"
	"golang.org/x/sys/unix"
)

// 64-bit kernels have no mmap2, the offset is passed in bytes.
func mmap2(addr, length uintptr, prot, flags, fd int, pgoffset uint64) (uint64, error) {
	ret, _, errno := unix.Syscall6(unix.SYS_MMAP, addr, length, uintptr(prot), uintptr(flags), uintptr(fd), uintptr(pgoffset<<ds.PageShift))
	if errno != 0 {
		return 0, errno
	}
	return uint64(ret), nil
}
