//go:build linux && (386 || arm)

package kernel

import (
	"golang.org/x/sys/unix"
)

func mmap2(addr, length uintptr, prot, flags, fd int, pgoffset uint64) (uint64, error) {
	ret, _, errno := unix.Syscall6(unix.SYS_MMAP2, addr, length, uintptr(prot), uintptr(flags), uintptr(fd), uintptr(pgoffset))
	if errno != 0 {
		return 0, errno
	}
	return uint64(ret), nil
}
