//go:build linux

package kernel

import (
	"golang.org/x/sys/unix"
)

// Host forwards every call to the kernel the engine runs on.
type Host struct{}

func (Host) Mmap2(addr, length uint64, prot, flags, fd int, pgoffset uint64) (uint64, error) {
	return mmap2(uintptr(addr), uintptr(length), prot, flags, fd, pgoffset)
}

func (Host) Munmap(addr, length uint64) error {
	_, _, errno := unix.Syscall(unix.SYS_MUNMAP, uintptr(addr), uintptr(length), 0)
	if errno != 0 {
		return errno
	}
	return nil
}

func (Host) Mprotect(addr, length uint64, prot int) error {
	_, _, errno := unix.Syscall(unix.SYS_MPROTECT, uintptr(addr), uintptr(length), uintptr(prot))
	if errno != 0 {
		return errno
	}
	return nil
}

// Brk returns the new program break, or the old one when the kernel refuses.
func (Host) Brk(addr uint64) uint64 {
	ret, _, _ := unix.RawSyscall(unix.SYS_BRK, uintptr(addr), 0, 0)
	return uint64(ret)
}

func (Host) Fstat64(fd int) (Stat, error) {
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return Stat{}, err
	}
	return Stat{Dev: uint64(st.Dev), Ino: uint64(st.Ino), Mtime: int64(st.Mtim.Sec)}, nil
}
