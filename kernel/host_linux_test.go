//go:build linux

package kernel

import (
	"os"
	"testing"

	"golang.org/x/sys/unix"
)

func TestHostAnonymousMapping(t *testing.T) {
	var k Host
	addr, err := k.Mmap2(0, 0x2000, PROT_READ|PROT_WRITE, MAP_PRIVATE|MAP_ANONYMOUS, -1, 0)
	if err != nil {
		t.Fatalf("mmap: %v", err)
	}
	if addr&0xfff != 0 {
		t.Fatalf("unaligned mapping 0x%x", addr)
	}
	if err := k.Mprotect(addr, 0x1000, PROT_READ); err != nil {
		t.Fatalf("mprotect: %v", err)
	}
	if err := k.Munmap(addr, 0x2000); err != nil {
		t.Fatalf("munmap: %v", err)
	}
}

func TestHostMprotectUnmapped(t *testing.T) {
	var k Host
	addr, err := k.Mmap2(0, 0x1000, PROT_READ, MAP_PRIVATE|MAP_ANONYMOUS, -1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := k.Munmap(addr, 0x1000); err != nil {
		t.Fatal(err)
	}
	err = k.Mprotect(addr, 0x1000, PROT_READ)
	if errno, ok := AsErrno(err); !ok || errno != unix.ENOMEM {
		t.Fatalf("expected ENOMEM, got %v", err)
	}
}

func TestHostFstat(t *testing.T) {
	var k Host
	f, err := os.CreateTemp(t.TempDir(), "stat")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	st, err := k.Fstat64(int(f.Fd()))
	if err != nil {
		t.Fatal(err)
	}
	if st.Ino == 0 {
		t.Fatalf("inode not filled in: %+v", st)
	}
	if _, err := k.Fstat64(-1); err == nil {
		t.Fatalf("fstat(-1) must fail")
	}
}
