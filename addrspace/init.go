package addrspace

import (
	"fmt"

	"github.com/go-errors/errors"
	ds "github.com/ranmrdrakono/shroud/data_structures"
	"github.com/ranmrdrakono/shroud/kernel"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const (
	lowHighUserAddr  = 0xC0000000
	highHighUserAddr = 0xFFFFE000
)

// Env describes the initial stack of the process: the current stack
// pointer, the address of the environment vector and the addresses of the
// strings it points to.
type Env struct {
	StackPointer uint64
	Envp         uint64
	Strings      []uint64
}

// StackTop is the page just past the highest environment string.
func StackTop(env Env) uint64 {
	top := env.Envp
	for _, s := range env.Strings {
		top = max(top, s)
	}
	return ds.PageNext(top)
}

// HighUserAddr is the end of the user address space as seen from the stack:
// 3G/1G split kernels put the stack below 0xC0000000.
func HighUserAddr(env Env) uint64 {
	if StackTop(env) <= lowHighUserAddr {
		return lowHighUserAddr
	}
	return highHighUserAddr
}

type InitError struct {
	Range ds.Range
	Err   error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("unable to set up engine memory at %v: %v", e.Range, e.Err)
}

func (e *InitError) Unwrap() error {
	return e.Err
}

// Initialize reserves the engine's bands and everything between the taint
// band and the stack, then punches the guard pages. It returns l with
// HighUserAddr filled in.
func Initialize(k kernel.Kernel, l Layout, env Env) (Layout, error) {
	if err := l.Validate(); err != nil {
		return l, err
	}
	if env.StackPointer < ds.PageSize {
		return l, errors.Wrap(&InitError{Range: ds.NewRange(0, ds.PageSize), Err: unix.EINVAL}, 0)
	}
	top := StackTop(env)
	l.HighUserAddr = HighUserAddr(env)

	reserve := []ds.Range{
		ds.NewRange(l.TaintEnd(), max(l.TaintEnd(), ds.PageBase(env.StackPointer-ds.PageSize))),
		l.JitCode(),
		l.Taint(),
		ds.NewRange(top, max(top, l.HighUserAddr)),
	}
	for _, rng := range reserve {
		if rng.IsEmpty() {
			continue
		}
		_, err := k.Mmap2(rng.From, rng.Length(), kernel.PROT_READ|kernel.PROT_WRITE,
			kernel.MAP_PRIVATE|kernel.MAP_FIXED|kernel.MAP_ANONYMOUS, -1, 0)
		if err != nil {
			return l, errors.Wrap(&InitError{Range: rng, Err: err}, 0)
		}
		log.WithFields(log.Fields{"range": rng}).Debug("Reserved")
	}

	for _, page := range l.FaultPages {
		if err := k.Munmap(page, ds.PageSize); err != nil {
			return l, errors.Wrap(&InitError{Range: ds.NewPageRange(page, ds.PageSize), Err: err}, 0)
		}
	}
	log.WithFields(log.Fields{"stack_top": hex(top), "high": hex(l.HighUserAddr)}).Info("Address Space Initialized")
	return l, nil
}
