package cmd

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/MakeNowJust/heredoc/v2"
	"github.com/dustin/go-humanize"
	"github.com/go-errors/errors"
	"github.com/pelletier/go-toml/v2"
	"github.com/ranmrdrakono/shroud/addrspace"
	"github.com/ranmrdrakono/shroud/codemap"
	"github.com/ranmrdrakono/shroud/config"
	ds "github.com/ranmrdrakono/shroud/data_structures"
	"github.com/ranmrdrakono/shroud/kernel"
	"github.com/ranmrdrakono/shroud/kernel/sim"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"
)

// Script is a recorded sequence of guest memory syscalls.
type Script struct {
	Env   ScriptEnv    `toml:"env"`
	Files []ScriptFile `toml:"file"`
	Ops   []Op         `toml:"op"`
}

type ScriptEnv struct {
	StackPointer uint64   `toml:"stack_pointer"`
	Envp         uint64   `toml:"envp"`
	Strings      []uint64 `toml:"strings"`
}

// ScriptFile makes a descriptor known to the simulated kernel.
type ScriptFile struct {
	Fd    int    `toml:"fd"`
	Dev   uint64 `toml:"dev"`
	Ino   uint64 `toml:"ino"`
	Mtime int64  `toml:"mtime"`
}

type Op struct {
	Kind   string `toml:"kind"`
	Addr   uint64 `toml:"addr"`
	Len    uint64 `toml:"len"`
	Prot   string `toml:"prot"`
	Fd     *int   `toml:"fd"`
	Offset uint64 `toml:"offset"`
	Hint   bool   `toml:"hint"`
	Thread int    `toml:"thread"`
	Domain string `toml:"domain"`
}

func (op Op) String() string {
	switch op.Kind {
	case "mmap", "mprotect":
		return fmt.Sprintf("%s(%#x, %#x, %s)", op.Kind, op.Addr, op.Len, op.Prot)
	case "munmap":
		return fmt.Sprintf("munmap(%#x, %#x)", op.Addr, op.Len)
	case "exec":
		return fmt.Sprintf("exec(%#x) on thread %d", op.Addr, op.Thread)
	case "shield":
		return fmt.Sprintf("shield(%s)", op.Domain)
	}
	return fmt.Sprintf("%s(%#x)", op.Kind, op.Addr)
}

var defaultEnv = ScriptEnv{
	StackPointer: 0xbfff0000,
	Envp:         0xbfffe000,
}

// parseProt reads protections written like "r-x" or "rw".
func parseProt(s string) (int, error) {
	flags := ds.PageFlags(0)
	for _, c := range s {
		switch c {
		case 'r':
			flags |= ds.R
		case 'w':
			flags |= ds.W
		case 'x':
			flags |= ds.X
		case '-':
		default:
			return 0, errors.Errorf("bad protection %q", s)
		}
	}
	return flags.Prot(), nil
}

func LoadScript(path string) (Script, error) {
	var s Script
	data, err := os.ReadFile(path)
	if err != nil {
		return s, errors.Wrap(err, 0)
	}
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&s); err != nil {
		return s, errors.WrapPrefix(err, path, 0)
	}
	return s, nil
}

// boot prepares a simulated process: the engine image and the stack are
// mapped the way the kernel leaves them, then the engine reserves its bands.
func boot(conf config.Config, env ScriptEnv) (*sim.Kernel, addrspace.Layout, error) {
	k := sim.New()
	aenv := addrspace.Env{StackPointer: env.StackPointer, Envp: env.Envp, Strings: env.Strings}
	l := conf.Layout
	stack := ds.NewRange(ds.PageBase(env.StackPointer-ds.PageSize), addrspace.StackTop(aenv))
	for _, rng := range []ds.Range{l.RuntimeData(), stack} {
		if rng.IsEmpty() {
			continue
		}
		if _, err := k.Mmap2(rng.From, rng.Length(), kernel.PROT_READ|kernel.PROT_WRITE,
			kernel.MAP_PRIVATE|kernel.MAP_FIXED|kernel.MAP_ANONYMOUS, -1, 0); err != nil {
			return nil, l, errors.WrapPrefix(err, fmt.Sprintf("premapping %v", rng), 0)
		}
	}
	l, err := addrspace.Initialize(k, l, aenv)
	return k, l, err
}

func formatRet(ret uint64) string {
	if kernel.IsError(ret) {
		errno := unix.Errno(-ret)
		return colorErr(fmt.Sprintf("-%d (%v)", uint64(errno), errno))
	}
	return colorAddr("%#x", ret)
}

func (e *engine) apply(op Op) (string, error) {
	prot, err := parseProt(op.Prot)
	if err != nil {
		return "", err
	}
	fd := -1
	if op.Fd != nil {
		fd = *op.Fd
	}

	switch op.Kind {
	case "mmap":
		flags := kernel.MAP_PRIVATE | kernel.MAP_FIXED
		if op.Hint {
			flags &^= kernel.MAP_FIXED
		}
		if fd < 0 {
			flags |= kernel.MAP_ANONYMOUS
		}
		return formatRet(e.sys.Mmap2(op.Addr, op.Len, prot, flags, fd, op.Offset)), nil
	case "munmap":
		return formatRet(e.sys.Munmap(op.Addr, op.Len)), nil
	case "mprotect":
		return formatRet(e.sys.Mprotect(op.Addr, op.Len, prot)), nil
	case "brk":
		return formatRet(e.sys.Brk(op.Addr)), nil
	case "set_brk_min":
		return formatRet(e.sys.SetBrkMin(op.Addr)), nil
	case "exec":
		return e.exec(op)
	case "shield":
		return e.enter(op.Domain)
	}
	return "", errors.Errorf("unknown operation %q", op.Kind)
}

// exec translates the code at op.Addr and caches it for op.Thread, as the
// dispatcher does on a translation cache miss.
func (e *engine) exec(op Op) (string, error) {
	size := op.Len
	if size == 0 {
		size = 0x100
	}
	cache := e.caches.Attach(op.Thread)
	if jitAddr, ok := cache.Lookup(op.Addr); ok {
		return colorAddr("%#x", jitAddr) + " (cached)", nil
	}
	var region ds.CodeRegion
	err := e.table.WithJit(func(tx *codemap.JitTx) error {
		var err error
		if region, err = tx.Translate(op.Addr, size); err != nil {
			return err
		}
		cache.Add(op.Addr, region.Jit.From)
		return nil
	})
	if errors.Is(err, codemap.ErrNoRegion) {
		return colorErr("no code region"), nil
	}
	if err != nil {
		return "", err
	}
	return colorAddr("%#x", region.Jit.From), nil
}

func (e *engine) enter(domain string) (string, error) {
	var err error
	switch domain {
	case "shielded":
		err = e.shield.EnterShielded()
	case "unshielded":
		err = e.shield.EnterUnshielded()
	case "minimal-shielded":
		err = e.shield.EnterMinimalShielded()
	case "minimal-unshielded":
		err = e.shield.EnterMinimalUnshielded()
	default:
		return "", errors.Errorf("unknown domain %q", domain)
	}
	if err != nil {
		return "", err
	}
	return e.shield.Domain().String(), nil
}

func runScript(w io.Writer, conf config.Config, s Script) error {
	env := s.Env
	if env.StackPointer == 0 {
		env = defaultEnv
	}
	k, l, err := boot(conf, env)
	if err != nil {
		return err
	}
	for _, f := range s.Files {
		k.AddFile(f.Fd, kernel.Stat{Dev: f.Dev, Ino: f.Ino, Mtime: f.Mtime})
	}

	e := newEngine(k, conf, l)
	for i, op := range s.Ops {
		res, err := e.apply(op)
		if err != nil {
			return errors.WrapPrefix(err, fmt.Sprintf("op %d %v", i, op), 0)
		}
		fmt.Fprintf(w, "%3d  %-40s = %s\n", i, op, res)
	}
	fmt.Fprintln(w)
	printRegions(w, e.table)

	cur, floor := e.vm.Break()
	fmt.Fprintf(w, "\nbrk %s (floor %s), %v, %d cache purges, %s of translated code\n",
		colorAddr("%#x", cur), colorAddr("%#x", floor), e.caches, e.caches.Purges(), humanize.IBytes(e.alloc.InUse()))
	log.WithFields(log.Fields{"ops": len(s.Ops), "regions": e.table.Len()}).Debug("Replay Done")
	return nil
}

var replayCmd = &cobra.Command{
	Use:   "replay <script.toml>",
	Short: "Run a script of guest memory syscalls against a simulated kernel",
	Example: heredoc.Doc(`
		❯ cat split.toml
		[[op]]
		kind = "mmap"
		addr = 0x1000
		len = 0x2000
		prot = "r-x"

		[[op]]
		kind = "munmap"
		addr = 0x2000
		len = 0x1000
		❯ shroud replay split.toml`),
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := LoadScript(args[0])
		if err != nil {
			return err
		}
		return runScript(cmd.OutOrStdout(), conf, s)
	},
}

func init() {
	rootCmd.AddCommand(replayCmd)
}
