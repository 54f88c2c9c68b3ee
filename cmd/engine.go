package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/ranmrdrakono/shroud/addrspace"
	"github.com/ranmrdrakono/shroud/codemap"
	"github.com/ranmrdrakono/shroud/config"
	"github.com/ranmrdrakono/shroud/jit"
	"github.com/ranmrdrakono/shroud/jmpcache"
	"github.com/ranmrdrakono/shroud/kernel"
	"github.com/ranmrdrakono/shroud/syscalls"
)

var (
	colorHeader = color.New(color.Bold).SprintFunc()
	colorAddr   = color.New(color.FgMagenta).SprintfFunc()
	colorFlags  = color.New(color.FgHiBlue).SprintFunc()
	colorErr    = color.New(color.FgRed).SprintFunc()
)

// engine wires the pieces the way the engine does at startup.
type engine struct {
	layout addrspace.Layout
	alloc  *jit.Allocator
	caches *jmpcache.Registry
	table  *codemap.Table
	vm     *addrspace.Virtualizer
	sys    *syscalls.Dispatcher
	shield *addrspace.Shield
}

func newEngine(k kernel.Kernel, conf config.Config, l addrspace.Layout) *engine {
	e := &engine{layout: l}
	e.alloc = jit.New(l.JitCodeStart, l.JitCodeSize)
	e.caches = jmpcache.NewRegistry(conf.JmpCacheSize)
	e.table = codemap.New(conf.Codemap, e.alloc, e.caches)
	e.vm = addrspace.NewVirtualizer(k, l, e.table)
	e.sys = syscalls.NewDispatcher(e.vm, nil)
	e.shield = addrspace.NewShield(k, l)
	return e
}

func printLayout(w io.Writer, l addrspace.Layout, shield *addrspace.Shield) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "%s\n", colorHeader("[ layout ]"))
	bands := []struct {
		name string
		from uint64
		to   uint64
	}{
		{"guest", 0, l.UserEnd},
		{"runtime data", l.RuntimeDataStart, l.RuntimeData().To},
		{"jit code", l.JitCodeStart, l.JitCodeEnd()},
		{"taint", l.TaintStart, l.TaintEnd()},
		{"high", l.TaintEnd(), l.HighUserAddr},
	}
	for _, b := range bands {
		if b.to <= b.from {
			fmt.Fprintf(tw, "%s\t%s\t\n", b.name, "unknown")
			continue
		}
		fmt.Fprintf(tw, "%s\t%s - %s\t%s\n", b.name, colorAddr("0x%08x", b.from), colorAddr("0x%08x", b.to), humanize.IBytes(b.to-b.from))
	}
	fmt.Fprintf(tw, "taint offset\t%s\t\n", colorAddr("%#x", l.TaintOffset))
	for _, page := range l.FaultPages {
		fmt.Fprintf(tw, "guard page\t%s\t\n", colorAddr("0x%08x", page))
	}
	tw.Flush()

	domains := []addrspace.Domain{addrspace.Shielded, addrspace.Unshielded, addrspace.MinimalShielded, addrspace.MinimalUnshielded}
	for _, d := range domains {
		fmt.Fprintf(tw, "\n%s\n", colorHeader(fmt.Sprintf("[ %v ]", d)))
		bands := shield.Bands(d)
		if len(bands) == 0 {
			fmt.Fprintf(tw, "needs the stack top\t\n")
		}
		for _, b := range bands {
			fmt.Fprintf(tw, "%s - %s\t%s\n", colorAddr("0x%08x", b.Range.From), colorAddr("0x%08x", b.Range.To), colorFlags(b.Flags))
		}
		tw.Flush()
	}
}

func printRegions(w io.Writer, t *codemap.Table) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "%s\n", colorHeader(fmt.Sprintf("[ code regions %d/%d ]", t.Len(), t.Cap())))
	fmt.Fprintf(tw, "GUEST\tJIT\tPGOFF\tKEY\n")
	for _, r := range t.Regions() {
		jitRange := "-"
		if r.HasTranslation() {
			jitRange = r.Jit.String()
		}
		fmt.Fprintf(tw, "%v\t%s\t%d\t0x%016x\n", r.Guest, jitRange, r.PageOffset, r.Key())
	}
	tw.Flush()
}
