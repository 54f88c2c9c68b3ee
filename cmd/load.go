//go:build unicorn && capstone

package cmd

import (
	"fmt"
	"path/filepath"
	"text/tabwriter"

	"github.com/MakeNowJust/heredoc/v2"
	"github.com/ranmrdrakono/shroud/arch"
	ds "github.com/ranmrdrakono/shroud/data_structures"
	"github.com/ranmrdrakono/shroud/disassemble"
	"github.com/ranmrdrakono/shroud/kernel/emu"
	"github.com/ranmrdrakono/shroud/loader/elf"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var previewCount int

var loadCmd = &cobra.Command{
	Use:   "load <elf>",
	Short: "Map an ELF binary into an emulated guest and show its code regions",
	Example: heredoc.Doc(`
		❯ shroud load --count 8 ./hello`),
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := filepath.Clean(args[0])
		img, err := elf.Open(path)
		if err != nil {
			return err
		}
		guest, err := arch.FromELF(img.Machine, img.Class)
		if err != nil {
			return err
		}
		ecfg, err := emu.ConfigFor(guest)
		if err != nil {
			return err
		}
		k, err := emu.New(ecfg)
		if err != nil {
			return err
		}
		defer k.Close()
		fd, err := k.Open(path)
		if err != nil {
			return err
		}

		e := newEngine(k, conf, conf.Layout)
		end, err := elf.Map(e.vm, fd, img.Segments)
		if err != nil {
			return err
		}
		if _, err := e.vm.SetBreakFloor(end); err != nil {
			return err
		}
		log.WithFields(log.Fields{"path": path, "arch": guest, "entry": fmt.Sprintf("%#x", img.Entry)}).Info("Loaded")

		w := cmd.OutOrStdout()
		printRegions(w, e.table)
		for _, region := range e.table.Regions() {
			start := region.Guest.From
			if region.Guest.Contains(img.Entry) {
				start = img.Entry
			}
			code, err := k.ReadMemory(start, min(region.Guest.To-start, 16*uint64(previewCount)))
			if err != nil {
				return err
			}
			lines, err := disassemble.Preview(guest, code, start, previewCount)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "\n%s\n", colorHeader(fmt.Sprintf("[ %v ]", region.Guest)))
			tw := tabwriter.NewWriter(w, 0, 0, 1, ' ', 0)
			for _, line := range lines {
				sym := ""
				if s := ds.SymbolAt(img.Symbols, line.Addr); s != nil && s.From == line.Addr {
					sym = s.Name + ":"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", sym, colorAddr("%#x", line.Addr), line.Mnemonic, line.Operands)
			}
			tw.Flush()
		}
		cur, _ := e.vm.Break()
		fmt.Fprintf(w, "\nbrk %s\n", colorAddr("%#x", cur))
		return nil
	},
}

func init() {
	loadCmd.Flags().IntVarP(&previewCount, "count", "n", 10, "instructions to show per region")
	rootCmd.AddCommand(loadCmd)
}
