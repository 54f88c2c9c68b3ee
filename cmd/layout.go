package cmd

import (
	"github.com/MakeNowJust/heredoc/v2"
	"github.com/ranmrdrakono/shroud/addrspace"
	"github.com/ranmrdrakono/shroud/kernel/sim"
	"github.com/spf13/cobra"
)

var stackTop uint64

var layoutCmd = &cobra.Command{
	Use:   "layout",
	Short: "Print the memory layout and the protection tables",
	Example: heredoc.Doc(`
		# tables for a 3G/1G kernel
		❯ shroud layout --stack-top 0xbffff000
		# with the band ceiling of a 64-bit kernel
		❯ shroud layout --stack-top 0xfffdd000`),
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		l := conf.Layout
		if err := l.Validate(); err != nil {
			return err
		}
		if stackTop != 0 {
			l.HighUserAddr = addrspace.HighUserAddr(addrspace.Env{Envp: stackTop})
		}
		// the shield only builds its tables here, nothing is applied
		printLayout(cmd.OutOrStdout(), l, addrspace.NewShield(sim.New(), l))
		return nil
	},
}

func init() {
	layoutCmd.Flags().Uint64Var(&stackTop, "stack-top", 0, "top of the initial stack, fills in the high band")
	rootCmd.AddCommand(layoutCmd)
}
