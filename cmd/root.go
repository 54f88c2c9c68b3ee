// Package cmd is the shroud command line.
package cmd

import (
	"os"

	"github.com/fatih/color"
	"github.com/ranmrdrakono/shroud/config"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	cfgFile string
	// Verbose turns on debug logging regardless of the configured level
	Verbose bool
	// NoColor disables colored output
	NoColor bool

	conf config.Config
)

var rootCmd = &cobra.Command{
	Use:   "shroud",
	Short: "Inspect and exercise the engine's address space virtualization",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if conf, err = config.Load(cfgFile); err != nil {
			return err
		}
		lvl, err := conf.Level()
		if err != nil {
			return err
		}
		if Verbose {
			lvl = log.DebugLevel
		}
		log.SetLevel(lvl)
		log.SetOutput(cmd.ErrOrStderr())
		color.NoColor = color.NoColor || NoColor
		return nil
	},
	SilenceUsage: true,
}

// Execute runs the root command; main.main calls it once.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		log.Error(err.Error())
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (TOML)")
	rootCmd.PersistentFlags().BoolVarP(&Verbose, "verbose", "V", false, "debug logging")
	rootCmd.PersistentFlags().BoolVar(&NoColor, "no-color", false, "disable colored output")
}
