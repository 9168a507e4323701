package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "hubgate",
	Short: "hubgate is a site-side access gateway for a management hub",
	Long: `A gateway that lets a remote management hub sign users into a site and
run updates on it over signed, encrypted envelopes.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to the YAML config file (default $HUBGATE_CONFIG)")
}
