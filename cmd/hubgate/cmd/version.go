package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is the build version, set from main.
var Version = "dev"

// SetVersion records the build version for the version command and banner.
func SetVersion(v string) {
	Version = v
	rootCmd.Version = v
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the hubgate version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "hubgate version %s\n", Version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
