package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/jmcleod/hubgate/keys"
)

var keysOut string

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Envelope key management",
}

var keysGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate site and hub key pairs",
	Long: `Generate a key pair for the site and one for the hub under <out>/site and
<out>/hub. The site keeps its private files and the hub's public files; the
hub's private files are handed to the hub. Existing files are never
overwritten.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, side := range []string{"site", "hub"} {
			pair, err := keys.Generate()
			if err != nil {
				return err
			}
			dir := filepath.Join(keysOut, side)
			if err := pair.WriteDir(dir); err != nil {
				return fmt.Errorf("writing %s keys: %w", side, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s keys written to %s (recipient %s)\n", side, dir, pair.Recipient)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(keysCmd)
	keysCmd.AddCommand(keysGenerateCmd)
	keysGenerateCmd.Flags().StringVarP(&keysOut, "out", "o", "./data/keys", "Directory to write the key pairs into")
}
