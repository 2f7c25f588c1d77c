package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/firelab-io/firelab/internal/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("firelab %s\n", version.Info())
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
