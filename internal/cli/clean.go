//go:build linux

package cli

import (
	"fmt"

	"github.com/containerd/log"
	"github.com/spf13/cobra"

	"github.com/firelab-io/firelab/internal/config"
	"github.com/firelab-io/firelab/internal/fleet"
)

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Stop the fleet and remove all persisted state",
	Long: `Stop every instance, remove the shared NAT rule, and delete instance
directories, records, sockets, logs and downloaded boot assets. IPv4
forwarding is left enabled because it is host-global state that other
tenants may depend on.`,
	Args: cobra.NoArgs,
	RunE: runClean,
}

func init() {
	rootCmd.AddCommand(cleanCmd)
}

func runClean(cmd *cobra.Command, args []string) error {
	cfg, err := config.Get()
	if err != nil {
		return err
	}

	ctx := log.WithLogger(cmd.Context(), log.G(cmd.Context()).WithField("command", "clean"))
	if err := fleet.NewSupervisor(cfg).Clean(ctx); err != nil {
		return err
	}
	fmt.Println("All fleet state removed.")
	return nil
}
