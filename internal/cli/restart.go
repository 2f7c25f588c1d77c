//go:build linux

package cli

import (
	"github.com/containerd/log"
	"github.com/spf13/cobra"

	"github.com/firelab-io/firelab/internal/config"
	"github.com/firelab-io/firelab/internal/fleet"
)

var restartCmd = &cobra.Command{
	Use:   "restart [count]",
	Short: "Stop the fleet, then start count instances",
	Long: `Stop every discoverable instance, then start instances at indices
1..count. The two phases are not atomic; if the start phase fails the fleet
stays down and a later start repairs it. Exit codes match start.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRestart,
}

func init() {
	rootCmd.AddCommand(restartCmd)
}

func runRestart(cmd *cobra.Command, args []string) error {
	cfg, err := config.Get()
	if err != nil {
		return err
	}
	count, err := countArg(cfg, args)
	if err != nil {
		return err
	}

	ctx := log.WithLogger(cmd.Context(), log.G(cmd.Context()).WithField("command", "restart"))
	if err := ensureAssets(ctx, cfg); err != nil {
		return err
	}

	result, err := fleet.NewSupervisor(cfg).Restart(ctx, count)
	if err != nil {
		return err
	}
	printFleetResult(result)
	return fleetExit(result)
}
