//go:build linux

package cli

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"
	"github.com/spf13/cobra"

	"github.com/firelab-io/firelab/internal/assets"
	"github.com/firelab-io/firelab/internal/config"
	"github.com/firelab-io/firelab/internal/fleet"
	"github.com/firelab-io/firelab/internal/vm"
)

var startCmd = &cobra.Command{
	Use:   "start [count]",
	Short: "Start a fleet of microVM instances",
	Long: `Start instances at indices 1..count (default from configuration).

Boot assets are fetched and verified first, shared NAT state is prepared
once, then instances start sequentially. Instances that are already running
are left untouched. The command exits 0 when every instance is live, 2 when
only some are, and 1 when none are.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.Get()
	if err != nil {
		return err
	}
	count, err := countArg(cfg, args)
	if err != nil {
		return err
	}

	ctx := log.WithLogger(cmd.Context(), log.G(cmd.Context()).WithField("command", "start"))
	if err := ensureAssets(ctx, cfg); err != nil {
		return err
	}

	result, err := fleet.NewSupervisor(cfg).Start(ctx, count)
	if err != nil {
		return err
	}
	printFleetResult(result)
	return fleetExit(result)
}

// countArg resolves the optional count argument, falling back to the
// configured default fleet size.
func countArg(cfg *config.Config, args []string) (int, error) {
	if len(args) == 0 {
		return cfg.Fleet.DefaultCount, nil
	}
	count, err := strconv.Atoi(args[0])
	if err != nil {
		return 0, fmt.Errorf("invalid count %q: %w", args[0], errdefs.ErrInvalidArgument)
	}
	return count, nil
}

func ensureAssets(ctx context.Context, cfg *config.Config) error {
	store, err := assets.NewStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	return store.Ensure(ctx)
}

func printFleetResult(result fleet.FleetResult) {
	for _, o := range result.Outcomes {
		switch {
		case o.Err != nil:
			fmt.Printf("vm%d: failed at %s: %v\n", o.Index, o.Stage, o.Err)
			var le *vm.LaunchError
			if errors.As(o.Err, &le) {
				for _, line := range le.LogTail {
					fmt.Printf("    %s\n", line)
				}
			}
		case o.Degraded():
			fmt.Printf("vm%d: %s (network degraded: %v)\n", o.Index, o.Stage, o.BindErr)
		default:
			fmt.Printf("vm%d: %s\n", o.Index, o.Stage)
		}
	}
	fmt.Printf("%d live, %d failed\n", result.Live(), result.Failed())
}

func fleetExit(result fleet.FleetResult) error {
	switch {
	case result.AllLive():
		return nil
	case result.NoneLive():
		return &exitError{code: 1}
	default:
		return &exitError{code: 2}
	}
}
