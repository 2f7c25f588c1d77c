//go:build linux

package cli

import (
	"fmt"

	"github.com/containerd/log"
	"github.com/spf13/cobra"

	"github.com/firelab-io/firelab/internal/config"
	"github.com/firelab-io/firelab/internal/fleet"
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop every discoverable instance",
	Long: `Stop all instances found in the record directory, regardless of the count
they were started with. Each instance is asked to exit, escalated to SIGKILL
after the grace period, and its network device and record are removed.

The sweep is best-effort: per-instance failures are reported but do not
change the exit code. The command fails only when the fleet cannot be
enumerated at all.`,
	Args: cobra.NoArgs,
	RunE: runStop,
}

func init() {
	rootCmd.AddCommand(stopCmd)
}

func runStop(cmd *cobra.Command, args []string) error {
	cfg, err := config.Get()
	if err != nil {
		return err
	}

	ctx := log.WithLogger(cmd.Context(), log.G(cmd.Context()).WithField("command", "stop"))
	result, err := fleet.NewSupervisor(cfg).Stop(ctx)
	if err != nil {
		return err
	}

	if len(result.Outcomes) == 0 {
		fmt.Println("No instances found.")
		return nil
	}
	for _, o := range result.Outcomes {
		if o.Err != nil {
			fmt.Printf("vm%d: failed at %s: %v\n", o.Index, o.Stage, o.Err)
			continue
		}
		fmt.Printf("vm%d: %s\n", o.Index, o.Stage)
	}
	fmt.Printf("%d stopped, %d failed\n", result.Stopped(), result.Failed())
	return nil
}
