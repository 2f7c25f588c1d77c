//go:build linux

package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/firelab-io/firelab/internal/config"
	"github.com/firelab-io/firelab/internal/fleet"
)

var probeCmd = &cobra.Command{
	Use:   "probe [count]",
	Short: "Probe the demo HTTP service inside each guest",
	Long: `Issue one HTTP GET against the demo service of guests 1..count (default
from configuration) and report reachability. This exercises the whole
network path: TAP device, forwarding rules and the guest's own stack.

Exits 0 when every probed guest answered, 1 otherwise.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runProbe,
}

func init() {
	rootCmd.AddCommand(probeCmd)
}

func runProbe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Get()
	if err != nil {
		return err
	}
	count, err := countArg(cfg, args)
	if err != nil {
		return err
	}

	results, err := fleet.NewSupervisor(cfg).Probe(cmd.Context(), count)
	if err != nil {
		return err
	}

	reachable := 0
	for _, r := range results {
		if r.Reachable {
			reachable++
			fmt.Printf("vm%d: %s %s\n", r.Index, r.URL, r.Detail)
			continue
		}
		fmt.Printf("vm%d: %s unreachable: %s\n", r.Index, r.URL, r.Detail)
	}
	fmt.Printf("%d/%d reachable\n", reachable, len(results))

	if reachable != len(results) {
		return &exitError{code: 1}
	}
	return nil
}
