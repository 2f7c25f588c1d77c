package cli

import (
	"fmt"
	"strconv"

	"github.com/containerd/errdefs"
	"github.com/spf13/cobra"

	"github.com/firelab-io/firelab/internal/config"
	"github.com/firelab-io/firelab/internal/paths"
	"github.com/firelab-io/firelab/internal/vm"
)

var logsLines int

var logsCmd = &cobra.Command{
	Use:   "logs <index>",
	Short: "Print the tail of an instance's hypervisor log",
	Args:  cobra.ExactArgs(1),
	RunE:  runLogs,
}

func init() {
	logsCmd.Flags().IntVarP(&logsLines, "lines", "n", 40, "number of lines to print")
	rootCmd.AddCommand(logsCmd)
}

func runLogs(cmd *cobra.Command, args []string) error {
	index, err := strconv.Atoi(args[0])
	if err != nil || index < 1 {
		return fmt.Errorf("invalid instance index %q: %w", args[0], errdefs.ErrInvalidArgument)
	}

	cfg, err := config.Get()
	if err != nil {
		return err
	}

	lines, err := vm.TailLog(paths.LogPath(cfg.Paths, index), logsLines)
	if err != nil {
		return err
	}
	if lines == nil {
		fmt.Printf("No log for instance %d.\n", index)
		return nil
	}
	for _, line := range lines {
		fmt.Println(line)
	}
	return nil
}
