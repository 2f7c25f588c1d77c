//go:build linux

package cli

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/containerd/log"
	"github.com/gookit/color"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/firelab-io/firelab/internal/config"
	"github.com/firelab-io/firelab/internal/fleet"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the state of every discoverable instance",
	Long: `List all instances found in the record directory with their process and
control-socket liveness. Records of dead instances are pruned as a side
effect of being observed.

Exits 0 when every discovered instance is fully live (process running and
control socket answering), 1 otherwise. An empty fleet is healthy.`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Get()
	if err != nil {
		return err
	}

	ctx := log.WithLogger(cmd.Context(), log.G(cmd.Context()).WithField("command", "status"))
	statuses, err := fleet.NewSupervisor(cfg).Status(ctx)
	if err != nil {
		return err
	}
	if len(statuses) == 0 {
		fmt.Println("No instances found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "INDEX\tSTATE\tSOCKET\tPID\tSTARTED\tGENERATION")

	healthy := true
	for _, st := range statuses {
		if !st.Running || !st.HasLiveControlSocket {
			healthy = false
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
			st.Index,
			stateCell(st.Running),
			socketCell(st.Running, st.HasLiveControlSocket),
			pidCell(st),
			startedCell(st),
			generationCell(st),
		)
	}
	w.Flush()

	if !healthy {
		return &exitError{code: 1}
	}
	return nil
}

func stateCell(running bool) string {
	if running {
		return paint(color.Green, "running")
	}
	return paint(color.Red, "stopped")
}

func socketCell(running, live bool) string {
	if !running {
		return "-"
	}
	if live {
		return paint(color.Green, "live")
	}
	return paint(color.Red, "dead")
}

func pidCell(st fleet.InstanceStatus) string {
	if !st.Running {
		return "-"
	}
	return fmt.Sprintf("%d", st.PID)
}

func startedCell(st fleet.InstanceStatus) string {
	if st.StartedAt.IsZero() {
		return "-"
	}
	return st.StartedAt.Local().Format(time.RFC3339)
}

func generationCell(st fleet.InstanceStatus) string {
	if st.Generation == "" {
		return "-"
	}
	if len(st.Generation) > 8 {
		return st.Generation[:8]
	}
	return st.Generation
}

func paint(c color.Color, msg string) string {
	if !isatty.IsTerminal(os.Stdout.Fd()) {
		return msg
	}
	return c.Sprint(msg)
}
