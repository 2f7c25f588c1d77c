// Package cli implements the firelab command tree.
package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/containerd/log"
	"github.com/spf13/cobra"
)

var (
	logLevel  string
	logFormat string
)

var rootCmd = &cobra.Command{
	Use:   "firelab",
	Short: "firelab - firecracker microVM fleet controller",
	Long: `firelab launches and supervises a fleet of firecracker microVMs, each with
its own TAP device, /24 subnet and NAT egress.

Instances are numbered 1..N and every resource an instance owns (device
name, addresses, MAC, socket, log, rootfs copy) is derived from its index,
so any invocation can rediscover and manage a fleet started by an earlier
one.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := log.SetLevel(logLevel); err != nil {
			return fmt.Errorf("invalid log level %q: %w", logLevel, err)
		}
		if err := log.SetFormat(log.OutputFormat(logFormat)); err != nil {
			return fmt.Errorf("invalid log format %q: %w", logFormat, err)
		}
		return nil
	},
}

// exitError carries a specific process exit code through cobra's error path.
// Commands use it to distinguish partial success (2) from failure (1).
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }

// Execute runs the root command and returns the process exit code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			if ee.msg != "" {
				fmt.Fprintln(os.Stderr, ee.msg)
			}
			return ee.code
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "logging level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "logging format (text, json)")
}
