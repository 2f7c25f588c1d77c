//go:build linux

// Package vm renders hypervisor configuration and launches firecracker
// processes. A launch is only reported successful once the process is alive
// and its API socket accepts connections; anything less is torn down before
// the error is returned so no half-started instance survives.
package vm

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/containerd/log"
	"golang.org/x/sys/unix"

	"github.com/firelab-io/firelab/internal/config"
	"github.com/firelab-io/firelab/internal/paths"
	"github.com/firelab-io/firelab/internal/plan"
	"github.com/firelab-io/firelab/internal/state"
)

// probePeriod is how often the boot probe re-checks the process and socket.
const probePeriod = 50 * time.Millisecond

// LaunchError reports a failed instance launch together with the tail of the
// hypervisor's log, which is usually the only place the real cause appears.
type LaunchError struct {
	Index   int
	Err     error
	LogTail []string
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("failed to launch instance %d: %v", e.Index, e.Err)
}

func (e *LaunchError) Unwrap() error {
	return e.Err
}

// Launcher starts hypervisor processes from plans.
type Launcher struct {
	binary     string
	kernelPath string
	baseRootfs string
	bootWait   time.Duration
	socketDial time.Duration
}

// NewLauncher returns a launcher wired to the configured hypervisor binary
// and boot assets.
func NewLauncher(cfg *config.Config) *Launcher {
	return &Launcher{
		binary:     paths.HypervisorPath(cfg.Paths),
		kernelPath: paths.KernelPath(cfg.Paths),
		baseRootfs: paths.BaseRootfsPath(cfg.Paths),
		bootWait:   cfg.Timeouts.GetBootWait(),
		socketDial: cfg.Timeouts.GetSocketDial(),
	}
}

// Launch materializes the instance's private files, spawns the hypervisor and
// waits for it to become live. On success the returned record describes a
// confirmed-running process; the caller owns persisting it. On failure the
// spawned process (if any) has already been killed and reaped.
func (l *Launcher) Launch(ctx context.Context, p plan.Plan) (state.Record, error) {
	for _, dir := range []string{p.InstanceDir, filepath.Dir(p.LogPath), filepath.Dir(p.SocketPath)} {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return state.Record{}, &LaunchError{Index: p.Index, Err: fmt.Errorf("failed to create %s: %w", dir, err)}
		}
	}

	if err := copyRootfs(p.RootDrivePath, l.baseRootfs); err != nil {
		return state.Record{}, &LaunchError{Index: p.Index, Err: err}
	}

	if err := writeConfig(p, l.kernelPath); err != nil {
		return state.Record{}, &LaunchError{Index: p.Index, Err: err}
	}

	// A stale socket from a dead instance would make the liveness probe pass
	// against nothing.
	if err := os.Remove(p.SocketPath); err != nil && !os.IsNotExist(err) {
		return state.Record{}, &LaunchError{Index: p.Index, Err: fmt.Errorf("failed to remove stale socket: %w", err)}
	}

	logFile, err := os.OpenFile(p.LogPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return state.Record{}, &LaunchError{Index: p.Index, Err: fmt.Errorf("failed to open instance log: %w", err)}
	}
	defer logFile.Close()

	// The hypervisor must outlive this invocation; plain CommandContext would
	// kill it when the CLI's context unwinds.
	cmd := exec.CommandContext(context.WithoutCancel(ctx), l.binary,
		"--api-sock", p.SocketPath,
		"--config-file", p.ConfigPath,
	)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}

	log.G(ctx).WithFields(log.Fields{
		"index":  p.Index,
		"binary": l.binary,
		"socket": p.SocketPath,
		"config": p.ConfigPath,
	}).Info("starting hypervisor")

	if err := cmd.Start(); err != nil {
		return state.Record{}, &LaunchError{
			Index:   p.Index,
			Err:     fmt.Errorf("failed to start hypervisor: %w", err),
			LogTail: logTail(p.LogPath),
		}
	}
	pid := cmd.Process.Pid

	if err := l.waitForLiveness(ctx, pid, p.SocketPath); err != nil {
		l.killHalfStart(ctx, cmd, pid, p.SocketPath)
		return state.Record{}, &LaunchError{
			Index:   p.Index,
			Err:     err,
			LogTail: logTail(p.LogPath),
		}
	}

	// Reap the child when it eventually exits so it never lingers as a
	// zombie of a long-lived caller.
	go func() {
		_ = cmd.Wait()
	}()

	log.G(ctx).WithFields(log.Fields{
		"index": p.Index,
		"pid":   pid,
	}).Info("instance live")

	return state.Record{
		Index:      p.Index,
		PID:        pid,
		SocketPath: p.SocketPath,
		Binary:     l.binary,
		StartedAt:  time.Now().UTC(),
	}, nil
}

// waitForLiveness polls until the hypervisor process is running and its API
// socket accepts a connection, or the boot wait elapses. The process check
// must reject zombies: the child is not reaped during the probe, so a crashed
// hypervisor still has a kill-able PID.
func (l *Launcher) waitForLiveness(ctx context.Context, pid int, socketPath string) error {
	startedAt := time.Now()
	ticker := time.NewTicker(probePeriod)
	defer ticker.Stop()

	for {
		if time.Since(startedAt) > l.bootWait {
			return fmt.Errorf("timeout waiting for API socket %s", socketPath)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if !state.IsAlive(pid) || state.IsZombie(pid) {
				return fmt.Errorf("hypervisor process exited during boot")
			}
			if _, err := os.Stat(socketPath); err != nil {
				continue
			}
			conn, err := net.DialTimeout("unix", socketPath, l.socketDial)
			if err != nil {
				continue
			}
			conn.Close()
			return nil
		}
	}
}

// killHalfStart tears down a process that never became live. The whole
// process group is killed in case the hypervisor forked, and the single
// cmd.Wait here reaps the child.
func (l *Launcher) killHalfStart(ctx context.Context, cmd *exec.Cmd, pid int, socketPath string) {
	if err := unix.Kill(-pid, unix.SIGKILL); err != nil && err != unix.ESRCH {
		log.G(ctx).WithError(err).WithField("pid", pid).Warn("failed to kill half-started hypervisor")
	}
	_ = cmd.Wait()

	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		log.G(ctx).WithError(err).WithField("socket", socketPath).Debug("could not remove socket of failed launch")
	}
}
