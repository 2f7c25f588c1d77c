//go:build linux

// Package fleet drives the lifecycle of the whole instance fleet: start,
// stop, status, restart, clean. The supervisor owns no in-memory fleet state;
// every operation rediscovers the fleet from persisted records and the OS, so
// any invocation can manage instances started by an earlier one.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"
	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/firelab-io/firelab/internal/config"
	"github.com/firelab-io/firelab/internal/network"
	"github.com/firelab-io/firelab/internal/paths"
	"github.com/firelab-io/firelab/internal/plan"
	"github.com/firelab-io/firelab/internal/state"
	"github.com/firelab-io/firelab/internal/vm"
)

// pollPeriod is how often the stop sweep re-checks a signaled process.
const pollPeriod = 50 * time.Millisecond

// binder is the network surface the supervisor drives.
type binder interface {
	EnsureShared(ctx context.Context) error
	ReleaseShared(ctx context.Context) error
	Bind(ctx context.Context, p plan.Plan) error
	Unbind(ctx context.Context, p plan.Plan) error
}

// launcher spawns a hypervisor process for a plan.
type launcher interface {
	Launch(ctx context.Context, p plan.Plan) (state.Record, error)
}

// Supervisor coordinates planner, binder, launcher and record store across
// whole-fleet operations.
type Supervisor struct {
	cfg      *config.Config
	planner  *plan.Planner
	binder   binder
	launcher launcher
	records  *state.Store

	grace      time.Duration
	socketDial time.Duration
}

// NewSupervisor wires a supervisor from configuration.
func NewSupervisor(cfg *config.Config) *Supervisor {
	return &Supervisor{
		cfg:        cfg,
		planner:    plan.New(cfg),
		binder:     network.NewBinder(),
		launcher:   vm.NewLauncher(cfg),
		records:    state.NewStore(paths.RecordDir(cfg.Paths)),
		grace:      cfg.Timeouts.GetShutdownGrace(),
		socketDial: cfg.Timeouts.GetSocketDial(),
	}
}

// Start brings up count instances at indices 1..count. Shared network state
// is prepared once, then instances start sequentially; a failing instance is
// reported in its outcome and never aborts the rest of the sweep. All records
// written by one run share a generation ID.
func (s *Supervisor) Start(ctx context.Context, count int) (FleetResult, error) {
	var result FleetResult

	if count < 1 || count > plan.MaxIndex {
		return result, fmt.Errorf("instance count must be within 1..%d, got %d: %w",
			plan.MaxIndex, count, errdefs.ErrInvalidArgument)
	}

	if err := s.binder.EnsureShared(ctx); err != nil {
		return result, fmt.Errorf("failed to prepare shared network state: %w", err)
	}

	generation := uuid.NewString()
	log.G(ctx).WithFields(log.Fields{
		"count":      count,
		"generation": generation,
	}).Info("starting fleet")

	// Sequential on purpose: the iptables check-then-add sequence is not
	// atomic and parallel binds would race it.
	for index := 1; index <= count; index++ {
		result.Outcomes = append(result.Outcomes, s.startOne(ctx, index, generation))
	}
	return result, nil
}

func (s *Supervisor) startOne(ctx context.Context, index int, generation string) Outcome {
	if rec, err := s.records.Read(index); err == nil && rec.Alive() {
		log.G(ctx).WithFields(log.Fields{
			"index": index,
			"pid":   rec.PID,
		}).Info("instance already running")
		return Outcome{Index: index, Stage: StageAlreadyRunning}
	}

	p, err := s.planner.Plan(index)
	if err != nil {
		return Outcome{Index: index, Stage: StagePlan, Err: err}
	}

	var bindErr error
	if err := s.binder.Bind(ctx, p); err != nil {
		log.G(ctx).WithError(err).WithField("index", index).Warn("network bind failed, continuing degraded")
		bindErr = err
	}

	rec, err := s.launcher.Launch(ctx, p)
	if err != nil {
		return Outcome{Index: index, Stage: StageLaunch, Err: err, BindErr: bindErr}
	}

	rec.Generation = generation
	if err := s.records.Write(index, rec); err != nil {
		// A live process without a record would be invisible to every later
		// sweep. Kill it now rather than leak it.
		log.G(ctx).WithError(err).WithField("index", index).Error("failed to persist record, killing fresh instance")
		s.killUnrecorded(ctx, rec)
		return Outcome{Index: index, Stage: StageRecord, Err: err, BindErr: bindErr}
	}

	return Outcome{Index: index, Stage: StageLive, BindErr: bindErr}
}

func (s *Supervisor) killUnrecorded(ctx context.Context, rec state.Record) {
	if err := unix.Kill(-rec.PID, unix.SIGKILL); err != nil && err != unix.ESRCH {
		log.G(ctx).WithError(err).WithField("pid", rec.PID).Warn("failed to kill unrecorded instance")
	}
	if err := os.Remove(rec.SocketPath); err != nil && !os.IsNotExist(err) {
		log.G(ctx).WithError(err).Debug("could not remove socket of unrecorded instance")
	}
}

// Stop terminates every discoverable instance and releases its resources.
// One instance failing never stops the sweep; the error return is reserved
// for enumeration itself failing.
func (s *Supervisor) Stop(ctx context.Context) (StopResult, error) {
	var result StopResult

	indices, err := s.records.Enumerate()
	if err != nil {
		return result, fmt.Errorf("failed to enumerate fleet: %w", err)
	}
	if len(indices) == 0 {
		log.G(ctx).Info("no instances recorded")
		return result, nil
	}

	for _, index := range indices {
		result.Outcomes = append(result.Outcomes, s.stopOne(ctx, index))
	}
	return result, nil
}

func (s *Supervisor) stopOne(ctx context.Context, index int) Outcome {
	rec, err := s.records.Read(index)
	if err != nil {
		// Unreadable record: nothing trustworthy to signal, so prune it.
		log.G(ctx).WithError(err).WithField("index", index).Warn("pruning unreadable record")
		if derr := s.records.Delete(index); derr != nil {
			return Outcome{Index: index, Stage: StageRecord, Err: derr}
		}
		return Outcome{Index: index, Stage: StagePruned}
	}

	stage := StagePruned
	if rec.Alive() {
		if err := s.terminate(ctx, rec); err != nil {
			return Outcome{Index: index, Stage: StageSignal, Err: err}
		}
		stage = StageStopped
	} else {
		log.G(ctx).WithFields(log.Fields{
			"index": index,
			"pid":   rec.PID,
		}).Debug("instance already dead, pruning")
	}

	if err := os.Remove(rec.SocketPath); err != nil && !os.IsNotExist(err) {
		log.G(ctx).WithError(err).WithField("index", index).Warn("could not remove control socket")
	}

	if p, perr := s.planner.Plan(index); perr == nil {
		if err := s.binder.Unbind(ctx, p); err != nil {
			log.G(ctx).WithError(err).WithField("index", index).Warn("could not unbind network device")
		}
	}

	if err := s.records.Delete(index); err != nil {
		return Outcome{Index: index, Stage: StageRecord, Err: err}
	}
	return Outcome{Index: index, Stage: stage}
}

// terminate asks the process to exit and escalates to SIGKILL of its whole
// process group after the grace period. The record's Alive check already
// guarded against PID reuse before this is called.
func (s *Supervisor) terminate(ctx context.Context, rec state.Record) error {
	log.G(ctx).WithFields(log.Fields{
		"index": rec.Index,
		"pid":   rec.PID,
	}).Info("stopping instance")

	if err := unix.Kill(rec.PID, unix.SIGTERM); err != nil && err != unix.ESRCH {
		return fmt.Errorf("failed to signal pid %d: %w", rec.PID, err)
	}

	deadline := time.Now().Add(s.grace)
	ticker := time.NewTicker(pollPeriod)
	defer ticker.Stop()

	for {
		if !state.IsAlive(rec.PID) || state.IsZombie(rec.PID) {
			return nil
		}
		if time.Now().After(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}

	log.G(ctx).WithFields(log.Fields{
		"index": rec.Index,
		"pid":   rec.PID,
	}).Warn("instance ignored SIGTERM, escalating")

	if err := unix.Kill(-rec.PID, unix.SIGKILL); err != nil && err != unix.ESRCH {
		return fmt.Errorf("failed to kill pid %d: %w", rec.PID, err)
	}
	return nil
}

// Status reports every discoverable instance. Records of dead or reused PIDs
// are pruned on sight and reported as not running; the fleet self-heals by
// being observed.
func (s *Supervisor) Status(ctx context.Context) ([]InstanceStatus, error) {
	indices, err := s.records.Enumerate()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate fleet: %w", err)
	}

	statuses := make([]InstanceStatus, 0, len(indices))
	for _, index := range indices {
		rec, err := s.records.Read(index)
		if err != nil {
			log.G(ctx).WithError(err).WithField("index", index).Warn("pruning unreadable record")
			if derr := s.records.Delete(index); derr != nil {
				log.G(ctx).WithError(derr).WithField("index", index).Warn("could not prune record")
			}
			statuses = append(statuses, InstanceStatus{Index: index})
			continue
		}

		st := InstanceStatus{
			Index:      index,
			PID:        rec.PID,
			Generation: rec.Generation,
			StartedAt:  rec.StartedAt,
		}

		if !rec.Alive() {
			log.G(ctx).WithFields(log.Fields{
				"index": index,
				"pid":   rec.PID,
			}).Info("pruning record of dead instance")
			if derr := s.records.Delete(index); derr != nil {
				log.G(ctx).WithError(derr).WithField("index", index).Warn("could not prune record")
			}
			statuses = append(statuses, st)
			continue
		}

		st.Running = true
		st.HasLiveControlSocket = s.socketLive(rec.SocketPath)
		statuses = append(statuses, st)
	}
	return statuses, nil
}

func (s *Supervisor) socketLive(path string) bool {
	conn, err := net.DialTimeout("unix", path, s.socketDial)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// Restart stops the whole fleet and starts count instances. The two phases
// are not atomic: a failed start after a successful stop leaves the fleet
// down, which a later start repairs.
func (s *Supervisor) Restart(ctx context.Context, count int) (FleetResult, error) {
	if count < 1 || count > plan.MaxIndex {
		return FleetResult{}, fmt.Errorf("instance count must be within 1..%d, got %d: %w",
			plan.MaxIndex, count, errdefs.ErrInvalidArgument)
	}

	if _, err := s.Stop(ctx); err != nil {
		return FleetResult{}, fmt.Errorf("failed to stop fleet before restart: %w", err)
	}
	return s.Start(ctx, count)
}

// Clean stops the fleet, releases shared network state and removes all
// persisted state including boot assets. The host is left as if the tool had
// never run, except IPv4 forwarding stays enabled.
func (s *Supervisor) Clean(ctx context.Context) error {
	if _, err := s.Stop(ctx); err != nil {
		return err
	}

	if err := s.binder.ReleaseShared(ctx); err != nil {
		log.G(ctx).WithError(err).Warn("could not release shared network state")
	}

	var errs []error
	for _, dir := range []string{
		paths.InstancesDir(s.cfg.Paths),
		paths.RecordDir(s.cfg.Paths),
		paths.SocketDir(s.cfg.Paths),
		s.cfg.Paths.LogDir,
	} {
		if err := os.RemoveAll(dir); err != nil {
			errs = append(errs, fmt.Errorf("failed to remove %s: %w", dir, err))
		}
	}

	for _, file := range []string{
		paths.KernelPath(s.cfg.Paths),
		paths.BaseRootfsPath(s.cfg.Paths),
		paths.CatalogDBPath(s.cfg.Paths),
	} {
		if err := os.Remove(file); err != nil && !os.IsNotExist(err) {
			errs = append(errs, fmt.Errorf("failed to remove %s: %w", file, err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		return err
	}

	log.G(ctx).Info("cleaned all fleet state")
	return nil
}
