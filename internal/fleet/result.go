package fleet

import "time"

// Stage names how far an instance got during a fleet operation. For a failed
// outcome it is the stage that failed; for a successful one it is the
// terminal stage reached.
type Stage string

const (
	StagePlan   Stage = "plan"
	StageBind   Stage = "bind"
	StageLaunch Stage = "launch"
	StageRecord Stage = "record"
	StageSignal Stage = "signal"

	// StageLive marks a confirmed-running instance with a persisted record.
	StageLive Stage = "live"

	// StageAlreadyRunning marks an instance that was live before this run
	// and was left untouched.
	StageAlreadyRunning Stage = "already-running"

	// StageStopped marks an instance whose process was terminated and whose
	// resources were released.
	StageStopped Stage = "stopped"

	// StagePruned marks a record that no longer described a live process
	// and was removed without signaling anything.
	StagePruned Stage = "pruned"
)

// Outcome is the per-instance result of a fleet operation.
type Outcome struct {
	Index int
	Stage Stage

	// Err is what stopped this instance from reaching its terminal stage.
	Err error

	// BindErr records a network bind failure that did not abort the launch.
	// The instance may be live but unreachable until the operator repairs
	// the host network.
	BindErr error
}

// Success reports whether the instance reached its terminal stage.
func (o Outcome) Success() bool {
	return o.Err == nil
}

// Degraded reports whether the instance is live but carries a bind failure.
func (o Outcome) Degraded() bool {
	return o.Err == nil && o.BindErr != nil
}

// FleetResult aggregates per-instance outcomes of a Start or Restart run.
type FleetResult struct {
	Outcomes []Outcome
}

// Live counts instances that ended the run running.
func (r FleetResult) Live() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Success() {
			n++
		}
	}
	return n
}

// Failed counts instances that did not end the run running.
func (r FleetResult) Failed() int {
	return len(r.Outcomes) - r.Live()
}

// AllLive reports whether every requested instance ended the run running.
func (r FleetResult) AllLive() bool {
	return r.Failed() == 0
}

// NoneLive reports whether no requested instance ended the run running.
func (r FleetResult) NoneLive() bool {
	return r.Live() == 0
}

// StopResult aggregates per-instance outcomes of a Stop sweep.
type StopResult struct {
	Outcomes []Outcome
}

// Stopped counts instances confirmed gone, whether signaled or pruned.
func (r StopResult) Stopped() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Success() {
			n++
		}
	}
	return n
}

// Failed counts instances the sweep could not confirm gone.
func (r StopResult) Failed() int {
	return len(r.Outcomes) - r.Stopped()
}

// InstanceStatus is one row of a fleet status report.
type InstanceStatus struct {
	Index   int
	Running bool

	// HasLiveControlSocket reports whether the hypervisor API socket
	// accepted a connection, a stronger signal than process liveness.
	HasLiveControlSocket bool

	PID        int
	Generation string
	StartedAt  time.Time
}

// ProbeResult describes one guest's demo-service reachability.
type ProbeResult struct {
	Index     int
	URL       string
	Reachable bool

	// Detail is the HTTP status line on success or the failure cause.
	Detail string
}
