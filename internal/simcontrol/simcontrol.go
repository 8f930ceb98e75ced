// Package simcontrol emulates a vehicle's control and localization stack by
// following a planned trajectory in real time.
//
// Each cycle resolves the kinematic point for the current time on the active
// trajectory, synthesizes the full vehicle state from it, and hands chassis
// and localization messages to a Publisher. Trajectory intake and the cycle
// driver share a single immutable snapshot swapped with compare-and-swap, so
// a cycle never sees a trajectory paired with another trajectory's anchor and
// never blocks on intake.
package simcontrol

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/sim-control/internal/config"
	"github.com/banshee-data/sim-control/internal/monitoring"
	"github.com/banshee-data/sim-control/internal/timeutil"
	"github.com/banshee-data/sim-control/internal/vehicle"
)

var (
	// ErrClockUnavailable is returned by New when no time source is supplied.
	ErrClockUnavailable = errors.New("simcontrol: no clock configured")
	// ErrDisabled is returned when a trajectory arrives while the simulation is disabled.
	ErrDisabled = errors.New("simulation is disabled")
	// ErrTickFailed wraps a panic recovered while computing a cycle.
	ErrTickFailed = errors.New("simulation tick failed")
)

// Publisher receives each cycle's frame. Publish must not block.
type Publisher interface {
	Publish(frame vehicle.Frame)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(frame vehicle.Frame)

// Publish calls f(frame).
func (f PublisherFunc) Publish(frame vehicle.Frame) { f(frame) }

// StartPointAdjuster transforms a requested start point, e.g. by snapping it
// onto the nearest lane.
type StartPointAdjuster interface {
	AdjustStartPoint(p TrajectoryPoint) (TrajectoryPoint, error)
}

// TrajectoryListener is told about every accepted trajectory.
type TrajectoryListener interface {
	OnTrajectory(id string, traj *Trajectory)
}

// Config holds the cycle driver parameters.
type Config struct {
	CyclePeriod       time.Duration
	ModuleName        string  // header module_name on published messages
	StartVelocity     float64 // v applied to start points
	StartAcceleration float64 // a applied to start points
}

// DefaultConfig returns the built-in cycle driver configuration.
func DefaultConfig() Config {
	return ConfigFromSim(config.DefaultSimConfig())
}

// ConfigFromSim builds a Config from a loaded SimConfig.
func ConfigFromSim(cfg *config.SimConfig) Config {
	return Config{
		CyclePeriod:       cfg.GetCyclePeriod(),
		ModuleName:        cfg.GetModuleName(),
		StartVelocity:     cfg.GetStartVelocity(),
		StartAcceleration: cfg.GetStartAcceleration(),
	}
}

// Status is a point-in-time view of the simulator for control surfaces.
type Status struct {
	State              State            `json:"state"`
	Enabled            bool             `json:"enabled"`
	TrajectoryID       string           `json:"trajectory_id,omitempty"`
	PointCount         int              `json:"point_count"`
	ReferenceTimestamp float64          `json:"reference_timestamp,omitempty"`
	Duration           float64          `json:"duration,omitempty"`
	Elapsed            float64          `json:"elapsed,omitempty"`
	StartPoint         *TrajectoryPoint `json:"start_point,omitempty"`
}

// SimControl is the trajectory-following vehicle simulator.
type SimControl struct {
	config    Config
	clock     timeutil.Clock
	publisher Publisher
	adjuster  StartPointAdjuster
	listener  TrajectoryListener
	logf      func(format string, v ...interface{})

	current atomic.Pointer[snapshot]

	// Owned by the tick path; tickMu serialises concurrent RunOnce callers.
	tickMu         sync.Mutex
	last           *SimulationState
	lastGeneration uint64
	sequence       uint64
	seqResets      uint64
}

// New creates a disabled SimControl. A nil publisher discards frames.
func New(cfg Config, clock timeutil.Clock, publisher Publisher) (*SimControl, error) {
	if clock == nil {
		return nil, ErrClockUnavailable
	}
	if cfg.CyclePeriod <= 0 {
		cfg.CyclePeriod = DefaultConfig().CyclePeriod
	}
	if cfg.ModuleName == "" {
		cfg.ModuleName = DefaultConfig().ModuleName
	}
	if publisher == nil {
		publisher = PublisherFunc(func(vehicle.Frame) {})
	}
	sc := &SimControl{
		config:    cfg,
		clock:     clock,
		publisher: publisher,
		logf:      monitoring.Logger("SimControl"),
	}
	sc.current.Store(&snapshot{state: StateDisabled})
	return sc, nil
}

// SetStartPointAdjuster installs the map transform applied by SetStartPoint.
func (sc *SimControl) SetStartPointAdjuster(a StartPointAdjuster) {
	sc.adjuster = a
}

// SetTrajectoryListener installs a listener for accepted trajectories.
func (sc *SimControl) SetTrajectoryListener(l TrajectoryListener) {
	sc.listener = l
}

// Config returns the cycle driver configuration.
func (sc *SimControl) Config() Config {
	return sc.config
}

// update applies fn to the current snapshot until the swap succeeds.
// fn may run more than once and must not have side effects.
func (sc *SimControl) update(fn func(cur *snapshot) (*snapshot, error)) (prev, next *snapshot, err error) {
	for {
		cur := sc.current.Load()
		n, err := fn(cur)
		if err != nil {
			return cur, cur, err
		}
		if n == nil || n == cur {
			return cur, cur, nil
		}
		if sc.current.CompareAndSwap(cur, n) {
			return cur, n, nil
		}
	}
}

func (sc *SimControl) logTransition(prev, next *snapshot) {
	if prev.state != next.state {
		sc.logf("state %s -> %s", prev.state, next.state)
	}
}

// Enable starts simulation. With no trajectory the simulator waits in
// StateAwaitingTrajectory, publishing the start point if one is set.
func (sc *SimControl) Enable() {
	prev, next, _ := sc.update(func(cur *snapshot) (*snapshot, error) {
		if cur.enabled() {
			return cur, nil
		}
		n := cur.with()
		n.state = StateAwaitingTrajectory
		return n, nil
	})
	sc.logTransition(prev, next)
}

// Disable stops simulation and drops the active trajectory. The start point
// is kept. Takes effect at the next tick.
func (sc *SimControl) Disable() {
	prev, next, _ := sc.update(func(cur *snapshot) (*snapshot, error) {
		n := cur.with()
		n.state = StateDisabled
		n.generation++
		n.trajectory = nil
		n.trajectoryID = ""
		n.anchor = 0
		return n, nil
	})
	sc.logTransition(prev, next)
}

// Reset drops the trajectory and start point and restarts message sequence
// numbers. The enabled flag is preserved.
func (sc *SimControl) Reset() {
	prev, next, _ := sc.update(func(cur *snapshot) (*snapshot, error) {
		n := &snapshot{
			state:      StateDisabled,
			generation: cur.generation + 1,
			resets:     cur.resets + 1,
		}
		if cur.enabled() {
			n.state = StateAwaitingTrajectory
		}
		return n, nil
	})
	sc.logTransition(prev, next)
	sc.logf("reset")
}

// SetTrajectory replaces the active trajectory and returns its assigned ID.
// The swap is atomic: the next tick sees the new points and anchor together.
// Empty trajectories are rejected with ErrEmptyTrajectory and leave the
// active trajectory untouched.
func (sc *SimControl) SetTrajectory(traj *Trajectory) (string, error) {
	if traj == nil || traj.Len() == 0 {
		sc.logf("rejected trajectory: %v", ErrEmptyTrajectory)
		return "", ErrEmptyTrajectory
	}

	id := uuid.NewString()
	anchor := timeutil.FromSeconds(traj.ReferenceTimestamp()).UnixNano()
	prev, next, err := sc.update(func(cur *snapshot) (*snapshot, error) {
		if !cur.enabled() {
			return nil, ErrDisabled
		}
		n := cur.with()
		n.state = StateRunning
		n.generation++
		n.trajectory = traj
		n.trajectoryID = id
		n.anchor = anchor
		return n, nil
	})
	if err != nil {
		sc.logf("rejected trajectory: %v", err)
		return "", err
	}
	sc.logTransition(prev, next)
	sc.logf("trajectory %s accepted: points=%d t=[%.3f, %.3f] ref=%.3f",
		id, traj.Len(), traj.Point(0).RelativeTime, traj.Point(traj.Len()-1).RelativeTime,
		traj.ReferenceTimestamp())

	if sc.listener != nil {
		sc.listener.OnTrajectory(id, traj)
	}
	return id, nil
}

// SetTrajectoryMessage validates a wire trajectory and makes it active.
func (sc *SimControl) SetTrajectoryMessage(msg *TrajectoryMessage) (string, error) {
	if msg == nil {
		return sc.SetTrajectory(nil)
	}
	traj, err := msg.Trajectory()
	if err != nil {
		sc.logf("rejected trajectory: %v", err)
		return "", err
	}
	return sc.SetTrajectory(traj)
}

// SetStartPoint sets the pose published while no trajectory is active and
// returns it as stored. The adjuster, if any, may move it; an adjuster error
// is logged and the requested point kept. Speed and acceleration are taken
// from Config and relative time is zeroed.
func (sc *SimControl) SetStartPoint(p TrajectoryPoint) (TrajectoryPoint, error) {
	if !p.finite() {
		return TrajectoryPoint{}, ErrInvalidPoint
	}
	if sc.adjuster != nil {
		adjusted, err := sc.adjuster.AdjustStartPoint(p)
		if err != nil {
			sc.logf("start point (%.3f, %.3f) not adjusted: %v", p.X, p.Y, err)
		} else {
			p = adjusted
		}
	}
	p.V = sc.config.StartVelocity
	p.A = sc.config.StartAcceleration
	p.RelativeTime = 0

	stored := p
	sc.update(func(cur *snapshot) (*snapshot, error) {
		n := cur.with()
		n.generation++
		n.startPoint = &stored
		return n, nil
	})
	sc.logf("start point set: x=%.3f y=%.3f theta=%.3f", p.X, p.Y, p.Theta)
	return p, nil
}

// State returns the current run state.
func (sc *SimControl) State() State {
	return sc.current.Load().state
}

// Status returns a view of the current snapshot.
func (sc *SimControl) Status() Status {
	snap := sc.current.Load()
	st := Status{
		State:        snap.state,
		Enabled:      snap.enabled(),
		TrajectoryID: snap.trajectoryID,
	}
	if snap.trajectory != nil {
		st.PointCount = snap.trajectory.Len()
		st.ReferenceTimestamp = snap.trajectory.ReferenceTimestamp()
		st.Duration = snap.trajectory.Duration()
		st.Elapsed = sc.elapsed(snap, sc.clock.Now())
	}
	if snap.startPoint != nil {
		p := *snap.startPoint
		st.StartPoint = &p
	}
	return st
}

// ActiveTrajectory returns the active trajectory and its ID, or nil.
func (sc *SimControl) ActiveTrajectory() (*Trajectory, string) {
	snap := sc.current.Load()
	return snap.trajectory, snap.trajectoryID
}

func (sc *SimControl) elapsed(snap *snapshot, now time.Time) float64 {
	return float64(now.UnixNano()-snap.anchor) / float64(time.Second)
}

// Run drives RunOnce every CyclePeriod until ctx is cancelled. Ticks are
// time-anchored, so a late or missed tick does not accumulate error.
func (sc *SimControl) Run(ctx context.Context) error {
	ticker := sc.clock.NewTicker(sc.config.CyclePeriod)
	defer ticker.Stop()
	sc.logf("cycle driver started: period=%s", sc.config.CyclePeriod)

	for {
		select {
		case <-ctx.Done():
			sc.logf("cycle driver stopped")
			return ctx.Err()
		case <-ticker.C():
			sc.RunOnce()
		}
	}
}

// RunOnce performs one cycle: resolve, synthesize and publish. Failures and
// panics are logged and never escape; on failure the previous state for the
// same trajectory is republished.
func (sc *SimControl) RunOnce() {
	sc.tickMu.Lock()
	defer sc.tickMu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			sc.logf("tick panic recovered: %v", r)
		}
	}()

	snap := sc.current.Load()
	if !snap.enabled() {
		return
	}
	if snap.resets != sc.seqResets {
		sc.sequence = 0
		sc.seqResets = snap.resets
	}

	now := sc.clock.Now()
	runState := snap.state
	st, exhausted, err := sc.simulate(snap, now)
	switch {
	case err != nil:
		if sc.last == nil || sc.lastGeneration != snap.generation {
			sc.logf("tick failed, nothing to republish: %v", err)
			return
		}
		sc.logf("tick failed, republishing previous state: %v", err)
		st = sc.last
	case st == nil:
		return
	}

	if exhausted && snap.state == StateRunning {
		n := snap.with()
		n.state = StateExhausted
		// A failed swap means intake replaced the trajectory mid-tick; the
		// new trajectory owns the state now.
		if sc.current.CompareAndSwap(snap, n) {
			runState = StateExhausted
			sc.logf("trajectory %s exhausted at elapsed=%.3fs, holding last state",
				snap.trajectoryID, sc.elapsed(snap, now))
			sc.logTransition(snap, n)
		}
	}

	sc.last = st
	sc.lastGeneration = snap.generation
	sc.publish(snap.trajectoryID, runState, *st, now)
}

func (sc *SimControl) simulate(snap *snapshot, now time.Time) (st *SimulationState, exhausted bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			st, exhausted, err = nil, false, fmt.Errorf("%w: %v", ErrTickFailed, r)
		}
	}()

	switch {
	case snap.trajectory != nil:
		point, exhausted, err := Resolve(snap.trajectory, sc.elapsed(snap, now))
		if err != nil {
			return nil, false, fmt.Errorf("resolve trajectory %s: %w", snap.trajectoryID, err)
		}
		s := Synthesize(point)
		return &s, exhausted, nil
	case snap.startPoint != nil:
		s := Synthesize(*snap.startPoint)
		return &s, false, nil
	}
	return nil, false, nil
}

func (sc *SimControl) publish(trajectoryID string, runState State, st SimulationState, now time.Time) {
	sc.sequence++
	header := vehicle.Header{
		TimestampSec: timeutil.Seconds(now),
		ModuleName:   sc.config.ModuleName,
		SequenceNum:  sc.sequence,
	}
	sc.publisher.Publish(vehicle.Frame{
		RunState:     string(runState),
		TrajectoryID: trajectoryID,
		Chassis:      st.Chassis(header),
		Localization: st.Localization(header),
	})
}
