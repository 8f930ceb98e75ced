package simcontrol

// State is the simulator's run state.
type State string

const (
	StateDisabled           State = "disabled"            // Not simulating; no trajectory held
	StateAwaitingTrajectory State = "awaiting_trajectory" // Enabled, parked at the start point if any
	StateRunning            State = "running"             // Following the active trajectory
	StateExhausted          State = "exhausted"           // Past the last point; holding its state
)

// snapshot is the immutable unit of shared control state. Writers build a new
// snapshot and swap it in with compare-and-swap; a tick loads exactly one.
type snapshot struct {
	state      State
	generation uint64 // bumped on every trajectory, start point, disable and reset
	resets     uint64 // bumped on reset; restarts message sequence numbers

	trajectory   *Trajectory
	trajectoryID string
	anchor       int64 // reference timestamp, Unix nanos

	startPoint *TrajectoryPoint
}

func (s *snapshot) enabled() bool {
	return s.state != StateDisabled
}

// with returns a shallow copy of s for modification.
func (s *snapshot) with() *snapshot {
	c := *s
	return &c
}
