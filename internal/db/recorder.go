package db

import (
	"context"
	"errors"
	"math"
	"sync"

	"github.com/google/uuid"

	"github.com/banshee-data/sim-control/internal/simcontrol"
	"github.com/banshee-data/sim-control/internal/timeutil"
	"github.com/banshee-data/sim-control/internal/vehicle"
)

// ErrNoRun is returned when recording before StartRun.
var ErrNoRun = errors.New("recorder: no active run")

// FrameSource is an in-process frame feed such as statebus.Bus.
type FrameSource interface {
	Subscribe() (string, <-chan vehicle.Frame)
	Unsubscribe(id string)
}

// Recorder writes a run's accepted trajectories and every Nth published
// frame to the database. It implements simcontrol.TrajectoryListener.
type Recorder struct {
	db     *DB
	clock  timeutil.Clock
	everyN uint64

	mu    sync.Mutex
	runID string
	seen  uint64
}

// NewRecorder creates a recorder keeping one frame in everyN.
func NewRecorder(db *DB, clock timeutil.Clock, everyN int) *Recorder {
	if everyN < 1 {
		everyN = 1
	}
	return &Recorder{db: db, clock: clock, everyN: uint64(everyN)}
}

// StartRun opens a new run and returns its ID.
func (r *Recorder) StartRun(moduleName string) (string, error) {
	run := Run{
		ID:         uuid.NewString(),
		StartedAt:  timeutil.Seconds(r.clock.Now()),
		ModuleName: moduleName,
	}
	if err := r.db.InsertRun(run); err != nil {
		return "", err
	}

	r.mu.Lock()
	r.runID = run.ID
	r.seen = 0
	r.mu.Unlock()

	logf("run %s started", run.ID)
	return run.ID, nil
}

// EndRun closes the active run.
func (r *Recorder) EndRun() error {
	r.mu.Lock()
	runID := r.runID
	r.runID = ""
	r.mu.Unlock()
	if runID == "" {
		return ErrNoRun
	}
	if err := r.db.EndRun(runID, timeutil.Seconds(r.clock.Now())); err != nil {
		return err
	}
	logf("run %s ended", runID)
	return nil
}

// RunID returns the active run ID, or "".
func (r *Recorder) RunID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runID
}

// OnTrajectory stores an accepted trajectory. Failures are logged.
func (r *Recorder) OnTrajectory(id string, traj *simcontrol.Trajectory) {
	runID := r.RunID()
	if runID == "" {
		return
	}
	err := r.db.InsertTrajectory(TrajectoryRecord{
		ID:                 id,
		RunID:              runID,
		ReferenceTimestamp: traj.ReferenceTimestamp(),
		PointCount:         traj.Len(),
		Duration:           traj.Duration(),
		Points:             traj.Points(),
		ReceivedAt:         timeutil.Seconds(r.clock.Now()),
	})
	if err != nil {
		logf("failed to record trajectory %s: %v", id, err)
	}
}

// RecordFrame stores f if it is the Nth frame since the last stored one.
// The first frame of a run is always stored.
func (r *Recorder) RecordFrame(f vehicle.Frame) (bool, error) {
	r.mu.Lock()
	runID := r.runID
	if runID == "" {
		r.mu.Unlock()
		return false, ErrNoRun
	}
	keep := r.seen%r.everyN == 0
	r.seen++
	r.mu.Unlock()

	if !keep {
		return false, nil
	}
	if err := r.db.InsertState(SampleFromFrame(runID, f)); err != nil {
		return false, err
	}
	return true, nil
}

// Run records frames from src until ctx is done or src closes the
// subscription.
func (r *Recorder) Run(ctx context.Context, src FrameSource) error {
	id, frames := src.Subscribe()
	defer src.Unsubscribe(id)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f, ok := <-frames:
			if !ok {
				return nil
			}
			if _, err := r.RecordFrame(f); err != nil {
				logf("failed to record frame seq=%d: %v", f.Chassis.Header.SequenceNum, err)
			}
		}
	}
}

// SampleFromFrame flattens a frame into a state sample. Accel is the
// acceleration along the heading.
func SampleFromFrame(runID string, f vehicle.Frame) StateSample {
	pose := f.Localization.Pose
	accel := pose.LinearAcceleration.X*math.Cos(pose.Heading) + pose.LinearAcceleration.Y*math.Sin(pose.Heading)
	return StateSample{
		RunID:        runID,
		TrajectoryID: f.TrajectoryID,
		SequenceNum:  f.Chassis.Header.SequenceNum,
		Timestamp:    f.Localization.Header.TimestampSec,
		X:            pose.Position.X,
		Y:            pose.Position.Y,
		Heading:      pose.Heading,
		Speed:        f.Chassis.SpeedMps,
		Accel:        accel,
		YawRate:      pose.AngularVelocity.Z,
		RunState:     f.RunState,
	}
}
