package simcontrol

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/sim-control/internal/monitoring"
	"github.com/banshee-data/sim-control/internal/timeutil"
	"github.com/banshee-data/sim-control/internal/vehicle"
)

func init() {
	monitoring.SetLogger(nil)
}

// recordingPublisher captures published frames.
type recordingPublisher struct {
	mu     sync.Mutex
	frames []vehicle.Frame
}

func (r *recordingPublisher) Publish(f vehicle.Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, f)
}

func (r *recordingPublisher) all() []vehicle.Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]vehicle.Frame, len(r.frames))
	copy(out, r.frames)
	return out
}

func (r *recordingPublisher) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

func (r *recordingPublisher) last(t *testing.T) vehicle.Frame {
	t.Helper()
	frames := r.all()
	require.NotEmpty(t, frames, "no frame published")
	return frames[len(frames)-1]
}

func newTestSimControl(t *testing.T, now float64) (*SimControl, *timeutil.MockClock, *recordingPublisher) {
	t.Helper()
	clock := timeutil.NewMockClock(timeutil.FromSeconds(now))
	pub := &recordingPublisher{}
	sc, err := New(DefaultConfig(), clock, pub)
	require.NoError(t, err)
	return sc, clock, pub
}

// diagonalTrajectory builds the 5-point, 45-degree, 10 m/s trajectory used
// by the reference scenario.
func diagonalTrajectory(t *testing.T, ref float64) *Trajectory {
	t.Helper()
	ts := []float64{0.0, 0.1, 0.2, 0.3, 0.4}
	as := []float64{0, 0, 0, 0, 0}
	vs := make([]float64, len(ts))
	ss := make([]float64, len(ts))
	xs := make([]float64, len(ts))
	ys := make([]float64, len(ts))
	vs[0] = 10.0
	for i := 1; i < len(ts); i++ {
		vs[i] = vs[i-1] + as[i-1]*ts[i]
		ss[i] = (vs[i-1] + 0.5*vs[i]) * ts[i]
		xs[i] = math.Sqrt(ss[i] * ss[i] / 2.0)
		ys[i] = math.Sqrt(ss[i] * ss[i] / 2.0)
	}

	pts := make([]TrajectoryPoint, len(ts))
	for i := range ts {
		pts[i] = TrajectoryPoint{
			X: xs[i], Y: ys[i], S: ss[i], V: vs[i], A: as[i],
			Theta: math.Pi / 4, Kappa: 0, RelativeTime: ts[i],
		}
	}
	return mustTrajectory(t, pts, ref)
}

func TestNew_RequiresClock(t *testing.T) {
	_, err := New(DefaultConfig(), nil, nil)
	assert.ErrorIs(t, err, ErrClockUnavailable)
}

func TestNew_FillsDefaults(t *testing.T) {
	sc, err := New(Config{}, timeutil.NewMockClock(time.Unix(0, 0)), nil)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Millisecond, sc.Config().CyclePeriod)
	assert.Equal(t, "SimControl", sc.Config().ModuleName)
	assert.Equal(t, StateDisabled, sc.State())

	// A nil publisher discards frames without panicking.
	sc.Enable()
	_, err = sc.SetTrajectory(diagonalTrajectory(t, 0))
	require.NoError(t, err)
	sc.RunOnce()
}

func TestSimControl_ReferenceScenario(t *testing.T) {
	sc, clock, pub := newTestSimControl(t, 0)
	sc.Enable()

	traj := diagonalTrajectory(t, 100.0)
	_, err := sc.SetStartPoint(traj.Point(0))
	require.NoError(t, err)
	_, err = sc.SetTrajectory(traj)
	require.NoError(t, err)

	clock.SetSeconds(100.01)
	sc.RunOnce()

	frame := pub.last(t)
	chassis := frame.Chassis
	assert.True(t, chassis.EngineStarted)
	assert.Equal(t, vehicle.DrivingModeCompleteAutoDrive, chassis.DrivingMode)
	assert.Equal(t, vehicle.GearDrive, chassis.GearLocation)
	assert.InDelta(t, 10.0, chassis.SpeedMps, 1e-6)
	assert.InDelta(t, 0.0, chassis.ThrottlePercentage, 1e-6)
	assert.InDelta(t, 0.0, chassis.BrakePercentage, 1e-6)

	pose := frame.Localization.Pose
	assert.InDelta(t, 0.10606601717803638, pose.Position.X, 1e-6)
	assert.InDelta(t, 0.10606601717803638, pose.Position.Y, 1e-6)
	assert.InDelta(t, 0.0, pose.Position.Z, 1e-6)

	theta := math.Pi / 4
	assert.InDelta(t, theta, pose.Heading, 1e-6)
	assert.InDelta(t, math.Cos(theta/2), pose.Orientation.QW, 1e-6)
	assert.InDelta(t, 0.0, pose.Orientation.QX, 1e-6)
	assert.InDelta(t, 0.0, pose.Orientation.QY, 1e-6)
	assert.InDelta(t, math.Sin(theta/2), pose.Orientation.QZ, 1e-6)

	const speed = 10.0
	assert.InDelta(t, math.Cos(theta)*speed, pose.LinearVelocity.X, 1e-6)
	assert.InDelta(t, math.Sin(theta)*speed, pose.LinearVelocity.Y, 1e-6)
	assert.InDelta(t, 0.0, pose.LinearVelocity.Z, 1e-6)

	assert.InDelta(t, 0.0, pose.AngularVelocity.X, 1e-6)
	assert.InDelta(t, 0.0, pose.AngularVelocity.Y, 1e-6)
	assert.InDelta(t, 0.0, pose.AngularVelocity.Z, 1e-6)

	assert.InDelta(t, 0.0, pose.LinearAcceleration.X, 1e-6)
	assert.InDelta(t, 0.0, pose.LinearAcceleration.Y, 1e-6)
	assert.InDelta(t, 0.0, pose.LinearAcceleration.Z, 1e-6)

	assert.Equal(t, string(StateRunning), frame.RunState)
	assert.Equal(t, "SimControl", chassis.Header.ModuleName)
	assert.InDelta(t, 100.01, chassis.Header.TimestampSec, 1e-9)
	assert.Equal(t, chassis.Header, frame.Localization.Header)
}

func TestSimControl_DisabledPublishesNothing(t *testing.T) {
	sc, _, pub := newTestSimControl(t, 100)
	_, err := sc.SetStartPoint(TrajectoryPoint{X: 1, Y: 2})
	require.NoError(t, err)

	sc.RunOnce()
	assert.Zero(t, pub.count())
}

func TestSimControl_StateMachine(t *testing.T) {
	sc, clock, pub := newTestSimControl(t, 100)
	assert.Equal(t, StateDisabled, sc.State())

	sc.Enable()
	assert.Equal(t, StateAwaitingTrajectory, sc.State())

	// Awaiting with no start point: nothing to publish.
	sc.RunOnce()
	assert.Zero(t, pub.count())

	id, err := sc.SetTrajectory(diagonalTrajectory(t, 100))
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, StateRunning, sc.State())

	clock.SetSeconds(100.2)
	sc.RunOnce()
	assert.Equal(t, StateRunning, sc.State())
	assert.Equal(t, string(StateRunning), pub.last(t).RunState)

	clock.SetSeconds(100.5)
	sc.RunOnce()
	assert.Equal(t, StateExhausted, sc.State())
	held := pub.last(t)
	assert.Equal(t, string(StateExhausted), held.RunState)

	// Exhausted holds the last state.
	clock.SetSeconds(105)
	sc.RunOnce()
	again := pub.last(t)
	assert.Equal(t, held.Localization.Pose, again.Localization.Pose)
	assert.Equal(t, held.Chassis.SpeedMps, again.Chassis.SpeedMps)
	assert.Greater(t, again.Chassis.Header.SequenceNum, held.Chassis.Header.SequenceNum)

	// A new trajectory resumes running.
	id2, err := sc.SetTrajectory(diagonalTrajectory(t, 105))
	require.NoError(t, err)
	assert.NotEqual(t, id, id2)
	assert.Equal(t, StateRunning, sc.State())
	sc.RunOnce()
	assert.Equal(t, id2, pub.last(t).TrajectoryID)

	sc.Disable()
	assert.Equal(t, StateDisabled, sc.State())
	traj, activeID := sc.ActiveTrajectory()
	assert.Nil(t, traj)
	assert.Empty(t, activeID)

	before := pub.count()
	sc.RunOnce()
	assert.Equal(t, before, pub.count())
}

func TestSimControl_DisableEnableDoesNotLeakState(t *testing.T) {
	sc, clock, pub := newTestSimControl(t, 100)
	sc.Enable()

	old := mustTrajectory(t, []TrajectoryPoint{
		{X: 500, Y: 500, V: 30, Theta: 1.0, RelativeTime: 0},
		{X: 600, Y: 600, V: 30, Theta: 1.0, RelativeTime: 10},
	}, 100)
	_, err := sc.SetTrajectory(old)
	require.NoError(t, err)
	clock.SetSeconds(101)
	sc.RunOnce()

	sc.Disable()
	sc.Enable()
	assert.Equal(t, StateAwaitingTrajectory, sc.State())

	fresh := mustTrajectory(t, []TrajectoryPoint{
		{X: 1, Y: 2, V: 3, Theta: -0.5, RelativeTime: 0},
		{X: 2, Y: 3, V: 3, Theta: -0.5, RelativeTime: 1},
	}, 101)
	freshID, err := sc.SetTrajectory(fresh)
	require.NoError(t, err)
	sc.RunOnce()

	frame := pub.last(t)
	assert.Equal(t, freshID, frame.TrajectoryID)
	assert.Equal(t, 1.0, frame.Localization.Pose.Position.X)
	assert.Equal(t, 2.0, frame.Localization.Pose.Position.Y)
	assert.Equal(t, -0.5, frame.Localization.Pose.Heading)
	assert.Equal(t, 3.0, frame.Chassis.SpeedMps)
	assert.Equal(t, string(StateRunning), frame.RunState)
}

func TestSimControl_EmptyTrajectoryRejected(t *testing.T) {
	sc, _, _ := newTestSimControl(t, 100)
	sc.Enable()

	id, err := sc.SetTrajectory(diagonalTrajectory(t, 100))
	require.NoError(t, err)

	_, err = sc.SetTrajectory(nil)
	assert.ErrorIs(t, err, ErrEmptyTrajectory)
	_, err = sc.SetTrajectory(&Trajectory{})
	assert.ErrorIs(t, err, ErrEmptyTrajectory)
	_, err = sc.SetTrajectoryMessage(&TrajectoryMessage{})
	assert.ErrorIs(t, err, ErrEmptyTrajectory)
	_, err = sc.SetTrajectoryMessage(nil)
	assert.ErrorIs(t, err, ErrEmptyTrajectory)

	traj, activeID := sc.ActiveTrajectory()
	require.NotNil(t, traj)
	assert.Equal(t, id, activeID)
	assert.Equal(t, 5, traj.Len())
	assert.Equal(t, StateRunning, sc.State())
}

func TestSimControl_TrajectoryWhileDisabled(t *testing.T) {
	sc, _, _ := newTestSimControl(t, 100)

	_, err := sc.SetTrajectory(diagonalTrajectory(t, 100))
	assert.ErrorIs(t, err, ErrDisabled)
	assert.Equal(t, StateDisabled, sc.State())
	traj, _ := sc.ActiveTrajectory()
	assert.Nil(t, traj)
}

func TestSimControl_StartPoint(t *testing.T) {
	clock := timeutil.NewMockClock(timeutil.FromSeconds(100))
	pub := &recordingPublisher{}
	cfg := DefaultConfig()
	cfg.StartVelocity = 1.5
	cfg.StartAcceleration = 0.25
	sc, err := New(cfg, clock, pub)
	require.NoError(t, err)

	_, err = sc.SetStartPoint(TrajectoryPoint{X: math.NaN()})
	assert.ErrorIs(t, err, ErrInvalidPoint)

	stored, err := sc.SetStartPoint(TrajectoryPoint{X: 4, Y: 5, Theta: 0.3, V: 99, A: 99, RelativeTime: 7})
	require.NoError(t, err)
	assert.Equal(t, TrajectoryPoint{X: 4, Y: 5, Theta: 0.3, V: 1.5, A: 0.25}, stored)

	sc.Enable()
	sc.RunOnce()
	frame := pub.last(t)
	assert.Equal(t, string(StateAwaitingTrajectory), frame.RunState)
	assert.Empty(t, frame.TrajectoryID)
	assert.Equal(t, 4.0, frame.Localization.Pose.Position.X)
	assert.Equal(t, 5.0, frame.Localization.Pose.Position.Y)
	assert.Equal(t, 1.5, frame.Chassis.SpeedMps)

	status := sc.Status()
	require.NotNil(t, status.StartPoint)
	assert.Equal(t, stored, *status.StartPoint)
}

type adjusterFunc func(TrajectoryPoint) (TrajectoryPoint, error)

func (f adjusterFunc) AdjustStartPoint(p TrajectoryPoint) (TrajectoryPoint, error) { return f(p) }

func TestSimControl_StartPointAdjuster(t *testing.T) {
	sc, _, _ := newTestSimControl(t, 100)

	sc.SetStartPointAdjuster(adjusterFunc(func(p TrajectoryPoint) (TrajectoryPoint, error) {
		p.Y = 0
		p.Theta = math.Pi / 2
		return p, nil
	}))
	got, err := sc.SetStartPoint(TrajectoryPoint{X: 3, Y: 0.4})
	require.NoError(t, err)
	assert.Equal(t, 3.0, got.X)
	assert.Equal(t, 0.0, got.Y)
	assert.Equal(t, math.Pi/2, got.Theta)

	sc.SetStartPointAdjuster(adjusterFunc(func(p TrajectoryPoint) (TrajectoryPoint, error) {
		return TrajectoryPoint{}, errors.New("no lane nearby")
	}))
	got, err = sc.SetStartPoint(TrajectoryPoint{X: 3, Y: 0.4})
	require.NoError(t, err)
	assert.Equal(t, 0.4, got.Y, "adjuster failure keeps the requested point")
}

func TestSimControl_ResetRestartsSequence(t *testing.T) {
	sc, _, pub := newTestSimControl(t, 100)
	sc.Enable()
	_, err := sc.SetStartPoint(TrajectoryPoint{})
	require.NoError(t, err)

	sc.RunOnce()
	sc.RunOnce()
	assert.Equal(t, uint64(2), pub.last(t).Chassis.Header.SequenceNum)

	sc.Reset()
	assert.Equal(t, StateAwaitingTrajectory, sc.State())
	assert.Nil(t, sc.Status().StartPoint)

	before := pub.count()
	sc.RunOnce()
	assert.Equal(t, before, pub.count(), "reset clears the start point")

	_, err = sc.SetStartPoint(TrajectoryPoint{})
	require.NoError(t, err)
	sc.RunOnce()
	assert.Equal(t, uint64(1), pub.last(t).Chassis.Header.SequenceNum)
}

func TestSimControl_ResetWhileDisabledStaysDisabled(t *testing.T) {
	sc, _, _ := newTestSimControl(t, 100)
	sc.Reset()
	assert.Equal(t, StateDisabled, sc.State())
}

func TestSimControl_FailedTickRepublishesPreviousState(t *testing.T) {
	sc, clock, pub := newTestSimControl(t, 100)
	sc.Enable()
	_, err := sc.SetTrajectory(diagonalTrajectory(t, 100))
	require.NoError(t, err)

	clock.SetSeconds(100.05)
	sc.RunOnce()
	good := pub.last(t)

	// Corrupt the active snapshot in place of a failing resolver; the
	// generation is unchanged so the previous state is still valid.
	broken := sc.current.Load().with()
	broken.trajectory = &Trajectory{}
	sc.current.Store(broken)

	clock.SetSeconds(100.1)
	sc.RunOnce()
	republished := pub.last(t)
	assert.Equal(t, good.Localization.Pose, republished.Localization.Pose)
	assert.Equal(t, good.Chassis.Header.SequenceNum+1, republished.Chassis.Header.SequenceNum)

	// After a new generation there is nothing valid to republish.
	broken = sc.current.Load().with()
	broken.generation++
	sc.current.Store(broken)
	before := pub.count()
	sc.RunOnce()
	assert.Equal(t, before, pub.count())
}

func TestSimControl_PublisherPanicDoesNotEscape(t *testing.T) {
	clock := timeutil.NewMockClock(timeutil.FromSeconds(100))
	calls := 0
	sc, err := New(DefaultConfig(), clock, PublisherFunc(func(vehicle.Frame) {
		calls++
		if calls == 1 {
			panic("transport down")
		}
	}))
	require.NoError(t, err)
	sc.Enable()
	_, err = sc.SetStartPoint(TrajectoryPoint{})
	require.NoError(t, err)

	assert.NotPanics(t, sc.RunOnce)
	assert.NotPanics(t, sc.RunOnce)
	assert.Equal(t, 2, calls)
}

func TestSimControl_Status(t *testing.T) {
	sc, clock, _ := newTestSimControl(t, 100)
	assert.Equal(t, Status{State: StateDisabled}, sc.Status())

	sc.Enable()
	id, err := sc.SetTrajectory(diagonalTrajectory(t, 100))
	require.NoError(t, err)
	clock.SetSeconds(100.25)

	st := sc.Status()
	assert.Equal(t, StateRunning, st.State)
	assert.True(t, st.Enabled)
	assert.Equal(t, id, st.TrajectoryID)
	assert.Equal(t, 5, st.PointCount)
	assert.Equal(t, 100.0, st.ReferenceTimestamp)
	assert.InDelta(t, 0.4, st.Duration, 1e-12)
	assert.InDelta(t, 0.25, st.Elapsed, 1e-9)
}

type listenerFunc func(string, *Trajectory)

func (f listenerFunc) OnTrajectory(id string, traj *Trajectory) { f(id, traj) }

func TestSimControl_TrajectoryListener(t *testing.T) {
	sc, _, _ := newTestSimControl(t, 100)
	sc.Enable()

	var gotID string
	var gotLen int
	sc.SetTrajectoryListener(listenerFunc(func(id string, traj *Trajectory) {
		gotID, gotLen = id, traj.Len()
	}))

	id, err := sc.SetTrajectory(diagonalTrajectory(t, 100))
	require.NoError(t, err)
	assert.Equal(t, id, gotID)
	assert.Equal(t, 5, gotLen)

	gotID = ""
	_, err = sc.SetTrajectory(nil)
	require.Error(t, err)
	assert.Empty(t, gotID, "rejected trajectories are not reported")
}

func TestSimControl_RunDrivesTicks(t *testing.T) {
	sc, clock, pub := newTestSimControl(t, 100)
	sc.Enable()
	_, err := sc.SetTrajectory(diagonalTrajectory(t, 100))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sc.Run(ctx) }()

	require.Eventually(t, func() bool {
		clock.Advance(10 * time.Millisecond)
		return pub.count() >= 3
	}, 2*time.Second, time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	frames := pub.all()
	for i := 1; i < len(frames); i++ {
		assert.GreaterOrEqual(t, frames[i].Localization.Pose.Position.X, frames[i-1].Localization.Pose.Position.X)
	}
}

// Each trajectory k has anchor 100+k and x = 1000k + t, so with now fixed at
// 200 a correctly paired snapshot resolves to x = 1000k + (100-k). Any other
// value means points were paired with another trajectory's anchor.
func TestSimControl_ConcurrentIntakeNeverTears(t *testing.T) {
	sc, _, pub := newTestSimControl(t, 200)
	sc.Enable()

	build := func(k int) *Trajectory {
		pts := make([]TrajectoryPoint, 0, 201)
		for i := 0; i <= 200; i++ {
			ti := float64(i)
			pts = append(pts, TrajectoryPoint{X: 1000*float64(k) + ti, V: 1, RelativeTime: ti})
		}
		return mustTrajectory(t, pts, 100+float64(k))
	}
	trajectories := make([]*Trajectory, 50)
	for k := range trajectories {
		trajectories[k] = build(k)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for round := 0; round < 4; round++ {
			for _, traj := range trajectories {
				if _, err := sc.SetTrajectory(traj); err != nil {
					t.Errorf("SetTrajectory: %v", err)
					return
				}
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 2000; i++ {
			sc.RunOnce()
		}
	}()
	wg.Wait()

	frames := pub.all()
	require.NotEmpty(t, frames)
	for _, f := range frames {
		x := f.Localization.Pose.Position.X
		k := math.Floor(x / 1000)
		assert.InDelta(t, 1000*k+(100-k), x, 1e-6, "torn snapshot: x=%v", x)
	}
}
