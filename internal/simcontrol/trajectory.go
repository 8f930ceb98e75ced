package simcontrol

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrEmptyTrajectory is returned when a trajectory has no points.
	ErrEmptyTrajectory = errors.New("trajectory has no points")
	// ErrUnorderedTrajectory is returned when relative times decrease.
	ErrUnorderedTrajectory = errors.New("trajectory relative times are not non-decreasing")
	// ErrInvalidPoint is returned for a start point with non-finite fields.
	ErrInvalidPoint = errors.New("point has non-finite fields")
)

// TrajectoryPoint is one planned sample. RelativeTime is seconds from the
// owning trajectory's reference timestamp.
type TrajectoryPoint struct {
	X            float64 `json:"x"`
	Y            float64 `json:"y"`
	S            float64 `json:"s"`     // arc length, metres
	Theta        float64 `json:"theta"` // heading, radians
	Kappa        float64 `json:"kappa"` // curvature, 1/m
	V            float64 `json:"v"`     // speed, m/s
	A            float64 `json:"a"`     // acceleration, m/s²
	RelativeTime float64 `json:"relative_time"`
}

// KinematicPoint is a resolved sample: either a trajectory point or an
// interpolation between two of them.
type KinematicPoint = TrajectoryPoint

func (p TrajectoryPoint) finite() bool {
	for _, f := range []float64{p.X, p.Y, p.S, p.Theta, p.Kappa, p.V, p.A, p.RelativeTime} {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}

// Trajectory is an immutable, time-ordered sequence of points anchored at a
// reference timestamp (float seconds since the Unix epoch).
type Trajectory struct {
	points             []TrajectoryPoint
	referenceTimestamp float64
}

// NewTrajectory copies points into a new Trajectory. It fails with
// ErrEmptyTrajectory for zero points and ErrUnorderedTrajectory when a
// point's relative time is lower than its predecessor's.
func NewTrajectory(points []TrajectoryPoint, referenceTimestamp float64) (*Trajectory, error) {
	if len(points) == 0 {
		return nil, ErrEmptyTrajectory
	}
	for i := 1; i < len(points); i++ {
		if points[i].RelativeTime < points[i-1].RelativeTime {
			return nil, fmt.Errorf("%w: point %d at t=%.3f follows t=%.3f",
				ErrUnorderedTrajectory, i, points[i].RelativeTime, points[i-1].RelativeTime)
		}
	}
	owned := make([]TrajectoryPoint, len(points))
	copy(owned, points)
	return &Trajectory{points: owned, referenceTimestamp: referenceTimestamp}, nil
}

// Len returns the number of points.
func (t *Trajectory) Len() int { return len(t.points) }

// Point returns the i-th point.
func (t *Trajectory) Point(i int) TrajectoryPoint { return t.points[i] }

// Points returns a copy of the points.
func (t *Trajectory) Points() []TrajectoryPoint {
	out := make([]TrajectoryPoint, len(t.points))
	copy(out, t.points)
	return out
}

// ReferenceTimestamp returns the absolute time, in seconds, that relative
// times are measured from.
func (t *Trajectory) ReferenceTimestamp() float64 { return t.referenceTimestamp }

// Duration returns the span between the first and last relative times.
func (t *Trajectory) Duration() float64 {
	return t.points[len(t.points)-1].RelativeTime - t.points[0].RelativeTime
}

// TrajectoryHeader carries the reference timestamp relative times are
// measured from, in float seconds since the Unix epoch.
type TrajectoryHeader struct {
	TimestampSec float64 `json:"timestamp_sec"`
}

// TrajectoryMessage is the wire form of a planned trajectory.
type TrajectoryMessage struct {
	Header          TrajectoryHeader  `json:"header"`
	TrajectoryPoint []TrajectoryPoint `json:"trajectory_point"`
}

// Trajectory validates the message and converts it to a Trajectory.
func (m *TrajectoryMessage) Trajectory() (*Trajectory, error) {
	return NewTrajectory(m.TrajectoryPoint, m.Header.TimestampSec)
}

// MessageFromTrajectory converts t back to its wire form.
func MessageFromTrajectory(t *Trajectory) *TrajectoryMessage {
	m := &TrajectoryMessage{TrajectoryPoint: t.Points()}
	m.Header.TimestampSec = t.referenceTimestamp
	return m
}
