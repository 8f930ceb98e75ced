package simcontrol

import (
	"math"
	"sort"
)

// Resolve returns the kinematic point at elapsed seconds after the
// trajectory's reference timestamp.
//
// Before the first sample the first point is returned unchanged; at or past
// the last sample the last point is returned unchanged and exhausted is true.
// In between, the bracketing pair p[i].t <= elapsed < p[i+1].t is linearly
// interpolated, with heading taking the shortest arc across ±π.
// The returned point's RelativeTime is the clamped query time.
func Resolve(traj *Trajectory, elapsed float64) (point KinematicPoint, exhausted bool, err error) {
	if traj == nil || len(traj.points) == 0 {
		return KinematicPoint{}, false, ErrEmptyTrajectory
	}

	pts := traj.points
	first, last := pts[0], pts[len(pts)-1]
	if elapsed >= last.RelativeTime {
		return last, true, nil
	}
	if elapsed <= first.RelativeTime {
		return first, false, nil
	}

	// First index whose relative time is strictly after elapsed. The bounds
	// checks above guarantee 0 < j < len(pts).
	j := sort.Search(len(pts), func(k int) bool { return pts[k].RelativeTime > elapsed })
	p0, p1 := pts[j-1], pts[j]
	if elapsed == p0.RelativeTime {
		return p0, false, nil
	}
	ratio := (elapsed - p0.RelativeTime) / (p1.RelativeTime - p0.RelativeTime)
	point = interpolate(p0, p1, ratio)
	point.RelativeTime = elapsed
	return point, false, nil
}

// interpolate blends p0 and p1 at ratio in [0, 1). RelativeTime is left to the caller.
func interpolate(p0, p1 TrajectoryPoint, ratio float64) TrajectoryPoint {
	return TrajectoryPoint{
		X:     lerp(p0.X, p1.X, ratio),
		Y:     lerp(p0.Y, p1.Y, ratio),
		S:     lerp(p0.S, p1.S, ratio),
		Theta: slerpAngle(p0.Theta, p1.Theta, ratio),
		Kappa: lerp(p0.Kappa, p1.Kappa, ratio),
		V:     lerp(p0.V, p1.V, ratio),
		A:     lerp(p0.A, p1.A, ratio),
	}
}

func lerp(a, b, ratio float64) float64 {
	return a + (b-a)*ratio
}

// slerpAngle interpolates from a to b along the shorter arc.
func slerpAngle(a, b, ratio float64) float64 {
	return NormalizeAngle(a + NormalizeAngle(b-a)*ratio)
}

// NormalizeAngle wraps an angle into [-π, π).
func NormalizeAngle(angle float64) float64 {
	a := math.Mod(angle+math.Pi, 2*math.Pi)
	if a < 0 {
		a += 2 * math.Pi
	}
	return a - math.Pi
}
