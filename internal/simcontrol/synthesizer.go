package simcontrol

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"

	"github.com/banshee-data/sim-control/internal/vehicle"
)

// SimulationState is the vehicle state synthesized for one cycle.
type SimulationState struct {
	Position           r3.Vector
	Heading            float64
	Orientation        quat.Number
	LinearVelocity     r3.Vector
	LinearAcceleration r3.Vector
	AngularVelocity    r3.Vector

	Speed              float64
	ThrottlePercentage float64
	BrakePercentage    float64
	Gear               vehicle.GearPosition
	DrivingMode        vehicle.DrivingMode
	EngineStarted      bool
}

// HeadingToQuaternion returns the yaw-only rotation for heading theta.
func HeadingToQuaternion(theta float64) quat.Number {
	half := theta / 2
	return quat.Number{Real: math.Cos(half), Kmag: math.Sin(half)}
}

// Synthesize converts a kinematic point into a full vehicle state.
//
// The world is flat (z = 0) and acceleration is tangential: no centripetal
// or grade terms are modelled. Yaw rate is v·κ.
func Synthesize(p KinematicPoint) SimulationState {
	cosTheta, sinTheta := math.Cos(p.Theta), math.Sin(p.Theta)
	return SimulationState{
		Position:           r3.Vector{X: p.X, Y: p.Y, Z: 0},
		Heading:            p.Theta,
		Orientation:        HeadingToQuaternion(p.Theta),
		LinearVelocity:     r3.Vector{X: p.V * cosTheta, Y: p.V * sinTheta, Z: 0},
		LinearAcceleration: r3.Vector{X: p.A * cosTheta, Y: p.A * sinTheta, Z: 0},
		AngularVelocity:    r3.Vector{X: 0, Y: 0, Z: p.V * p.Kappa},

		Speed:              p.V,
		ThrottlePercentage: 0,
		BrakePercentage:    0,
		Gear:               vehicle.GearDrive,
		DrivingMode:        vehicle.DrivingModeCompleteAutoDrive,
		EngineStarted:      true,
	}
}

// Chassis renders the chassis message for s.
func (s SimulationState) Chassis(header vehicle.Header) vehicle.Chassis {
	return vehicle.Chassis{
		Header:             header,
		EngineStarted:      s.EngineStarted,
		DrivingMode:        s.DrivingMode,
		GearLocation:       s.Gear,
		SpeedMps:           s.Speed,
		ThrottlePercentage: s.ThrottlePercentage,
		BrakePercentage:    s.BrakePercentage,
	}
}

// Localization renders the localization message for s. The measurement time
// is the header timestamp.
func (s SimulationState) Localization(header vehicle.Header) vehicle.Localization {
	return vehicle.Localization{
		Header:          header,
		MeasurementTime: header.TimestampSec,
		Pose: vehicle.Pose{
			Position: vehicle.PointFromVector(s.Position),
			Orientation: vehicle.Quaternion{
				QW: s.Orientation.Real,
				QX: s.Orientation.Imag,
				QY: s.Orientation.Jmag,
				QZ: s.Orientation.Kmag,
			},
			Heading:            s.Heading,
			LinearVelocity:     vehicle.PointFromVector(s.LinearVelocity),
			AngularVelocity:    vehicle.PointFromVector(s.AngularVelocity),
			LinearAcceleration: vehicle.PointFromVector(s.LinearAcceleration),
		},
	}
}
