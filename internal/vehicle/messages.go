// Package vehicle defines the chassis and localization messages the simulator
// publishes in place of a real vehicle's control and localization stack.
package vehicle

import "github.com/golang/geo/r3"

// DrivingMode is the chassis driving mode.
type DrivingMode string

const (
	DrivingModeCompleteManual    DrivingMode = "COMPLETE_MANUAL"
	DrivingModeCompleteAutoDrive DrivingMode = "COMPLETE_AUTO_DRIVE"
	DrivingModeAutoSteerOnly     DrivingMode = "AUTO_STEER_ONLY"
	DrivingModeAutoSpeedOnly     DrivingMode = "AUTO_SPEED_ONLY"
	DrivingModeEmergency         DrivingMode = "EMERGENCY_MODE"
)

// GearPosition is the chassis gear location.
type GearPosition string

const (
	GearNeutral GearPosition = "GEAR_NEUTRAL"
	GearDrive   GearPosition = "GEAR_DRIVE"
	GearReverse GearPosition = "GEAR_REVERSE"
	GearParking GearPosition = "GEAR_PARKING"
	GearLow     GearPosition = "GEAR_LOW"
	GearInvalid GearPosition = "GEAR_INVALID"
	GearNone    GearPosition = "GEAR_NONE"
)

// Header is attached to every published message.
type Header struct {
	TimestampSec float64 `json:"timestamp_sec"`
	ModuleName   string  `json:"module_name"`
	SequenceNum  uint64  `json:"sequence_num"`
}

// Chassis is the chassis status message.
type Chassis struct {
	Header             Header       `json:"header"`
	EngineStarted      bool         `json:"engine_started"`
	DrivingMode        DrivingMode  `json:"driving_mode"`
	GearLocation       GearPosition `json:"gear_location"`
	SpeedMps           float64      `json:"speed_mps"`
	ThrottlePercentage float64      `json:"throttle_percentage"`
	BrakePercentage    float64      `json:"brake_percentage"`
}

// Point3D is a position or vector in the map frame.
type Point3D struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// PointFromVector converts an r3 vector to its wire form.
func PointFromVector(v r3.Vector) Point3D {
	return Point3D{X: v.X, Y: v.Y, Z: v.Z}
}

// Vector returns p as an r3 vector.
func (p Point3D) Vector() r3.Vector {
	return r3.Vector{X: p.X, Y: p.Y, Z: p.Z}
}

// Quaternion is an orientation in (w, x, y, z) order.
type Quaternion struct {
	QW float64 `json:"qw"`
	QX float64 `json:"qx"`
	QY float64 `json:"qy"`
	QZ float64 `json:"qz"`
}

// Pose is the vehicle pose and its first and second derivatives.
type Pose struct {
	Position           Point3D    `json:"position"`
	Orientation        Quaternion `json:"orientation"`
	Heading            float64    `json:"heading"` // radians, counter-clockwise from +x
	LinearVelocity     Point3D    `json:"linear_velocity"`
	AngularVelocity    Point3D    `json:"angular_velocity"`
	LinearAcceleration Point3D    `json:"linear_acceleration"`
}

// Localization is the localization estimate message.
type Localization struct {
	Header          Header  `json:"header"`
	MeasurementTime float64 `json:"measurement_time"`
	Pose            Pose    `json:"pose"`
}

// Frame is one simulation cycle's output: both messages plus the simulator
// state that produced them.
type Frame struct {
	RunState     string       `json:"run_state"`
	TrajectoryID string       `json:"trajectory_id,omitempty"`
	Chassis      Chassis      `json:"chassis"`
	Localization Localization `json:"localization"`
}
