// Package multiscan contains the data model shared by the multiScan driver
// pipeline: decoded segments, point records, and the closed set of
// point-field layouts a driver instance can emit.
package multiscan

import "time"

// Sensor geometry constants for the multiScan136. A full revolution is
// delivered as twelve independently transmitted angular segments.
const (
	SegmentsPerFrame     = 12
	PointsPerSegmentEcho = 900 // points per segment at one echo

	// NominalPointsPerFrame is the expected single-echo point count of a
	// full revolution and sizes the frame output buffer up front.
	NominalPointsPerFrame = SegmentsPerFrame * PointsPerSegmentEcho
)

// Point is one calibrated measurement. Which of the optional fields make it
// into the serialized frame is decided by the configured Layout; the struct
// always carries all of them.
type Point struct {
	X, Y, Z   float32
	Intensity float32
	Range     float32
	Azimuth   float32 // radians, sensor frame
	Elevation float32 // radians, sensor frame
	Layer     uint32
	Echo      uint32
	Index     uint32  // point index within the scanline
	Timestamp uint64  // sensor-local clock, microseconds
	Reflector float32 // reflector detection bit as reported by the sensor
}

// Scanline is one sequence of points at a fixed elevation within a segment.
type Scanline struct {
	Points []Point
}

// PointGroup is one echo group of scanlines within a segment.
type PointGroup struct {
	Scanlines []Scanline
}

// ImuSample is the inertial measurement a segment may carry. Valid is false
// when the segment contained no IMU data.
type ImuSample struct {
	Valid           bool
	AngularVelocity [3]float32 // rad/s, x/y/z
	Acceleration    [3]float32 // m/s^2, x/y/z
	Orientation     [4]float32 // quaternion w/x/y/z
}

// Segment is one decoded angular slice of a revolution. Segments arrive in
// arbitrary order and are keyed by Index into the frame accumulator.
type Segment struct {
	Index         int // angular segment index, 0..SegmentsPerFrame-1
	TimestampSec  uint32
	TimestampNsec uint32
	TelegramCnt   uint64 // monotonic telegram counter from the sensor
	Groups        []PointGroup
	Imu           ImuSample
}

// Timestamp returns the segment capture time.
func (s *Segment) Timestamp() time.Time {
	return time.Unix(int64(s.TimestampSec), int64(s.TimestampNsec))
}

// TimestampNanos returns the capture time as nanoseconds since the epoch,
// the form used for min-timestamp frame stamping.
func (s *Segment) TimestampNanos() uint64 {
	return uint64(s.TimestampSec)*1_000_000_000 + uint64(s.TimestampNsec)
}
