// Copyright 2024 The ServoWorker Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

package servos

import (
	"math"
)

// Angle is a servo angle.
// The zero Angle is invalid; construct one with Degrees or Radians.
type Angle struct {
	valid   bool
	degrees float64
}

// Degrees creates an Angle from a value in degrees.
func Degrees(value float64) Angle {
	return Angle{valid: true, degrees: value}
}

// Radians creates an Angle from a value in radians.
func Radians(value float64) Angle {
	return Angle{valid: true, degrees: value * 180.0 / math.Pi}
}

// IsValid returns true when the angle has been constructed
// with Degrees or Radians.
func (a Angle) IsValid() bool {
	return a.valid
}

// AsDegrees returns the angle in degrees.
func (a Angle) AsDegrees() float64 {
	return a.degrees
}

// Calibration maps angles onto pulse widths for a type of servo.
type Calibration struct {
	// Pulse value (in 4096-tick cycle units) for 0 degrees
	MinPulse uint32
	// Pulse value for MaxDegrees degrees
	MaxPulse uint32
	// Largest angle the servo can move to
	MaxDegrees float64
}

// DefaultCalibration returns the calibration for a common hobby servo
// at a 60Hz PWM rate.
func DefaultCalibration() Calibration {
	return Calibration{
		MinPulse:   150,
		MaxPulse:   600,
		MaxDegrees: 180,
	}
}

// Pulse maps the given angle onto a pulse value by linear interpolation.
// Angles outside [0,MaxDegrees] are clamped to the calibrated pulse range;
// the second return value indicates that clamping took place.
func (c Calibration) Pulse(angle Angle) (uint32, bool) {
	span := float64(c.MaxPulse - c.MinPulse)
	raw := float64(c.MinPulse) + span*angle.AsDegrees()/c.MaxDegrees
	if raw < float64(c.MinPulse) {
		return c.MinPulse, true
	}
	if raw > float64(c.MaxPulse) {
		return c.MaxPulse, true
	}
	return uint32(math.Round(raw)), false
}
