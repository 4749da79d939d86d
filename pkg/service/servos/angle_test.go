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
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAngleValidity(t *testing.T) {
	var zero Angle
	assert.False(t, zero.IsValid())
	assert.True(t, Degrees(0).IsValid())
	assert.True(t, Radians(0).IsValid())
}

func TestCalibrationPulseDegrees(t *testing.T) {
	cal := DefaultCalibration()
	tests := map[float64]uint32{
		0:   150,
		45:  263, // 150 + 450*45/180 = 262.5, rounded
		90:  375,
		135: 488,
		180: 600,
	}
	for degrees, expected := range tests {
		pulse, clamped := cal.Pulse(Degrees(degrees))
		assert.False(t, clamped, "degrees=%v", degrees)
		assert.Equal(t, expected, pulse, "degrees=%v", degrees)
	}
}

func TestCalibrationPulseRadians(t *testing.T) {
	cal := DefaultCalibration()
	for degrees := 0.0; degrees <= 180; degrees += 7.5 {
		fromDegrees, _ := cal.Pulse(Degrees(degrees))
		fromRadians, _ := cal.Pulse(Radians(degrees * math.Pi / 180.0))
		// Rounding may differ by one tick on exact .5 pulse boundaries.
		assert.InDelta(t, fromDegrees, fromRadians, 1, "degrees=%v", degrees)
	}

	fromRadians, _ := cal.Pulse(Radians(math.Pi / 2))
	assert.Equal(t, uint32(375), fromRadians)
}

func TestCalibrationPulseClamps(t *testing.T) {
	cal := DefaultCalibration()

	pulse, clamped := cal.Pulse(Degrees(-10))
	assert.True(t, clamped)
	assert.Equal(t, cal.MinPulse, pulse)

	pulse, clamped = cal.Pulse(Degrees(270))
	assert.True(t, clamped)
	assert.Equal(t, cal.MaxPulse, pulse)
}
