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
	"context"
	"time"

	aerr "github.com/ewoutp/go-aggregate-error"
	"github.com/rs/zerolog"

	"github.com/pinebot/ServoWorker/pkg/service/devices"
	"github.com/pinebot/ServoWorker/pkg/service/util"
)

// Pause between self test movements, long enough for a hobby servo to
// settle so the movement is visible to an operator.
var selfTestPause = time.Second * 2

// SelfTest sweeps the servos on channels 0..14 of the given device through
// a fixed angle sequence (middle, left, middle, right, middle), pausing
// between movements.
// Failures on one channel do not stop the sweep; all failures are returned
// as a single aggregate. A canceled context stops the sweep immediately.
func SelfTest(ctx context.Context, device devices.PWM, cal Calibration, actuals *Actuals, log zerolog.Logger) error {
	selfTestRunsTotal.Inc()
	log = log.With().Str("component", "servo-selftest").Logger()

	sequence := []Angle{
		Degrees(90),
		Degrees(0),
		Degrees(90),
		Degrees(180),
		Degrees(90),
	}
	var ae aerr.AggregateError
	for channel := 0; channel < device.PWMChannelCount()-1; channel++ {
		s, err := New(device, channel, cal, actuals, log)
		if err != nil {
			ae.Add(err)
			continue
		}
		log.Info().Int("channel", channel).Msg("Sweeping servo")
		for _, angle := range sequence {
			if err := s.SetAngle(ctx, angle); err != nil {
				ae.Add(err)
			}
			if err := util.Sleep(ctx, selfTestPause); err != nil {
				// Context canceled
				return err
			}
		}
	}
	return ae.AsError()
}
