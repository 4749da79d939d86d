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
	"strconv"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/pinebot/ServoWorker/pkg/service/devices"
)

// Servo drives a single PWM channel by angle.
type Servo interface {
	// Channel returns the PWM channel this servo is connected to.
	Channel() int
	// SetAngle turns the servo to the given angle.
	SetAngle(ctx context.Context, angle Angle) error
}

type servo struct {
	mutex   sync.Mutex
	log     zerolog.Logger
	device  devices.PWM
	channel int
	cal     Calibration
	actuals *Actuals
}

// New creates a Servo on the given channel of the given PWM device.
func New(device devices.PWM, channel int, cal Calibration, actuals *Actuals, log zerolog.Logger) (Servo, error) {
	if channel < 0 || channel >= device.PWMChannelCount() {
		return nil, errors.Wrapf(devices.InvalidChannelError, "channel must be in 0..%d range, got %d",
			device.PWMChannelCount()-1, channel)
	}
	return &servo{
		log:     log.With().Str("component", "servo").Int("channel", channel).Logger(),
		device:  device,
		channel: channel,
		cal:     cal,
		actuals: actuals,
	}, nil
}

// SetAngle turns the servo to the given angle.
// The angle is mapped onto a pulse window starting at tick 0; angles
// outside the calibrated range are clamped with a warning.
func (s *servo) SetAngle(ctx context.Context, angle Angle) error {
	if !angle.IsValid() {
		// Reject before any bus activity happens.
		return errors.Wrap(InvalidAngleError, "no angle supplied")
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	pulse, clamped := s.cal.Pulse(angle)
	if clamped {
		clampedAnglesTotal.Inc()
		s.log.Warn().
			Float64("degrees", angle.AsDegrees()).
			Uint32("pulse", pulse).
			Msg("Angle outside calibrated range; pulse clamped")
	}
	if err := s.device.SetPWM(ctx, s.channel, 0, pulse); err != nil {
		return errors.Wrapf(err, "turn of servo on channel %d failed", s.channel)
	}

	if s.actuals != nil {
		s.actuals.Publish(Actual{
			Channel: s.channel,
			Degrees: angle.AsDegrees(),
			Pulse:   pulse,
		})
	}
	angleCommandsTotal.WithLabelValues(strconv.Itoa(s.channel)).Inc()
	angleGauge.WithLabelValues(strconv.Itoa(s.channel)).Set(angle.AsDegrees())
	s.log.Debug().
		Float64("degrees", angle.AsDegrees()).
		Uint32("pulse", pulse).
		Msg("Servo turned")
	return nil
}

// Channel returns the PWM channel this servo is connected to.
func (s *servo) Channel() int {
	return s.channel
}
