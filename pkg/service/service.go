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

package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	aerr "github.com/ewoutp/go-aggregate-error"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/pinebot/ServoWorker/pkg/service/devices"
	"github.com/pinebot/ServoWorker/pkg/service/mqtt"
	"github.com/pinebot/ServoWorker/pkg/service/servos"
)

// Service contains the API exposed by the servo worker.
type Service interface {
	// Configure initializes the PWM chip and prepares all channels.
	Configure(ctx context.Context) error
	// Run serves MQTT servo commands (when configured) until the given
	// context is canceled.
	Run(ctx context.Context) error
	// SetAngle turns the servo on the given channel to the given angle.
	SetAngle(ctx context.Context, channel int, angle servos.Angle) error
	// SetPWM programs a raw pulse window on the given channel.
	SetPWM(ctx context.Context, channel int, onValue, offValue uint32) error
	// SetFrequency reprograms the PWM cycle frequency.
	SetFrequency(ctx context.Context, freqHz float64) error
	// SelfTest sweeps channels 0..14 through a fixed angle sequence.
	SelfTest(ctx context.Context) error
	// Status returns the current worker status.
	Status(ctx context.Context) (Status, error)
	// Close brings the chip back to a safe state.
	Close(ctx context.Context) error
}

type Config struct {
	// 7-bit address of the PWM chip ("0x40")
	ChipAddress string
	// PWM cycle frequency (in Hz) to program after initialization
	Frequency float64
	// Address (host:port) of the MQTT broker; empty disables MQTT
	MQTTBrokerAddress string
	// Prefix of MQTT command & state topics
	TopicPrefix string
	// Client identification towards the MQTT broker
	ModuleID string
}

type Dependencies struct {
	Log zerolog.Logger
	PWM devices.PWM
}

// Status of the worker.
type Status struct {
	StartedAt time.Time      `json:"started_at"`
	Channels  []ChannelState `json:"channels"`
}

// ChannelState is the pulse window currently programmed on one channel.
type ChannelState struct {
	Channel  int    `json:"channel"`
	OnValue  uint32 `json:"on"`
	OffValue uint32 `json:"off"`
}

// angleCommand is the JSON payload of an MQTT servo command.
// Exactly one of Degrees/Radians must be set.
type angleCommand struct {
	Degrees *float64 `json:"degrees,omitempty"`
	Radians *float64 `json:"radians,omitempty"`
}

type service struct {
	Config
	Dependencies

	mutex     sync.Mutex
	startedAt time.Time
	cal       servos.Calibration
	actuals   *servos.Actuals
	channels  []servos.Servo
}

// NewService creates a Service instance and returns it.
func NewService(conf Config, deps Dependencies) (Service, error) {
	deps.Log = deps.Log.With().Str("component", "service").Logger()
	s := &service{
		Config:       conf,
		Dependencies: deps,
		startedAt:    time.Now(),
		cal:          servos.DefaultCalibration(),
		actuals:      servos.NewActuals(deps.Log),
	}
	for channel := 0; channel < deps.PWM.PWMChannelCount(); channel++ {
		sv, err := servos.New(deps.PWM, channel, s.cal, s.actuals, deps.Log)
		if err != nil {
			return nil, err
		}
		s.channels = append(s.channels, sv)
	}
	return s, nil
}

// Configure initializes the PWM chip and programs the configured frequency.
func (s *service) Configure(ctx context.Context) error {
	if err := s.PWM.Configure(ctx); err != nil {
		return errors.Wrap(err, "failed to initialize PWM chip")
	}
	freq := s.frequency()
	if freq != devices.DefaultFrequency {
		if err := s.PWM.SetFrequency(ctx, freq); err != nil {
			return err
		}
	}
	s.Log.Info().Float64("frequency", freq).Msg("PWM chip ready")
	return nil
}

// Run serves MQTT servo commands until the given context is canceled.
// Without a broker address it only waits for cancellation.
func (s *service) Run(ctx context.Context) error {
	if s.MQTTBrokerAddress == "" {
		<-ctx.Done()
		return nil
	}

	mqttSvc, err := mqtt.NewService(mqtt.Config{
		BrokerAddress: s.MQTTBrokerAddress,
		ClientID:      s.ModuleID,
	}, s.Log)
	if err != nil {
		return err
	}
	defer mqttSvc.Close()

	// Re-publish actual states onto state topics
	cancelReceiver := s.actuals.RegisterReceiver(func(actual servos.Actual) error {
		topic := fmt.Sprintf("%s/%d/state", s.TopicPrefix, actual.Channel)
		return mqttSvc.Publish(ctx, actual, topic, 0)
	})
	defer cancelReceiver()

	// Receive servo commands
	commandTopic := s.TopicPrefix + "/+/set"
	if err := mqttSvc.Subscribe(ctx, commandTopic, 0, func(topic string, payload []byte) {
		if err := s.handleCommand(ctx, topic, payload); err != nil {
			s.Log.Warn().Err(err).Str("topic", topic).Msg("Servo command failed")
		}
	}); err != nil {
		return err
	}
	s.Log.Info().Str("topic", commandTopic).Msg("Listening for servo commands")

	<-ctx.Done()
	return nil
}

// handleCommand decodes and executes a single MQTT servo command.
func (s *service) handleCommand(ctx context.Context, topic string, payload []byte) error {
	channel, err := channelFromTopic(s.TopicPrefix, topic)
	if err != nil {
		return err
	}
	var cmd angleCommand
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return errors.Wrap(err, "failed to decode servo command")
	}
	var angle servos.Angle
	switch {
	case cmd.Degrees != nil:
		angle = servos.Degrees(*cmd.Degrees)
	case cmd.Radians != nil:
		angle = servos.Radians(*cmd.Radians)
	}
	return s.SetAngle(ctx, channel, angle)
}

// channelFromTopic extracts the channel number from '<prefix>/<channel>/set'.
func channelFromTopic(prefix, topic string) (int, error) {
	trimmed := strings.TrimSuffix(strings.TrimPrefix(topic, prefix+"/"), "/set")
	channel, err := strconv.Atoi(trimmed)
	if err != nil {
		return 0, errors.Wrapf(err, "no channel number in topic '%s'", topic)
	}
	return channel, nil
}

// SetAngle turns the servo on the given channel to the given angle.
func (s *service) SetAngle(ctx context.Context, channel int, angle servos.Angle) error {
	sv, err := s.servoByChannel(channel)
	if err != nil {
		return err
	}
	return sv.SetAngle(ctx, angle)
}

// SetPWM programs a raw pulse window on the given channel.
func (s *service) SetPWM(ctx context.Context, channel int, onValue, offValue uint32) error {
	return s.PWM.SetPWM(ctx, channel, onValue, offValue)
}

// SetFrequency reprograms the PWM cycle frequency.
func (s *service) SetFrequency(ctx context.Context, freqHz float64) error {
	s.mutex.Lock()
	s.Frequency = freqHz
	s.mutex.Unlock()
	return s.PWM.SetFrequency(ctx, freqHz)
}

// SelfTest sweeps channels 0..14 through a fixed angle sequence.
func (s *service) SelfTest(ctx context.Context) error {
	return servos.SelfTest(ctx, s.PWM, s.cal, s.actuals, s.Log)
}

// Status returns the current worker status by reading all channel
// pulse windows back from the chip.
func (s *service) Status(ctx context.Context) (Status, error) {
	var ae aerr.AggregateError
	states := lo.Map(s.channels, func(sv servos.Servo, _ int) ChannelState {
		on, off, err := s.PWM.GetPWM(ctx, sv.Channel())
		if err != nil {
			ae.Add(err)
		}
		return ChannelState{
			Channel:  sv.Channel(),
			OnValue:  on,
			OffValue: off,
		}
	})
	if err := ae.AsError(); err != nil {
		return Status{}, err
	}
	return Status{
		StartedAt: s.startedAt,
		Channels:  states,
	}, nil
}

// Close brings the chip back to a safe state.
func (s *service) Close(ctx context.Context) error {
	return s.PWM.Close(ctx)
}

func (s *service) servoByChannel(channel int) (servos.Servo, error) {
	if channel < 0 || channel >= len(s.channels) {
		return nil, errors.Wrapf(devices.InvalidChannelError, "channel must be in 0..%d range, got %d",
			len(s.channels)-1, channel)
	}
	return s.channels[channel], nil
}

// frequency returns the configured PWM frequency.
// The mutex guards Frequency against concurrent SetFrequency calls.
func (s *service) frequency() float64 {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.Frequency > 0 {
		return s.Frequency
	}
	return devices.DefaultFrequency
}
