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
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pinebot/ServoWorker/pkg/service/devices"
	"github.com/pinebot/ServoWorker/pkg/service/servos"
)

type pwmCall struct {
	Channel  int
	OnValue  uint32
	OffValue uint32
}

type fakePWM struct {
	configured  bool
	frequencies []float64
	calls       []pwmCall
}

func (d *fakePWM) Configure(ctx context.Context) error {
	d.configured = true
	return nil
}
func (d *fakePWM) Close(ctx context.Context) error { return nil }
func (d *fakePWM) PWMChannelCount() int            { return 16 }
func (d *fakePWM) MaxPWMValue() uint32             { return 4095 }

func (d *fakePWM) SetFrequency(ctx context.Context, freqHz float64) error {
	d.frequencies = append(d.frequencies, freqHz)
	return nil
}

func (d *fakePWM) SetPWM(ctx context.Context, channel int, onValue, offValue uint32) error {
	d.calls = append(d.calls, pwmCall{Channel: channel, OnValue: onValue, OffValue: offValue})
	return nil
}

func (d *fakePWM) GetPWM(ctx context.Context, channel int) (uint32, uint32, error) {
	for i := len(d.calls) - 1; i >= 0; i-- {
		if d.calls[i].Channel == channel {
			return d.calls[i].OnValue, d.calls[i].OffValue, nil
		}
	}
	return 0, 0, nil
}

func newTestService(t *testing.T, device devices.PWM, conf Config) Service {
	t.Helper()
	svc, err := NewService(conf, Dependencies{
		Log: zerolog.Nop(),
		PWM: device,
	})
	require.NoError(t, err)
	return svc
}

func TestConfigureThenSetAngle(t *testing.T) {
	device := &fakePWM{}
	svc := newTestService(t, device, Config{Frequency: 60})

	require.NoError(t, svc.Configure(context.Background()))
	assert.True(t, device.configured)
	// 60Hz is already the chip default; no extra frequency write
	assert.Empty(t, device.frequencies)

	require.NoError(t, svc.SetAngle(context.Background(), 0, servos.Degrees(90)))
	require.Len(t, device.calls, 1)
	assert.Equal(t, pwmCall{Channel: 0, OnValue: 0, OffValue: 375}, device.calls[0])
}

func TestConfigureNonDefaultFrequency(t *testing.T) {
	device := &fakePWM{}
	svc := newTestService(t, device, Config{Frequency: 50})

	require.NoError(t, svc.Configure(context.Background()))
	assert.Equal(t, []float64{50}, device.frequencies)
}

func TestSetFrequencyUpdatesConfigured(t *testing.T) {
	device := &fakePWM{}
	svc := newTestService(t, device, Config{Frequency: 60})

	require.NoError(t, svc.SetFrequency(context.Background(), 50))
	assert.Equal(t, []float64{50}, device.frequencies)

	// A later Configure reprograms the last requested frequency
	require.NoError(t, svc.Configure(context.Background()))
	assert.Equal(t, []float64{50, 50}, device.frequencies)
}

func TestSetAngleInvalidChannel(t *testing.T) {
	device := &fakePWM{}
	svc := newTestService(t, device, Config{})

	err := svc.SetAngle(context.Background(), 16, servos.Degrees(90))
	assert.True(t, devices.IsInvalidChannel(err))
	assert.Empty(t, device.calls)
}

func TestStatus(t *testing.T) {
	device := &fakePWM{}
	svc := newTestService(t, device, Config{})
	require.NoError(t, svc.SetAngle(context.Background(), 4, servos.Degrees(180)))

	status, err := svc.Status(context.Background())
	require.NoError(t, err)
	require.Len(t, status.Channels, 16)
	assert.Equal(t, ChannelState{Channel: 4, OnValue: 0, OffValue: 600}, status.Channels[4])
	assert.False(t, status.StartedAt.IsZero())
}

func TestChannelFromTopic(t *testing.T) {
	channel, err := channelFromTopic("servoworker", "servoworker/7/set")
	require.NoError(t, err)
	assert.Equal(t, 7, channel)

	_, err = channelFromTopic("servoworker", "servoworker/left-arm/set")
	assert.Error(t, err)
}

func TestHandleCommand(t *testing.T) {
	device := &fakePWM{}
	svc := newTestService(t, device, Config{TopicPrefix: "servoworker"}).(*service)

	require.NoError(t, svc.handleCommand(context.Background(),
		"servoworker/3/set", []byte(`{"degrees": 90}`)))
	require.Len(t, device.calls, 1)
	assert.Equal(t, pwmCall{Channel: 3, OnValue: 0, OffValue: 375}, device.calls[0])

	// Command without an angle is rejected before any bus activity
	err := svc.handleCommand(context.Background(), "servoworker/3/set", []byte(`{}`))
	assert.True(t, servos.IsInvalidAngle(err))
	assert.Len(t, device.calls, 1)

	// Garbage payloads are rejected
	err = svc.handleCommand(context.Background(), "servoworker/3/set", []byte(`no json`))
	assert.Error(t, err)
}
