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

package devices

import (
	"context"
	"math"
	"testing"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pinebot/ServoWorker/pkg/service/bridge"
)

type regWrite struct {
	Reg uint8
	Val uint8
}

// stubBus simulates a single chip on an i2c bus.
// Register reads are served from the written values; plain byte writes
// and register writes are recorded in order.
type stubBus struct {
	failAll    bool
	registers  map[uint8]uint8
	regWrites  []regWrite
	byteWrites []uint8
}

func newStubBus() *stubBus {
	return &stubBus{registers: make(map[uint8]uint8)}
}

func (b *stubBus) Execute(ctx context.Context, address uint8, op func(ctx context.Context, dev bridge.I2CDevice) error) error {
	return op(ctx, b)
}

func (b *stubBus) DetectSlaveAddresses() []byte { return nil }

func (b *stubBus) Close() error { return nil }

func (b *stubBus) ReadByteReg(reg uint8) (uint8, error) {
	if b.failAll {
		return 0, errors.New("bus i/o error")
	}
	return b.registers[reg], nil
}

func (b *stubBus) WriteByteReg(reg uint8, val uint8) error {
	if b.failAll {
		return errors.New("bus i/o error")
	}
	b.registers[reg] = val
	b.regWrites = append(b.regWrites, regWrite{Reg: reg, Val: val})
	return nil
}

func (b *stubBus) ReadByte() (byte, error) {
	if b.failAll {
		return 0, errors.New("bus i/o error")
	}
	return 0, nil
}

func (b *stubBus) WriteByte(val byte) error {
	if b.failAll {
		return errors.New("bus i/o error")
	}
	b.byteWrites = append(b.byteWrites, val)
	return nil
}

// writesTo returns all recorded register writes to the given register.
func (b *stubBus) writesTo(reg uint8) []uint8 {
	var result []uint8
	for _, w := range b.regWrites {
		if w.Reg == reg {
			result = append(result, w.Val)
		}
	}
	return result
}

func newTestPCA9685(t *testing.T, bus bridge.I2CBus) PWM {
	t.Helper()
	pwm, err := NewPCA9685(DefaultAddress, bus, zerolog.Nop())
	require.NoError(t, err)
	return pwm
}

func TestPrescaleValue(t *testing.T) {
	// prescale(60) = floor(25e6/4096/60 - 1 + 0.5) = 101
	assert.Equal(t, uint8(101), prescaleValue(60))
	for freq := 40.0; freq <= 1000; freq++ {
		expected := uint8(math.Floor(25000000.0/4096.0/freq - 1.0 + 0.5))
		assert.Equal(t, expected, prescaleValue(freq), "freq=%v", freq)
	}
}

func TestConfigureSequence(t *testing.T) {
	bus := newStubBus()
	pwm := newTestPCA9685(t, bus)

	require.NoError(t, pwm.Configure(context.Background()))

	// Software reset probe write
	assert.Equal(t, []uint8{0x06}, bus.byteWrites)
	// All channels off through the broadcast registers
	for _, reg := range []uint8{0xFA, 0xFB, 0xFC, 0xFD} {
		assert.Equal(t, []uint8{0}, bus.writesTo(reg))
	}
	// Totem pole output drivers
	assert.Equal(t, []uint8{0x04}, bus.writesTo(0x01))
	// Default frequency established
	assert.Equal(t, []uint8{101}, bus.writesTo(0xFE))
	// Chip is awake (sleep bit cleared in last MODE1 write)
	mode1 := bus.registers[0x00]
	assert.Zero(t, mode1&0x10)
}

func TestConfigureAllWritesFailing(t *testing.T) {
	bus := newStubBus()
	bus.failAll = true
	pwm := newTestPCA9685(t, bus)

	// The error is reported, never panicked.
	err := pwm.Configure(context.Background())
	assert.Error(t, err)
}

func TestSetFrequency(t *testing.T) {
	bus := newStubBus()
	pwm := newTestPCA9685(t, bus)
	require.NoError(t, pwm.Configure(context.Background()))
	bus.regWrites = nil

	require.NoError(t, pwm.SetFrequency(context.Background(), 50))

	// prescale(50) = floor(25e6/4096/50 - 1 + 0.5) = 121
	assert.Equal(t, []uint8{121}, bus.writesTo(0xFE))

	// MODE1 sequence: sleep, restore, restart
	mode1Writes := bus.writesTo(0x00)
	require.Len(t, mode1Writes, 3)
	assert.NotZero(t, mode1Writes[0]&0x10)
	assert.Zero(t, mode1Writes[1]&0x10)
	assert.NotZero(t, mode1Writes[2]&0x80)
}

func TestSetFrequencyFailing(t *testing.T) {
	bus := newStubBus()
	bus.failAll = true
	pwm := newTestPCA9685(t, bus)

	err := pwm.SetFrequency(context.Background(), 60)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "60.0Hz")
}

func TestSetFrequencyInvalid(t *testing.T) {
	for _, freq := range []float64{0, -1, -60} {
		bus := newStubBus()
		pwm := newTestPCA9685(t, bus)

		err := pwm.SetFrequency(context.Background(), freq)
		assert.True(t, IsInvalidFrequency(err), "freq=%v", freq)
		// No register writes on a rejected frequency
		assert.Empty(t, bus.regWrites, "freq=%v", freq)
	}
}

func TestSetPWMRegisterPairs(t *testing.T) {
	tests := []struct {
		Channel  int
		OnValue  uint32
		OffValue uint32
	}{
		{0, 0, 0},
		{0, 0, 150},
		{0, 0, 375},
		{3, 100, 600},
		{15, 4095, 4095},
		{7, 0x0ABC, 0x0123},
	}
	for _, test := range tests {
		bus := newStubBus()
		pwm := newTestPCA9685(t, bus)
		require.NoError(t, pwm.SetPWM(context.Background(), test.Channel, test.OnValue, test.OffValue))

		require.Len(t, bus.regWrites, 4)
		base := uint8(0x06 + 4*test.Channel)
		assert.Equal(t, base, bus.regWrites[0].Reg)
		assert.Equal(t, base+1, bus.regWrites[1].Reg)
		assert.Equal(t, base+2, bus.regWrites[2].Reg)
		assert.Equal(t, base+3, bus.regWrites[3].Reg)

		on := (uint32(bus.regWrites[1].Val) << 8) | uint32(bus.regWrites[0].Val)
		off := (uint32(bus.regWrites[3].Val) << 8) | uint32(bus.regWrites[2].Val)
		assert.Equal(t, test.OnValue, on)
		assert.Equal(t, test.OffValue, off)
	}
}

func TestSetPWMInvalidChannel(t *testing.T) {
	bus := newStubBus()
	pwm := newTestPCA9685(t, bus)

	for _, channel := range []int{-1, 16, 100} {
		err := pwm.SetPWM(context.Background(), channel, 0, 150)
		assert.True(t, IsInvalidChannel(err), "channel=%d", channel)
	}
	// No bus activity for rejected channels
	assert.Empty(t, bus.regWrites)
}

func TestSetPWMClampsValues(t *testing.T) {
	bus := newStubBus()
	pwm := newTestPCA9685(t, bus)

	require.NoError(t, pwm.SetPWM(context.Background(), 0, 0, 5000))

	off := (uint32(bus.regWrites[3].Val) << 8) | uint32(bus.regWrites[2].Val)
	assert.Equal(t, uint32(4095), off)
}

func TestSetPWMFailing(t *testing.T) {
	bus := newStubBus()
	bus.failAll = true
	pwm := newTestPCA9685(t, bus)

	err := pwm.SetPWM(context.Background(), 2, 0, 150)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "channel 2")
}

func TestGetPWM(t *testing.T) {
	bus := newStubBus()
	pwm := newTestPCA9685(t, bus)
	require.NoError(t, pwm.SetPWM(context.Background(), 5, 17, 2345))

	on, off, err := pwm.GetPWM(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, uint32(17), on)
	assert.Equal(t, uint32(2345), off)
}

func TestChannelAndValueLimits(t *testing.T) {
	pwm := newTestPCA9685(t, newStubBus())
	assert.Equal(t, 16, pwm.PWMChannelCount())
	assert.Equal(t, uint32(4095), pwm.MaxPWMValue())
}
