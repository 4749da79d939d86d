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
	"strconv"
	"sync"
	"time"

	aerr "github.com/ewoutp/go-aggregate-error"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/pinebot/ServoWorker/pkg/service/bridge"
	"github.com/pinebot/ServoWorker/pkg/service/util"
)

type pca9685 struct {
	mutex   sync.Mutex
	log     zerolog.Logger
	bus     bridge.I2CBus
	address uint8
}

const (
	pca9685Mode1Reg         = 0x00
	pca9685Mode2Reg         = 0x01
	pca9685Led0OnLowReg     = 0x06
	pca9685AllLedOnLowReg   = 0xFA
	pca9685AllLedOnHighReg  = 0xFB
	pca9685AllLedOffLowReg  = 0xFC
	pca9685AllLedOffHighReg = 0xFD
	pca9685PrescaleReg      = 0xFE

	pca9685OnLowRegOfs   = 0
	pca9685OnHighRegOfs  = 1
	pca9685OffLowRegOfs  = 2
	pca9685OffHighRegOfs = 3
	pca9685RegIncrement  = 4

	pca9685RestartBit = 0x80
	pca9685SleepBit   = 0x10
	pca9685AllCallBit = 0x01
	pca9685OutDrvBit  = 0x04

	// The chip divides a fixed 25MHz oscillator into 4096-tick PWM cycles.
	pca9685OscillatorHz = 25000000.0
	pca9685CycleTicks   = 4096.0

	pca9685ChannelCount = 16
	pca9685MaxPWMValue  = 4095

	// Required settle time after mode register changes.
	pca9685SettleTime = time.Millisecond * 5
)

const (
	// DefaultAddress is the factory default address of a PCA9685.
	DefaultAddress = "0x40"
	// DefaultFrequency is the PWM frequency (in Hz) established by Configure.
	DefaultFrequency = 60.0
)

// NewPCA9685 creates a PWM instance for a pca9685 device on the given address.
// The device is not touched until Configure is called.
func NewPCA9685(address string, bus bridge.I2CBus, log zerolog.Logger) (PWM, error) {
	addr, err := ParseAddress(address)
	if err != nil {
		return nil, err
	}
	return &pca9685{
		log:     log.With().Str("component", "pca9685").Str("address", address).Logger(),
		bus:     bus,
		address: addr,
	}, nil
}

// Configure is called once to put the device in the desired state.
// All channels are turned off, the output drivers are set to totem pole
// mode and the chip is taken out of sleep, running at DefaultFrequency.
// Initialization is best-effort: when part of the sequence fails, the
// default frequency is still programmed and all failures are returned
// as a single aggregate.
func (d *pca9685) Configure(ctx context.Context) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	var ae aerr.AggregateError
	if err := d.bus.Execute(ctx, d.address, func(ctx context.Context, dev bridge.I2CDevice) error {
		// Software reset probe write
		if err := dev.WriteByte(pca9685Led0OnLowReg); err != nil {
			return err
		}
		// Turn all channels off through the broadcast registers
		for _, reg := range []uint8{
			pca9685AllLedOnLowReg,
			pca9685AllLedOnHighReg,
			pca9685AllLedOffLowReg,
			pca9685AllLedOffHighReg,
		} {
			if err := dev.WriteByteReg(reg, 0); err != nil {
				return err
			}
		}
		// Totem pole output drivers
		if err := dev.WriteByteReg(pca9685Mode2Reg, pca9685OutDrvBit); err != nil {
			return err
		}
		// Respond to the all-call address
		if err := dev.WriteByteReg(pca9685Mode1Reg, pca9685AllCallBit); err != nil {
			return err
		}
		if err := util.Sleep(ctx, pca9685SettleTime); err != nil {
			return err
		}
		// Wake up the oscillator
		mode1, err := dev.ReadByteReg(pca9685Mode1Reg)
		if err != nil {
			return err
		}
		mode1 &^= pca9685SleepBit
		if err := dev.WriteByteReg(pca9685Mode1Reg, mode1); err != nil {
			return err
		}
		return util.Sleep(ctx, pca9685SettleTime)
	}); err != nil {
		ae.Add(errors.Wrapf(err, "initialize of pca9685 at 0x%0x failed", d.address))
	}
	// Establish the default PWM rate, even when initialization had errors.
	ae.Add(d.setFrequency(ctx, DefaultFrequency))
	if err := ae.AsError(); err != nil {
		return err
	}
	d.log.Debug().Msg("pca9685 initialized")
	return nil
}

// Close brings the device back to a safe state by stopping the oscillator.
func (d *pca9685) Close(ctx context.Context) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	mode1 := uint8(pca9685SleepBit | pca9685AllCallBit)
	if err := d.bus.Execute(ctx, d.address, func(ctx context.Context, dev bridge.I2CDevice) error {
		return dev.WriteByteReg(pca9685Mode1Reg, mode1)
	}); err != nil {
		return errors.Wrapf(err, "close of pca9685 at 0x%0x failed", d.address)
	}
	return nil
}

// PWMChannelCount returns the number of PWM output channels of the device
func (d *pca9685) PWMChannelCount() int {
	return pca9685ChannelCount
}

// MaxPWMValue returns the maximum valid value for onValue or offValue.
func (d *pca9685) MaxPWMValue() uint32 {
	return pca9685MaxPWMValue
}

// SetFrequency reprograms the prescaler for the given PWM cycle frequency.
func (d *pca9685) SetFrequency(ctx context.Context, freqHz float64) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	return d.setFrequency(ctx, freqHz)
}

// setFrequency reprograms the prescaler.
// The caller must hold the mutex.
func (d *pca9685) setFrequency(ctx context.Context, freqHz float64) error {
	if freqHz <= 0 {
		return errors.Wrapf(InvalidFrequencyError, "frequency %.1fHz must be positive", freqHz)
	}
	prescale := prescaleValue(freqHz)
	if err := d.bus.Execute(ctx, d.address, func(ctx context.Context, dev bridge.I2CDevice) error {
		oldMode, err := dev.ReadByteReg(pca9685Mode1Reg)
		if err != nil {
			return err
		}
		// The prescaler is only writable while the oscillator is stopped.
		if err := dev.WriteByteReg(pca9685Mode1Reg, (oldMode&0x7F)|pca9685SleepBit); err != nil {
			return err
		}
		if err := dev.WriteByteReg(pca9685PrescaleReg, prescale); err != nil {
			return err
		}
		if err := dev.WriteByteReg(pca9685Mode1Reg, oldMode); err != nil {
			return err
		}
		if err := util.Sleep(ctx, pca9685SettleTime); err != nil {
			return err
		}
		// Restart resumes oscillation with the new prescaler without
		// losing phase alignment.
		return dev.WriteByteReg(pca9685Mode1Reg, oldMode|pca9685RestartBit)
	}); err != nil {
		return errors.Wrapf(err, "set frequency to %.1fHz on pca9685 at 0x%0x failed", freqHz, d.address)
	}
	frequencyChangesTotal.Inc()
	frequencyGauge.Set(freqHz)
	d.log.Debug().Float64("frequency", freqHz).Msg("PWM frequency set")
	return nil
}

// SetPWM programs the pulse window of the channel at given index (0...).
// Values above MaxPWMValue are clamped.
func (d *pca9685) SetPWM(ctx context.Context, channel int, onValue, offValue uint32) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	regBase, err := d.regBase(channel)
	if err != nil {
		return err
	}
	onValue = d.clamp(channel, onValue)
	offValue = d.clamp(channel, offValue)
	if err := d.bus.Execute(ctx, d.address, func(ctx context.Context, dev bridge.I2CDevice) error {
		onLow := uint8(onValue & 0xFF)
		if err := dev.WriteByteReg(uint8(regBase+pca9685OnLowRegOfs), onLow); err != nil {
			return err
		}
		onHigh := uint8((onValue >> 8) & 0x0F)
		if err := dev.WriteByteReg(uint8(regBase+pca9685OnHighRegOfs), onHigh); err != nil {
			return err
		}
		offLow := uint8(offValue & 0xFF)
		if err := dev.WriteByteReg(uint8(regBase+pca9685OffLowRegOfs), offLow); err != nil {
			return err
		}
		offHigh := uint8((offValue >> 8) & 0x0F)
		if err := dev.WriteByteReg(uint8(regBase+pca9685OffHighRegOfs), offHigh); err != nil {
			return err
		}
		return nil
	}); err != nil {
		return errors.Wrapf(err, "set pulse window of channel %d on pca9685 at 0x%0x failed", channel, d.address)
	}
	channelWritesTotal.WithLabelValues(strconv.Itoa(channel)).Inc()
	return nil
}

// GetPWM reads back the pulse window of the channel at given index (0...).
func (d *pca9685) GetPWM(ctx context.Context, channel int) (uint32, uint32, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	regBase, err := d.regBase(channel)
	if err != nil {
		return 0, 0, err
	}
	var on, off uint32
	if err := d.bus.Execute(ctx, d.address, func(ctx context.Context, dev bridge.I2CDevice) error {
		onLow, err := dev.ReadByteReg(uint8(regBase + pca9685OnLowRegOfs))
		if err != nil {
			return err
		}
		onHigh, err := dev.ReadByteReg(uint8(regBase + pca9685OnHighRegOfs))
		if err != nil {
			return err
		}
		offLow, err := dev.ReadByteReg(uint8(regBase + pca9685OffLowRegOfs))
		if err != nil {
			return err
		}
		offHigh, err := dev.ReadByteReg(uint8(regBase + pca9685OffHighRegOfs))
		if err != nil {
			return err
		}
		on = uint32(onLow) | (uint32(onHigh&0x0F) << 8)
		off = uint32(offLow) | (uint32(offHigh&0x0F) << 8)
		return nil
	}); err != nil {
		return 0, 0, errors.Wrapf(err, "get pulse window of channel %d on pca9685 at 0x%0x failed", channel, d.address)
	}
	return on, off, nil
}

// regBase returns the first register for the given channel.
// Out of range channels are rejected, since their register offsets would
// land in unrelated chip control registers.
func (d *pca9685) regBase(channel int) (int, error) {
	if channel < 0 || channel >= pca9685ChannelCount {
		return 0, errors.Wrapf(InvalidChannelError, "channel must be in 0..15 range, got %d", channel)
	}
	return pca9685Led0OnLowReg + (channel * pca9685RegIncrement), nil
}

// clamp limits the given pulse value to the valid 12-bit range.
func (d *pca9685) clamp(channel int, value uint32) uint32 {
	if value > pca9685MaxPWMValue {
		d.log.Warn().
			Int("channel", channel).
			Uint32("value", value).
			Msgf("Pulse value clamped to %d", pca9685MaxPWMValue)
		clampedValuesTotal.Inc()
		return pca9685MaxPWMValue
	}
	return value
}

// prescaleValue computes the 12-bit prescaler value for the given PWM
// cycle frequency.
func prescaleValue(freqHz float64) uint8 {
	prescale := pca9685OscillatorHz
	prescale /= pca9685CycleTicks
	prescale /= freqHz
	prescale -= 1.0
	return uint8(math.Floor(prescale + 0.5))
}
