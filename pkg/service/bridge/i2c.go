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

package bridge

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/ecc1/gpio"
	aerr "github.com/ewoutp/go-aggregate-error"
	"github.com/rs/zerolog"

	"github.com/pinebot/ServoWorker/pkg/service/util"
)

type i2cBus struct {
	log                  zerolog.Logger
	location             string
	devices              map[uint8]*i2cDevice
	queue                chan func()
	sclPin               int
	tryRecoverFromLockup bool
}

const (
	i2cRecoverNumClocks = 10    /* # clock cycles for recovery  */
	i2cRecoverClockFreq = 50000 /* clock frequency for recovery */

	i2cRecoverClockDelayUs = (1000000 / (2 * i2cRecoverClockFreq))
)

// NewI2CBus returns accessors to the I2C bus with the given number.
// When sclPin is set (> 0), the bus tries to recover from lockups by
// clocking the SCL line through that GPIO pin.
func NewI2CBus(busNumber int, sclPin int, log zerolog.Logger) (I2CBus, error) {
	b := &i2cBus{
		log:                  log.With().Str("component", "i2c-bus").Logger(),
		location:             Location(busNumber),
		devices:              make(map[uint8]*i2cDevice),
		queue:                make(chan func()),
		sclPin:               sclPin,
		tryRecoverFromLockup: sclPin > 0,
	}
	go b.queueProcessor(context.Background())
	if b.tryRecoverFromLockup {
		if err := b.recoverFromLockup(); err != nil {
			return nil, fmt.Errorf("failed to recover bus at startup: %w", err)
		}
		time.Sleep(time.Second * 2)
	}
	return b, nil
}

// Execute an operation on the device with given address.
func (b *i2cBus) Execute(ctx context.Context, address uint8, op func(context.Context, I2CDevice) error) error {
	// Prepare result
	l := util.SpinLock{}
	done := false
	var result error

	// Prepare request
	req := func() {
		// Execute actual operation
		err := b.execute(ctx, address, op)

		// Store result
		l.Lock()
		result = err
		done = true
		l.Unlock()
	}

	// Put request in queue
	select {
	case b.queue <- req:
		// Request is on the queue
	case <-ctx.Done():
		// Context canceled
		return ctx.Err()
	}

	// Wait until result is available
	for {
		l.Lock()
		isDone := done
		l.Unlock()

		if isDone {
			return result
		}
	}
}

// Process bus requests from the queue until the given context is canceled.
func (b *i2cBus) queueProcessor(ctx context.Context) {
	// Ensure we're always using the same OS thread
	runtime.LockOSThread()

	// Process the queue
	for {
		select {
		case req, ok := <-b.queue:
			if ok {
				// Execute the given request
				req()
			} else {
				// Queue closed
				return
			}
		case <-ctx.Done():
			// Context canceled
			return
		}
	}
}

// Execute an operation on the bus.
func (b *i2cBus) execute(ctx context.Context, address uint8, op func(context.Context, I2CDevice) error) error {
	i2cExecuteCounters.WithLabelValues(strconv.Itoa(int(address))).Inc()

	var err error
	for attempt := 0; attempt < 2; attempt++ {
		// Open device
		var dev *i2cDevice
		dev, err = b.openDevice(address)
		if err != nil {
			return fmt.Errorf("openDevice(%d) failed: %w", address, err)
		}

		// Execute operation
		err = op(ctx, dev)
		if err == nil {
			// Success
			return nil
		}

		// Device call failed, close all devices
		for _, d := range b.devices {
			d.closeFile()
		}
		clear(b.devices)

		// Perform recovery (if configured)
		if b.tryRecoverFromLockup {
			i2cRecoveryAttemptsTotal.Inc()
			if err := b.recoverFromLockup(); err != nil {
				i2cRecoveryFailedTotal.Inc()
				return fmt.Errorf("i2c recovery failed: %w", err)
			}
			i2cRecoverySucceededTotal.Inc()
		} else {
			i2cRecoverySkippedTotal.Inc()
		}
	}
	// Return error
	i2cExecuteErrorCounters.WithLabelValues(strconv.Itoa(int(address))).Inc()
	return fmt.Errorf("execute operation on i2c bus failed: %w", err)
}

// Open a connection to a device at the given address.
func (b *i2cBus) openDevice(address uint8) (*i2cDevice, error) {
	// Did we already open the device?
	if d, found := b.devices[address]; found {
		return d, nil
	}

	// Open new device
	d, err := newI2CDevice(b.location, address)
	if err != nil {
		return nil, err
	}

	// Register device
	b.devices[address] = d

	return d, nil
}

// DetectSlaveAddresses probes the bus to detect available addresses.
func (b *i2cBus) DetectSlaveAddresses() []byte {
	var result []byte
	for addr := uint8(1); addr < 128; addr++ {
		if d, err := newI2CDevice(b.location, addr); err == nil {
			if err := d.DetectDevice(); err == nil {
				result = append(result, addr)
			}
			d.closeFile()
		}
	}
	return result
}

// Close the bus and all devices on it
func (b *i2cBus) Close() error {
	// Collect all existing devices
	done := false
	l := util.SpinLock{}
	var ae aerr.AggregateError
	b.queue <- func() {
		// Set done on exit
		defer func() {
			l.Lock()
			done = true
			l.Unlock()
		}()

		// Capture all devices
		devices := make([]*i2cDevice, 0, len(b.devices))
		for _, d := range b.devices {
			devices = append(devices, d)
		}

		// Close all collected devices
		for _, d := range devices {
			if err := d.closeFile(); err != nil {
				ae.Add(err)
			}
			delete(b.devices, d.address)
		}
	}

	// Wait until ready
	for {
		l.Lock()
		isDone := done
		l.Unlock()
		if isDone {
			return ae.AsError()
		}
	}
}

// Try to recover the i2c bus from lockup by clocking SCL manually.
func (b *i2cBus) recoverFromLockup() error {
	b.log.Info().Msg("Performing i2c recovery ...")
	activeLow := true
	initialValue := true
	scl, err := gpio.Output(b.sclPin, activeLow, initialValue)
	if err != nil {
		return fmt.Errorf("failed to set scl pin to output: %w", err)
	}
	for i := 0; i < i2cRecoverNumClocks; i++ {
		time.Sleep(time.Microsecond * i2cRecoverClockDelayUs)
		if err := scl.Write(false); err != nil {
			return fmt.Errorf("failed to lower scl during i2c recovery: %w", err)
		}
		time.Sleep(time.Microsecond * i2cRecoverClockDelayUs)
		if err := scl.Write(true); err != nil {
			return fmt.Errorf("failed to raise scl during i2c recovery: %w", err)
		}
	}
	// Reset pin to be input
	if _, err := gpio.Input(b.sclPin, activeLow); err != nil {
		return fmt.Errorf("failed to reset scl pin to input: %w", err)
	}
	// Unexport the pin
	unexportPath := "/sys/class/gpio/unexport"
	unexportContent := strconv.Itoa(b.sclPin)
	if err := os.WriteFile(unexportPath, []byte(unexportContent), 0644); err != nil {
		return fmt.Errorf("failed to unexport scl pin: %w", err)
	}

	b.log.Info().Msg("Performed i2c recovery.")
	return nil
}
