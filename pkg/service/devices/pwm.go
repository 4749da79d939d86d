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
)

// PWM contains the API that is supported by all pulse width modulation devices.
type PWM interface {
	Device
	// PWMChannelCount returns the number of PWM output channels of the device
	PWMChannelCount() int
	// MaxPWMValue returns the maximum valid value for onValue or offValue.
	MaxPWMValue() uint32
	// SetFrequency reprograms the PWM cycle frequency of the device.
	SetFrequency(ctx context.Context, freqHz float64) error
	// SetPWM programs the pulse window of the channel at given index (0...).
	SetPWM(ctx context.Context, channel int, onValue, offValue uint32) error
	// GetPWM reads back the pulse window of the channel at given index (0...).
	// Returns onValue,offValue,error
	GetPWM(ctx context.Context, channel int) (uint32, uint32, error)
}
