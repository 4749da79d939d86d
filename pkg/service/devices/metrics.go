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
	"github.com/pinebot/ServoWorker/pkg/metrics"
)

const (
	subSystem = "devices"
)

var (
	// Total number of channel pulse window writes per channel
	channelWritesTotal = metrics.MustRegisterCounterVec(subSystem,
		"channel_writes_total",
		"Total number of channel pulse window writes",
		"channel")
	// Total number of PWM frequency changes
	frequencyChangesTotal = metrics.MustRegisterCounter(subSystem,
		"frequency_changes_total",
		"Total number of PWM frequency changes")
	// Current PWM frequency in Hz
	frequencyGauge = metrics.MustRegisterGauge(subSystem,
		"frequency_hz",
		"Current PWM frequency in Hz")
	// Total number of pulse values clamped to the valid range
	clampedValuesTotal = metrics.MustRegisterCounter(subSystem,
		"clamped_values_total",
		"Total number of pulse values clamped to the valid range")
)
