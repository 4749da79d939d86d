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
	"github.com/pinebot/ServoWorker/pkg/metrics"
)

const (
	subSystem = "servos"
)

var (
	// Total number of angle commands per channel
	angleCommandsTotal = metrics.MustRegisterCounterVec(subSystem,
		"angle_commands_total",
		"Total number of angle commands",
		"channel")
	// Last commanded angle (in degrees) per channel
	angleGauge = metrics.MustRegisterGaugeVec(subSystem,
		"angle_degrees",
		"Last commanded angle in degrees",
		"channel")
	// Total number of angles clamped to the calibrated range
	clampedAnglesTotal = metrics.MustRegisterCounter(subSystem,
		"clamped_angles_total",
		"Total number of angles clamped to the calibrated range")
	// Total number of self test runs
	selfTestRunsTotal = metrics.MustRegisterCounter(subSystem,
		"self_test_runs_total",
		"Total number of self test runs")
)
