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
	"github.com/pinebot/ServoWorker/pkg/metrics"
)

const (
	subSystem = "bridge"
)

var (
	// Total number of operations executed on the i2c bus per address
	i2cExecuteCounters = metrics.MustRegisterCounterVec(subSystem,
		"i2c_execute_total",
		"Total number of operations executed on the i2c bus",
		"address")
	// Total number of failed operations on the i2c bus per address
	i2cExecuteErrorCounters = metrics.MustRegisterCounterVec(subSystem,
		"i2c_execute_errors_total",
		"Total number of failed operations on the i2c bus",
		"address")
	// Number of bus recovery attempts
	i2cRecoveryAttemptsTotal = metrics.MustRegisterCounter(subSystem,
		"i2c_recovery_attempts_total",
		"Number of i2c bus recovery attempts")
	// Number of failed bus recoveries
	i2cRecoveryFailedTotal = metrics.MustRegisterCounter(subSystem,
		"i2c_recovery_failed_total",
		"Number of failed i2c bus recoveries")
	// Number of succeeded bus recoveries
	i2cRecoverySucceededTotal = metrics.MustRegisterCounter(subSystem,
		"i2c_recovery_succeeded_total",
		"Number of succeeded i2c bus recoveries")
	// Number of skipped bus recoveries
	i2cRecoverySkippedTotal = metrics.MustRegisterCounter(subSystem,
		"i2c_recovery_skipped_total",
		"Number of skipped i2c bus recoveries")
)
