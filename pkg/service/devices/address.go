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
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ParseAddress parses a string containing a numeric 7-bit device address.
// Both hexadecimal ("0x40") and decimal ("64") notations are accepted.
func ParseAddress(addr string) (uint8, error) {
	var result uint64
	var err error
	if strings.HasPrefix(addr, "0x") || strings.HasPrefix(addr, "0X") {
		result, err = strconv.ParseUint(addr[2:], 16, 32)
	} else {
		result, err = strconv.ParseUint(addr, 10, 32)
	}
	if err != nil {
		return 0, maskAny(err)
	}
	if result == 0 || result > 0x7F {
		return 0, errors.Wrapf(InvalidAddressError, "address must be in 0x01..0x7f range, got 0x%0x", result)
	}
	return uint8(result), nil
}
