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

import "github.com/pkg/errors"

var (
	InvalidChannelError   = errors.New("invalid channel")
	IsInvalidChannel      = isErrorFunc(InvalidChannelError)
	InvalidAddressError   = errors.New("invalid address")
	IsInvalidAddress      = isErrorFunc(InvalidAddressError)
	InvalidFrequencyError = errors.New("invalid frequency")
	IsInvalidFrequency    = isErrorFunc(InvalidFrequencyError)

	maskAny = errors.WithStack
)

func isErrorFunc(typeOfError error) func(err error) bool {
	return func(err error) bool {
		return err == typeOfError || errors.Cause(err) == typeOfError
	}
}
