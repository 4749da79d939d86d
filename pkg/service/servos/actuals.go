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
	"context"

	"github.com/mattn/go-pubsub"
	"github.com/rs/zerolog"
)

// Actual is the last commanded state of a single servo channel.
type Actual struct {
	Channel int     `json:"channel"`
	Degrees float64 `json:"degrees"`
	Pulse   uint32  `json:"pulse"`
}

// Actuals fans commanded servo states out to registered receivers.
type Actuals struct {
	log    zerolog.Logger
	events *pubsub.PubSub
}

// NewActuals creates a new actual-state fan-out.
func NewActuals(log zerolog.Logger) *Actuals {
	return &Actuals{
		log:    log.With().Str("component", "servo-actuals").Logger(),
		events: pubsub.New(),
	}
}

// Publish the given actual state to all registered receivers.
func (a *Actuals) Publish(actual Actual) {
	a.events.Pub(actual)
}

// RegisterReceiver registers a callback that is invoked for every
// published actual state.
// The returned function cancels the registration.
func (a *Actuals) RegisterReceiver(cb func(Actual) error) context.CancelFunc {
	wcb := func(x Actual) {
		if err := cb(x); err != nil {
			a.log.Warn().Err(err).Msg("Actual state processing error")
		}
	}
	a.events.Sub(wcb)
	return func() {
		a.events.Leave(wcb)
	}
}
