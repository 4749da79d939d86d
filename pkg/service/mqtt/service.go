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

package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mqttapi "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

type Config struct {
	// Address (host:port) of the MQTT broker
	BrokerAddress string
	// Client identification towards the broker
	ClientID string
}

// Service contains the API exposed by the MQTT service.
type Service interface {
	// Close the service
	Close() error
	// Publish a JSON encoded message into a topic.
	Publish(ctx context.Context, msg interface{}, topic string, qos byte) error
	// Subscribe to a topic, invoking the given handler for every message.
	Subscribe(ctx context.Context, topic string, qos byte, handler func(topic string, payload []byte)) error
}

type service struct {
	Config
	log    zerolog.Logger
	mutex  sync.Mutex
	client mqttapi.Client
}

const (
	publishTimeout = time.Millisecond * 200
)

// NewService instantiates a new MQTT service and connects it to the
// configured broker.
func NewService(config Config, log zerolog.Logger) (Service, error) {
	log = log.With().Str("component", "mqtt").Logger()

	// Prepare MQTT client options
	opts := mqttapi.NewClientOptions().
		AddBroker("tcp://" + config.BrokerAddress).
		SetClientID(config.ClientID)
	opts.SetKeepAlive(2 * time.Second)
	opts.SetPingTimeout(1 * time.Second)
	opts.SetOrderMatters(false)
	opts.SetDefaultPublishHandler(func(c mqttapi.Client, m mqttapi.Message) {
		// Ignore messages when no subscription match
	})

	// Connect client
	client := mqttapi.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to mqtt: %w", token.Error())
	}

	return &service{
		Config: config,
		log:    log,
		client: client,
	}, nil
}

// Close the service
func (s *service) Close() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.client != nil {
		s.client.Disconnect(250)
		s.client = nil
	}
	return nil
}

// Publish a JSON encoded message into a topic.
func (s *service) Publish(ctx context.Context, msg interface{}, topic string, qos byte) error {
	encodedMsg, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	token := s.client.Publish(topic, qos, false, encodedMsg)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish to '%s' timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish to '%s': %w", topic, err)
	}
	return nil
}

// Subscribe to a topic, invoking the given handler for every message.
func (s *service) Subscribe(ctx context.Context, topic string, qos byte, handler func(topic string, payload []byte)) error {
	cb := func(client mqttapi.Client, msg mqttapi.Message) {
		handler(msg.Topic(), msg.Payload())
	}
	if token := s.client.Subscribe(topic, qos, cb); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to subscribe to '%s': %w", topic, token.Error())
	}
	return nil
}
