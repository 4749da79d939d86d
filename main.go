//    Copyright 2024 The ServoWorker Authors
//
//    Licensed under the Apache License, Version 2.0 (the "License");
//    you may not use this file except in compliance with the License.
//    You may obtain a copy of the License at
//
//        http://www.apache.org/licenses/LICENSE-2.0
//
//    Unless required by applicable law or agreed to in writing, software
//    distributed under the License is distributed on an "AS IS" BASIS,
//    WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
//    See the License for the specific language governing permissions and
//    limitations under the License.

package main

import (
	"context"
	"fmt"
	"os"

	terminate "github.com/pulcy/go-terminate"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/pinebot/ServoWorker/pkg/server"
	"github.com/pinebot/ServoWorker/pkg/service"
	"github.com/pinebot/ServoWorker/pkg/service/bridge"
	"github.com/pinebot/ServoWorker/pkg/service/devices"
)

const (
	projectName       = "Pinebot Servo Worker"
	defaultServerPort = 7212
)

var (
	projectVersion = "dev"
	projectBuild   = "dev"
)

func main() {
	var levelFlag string
	var busNumber int
	var sclPin int
	var chipAddress string
	var frequency float64
	var serverHost string
	var serverPort int
	var mqttBroker string
	var topicPrefix string
	var moduleID string
	var runSelfTest bool
	var scanBus bool

	pflag.StringVarP(&levelFlag, "level", "l", "debug", "Set log level")
	pflag.IntVarP(&busNumber, "bus", "b", 1, "Number of the i2c bus the PWM chip is connected to")
	pflag.IntVar(&sclPin, "scl-pin", 0, "GPIO pin of the i2c SCL line, used for bus lockup recovery (0 disables)")
	pflag.StringVarP(&chipAddress, "address", "a", devices.DefaultAddress, "I2C address of the PWM chip")
	pflag.Float64VarP(&frequency, "frequency", "f", devices.DefaultFrequency, "PWM cycle frequency in Hz")
	pflag.StringVar(&serverHost, "host", "0.0.0.0", "Host address the HTTP server will listen on")
	pflag.IntVar(&serverPort, "port", defaultServerPort, "Port the HTTP server will listen on")
	pflag.StringVar(&mqttBroker, "mqtt-broker", "", "Address (host:port) of the MQTT broker (empty disables MQTT)")
	pflag.StringVar(&topicPrefix, "topic-prefix", "servoworker", "Prefix of MQTT command & state topics")
	pflag.StringVar(&moduleID, "module-id", "servoworker", "Client identification towards the MQTT broker")
	pflag.BoolVar(&runSelfTest, "self-test", false, "Sweep all servos through a fixed angle sequence and exit")
	pflag.BoolVar(&scanBus, "scan", false, "Detect device addresses on the i2c bus and exit")
	pflag.Parse()

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	if level, err := zerolog.ParseLevel(levelFlag); err == nil {
		logger = logger.Level(level)
	}

	bus, err := bridge.NewI2CBus(busNumber, sclPin, logger)
	if err != nil {
		Exitf("Failed to open i2c bus %d: %v\n", busNumber, err)
	}
	defer bus.Close()

	if scanBus {
		for _, addr := range bus.DetectSlaveAddresses() {
			fmt.Printf("0x%02x\n", addr)
		}
		return
	}

	pwm, err := devices.NewPCA9685(chipAddress, bus, logger)
	if err != nil {
		Exitf("Failed to initialize PWM chip driver: %v\n", err)
	}

	svc, err := service.NewService(service.Config{
		ChipAddress:       chipAddress,
		Frequency:         frequency,
		MQTTBrokerAddress: mqttBroker,
		TopicPrefix:       topicPrefix,
		ModuleID:          moduleID,
	}, service.Dependencies{
		Log: logger,
		PWM: pwm,
	})
	if err != nil {
		Exitf("Failed to initialize Service: %v\n", err)
	}

	httpServer, err := server.New(server.Config{
		Host: serverHost,
		Port: serverPort,
	}, logger, svc)
	if err != nil {
		Exitf("Failed to initialize Server: %v\n", err)
	}

	// Prepare to shutdown in a controlled manor
	ctx, cancel := context.WithCancel(context.Background())
	t := terminate.NewTerminator(func(template string, args ...interface{}) {
		logger.Info().Msgf(template, args...)
	}, cancel)
	go t.ListenSignals()

	fmt.Printf("Starting %s (version %s build %s)\n", projectName, projectVersion, projectBuild)
	if err := svc.Configure(ctx); err != nil {
		// Bring-up continues best-effort; the chip may be reachable later.
		logger.Error().Err(err).Msg("Failed to initialize PWM chip")
	}
	defer svc.Close(context.Background())

	if runSelfTest {
		if err := svc.SelfTest(ctx); err != nil {
			Exitf("Self test failed: %v\n", err)
		}
		return
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return svc.Run(ctx) })
	g.Go(func() error { return httpServer.Run(ctx) })
	if err := g.Wait(); err != nil {
		Exitf("Service run failed: %#v", err)
	}
}

// Print the given error message and exit with code 1
func Exitf(message string, args ...interface{}) {
	fmt.Printf(message, args...)
	os.Exit(1)
}
