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

package server

import (
	"context"
	"net"
	"net/http"
	"net/http/pprof"
	"strconv"

	humanize "github.com/dustin/go-humanize"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/pinebot/ServoWorker/pkg/service"
	"github.com/pinebot/ServoWorker/pkg/service/servos"
)

// Config for the HTTP server.
type Config struct {
	// Host interface to listen on
	Host string
	// Port to listen on for HTTP requests
	Port int
}

// Server runs the HTTP server for the service.
type Server struct {
	Config
	log     zerolog.Logger
	service service.Service
}

// New configures a new Server.
func New(cfg Config, log zerolog.Logger, svc service.Service) (*Server, error) {
	return &Server{
		Config:  cfg,
		log:     log.With().Str("component", "server").Logger(),
		service: svc,
	}, nil
}

// Run the server until the given context is canceled.
func (s *Server) Run(ctx context.Context) error {
	// Prepare HTTP listener
	httpAddr := net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
	httpLis, err := net.Listen("tcp", httpAddr)
	if err != nil {
		return err
	}

	// Prepare HTTP server
	httpRouter := echo.New()
	httpRouter.HideBanner = true
	httpRouter.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	httpRouter.GET("/debug/pprof/*", echo.WrapHandler(http.HandlerFunc(pprof.Index)))
	httpRouter.GET("/api/status", s.handleGetStatus)
	httpRouter.POST("/api/channels/:channel/angle", s.handleSetAngle)
	httpRouter.POST("/api/channels/:channel/pwm", s.handleSetPWM)
	httpRouter.POST("/api/frequency", s.handleSetFrequency)
	httpRouter.POST("/api/selftest", s.handleSelfTest)
	httpSrv := http.Server{
		Handler: httpRouter,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.log.Info().Str("address", httpAddr).Msg("Serving HTTP")
		if err := httpSrv.Serve(httpLis); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		return httpSrv.Shutdown(context.Background())
	})
	return g.Wait()
}

type statusResponse struct {
	Uptime   string                 `json:"uptime"`
	Channels []service.ChannelState `json:"channels"`
}

type angleRequest struct {
	Degrees *float64 `json:"degrees,omitempty"`
	Radians *float64 `json:"radians,omitempty"`
}

type pwmRequest struct {
	OnValue  uint32 `json:"on"`
	OffValue uint32 `json:"off"`
}

type frequencyRequest struct {
	Frequency float64 `json:"frequency"`
}

func (s *Server) handleGetStatus(c echo.Context) error {
	status, err := s.service.Status(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return c.JSON(http.StatusOK, statusResponse{
		Uptime:   humanize.Time(status.StartedAt),
		Channels: status.Channels,
	})
}

func (s *Server) handleSetAngle(c echo.Context) error {
	channel, err := strconv.Atoi(c.Param("channel"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid channel")
	}
	var req angleRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	var angle servos.Angle
	switch {
	case req.Degrees != nil:
		angle = servos.Degrees(*req.Degrees)
	case req.Radians != nil:
		angle = servos.Radians(*req.Radians)
	}
	if err := s.service.SetAngle(c.Request().Context(), channel, angle); err != nil {
		if servos.IsInvalidAngle(err) {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleSetPWM(c echo.Context) error {
	channel, err := strconv.Atoi(c.Param("channel"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid channel")
	}
	var req pwmRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := s.service.SetPWM(c.Request().Context(), channel, req.OnValue, req.OffValue); err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleSetFrequency(c echo.Context) error {
	var req frequencyRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Frequency <= 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "frequency must be positive")
	}
	if err := s.service.SetFrequency(c.Request().Context(), req.Frequency); err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleSelfTest(c echo.Context) error {
	// The sweep takes minutes; run it in the background.
	go func() {
		if err := s.service.SelfTest(context.Background()); err != nil {
			s.log.Warn().Err(err).Msg("Self test failed")
		}
	}()
	return c.NoContent(http.StatusAccepted)
}
