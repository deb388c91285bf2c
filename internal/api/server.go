// Package api exposes command execution, device control, device state and
// alert history over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	gometrics "github.com/rcrowley/go-metrics"
	log "github.com/sirupsen/logrus"

	"iot-control/internal/aggregator"
	"iot-control/internal/models"
)

// CommandExecutor sends a command to a device and waits for its result
type CommandExecutor interface {
	Execute(ctx context.Context, deviceID, command string, timeout, wait time.Duration) (*models.CommandResult, error)
}

// Controller applies actions to configured devices
type Controller interface {
	Dispatch(ctx context.Context, deviceID, action string, params map[string]any) models.ActionResult
	DispatchBatch(ctx context.Context, requests []models.ActionRequest) []models.ActionResult
	States() map[string]string
}

// DeviceDirectory lists what is known about reporting devices
type DeviceDirectory interface {
	GetAllDevices() []aggregator.DeviceState
}

// AlertHistory lists recent alerts, newest first
type AlertHistory interface {
	History(limit int) []models.AlertEvent
}

// Config holds API server configuration
type Config struct {
	Addr           string
	Token          string // bearer token; empty disables auth
	CommandTimeout time.Duration
	CommandWait    time.Duration
	Debug          bool
}

// Server is the HTTP control surface
type Server struct {
	config   Config
	executor CommandExecutor
	control  Controller
	devices  DeviceDirectory
	alerts   AlertHistory
	registry gometrics.Registry

	engine *gin.Engine
}

// NewServer creates the server and registers its routes
func NewServer(config Config, executor CommandExecutor, control Controller, devices DeviceDirectory, alerts AlertHistory) *Server {
	if config.CommandTimeout <= 0 {
		config.CommandTimeout = 60 * time.Second
	}
	if config.CommandWait <= 0 {
		config.CommandWait = 30 * time.Second
	}
	if !config.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		config:   config,
		executor: executor,
		control:  control,
		devices:  devices,
		alerts:   alerts,
		registry: gometrics.DefaultRegistry,
		engine:   gin.New(),
	}

	s.engine.Use(gin.Recovery(), requestLogger())
	s.setupRoutes()
	return s
}

// Handler returns the router
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) setupRoutes() {
	s.engine.GET("/healthz", s.handleHealth)

	api := s.engine.Group("/api")
	api.Use(bearerAuth(s.config.Token))
	{
		api.POST("/devices/:id/command", s.handleCommand)
		api.POST("/devices/:id/control", s.handleControl)
		api.POST("/control/batch", s.handleBatch)
		api.GET("/devices", s.handleDevices)
		api.GET("/alerts", s.handleAlerts)
		api.GET("/metrics", s.handleMetrics)
	}
}

// Run serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.config.Addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("API: Listening on %s", s.config.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	log.Info("API: Shutting down...")
	return srv.Shutdown(shutdownCtx)
}
