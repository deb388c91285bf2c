// Package agent is the device side of the command channel: it executes shell
// commands received on the device's command topic, publishes their results
// and reports system telemetry periodically.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"iot-control/internal/models"
	"iot-control/internal/transport"
)

const (
	DefaultCommandTimeout    = 60 * time.Second
	DefaultHeartbeatInterval = 60 * time.Second
)

// Collector gathers one telemetry snapshot
type Collector func(ctx context.Context) (map[string]any, error)

// Config holds agent configuration. Topics may contain {device_id}.
type Config struct {
	DeviceID          string
	CommandTopic      string // e.g. device/{device_id}/command
	ResultTopic       string // e.g. device/{device_id}/result
	TelemetryTopic    string // e.g. device/{device_id}/data; empty disables telemetry
	HeartbeatInterval time.Duration
	Shell             string
}

// Agent executes commands for a single device
type Agent struct {
	transport transport.Transport
	config    Config
	collect   Collector

	wg sync.WaitGroup
}

// New creates an agent. collect may be nil to use SystemCollector.
func New(t transport.Transport, config Config, collect Collector) *Agent {
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if config.Shell == "" {
		config.Shell = "/bin/sh"
	}
	if collect == nil {
		collect = SystemCollector
	}
	return &Agent{
		transport: t,
		config:    config,
		collect:   collect,
	}
}

// Start subscribes to the command topic and, when a telemetry topic is set,
// reports telemetry until ctx is cancelled. Commands run concurrently.
func (a *Agent) Start(ctx context.Context) error {
	commandTopic := transport.FormatTopic(a.config.CommandTopic, a.config.DeviceID)
	err := a.transport.Subscribe(commandTopic, func(msg transport.Message) {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.handleCommand(ctx, msg.Payload)
		}()
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", commandTopic, err)
	}
	log.Infof("Agent: %s listening on %s", a.config.DeviceID, commandTopic)

	if a.config.TelemetryTopic != "" {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.telemetryLoop(ctx)
		}()
	}
	return nil
}

// Wait blocks until running commands and the telemetry loop have finished
func (a *Agent) Wait() {
	a.wg.Wait()
}

func (a *Agent) handleCommand(ctx context.Context, payload []byte) {
	var req models.CommandRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		log.Warnf("Agent: Cannot parse command message: %v", err)
		a.publishResult(ctx, "unknown", false, "", "cannot parse command message as JSON")
		return
	}
	if req.CommandID == "" {
		req.CommandID = fmt.Sprintf("%d", time.Now().Unix())
	}
	if req.Command == "" {
		log.Warnf("Agent: Command %s has no command field", req.CommandID)
		a.publishResult(ctx, req.CommandID, false, "", "invalid command: missing command field")
		return
	}
	if req.Timeout <= 0 {
		req.Timeout = DefaultCommandTimeout
	}

	log.Infof("Agent: Executing [%s]: %s", req.CommandID, req.Command)
	result := a.Run(ctx, req.Command, req.Timeout)
	a.publishResult(ctx, req.CommandID, result.Success, result.Output, result.Error)
}

// Run executes command through the shell with a timeout. The result carries
// stdout as output and stderr (or the failure) as error.
func (a *Agent) Run(ctx context.Context, command string, timeout time.Duration) models.CommandResult {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(runCtx, a.config.Shell, "-c", command)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = time.Second

	err := cmd.Run()
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return models.CommandResult{
			Success: false,
			Error:   fmt.Sprintf("command timed out (>%s)", timeout),
		}
	}

	result := models.CommandResult{
		Success: err == nil,
		Output:  stdout.String(),
		Error:   stderr.String(),
	}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		result.Error = err.Error()
	}
	return result
}

func (a *Agent) publishResult(ctx context.Context, commandID string, success bool, output, errText string) {
	result := models.CommandResult{
		CommandID: commandID,
		DeviceID:  a.config.DeviceID,
		Success:   success,
		Output:    output,
		Error:     errText,
		Timestamp: models.NewTimestamp(time.Now()),
	}
	payload, err := json.Marshal(result)
	if err != nil {
		log.Errorf("Agent: Failed to encode result %s: %v", commandID, err)
		return
	}

	// The result must go out even if the agent is stopping
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	topic := transport.FormatTopic(a.config.ResultTopic, a.config.DeviceID)
	if err := a.transport.Publish(pubCtx, topic, payload); err != nil {
		log.Errorf("Agent: Failed to publish result %s: %v", commandID, err)
		return
	}
	log.Infof("Agent: Published result [%s] success=%v", commandID, success)
}

func (a *Agent) telemetryLoop(ctx context.Context) {
	ticker := time.NewTicker(a.config.HeartbeatInterval)
	defer ticker.Stop()

	a.publishTelemetry(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.publishTelemetry(ctx)
		}
	}
}

func (a *Agent) publishTelemetry(ctx context.Context) {
	fields, err := a.collect(ctx)
	if err != nil {
		log.Warnf("Agent: Partial telemetry: %v", err)
	}
	if fields == nil {
		fields = make(map[string]any)
	}
	fields["device_id"] = a.config.DeviceID
	fields["timestamp"] = time.Now().Format(time.RFC3339)

	payload, err := json.Marshal(fields)
	if err != nil {
		log.Errorf("Agent: Failed to encode telemetry: %v", err)
		return
	}

	topic := transport.FormatTopic(a.config.TelemetryTopic, a.config.DeviceID)
	if err := a.transport.Publish(ctx, topic, payload); err != nil {
		log.Warnf("Agent: Failed to publish telemetry: %v", err)
	}
}
