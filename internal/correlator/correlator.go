// Package correlator sends commands to devices and matches the asynchronous
// results back to the waiting caller by command id.
package correlator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	gometrics "github.com/rcrowley/go-metrics"
	log "github.com/sirupsen/logrus"

	"iot-control/internal/models"
	"iot-control/internal/transport"
)

const (
	// TimeoutError is the error text of the synthetic result returned when no result arrives in time
	TimeoutError = "timed out waiting for command result"

	DefaultCommandTopic = "device/{device_id}/command"
	DefaultResultTopic  = "device/+/result"
)

// CommandRecorder receives every final command result, e.g. for an audit table
type CommandRecorder interface {
	SaveCommandResult(ctx context.Context, req *models.CommandRequest, result *models.CommandResult) error
}

// Config holds correlator configuration
type Config struct {
	CommandTopic string // e.g. "device/{device_id}/command"
	ResultTopic  string // subscription pattern, e.g. "device/+/result"
}

// pendingSlot is the single-fire resolution point for one command id
type pendingSlot struct {
	ch        chan *models.CommandResult
	createdAt time.Time
}

// Correlator issues commands and resolves their results.
// The pending map is the only shared mutable state; every critical section is one map operation.
type Correlator struct {
	transport transport.Transport
	config    Config
	recorder  CommandRecorder

	mu      sync.Mutex
	pending map[string]*pendingSlot

	sentCounter    gometrics.Counter
	timeoutCounter gometrics.Counter
	lateCounter    gometrics.Counter
	latency        gometrics.Timer
}

// New creates a correlator over t. Call Start to subscribe to results.
func New(t transport.Transport, config Config, recorder CommandRecorder) *Correlator {
	if config.CommandTopic == "" {
		config.CommandTopic = DefaultCommandTopic
	}
	if config.ResultTopic == "" {
		config.ResultTopic = DefaultResultTopic
	}

	return &Correlator{
		transport:      t,
		config:         config,
		recorder:       recorder,
		pending:        make(map[string]*pendingSlot),
		sentCounter:    gometrics.GetOrRegisterCounter("commands.sent", nil),
		timeoutCounter: gometrics.GetOrRegisterCounter("commands.timeout", nil),
		lateCounter:    gometrics.GetOrRegisterCounter("commands.late", nil),
		latency:        gometrics.GetOrRegisterTimer("commands.latency", nil),
	}
}

// Start subscribes the result handler
func (c *Correlator) Start() error {
	if err := c.transport.Subscribe(c.config.ResultTopic, c.HandleResult); err != nil {
		return fmt.Errorf("failed to subscribe to result topic: %w", err)
	}
	log.Infof("Correlator: Listening for results on %s", c.config.ResultTopic)
	return nil
}

// Execute publishes command to deviceID and waits up to wait for the matching
// result. A missing result yields a failure result, not an error; the only
// error is a publish failure. timeout is forwarded to the device as its
// execution limit.
func (c *Correlator) Execute(ctx context.Context, deviceID, command string, timeout, wait time.Duration) (*models.CommandResult, error) {
	req := &models.CommandRequest{
		CommandID: uuid.NewString(),
		DeviceID:  deviceID,
		Command:   command,
		Timeout:   timeout,
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal command request: %w", err)
	}

	// register before publishing so a fast result cannot be missed
	slot := c.register(req.CommandID)
	start := time.Now()

	topic := transport.FormatTopic(c.config.CommandTopic, deviceID)
	if err := c.transport.Publish(ctx, topic, payload); err != nil {
		c.remove(req.CommandID)
		return nil, fmt.Errorf("failed to publish command to %s: %w", deviceID, err)
	}
	c.sentCounter.Inc(1)

	log.WithFields(log.Fields{
		"command_id": req.CommandID,
		"device_id":  deviceID,
	}).Infof("Correlator: Sent command to %s: %s", deviceID, command)

	timer := time.NewTimer(wait)
	defer timer.Stop()

	var result *models.CommandResult
	select {
	case result = <-slot.ch:
		c.latency.UpdateSince(start)

	case <-timer.C:
		result = c.expire(req, slot, TimeoutError)

	case <-ctx.Done():
		result = c.expire(req, slot, fmt.Sprintf("command abandoned: %v", ctx.Err()))
	}

	c.record(req, result)
	return result, nil
}

// expire removes the slot and returns a synthetic failure. If the result won
// the race after the deadline fired, the delivered result is returned instead.
func (c *Correlator) expire(req *models.CommandRequest, slot *pendingSlot, reason string) *models.CommandResult {
	if _, removed := c.remove(req.CommandID); !removed {
		// HandleResult already claimed the slot; its send cannot block
		return <-slot.ch
	}

	c.timeoutCounter.Inc(1)
	log.WithFields(log.Fields{
		"command_id": req.CommandID,
		"device_id":  req.DeviceID,
	}).Warnf("Correlator: No result from %s: %s", req.DeviceID, reason)

	return &models.CommandResult{
		CommandID: req.CommandID,
		DeviceID:  req.DeviceID,
		Success:   false,
		Error:     reason,
		Timestamp: models.NewTimestamp(time.Now()),
	}
}

// HandleResult is the transport handler for result messages. It only does a
// map lookup and a non-blocking send.
func (c *Correlator) HandleResult(msg transport.Message) {
	var result models.CommandResult
	if err := json.Unmarshal(msg.Payload, &result); err != nil {
		log.Warnf("Correlator: Dropping malformed result on %s: %v", msg.Topic, err)
		return
	}
	if result.CommandID == "" {
		log.Warnf("Correlator: Dropping result without command_id on %s", msg.Topic)
		return
	}
	if result.DeviceID == "" {
		result.DeviceID = transport.ExtractDeviceID(msg.Topic)
	}

	c.mu.Lock()
	slot, ok := c.pending[result.CommandID]
	if ok {
		delete(c.pending, result.CommandID)
	}
	c.mu.Unlock()

	if !ok {
		c.lateCounter.Inc(1)
		log.Debugf("Correlator: Ignoring result for unknown or expired command %s", result.CommandID)
		return
	}

	// buffered with capacity 1 and removed from the map, so this is the only send
	slot.ch <- &result
}

// Pending returns the number of commands awaiting a result
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Correlator) register(commandID string) *pendingSlot {
	slot := &pendingSlot{
		ch:        make(chan *models.CommandResult, 1),
		createdAt: time.Now(),
	}

	c.mu.Lock()
	c.pending[commandID] = slot
	c.mu.Unlock()
	return slot
}

// remove deletes the slot and reports whether this call removed it
func (c *Correlator) remove(commandID string) (*pendingSlot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	slot, ok := c.pending[commandID]
	if ok {
		delete(c.pending, commandID)
	}
	return slot, ok
}

func (c *Correlator) record(req *models.CommandRequest, result *models.CommandResult) {
	if c.recorder == nil {
		return
	}

	// the caller's context may already be done, the audit write should still happen
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.recorder.SaveCommandResult(ctx, req, result); err != nil {
		log.Errorf("Correlator: Error saving command result %s: %v", req.CommandID, err)
	}
}
