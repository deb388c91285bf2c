// Package dispatcher routes control actions to per-capability device handlers
// and normalizes every outcome into a models.ActionResult.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"iot-control/internal/models"
	"iot-control/internal/transport"
)

var (
	ErrDeviceNotFound    = errors.New("device not found")
	ErrUnsupportedAction = errors.New("unsupported action")
	ErrMissingParameter  = errors.New("missing parameter")
)

const (
	DefaultControlTopic  = "device/{device_id}/control"
	DefaultScriptTimeout = 5 * time.Minute
	batchConcurrency     = 8
)

// Publisher is the subset of a transport the dispatcher needs
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Config holds dispatcher configuration
type Config struct {
	ControlTopic  string
	ScriptTimeout time.Duration
	ScriptRunner  ScriptRunner // defaults to ExecRunner
}

// Dispatcher looks up devices, runs the handler of their type and publishes
// the resulting control instruction.
type Dispatcher struct {
	publisher    Publisher
	controlTopic string
	handlers     map[string]Handler
	scripts      *ScriptHandler

	mu      sync.RWMutex
	devices map[string]models.DeviceConfig
	states  map[string]string

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// New creates a dispatcher for devices. publisher may be nil, in which case
// no control instructions are published.
func New(publisher Publisher, config Config, devices map[string]models.DeviceConfig) *Dispatcher {
	if config.ControlTopic == "" {
		config.ControlTopic = DefaultControlTopic
	}
	if config.ScriptTimeout <= 0 {
		config.ScriptTimeout = DefaultScriptTimeout
	}

	scripts := &ScriptHandler{Run: config.ScriptRunner, Timeout: config.ScriptTimeout}
	d := &Dispatcher{
		publisher:    publisher,
		controlTopic: config.ControlTopic,
		scripts:      scripts,
		locks:        make(map[string]*sync.Mutex),
		handlers: map[string]Handler{
			models.DeviceTypeRelay:   SwitchHandler{},
			models.DeviceTypeFan:     ActuatorHandler{Kind: "fan", LevelParam: "speed"},
			models.DeviceTypeLight:   ActuatorHandler{Kind: "light", LevelParam: "brightness", AllowColor: true},
			models.DeviceTypeSpeaker: SpeechHandler{},
			models.DeviceTypeCustom:  scripts,
		},
	}
	d.SetDevices(devices)
	return d
}

// SetDevices replaces the device table. States of devices that remain are kept;
// new devices start in their configured initial state.
func (d *Dispatcher) SetDevices(devices map[string]models.DeviceConfig) {
	d.mu.Lock()
	defer d.mu.Unlock()

	states := make(map[string]string, len(devices))
	copied := make(map[string]models.DeviceConfig, len(devices))
	for id, cfg := range devices {
		copied[id] = cfg
		if s, ok := d.states[id]; ok {
			states[id] = s
			continue
		}
		states[id] = cfg.InitialState
		if states[id] == "" {
			states[id] = "off"
		}
	}
	d.devices = copied
	d.states = states
}

// Dispatch runs action on deviceID. Failures are reported in the result, never returned.
func (d *Dispatcher) Dispatch(ctx context.Context, deviceID, action string, params map[string]any) models.ActionResult {
	if params == nil {
		params = map[string]any{}
	}
	action = strings.ToLower(strings.TrimSpace(action))
	result := models.ActionResult{DeviceID: deviceID, Action: action, Parameters: params}

	d.mu.RLock()
	device, ok := d.devices[deviceID]
	d.mu.RUnlock()
	if !ok {
		return fail(result, fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID))
	}

	handler, ok := d.handlers[device.Type]
	if !ok {
		return fail(result, fmt.Errorf("%w: device type %q", ErrUnsupportedAction, device.Type))
	}

	// Actions on one device are applied one at a time so the published
	// instruction order matches the stored state.
	lock := d.deviceLock(deviceID)
	lock.Lock()
	defer lock.Unlock()

	outcome, err := d.handle(ctx, handler, deviceID, action, device, params)
	if err != nil {
		log.Warnf("Dispatcher: %s %s failed: %v", deviceID, action, err)
		return fail(result, err)
	}

	if outcome.Parameters != nil {
		result.Parameters = outcome.Parameters
	}
	result.Details = outcome.Details
	result.Async = outcome.Async

	if outcome.Async {
		result.Success = true
		log.Infof("Dispatcher: %s %s started asynchronously", deviceID, action)
		return result
	}

	state := outcome.State
	if state == "" {
		state = d.state(deviceID)
	}
	result.State = state
	if outcome.Reported != "" {
		result.State = outcome.Reported
	}

	if err := d.publishControl(ctx, deviceID, action, result.Parameters, state); err != nil {
		return fail(result, err)
	}

	d.setState(deviceID, state)
	result.Success = true
	log.Infof("Dispatcher: %s %s -> %s", deviceID, action, result.State)
	return result
}

func (d *Dispatcher) deviceLock(deviceID string) *sync.Mutex {
	d.locksMu.Lock()
	defer d.locksMu.Unlock()

	lock, ok := d.locks[deviceID]
	if !ok {
		lock = &sync.Mutex{}
		d.locks[deviceID] = lock
	}
	return lock
}

// handle runs the handler, turning a panic into an error
func (d *Dispatcher) handle(ctx context.Context, h Handler, deviceID, action string, device models.DeviceConfig, params map[string]any) (outcome Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return h.Handle(ctx, deviceID, action, device, params)
}

func (d *Dispatcher) state(deviceID string) string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.states[deviceID]
}

func (d *Dispatcher) setState(deviceID, state string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.states[deviceID] = state
}

func (d *Dispatcher) publishControl(ctx context.Context, deviceID, action string, params map[string]any, state string) error {
	if d.publisher == nil {
		return nil
	}

	payload, err := json.Marshal(models.ControlInstruction{
		DeviceID:   deviceID,
		Action:     action,
		Parameters: params,
		State:      state,
		Timestamp:  time.Now(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal control instruction: %w", err)
	}

	topic := transport.FormatTopic(d.controlTopic, deviceID)
	if err := d.publisher.Publish(ctx, topic, payload); err != nil {
		return fmt.Errorf("failed to publish control instruction: %w", err)
	}
	return nil
}

// DispatchBatch runs requests for different devices concurrently and requests
// for the same device in the order given. Results come back in request order.
// One failing request never aborts the others.
func (d *Dispatcher) DispatchBatch(ctx context.Context, requests []models.ActionRequest) []models.ActionResult {
	results := make([]models.ActionResult, len(requests))

	var order []string
	byDevice := make(map[string][]int)
	for i, req := range requests {
		if _, seen := byDevice[req.DeviceID]; !seen {
			order = append(order, req.DeviceID)
		}
		byDevice[req.DeviceID] = append(byDevice[req.DeviceID], i)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(batchConcurrency)
	for _, deviceID := range order {
		indices := byDevice[deviceID]
		g.Go(func() error {
			for _, i := range indices {
				req := requests[i]
				results[i] = d.Dispatch(gctx, req.DeviceID, req.Action, req.Parameters)
			}
			return nil
		})
	}
	_ = g.Wait()

	return results
}

// States returns a copy of the last known state of every device
func (d *Dispatcher) States() map[string]string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make(map[string]string, len(d.states))
	for id, s := range d.states {
		out[id] = s
	}
	return out
}

// Devices returns the configured device ids, sorted
func (d *Dispatcher) Devices() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	ids := make([]string, 0, len(d.devices))
	for id := range d.devices {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Device returns the configuration of deviceID
func (d *Dispatcher) Device(deviceID string) (models.DeviceConfig, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	cfg, ok := d.devices[deviceID]
	return cfg, ok
}

// Wait blocks until all asynchronous script runs have finished
func (d *Dispatcher) Wait() {
	d.scripts.Wait()
}

// NormalizeCommandResult wraps a correlated shell command result in the action envelope
func NormalizeCommandResult(r *models.CommandResult) models.ActionResult {
	result := models.ActionResult{
		Success:  r.Success,
		DeviceID: r.DeviceID,
		Action:   "command",
		State:    "completed",
		Error:    r.Error,
		Details: map[string]any{
			"command_id": r.CommandID,
			"output":     r.Output,
		},
	}
	if !r.Timestamp.IsZero() {
		result.Details["timestamp"] = r.Timestamp.Format(time.RFC3339)
	}
	if !r.Success {
		result.State = "failed"
	}
	return result
}

func fail(result models.ActionResult, err error) models.ActionResult {
	result.Success = false
	result.Error = err.Error()
	result.Err = err
	return result
}
