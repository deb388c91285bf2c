package models

import "time"

// Device type tags used by the action dispatcher
const (
	DeviceTypeRelay   = "relay"
	DeviceTypeFan     = "fan"
	DeviceTypeLight   = "light"
	DeviceTypeSpeaker = "speaker"
	DeviceTypeCustom  = "custom"
)

// Device status values carried on device/{device_id}/status
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// DeviceConfig describes a controllable device
type DeviceConfig struct {
	Type         string `json:"type" mapstructure:"type" validate:"required,oneof=relay fan light speaker custom"`
	Description  string `json:"description" mapstructure:"description"`
	InitialState string `json:"initial_state" mapstructure:"initial_state"`
	ScriptPath   string `json:"script_path,omitempty" mapstructure:"script_path" validate:"required_if=Type custom"`
}

// DeviceStatus is the presence message published by devices
type DeviceStatus struct {
	DeviceID  string    `json:"device_id"`
	Status    string    `json:"status"`
	Timestamp Timestamp `json:"timestamp"`
	IPAddress string    `json:"ip_address,omitempty"`
	Hostname  string    `json:"hostname,omitempty"`
}

// Telemetry is a decoded inbound telemetry snapshot
type Telemetry struct {
	DeviceID  string
	Timestamp time.Time
	Fields    map[string]any // every key of the payload, including device_id and timestamp
}

// ActionRequest addresses one action to one device
type ActionRequest struct {
	DeviceID   string         `json:"device_id" binding:"required"`
	Action     string         `json:"action" binding:"required"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// ActionResult is the uniform envelope returned by the action dispatcher
type ActionResult struct {
	Success    bool           `json:"success"`
	DeviceID   string         `json:"device_id"`
	Action     string         `json:"action"`
	Parameters map[string]any `json:"parameters,omitempty"`
	State      string         `json:"state,omitempty"`
	Async      bool           `json:"async,omitempty"`
	Error      string         `json:"error,omitempty"`
	Details    map[string]any `json:"details,omitempty"`

	// Err is the typed failure behind Error, for callers that branch on it
	Err error `json:"-"`
}

// ControlInstruction is published to device/{device_id}/control after a successful action
type ControlInstruction struct {
	DeviceID   string         `json:"device_id"`
	Action     string         `json:"action"`
	Parameters map[string]any `json:"parameters,omitempty"`
	State      string         `json:"state"`
	Timestamp  time.Time      `json:"timestamp"`
}
