package aggregator

import (
	"sort"
	"sync"
	"time"

	"iot-control/internal/models"
)

// DeviceState holds the latest telemetry and presence of a device
type DeviceState struct {
	DeviceID      string         `json:"device_id"`
	Status        string         `json:"status,omitempty"`
	StatusAt      time.Time      `json:"status_at,omitempty"`
	IPAddress     string         `json:"ip_address,omitempty"`
	Hostname      string         `json:"hostname,omitempty"`
	LastTelemetry map[string]any `json:"last_telemetry,omitempty"`
	LastSeen      time.Time      `json:"last_seen,omitempty"`
}

// DeviceAggregator buffers the latest state per device
type DeviceAggregator struct {
	devices map[string]*DeviceState
	mu      sync.RWMutex
}

// NewDeviceAggregator creates an empty aggregator
func NewDeviceAggregator() *DeviceAggregator {
	return &DeviceAggregator{
		devices: make(map[string]*DeviceState),
	}
}

// getOrCreateDevice must be called with mu held for writing
func (da *DeviceAggregator) getOrCreateDevice(deviceID string) *DeviceState {
	if device, exists := da.devices[deviceID]; exists {
		return device
	}

	device := &DeviceState{DeviceID: deviceID}
	da.devices[deviceID] = device
	return device
}

// UpdateTelemetry records t as the device's latest snapshot. Older snapshots
// arriving out of order do not replace a newer one.
func (da *DeviceAggregator) UpdateTelemetry(t *models.Telemetry) {
	da.mu.Lock()
	defer da.mu.Unlock()

	device := da.getOrCreateDevice(t.DeviceID)
	if t.Timestamp.Before(device.LastSeen) {
		return
	}
	device.LastTelemetry = t.Fields
	device.LastSeen = t.Timestamp
}

// UpdateStatus records a presence message
func (da *DeviceAggregator) UpdateStatus(status *models.DeviceStatus) {
	da.mu.Lock()
	defer da.mu.Unlock()

	device := da.getOrCreateDevice(status.DeviceID)
	device.Status = status.Status
	device.StatusAt = status.Timestamp.Time
	if status.IPAddress != "" {
		device.IPAddress = status.IPAddress
	}
	if status.Hostname != "" {
		device.Hostname = status.Hostname
	}
}

// GetDeviceState returns a copy of the state of a device
func (da *DeviceAggregator) GetDeviceState(deviceID string) (DeviceState, bool) {
	da.mu.RLock()
	defer da.mu.RUnlock()

	device, ok := da.devices[deviceID]
	if !ok {
		return DeviceState{}, false
	}
	return *device, true
}

// GetAllDevices returns copies of every device state, sorted by id
func (da *DeviceAggregator) GetAllDevices() []DeviceState {
	da.mu.RLock()
	defer da.mu.RUnlock()

	devices := make([]DeviceState, 0, len(da.devices))
	for _, device := range da.devices {
		devices = append(devices, *device)
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].DeviceID < devices[j].DeviceID })
	return devices
}

// Snapshots returns the latest telemetry of every device that has reported
func (da *DeviceAggregator) Snapshots() map[string]map[string]any {
	da.mu.RLock()
	defer da.mu.RUnlock()

	out := make(map[string]map[string]any, len(da.devices))
	for id, device := range da.devices {
		if device.LastTelemetry != nil {
			out[id] = device.LastTelemetry
		}
	}
	return out
}
