package aggregator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"iot-control/internal/models"
)

func TestDeviceAggregator(t *testing.T) {
	now := time.Now()

	t.Run("UpdateTelemetry - Passed (out of order snapshot ignored)", func(t *testing.T) {
		da := NewDeviceAggregator()
		da.UpdateTelemetry(&models.Telemetry{DeviceID: "temp_01", Timestamp: now, Fields: map[string]any{"temperature": 21.0}})
		da.UpdateTelemetry(&models.Telemetry{DeviceID: "temp_01", Timestamp: now.Add(-time.Minute), Fields: map[string]any{"temperature": 19.0}})

		state, ok := da.GetDeviceState("temp_01")
		require.True(t, ok)
		assert.Equal(t, 21.0, state.LastTelemetry["temperature"])
		assert.Equal(t, now, state.LastSeen)
	})

	t.Run("UpdateStatus - Passed", func(t *testing.T) {
		da := NewDeviceAggregator()
		da.UpdateStatus(&models.DeviceStatus{DeviceID: "rpi1", Status: models.StatusOnline, Hostname: "pi", Timestamp: models.NewTimestamp(now)})
		da.UpdateStatus(&models.DeviceStatus{DeviceID: "rpi1", Status: models.StatusOffline})

		state, ok := da.GetDeviceState("rpi1")
		require.True(t, ok)
		assert.Equal(t, models.StatusOffline, state.Status)
		assert.Equal(t, "pi", state.Hostname)
	})

	t.Run("Snapshots - Passed (only devices with telemetry)", func(t *testing.T) {
		da := NewDeviceAggregator()
		da.UpdateStatus(&models.DeviceStatus{DeviceID: "b", Status: models.StatusOnline})
		da.UpdateTelemetry(&models.Telemetry{DeviceID: "a", Timestamp: now, Fields: map[string]any{"humidity": 50}})

		assert.Equal(t, map[string]map[string]any{"a": {"humidity": 50}}, da.Snapshots())

		all := da.GetAllDevices()
		require.Len(t, all, 2)
		assert.Equal(t, "a", all[0].DeviceID)
		assert.Equal(t, "b", all[1].DeviceID)
	})
}
