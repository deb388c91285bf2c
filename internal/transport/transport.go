// Package transport provides the publish/subscribe abstraction used to talk to
// devices. Topic patterns use MQTT wildcard syntax ("+" for one level, "#" for
// the remainder) regardless of the underlying broker.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"iot-control/internal/models"
)

var (
	// ErrConnection is returned when the broker cannot be reached
	ErrConnection = errors.New("transport connection failed")
	// ErrPublish is returned when a message could not be sent
	ErrPublish = errors.New("transport publish failed")
)

// DefaultReconnectInterval is the fixed backoff between connection attempts
const DefaultReconnectInterval = 5 * time.Second

// Message is an inbound message delivered to a Handler
type Message struct {
	Topic   string
	Payload []byte
}

// Handler processes one inbound message. Handlers run on the transport's
// delivery goroutine and must return quickly.
type Handler func(msg Message)

// Transport is a topic-routed publish/subscribe channel
type Transport interface {
	// Connect establishes the broker connection, retrying with a fixed backoff
	Connect(ctx context.Context) error
	// Subscribe registers handler for every topic matching pattern.
	// Patterns registered before Connect are subscribed on connect.
	Subscribe(pattern string, handler Handler) error
	// Publish sends payload to topic
	Publish(ctx context.Context, topic string, payload []byte) error
	// IsConnected reports whether the broker connection is currently up
	IsConnected() bool
	// Close publishes the offline presence message and disconnects
	Close() error
}

// Presence configures the online/offline status message published on connect and clean close
type Presence struct {
	Topic    string // e.g. device/{device_id}/status
	DeviceID string
}

func (p Presence) enabled() bool {
	return p.Topic != ""
}

func (p Presence) topic() string {
	return FormatTopic(p.Topic, p.DeviceID)
}

func (p Presence) payload(status string) []byte {
	payload, _ := json.Marshal(models.DeviceStatus{
		DeviceID:  p.DeviceID,
		Status:    status,
		Timestamp: models.NewTimestamp(time.Now()),
	})
	return payload
}

// FormatTopic replaces {device_id} placeholder with actual device ID
func FormatTopic(topicPattern, deviceID string) string {
	return strings.ReplaceAll(topicPattern, "{device_id}", deviceID)
}

// ExtractDeviceID extracts device ID from a device topic
// Example: "device/temp_01/data" -> "temp_01"
func ExtractDeviceID(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) >= 2 {
		return parts[1]
	}
	return ""
}

// Match reports whether topic matches the MQTT-style pattern
func Match(pattern, topic string) bool {
	if pattern == topic {
		return true
	}

	patternLevels := strings.Split(pattern, "/")
	topicLevels := strings.Split(topic, "/")

	for i, level := range patternLevels {
		if level == "#" {
			return true
		}
		if i >= len(topicLevels) {
			return false
		}
		if level != "+" && level != topicLevels[i] {
			return false
		}
	}

	return len(patternLevels) == len(topicLevels)
}
