package services

import (
	"encoding/json"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"iot-control/internal/models"
	"iot-control/internal/transport"
)

// Subscriber decodes inbound device messages and writes them to channels, so
// transport handlers return immediately.
type Subscriber struct {
	transport transport.Transport

	// Output channels (written by subscriber, read by services)
	TelemetryChan chan *models.Telemetry
	StatusChan    chan *models.DeviceStatus

	telemetryTopic string
	statusTopic    string
	sendTimeout    time.Duration
}

// SubscriberConfig holds configuration for the subscriber
type SubscriberConfig struct {
	TelemetryTopic string // e.g. "device/+/data"
	StatusTopic    string // e.g. "device/+/status"
	ChannelSize    int
	SendTimeout    time.Duration // how long to wait on a full channel before dropping
}

// DefaultSubscriberConfig returns default configuration
func DefaultSubscriberConfig() SubscriberConfig {
	return SubscriberConfig{
		TelemetryTopic: "device/+/data",
		StatusTopic:    "device/+/status",
		ChannelSize:    100,
		SendTimeout:    1 * time.Second,
	}
}

// NewSubscriber creates a subscriber with its output channels
func NewSubscriber(t transport.Transport, config SubscriberConfig) *Subscriber {
	if config.SendTimeout <= 0 {
		config.SendTimeout = time.Second
	}
	return &Subscriber{
		transport:      t,
		TelemetryChan:  make(chan *models.Telemetry, config.ChannelSize),
		StatusChan:     make(chan *models.DeviceStatus, config.ChannelSize),
		telemetryTopic: config.TelemetryTopic,
		statusTopic:    config.StatusTopic,
		sendTimeout:    config.SendTimeout,
	}
}

// SubscribeAll subscribes to all configured device topics
func (s *Subscriber) SubscribeAll() error {
	if s.telemetryTopic != "" {
		if err := s.transport.Subscribe(s.telemetryTopic, s.handleTelemetry); err != nil {
			return fmt.Errorf("failed to subscribe to telemetry topic: %w", err)
		}
		log.Printf("Subscribed to telemetry topic: %s", s.telemetryTopic)
	}

	if s.statusTopic != "" {
		if err := s.transport.Subscribe(s.statusTopic, s.handleStatus); err != nil {
			return fmt.Errorf("failed to subscribe to status topic: %w", err)
		}
		log.Printf("Subscribed to status topic: %s", s.statusTopic)
	}

	return nil
}

// handleTelemetry decodes a telemetry message and writes it to the channel
func (s *Subscriber) handleTelemetry(msg transport.Message) {
	telemetry, err := DecodeTelemetry(msg.Topic, msg.Payload)
	if err != nil {
		log.Printf("Error parsing telemetry on %s: %v", msg.Topic, err)
		return
	}

	select {
	case s.TelemetryChan <- telemetry:
	case <-time.After(s.sendTimeout):
		log.Printf("Warning: Telemetry channel full, dropping message from %s", telemetry.DeviceID)
	}
}

// handleStatus decodes a presence message and writes it to the channel
func (s *Subscriber) handleStatus(msg transport.Message) {
	var status models.DeviceStatus
	if err := json.Unmarshal(msg.Payload, &status); err != nil {
		log.Printf("Error parsing status on %s: %v", msg.Topic, err)
		return
	}
	if status.DeviceID == "" {
		status.DeviceID = transport.ExtractDeviceID(msg.Topic)
	}
	if status.DeviceID == "" || status.Status == "" {
		log.Printf("Ignoring status without device_id or status on %s", msg.Topic)
		return
	}

	select {
	case s.StatusChan <- &status:
	case <-time.After(s.sendTimeout):
		log.Printf("Warning: Status channel full, dropping message from %s", status.DeviceID)
	}
}

// DecodeTelemetry parses a JSON telemetry object. device_id falls back to the
// topic and timestamp to the receive time.
func DecodeTelemetry(topic string, payload []byte) (*models.Telemetry, error) {
	var fields map[string]any
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, fmt.Errorf("payload is not a JSON object: %w", err)
	}

	deviceID, _ := fields["device_id"].(string)
	if deviceID == "" {
		deviceID = transport.ExtractDeviceID(topic)
	}
	if deviceID == "" {
		return nil, fmt.Errorf("no device_id in payload or topic %s", topic)
	}

	timestamp := time.Now()
	if raw, ok := fields["timestamp"]; ok && raw != nil {
		encoded, _ := json.Marshal(raw)
		var ts models.Timestamp
		if err := json.Unmarshal(encoded, &ts); err == nil && !ts.IsZero() {
			timestamp = ts.Time
		}
	}

	return &models.Telemetry{
		DeviceID:  deviceID,
		Timestamp: timestamp,
		Fields:    fields,
	}, nil
}
