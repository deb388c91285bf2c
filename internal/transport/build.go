package transport

import (
	"fmt"

	"github.com/lithammer/shortuuid/v3"

	"iot-control/pkg/config"
)

// FromConfig builds the transport selected by cfg.Transport. presenceID is
// the device id announced online/offline on the presence topic; empty
// disables presence.
func FromConfig(cfg *config.Config, presenceID string) (Transport, error) {
	presence := Presence{}
	if presenceID != "" {
		presence = Presence{Topic: cfg.TopicPresence, DeviceID: presenceID}
	}

	switch cfg.Transport {
	case "mqtt":
		clientID := cfg.MQTTClientID
		if clientID == "" {
			clientID = "iot-control-" + shortuuid.New()
		}
		return NewMQTTTransport(MQTTConfig{
			Broker:            cfg.MQTTBroker,
			ClientID:          clientID,
			Username:          cfg.MQTTUsername,
			Password:          cfg.MQTTPassword,
			QoS:               byte(cfg.MQTTQoS),
			ReconnectInterval: cfg.ReconnectInterval,
			ConnectAttempts:   cfg.ConnectAttempts,
			Presence:          presence,
		}), nil
	case "nats":
		return NewNATSTransport(NATSConfig{
			URL:               cfg.NATSURL,
			Name:              presenceID,
			ReconnectInterval: cfg.ReconnectInterval,
			ConnectAttempts:   cfg.ConnectAttempts,
			Presence:          presence,
		}), nil
	case "memory":
		return NewMemoryTransport(presence), nil
	default:
		return nil, fmt.Errorf("unknown transport %q (want mqtt, nats or memory)", cfg.Transport)
	}
}
