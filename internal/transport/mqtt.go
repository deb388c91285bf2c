package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	log "github.com/sirupsen/logrus"

	"iot-control/internal/models"
)

// MQTTConfig holds MQTT client configuration
type MQTTConfig struct {
	Broker            string
	ClientID          string
	Username          string
	Password          string
	QoS               byte
	KeepAlive         time.Duration
	ReconnectInterval time.Duration // fixed backoff between attempts
	ConnectAttempts   int           // startup attempts before giving up, <= 0 means 1
	Presence          Presence
}

// MQTTTransport implements Transport over an MQTT broker using paho.
// Reconnection is driven here rather than by paho so the backoff stays fixed
// and every registered pattern is re-subscribed before delivery resumes.
type MQTTTransport struct {
	client mqtt.Client
	config MQTTConfig
	router *Router

	mu     sync.Mutex
	closed bool
}

// NewMQTTTransport creates an MQTT transport; call Connect to dial the broker
func NewMQTTTransport(config MQTTConfig) *MQTTTransport {
	if config.ReconnectInterval <= 0 {
		config.ReconnectInterval = DefaultReconnectInterval
	}
	if config.KeepAlive <= 0 {
		config.KeepAlive = 60 * time.Second
	}

	t := &MQTTTransport{
		config: config,
		router: NewRouter(),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(config.Broker)
	opts.SetClientID(config.ClientID)
	opts.SetUsername(config.Username)
	opts.SetPassword(config.Password)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(false)
	opts.SetKeepAlive(config.KeepAlive)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetOrderMatters(true)
	opts.SetDefaultPublishHandler(messagePubHandler)
	opts.SetOnConnectHandler(t.onConnect)
	opts.SetConnectionLostHandler(t.onConnectionLost)

	if config.Presence.enabled() {
		opts.SetBinaryWill(config.Presence.topic(), config.Presence.payload(models.StatusOffline), config.QoS, true)
	}

	t.client = mqtt.NewClient(opts)
	return t
}

// Connect dials the broker, retrying with a fixed backoff
func (t *MQTTTransport) Connect(ctx context.Context) error {
	attempts := t.config.ConnectAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		token := t.client.Connect()
		token.Wait()
		if lastErr = token.Error(); lastErr == nil {
			log.Infof("MQTT Transport: Connected to broker: %s", t.config.Broker)
			return nil
		}

		log.Warnf("MQTT Transport: Connection attempt %d/%d to %s failed: %v",
			attempt, attempts, t.config.Broker, lastErr)

		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrConnection, ctx.Err())
		case <-time.After(t.config.ReconnectInterval):
		}
	}

	return fmt.Errorf("%w: %s after %d attempts: %v", ErrConnection, t.config.Broker, attempts, lastErr)
}

// Subscribe registers handler and subscribes at the broker when connected
func (t *MQTTTransport) Subscribe(pattern string, handler Handler) error {
	if !t.router.Register(pattern, handler) {
		return nil
	}
	if !t.client.IsConnectionOpen() {
		return nil
	}
	return t.subscribe(pattern)
}

func (t *MQTTTransport) subscribe(pattern string) error {
	token := t.client.Subscribe(pattern, t.config.QoS, t.messageHandler(pattern))
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", pattern, token.Error())
	}
	log.Infof("MQTT Transport: Subscribed to topic: %s", pattern)
	return nil
}

func (t *MQTTTransport) messageHandler(pattern string) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		t.router.Deliver(pattern, Message{Topic: msg.Topic(), Payload: msg.Payload()})
	}
}

// Publish sends payload and waits for the broker acknowledgement or ctx
func (t *MQTTTransport) Publish(ctx context.Context, topic string, payload []byte) error {
	token := t.client.Publish(topic, t.config.QoS, false, payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return fmt.Errorf("%w: %s: %v", ErrPublish, topic, ctx.Err())
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrPublish, topic, err)
	}
	return nil
}

// IsConnected returns whether the client is currently connected
func (t *MQTTTransport) IsConnected() bool {
	return t.client.IsConnectionOpen()
}

// Close publishes the offline presence message and disconnects
func (t *MQTTTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()

	if t.config.Presence.enabled() && t.client.IsConnectionOpen() {
		token := t.client.Publish(t.config.Presence.topic(), t.config.QoS, true, t.config.Presence.payload(models.StatusOffline))
		token.WaitTimeout(time.Second)
	}

	t.client.Disconnect(250)
	log.Info("MQTT Transport: Disconnected")
	return nil
}

func (t *MQTTTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// onConnect restores every subscription, then announces presence
func (t *MQTTTransport) onConnect(client mqtt.Client) {
	log.Info("MQTT Transport: Connection established")

	for _, pattern := range t.router.Patterns() {
		if err := t.subscribe(pattern); err != nil {
			log.Errorf("MQTT Transport: Re-subscribe failed: %v", err)
		}
	}

	if t.config.Presence.enabled() {
		client.Publish(t.config.Presence.topic(), t.config.QoS, true, t.config.Presence.payload(models.StatusOnline))
	}
}

func (t *MQTTTransport) onConnectionLost(client mqtt.Client, err error) {
	log.Warnf("MQTT Transport: Connection lost: %v", err)
	go t.reconnectLoop()
}

func (t *MQTTTransport) reconnectLoop() {
	for attempt := 1; ; attempt++ {
		time.Sleep(t.config.ReconnectInterval)
		if t.isClosed() {
			return
		}

		token := t.client.Connect()
		if token.Wait() && token.Error() != nil {
			log.Warnf("MQTT Transport: Reconnect attempt %d failed: %v", attempt, token.Error())
			continue
		}
		log.Infof("MQTT Transport: Reconnected after %d attempts", attempt)
		return
	}
}

var messagePubHandler mqtt.MessageHandler = func(client mqtt.Client, msg mqtt.Message) {
	log.Debugf("MQTT Transport: Received unrouted message from topic: %s", msg.Topic())
}
