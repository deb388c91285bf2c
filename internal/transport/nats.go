package transport

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"

	"iot-control/internal/models"
)

// NATSConfig holds NATS connection configuration
type NATSConfig struct {
	URL               string
	Name              string
	ReconnectInterval time.Duration
	ConnectAttempts   int
	Timeout           time.Duration
	Presence          Presence
}

// NATSTransport implements Transport over core NATS. Topics are translated
// from MQTT syntax: "/" becomes ".", "+" becomes "*" and "#" becomes ">".
// The NATS client replays subscriptions itself after a reconnect.
type NATSTransport struct {
	config NATSConfig
	router *Router

	mu   sync.Mutex
	conn *nats.Conn
	subs map[string]*nats.Subscription
}

// NewNATSTransport creates a NATS transport; call Connect to dial the server
func NewNATSTransport(config NATSConfig) *NATSTransport {
	if config.ReconnectInterval <= 0 {
		config.ReconnectInterval = DefaultReconnectInterval
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	return &NATSTransport{
		config: config,
		router: NewRouter(),
		subs:   make(map[string]*nats.Subscription),
	}
}

// Connect dials the server, retrying with a fixed backoff
func (t *NATSTransport) Connect(ctx context.Context) error {
	attempts := t.config.ConnectAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var (
		conn    *nats.Conn
		lastErr error
	)
	for attempt := 1; attempt <= attempts; attempt++ {
		conn, lastErr = nats.Connect(t.config.URL,
			nats.Name(t.config.Name),
			nats.Timeout(t.config.Timeout),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(t.config.ReconnectInterval),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				log.Warnf("NATS Transport: Disconnected: %v", err)
			}),
			nats.ReconnectHandler(t.onReconnect),
		)
		if lastErr == nil {
			break
		}

		log.Warnf("NATS Transport: Connection attempt %d/%d to %s failed: %v",
			attempt, attempts, t.config.URL, lastErr)

		if attempt == attempts {
			return fmt.Errorf("%w: %s after %d attempts: %v", ErrConnection, t.config.URL, attempts, lastErr)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrConnection, ctx.Err())
		case <-time.After(t.config.ReconnectInterval):
		}
	}

	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()
	log.Infof("NATS Transport: Connected to server: %s", t.config.URL)

	for _, pattern := range t.router.Patterns() {
		if err := t.subscribe(pattern); err != nil {
			return err
		}
	}

	t.publishPresence(models.StatusOnline)
	return nil
}

// Subscribe registers handler and subscribes on the server when connected
func (t *NATSTransport) Subscribe(pattern string, handler Handler) error {
	if !t.router.Register(pattern, handler) {
		return nil
	}
	if t.connection() == nil {
		return nil
	}
	return t.subscribe(pattern)
}

func (t *NATSTransport) subscribe(pattern string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.subs[pattern]; ok {
		return nil
	}

	sub, err := t.conn.Subscribe(ToNATSSubject(pattern), func(m *nats.Msg) {
		t.router.Deliver(pattern, Message{Topic: FromNATSSubject(m.Subject), Payload: m.Data})
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", pattern, err)
	}
	// make the interest visible to the server before returning
	if err := t.conn.Flush(); err != nil {
		return fmt.Errorf("failed to flush subscription %s: %w", pattern, err)
	}
	t.subs[pattern] = sub
	log.Infof("NATS Transport: Subscribed to subject: %s", sub.Subject)
	return nil
}

// Publish sends payload to the subject derived from topic
func (t *NATSTransport) Publish(ctx context.Context, topic string, payload []byte) error {
	conn := t.connection()
	if conn == nil {
		return fmt.Errorf("%w: %s: not connected", ErrPublish, topic)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrPublish, topic, err)
	}
	if err := conn.Publish(ToNATSSubject(topic), payload); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrPublish, topic, err)
	}
	return nil
}

// IsConnected returns whether the connection is currently up
func (t *NATSTransport) IsConnected() bool {
	conn := t.connection()
	return conn != nil && conn.IsConnected()
}

// Close publishes the offline presence message and closes the connection
func (t *NATSTransport) Close() error {
	conn := t.connection()
	if conn == nil {
		return nil
	}

	t.publishPresence(models.StatusOffline)
	if err := conn.FlushTimeout(time.Second); err != nil {
		log.Warnf("NATS Transport: Flush on close failed: %v", err)
	}
	conn.Close()
	log.Info("NATS Transport: Disconnected")
	return nil
}

func (t *NATSTransport) connection() *nats.Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn
}

func (t *NATSTransport) onReconnect(conn *nats.Conn) {
	log.Infof("NATS Transport: Reconnected to %s", conn.ConnectedUrl())
	t.publishPresence(models.StatusOnline)
}

func (t *NATSTransport) publishPresence(status string) {
	if !t.config.Presence.enabled() {
		return
	}
	conn := t.connection()
	if conn == nil {
		return
	}
	if err := conn.Publish(ToNATSSubject(t.config.Presence.topic()), t.config.Presence.payload(status)); err != nil {
		log.Warnf("NATS Transport: Failed to publish %s presence: %v", status, err)
	}
}

// ToNATSSubject converts an MQTT-style topic or pattern to a NATS subject
func ToNATSSubject(topic string) string {
	levels := strings.Split(topic, "/")
	for i, level := range levels {
		switch level {
		case "+":
			levels[i] = "*"
		case "#":
			levels[i] = ">"
		}
	}
	return strings.Join(levels, ".")
}

// FromNATSSubject converts a concrete NATS subject back to an MQTT-style topic
func FromNATSSubject(subject string) string {
	return strings.ReplaceAll(subject, ".", "/")
}
