package transport

import (
	"context"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"iot-control/internal/models"
)

// MemoryTransport is an in-process broker. A single delivery goroutine
// drains an unbounded queue, so per-topic order is preserved and handlers
// may publish without deadlocking. Used for local runs and tests.
type MemoryTransport struct {
	router   *Router
	presence Presence

	// PublishHook, when set, is called before a message is queued; a non-nil
	// error fails the publish.
	PublishHook func(topic string, payload []byte) error
	// ConnectErr, when set, is returned by Connect
	ConnectErr error

	mu        sync.Mutex
	cond      *sync.Cond
	queue     []Message
	connected bool
	closed    bool
	done      chan struct{}
}

// NewMemoryTransport creates an in-process transport
func NewMemoryTransport(presence Presence) *MemoryTransport {
	t := &MemoryTransport{
		router:   NewRouter(),
		presence: presence,
		done:     make(chan struct{}),
	}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// Connect starts the delivery loop
func (t *MemoryTransport) Connect(ctx context.Context) error {
	if t.ConnectErr != nil {
		return fmt.Errorf("%w: %v", ErrConnection, t.ConnectErr)
	}

	t.mu.Lock()
	if t.connected {
		t.mu.Unlock()
		return nil
	}
	t.connected = true
	t.mu.Unlock()

	go t.loop()
	log.Debug("Memory Transport: Connected")

	if t.presence.enabled() {
		t.enqueue(Message{Topic: t.presence.topic(), Payload: t.presence.payload(models.StatusOnline)})
	}
	return nil
}

// Subscribe registers handler for pattern
func (t *MemoryTransport) Subscribe(pattern string, handler Handler) error {
	t.router.Register(pattern, handler)
	return nil
}

// Publish queues payload for delivery
func (t *MemoryTransport) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrPublish, topic, err)
	}
	if !t.IsConnected() {
		return fmt.Errorf("%w: %s: not connected", ErrPublish, topic)
	}
	if t.PublishHook != nil {
		if err := t.PublishHook(topic, payload); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrPublish, topic, err)
		}
	}

	buf := make([]byte, len(payload))
	copy(buf, payload)
	t.enqueue(Message{Topic: topic, Payload: buf})
	return nil
}

// IsConnected reports whether Connect was called and Close was not
func (t *MemoryTransport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected && !t.closed
}

// Close delivers the offline presence message, drains the queue and stops the loop
func (t *MemoryTransport) Close() error {
	if !t.IsConnected() {
		return nil
	}

	if t.presence.enabled() {
		t.enqueue(Message{Topic: t.presence.topic(), Payload: t.presence.payload(models.StatusOffline)})
	}

	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	t.cond.Broadcast()

	<-t.done
	return nil
}

func (t *MemoryTransport) enqueue(msg Message) {
	t.mu.Lock()
	t.queue = append(t.queue, msg)
	t.mu.Unlock()
	t.cond.Signal()
}

func (t *MemoryTransport) loop() {
	defer close(t.done)

	for {
		t.mu.Lock()
		for len(t.queue) == 0 && !t.closed {
			t.cond.Wait()
		}
		if len(t.queue) == 0 && t.closed {
			t.mu.Unlock()
			return
		}
		msg := t.queue[0]
		t.queue = t.queue[1:]
		t.mu.Unlock()

		t.router.Dispatch(msg)
	}
}
