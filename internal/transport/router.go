package transport

import (
	"sync"

	log "github.com/sirupsen/logrus"
)

// Router keeps the handler registrations keyed by topic pattern and is the
// single point where inbound messages are handed to handlers.
type Router struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	patterns []string // registration order
}

// NewRouter creates an empty router
func NewRouter() *Router {
	return &Router{
		handlers: make(map[string][]Handler),
	}
}

// Register adds handler for pattern and reports whether the pattern is new
func (r *Router) Register(pattern string, handler Handler) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, exists := r.handlers[pattern]
	r.handlers[pattern] = append(r.handlers[pattern], handler)
	if !exists {
		r.patterns = append(r.patterns, pattern)
	}
	return !exists
}

// Patterns returns every registered pattern in registration order
func (r *Router) Patterns() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	patterns := make([]string, len(r.patterns))
	copy(patterns, r.patterns)
	return patterns
}

// Deliver invokes the handlers registered for exactly pattern. Brokers call
// this from the per-subscription callback so overlapping patterns do not
// receive the same message twice.
func (r *Router) Deliver(pattern string, msg Message) {
	r.mu.RLock()
	handlers := r.handlers[pattern]
	r.mu.RUnlock()

	for _, handler := range handlers {
		r.invoke(pattern, handler, msg)
	}
}

// Dispatch invokes the handlers of every pattern matching msg.Topic and
// returns the number of patterns matched.
func (r *Router) Dispatch(msg Message) int {
	r.mu.RLock()
	var matched []string
	for _, pattern := range r.patterns {
		if Match(pattern, msg.Topic) {
			matched = append(matched, pattern)
		}
	}
	r.mu.RUnlock()

	for _, pattern := range matched {
		r.Deliver(pattern, msg)
	}
	return len(matched)
}

func (r *Router) invoke(pattern string, handler Handler, msg Message) {
	defer func() {
		if rec := recover(); rec != nil {
			log.WithFields(log.Fields{
				"pattern": pattern,
				"topic":   msg.Topic,
			}).Errorf("Transport: handler panicked: %v", rec)
		}
	}()
	handler(msg)
}
