package alerting

import (
	"sync"

	"iot-control/internal/models"
)

// history is a fixed-size ring of recent alerts
type history struct {
	mu     sync.Mutex
	events []models.AlertEvent
	next   int
	full   bool
}

func newHistory(size int) *history {
	return &history{events: make([]models.AlertEvent, size)}
}

func (h *history) add(event *models.AlertEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.events[h.next] = *event
	h.next = (h.next + 1) % len(h.events)
	if h.next == 0 {
		h.full = true
	}
}

func (h *history) list(limit int) []models.AlertEvent {
	h.mu.Lock()
	defer h.mu.Unlock()

	count := h.next
	if h.full {
		count = len(h.events)
	}
	if limit <= 0 || limit > count {
		limit = count
	}

	out := make([]models.AlertEvent, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (h.next - i + len(h.events)) % len(h.events)
		out = append(out, h.events[idx])
	}
	return out
}
