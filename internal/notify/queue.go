package notify

import (
	"context"

	gometrics "github.com/rcrowley/go-metrics"
	log "github.com/sirupsen/logrus"

	"iot-control/internal/models"
)

// DefaultQueueSize is the number of alerts buffered ahead of the sender
const DefaultQueueSize = 256

// Dispatcher delivers one alert and handles its own failures
type Dispatcher interface {
	Dispatch(ctx context.Context, event *models.AlertEvent)
}

// Queue hands alerts to a single background sender. Dispatch never blocks;
// when the buffer is full the alert is dropped and counted.
type Queue struct {
	next    Dispatcher
	events  chan *models.AlertEvent
	done    chan struct{}
	dropped gometrics.Counter
}

// NewQueue creates a queue in front of next; size <= 0 uses DefaultQueueSize
func NewQueue(next Dispatcher, size int) *Queue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Queue{
		next:    next,
		events:  make(chan *models.AlertEvent, size),
		done:    make(chan struct{}),
		dropped: gometrics.GetOrRegisterCounter("notify.queue.dropped", nil),
	}
}

// Dispatch enqueues event
func (q *Queue) Dispatch(_ context.Context, event *models.AlertEvent) {
	select {
	case q.events <- event:
	default:
		q.dropped.Inc(1)
		log.WithFields(log.Fields{
			"device_id": event.DeviceID,
			"rule":      event.RuleName,
		}).Warn("Notify: Alert queue full, dropping alert")
	}
}

// Start sends queued alerts until ctx is done, then flushes what is left
func (q *Queue) Start(ctx context.Context) {
	defer close(q.done)

	for {
		select {
		case event := <-q.events:
			q.next.Dispatch(ctx, event)
		case <-ctx.Done():
			q.flush(context.WithoutCancel(ctx))
			return
		}
	}
}

// Wait blocks until Start has returned
func (q *Queue) Wait() {
	<-q.done
}

// Len returns the number of alerts waiting to be sent
func (q *Queue) Len() int {
	return len(q.events)
}

func (q *Queue) flush(ctx context.Context) {
	for {
		select {
		case event := <-q.events:
			q.next.Dispatch(ctx, event)
		default:
			return
		}
	}
}
