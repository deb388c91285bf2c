// Package notify delivers alert events to independent notification channels.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	gometrics "github.com/rcrowley/go-metrics"
	log "github.com/sirupsen/logrus"

	"iot-control/internal/models"
)

// DefaultChannelTimeout bounds a single channel attempt
const DefaultChannelTimeout = 15 * time.Second

// Channel is one alert destination
type Channel interface {
	Name() string
	Send(ctx context.Context, event *models.AlertEvent) error
}

// Fanout sends each alert to every channel once. A failing channel never
// prevents the others from being attempted.
type Fanout struct {
	channels []Channel
	timeout  time.Duration
}

// NewFanout creates a fan-out over channels
func NewFanout(channels ...Channel) *Fanout {
	return &Fanout{channels: channels, timeout: DefaultChannelTimeout}
}

// Channels returns the configured channel names
func (f *Fanout) Channels() []string {
	names := make([]string, len(f.channels))
	for i, c := range f.channels {
		names[i] = c.Name()
	}
	return names
}

// Send attempts every channel and returns the combined errors
func (f *Fanout) Send(ctx context.Context, event *models.AlertEvent) error {
	var result *multierror.Error
	for _, channel := range f.channels {
		if err := f.sendOne(ctx, channel, event); err != nil {
			gometrics.GetOrRegisterCounter(fmt.Sprintf("notify.%s.failed", channel.Name()), nil).Inc(1)
			result = multierror.Append(result, fmt.Errorf("%s: %w", channel.Name(), err))
			continue
		}
		gometrics.GetOrRegisterCounter(fmt.Sprintf("notify.%s.sent", channel.Name()), nil).Inc(1)
	}
	return result.ErrorOrNil()
}

// Dispatch sends event and logs failures instead of returning them
func (f *Fanout) Dispatch(ctx context.Context, event *models.AlertEvent) {
	if err := f.Send(ctx, event); err != nil {
		log.WithFields(log.Fields{
			"device_id": event.DeviceID,
			"rule":      event.RuleName,
		}).Errorf("Notify: Some channels failed: %v", err)
	}
}

func (f *Fanout) sendOne(ctx context.Context, channel Channel, event *models.AlertEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()
	return channel.Send(ctx, event)
}
