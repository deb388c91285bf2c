package services

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"iot-control/internal/alerting"
)

// DefaultDataWindow is how recent a stored snapshot must be to be evaluated
const DefaultDataWindow = 10 * time.Minute

// SnapshotSource returns the latest stored telemetry of a device
type SnapshotSource interface {
	LatestTelemetry(ctx context.Context, deviceID string) (map[string]any, time.Time, bool, error)
}

// MonitorService runs the periodic device check. Without a snapshot source it
// only looks for silent devices; with one it also re-evaluates the latest
// stored data of every monitored device.
type MonitorService struct {
	engine   *alerting.Engine
	source   SnapshotSource
	devices  func() []string
	interval time.Duration
	window   time.Duration
}

// MonitorServiceConfig holds configuration for the monitor service
type MonitorServiceConfig struct {
	Interval   time.Duration
	DataWindow time.Duration
	Source     SnapshotSource  // optional
	Devices    func() []string // monitored device ids, read on every tick
}

// NewMonitorService creates a monitor service
func NewMonitorService(engine *alerting.Engine, config MonitorServiceConfig) *MonitorService {
	if config.Interval <= 0 {
		config.Interval = 5 * time.Minute
	}
	if config.DataWindow <= 0 {
		config.DataWindow = DefaultDataWindow
	}
	if config.Devices == nil {
		config.Devices = func() []string { return nil }
	}
	return &MonitorService{
		engine:   engine,
		source:   config.Source,
		devices:  config.Devices,
		interval: config.Interval,
		window:   config.DataWindow,
	}
}

// Start runs one check immediately and then one per interval until ctx is cancelled
func (m *MonitorService) Start(ctx context.Context) {
	log.Printf("MonitorService: Checking every %v", m.interval)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Println("MonitorService: Shutdown complete")
			return
		case <-ticker.C:
			m.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single check and returns the number of alerts raised
func (m *MonitorService) RunOnce(ctx context.Context) int {
	if m.source == nil {
		n := m.engine.CheckCommunication(ctx)
		log.Infof("MonitorService: Check complete, %d alerts", n)
		return n
	}

	n, err := CheckDevices(ctx, m.engine, m.source, m.devices(), m.window)
	if err != nil {
		log.Warnf("MonitorService: %v", err)
	}
	log.Infof("MonitorService: Check complete, %d alerts", n)
	return n
}

// CheckDevices evaluates the latest stored snapshot of each device that is no
// older than window, records the snapshot time as the device heartbeat and
// then checks for silent devices. Lookup failures are collected; the other
// devices are still checked.
func CheckDevices(ctx context.Context, engine *alerting.Engine, source SnapshotSource, deviceIDs []string, window time.Duration) (int, error) {
	var errs *multierror.Error
	alerts := 0
	now := engine.Now()

	for _, id := range deviceIDs {
		if ctx.Err() != nil {
			errs = multierror.Append(errs, ctx.Err())
			break
		}

		snapshot, at, found, err := source.LatestTelemetry(ctx, id)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("device %s: %w", id, err))
			continue
		}
		if !found {
			log.Warnf("MonitorService: No data for device %s", id)
			continue
		}

		engine.RecordHeartbeat(id, at)
		if now.Sub(at) > window {
			log.Warnf("MonitorService: Latest data for %s is %s old, not evaluated", id, now.Sub(at).Round(time.Second))
			continue
		}

		n := engine.Evaluate(ctx, id, snapshot)
		if n > 0 {
			log.Infof("MonitorService: Device %s raised %d alerts", id, n)
		} else {
			log.Debugf("MonitorService: Device %s is normal", id)
		}
		alerts += n
	}

	alerts += engine.CheckCommunication(ctx)
	return alerts, errs.ErrorOrNil()
}
