package services

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"iot-control/internal/aggregator"
	"iot-control/internal/alerting"
	"iot-control/internal/models"
)

// TelemetryStore persists inbound device data
type TelemetryStore interface {
	SaveTelemetry(ctx context.Context, t *models.Telemetry) error
	UpsertDeviceStatus(ctx context.Context, status *models.DeviceStatus) error
}

// TelemetryService consumes decoded device messages: it keeps the latest
// state per device, feeds heartbeats and snapshots to the alert engine and
// optionally persists everything.
type TelemetryService struct {
	subscriber *Subscriber
	aggregator *aggregator.DeviceAggregator
	engine     *alerting.Engine
	store      TelemetryStore // nil when persistence is disabled
	ignored    map[string]struct{}

	storeTimeout time.Duration
}

// NewTelemetryService creates a telemetry service. store may be nil.
func NewTelemetryService(
	subscriber *Subscriber,
	agg *aggregator.DeviceAggregator,
	engine *alerting.Engine,
	store TelemetryStore,
) *TelemetryService {
	return &TelemetryService{
		subscriber:   subscriber,
		aggregator:   agg,
		engine:       engine,
		store:        store,
		ignored:      make(map[string]struct{}),
		storeTimeout: 5 * time.Second,
	}
}

// IgnoreDevices drops messages from ids, such as the server's own presence.
// Call it before Start.
func (s *TelemetryService) IgnoreDevices(ids ...string) {
	for _, id := range ids {
		if id != "" {
			s.ignored[id] = struct{}{}
		}
	}
}

func (s *TelemetryService) isIgnored(deviceID string) bool {
	_, ok := s.ignored[deviceID]
	return ok
}

// Start processes telemetry and status messages until ctx is cancelled
func (s *TelemetryService) Start(ctx context.Context) {
	log.Println("TelemetryService: Starting...")

	for {
		select {
		case <-ctx.Done():
			log.Println("TelemetryService: Shutdown complete")
			return
		case t, ok := <-s.subscriber.TelemetryChan:
			if !ok {
				return
			}
			s.processTelemetry(ctx, t)
		case status, ok := <-s.subscriber.StatusChan:
			if !ok {
				return
			}
			s.processStatus(ctx, status)
		}
	}
}

// processTelemetry handles a single snapshot
func (s *TelemetryService) processTelemetry(ctx context.Context, t *models.Telemetry) {
	if s.isIgnored(t.DeviceID) {
		return
	}
	s.aggregator.UpdateTelemetry(t)
	s.engine.RecordHeartbeat(t.DeviceID, s.engine.Now())

	if n := s.engine.Evaluate(ctx, t.DeviceID, t.Fields); n > 0 {
		log.Debugf("TelemetryService: %d alerts raised for %s", n, t.DeviceID)
	}

	if s.store == nil {
		return
	}
	storeCtx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	if err := s.store.SaveTelemetry(storeCtx, t); err != nil {
		log.Errorf("TelemetryService: Error saving telemetry for %s: %v", t.DeviceID, err)
	}
}

// processStatus handles a single presence message
func (s *TelemetryService) processStatus(ctx context.Context, status *models.DeviceStatus) {
	if s.isIgnored(status.DeviceID) {
		return
	}
	if status.Timestamp.IsZero() {
		status.Timestamp = models.NewTimestamp(time.Now())
	}
	s.aggregator.UpdateStatus(status)
	log.Infof("TelemetryService: Device %s is %s", status.DeviceID, status.Status)

	if s.store == nil {
		return
	}
	storeCtx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	if err := s.store.UpsertDeviceStatus(storeCtx, status); err != nil {
		log.Errorf("TelemetryService: Error saving status for %s: %v", status.DeviceID, err)
	}
}
