package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"iot-control/internal/aggregator"
	"iot-control/internal/alerting"
	"iot-control/internal/models"
	"iot-control/internal/notify"
	"iot-control/internal/transport"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []*models.AlertEvent
}

func (n *recordingNotifier) Dispatch(_ context.Context, event *models.AlertEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
}

func (n *recordingNotifier) rules() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.events))
	for _, e := range n.events {
		out = append(out, e.DeviceID+":"+e.RuleName)
	}
	return out
}

// stalledNotifier blocks every alert until release is closed
type stalledNotifier struct {
	release chan struct{}
}

func (n stalledNotifier) Dispatch(context.Context, *models.AlertEvent) {
	<-n.release
}

type MockStore struct {
	mock.Mock
}

func (m *MockStore) SaveTelemetry(ctx context.Context, t *models.Telemetry) error {
	args := m.Called(ctx, t)
	return args.Error(0)
}

func (m *MockStore) UpsertDeviceStatus(ctx context.Context, status *models.DeviceStatus) error {
	args := m.Called(ctx, status)
	return args.Error(0)
}

type MockSource struct {
	mock.Mock
}

func (m *MockSource) LatestTelemetry(ctx context.Context, deviceID string) (map[string]any, time.Time, bool, error) {
	args := m.Called(ctx, deviceID)
	snapshot, _ := args.Get(0).(map[string]any)
	return snapshot, args.Get(1).(time.Time), args.Bool(2), args.Error(3)
}

func tempRules() models.RuleSet {
	return models.RuleSet{
		DefaultRules: []models.AlertRule{
			{Name: "temp_high", Field: "temperature", Condition: models.ConditionGreaterThan, Threshold: 30, Severity: models.SeverityWarning},
		},
	}
}

func TestDecodeTelemetry(t *testing.T) {
	t.Run("DecodeTelemetry - Passed (device id from topic)", func(t *testing.T) {
		telemetry, err := DecodeTelemetry("device/temp_01/data", []byte(`{"temperature": 31.5, "timestamp": 1700000000}`))
		require.NoError(t, err)
		assert.Equal(t, "temp_01", telemetry.DeviceID)
		assert.Equal(t, int64(1700000000), telemetry.Timestamp.Unix())
		assert.Equal(t, 31.5, telemetry.Fields["temperature"])
	})

	t.Run("DecodeTelemetry - Passed (payload device id wins)", func(t *testing.T) {
		telemetry, err := DecodeTelemetry("device/x/data", []byte(`{"device_id": "hum_02", "humidity": 40}`))
		require.NoError(t, err)
		assert.Equal(t, "hum_02", telemetry.DeviceID)
		assert.WithinDuration(t, time.Now(), telemetry.Timestamp, time.Second)
	})

	t.Run("DecodeTelemetry - Failed (not an object)", func(t *testing.T) {
		_, err := DecodeTelemetry("device/temp_01/data", []byte(`[1,2]`))
		assert.Error(t, err)
	})

	t.Run("DecodeTelemetry - Failed (no device id)", func(t *testing.T) {
		_, err := DecodeTelemetry("alerts", []byte(`{"temperature": 1}`))
		assert.Error(t, err)
	})
}

func TestTelemetryService(t *testing.T) {
	t.Run("Start - Passed (telemetry is aggregated, evaluated and stored)", func(t *testing.T) {
		mt := transport.NewMemoryTransport(transport.Presence{})
		require.NoError(t, mt.Connect(context.Background()))
		defer mt.Close()

		sub := NewSubscriber(mt, DefaultSubscriberConfig())
		require.NoError(t, sub.SubscribeAll())

		notifier := &recordingNotifier{}
		engine := alerting.NewEngine(notifier, alerting.EngineConfig{Rules: tempRules()})
		agg := aggregator.NewDeviceAggregator()

		stored := make(chan struct{}, 2)
		store := new(MockStore)
		store.On("SaveTelemetry", mock.Anything, mock.MatchedBy(func(t *models.Telemetry) bool { return t.DeviceID == "temp_01" })).
			Run(func(mock.Arguments) { stored <- struct{}{} }).Return(nil)
		store.On("UpsertDeviceStatus", mock.Anything, mock.Anything).
			Run(func(mock.Arguments) { stored <- struct{}{} }).Return(errors.New("read only"))

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go NewTelemetryService(sub, agg, engine, store).Start(ctx)

		require.NoError(t, mt.Publish(ctx, "device/temp_01/data", []byte(`{"temperature": 35}`)))
		require.NoError(t, mt.Publish(ctx, "device/temp_01/status", []byte(`{"status": "online", "hostname": "pi"}`)))

		for i := 0; i < 2; i++ {
			select {
			case <-stored:
			case <-time.After(2 * time.Second):
				t.Fatal("store was not called")
			}
		}

		assert.Equal(t, []string{"temp_01:temp_high"}, notifier.rules())
		state, ok := agg.GetDeviceState("temp_01")
		require.True(t, ok)
		assert.Equal(t, models.StatusOnline, state.Status)
		assert.EqualValues(t, 35, state.LastTelemetry["temperature"])
		_, seen := engine.LastHeartbeat("temp_01")
		assert.True(t, seen)
		store.AssertExpectations(t)
	})

	t.Run("Start - Passed (malformed and anonymous messages dropped)", func(t *testing.T) {
		mt := transport.NewMemoryTransport(transport.Presence{})
		require.NoError(t, mt.Connect(context.Background()))
		defer mt.Close()

		sub := NewSubscriber(mt, DefaultSubscriberConfig())
		require.NoError(t, sub.SubscribeAll())

		agg := aggregator.NewDeviceAggregator()
		engine := alerting.NewEngine(nil, alerting.EngineConfig{Rules: tempRules()})

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go NewTelemetryService(sub, agg, engine, nil).Start(ctx)

		require.NoError(t, mt.Publish(ctx, "device/bad/data", []byte(`not json`)))
		require.NoError(t, mt.Publish(ctx, "device/bad/status", []byte(`{"hostname": "x"}`)))
		require.NoError(t, mt.Publish(ctx, "device/good/data", []byte(`{"temperature": 20}`)))

		assert.Eventually(t, func() bool {
			_, ok := agg.GetDeviceState("good")
			return ok
		}, 2*time.Second, 10*time.Millisecond)

		_, ok := agg.GetDeviceState("bad")
		assert.False(t, ok)
	})
}

func TestTelemetryServiceFiltering(t *testing.T) {
	t.Run("Start - Passed (own presence is not a device)", func(t *testing.T) {
		mt := transport.NewMemoryTransport(transport.Presence{})
		require.NoError(t, mt.Connect(context.Background()))
		defer mt.Close()

		sub := NewSubscriber(mt, DefaultSubscriberConfig())
		require.NoError(t, sub.SubscribeAll())

		agg := aggregator.NewDeviceAggregator()
		engine := alerting.NewEngine(nil, alerting.EngineConfig{Rules: tempRules()})
		svc := NewTelemetryService(sub, agg, engine, nil)
		svc.IgnoreDevices("control-server", "")

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go svc.Start(ctx)

		require.NoError(t, mt.Publish(ctx, "device/control-server/status", []byte(`{"device_id": "control-server", "status": "online"}`)))
		require.NoError(t, mt.Publish(ctx, "device/control-server/data", []byte(`{"temperature": 99}`)))
		require.NoError(t, mt.Publish(ctx, "device/temp_02/status", []byte(`{"status": "online"}`)))
		require.NoError(t, mt.Publish(ctx, "device/temp_02/data", []byte(`{"temperature": 21}`)))

		assert.Eventually(t, func() bool {
			state, ok := agg.GetDeviceState("temp_02")
			return ok && state.Status == models.StatusOnline && state.LastTelemetry != nil
		}, 2*time.Second, 10*time.Millisecond)

		_, ok := agg.GetDeviceState("control-server")
		assert.False(t, ok)
		_, seen := engine.LastHeartbeat("control-server")
		assert.False(t, seen)
	})

	t.Run("processTelemetry - Passed (slow alert channel does not stall ingestion)", func(t *testing.T) {
		notifier := stalledNotifier{release: make(chan struct{})}
		queue := notify.NewQueue(notifier, 4)
		ctx, cancel := context.WithCancel(context.Background())
		go queue.Start(ctx)

		engine := alerting.NewEngine(queue, alerting.EngineConfig{Rules: tempRules()})
		agg := aggregator.NewDeviceAggregator()
		svc := NewTelemetryService(nil, agg, engine, nil)

		start := time.Now()
		svc.processTelemetry(ctx, &models.Telemetry{DeviceID: "temp_01", Fields: map[string]any{"temperature": 40.0}})
		svc.processTelemetry(ctx, &models.Telemetry{DeviceID: "temp_03", Fields: map[string]any{"temperature": 41.0}})
		assert.Less(t, time.Since(start), time.Second)

		_, ok := agg.GetDeviceState("temp_03")
		assert.True(t, ok)

		close(notifier.release)
		cancel()
		queue.Wait()
		assert.Zero(t, queue.Len())
	})
}

func TestCheckDevices(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.Local)

	t.Run("CheckDevices - Passed (recent data evaluated, stale data only heartbeats)", func(t *testing.T) {
		notifier := &recordingNotifier{}
		engine := alerting.NewEngine(notifier, alerting.EngineConfig{
			Rules: tempRules(),
			Activity: map[string]models.DeviceActivity{
				"temp_02": {ExpectedInterval: 30 * time.Minute},
			},
		}).WithClock(func() time.Time { return now })

		source := new(MockSource)
		source.On("LatestTelemetry", mock.Anything, "temp_01").Return(map[string]any{"temperature": 33.0}, now.Add(-time.Minute), true, nil)
		source.On("LatestTelemetry", mock.Anything, "temp_02").Return(map[string]any{"temperature": 40.0}, now.Add(-time.Hour), true, nil)
		source.On("LatestTelemetry", mock.Anything, "temp_03").Return(nil, time.Time{}, false, nil)

		n, err := CheckDevices(context.Background(), engine, source, []string{"temp_01", "temp_02", "temp_03"}, DefaultDataWindow)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		assert.ElementsMatch(t, []string{"temp_01:temp_high", "temp_02:" + alerting.CommunicationFailureRule}, notifier.rules())
		source.AssertExpectations(t)
	})

	t.Run("CheckDevices - Failed (lookup error does not stop other devices)", func(t *testing.T) {
		notifier := &recordingNotifier{}
		engine := alerting.NewEngine(notifier, alerting.EngineConfig{Rules: tempRules()}).WithClock(func() time.Time { return now })

		source := new(MockSource)
		source.On("LatestTelemetry", mock.Anything, "a").Return(nil, time.Time{}, false, errors.New("connection refused"))
		source.On("LatestTelemetry", mock.Anything, "b").Return(map[string]any{"temperature": 50}, now, true, nil)

		n, err := CheckDevices(context.Background(), engine, source, []string{"a", "b"}, DefaultDataWindow)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "device a")
		assert.Equal(t, 1, n)
	})
}

func TestMonitorService(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.Local)
	clock := now
	notifier := &recordingNotifier{}
	engine := alerting.NewEngine(notifier, alerting.EngineConfig{
		Activity: map[string]models.DeviceActivity{"rpi1": {ExpectedInterval: time.Minute}},
	}).WithClock(func() time.Time { return clock })

	monitor := NewMonitorService(engine, MonitorServiceConfig{Interval: time.Hour})

	assert.Equal(t, 0, monitor.RunOnce(context.Background()))

	clock = now.Add(2 * time.Minute)
	assert.Equal(t, 1, monitor.RunOnce(context.Background()))
	assert.Equal(t, 0, monitor.RunOnce(context.Background()), "cooldown suppresses the repeat")
	assert.Equal(t, []string{"rpi1:" + alerting.CommunicationFailureRule}, notifier.rules())
}
