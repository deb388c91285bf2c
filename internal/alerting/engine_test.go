package alerting

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"iot-control/internal/models"
	"iot-control/pkg/config"
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

func (n *recordingNotifier) all() []*models.AlertEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*models.AlertEvent(nil), n.events...)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func defaultRules() []models.AlertRule {
	return []models.AlertRule{
		{Name: "temp_high", Field: "temperature", Condition: models.ConditionGreaterThan, Threshold: 30.0, Severity: models.SeverityWarning},
		{Name: "temp_low", Field: "temperature", Condition: models.ConditionLessThan, Threshold: 5.0, Severity: models.SeverityWarning},
		{Name: "humidity_high", Field: "humidity", Condition: models.ConditionGreaterThan, Threshold: 80.0, Severity: models.SeverityWarning},
	}
}

func newTestEngine(rules models.RuleSet) (*Engine, *recordingNotifier, *fakeClock) {
	notifier := &recordingNotifier{}
	clock := &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.Local)}
	engine := NewEngine(notifier, EngineConfig{Rules: rules, Cooldown: 300 * time.Second}).WithClock(clock.Now)
	return engine, notifier, clock
}

func TestEvaluate(t *testing.T) {
	t.Run("Evaluate - Passed (temperature above default threshold)", func(t *testing.T) {
		engine, notifier, _ := newTestEngine(models.RuleSet{
			DefaultRules: defaultRules(),
			TypePrefixes: map[string]string{"temp_": "temperature_sensor"},
		})

		n := engine.Evaluate(context.Background(), "temp_01", map[string]any{"temperature": 32.5})

		assert.Equal(t, 1, n)
		events := notifier.all()
		require.Len(t, events, 1)
		assert.Equal(t, models.SeverityWarning, events[0].Severity)
		assert.Equal(t, "temp_high", events[0].RuleName)
		assert.Contains(t, events[0].Message, "32.5")
		assert.Contains(t, events[0].Message, "30")
		assert.Equal(t, "temperature_sensor", engine.DeviceType("temp_01"))
	})

	t.Run("Evaluate - Passed (cooldown suppresses repeat)", func(t *testing.T) {
		engine, notifier, clock := newTestEngine(models.RuleSet{DefaultRules: defaultRules()})

		assert.Equal(t, 1, engine.Evaluate(context.Background(), "dev1", map[string]any{"temperature": 35}))
		clock.Advance(time.Second)
		assert.Equal(t, 0, engine.Evaluate(context.Background(), "dev1", map[string]any{"temperature": 36}))
		assert.Len(t, notifier.all(), 1)

		clock.Advance(300 * time.Second)
		assert.Equal(t, 1, engine.Evaluate(context.Background(), "dev1", map[string]any{"temperature": 36}))
		assert.Len(t, notifier.all(), 2)
	})

	t.Run("Evaluate - Passed (cooldown is per device and rule)", func(t *testing.T) {
		engine, notifier, _ := newTestEngine(models.RuleSet{DefaultRules: defaultRules()})

		engine.Evaluate(context.Background(), "dev1", map[string]any{"temperature": 35})
		engine.Evaluate(context.Background(), "dev2", map[string]any{"temperature": 35})
		engine.Evaluate(context.Background(), "dev1", map[string]any{"humidity": 90})

		assert.Len(t, notifier.all(), 3)
	})

	t.Run("Evaluate - Passed (multiple rules in one pass)", func(t *testing.T) {
		engine, notifier, _ := newTestEngine(models.RuleSet{DefaultRules: defaultRules()})

		n := engine.Evaluate(context.Background(), "dev1", map[string]any{"temperature": 35, "humidity": "85.5"})

		assert.Equal(t, 2, n)
		assert.Len(t, notifier.all(), 2)
	})

	t.Run("Evaluate - Passed (absent field writes no cooldown)", func(t *testing.T) {
		engine, notifier, _ := newTestEngine(models.RuleSet{DefaultRules: defaultRules()})

		assert.Equal(t, 0, engine.Evaluate(context.Background(), "dev1", map[string]any{"pressure": 1013}))
		assert.Empty(t, notifier.all())

		// no cooldown was recorded, so the first real trigger still fires
		assert.Equal(t, 1, engine.Evaluate(context.Background(), "dev1", map[string]any{"temperature": 40}))
	})

	t.Run("Evaluate - Passed (device tier never falls through)", func(t *testing.T) {
		engine, notifier, _ := newTestEngine(models.RuleSet{
			DeviceRules: map[string][]models.AlertRule{
				"temp_07": {{Name: "door_open", Field: "door", Condition: models.ConditionEquals, Threshold: "open", Severity: models.SeverityInfo}},
			},
			TypeRules: map[string][]models.AlertRule{
				"temperature_sensor": {{Name: "type_high", Field: "temperature", Condition: models.ConditionGreaterThan, Threshold: 28}},
			},
			DefaultRules: defaultRules(),
			TypePrefixes: map[string]string{"temp_": "temperature_sensor"},
		})

		rules, tier := engine.RulesFor("temp_07")
		assert.Equal(t, "device", tier)
		assert.Len(t, rules, 1)

		n := engine.Evaluate(context.Background(), "temp_07", map[string]any{"temperature": 99, "door": "open"})
		assert.Equal(t, 1, n)
		require.Len(t, notifier.all(), 1)
		assert.Equal(t, "door_open", notifier.all()[0].RuleName)

		_, tier = engine.RulesFor("temp_08")
		assert.Equal(t, "type:temperature_sensor", tier)
		_, tier = engine.RulesFor("hum_01")
		assert.Equal(t, "default", tier)
	})

	t.Run("Evaluate - Passed (explicit type mapping wins over prefix)", func(t *testing.T) {
		engine, _, _ := newTestEngine(models.RuleSet{
			DeviceTypes:  map[string]string{"temp_garage": "environmental_sensor"},
			TypePrefixes: map[string]string{"temp_": "temperature_sensor", "temp_g": "garage_sensor"},
		})

		assert.Equal(t, "environmental_sensor", engine.DeviceType("temp_garage"))
		assert.Equal(t, "garage_sensor", engine.DeviceType("temp_gate"))
		assert.Equal(t, "temperature_sensor", engine.DeviceType("temp_01"))
		assert.Equal(t, "", engine.DeviceType("fan1"))
	})

	t.Run("Evaluate - Passed (bad value is contained)", func(t *testing.T) {
		engine, notifier, _ := newTestEngine(models.RuleSet{DefaultRules: defaultRules()})

		n := engine.Evaluate(context.Background(), "dev1", map[string]any{"temperature": "warm", "humidity": 95})

		assert.Equal(t, 1, n)
		require.Len(t, notifier.all(), 1)
		assert.Equal(t, "humidity_high", notifier.all()[0].RuleName)
	})

	t.Run("Evaluate - Passed (rules swapped at runtime)", func(t *testing.T) {
		engine, notifier, _ := newTestEngine(models.RuleSet{DefaultRules: defaultRules()})

		engine.SetRules(models.RuleSet{DefaultRules: []models.AlertRule{
			{Name: "warm", Field: "temperature", Condition: models.ConditionGreaterThan, Threshold: 20},
		}})
		engine.Evaluate(context.Background(), "dev1", map[string]any{"temperature": 25})

		require.Len(t, notifier.all(), 1)
		assert.Equal(t, "warm", notifier.all()[0].RuleName)
	})

	t.Run("Evaluate - Passed (concurrent triggers fire once)", func(t *testing.T) {
		engine, notifier, _ := newTestEngine(models.RuleSet{DefaultRules: defaultRules()})

		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				engine.Evaluate(context.Background(), "dev1", map[string]any{"temperature": 50})
			}()
		}
		wg.Wait()

		assert.Len(t, notifier.all(), 1)
	})
}

func TestShippedRuleTiers(t *testing.T) {
	engine, notifier, _ := newTestEngine(config.DefaultFileConfig().Rules)

	t.Run("RulesFor - Passed (temp_ prefix resolves to the type tier)", func(t *testing.T) {
		rules, tier := engine.RulesFor("temp_01")
		assert.Equal(t, "type:temperature_sensor", tier)
		require.NotEmpty(t, rules)

		n := engine.Evaluate(context.Background(), "temp_01", map[string]any{"temperature": 32.5})
		assert.Equal(t, 1, n)
		events := notifier.all()
		require.Len(t, events, 1)
		assert.Equal(t, "temp_sensor_high", events[0].RuleName)
		assert.Contains(t, events[0].Message, "28")
	})

	t.Run("RulesFor - Passed (unmapped id falls back to default temp_high)", func(t *testing.T) {
		_, tier := engine.RulesFor("sensor_9")
		assert.Equal(t, "default", tier)

		n := engine.Evaluate(context.Background(), "sensor_9", map[string]any{"temperature": 32.5})
		assert.Equal(t, 1, n)
		events := notifier.all()
		require.Len(t, events, 2)
		assert.Equal(t, "temp_high", events[1].RuleName)
		assert.Contains(t, events[1].Message, "30")
	})
}

func TestEvaluateAll(t *testing.T) {
	engine, notifier, _ := newTestEngine(models.RuleSet{DefaultRules: defaultRules()})

	n := engine.EvaluateAll(context.Background(), map[string]map[string]any{
		"a": {"temperature": 40},
		"b": {"temperature": 1},
		"c": {"temperature": 20},
	})

	assert.Equal(t, 2, n)
	assert.Len(t, notifier.all(), 2)
}

func TestCheckCommunication(t *testing.T) {
	activity := map[string]models.DeviceActivity{
		"env_001": {ActiveHours: [2]int{8, 20}, ExpectedInterval: 5 * time.Minute},
	}

	t.Run("CheckCommunication - Passed (silent device in active hours)", func(t *testing.T) {
		engine, notifier, clock := newTestEngine(models.RuleSet{})
		engine.SetActivity(activity)

		engine.RecordHeartbeat("env_001", clock.Now())
		clock.Advance(4 * time.Minute)
		assert.Equal(t, 0, engine.CheckCommunication(context.Background()))

		clock.Advance(2 * time.Minute)
		assert.Equal(t, 1, engine.CheckCommunication(context.Background()))

		events := notifier.all()
		require.Len(t, events, 1)
		assert.Equal(t, CommunicationFailureRule, events[0].RuleName)
		assert.Equal(t, models.SeverityDanger, events[0].Severity)

		// same cooldown path as threshold rules
		clock.Advance(time.Minute)
		assert.Equal(t, 0, engine.CheckCommunication(context.Background()))
	})

	t.Run("CheckCommunication - Passed (never reported since start)", func(t *testing.T) {
		engine, notifier, clock := newTestEngine(models.RuleSet{})
		engine.SetActivity(activity)

		clock.Advance(6 * time.Minute)
		assert.Equal(t, 1, engine.CheckCommunication(context.Background()))
		assert.NotContains(t, notifier.all()[0].Data, "last_heartbeat")
	})

	t.Run("CheckCommunication - Passed (outside active hours)", func(t *testing.T) {
		engine, notifier, clock := newTestEngine(models.RuleSet{})
		engine.SetActivity(activity)

		clock.Advance(10 * time.Hour) // 22:00
		assert.Equal(t, 0, engine.CheckCommunication(context.Background()))
		assert.Empty(t, notifier.all())
	})
}

func TestInActiveHours(t *testing.T) {
	at := func(h int) time.Time { return time.Date(2024, 1, 1, h, 30, 0, 0, time.Local) }

	assert.True(t, InActiveHours([2]int{8, 20}, at(8)))
	assert.True(t, InActiveHours([2]int{8, 20}, at(20)))
	assert.False(t, InActiveHours([2]int{8, 20}, at(21)))
	assert.True(t, InActiveHours([2]int{22, 6}, at(23)))
	assert.True(t, InActiveHours([2]int{22, 6}, at(3)))
	assert.False(t, InActiveHours([2]int{22, 6}, at(12)))
	assert.True(t, InActiveHours([2]int{0, 0}, at(15)))
}

func TestHistory(t *testing.T) {
	engine, _, clock := newTestEngine(models.RuleSet{DefaultRules: defaultRules()})
	engine.history = newHistory(2)

	for _, id := range []string{"a", "b", "c"} {
		engine.Evaluate(context.Background(), id, map[string]any{"temperature": 40})
		clock.Advance(time.Second)
	}

	got := engine.History(10)
	require.Len(t, got, 2)
	assert.Equal(t, "c", got[0].DeviceID)
	assert.Equal(t, "b", got[1].DeviceID)
	assert.Len(t, engine.History(1), 1)
}
