// Package alerting evaluates telemetry against tiered threshold rules and
// hands triggered alerts to a notifier, suppressing repeats per device and
// rule within a cooldown window.
package alerting

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	gometrics "github.com/rcrowley/go-metrics"
	log "github.com/sirupsen/logrus"

	"iot-control/internal/models"
)

const (
	// CommunicationFailureRule is the rule name of synthesized absence-of-data alerts
	CommunicationFailureRule = "communication_failure"

	DefaultCooldown         = 300 * time.Second
	DefaultExpectedInterval = 5 * time.Minute
	DefaultHistorySize      = 500
)

// Notifier receives every alert that passed cooldown. It must not block for long
// and reports its own failures.
type Notifier interface {
	Dispatch(ctx context.Context, event *models.AlertEvent)
}

// EngineConfig holds engine configuration
type EngineConfig struct {
	Rules       models.RuleSet
	Activity    map[string]models.DeviceActivity
	Cooldown    time.Duration
	HistorySize int
}

// Engine evaluates rules. The cooldown store is the only state shared between
// concurrent evaluations.
type Engine struct {
	notifier Notifier
	cooldown time.Duration
	now      func() time.Time

	mu       sync.RWMutex
	rules    models.RuleSet
	activity map[string]models.DeviceActivity

	// lastFired holds (device|rule) -> time.Time; checked and written under firedMu
	firedMu   sync.Mutex
	lastFired *cache.Cache

	hbMu       sync.Mutex
	heartbeats map[string]time.Time
	startedAt  time.Time

	history *history

	triggeredCounter  gometrics.Counter
	suppressedCounter gometrics.Counter
	errorCounter      gometrics.Counter
}

// NewEngine creates an engine dispatching to notifier
func NewEngine(notifier Notifier, config EngineConfig) *Engine {
	if config.Cooldown <= 0 {
		config.Cooldown = DefaultCooldown
	}
	if config.HistorySize <= 0 {
		config.HistorySize = DefaultHistorySize
	}

	e := &Engine{
		notifier:          notifier,
		cooldown:          config.Cooldown,
		now:               time.Now,
		rules:             config.Rules,
		activity:          config.Activity,
		lastFired:         cache.New(config.Cooldown, config.Cooldown),
		heartbeats:        make(map[string]time.Time),
		history:           newHistory(config.HistorySize),
		triggeredCounter:  gometrics.GetOrRegisterCounter("alerts.triggered", nil),
		suppressedCounter: gometrics.GetOrRegisterCounter("alerts.suppressed", nil),
		errorCounter:      gometrics.GetOrRegisterCounter("alerts.rule_errors", nil),
	}
	e.startedAt = e.now()
	return e
}

// WithClock replaces the engine clock and restarts the heartbeat baseline
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	e.startedAt = now()
	return e
}

// Now returns the engine clock's current time
func (e *Engine) Now() time.Time {
	return e.now()
}

// SetRules swaps the rule set; evaluations in flight finish with the old one
func (e *Engine) SetRules(rules models.RuleSet) {
	e.mu.Lock()
	e.rules = rules
	e.mu.Unlock()
	log.Infof("AlertEngine: Rules updated (%d device, %d type, %d default)",
		len(rules.DeviceRules), len(rules.TypeRules), len(rules.DefaultRules))
}

// SetActivity swaps the monitored device activity windows
func (e *Engine) SetActivity(activity map[string]models.DeviceActivity) {
	e.mu.Lock()
	e.activity = activity
	e.mu.Unlock()
}

// DeviceType resolves a device's type from the explicit mapping, falling back
// to the longest configured id prefix. Empty when neither matches.
func (e *Engine) DeviceType(deviceID string) string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return deviceType(e.rules, deviceID)
}

func deviceType(rules models.RuleSet, deviceID string) string {
	if t, ok := rules.DeviceTypes[deviceID]; ok {
		return t
	}

	best := ""
	for prefix := range rules.TypePrefixes {
		if strings.HasPrefix(deviceID, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best == "" {
		return ""
	}
	return rules.TypePrefixes[best]
}

// RulesFor returns the single tier that applies to deviceID and its name
func (e *Engine) RulesFor(deviceID string) ([]models.AlertRule, string) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if rules, ok := e.rules.DeviceRules[deviceID]; ok {
		return rules, "device"
	}
	if t := deviceType(e.rules, deviceID); t != "" {
		if rules, ok := e.rules.TypeRules[t]; ok {
			return rules, "type:" + t
		}
	}
	return e.rules.DefaultRules, "default"
}

// Evaluate checks snapshot against the rules of deviceID and dispatches every
// triggered rule that is outside its cooldown. It returns the number of
// alerts dispatched.
func (e *Engine) Evaluate(ctx context.Context, deviceID string, snapshot map[string]any) int {
	rules, tier := e.RulesFor(deviceID)
	if len(rules) == 0 {
		return 0
	}

	log.Debugf("AlertEngine: Evaluating %d %s rules for %s", len(rules), tier, deviceID)

	dispatched := 0
	for _, rule := range rules {
		event := e.evaluateRule(deviceID, rule, snapshot)
		if event == nil {
			continue
		}
		if e.fire(ctx, event) {
			dispatched++
		}
	}
	return dispatched
}

// EvaluateAll evaluates every device snapshot; a failing device does not stop the others
func (e *Engine) EvaluateAll(ctx context.Context, snapshots map[string]map[string]any) int {
	ids := make([]string, 0, len(snapshots))
	for id := range snapshots {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	total := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		total += e.evaluateDevice(ctx, id, snapshots[id])
	}
	return total
}

func (e *Engine) evaluateDevice(ctx context.Context, deviceID string, snapshot map[string]any) (n int) {
	defer func() {
		if r := recover(); r != nil {
			e.errorCounter.Inc(1)
			log.Errorf("AlertEngine: Evaluation of %s panicked: %v", deviceID, r)
			n = 0
		}
	}()
	return e.Evaluate(ctx, deviceID, snapshot)
}

// evaluateRule returns the event for a true rule, nil otherwise. Rule errors
// are contained and count as no trigger.
func (e *Engine) evaluateRule(deviceID string, rule models.AlertRule, snapshot map[string]any) (event *models.AlertEvent) {
	defer func() {
		if r := recover(); r != nil {
			e.errorCounter.Inc(1)
			log.Errorf("AlertEngine: Rule %s on %s panicked: %v", rule.Name, deviceID, r)
			event = nil
		}
	}()

	value, ok := snapshot[rule.Field]
	if !ok {
		return nil
	}

	triggered, err := Compare(rule.Condition, value, rule.Threshold)
	if err != nil {
		e.errorCounter.Inc(1)
		log.Warnf("AlertEngine: Rule %s on %s: %v", rule.Name, deviceID, err)
		return nil
	}
	if !triggered {
		return nil
	}

	return &models.AlertEvent{
		ID:        uuid.NewString(),
		DeviceID:  deviceID,
		RuleName:  rule.Name,
		Message:   Message(deviceID, rule, value),
		Severity:  severityOrDefault(rule.Severity),
		Timestamp: e.now(),
		Data:      copySnapshot(snapshot),
	}
}

// fire applies the cooldown and dispatches event. The check and the write of
// lastFired happen under one lock so concurrent evaluations cannot both fire.
func (e *Engine) fire(ctx context.Context, event *models.AlertEvent) bool {
	key := event.DeviceID + "|" + event.RuleName
	now := event.Timestamp

	e.firedMu.Lock()
	if last, ok := e.lastFired.Get(key); ok && now.Sub(last.(time.Time)) < e.cooldown {
		e.firedMu.Unlock()
		e.suppressedCounter.Inc(1)
		log.Debugf("AlertEngine: Suppressed %s for %s (cooldown)", event.RuleName, event.DeviceID)
		return false
	}
	e.lastFired.Set(key, now, e.cooldown)
	e.firedMu.Unlock()

	e.triggeredCounter.Inc(1)
	e.history.add(event)
	log.WithFields(log.Fields{
		"device_id": event.DeviceID,
		"rule":      event.RuleName,
		"severity":  event.Severity,
	}).Warnf("AlertEngine: %s", event.Message)

	if e.notifier != nil {
		e.notifier.Dispatch(ctx, event)
	}
	return true
}

// History returns up to limit recent alerts, newest first
func (e *Engine) History(limit int) []models.AlertEvent {
	return e.history.list(limit)
}

// RecordHeartbeat marks deviceID as having reported at t
func (e *Engine) RecordHeartbeat(deviceID string, t time.Time) {
	e.hbMu.Lock()
	defer e.hbMu.Unlock()
	if t.After(e.heartbeats[deviceID]) {
		e.heartbeats[deviceID] = t
	}
}

// LastHeartbeat returns the last time deviceID reported
func (e *Engine) LastHeartbeat(deviceID string) (time.Time, bool) {
	e.hbMu.Lock()
	defer e.hbMu.Unlock()
	t, ok := e.heartbeats[deviceID]
	return t, ok
}

// CheckCommunication raises a communication failure for every monitored device
// that is inside its active hours and silent for longer than its expected
// interval. Devices never heard from are measured from engine start.
func (e *Engine) CheckCommunication(ctx context.Context) int {
	e.mu.RLock()
	activity := make(map[string]models.DeviceActivity, len(e.activity))
	for id, a := range e.activity {
		activity[id] = a
	}
	e.mu.RUnlock()

	ids := make([]string, 0, len(activity))
	for id := range activity {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	now := e.now()
	fired := 0
	for _, id := range ids {
		a := activity[id]
		if !InActiveHours(a.ActiveHours, now) {
			continue
		}

		interval := a.ExpectedInterval
		if interval <= 0 {
			interval = DefaultExpectedInterval
		}

		last, seen := e.LastHeartbeat(id)
		since := last
		if !seen {
			since = e.startedAt
		}
		silence := now.Sub(since)
		if silence <= interval {
			continue
		}

		data := map[string]any{
			"expected_interval_minutes": interval.Minutes(),
			"silence_minutes":           silence.Minutes(),
		}
		if seen {
			data["last_heartbeat"] = last.Format(time.RFC3339)
		}

		event := &models.AlertEvent{
			ID:        uuid.NewString(),
			DeviceID:  id,
			RuleName:  CommunicationFailureRule,
			Message:   fmt.Sprintf("device %s has not reported for %s (expected every %s)", id, silence.Round(time.Second), interval),
			Severity:  models.SeverityDanger,
			Timestamp: now,
			Data:      data,
		}
		if e.fire(ctx, event) {
			fired++
		}
	}
	return fired
}

// InActiveHours reports whether now falls in the inclusive [start, end] hour
// window. A window that ends before it starts wraps past midnight; [0, 0]
// means always active.
func InActiveHours(hours [2]int, now time.Time) bool {
	start, end := hours[0], hours[1]
	if start == 0 && end == 0 {
		return true
	}
	h := now.Hour()
	if start <= end {
		return h >= start && h <= end
	}
	return h >= start || h <= end
}

func severityOrDefault(s models.Severity) models.Severity {
	if s == "" {
		return models.SeverityWarning
	}
	return s
}

func copySnapshot(snapshot map[string]any) map[string]any {
	out := make(map[string]any, len(snapshot))
	for k, v := range snapshot {
		out[k] = v
	}
	return out
}
