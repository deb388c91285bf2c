package models

import "time"

// Condition is the comparison applied between a telemetry value and a rule threshold
type Condition string

const (
	ConditionGreaterThan Condition = "greater_than"
	ConditionLessThan    Condition = "less_than"
	ConditionEquals      Condition = "equals"
	ConditionNotEquals   Condition = "not_equals"
)

// Severity of an alert
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityDanger   Severity = "danger"
	SeverityCritical Severity = "critical"
)

// AlertRule is a single threshold rule loaded from configuration
type AlertRule struct {
	Name      string    `json:"name" mapstructure:"name" validate:"required"`
	Field     string    `json:"field" mapstructure:"field" validate:"required"`
	Condition Condition `json:"condition" mapstructure:"condition" validate:"oneof=greater_than less_than equals not_equals"`
	Threshold any       `json:"threshold" mapstructure:"threshold"`
	Severity  Severity  `json:"severity" mapstructure:"severity" validate:"omitempty,oneof=info warning danger critical"`
}

// RuleSet holds the three rule tiers plus the device type mapping.
// Exactly one tier applies to a device: DeviceRules, then TypeRules, then DefaultRules.
type RuleSet struct {
	DeviceRules  map[string][]AlertRule `json:"device_rules" mapstructure:"device_rules" validate:"dive,dive"`
	TypeRules    map[string][]AlertRule `json:"type_rules" mapstructure:"type_rules" validate:"dive,dive"`
	DefaultRules []AlertRule            `json:"default_rules" mapstructure:"default_rules" validate:"dive"`

	// DeviceTypes maps a device id to its type explicitly
	DeviceTypes map[string]string `json:"device_types" mapstructure:"device_types"`
	// TypePrefixes maps a device id prefix (e.g. "temp_") to a type
	TypePrefixes map[string]string `json:"type_prefixes" mapstructure:"type_prefixes"`
}

// AlertEvent is produced when a rule's condition evaluates true
type AlertEvent struct {
	ID        string         `json:"id"`
	DeviceID  string         `json:"device_id"`
	RuleName  string         `json:"rule"`
	Message   string         `json:"message"`
	Severity  Severity       `json:"severity"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// DeviceActivity describes when a device is expected to report
type DeviceActivity struct {
	ActiveHours      [2]int        `json:"active_hours" mapstructure:"active_hours"`           // inclusive [start, end] hour of day
	ExpectedInterval time.Duration `json:"expected_interval" mapstructure:"expected_interval"` // max silence before a communication failure
}
