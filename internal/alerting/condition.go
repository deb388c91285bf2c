package alerting

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cast"

	"iot-control/internal/models"
)

// Compare applies condition between a telemetry value and a threshold.
// Ordering conditions are numeric and accept string-encoded numbers;
// equality compares canonical string forms, so 30 equals "30.0".
func Compare(condition models.Condition, value, threshold any) (bool, error) {
	switch condition {
	case models.ConditionGreaterThan, models.ConditionLessThan:
		v, err := toNumber(value)
		if err != nil {
			return false, fmt.Errorf("value %v is not numeric: %w", value, err)
		}
		t, err := toNumber(threshold)
		if err != nil {
			return false, fmt.Errorf("threshold %v is not numeric: %w", threshold, err)
		}
		if condition == models.ConditionGreaterThan {
			return v > t, nil
		}
		return v < t, nil

	case models.ConditionEquals:
		return canonical(value) == canonical(threshold), nil

	case models.ConditionNotEquals:
		return canonical(value) != canonical(threshold), nil

	default:
		return false, fmt.Errorf("unknown condition %q", condition)
	}
}

// Message renders the human readable alert text for a triggered rule
func Message(deviceID string, rule models.AlertRule, value any) string {
	v, t := canonical(value), canonical(rule.Threshold)

	switch rule.Condition {
	case models.ConditionGreaterThan:
		return fmt.Sprintf("device %s %s value (%s) exceeds threshold %s", deviceID, rule.Field, v, t)
	case models.ConditionLessThan:
		return fmt.Sprintf("device %s %s value (%s) below threshold %s", deviceID, rule.Field, v, t)
	case models.ConditionEquals:
		return fmt.Sprintf("device %s %s value (%s) equals %s", deviceID, rule.Field, v, t)
	case models.ConditionNotEquals:
		return fmt.Sprintf("device %s %s value (%s) differs from expected %s", deviceID, rule.Field, v, t)
	default:
		return fmt.Sprintf("device %s %s triggered rule %s", deviceID, rule.Field, rule.Name)
	}
}

func toNumber(v any) (float64, error) {
	switch x := v.(type) {
	case nil:
		return 0, fmt.Errorf("nil")
	case bool:
		return 0, fmt.Errorf("boolean")
	case string:
		return strconv.ParseFloat(strings.TrimSpace(x), 64)
	}
	return cast.ToFloat64E(v)
}

// canonical formats numbers without trailing zeros and leaves other strings as-is
func canonical(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case bool:
		return strconv.FormatBool(x)
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(x), 64); err == nil {
			return strconv.FormatFloat(f, 'f', -1, 64)
		}
		return x
	}

	if f, err := cast.ToFloat64E(v); err == nil {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	if s, err := cast.ToStringE(v); err == nil {
		return s
	}
	return fmt.Sprint(v)
}
