package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// CommandRequest represents a command sent to a device on device/{device_id}/command
type CommandRequest struct {
	CommandID string        `json:"command_id"`
	DeviceID  string        `json:"-"`
	Command   string        `json:"command"`
	Timeout   time.Duration `json:"-"`
}

// commandRequestWire is the on-the-wire form, timeout is in whole seconds
type commandRequestWire struct {
	CommandID string `json:"command_id"`
	Command   string `json:"command"`
	Timeout   int    `json:"timeout"`
}

// MarshalJSON encodes the request with the timeout in seconds
func (r CommandRequest) MarshalJSON() ([]byte, error) {
	return json.Marshal(commandRequestWire{
		CommandID: r.CommandID,
		Command:   r.Command,
		Timeout:   int(r.Timeout / time.Second),
	})
}

// UnmarshalJSON decodes the wire form produced by MarshalJSON
func (r *CommandRequest) UnmarshalJSON(data []byte) error {
	var wire commandRequestWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	r.CommandID = wire.CommandID
	r.Command = wire.Command
	r.Timeout = time.Duration(wire.Timeout) * time.Second
	return nil
}

// CommandResult represents the result published by a device on device/{device_id}/result
type CommandResult struct {
	CommandID string    `json:"command_id"`
	DeviceID  string    `json:"device_id"`
	Success   bool      `json:"success"`
	Output    string    `json:"output"`
	Error     string    `json:"error,omitempty"`
	Timestamp Timestamp `json:"timestamp"`
}

// Timestamp accepts RFC3339 strings or unix seconds (integer or fractional)
// and always encodes as RFC3339.
type Timestamp struct {
	time.Time
}

// NewTimestamp wraps t
func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{Time: t}
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte(`null`), nil
	}
	return json.Marshal(t.Format(time.RFC3339Nano))
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	if string(data) == "null" || len(data) == 0 {
		t.Time = time.Time{}
		return nil
	}

	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			t.Time = time.Time{}
			return nil
		}
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999", "2006-01-02 15:04:05"} {
			if parsed, err := time.ParseInLocation(layout, s, time.Local); err == nil {
				t.Time = parsed
				return nil
			}
		}
		// some clients quote unix seconds
		if secs, err := strconv.ParseFloat(s, 64); err == nil {
			t.Time = unixFloat(secs)
			return nil
		}
		return fmt.Errorf("unrecognised timestamp %q", s)
	}

	secs, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return fmt.Errorf("unrecognised timestamp %s: %w", string(data), err)
	}
	t.Time = unixFloat(secs)
	return nil
}

func unixFloat(secs float64) time.Time {
	whole := int64(secs)
	return time.Unix(whole, int64((secs-float64(whole))*1e9))
}
