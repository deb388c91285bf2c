package dispatcher

import (
	"context"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cast"

	"iot-control/internal/models"
)

// Outcome is what a handler reports for a successful action
type Outcome struct {
	State      string         // new device state; empty leaves it unchanged
	Reported   string         // state returned to the caller when it differs from State
	Parameters map[string]any // effective parameters after coercion
	Details    map[string]any
	Async      bool // work continues after Handle returns
}

// Handler implements the actions of one device capability
type Handler interface {
	Handle(ctx context.Context, deviceID, action string, device models.DeviceConfig, params map[string]any) (Outcome, error)
}

// SwitchHandler drives binary on/off devices such as relays
type SwitchHandler struct{}

func (SwitchHandler) Handle(_ context.Context, _, action string, _ models.DeviceConfig, _ map[string]any) (Outcome, error) {
	switch action {
	case "on", "off":
		return Outcome{State: action}, nil
	default:
		return Outcome{}, fmt.Errorf("%w: relay does not support %q", ErrUnsupportedAction, action)
	}
}

// ActuatorHandler drives variable devices such as fans (speed) and lights
// (brightness, optionally color). Levels are clamped to 0..100.
type ActuatorHandler struct {
	Kind       string
	LevelParam string
	AllowColor bool
}

func (h ActuatorHandler) Handle(_ context.Context, _, action string, _ models.DeviceConfig, params map[string]any) (Outcome, error) {
	switch action {
	case "on":
		level := 100
		if raw, ok := params[h.LevelParam]; ok {
			l, err := toLevel(raw)
			if err != nil {
				return Outcome{}, fmt.Errorf("invalid %s: %w", h.LevelParam, err)
			}
			level = l
		}
		return Outcome{State: "on", Parameters: map[string]any{h.LevelParam: level}}, nil

	case "off":
		return Outcome{State: "off"}, nil

	case "adjust":
		effective := make(map[string]any)
		if raw, ok := params[h.LevelParam]; ok {
			l, err := toLevel(raw)
			if err != nil {
				return Outcome{}, fmt.Errorf("invalid %s: %w", h.LevelParam, err)
			}
			effective[h.LevelParam] = l
		}
		if h.AllowColor {
			if color, ok := params["color"]; ok {
				effective["color"] = cast.ToString(color)
			}
		}
		if len(effective) == 0 {
			want := h.LevelParam
			if h.AllowColor {
				want += " or color"
			}
			return Outcome{}, fmt.Errorf("%w: adjusting a %s requires %s", ErrMissingParameter, h.Kind, want)
		}
		return Outcome{Reported: "adjusted", Parameters: effective}, nil

	default:
		return Outcome{}, fmt.Errorf("%w: %s does not support %q", ErrUnsupportedAction, h.Kind, action)
	}
}

func toLevel(raw any) (int, error) {
	f, err := cast.ToFloat64E(raw)
	if err != nil {
		return 0, err
	}
	switch {
	case f < 0:
		return 0, nil
	case f > 100:
		return 100, nil
	}
	return int(f), nil
}

// SpeechHandler drives output devices that speak text
type SpeechHandler struct{}

func (SpeechHandler) Handle(_ context.Context, _, action string, _ models.DeviceConfig, params map[string]any) (Outcome, error) {
	if action != "speak" {
		return Outcome{}, fmt.Errorf("%w: speaker does not support %q", ErrUnsupportedAction, action)
	}

	text := strings.TrimSpace(cast.ToString(params["text"]))
	if text == "" {
		return Outcome{}, fmt.Errorf("%w: speak requires text", ErrMissingParameter)
	}

	volume := 80
	if raw, ok := params["volume"]; ok {
		v, err := toLevel(raw)
		if err != nil {
			return Outcome{}, fmt.Errorf("invalid volume: %w", err)
		}
		volume = v
	}
	language := cast.ToString(params["language"])
	if language == "" {
		language = "en"
	}

	return Outcome{Parameters: map[string]any{"text": text, "volume": volume, "language": language}}, nil
}

// ScriptRunner executes an external program
type ScriptRunner func(ctx context.Context, path string, args []string) ([]byte, error)

// ExecRunner runs path with args and returns the combined output
func ExecRunner(ctx context.Context, path string, args []string) ([]byte, error) {
	return exec.CommandContext(ctx, path, args...).CombinedOutput()
}

// ScriptHandler runs the device's script on its own goroutine and returns
// immediately. Every action is accepted; the script decides what it means.
type ScriptHandler struct {
	Run     ScriptRunner
	Timeout time.Duration

	wg sync.WaitGroup
}

func (h *ScriptHandler) Handle(_ context.Context, deviceID, action string, device models.DeviceConfig, params map[string]any) (Outcome, error) {
	if device.ScriptPath == "" {
		return Outcome{}, fmt.Errorf("%w: custom device %s has no script_path", ErrMissingParameter, deviceID)
	}

	args := ScriptArgs(deviceID, action, params)
	run := h.Run
	if run == nil {
		run = ExecRunner
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()

		// detached from the caller, which has already returned
		ctx, cancel := context.WithTimeout(context.Background(), h.Timeout)
		defer cancel()

		output, err := run(ctx, device.ScriptPath, args)
		if err != nil {
			log.Errorf("Dispatcher: Script %s for %s failed: %v (output: %s)", device.ScriptPath, deviceID, err, strings.TrimSpace(string(output)))
			return
		}
		log.Infof("Dispatcher: Script %s for %s finished: %s", device.ScriptPath, deviceID, strings.TrimSpace(string(output)))
	}()

	return Outcome{Async: true}, nil
}

// Wait blocks until every started script has finished
func (h *ScriptHandler) Wait() {
	h.wg.Wait()
}

// ScriptArgs builds "--device id --action a --key value ..." with keys sorted
func ScriptArgs(deviceID, action string, params map[string]any) []string {
	args := []string{"--device", deviceID, "--action", action}

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		args = append(args, "--"+k, cast.ToString(params[k]))
	}
	return args
}
