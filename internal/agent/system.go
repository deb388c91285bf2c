package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

// SystemCollector reports uptime, memory, CPU usage and CPU temperature.
// Metrics that cannot be read are left out and their errors returned together.
func SystemCollector(ctx context.Context) (map[string]any, error) {
	fields := make(map[string]any)
	var errs *multierror.Error

	if uptime, err := host.UptimeWithContext(ctx); err == nil {
		fields["uptime"] = uptime
	} else {
		errs = multierror.Append(errs, fmt.Errorf("uptime: %w", err))
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		fields["memory_total_mb"] = vm.Total / (1024 * 1024)
		fields["memory_used_mb"] = vm.Used / (1024 * 1024)
		fields["memory_usage"] = vm.UsedPercent
	} else {
		errs = multierror.Append(errs, fmt.Errorf("memory: %w", err))
	}

	if percent, err := cpu.PercentWithContext(ctx, 200*time.Millisecond, false); err == nil && len(percent) > 0 {
		fields["cpu_usage"] = percent[0]
	} else if err != nil {
		errs = multierror.Append(errs, fmt.Errorf("cpu: %w", err))
	}

	if temp, ok := cpuTemperature(ctx); ok {
		fields["cpu_temperature"] = temp
	}

	return fields, errs.ErrorOrNil()
}

// cpuTemperature prefers a cpu/soc sensor and falls back to the first reading
func cpuTemperature(ctx context.Context) (float64, bool) {
	// readings come back alongside warnings for unreadable sensors
	sensors, _ := host.SensorsTemperaturesWithContext(ctx)
	if len(sensors) == 0 {
		return 0, false
	}
	for _, s := range sensors {
		key := strings.ToLower(s.SensorKey)
		if strings.Contains(key, "cpu") || strings.Contains(key, "soc") || strings.Contains(key, "coretemp") {
			return s.Temperature, true
		}
	}
	return sensors[0].Temperature, true
}
