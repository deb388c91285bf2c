package notify

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"

	"iot-control/internal/models"
)

const logLineTimeFormat = "2006-01-02 15:04:05"

// LogFileChannel appends one line per alert to a rotated file
type LogFileChannel struct {
	mu sync.Mutex
	w  io.WriteCloser
}

// LogFileOptions configures rotation of the alert log
type LogFileOptions struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// NewLogFileChannel creates the channel; lumberjack creates the file and its directory on first write
func NewLogFileChannel(opts LogFileOptions) *LogFileChannel {
	return &LogFileChannel{w: &lumberjack.Logger{
		Filename:   opts.Path,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
	}}
}

func (c *LogFileChannel) Name() string { return "logfile" }

func (c *LogFileChannel) Send(_ context.Context, event *models.AlertEvent) error {
	line := FormatLogLine(event)

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := io.WriteString(c.w, line); err != nil {
		return fmt.Errorf("failed to write alert log: %w", err)
	}
	return nil
}

// Close closes the underlying file
func (c *LogFileChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.w.Close()
}

// FormatLogLine renders "[timestamp] [SEVERITY] device: <id>, rule: <name>, message: <text>"
func FormatLogLine(event *models.AlertEvent) string {
	return fmt.Sprintf("[%s] [%s] device: %s, rule: %s, message: %s\n",
		event.Timestamp.Format(logLineTimeFormat),
		strings.ToUpper(string(event.Severity)),
		event.DeviceID,
		event.RuleName,
		event.Message,
	)
}
