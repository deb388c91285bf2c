package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cast"

	"iot-control/internal/models"
)

type ClickHouseDB struct {
	conn driver.Conn
}

// NewClickHouseDB creates a new ClickHouse database connection
func NewClickHouseDB(addr, database, username, password string) (*ClickHouseDB, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: database,
			Username: username,
			Password: password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout: 5 * time.Second,
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})

	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	if err := conn.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	log.Printf("Connected to ClickHouse at %s", addr)

	db := &ClickHouseDB{conn: conn}

	// Initialize schema
	if err := db.InitSchema(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return db, nil
}

// InitSchema creates the necessary tables if they don't exist
func (db *ClickHouseDB) InitSchema(ctx context.Context) error {
	for _, tableSQL := range AllTables() {
		if err := db.conn.Exec(ctx, tableSQL); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	log.Println("Database schema initialized successfully")
	return nil
}

// SaveTelemetry saves a telemetry snapshot; numeric fields are also stored in the metrics map
func (db *ClickHouseDB) SaveTelemetry(ctx context.Context, t *models.Telemetry) error {
	payload, err := json.Marshal(t.Fields)
	if err != nil {
		return fmt.Errorf("failed to marshal telemetry payload: %w", err)
	}

	query := `
		INSERT INTO telemetry (timestamp, device_id, metrics, payload)
		VALUES (?, ?, ?, ?)
	`

	err = db.conn.Exec(ctx, query,
		t.Timestamp,
		t.DeviceID,
		NumericFields(t.Fields),
		string(payload),
	)

	if err != nil {
		return fmt.Errorf("failed to insert telemetry: %w", err)
	}

	return nil
}

// SaveAlertEvent saves a triggered alert
func (db *ClickHouseDB) SaveAlertEvent(ctx context.Context, event *models.AlertEvent) error {
	data, err := json.Marshal(event.Data)
	if err != nil {
		return fmt.Errorf("failed to marshal alert data: %w", err)
	}

	query := `
		INSERT INTO alert_events (timestamp, id, device_id, rule, severity, message, data)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	err = db.conn.Exec(ctx, query,
		event.Timestamp,
		event.ID,
		event.DeviceID,
		event.RuleName,
		string(event.Severity),
		event.Message,
		string(data),
	)

	if err != nil {
		return fmt.Errorf("failed to insert alert event: %w", err)
	}

	return nil
}

// SaveCommandResult records a command and its final result
func (db *ClickHouseDB) SaveCommandResult(ctx context.Context, req *models.CommandRequest, result *models.CommandResult) error {
	ts := result.Timestamp.Time
	if ts.IsZero() {
		ts = time.Now()
	}

	query := `
		INSERT INTO command_log (timestamp, command_id, device_id, command, timeout_seconds, success, output, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	err := db.conn.Exec(ctx, query,
		ts,
		req.CommandID,
		req.DeviceID,
		req.Command,
		uint32(req.Timeout/time.Second),
		result.Success,
		result.Output,
		result.Error,
	)

	if err != nil {
		return fmt.Errorf("failed to insert command result: %w", err)
	}

	return nil
}

// UpsertDeviceStatus inserts or updates the latest presence of a device
func (db *ClickHouseDB) UpsertDeviceStatus(ctx context.Context, status *models.DeviceStatus) error {
	lastSeen := status.Timestamp.Time
	if lastSeen.IsZero() {
		lastSeen = time.Now()
	}

	query := `
		INSERT INTO device_status (device_id, status, ip_address, hostname, last_seen)
		VALUES (?, ?, ?, ?, ?)
	`

	err := db.conn.Exec(ctx, query,
		status.DeviceID,
		status.Status,
		status.IPAddress,
		status.Hostname,
		lastSeen,
	)

	if err != nil {
		return fmt.Errorf("failed to upsert device status: %w", err)
	}

	return nil
}

// LatestTelemetry returns the most recent snapshot of a device. ok is false
// when the device has no stored telemetry.
func (db *ClickHouseDB) LatestTelemetry(ctx context.Context, deviceID string) (map[string]any, time.Time, bool, error) {
	query := `
		SELECT timestamp, payload
		FROM telemetry
		WHERE device_id = ?
		ORDER BY timestamp DESC
		LIMIT 1
	`

	rows, err := db.conn.Query(ctx, query, deviceID)
	if err != nil {
		return nil, time.Time{}, false, fmt.Errorf("failed to query latest telemetry: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, time.Time{}, false, rows.Err()
	}

	var (
		timestamp time.Time
		payload   string
	)
	if err := rows.Scan(&timestamp, &payload); err != nil {
		return nil, time.Time{}, false, fmt.Errorf("failed to scan latest telemetry: %w", err)
	}

	var fields map[string]any
	if err := json.Unmarshal([]byte(payload), &fields); err != nil {
		return nil, time.Time{}, false, fmt.Errorf("failed to decode stored telemetry: %w", err)
	}

	return fields, timestamp, true, nil
}

// Close closes the database connection
func (db *ClickHouseDB) Close() error {
	return db.conn.Close()
}

// NumericFields extracts the values of fields that convert to float64.
// Booleans and non-numeric strings are left out.
func NumericFields(fields map[string]any) map[string]float64 {
	out := make(map[string]float64)
	for k, v := range fields {
		switch v.(type) {
		case bool, nil:
			continue
		}
		f, err := cast.ToFloat64E(v)
		if err != nil {
			continue
		}
		out[k] = f
	}
	return out
}
