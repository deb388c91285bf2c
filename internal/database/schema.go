package database

// SQL schemas for all ClickHouse tables

const (
	// TelemetryTableSQL creates the telemetry table; payload keeps the raw snapshot
	TelemetryTableSQL = `
		CREATE TABLE IF NOT EXISTS telemetry (
			timestamp DateTime64(3),
			device_id String,
			metrics Map(String, Float64),
			payload String
		) ENGINE = MergeTree()
		ORDER BY (device_id, timestamp)
		PARTITION BY toYYYYMM(timestamp)
	`

	// AlertEventsTableSQL creates the alert_events table
	AlertEventsTableSQL = `
		CREATE TABLE IF NOT EXISTS alert_events (
			timestamp DateTime64(3),
			id String,
			device_id String,
			rule String,
			severity LowCardinality(String),
			message String,
			data String
		) ENGINE = MergeTree()
		ORDER BY (device_id, timestamp)
		PARTITION BY toYYYYMM(timestamp)
	`

	// CommandLogTableSQL creates the command_log table
	CommandLogTableSQL = `
		CREATE TABLE IF NOT EXISTS command_log (
			timestamp DateTime64(3),
			command_id String,
			device_id String,
			command String,
			timeout_seconds UInt32,
			success Bool,
			output String,
			error String
		) ENGINE = MergeTree()
		ORDER BY (device_id, timestamp)
		PARTITION BY toYYYYMM(timestamp)
	`

	// DeviceStatusTableSQL creates the device_status table
	DeviceStatusTableSQL = `
		CREATE TABLE IF NOT EXISTS device_status (
			device_id String,
			status LowCardinality(String),
			ip_address String,
			hostname String,
			last_seen DateTime64(3)
		) ENGINE = ReplacingMergeTree(last_seen)
		ORDER BY device_id
	`
)

// AllTables returns all table creation SQL statements
func AllTables() []string {
	return []string{
		TelemetryTableSQL,
		AlertEventsTableSQL,
		CommandLogTableSQL,
		DeviceStatusTableSQL,
	}
}
