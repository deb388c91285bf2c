package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
)

type Config struct {
	// Transport selection: mqtt, nats or memory
	Transport string

	// MQTT Configuration
	MQTTBroker   string
	MQTTClientID string
	MQTTUsername string
	MQTTPassword string
	MQTTQoS      int

	// NATS Configuration
	NATSURL string

	// Shared connection behaviour
	ReconnectInterval time.Duration
	ConnectAttempts   int
	PresenceID        string // id used for this process's online/offline presence

	// Topics
	TopicTelemetry string
	TopicCommand   string
	TopicResult    string
	TopicStatus    string
	TopicControl   string
	TopicAlert     string
	TopicPresence  string // per-device, e.g. device/{device_id}/status

	// Device agent
	AgentResultTopic    string
	AgentTelemetryTopic string
	AgentHeartbeat      time.Duration

	// ClickHouse Configuration
	ClickHouseEnabled bool
	ClickHouseAddr    string
	ClickHouseDB      string
	ClickHouseUser    string
	ClickHousePass    string

	// HTTP API
	APIAddr  string
	APIToken string

	// Logging
	LogLevel  string
	LogFormat string
	LogFile   string

	// Alerting
	AlertCooldown      time.Duration
	AlertCheckInterval time.Duration
	AlertHistorySize   int

	// Commands
	CommandTimeout time.Duration // execution limit forwarded to the device
	CommandWait    time.Duration // how long the caller waits for a result
	ScriptTimeout  time.Duration

	// Rules, devices and notification channels file
	ConfigFile string
}

func Load() *Config {
	// Load .env file if it exists
	_ = godotenv.Load()

	return &Config{
		Transport: getEnv("TRANSPORT", "mqtt"),

		// MQTT Configuration
		MQTTBroker:   getEnv("MQTT_BROKER", "tcp://localhost:1883"),
		MQTTClientID: getEnv("MQTT_CLIENT_ID", ""),
		MQTTUsername: getEnv("MQTT_USERNAME", ""),
		MQTTPassword: getEnv("MQTT_PASSWORD", ""),
		MQTTQoS:      getEnvInt("MQTT_QOS", 1),

		// NATS Configuration
		NATSURL: getEnv("NATS_URL", "nats://localhost:4222"),

		ReconnectInterval: getEnvDuration("RECONNECT_INTERVAL", 5*time.Second),
		ConnectAttempts:   getEnvInt("CONNECT_ATTEMPTS", 5),
		PresenceID:        getEnv("PRESENCE_ID", "control-server"),

		// Topics
		TopicTelemetry: getEnv("TOPIC_TELEMETRY", "device/+/data"),
		TopicCommand:   getEnv("TOPIC_COMMAND", "device/{device_id}/command"),
		TopicResult:    getEnv("TOPIC_RESULT", "device/+/result"),
		TopicStatus:    getEnv("TOPIC_STATUS", "device/+/status"),
		TopicControl:   getEnv("TOPIC_CONTROL", "device/{device_id}/control"),
		TopicAlert:     getEnv("TOPIC_ALERT", "alert"),
		TopicPresence:  getEnv("TOPIC_PRESENCE", "device/{device_id}/status"),

		// Device agent
		AgentResultTopic:    getEnv("AGENT_RESULT_TOPIC", "device/{device_id}/result"),
		AgentTelemetryTopic: getEnv("AGENT_TELEMETRY_TOPIC", "device/{device_id}/data"),
		AgentHeartbeat:      getEnvDuration("AGENT_HEARTBEAT_INTERVAL", 60*time.Second),

		// ClickHouse Configuration
		ClickHouseEnabled: getEnvBool("CLICKHOUSE_ENABLED", false),
		ClickHouseAddr:    getEnv("CLICKHOUSE_ADDR", "localhost:9000"),
		ClickHouseDB:      getEnv("CLICKHOUSE_DB", "iot"),
		ClickHouseUser:    getEnv("CLICKHOUSE_USER", "default"),
		ClickHousePass:    getEnv("CLICKHOUSE_PASS", ""),

		// HTTP API
		APIAddr:  getEnv("API_ADDR", ":8080"),
		APIToken: getEnv("API_TOKEN", ""),

		// Logging
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "text"),
		LogFile:   getEnv("LOG_FILE", ""),

		// Alerting
		AlertCooldown:      getEnvDuration("ALERT_COOLDOWN", 300*time.Second),
		AlertCheckInterval: getEnvDuration("ALERT_CHECK_INTERVAL", 5*time.Minute),
		AlertHistorySize:   getEnvInt("ALERT_HISTORY_SIZE", 500),

		// Commands
		CommandTimeout: getEnvDuration("COMMAND_TIMEOUT", 60*time.Second),
		CommandWait:    getEnvDuration("COMMAND_WAIT", 30*time.Second),
		ScriptTimeout:  getEnvDuration("SCRIPT_TIMEOUT", 5*time.Minute),

		ConfigFile: getEnv("CONFIG_FILE", "config.yaml"),
	}
}

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	intValue, err := strconv.Atoi(value)
	if err != nil {
		log.Printf("Warning: failed to parse %s as int, using default: %v", key, err)
		return defaultValue
	}
	return intValue
}

func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	boolValue, err := strconv.ParseBool(value)
	if err != nil {
		log.Printf("Warning: failed to parse %s as bool, using default: %v", key, err)
		return defaultValue
	}
	return boolValue
}

// getEnvDuration accepts Go durations ("90s", "5m") or bare seconds ("300")
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}

	d, err := time.ParseDuration(value)
	if err != nil {
		log.Printf("Warning: failed to parse %s as duration, using default: %v", key, err)
		return defaultValue
	}
	return d
}
