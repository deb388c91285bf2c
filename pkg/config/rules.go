package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"iot-control/internal/models"
)

// FileConfig is the rules, devices and notification channel configuration
// read from the YAML config file.
type FileConfig struct {
	Rules             models.RuleSet                   `mapstructure:"rules"`
	Devices           map[string]models.DeviceConfig   `mapstructure:"devices" validate:"dive"`
	DeviceActivity    map[string]models.DeviceActivity `mapstructure:"device_activity"`
	AdditionalDevices []string                         `mapstructure:"additional_devices"`
	Notifications     NotificationsConfig              `mapstructure:"notifications"`
}

// NotificationsConfig toggles and configures each alert channel
type NotificationsConfig struct {
	LogFile    LogFileChannelConfig    `mapstructure:"log_file"`
	Telegram   TelegramChannelConfig   `mapstructure:"telegram"`
	Email      EmailChannelConfig      `mapstructure:"email"`
	Transport  TransportChannelConfig  `mapstructure:"transport"`
	ClickHouse ClickHouseChannelConfig `mapstructure:"clickhouse"`
}

type LogFileChannelConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Path       string `mapstructure:"path" validate:"required_if=Enabled true"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

type TelegramChannelConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	BotToken string        `mapstructure:"bot_token" validate:"required_if=Enabled true"`
	ChatIDs  []string      `mapstructure:"chat_ids" validate:"required_if=Enabled true"`
	APIURL   string        `mapstructure:"api_url"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type EmailChannelConfig struct {
	Enabled    bool     `mapstructure:"enabled"`
	SMTPServer string   `mapstructure:"smtp_server" validate:"required_if=Enabled true"`
	SMTPPort   int      `mapstructure:"smtp_port" validate:"omitempty,min=1,max=65535"`
	UseTLS     bool     `mapstructure:"use_tls"`
	Username   string   `mapstructure:"username"`
	Password   string   `mapstructure:"password"`
	Sender     string   `mapstructure:"sender" validate:"required_if=Enabled true,omitempty,email"`
	Recipients []string `mapstructure:"recipients" validate:"required_if=Enabled true,dive,email"`
}

type TransportChannelConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Topic   string `mapstructure:"topic"`
}

type ClickHouseChannelConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// MonitoredDevices returns every device the periodic checker covers: the
// device_activity entries, the device rule entries and additional_devices,
// without duplicates.
func (fc *FileConfig) MonitoredDevices() []string {
	seen := make(map[string]bool)
	var devices []string
	add := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			devices = append(devices, id)
		}
	}

	for id := range fc.DeviceActivity {
		add(id)
	}
	for id := range fc.Rules.DeviceRules {
		add(id)
	}
	for _, id := range fc.AdditionalDevices {
		add(id)
	}
	return devices
}

var validate = validator.New()

// LoadFile reads path into a FileConfig. A missing file yields
// DefaultFileConfig; any other read, decode or validation error is returned.
func LoadFile(path string) (*FileConfig, *viper.Viper, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("IOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvironmentVariables(v)

	if err := v.ReadInConfig(); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			log.Warnf("Config: %s not found, using built-in defaults", path)
			fc := DefaultFileConfig()
			applyEnvOverrides(v, fc)
			return fc, nil, nil
		}
		return nil, nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	fc, err := decode(v)
	if err != nil {
		return nil, nil, err
	}

	log.Infof("Config: Loaded %s (%d devices, %d default rules)", path, len(fc.Devices), len(fc.Rules.DefaultRules))
	return fc, v, nil
}

// Watch reloads the file on change and calls onChange with the new
// configuration. Invalid edits are logged and ignored.
func Watch(v *viper.Viper, onChange func(*FileConfig)) {
	if v == nil {
		return
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		if err := v.ReadInConfig(); err != nil {
			log.Errorf("Config: Failed to re-read %s: %v", e.Name, err)
			return
		}
		fc, err := decode(v)
		if err != nil {
			log.Errorf("Config: Ignoring invalid change to %s: %v", e.Name, err)
			return
		}
		log.Infof("Config: Reloaded %s", e.Name)
		onChange(fc)
	})
	v.WatchConfig()
}

func decode(v *viper.Viper) (*FileConfig, error) {
	fc := DefaultFileConfig()
	// sections present in the file replace the defaults wholesale
	if v.IsSet("rules.default_rules") {
		fc.Rules.DefaultRules = nil
	}
	if v.IsSet("rules.type_rules") {
		fc.Rules.TypeRules = nil
	}
	if v.IsSet("rules.type_prefixes") {
		fc.Rules.TypePrefixes = nil
	}
	if v.IsSet("devices") {
		fc.Devices = nil
	}
	if v.IsSet("device_activity") {
		fc.DeviceActivity = nil
	}
	if v.IsSet("additional_devices") {
		fc.AdditionalDevices = nil
	}

	if err := v.Unmarshal(fc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	applyEnvOverrides(v, fc)

	if err := validateFileConfig(fc); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return fc, nil
}

func validateFileConfig(fc *FileConfig) error {
	if err := validate.Struct(fc); err != nil {
		return err
	}
	for id, activity := range fc.DeviceActivity {
		start, end := activity.ActiveHours[0], activity.ActiveHours[1]
		if start < 0 || start > 23 || end < 0 || end > 23 {
			return fmt.Errorf("device_activity.%s: active_hours must be within 0..23", id)
		}
		if activity.ExpectedInterval < 0 {
			return fmt.Errorf("device_activity.%s: expected_interval must not be negative", id)
		}
	}
	return nil
}

// bindEnvironmentVariables binds channel credentials so secrets can stay out of the file
func bindEnvironmentVariables(v *viper.Viper) {
	v.BindEnv("notifications.telegram.bot_token", "TELEGRAM_BOT_TOKEN")
	v.BindEnv("notifications.email.username", "EMAIL_USERNAME")
	v.BindEnv("notifications.email.password", "EMAIL_PASSWORD")
	v.BindEnv("notifications.email.smtp_server", "EMAIL_SMTP_SERVER")
	v.BindEnv("notifications.log_file.path", "ALERT_LOG_FILE")
}

func applyEnvOverrides(v *viper.Viper, fc *FileConfig) {
	if token := v.GetString("notifications.telegram.bot_token"); token != "" {
		fc.Notifications.Telegram.BotToken = token
	}
	if user := v.GetString("notifications.email.username"); user != "" {
		fc.Notifications.Email.Username = user
	}
	if pass := v.GetString("notifications.email.password"); pass != "" {
		fc.Notifications.Email.Password = pass
	}
	if server := v.GetString("notifications.email.smtp_server"); server != "" {
		fc.Notifications.Email.SMTPServer = server
	}
	if path := v.GetString("notifications.log_file.path"); path != "" {
		fc.Notifications.LogFile.Path = path
	}
}

// DefaultFileConfig returns the built-in rules and channel defaults
func DefaultFileConfig() *FileConfig {
	return &FileConfig{
		Rules: models.RuleSet{
			DefaultRules: []models.AlertRule{
				{Name: "temp_high", Field: "temperature", Condition: models.ConditionGreaterThan, Threshold: 30.0, Severity: models.SeverityWarning},
				{Name: "temp_low", Field: "temperature", Condition: models.ConditionLessThan, Threshold: 5.0, Severity: models.SeverityWarning},
				{Name: "humidity_high", Field: "humidity", Condition: models.ConditionGreaterThan, Threshold: 80.0, Severity: models.SeverityWarning},
				{Name: "humidity_low", Field: "humidity", Condition: models.ConditionLessThan, Threshold: 20.0, Severity: models.SeverityWarning},
			},
			TypeRules: map[string][]models.AlertRule{
				"temperature_sensor": {
					{Name: "temp_sensor_high", Field: "temperature", Condition: models.ConditionGreaterThan, Threshold: 28.0, Severity: models.SeverityWarning},
					{Name: "temp_sensor_low", Field: "temperature", Condition: models.ConditionLessThan, Threshold: 10.0, Severity: models.SeverityWarning},
				},
				"environmental_sensor": {
					{Name: "co2_high", Field: "co2", Condition: models.ConditionGreaterThan, Threshold: 1000.0, Severity: models.SeverityWarning},
					{Name: "air_quality_high", Field: "air_quality", Condition: models.ConditionGreaterThan, Threshold: 100.0, Severity: models.SeverityWarning},
				},
			},
			DeviceRules: map[string][]models.AlertRule{},
			DeviceTypes: map[string]string{},
			TypePrefixes: map[string]string{
				"temp_": "temperature_sensor",
				"hum_":  "humidity_sensor",
				"env_":  "environmental_sensor",
			},
		},
		Devices:        map[string]models.DeviceConfig{},
		DeviceActivity: map[string]models.DeviceActivity{},
		Notifications: NotificationsConfig{
			LogFile: LogFileChannelConfig{
				Enabled:    true,
				Path:       "logs/alerts.log",
				MaxSizeMB:  10,
				MaxBackups: 5,
				MaxAgeDays: 30,
			},
			Telegram: TelegramChannelConfig{
				APIURL:  "https://api.telegram.org",
				Timeout: 10 * time.Second,
			},
			Email: EmailChannelConfig{
				SMTPPort: 587,
				UseTLS:   true,
			},
			Transport: TransportChannelConfig{
				Enabled: true,
				Topic:   "alert",
			},
		},
	}
}
