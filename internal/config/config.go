package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full service configuration, loaded from YAML.
type Config struct {
	LogLevel int             `yaml:"log_level"`
	Redis    RedisConfig     `yaml:"redis"`
	Serial   SerialConfig    `yaml:"serial"`
	Cellular CellularConfig  `yaml:"cellular"`
	MQTT     MQTTConfig      `yaml:"mqtt"`
	Battery  BatteryConfig   `yaml:"battery"`
	GPIO     GPIOConfig      `yaml:"gpio"`
	Tracker  TrackerConfig   `yaml:"tracker"`
	Recovery RecoveryConfigs `yaml:"recovery"`
}

type RedisConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

type SerialConfig struct {
	Device           string `yaml:"device"`
	BaudRate         int    `yaml:"baud_rate"`
	ReadTimeoutMs    int    `yaml:"read_timeout_ms"`
	AcquireTimeoutMs int    `yaml:"acquire_timeout_ms"`
}

func (s SerialConfig) ReadTimeout() time.Duration {
	return time.Duration(s.ReadTimeoutMs) * time.Millisecond
}

func (s SerialConfig) AcquireTimeout() time.Duration {
	return time.Duration(s.AcquireTimeoutMs) * time.Millisecond
}

type CellularConfig struct {
	APN      string `yaml:"apn"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	SimPin   string `yaml:"sim_pin"`
}

type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	Port     int    `yaml:"port"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Topic    string `yaml:"topic"`
	QoS      byte   `yaml:"qos"`
}

func (m MQTTConfig) BrokerURL() string {
	return fmt.Sprintf("tcp://%s:%d", m.Broker, m.Port)
}

type BatteryConfig struct {
	I2CBus  int   `yaml:"i2c_bus"`
	Address uint8 `yaml:"address"`
}

type GPIOConfig struct {
	Chip          string `yaml:"chip"`
	PowerKeyLine  int    `yaml:"power_key_line"`
	ResetLine     int    `yaml:"reset_line"`
	StatusLEDLine int    `yaml:"status_led_line"`
}

type TrackerConfig struct {
	DeviceID          string `yaml:"device_id"`
	UpdateIntervalMs  int    `yaml:"update_interval_ms"`
	PublishWithoutFix bool   `yaml:"publish_without_fix"`
	MinSatellites     int    `yaml:"min_satellites"`
}

func (t TrackerConfig) UpdateInterval() time.Duration {
	return time.Duration(t.UpdateIntervalMs) * time.Millisecond
}

// RecoveryConfig holds the health monitoring policy for one subsystem.
type RecoveryConfig struct {
	CheckIntervalMs int `yaml:"check_interval_ms"`
	TimeoutMs       int `yaml:"timeout_ms"`
	MaxRetries      int `yaml:"max_retries"`
}

func (r RecoveryConfig) CheckInterval() time.Duration {
	return time.Duration(r.CheckIntervalMs) * time.Millisecond
}

func (r RecoveryConfig) Timeout() time.Duration {
	return time.Duration(r.TimeoutMs) * time.Millisecond
}

// RecoveryConfigs groups per-subsystem recovery policy plus the global
// switches of the health monitor.
type RecoveryConfigs struct {
	AutoRecovery         bool           `yaml:"auto_recovery"`
	Debug                bool           `yaml:"debug"`
	StalenessThresholdMs int            `yaml:"staleness_threshold_ms"`
	Cellular             RecoveryConfig `yaml:"cellular"`
	GPS                  RecoveryConfig `yaml:"gps"`
	Publisher            RecoveryConfig `yaml:"publisher"`
	Battery              RecoveryConfig `yaml:"battery"`
}

func (r RecoveryConfigs) StalenessThreshold() time.Duration {
	return time.Duration(r.StalenessThresholdMs) * time.Millisecond
}

// Default returns the configuration used when no file is given. The
// recovery values match the tracker's field-tested policy.
func Default() *Config {
	return &Config{
		LogLevel: 3,
		Redis:    RedisConfig{Host: "localhost", Port: 6379},
		Serial: SerialConfig{
			Device:           "/dev/ttyUSB0",
			BaudRate:         115200,
			ReadTimeoutMs:    500,
			AcquireTimeoutMs: 5000,
		},
		Cellular: CellularConfig{APN: "internet"},
		MQTT: MQTTConfig{
			Broker:   "localhost",
			Port:     1883,
			ClientID: "gps-tracker",
			Topic:    "tracker/location",
			QoS:      1,
		},
		Battery: BatteryConfig{I2CBus: 1, Address: 0x36},
		GPIO: GPIOConfig{
			Chip:          "gpiochip0",
			PowerKeyLine:  4,
			ResetLine:     5,
			StatusLEDLine: 6,
		},
		Tracker: TrackerConfig{
			DeviceID:         "GPS_TRACKER_001",
			UpdateIntervalMs: 30000,
			MinSatellites:    4,
		},
		Recovery: RecoveryConfigs{
			AutoRecovery:         true,
			StalenessThresholdMs: 300000,
			Cellular:             RecoveryConfig{CheckIntervalMs: 30000, TimeoutMs: 120000, MaxRetries: 3},
			GPS:                  RecoveryConfig{CheckIntervalMs: 15000, TimeoutMs: 300000, MaxRetries: 2},
			Publisher:            RecoveryConfig{CheckIntervalMs: 10000, TimeoutMs: 30000, MaxRetries: 5},
			Battery:              RecoveryConfig{CheckIntervalMs: 60000, TimeoutMs: 60000, MaxRetries: 3},
		},
	}
}

// Load reads a YAML configuration file on top of the defaults and
// validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
