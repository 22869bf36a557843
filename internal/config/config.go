package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Transport TransportConfig `yaml:"transport"`
	Device    DeviceConfig    `yaml:"device"`
	Session   SessionConfig   `yaml:"session"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	History   HistoryConfig   `yaml:"history"`
	API       APIConfig       `yaml:"api"`
	LogLevel  string          `yaml:"log_level"`
	LogFormat string          `yaml:"log_format"` // "text" or "json"
	LogOutput string          `yaml:"log_output"` // "stderr" or a file path
}

// TransportConfig selects how the device link is opened.
type TransportConfig struct {
	Backend    string `yaml:"backend"` // "bluez" or "serial"
	Adapter    string `yaml:"adapter"` // BlueZ adapter id, e.g. hci0
	SerialPort string `yaml:"serial_port"`
	BaudRate   int    `yaml:"baud_rate"`
	BufferSize int    `yaml:"buffer_size"`
}

// DeviceConfig names a device to connect to at startup.
type DeviceConfig struct {
	Address string `yaml:"address"` // empty means wait for a connect command
}

// SessionConfig holds the read and auto-poll settings.
type SessionConfig struct {
	Command      string        `yaml:"command"`
	ReadGrace    time.Duration `yaml:"read_grace"`
	PollInterval time.Duration `yaml:"poll_interval"`
	AutoPoll     bool          `yaml:"auto_poll"`
}

// TelemetryConfig holds the upload settings.
type TelemetryConfig struct {
	Transport   string        `yaml:"transport"` // "http" or "mqtt"
	APIKey      string        `yaml:"api_key"`
	BaseURL     string        `yaml:"base_url"`
	Timeout     time.Duration `yaml:"timeout"`
	MinInterval time.Duration `yaml:"min_interval"` // 0 disables the rate limit
	Breaker     BreakerConfig `yaml:"breaker"`
	MQTT        MQTTConfig    `yaml:"mqtt"`
}

// BreakerConfig tunes the circuit breaker in front of the uploader.
type BreakerConfig struct {
	MaxFailures uint32        `yaml:"max_failures"`
	OpenTimeout time.Duration `yaml:"open_timeout"`
}

// MQTTConfig holds the MQTT publish settings.
type MQTTConfig struct {
	Broker    string `yaml:"broker"`
	ChannelID string `yaml:"channel_id"`
	ClientID  string `yaml:"client_id"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
}

// HistoryConfig holds the local reading log settings.
type HistoryConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Path          string        `yaml:"path"`
	Retention     time.Duration `yaml:"retention"`
	PruneSchedule string        `yaml:"prune_schedule"`
}

// APIConfig holds the local HTTP API settings.
type APIConfig struct {
	Listen string `yaml:"listen"` // empty disables the API
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "sensorlink")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// DefaultHistoryPath returns the default history database path.
func DefaultHistoryPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "history.db"
	}
	return filepath.Join(home, ".local", "share", "sensorlink", "history.db")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Transport: TransportConfig{
			Backend:    "bluez",
			Adapter:    "hci0",
			BaudRate:   9600,
			BufferSize: 1024,
		},
		Session: SessionConfig{
			Command:      "READ\n",
			ReadGrace:    500 * time.Millisecond,
			PollInterval: 5 * time.Second,
		},
		Telemetry: TelemetryConfig{
			Transport:   "http",
			BaseURL:     "https://api.thingspeak.com",
			Timeout:     10 * time.Second,
			Breaker: BreakerConfig{
				MaxFailures: 5,
				OpenTimeout: time.Minute,
			},
			MQTT: MQTTConfig{
				Broker: "tcp://mqtt3.thingspeak.com:1883",
			},
		},
		History: HistoryConfig{
			Enabled:       true,
			Path:          DefaultHistoryPath(),
			Retention:     7 * 24 * time.Hour,
			PruneSchedule: "@every 1h",
		},
		API: APIConfig{
			Listen: "127.0.0.1:8089",
		},
		LogLevel:  "info",
		LogFormat: "text",
		LogOutput: "stderr",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Tilde (~) in history.path and log_output is expanded to
// the user's home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.History.Path = expandTilde(cfg.History.Path)
	cfg.LogOutput = expandTilde(cfg.LogOutput)

	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	switch c.Transport.Backend {
	case "bluez":
	case "serial":
		if c.Transport.BaudRate <= 0 {
			return fmt.Errorf("transport.baud_rate must be > 0")
		}
	default:
		return fmt.Errorf("transport.backend must be \"bluez\" or \"serial\", got %q", c.Transport.Backend)
	}

	if c.Transport.BufferSize <= 0 {
		return fmt.Errorf("transport.buffer_size must be > 0")
	}

	if c.Session.Command == "" {
		return fmt.Errorf("session.command must not be empty")
	}
	if c.Session.ReadGrace < 0 {
		return fmt.Errorf("session.read_grace must not be negative")
	}
	if c.Session.PollInterval <= 0 {
		return fmt.Errorf("session.poll_interval must be > 0")
	}

	if err := c.Telemetry.validate(); err != nil {
		return err
	}
	// Auto-poll uploads once per cycle; a longer spacing would refuse most
	// of them.
	if cycle := c.Session.ReadGrace + c.Session.PollInterval; c.Telemetry.MinInterval > cycle {
		return fmt.Errorf("telemetry.min_interval (%s) must not exceed the auto-poll cycle of read_grace + poll_interval (%s)", c.Telemetry.MinInterval, cycle)
	}

	if c.History.Enabled {
		if c.History.Path == "" {
			return fmt.Errorf("history.path must not be empty when history is enabled")
		}
		if c.History.Retention <= 0 {
			return fmt.Errorf("history.retention must be > 0")
		}
		if c.History.PruneSchedule == "" {
			return fmt.Errorf("history.prune_schedule must not be empty")
		}
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("log_format must be \"text\" or \"json\", got %q", c.LogFormat)
	}

	return nil
}

func (t *TelemetryConfig) validate() error {
	if t.Timeout <= 0 {
		return fmt.Errorf("telemetry.timeout must be > 0")
	}
	if t.MinInterval < 0 {
		return fmt.Errorf("telemetry.min_interval must not be negative")
	}

	switch t.Transport {
	case "http":
		if t.BaseURL == "" {
			return fmt.Errorf("telemetry.base_url must not be empty")
		}
	case "mqtt":
		if t.MQTT.Broker == "" {
			return fmt.Errorf("telemetry.mqtt.broker must not be empty")
		}
		if t.MQTT.ChannelID == "" {
			return fmt.Errorf("telemetry.mqtt.channel_id is required for the mqtt transport")
		}
	default:
		return fmt.Errorf("telemetry.transport must be \"http\" or \"mqtt\", got %q", t.Transport)
	}
	return nil
}

// ParseLogLevel maps a log_level string onto a slog.Level. Unknown values
// fall back to info.
func ParseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

const defaultHeader = `# sensorlink configuration
# Generated on first run. Durations use Go syntax: 500ms, 5s, 1h.
# telemetry.api_key is the ThingSpeak channel write key.
# telemetry.min_interval spaces uploads apart; keep it within one poll cycle.
`

// WriteDefault writes the default config to DefaultConfigPath if no file
// exists there yet. It returns the path written, or "" if a config was
// already present.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}

	// 0600: the file ends up holding the API key.
	if err := os.WriteFile(path, append([]byte(defaultHeader), data...), 0o600); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
