package retrace

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config holds the capture and inspection settings shared by the library,
// the CLI, and the server. Values are resolved in layers: defaults, then an
// optional YAML file, then RETRACE_* environment variables. Keys absent from
// a layer keep the value from the layer below.
type Config struct {

	// Enabled toggles trace capture. When false, collectors discard all
	// writes while replay of existing traces keeps working.
	Enabled bool `yaml:"enabled" env:"RETRACE_ENABLED"`

	// CheckpointInterval is the step cadence for full state snapshots.
	CheckpointInterval int `yaml:"checkpoint_interval" env:"RETRACE_CHECKPOINT_INTERVAL"`

	// IgnoreKeys lists top-level state keys excluded from deltas. Setting
	// the environment variable replaces the whole list.
	IgnoreKeys []string `yaml:"ignore_keys" env:"RETRACE_IGNORE_KEYS" envSeparator:","`

	// DatabasePath locates the SQLite trace database.
	DatabasePath string `yaml:"database_path" env:"RETRACE_DATABASE_PATH"`

	// EventLogDirectory enables per-run JSONL event logs when non-empty.
	EventLogDirectory string `yaml:"event_log_directory" env:"RETRACE_EVENT_LOG_DIRECTORY"`

	// Host and Port define the inspection server listen address.
	Host string `yaml:"host" env:"RETRACE_HOST"`
	Port int    `yaml:"port" env:"RETRACE_PORT"`

	// LogLevel is one of "debug", "info", "warn", or "error".
	LogLevel string `yaml:"log_level" env:"RETRACE_LOG_LEVEL"`

	// LogFormat is "text" or "json".
	LogFormat string `yaml:"log_format" env:"RETRACE_LOG_FORMAT"`
}

// DefaultConfig returns the configuration used when no file or environment
// overrides are present.
func DefaultConfig() Config {
	return Config{
		Enabled:            true,
		CheckpointInterval: DefaultCheckpointInterval,
		IgnoreKeys:         append([]string{}, DefaultIgnoreKeys...),
		DatabasePath:       filepath.Join(".retrace", "trace.db"),
		Host:               "127.0.0.1",
		Port:               6274,
		LogLevel:           "info",
		LogFormat:          "text",
	}
}

// LoadConfigFile reads a YAML configuration file and overlays it on the
// defaults.
func LoadConfigFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}
	return LoadConfigYAML(data)
}

// LoadConfigYAML parses YAML configuration data and overlays it on the
// defaults.
func LoadConfigYAML(data []byte) (Config, error) {
	config := DefaultConfig()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return Config{}, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := config.Validate(); err != nil {
		return Config{}, err
	}
	return config, nil
}

// LoadConfig resolves the effective configuration: defaults, then the YAML
// file at path, then environment variables. An empty path skips the file
// layer; a non-empty path that cannot be read is an error.
func LoadConfig(path string) (Config, error) {
	config := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &config); err != nil {
			return Config{}, fmt.Errorf("failed to parse config file: %w", err)
		}
	}
	if err := env.Parse(&config); err != nil {
		return Config{}, fmt.Errorf("failed to parse environment: %w", err)
	}
	if err := config.Validate(); err != nil {
		return Config{}, err
	}
	return config, nil
}

// Validate confirms the configuration is usable.
func (c *Config) Validate() error {
	if c.CheckpointInterval < 1 {
		return fmt.Errorf("checkpoint interval must be at least 1 (got %d)", c.CheckpointInterval)
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535 (got %d)", c.Port)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log level must be debug, info, warn, or error (got %q)", c.LogLevel)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("log format must be text or json (got %q)", c.LogFormat)
	}
	return nil
}

// ServerAddress returns the host:port the inspection server listens on.
func (c *Config) ServerAddress() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Logger builds a logger matching the configured level and format.
func (c *Config) Logger() *slog.Logger {
	level := parseLogLevel(c.LogLevel)
	if c.LogFormat == "json" {
		return NewJSONLogger(level)
	}
	return NewLogger(level)
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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
