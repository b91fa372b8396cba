package retrace

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	require.True(t, config.Enabled)
	require.Equal(t, DefaultCheckpointInterval, config.CheckpointInterval)
	require.Equal(t, DefaultIgnoreKeys, config.IgnoreKeys)
	require.Equal(t, filepath.Join(".retrace", "trace.db"), config.DatabasePath)
	require.Equal(t, "127.0.0.1", config.Host)
	require.Equal(t, 6274, config.Port)
	require.Equal(t, "info", config.LogLevel)
	require.Equal(t, "text", config.LogFormat)
	require.NoError(t, config.Validate())

	// The default ignore list is a copy, not an alias of the package var.
	config.IgnoreKeys[0] = "mutated"
	require.NotEqual(t, "mutated", DefaultIgnoreKeys[0])
}

func TestLoadConfigYAML(t *testing.T) {
	t.Run("partial file keeps defaults", func(t *testing.T) {
		config, err := LoadConfigYAML([]byte(`
checkpoint_interval: 25
database_path: /tmp/traces.db
`))
		require.NoError(t, err)
		require.Equal(t, 25, config.CheckpointInterval)
		require.Equal(t, "/tmp/traces.db", config.DatabasePath)
		require.True(t, config.Enabled)
		require.Equal(t, "127.0.0.1", config.Host)
		require.Equal(t, DefaultIgnoreKeys, config.IgnoreKeys)
	})

	t.Run("explicit empty ignore list disables ignores", func(t *testing.T) {
		config, err := LoadConfigYAML([]byte("ignore_keys: []\n"))
		require.NoError(t, err)
		require.Empty(t, config.IgnoreKeys)
	})

	t.Run("disable capture", func(t *testing.T) {
		config, err := LoadConfigYAML([]byte("enabled: false\n"))
		require.NoError(t, err)
		require.False(t, config.Enabled)
	})

	t.Run("malformed yaml", func(t *testing.T) {
		_, err := LoadConfigYAML([]byte("checkpoint_interval: [not an int\n"))
		require.Error(t, err)
		require.Contains(t, err.Error(), "failed to parse config file")
	})
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "retrace.yaml")
	content := `
enabled: true
checkpoint_interval: 5
ignore_keys:
  - timestamp
  - scratch
host: 0.0.0.0
port: 8080
log_format: json
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	config, err := LoadConfigFile(path)
	require.NoError(t, err)
	require.Equal(t, 5, config.CheckpointInterval)
	require.Equal(t, []string{"timestamp", "scratch"}, config.IgnoreKeys)
	require.Equal(t, "0.0.0.0:8080", config.ServerAddress())
	require.Equal(t, "json", config.LogFormat)

	_, err = LoadConfigFile(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "failed to read config file")
}

func TestLoadConfigEnvironmentOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "retrace.yaml")
	require.NoError(t, os.WriteFile(path, []byte("checkpoint_interval: 25\nport: 8080\n"), 0644))

	t.Setenv("RETRACE_CHECKPOINT_INTERVAL", "3")
	t.Setenv("RETRACE_ENABLED", "false")
	t.Setenv("RETRACE_IGNORE_KEYS", "temp,scratch")

	config, err := LoadConfig(path)
	require.NoError(t, err)

	// Environment wins over the file, which wins over defaults.
	require.Equal(t, 3, config.CheckpointInterval)
	require.False(t, config.Enabled)
	require.Equal(t, []string{"temp", "scratch"}, config.IgnoreKeys)
	require.Equal(t, 8080, config.Port)
	require.Equal(t, "127.0.0.1", config.Host)
}

func TestLoadConfigWithoutFile(t *testing.T) {
	t.Setenv("RETRACE_PORT", "9000")

	config, err := LoadConfig("")
	require.NoError(t, err)
	require.Equal(t, 9000, config.Port)
	require.Equal(t, DefaultCheckpointInterval, config.CheckpointInterval)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{
			name:    "zero checkpoint interval",
			modify:  func(c *Config) { c.CheckpointInterval = 0 },
			wantErr: "checkpoint interval",
		},
		{
			name:    "negative port",
			modify:  func(c *Config) { c.Port = -1 },
			wantErr: "port",
		},
		{
			name:    "port too large",
			modify:  func(c *Config) { c.Port = 70000 },
			wantErr: "port",
		},
		{
			name:    "unknown log level",
			modify:  func(c *Config) { c.LogLevel = "verbose" },
			wantErr: "log level",
		},
		{
			name:    "unknown log format",
			modify:  func(c *Config) { c.LogFormat = "xml" },
			wantErr: "log format",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			tt.modify(&config)
			err := config.Validate()
			require.Error(t, err)
			require.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfigLogger(t *testing.T) {
	config := DefaultConfig()
	require.NotNil(t, config.Logger())

	config.LogFormat = "json"
	config.LogLevel = "debug"
	logger := config.Logger()
	require.NotNil(t, logger)
	require.True(t, logger.Enabled(context.Background(), slog.LevelDebug))
}
