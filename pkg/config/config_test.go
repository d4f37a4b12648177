package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, DefaultRelays, cfg.Relays.URLs)
	assert.Equal(t, 10*time.Second, cfg.Relays.ConnectTimeout.Std())
	assert.Equal(t, 24*time.Hour, cfg.Fetch.WindowSize.Std())
	assert.Equal(t, 8*time.Second, cfg.Fetch.SilenceTimeout.Std())
	assert.True(t, cfg.Fetch.StopOnEmptyWindow, "early termination on by default")
	assert.Equal(t, "info", cfg.Logging.Level)
	require.NoError(t, cfg.Validate())

	cfg.Relays.URLs[0] = "ws://changed"
	assert.Equal(t, "wss://relay.damus.io", DefaultRelays[0], "defaults are copied")
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "valid config", mutate: func(*Config) {}},
		{name: "no relays", mutate: func(c *Config) { c.Relays.URLs = nil }, wantErr: true},
		{name: "http relay", mutate: func(c *Config) { c.Relays.URLs = []string{"https://relay.example.com"} }, wantErr: true},
		{name: "relay without host", mutate: func(c *Config) { c.Relays.URLs = []string{"wss://"} }, wantErr: true},
		{name: "zero connect timeout", mutate: func(c *Config) { c.Relays.ConnectTimeout = 0 }, wantErr: true},
		{name: "sub-second window", mutate: func(c *Config) { c.Fetch.WindowSize = Duration(time.Millisecond) }, wantErr: true},
		{name: "zero silence timeout", mutate: func(c *Config) { c.Fetch.SilenceTimeout = 0 }, wantErr: true},
		{name: "negative request rate", mutate: func(c *Config) { c.Fetch.RequestsPerSec = -1 }, wantErr: true},
		{name: "negative kind", mutate: func(c *Config) { c.Fetch.Kinds = []int{1, -1} }, wantErr: true},
		{name: "unknown log level", mutate: func(c *Config) { c.Logging.Level = "trace" }, wantErr: true},
		{name: "unknown log format", mutate: func(c *Config) { c.Logging.Format = "xml" }, wantErr: true},
		{name: "json logs", mutate: func(c *Config) { c.Logging.Format = "json" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidConfig)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func newTestLoader(path string, env map[string]string) *Loader {
	l := NewLoader(path)
	l.getenv = func(key string) string { return env[key] }
	return l
}

func TestLoad_File(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "activity.yaml")
	data := `
relays:
  urls:
    - wss://relay.one
    - ws://localhost:7777
  connect_timeout: 3s
fetch:
  window_size: 12h
  silence_timeout: 2s
  stop_on_empty_window: false
  kinds: [1, 6, 7]
  requests_per_sec: 2.5
logging:
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := newTestLoader(path, nil).Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"wss://relay.one", "ws://localhost:7777"}, cfg.Relays.URLs)
	assert.Equal(t, 3*time.Second, cfg.Relays.ConnectTimeout.Std())
	assert.Equal(t, 10*time.Second, cfg.Relays.WriteTimeout.Std(), "unset keys keep defaults")
	assert.Equal(t, 12*time.Hour, cfg.Fetch.WindowSize.Std())
	assert.Equal(t, 2*time.Second, cfg.Fetch.SilenceTimeout.Std())
	assert.False(t, cfg.Fetch.StopOnEmptyWindow)
	assert.Equal(t, []int{1, 6, 7}, cfg.Fetch.Kinds)
	assert.InDelta(t, 2.5, cfg.Fetch.RequestsPerSec, 0.001)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "console", cfg.Logging.Format)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := newTestLoader(filepath.Join(t.TempDir(), "nope.yaml"), nil).Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)

	cfg, err = newTestLoader("", nil).Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoad_BadFile(t *testing.T) {
	tmpDir := t.TempDir()

	badYAML := filepath.Join(tmpDir, "bad.yaml")
	require.NoError(t, os.WriteFile(badYAML, []byte("relays: [unclosed"), 0o644))
	_, err := newTestLoader(badYAML, nil).Load()
	assert.Error(t, err)

	badDuration := filepath.Join(tmpDir, "duration.yaml")
	require.NoError(t, os.WriteFile(badDuration, []byte("fetch:\n  window_size: forever\n"), 0o644))
	_, err = newTestLoader(badDuration, nil).Load()
	assert.Error(t, err)

	invalid := filepath.Join(tmpDir, "invalid.yaml")
	require.NoError(t, os.WriteFile(invalid, []byte("relays:\n  urls: [\"http://x\"]\n"), 0o644))
	_, err = newTestLoader(invalid, nil).Load()
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestLoad_EnvOverrides(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "activity.yaml")
	require.NoError(t, os.WriteFile(path, []byte("fetch:\n  window_size: 12h\n"), 0o644))

	cfg, err := newTestLoader(path, map[string]string{
		"ACTIVITY_RELAYS":               "wss://a.example, wss://b.example,",
		"ACTIVITY_WINDOW_SIZE":          "6h",
		"ACTIVITY_SILENCE_TIMEOUT":      "1500ms",
		"ACTIVITY_CONNECT_TIMEOUT":      "4s",
		"ACTIVITY_STOP_ON_EMPTY_WINDOW": "false",
		"ACTIVITY_REQ_PER_SEC":          "5",
		"ACTIVITY_LOG_LEVEL":            "WARN",
		"ACTIVITY_LOG_FORMAT":           "json",
	}).Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"wss://a.example", "wss://b.example"}, cfg.Relays.URLs)
	assert.Equal(t, 6*time.Hour, cfg.Fetch.WindowSize.Std(), "environment wins over file")
	assert.Equal(t, 1500*time.Millisecond, cfg.Fetch.SilenceTimeout.Std())
	assert.Equal(t, 4*time.Second, cfg.Relays.ConnectTimeout.Std())
	assert.False(t, cfg.Fetch.StopOnEmptyWindow)
	assert.InDelta(t, 5.0, cfg.Fetch.RequestsPerSec, 0.001)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoad_BadEnv(t *testing.T) {
	for key, val := range map[string]string{
		"ACTIVITY_WINDOW_SIZE":          "daily",
		"ACTIVITY_STOP_ON_EMPTY_WINDOW": "maybe",
		"ACTIVITY_REQ_PER_SEC":          "fast",
	} {
		t.Run(key, func(t *testing.T) {
			_, err := newTestLoader("", map[string]string{key: val}).Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), key)
		})
	}
}

func TestNewLoader_ReadsProcessEnv(t *testing.T) {
	t.Setenv("ACTIVITY_LOG_LEVEL", "debug")
	cfg, err := NewLoader("").Load()
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestDuration_YAMLRoundTrip(t *testing.T) {
	out, err := yaml.Marshal(DefaultConfig())
	require.NoError(t, err)
	assert.Contains(t, string(out), "window_size: 24h0m0s")

	var cfg Config
	require.NoError(t, yaml.Unmarshal(out, &cfg))
	assert.Equal(t, DefaultConfig(), &cfg)
}
