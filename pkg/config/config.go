// Package config loads the fetcher configuration from a YAML file and the
// environment.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "ACTIVITY_"

// DefaultRelays is the pool queried when no relay is configured.
var DefaultRelays = []string{
	"wss://relay.damus.io",
	"wss://nos.lol",
	"wss://relay.nostr.band",
}

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// Duration is a time.Duration written as "8s", "24h" in YAML.
type Duration time.Duration

// UnmarshalYAML parses a Go duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML writes the duration string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the whole configuration file.
type Config struct {
	Relays  RelaysConfig  `yaml:"relays"`
	Fetch   FetchConfig   `yaml:"fetch"`
	Logging LoggingConfig `yaml:"logging"`
}

// RelaysConfig selects the relays and bounds connection setup.
type RelaysConfig struct {
	URLs           []string `yaml:"urls"`
	ConnectTimeout Duration `yaml:"connect_timeout"`
	WriteTimeout   Duration `yaml:"write_timeout"`
}

// FetchConfig controls the windowed scan.
type FetchConfig struct {
	WindowSize        Duration `yaml:"window_size"`
	SilenceTimeout    Duration `yaml:"silence_timeout"`
	StopOnEmptyWindow bool     `yaml:"stop_on_empty_window"`
	Kinds             []int    `yaml:"kinds,omitempty"`
	// RequestsPerSec paces REQs across all relays. 0 disables pacing.
	RequestsPerSec float64 `yaml:"requests_per_sec"`
}

// LoggingConfig selects the log level and encoding.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	return &Config{
		Relays: RelaysConfig{
			URLs:           append([]string(nil), DefaultRelays...),
			ConnectTimeout: Duration(10 * time.Second),
			WriteTimeout:   Duration(10 * time.Second),
		},
		Fetch: FetchConfig{
			WindowSize:        Duration(24 * time.Hour),
			SilenceTimeout:    Duration(8 * time.Second),
			StopOnEmptyWindow: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Loader reads a Config from a file and the environment.
type Loader struct {
	path   string
	getenv func(string) string
}

// NewLoader creates a loader for path. An empty path skips the file.
func NewLoader(path string) *Loader {
	return &Loader{path: path, getenv: os.Getenv}
}

// Load returns the defaults overlaid with the file, then the environment.
// A missing file is not an error.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.path != "" {
		data, err := os.ReadFile(l.path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file %s: %w", l.path, err)
			}
		}
	}

	if err := l.applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (l *Loader) applyEnv(cfg *Config) error {
	env := func(key string) string {
		return strings.TrimSpace(l.getenv(EnvPrefix + key))
	}

	if val := env("RELAYS"); val != "" {
		cfg.Relays.URLs = splitList(val)
	}
	for key, dst := range map[string]*Duration{
		"WINDOW_SIZE":     &cfg.Fetch.WindowSize,
		"SILENCE_TIMEOUT": &cfg.Fetch.SilenceTimeout,
		"CONNECT_TIMEOUT": &cfg.Relays.ConnectTimeout,
	} {
		val := env(key)
		if val == "" {
			continue
		}
		parsed, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
		}
		*dst = Duration(parsed)
	}
	if val := env("STOP_ON_EMPTY_WINDOW"); val != "" {
		parsed, err := strconv.ParseBool(val)
		if err != nil {
			return fmt.Errorf("%sSTOP_ON_EMPTY_WINDOW: %w", EnvPrefix, err)
		}
		cfg.Fetch.StopOnEmptyWindow = parsed
	}
	if val := env("REQ_PER_SEC"); val != "" {
		parsed, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return fmt.Errorf("%sREQ_PER_SEC: %w", EnvPrefix, err)
		}
		cfg.Fetch.RequestsPerSec = parsed
	}
	if val := env("LOG_LEVEL"); val != "" {
		cfg.Logging.Level = strings.ToLower(val)
	}
	if val := env("LOG_FORMAT"); val != "" {
		cfg.Logging.Format = strings.ToLower(val)
	}
	return nil
}

// Validate validates configuration
func (c *Config) Validate() error {
	if len(c.Relays.URLs) == 0 {
		return fmt.Errorf("%w: at least one relay url is required", ErrInvalidConfig)
	}
	for _, u := range c.Relays.URLs {
		parsed, err := url.Parse(u)
		if err != nil || (parsed.Scheme != "ws" && parsed.Scheme != "wss") || parsed.Host == "" {
			return fmt.Errorf("%w: relay url %q must be ws:// or wss://", ErrInvalidConfig, u)
		}
	}
	if c.Relays.ConnectTimeout.Std() <= 0 {
		return fmt.Errorf("%w: connect_timeout must be positive", ErrInvalidConfig)
	}
	if c.Relays.WriteTimeout.Std() < 0 {
		return fmt.Errorf("%w: write_timeout must not be negative", ErrInvalidConfig)
	}
	if c.Fetch.WindowSize.Std() < time.Second {
		return fmt.Errorf("%w: window_size must be at least 1s", ErrInvalidConfig)
	}
	if c.Fetch.SilenceTimeout.Std() <= 0 {
		return fmt.Errorf("%w: silence_timeout must be positive", ErrInvalidConfig)
	}
	if c.Fetch.RequestsPerSec < 0 {
		return fmt.Errorf("%w: requests_per_sec must not be negative", ErrInvalidConfig)
	}
	for _, k := range c.Fetch.Kinds {
		if k < 0 || k > 65535 {
			return fmt.Errorf("%w: kind %d out of range", ErrInvalidConfig, k)
		}
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: unknown log level %q", ErrInvalidConfig, c.Logging.Level)
	}
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("%w: unknown log format %q", ErrInvalidConfig, c.Logging.Format)
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
