package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// Policy constants. These are the defaults for the lifecycle timers and can
// be overridden per deployment.
const (
	DefaultRelayPort            = 5103
	DefaultMaxAttempts          = 10
	DefaultRetryDelay           = 5 * time.Second
	DefaultHeartbeatInterval    = 30 * time.Second
	DefaultRefreshInterval      = 10 * time.Minute
	DefaultCredentialRetryDelay = 10 * time.Second
	DefaultFetchTimeout         = 10 * time.Second
	DefaultStartupDelay         = 1 * time.Second
)

type Config struct {
	Bridge  BridgeConfig  `yaml:"bridge"`
	Relay   RelayConfig   `yaml:"relay"`
	Logging LoggingConfig `yaml:"logging"`
}

type BridgeConfig struct {
	RelayURL    string `yaml:"relay_url"`
	PageURL     string `yaml:"page_url"`
	SessionPath string `yaml:"session_path"`
	ClientName  string `yaml:"client_name"`
	// Cookie is sent verbatim as the Cookie header in HTTP mode.
	Cookie string `yaml:"cookie"`

	StartupDelay         time.Duration `yaml:"startup_delay"`
	FetchTimeout         time.Duration `yaml:"fetch_timeout"`
	MaxAttempts          int           `yaml:"max_attempts"`
	RetryDelay           time.Duration `yaml:"retry_delay"`
	HeartbeatInterval    time.Duration `yaml:"heartbeat_interval"`
	RefreshInterval      time.Duration `yaml:"refresh_interval"`
	CredentialRetryDelay time.Duration `yaml:"credential_retry_delay"`
	// PingInterval enables WebSocket protocol pings on the relay
	// connection; zero leaves liveness to the heartbeat frames.
	PingInterval time.Duration `yaml:"ping_interval"`

	DesktopNotifications bool          `yaml:"desktop_notifications"`
	Browser              BrowserConfig `yaml:"browser"`
}

type BrowserConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Headless    bool   `yaml:"headless"`
	UserDataDir string `yaml:"user_data_dir"`
}

type RelayConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	AuthToken      string        `yaml:"auth_token"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	MaxConnections int           `yaml:"max_connections"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	// TokenRate bounds POST /api/token requests per second; zero disables
	// the limit.
	TokenRate  float64 `yaml:"token_rate"`
	TokenBurst int     `yaml:"token_burst"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// SessionURL joins the page origin with the session path.
func (b BridgeConfig) SessionURL() string {
	return strings.TrimRight(b.PageURL, "/") + "/" + strings.TrimLeft(b.SessionPath, "/")
}

// Validate reports configuration that cannot work at all.
func (c *Config) Validate() error {
	var errs []error
	if c.Bridge.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("bridge.max_attempts must be >= 1, got %d", c.Bridge.MaxAttempts))
	}
	for name, d := range map[string]time.Duration{
		"bridge.retry_delay":            c.Bridge.RetryDelay,
		"bridge.heartbeat_interval":     c.Bridge.HeartbeatInterval,
		"bridge.refresh_interval":       c.Bridge.RefreshInterval,
		"bridge.credential_retry_delay": c.Bridge.CredentialRetryDelay,
		"bridge.fetch_timeout":          c.Bridge.FetchTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	if c.Relay.Port <= 0 || c.Relay.Port > 65535 {
		errs = append(errs, fmt.Errorf("relay.port out of range: %d", c.Relay.Port))
	}
	return errors.Join(errs...)
}

// SlogLevel maps the configured level name onto slog. Unknown names fall
// back to info.
func (l LoggingConfig) SlogLevel() slog.Level {
	switch strings.ToLower(l.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func defaultConfig() *Config {
	return &Config{
		Bridge: BridgeConfig{
			RelayURL:             fmt.Sprintf("ws://localhost:%d/ws", DefaultRelayPort),
			PageURL:              "https://chatgpt.com",
			SessionPath:          "/api/auth/session",
			ClientName:           "tokenbridge",
			StartupDelay:         DefaultStartupDelay,
			FetchTimeout:         DefaultFetchTimeout,
			MaxAttempts:          DefaultMaxAttempts,
			RetryDelay:           DefaultRetryDelay,
			HeartbeatInterval:    DefaultHeartbeatInterval,
			RefreshInterval:      DefaultRefreshInterval,
			CredentialRetryDelay: DefaultCredentialRetryDelay,
		},
		Relay: RelayConfig{
			Host:         "localhost",
			Port:         DefaultRelayPort,
			PingInterval: 0,
			TokenRate:    5,
			TokenBurst:   10,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Default returns the built-in configuration.
func Default() *Config {
	return defaultConfig()
}

// Load reads the file at path over the defaults. Files ending in .json or
// .jsonc may carry comments and trailing commas.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		data = jsonc.ToJSON(data)
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefault is Load, except that an empty path or a missing file yields
// the defaults.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		return defaultConfig(), nil
	}
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return defaultConfig(), nil
	}
	return cfg, err
}
