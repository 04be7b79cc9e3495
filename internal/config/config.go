// ABOUTME: Configuration loading and parsing for the mcpm router daemon
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete router daemon configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Router    RouterConfig    `yaml:"router"`
	Auth      AuthConfig      `yaml:"auth"`
	Database  DatabaseConfig  `yaml:"database"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Tailscale TailscaleConfig `yaml:"tailscale"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds listener configuration
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// PIDFile is where the daemon records its pid for `mcpm-router off`.
	PIDFile string `yaml:"pid_file"`
}

// Addr returns the host:port the HTTP listener binds.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// RouterConfig holds dispatch and swap tuning
type RouterConfig struct {
	MaxPending int `yaml:"max_pending"`

	CallTimeout        time.Duration `yaml:"-"`
	SwapTimeout        time.Duration `yaml:"-"`
	DrainGrace         time.Duration `yaml:"-"`
	PingInterval       time.Duration `yaml:"-"`
	PingTimeout        time.Duration `yaml:"-"`
	SessionIdleTimeout time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	CallTimeoutRaw        string `yaml:"call_timeout"`
	SwapTimeoutRaw        string `yaml:"swap_timeout"`
	DrainGraceRaw         string `yaml:"drain_grace"`
	PingIntervalRaw       string `yaml:"ping_interval"`
	PingTimeoutRaw        string `yaml:"ping_timeout"`
	SessionIdleTimeoutRaw string `yaml:"session_idle_timeout"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	// ShareKey protects the MCP endpoint via the ?s=<key> query parameter.
	ShareKey string `yaml:"share_key"`

	// JWTSecret enables bearer token auth on the MCP and control endpoints.
	JWTSecret string `yaml:"jwt_secret"`

	RequireAuth bool `yaml:"require_auth"`
}

// DatabaseConfig holds history database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`

	Retention    time.Duration `yaml:"-"`
	RetentionRaw string        `yaml:"retention"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// TailscaleConfig holds Tailscale tsnet configuration for sharing the
// router beyond localhost
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultConfigDir returns the mcpm configuration directory.
// Priority: MCPM_CONFIG_DIR > XDG_CONFIG_HOME/mcpm > ~/.config/mcpm.
func DefaultConfigDir() string {
	if dir := os.Getenv("MCPM_CONFIG_DIR"); dir != "" {
		return dir
	}
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ".mcpm"
		}
		configDir = filepath.Join(home, ".config")
	}
	return filepath.Join(configDir, "mcpm")
}

// DefaultConfigPath returns the router config file location. MCPM_CONFIG
// overrides the whole path.
func DefaultConfigPath() string {
	if path := os.Getenv("MCPM_CONFIG"); path != "" {
		return path
	}
	return filepath.Join(DefaultConfigDir(), "router.yaml")
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	dir := DefaultConfigDir()
	return &Config{
		Server: ServerConfig{
			Host:    "127.0.0.1",
			Port:    6276,
			PIDFile: filepath.Join(dir, "router.pid"),
		},
		Router: RouterConfig{
			MaxPending:         256,
			CallTimeout:        30 * time.Second,
			SwapTimeout:        60 * time.Second,
			DrainGrace:         10 * time.Second,
			PingInterval:       30 * time.Second,
			PingTimeout:        10 * time.Second,
			SessionIdleTimeout: 30 * time.Minute,
		},
		Database: DatabaseConfig{
			Path:      filepath.Join(dir, "router.db"),
			Retention: 7 * 24 * time.Hour,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a configuration file from the given path and returns a parsed
// Config layered over the defaults. Environment variables in the format
// ${VAR_NAME} are expanded. Duration strings are parsed into time.Duration
// values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expandedData), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault loads the file when it exists and falls back to defaults
// when it does not.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Default(), nil
	}
	return Load(path)
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled {
		if c.Server.Host == "" {
			return fmt.Errorf("server.host is required (or enable tailscale)")
		}
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			return fmt.Errorf("server.port must be between 1 and 65535")
		}
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Auth.RequireAuth && c.Auth.ShareKey == "" && c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.share_key or auth.jwt_secret is required when require_auth is set")
	}

	if c.Router.MaxPending < 0 {
		return fmt.Errorf("router.max_pending must not be negative")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		raw  string
		dst  *time.Duration
		name string
	}{
		{cfg.Router.CallTimeoutRaw, &cfg.Router.CallTimeout, "call_timeout"},
		{cfg.Router.SwapTimeoutRaw, &cfg.Router.SwapTimeout, "swap_timeout"},
		{cfg.Router.DrainGraceRaw, &cfg.Router.DrainGrace, "drain_grace"},
		{cfg.Router.PingIntervalRaw, &cfg.Router.PingInterval, "ping_interval"},
		{cfg.Router.PingTimeoutRaw, &cfg.Router.PingTimeout, "ping_timeout"},
		{cfg.Router.SessionIdleTimeoutRaw, &cfg.Router.SessionIdleTimeout, "session_idle_timeout"},
		{cfg.Database.RetentionRaw, &cfg.Database.Retention, "retention"},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}

// Save writes the config back to disk, creating parent directories.
// Used by the CLI for `set` and `init`.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	// Persist durations as strings.
	c.Router.CallTimeoutRaw = c.Router.CallTimeout.String()
	c.Router.SwapTimeoutRaw = c.Router.SwapTimeout.String()
	c.Router.DrainGraceRaw = c.Router.DrainGrace.String()
	c.Router.PingIntervalRaw = c.Router.PingInterval.String()
	c.Router.PingTimeoutRaw = c.Router.PingTimeout.String()
	c.Router.SessionIdleTimeoutRaw = c.Router.SessionIdleTimeout.String()
	c.Database.RetentionRaw = c.Database.Retention.String()

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}
