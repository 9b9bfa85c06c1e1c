// ABOUTME: Configuration loading and parsing for forum-auth
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the environment variable holding the config path.
const EnvConfigPath = "FORUM_AUTH_CONFIG"

// Config represents the complete forum-auth configuration
type Config struct {
	Server   ServerConfig   `yaml:"server" toml:"server"`
	Database DatabaseConfig `yaml:"database" toml:"database"`
	Redis    RedisConfig    `yaml:"redis" toml:"redis"`
	WebAuthn WebAuthnConfig `yaml:"webauthn" toml:"webauthn"`
	Ceremony CeremonyConfig `yaml:"ceremony" toml:"ceremony"`
	Sessions SessionsConfig `yaml:"sessions" toml:"sessions"`
	Events   EventsConfig   `yaml:"events" toml:"events"`
	Logging  LoggingConfig  `yaml:"logging" toml:"logging"`
}

// ServerConfig holds the HTTP listener configuration
type ServerConfig struct {
	HTTPAddr        string        `yaml:"http_addr" toml:"http_addr"`
	ShutdownTimeout time.Duration `yaml:"-" toml:"-"`

	ShutdownTimeoutRaw string `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// RedisConfig configures the expiring key-value store. An empty URL selects
// the in-process store, which only suits a single instance.
type RedisConfig struct {
	URL       string `yaml:"url" toml:"url"`
	KeyPrefix string `yaml:"key_prefix" toml:"key_prefix"`
}

// WebAuthnConfig pins the relying party. RPID and RPOrigins are derived
// from BaseURL when left empty.
type WebAuthnConfig struct {
	RPID          string   `yaml:"rp_id" toml:"rp_id"`
	RPDisplayName string   `yaml:"rp_display_name" toml:"rp_display_name"`
	RPOrigins     []string `yaml:"rp_origins" toml:"rp_origins"`
	BaseURL       string   `yaml:"base_url" toml:"base_url"`
}

// CeremonyConfig holds ceremony timing
type CeremonyConfig struct {
	ChallengeTTL time.Duration `yaml:"-" toml:"-"`

	ChallengeTTLRaw string `yaml:"challenge_ttl" toml:"challenge_ttl"`
}

// SessionsConfig holds session lifetimes per privilege tier
type SessionsConfig struct {
	UserTTL  time.Duration `yaml:"-" toml:"-"`
	AdminTTL time.Duration `yaml:"-" toml:"-"`

	UserTTLRaw  string `yaml:"user_ttl" toml:"user_ttl"`
	AdminTTLRaw string `yaml:"admin_ttl" toml:"admin_ttl"`
}

// EventsConfig controls security event publishing. Events go to a Redis
// stream, so they need redis.url.
type EventsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Topic   string `yaml:"topic" toml:"topic"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Default returns a configuration that runs a local development instance.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	// Defaults are known-good durations.
	_ = parseDurations(cfg)
	return cfg
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Files ending in .toml are parsed as TOML, everything else as YAML.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expandedData, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	applyDefaults(&cfg)

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// ResolvePath picks the config file to load: the explicit flag value, then
// $FORUM_AUTH_CONFIG, then $XDG_CONFIG_HOME/forum-auth/config.yaml.
func ResolvePath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	return filepath.Join(configHome(), "forum-auth", "config.yaml")
}

func configHome() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return xdg
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config")
}

func dataHome() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return xdg
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".local", "share")
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

func applyDefaults(cfg *Config) {
	if cfg.Server.HTTPAddr == "" {
		cfg.Server.HTTPAddr = "127.0.0.1:8787"
	}
	if cfg.Server.ShutdownTimeoutRaw == "" {
		cfg.Server.ShutdownTimeoutRaw = "5s"
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = filepath.Join(dataHome(), "forum-auth", "auth.db")
	} else if strings.HasPrefix(cfg.Database.Path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			cfg.Database.Path = filepath.Join(home, cfg.Database.Path[2:])
		}
	}
	if cfg.Redis.KeyPrefix == "" {
		cfg.Redis.KeyPrefix = "forum:"
	}
	if cfg.WebAuthn.RPDisplayName == "" {
		cfg.WebAuthn.RPDisplayName = "Forum"
	}
	if cfg.Ceremony.ChallengeTTLRaw == "" {
		cfg.Ceremony.ChallengeTTLRaw = "5m"
	}
	if cfg.Sessions.UserTTLRaw == "" {
		cfg.Sessions.UserTTLRaw = "24h"
	}
	if cfg.Sessions.AdminTTLRaw == "" {
		cfg.Sessions.AdminTTLRaw = "1h"
	}
	if cfg.Events.Topic == "" {
		cfg.Events.Topic = "forum.auth.security"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Redis.URL != "" {
		u, err := url.Parse(c.Redis.URL)
		if err != nil || (u.Scheme != "redis" && u.Scheme != "rediss" && u.Scheme != "unix") {
			return fmt.Errorf("redis.url must be a redis://, rediss:// or unix:// URL")
		}
	}
	if c.Events.Enabled && c.Redis.URL == "" {
		return fmt.Errorf("events.enabled requires redis.url")
	}

	for _, origin := range c.WebAuthn.RPOrigins {
		u, err := url.Parse(origin)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("webauthn.rp_origins: %q is not an origin", origin)
		}
		if u.Path != "" && u.Path != "/" {
			return fmt.Errorf("webauthn.rp_origins: %q must not have a path", origin)
		}
	}

	durations := []struct {
		name  string
		value time.Duration
	}{
		{"server.shutdown_timeout", c.Server.ShutdownTimeout},
		{"ceremony.challenge_ttl", c.Ceremony.ChallengeTTL},
		{"sessions.user_ttl", c.Sessions.UserTTL},
		{"sessions.admin_ttl", c.Sessions.AdminTTL},
	}
	for _, d := range durations {
		if d.value <= 0 {
			return fmt.Errorf("%s must be positive", d.name)
		}
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format %q must be text or json", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"shutdown_timeout", cfg.Server.ShutdownTimeoutRaw, &cfg.Server.ShutdownTimeout},
		{"challenge_ttl", cfg.Ceremony.ChallengeTTLRaw, &cfg.Ceremony.ChallengeTTL},
		{"user_ttl", cfg.Sessions.UserTTLRaw, &cfg.Sessions.UserTTL},
		{"admin_ttl", cfg.Sessions.AdminTTLRaw, &cfg.Sessions.AdminTTL},
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
