// Package config loads and validates the license registry configuration using
// Viper.
//
// Configuration is layered: built-in defaults < YAML config file < environment
// variables. Environment variables use the LR_ prefix (e.g., LR_STORE_BACKEND
// overrides store.backend in the YAML). This layering allows the same binary
// to run with a config.yaml in local development and with pure environment
// variables in containerized deployments — no recompilation or different
// binaries needed.
//
// The admin JWT secret is deliberately NOT part of this struct; it is read
// from LR_JWT_SECRET by internal/auth at startup so the signing secret never
// travels through config files or config dumps.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Store     StoreConfig     `mapstructure:"store"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Security  SecurityConfig  `mapstructure:"security"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Jobs      JobsConfig      `mapstructure:"jobs"`
	Audit     AuditConfig     `mapstructure:"audit"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	PublicURL    string        `mapstructure:"public_url"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// GetAddress returns the host:port the HTTP server listens on.
func (s *ServerConfig) GetAddress() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// StoreConfig selects and configures the record-store backend.
type StoreConfig struct {
	// Backend is "mongo" or "file".
	Backend string           `mapstructure:"backend"`
	Mongo   MongoStoreConfig `mapstructure:"mongo"`
	File    FileStoreConfig  `mapstructure:"file"`
}

// MongoStoreConfig holds MongoDB connection settings.
type MongoStoreConfig struct {
	URI      string `mapstructure:"uri"`
	Database string `mapstructure:"database"`
}

// FileStoreConfig holds flat-file store settings.
type FileStoreConfig struct {
	Path string `mapstructure:"path"`
}

// AuthConfig holds authentication configuration.
type AuthConfig struct {
	// APISecret is the shared bearer secret for privileged endpoints.
	APISecret string `mapstructure:"api_secret"`
	// APISecretHash is an optional bcrypt hash of the shared secret; when
	// set it takes precedence over APISecret so the plaintext never has to
	// appear in the environment.
	APISecretHash string `mapstructure:"api_secret_hash"`
	// OwnerDiscordID is the single Discord account granted owner sessions.
	OwnerDiscordID string `mapstructure:"owner_discord_id"`
	// SessionTTL bounds how long an owner session token stays valid.
	SessionTTL time.Duration `mapstructure:"session_ttl"`
	Discord    DiscordConfig `mapstructure:"discord"`
}

// DiscordConfig holds the Discord OAuth application settings used to mint
// owner sessions.
type DiscordConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	RedirectURL  string `mapstructure:"redirect_url"`
	// DashboardURL is where the callback redirects with the minted session
	// token appended as admin_token.
	DashboardURL string `mapstructure:"dashboard_url"`
}

// SecurityConfig holds request-hardening configuration.
type SecurityConfig struct {
	RateLimiting RateLimitingConfig `mapstructure:"rate_limiting"`
}

// RateLimitingConfig holds the per-client token-bucket settings.
type RateLimitingConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	RequestsPerMinute int  `mapstructure:"requests_per_minute"`
	Burst             int  `mapstructure:"burst"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// TelemetryConfig holds observability configuration
type TelemetryConfig struct {
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// MetricsConfig holds Prometheus metrics configuration
type MetricsConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	PrometheusPort int  `mapstructure:"prometheus_port"`
}

// JobsConfig holds background job configuration.
type JobsConfig struct {
	ExpiryPurge ExpiryPurgeConfig `mapstructure:"expiry_purge"`
}

// ExpiryPurgeConfig controls the optional expired-key purge job. Reads
// evaluate expiry lazily, so the purge is purely a housekeeping optimisation
// and ships disabled.
type ExpiryPurgeConfig struct {
	Enabled         bool `mapstructure:"enabled"`
	IntervalMinutes int  `mapstructure:"interval_minutes"`
}

// AuditConfig holds audit-trail configuration. Entries always land in the
// record store when enabled; the webhook and file shippers are additional,
// independent destinations.
type AuditConfig struct {
	Enabled bool               `mapstructure:"enabled"`
	Webhook AuditWebhookConfig `mapstructure:"webhook"`
	File    AuditFileConfig    `mapstructure:"file"`
}

// AuditWebhookConfig pushes each audit entry to an HTTP endpoint, typically a
// Discord webhook watched by the issuing team.
type AuditWebhookConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// AuditFileConfig appends audit entries to a local JSON-lines file with
// size-based rotation.
type AuditFileConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

// bindEnvVars explicitly binds environment variables to config keys.
// This is necessary because AutomaticEnv() doesn't work well with nested
// structs during Unmarshal. viper.BindEnv only errors when called with zero
// keys; since every key here is a non-empty hardcoded string, any error
// indicates a programming bug and is surfaced to the caller.
func bindEnvVars(v *viper.Viper) error {
	keys := []string{
		// Server
		"server.host",
		"server.port",
		"server.public_url",
		"server.read_timeout",
		"server.write_timeout",

		// Store
		"store.backend",
		"store.mongo.uri",
		"store.mongo.database",
		"store.file.path",

		// Auth
		"auth.api_secret",
		"auth.api_secret_hash",
		"auth.owner_discord_id",
		"auth.session_ttl",
		"auth.discord.enabled",
		"auth.discord.client_id",
		"auth.discord.client_secret",
		"auth.discord.redirect_url",
		"auth.discord.dashboard_url",

		// Security
		"security.rate_limiting.enabled",
		"security.rate_limiting.requests_per_minute",
		"security.rate_limiting.burst",

		// Logging
		"logging.level",
		"logging.format",

		// Telemetry
		"telemetry.metrics.enabled",
		"telemetry.metrics.prometheus_port",

		// Jobs
		"jobs.expiry_purge.enabled",
		"jobs.expiry_purge.interval_minutes",

		// Audit
		"audit.enabled",
		"audit.webhook.enabled",
		"audit.webhook.url",
		"audit.webhook.timeout",
		"audit.file.enabled",
		"audit.file.path",
		"audit.file.max_size_mb",
		"audit.file.max_backups",
	}
	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			return fmt.Errorf("failed to bind env var %q: %w", key, err)
		}
	}
	return nil
}

// setDefaults installs the built-in defaults, the lowest-priority layer.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")

	v.SetDefault("store.backend", "file")
	v.SetDefault("store.mongo.database", "licenses")
	v.SetDefault("store.file.path", "data/licenses.json")

	v.SetDefault("auth.session_ttl", "12h")
	v.SetDefault("auth.discord.enabled", false)

	v.SetDefault("security.rate_limiting.enabled", true)
	v.SetDefault("security.rate_limiting.requests_per_minute", 200)
	v.SetDefault("security.rate_limiting.burst", 50)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("telemetry.metrics.enabled", true)
	v.SetDefault("telemetry.metrics.prometheus_port", 9090)

	v.SetDefault("jobs.expiry_purge.enabled", false)
	v.SetDefault("jobs.expiry_purge.interval_minutes", 60)

	v.SetDefault("audit.enabled", true)
	v.SetDefault("audit.webhook.enabled", false)
	v.SetDefault("audit.webhook.timeout", "10s")
	v.SetDefault("audit.file.enabled", false)
	v.SetDefault("audit.file.path", "data/audit.log")
	v.SetDefault("audit.file.max_size_mb", 50)
	v.SetDefault("audit.file.max_backups", 3)
}

// newViper builds a viper instance with defaults and file lookup paths
// shared by Load and Watch.
func newViper(configPath string) *viper.Viper {
	v := viper.New()
	setDefaults(v)
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// Look for config.yaml in common locations
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/license-registry")
	}
	return v
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := newViper(configPath)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found; use defaults and environment variables
	}

	v.SetEnvPrefix("LR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicitly bind environment variables for nested structures
	if err := bindEnvVars(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Watch re-reads the config file on change and hands the re-validated result
// to onChange. Only settings that are safe to change at runtime (currently
// the log level and format) should be re-applied by the callback; backend
// selection and listen addresses are fixed for the process lifetime.
func Watch(configPath string, onChange func(*Config)) {
	v := newViper(configPath)
	if err := v.ReadInConfig(); err != nil {
		// No file to watch; nothing to do.
		return
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		var cfg Config
		if err := v.Unmarshal(&cfg); err != nil {
			slog.Warn("ignoring config change: unmarshal failed", "file", e.Name, "error", err)
			return
		}
		if err := cfg.Validate(); err != nil {
			slog.Warn("ignoring config change: validation failed", "file", e.Name, "error", err)
			return
		}
		slog.Info("configuration file changed", "file", e.Name)
		if onChange != nil {
			onChange(&cfg)
		}
	})
	v.WatchConfig()
}

// Validate checks cross-field constraints that Unmarshal cannot express.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "mongo":
		if c.Store.Mongo.URI == "" {
			return errors.New("store.backend is 'mongo' but store.mongo.uri is not set (LR_STORE_MONGO_URI)")
		}
	case "file":
		if c.Store.File.Path == "" {
			return errors.New("store.backend is 'file' but store.file.path is not set")
		}
	default:
		return fmt.Errorf("unsupported store.backend %q (must be 'mongo' or 'file')", c.Store.Backend)
	}

	if c.Auth.APISecret == "" && c.Auth.APISecretHash == "" {
		return errors.New("auth.api_secret (LR_AUTH_API_SECRET) or auth.api_secret_hash must be set")
	}

	if c.Auth.Discord.Enabled {
		if c.Auth.Discord.ClientID == "" || c.Auth.Discord.ClientSecret == "" {
			return errors.New("auth.discord.enabled requires client_id and client_secret")
		}
		if c.Auth.OwnerDiscordID == "" {
			return errors.New("auth.discord.enabled requires auth.owner_discord_id")
		}
	}

	if c.Security.RateLimiting.Enabled {
		if c.Security.RateLimiting.RequestsPerMinute <= 0 {
			return errors.New("security.rate_limiting.requests_per_minute must be positive")
		}
		if c.Security.RateLimiting.Burst <= 0 {
			return errors.New("security.rate_limiting.burst must be positive")
		}
	}

	if c.Audit.Webhook.Enabled && c.Audit.Webhook.URL == "" {
		return errors.New("audit.webhook.enabled requires audit.webhook.url")
	}
	if c.Audit.File.Enabled && c.Audit.File.Path == "" {
		return errors.New("audit.file.enabled requires audit.file.path")
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}

	return nil
}
