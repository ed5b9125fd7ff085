// Package config loads and validates the coordinator configuration.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/classmesh/classmesh/internal/otel"
)

// RetentionConfig bounds how long persisted records are kept.
type RetentionConfig struct {
	// AuditLogDays prunes audit rows older than this. 0 keeps forever.
	AuditLogDays int `yaml:"audit_log_days"`
	// SweepSchedule is a cron expression for the prune job.
	SweepSchedule string `yaml:"sweep_schedule"`
}

// Config is the coordinator configuration, read once at startup from
// config.yaml under the home directory.
type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`

	// RouteTimeoutSeconds bounds one delivery to a target agent.
	RouteTimeoutSeconds int `yaml:"route_timeout_seconds"`

	// HealthIntervalSeconds is the health monitor cadence.
	HealthIntervalSeconds int `yaml:"health_interval_seconds"`

	// MaxConcurrentRoutes caps in-flight gateway routing requests.
	// 0 means unbounded.
	MaxConcurrentRoutes int `yaml:"max_concurrent_routes"`

	// DBPath overrides the sqlite location. Empty uses homeDir/classmesh.db.
	DBPath string `yaml:"db_path"`

	// EthicsPolicyPath overrides the review policy file location.
	// Empty uses homeDir/ethics.yaml.
	EthicsPolicyPath string `yaml:"ethics_policy_path"`

	// AllowOrigins controls which Origin headers are accepted for browser WS
	// connections. Empty means local-only.
	AllowOrigins []string `yaml:"allow_origins"`

	Retention RetentionConfig `yaml:"retention"`
	OTel      otel.Config     `yaml:"otel"`
	Roster    Roster          `yaml:"roster"`

	NeedsGenesis bool `yaml:"-"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// DBPathOrDefault resolves the sqlite path.
func (c Config) DBPathOrDefault() string {
	if c.DBPath != "" {
		return c.DBPath
	}
	return filepath.Join(c.HomeDir, "classmesh.db")
}

// EthicsPolicyPathOrDefault resolves the review policy path.
func (c Config) EthicsPolicyPathOrDefault() string {
	if c.EthicsPolicyPath != "" {
		return c.EthicsPolicyPath
	}
	return filepath.Join(c.HomeDir, "ethics.yaml")
}

// RouteTimeout returns the delivery timeout as a duration.
func (c Config) RouteTimeout() time.Duration {
	return time.Duration(c.RouteTimeoutSeconds) * time.Second
}

// HealthInterval returns the monitor cadence as a duration.
func (c Config) HealthInterval() time.Duration {
	return time.Duration(c.HealthIntervalSeconds) * time.Second
}

// Fingerprint returns a stable hash of the active config.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|route_timeout=%d|health=%d|max_routes=%d|retention=%d|origins=%v",
		c.BindAddr, c.LogLevel, c.RouteTimeoutSeconds, c.HealthIntervalSeconds,
		c.MaxConcurrentRoutes, c.Retention.AuditLogDays, c.AllowOrigins)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		BindAddr:              "127.0.0.1:18650",
		LogLevel:              "info",
		RouteTimeoutSeconds:   30,
		HealthIntervalSeconds: 30,
		Retention: RetentionConfig{
			AuditLogDays:  365,
			SweepSchedule: "0 3 * * *",
		},
		Roster: StarterRoster(),
	}
}

// HomeDir resolves the coordinator home, honoring the CLASSMESH_HOME
// override.
func HomeDir() string {
	if override := os.Getenv("CLASSMESH_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".classmesh")
}

// Load reads, validates, and normalizes the configuration. A missing
// config.yaml yields defaults and marks NeedsGenesis.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom is Load rooted at an explicit home directory.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create classmesh home: %w", err)
	}

	configPath := ConfigPath(cfg.HomeDir)
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := validateSchema(data); err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := cfg.Roster.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18650"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.RouteTimeoutSeconds <= 0 {
		cfg.RouteTimeoutSeconds = 30
	}
	if cfg.HealthIntervalSeconds <= 0 {
		cfg.HealthIntervalSeconds = 30
	}
	if cfg.MaxConcurrentRoutes < 0 {
		cfg.MaxConcurrentRoutes = 0
	}
	if cfg.Retention.AuditLogDays < 0 {
		cfg.Retention.AuditLogDays = 0
	}
	if cfg.Retention.SweepSchedule == "" {
		cfg.Retention.SweepSchedule = "0 3 * * *"
	}
	if cfg.Roster.Empty() {
		cfg.Roster = StarterRoster()
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("CLASSMESH_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("CLASSMESH_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("CLASSMESH_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("CLASSMESH_ROUTE_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.RouteTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("CLASSMESH_HEALTH_INTERVAL_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.HealthIntervalSeconds = v
		}
	}
	if raw := os.Getenv("CLASSMESH_MAX_CONCURRENT_ROUTES"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.MaxConcurrentRoutes = v
		}
	}
}
