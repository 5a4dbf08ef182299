package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Encryption  EncryptionConfig  `yaml:"encryption"`
	Logging     LoggingConfig     `yaml:"logging"`
	Scrape      ScrapeConfig      `yaml:"scrape"`
	Catalog     CatalogConfig     `yaml:"catalog"`
	Security    SecurityConfig    `yaml:"security"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	Backup      BackupConfig      `yaml:"backup"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port               int    `yaml:"port"`
	BasePath           string `yaml:"base_path"`
	RateLimitPerMinute int    `yaml:"rate_limit_per_minute"`
	AuthMaxFailures    int    `yaml:"auth_max_failures"`
}

// DatabaseConfig holds SQLite settings.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// EncryptionConfig holds encryption key settings. KeyFile defaults to
// encryption.key next to the database.
type EncryptionConfig struct {
	Key     string `yaml:"key"`
	KeyFile string `yaml:"key_file"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level          string `yaml:"level"`
	Format         string `yaml:"format"`
	FilePath       string `yaml:"file_path"`
	FileMaxSizeMB  int    `yaml:"file_max_size_mb"`
	FileMaxFiles   int    `yaml:"file_max_files"`
	FileMaxAgeDays int    `yaml:"file_max_age_days"`
}

// ScrapeConfig controls the shop scrape scheduler.
type ScrapeConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Interval    time.Duration `yaml:"interval"`
	BatchSize   int           `yaml:"batch_size"`
	HTTPTimeout time.Duration `yaml:"http_timeout"`
	LockTTL     time.Duration `yaml:"lock_ttl"`
	UserAgent   string        `yaml:"user_agent"`
}

// CatalogConfig controls the extension store lookups.
type CatalogConfig struct {
	BaseURL       string        `yaml:"base_url"`
	RatePerSecond float64       `yaml:"rate_per_second"`
	CacheTTL      time.Duration `yaml:"cache_ttl"`
	CacheSize     int           `yaml:"cache_size"`
}

// SecurityConfig feeds the security checker.
type SecurityConfig struct {
	MinimumPatchedVersion string `yaml:"minimum_patched_version"`
}

// MaintenanceConfig controls periodic housekeeping. A zero retention keeps
// history forever.
type MaintenanceConfig struct {
	Interval              time.Duration `yaml:"interval"`
	ChangelogRetention    time.Duration `yaml:"changelog_retention"`
	NotificationRetention time.Duration `yaml:"notification_retention"`
}

// BackupConfig controls scheduled database snapshots. Dir defaults to a
// backups directory next to the database.
type BackupConfig struct {
	Dir        string        `yaml:"dir"`
	Interval   time.Duration `yaml:"interval"`
	Retention  int           `yaml:"retention"`
	MaxAgeDays int           `yaml:"max_age_days"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:               8080,
			BasePath:           "/",
			RateLimitPerMinute: 120,
			AuthMaxFailures:    10,
		},
		Database: DatabaseConfig{
			Path: "/data/shopmon.db",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Scrape: ScrapeConfig{
			Enabled:     true,
			Interval:    time.Hour,
			BatchSize:   10,
			HTTPTimeout: 30 * time.Second,
			LockTTL:     5 * time.Minute,
			UserAgent:   "Shopmon/1.0",
		},
		Catalog: CatalogConfig{
			BaseURL:       "https://api.shopware.com",
			RatePerSecond: 2,
			CacheTTL:      time.Hour,
			CacheSize:     2048,
		},
		Security: SecurityConfig{
			MinimumPatchedVersion: "6.5.8.8",
		},
		Maintenance: MaintenanceConfig{
			Interval:              24 * time.Hour,
			ChangelogRetention:    365 * 24 * time.Hour,
			NotificationRetention: 30 * 24 * time.Hour,
		},
		Backup: BackupConfig{
			Interval:  24 * time.Hour,
			Retention: 7,
		},
	}
}

// Load reads config from a YAML file (if it exists) and overrides with
// environment variables. Environment variables take precedence.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.loadFromFile(path); err != nil {
			return nil, fmt.Errorf("loading config file: %w", err)
		}
	}

	cfg.loadFromEnv()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: operator-supplied config path
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, c)
}

func (c *Config) loadFromEnv() {
	if v := os.Getenv("SM_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("SM_BASE_PATH"); v != "" {
		c.Server.BasePath = v
	}
	if v := os.Getenv("SM_DB_PATH"); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv("SM_ENCRYPTION_KEY"); v != "" {
		c.Encryption.Key = v
	}
	if v := os.Getenv("SM_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("SM_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("SM_SCRAPE_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Scrape.Enabled = b
		}
	}
	if v := os.Getenv("SM_SCRAPE_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Scrape.Interval = d
		}
	}
	if v := os.Getenv("SM_CATALOG_URL"); v != "" {
		c.Catalog.BaseURL = v
	}
	if v := os.Getenv("SM_BACKUP_DIR"); v != "" {
		c.Backup.Dir = v
	}
	if v := os.Getenv("SM_BACKUP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Backup.Interval = d
		}
	}
}

func (c *Config) validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database path is required")
	}
	if c.Scrape.BatchSize < 1 {
		return fmt.Errorf("scrape batch size must be positive, got %d", c.Scrape.BatchSize)
	}
	if c.Scrape.Interval <= 0 {
		return fmt.Errorf("scrape interval must be positive")
	}
	if c.Scrape.HTTPTimeout <= 0 {
		c.Scrape.HTTPTimeout = 30 * time.Second
	}
	if c.Scrape.LockTTL <= 0 {
		c.Scrape.LockTTL = 5 * time.Minute
	}
	if c.Backup.Retention < 0 || c.Backup.MaxAgeDays < 0 {
		return fmt.Errorf("backup retention must not be negative")
	}
	if c.Backup.Dir == "" {
		c.Backup.Dir = filepath.Join(filepath.Dir(c.Database.Path), "backups")
	}
	c.Server.BasePath = strings.TrimRight(c.Server.BasePath, "/")
	c.Catalog.BaseURL = strings.TrimRight(c.Catalog.BaseURL, "/")
	return nil
}
