package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all persistence engine configuration.
type Config struct {
	Session SessionConfig `toml:"session"`
	Storage StorageConfig `toml:"storage"`
	Cache   CacheConfig   `toml:"cache"`
	Tracker TrackerConfig `toml:"tracker"`
	Logging LogConfig     `toml:"logging"`
}

// SessionConfig holds session lifecycle configuration.
type SessionConfig struct {
	ExpiryTime        time.Duration `envconfig:"SESSION_EXPIRY_TIME" default:"24h" toml:"expiry_time"`
	MaxBackgroundTime time.Duration `envconfig:"SESSION_MAX_BACKGROUND_TIME" default:"30m" toml:"max_background_time"`
	StrictValidation  bool          `envconfig:"SESSION_STRICT_VALIDATION" default:"false" toml:"strict_validation"`
	MaxUndoActions    int           `envconfig:"SESSION_MAX_UNDO_ACTIONS" default:"50" toml:"max_undo_actions"`
}

// StorageConfig holds storage adapter configuration.
type StorageConfig struct {
	Path                 string        `envconfig:"STORAGE_PATH" default:"keepsake.db" toml:"path"`
	EnableEncryption     bool          `envconfig:"STORAGE_ENABLE_ENCRYPTION" default:"false" toml:"enable_encryption"`
	EncryptionPassphrase string        `envconfig:"STORAGE_ENCRYPTION_PASSPHRASE" default:"" toml:"encryption_passphrase"`
	EnableBackup         bool          `envconfig:"STORAGE_ENABLE_BACKUP" default:"true" toml:"enable_backup"`
	MaxBackups           int           `envconfig:"STORAGE_MAX_BACKUPS" default:"3" toml:"max_backups"`
	ThrottleDelay        time.Duration `envconfig:"STORAGE_THROTTLE_DELAY" default:"2s" toml:"throttle_delay"`
	CompressionThreshold int           `envconfig:"STORAGE_COMPRESSION_THRESHOLD" default:"4096" toml:"compression_threshold"`
	SoftQuotaBytes       int64         `envconfig:"STORAGE_SOFT_QUOTA_BYTES" default:"8388608" toml:"soft_quota_bytes"`
	FreshnessWindow      time.Duration `envconfig:"STORAGE_FRESHNESS_WINDOW" default:"24h" toml:"freshness_window"`
}

// CacheConfig holds category progress cache configuration.
type CacheConfig struct {
	DebounceDelay     time.Duration `envconfig:"CACHE_DEBOUNCE_DELAY" default:"1s" toml:"debounce_delay"`
	MaxHistoryEntries int           `envconfig:"CACHE_MAX_HISTORY_ENTRIES" default:"20" toml:"max_history_entries"`
	AutoFlushInterval time.Duration `envconfig:"CACHE_AUTO_FLUSH_INTERVAL" default:"30s" toml:"auto_flush_interval"`
}

// TrackerConfig holds change tracker / auto-save configuration.
type TrackerConfig struct {
	AutoSaveEnabled       bool          `envconfig:"TRACKER_AUTO_SAVE_ENABLED" default:"true" toml:"auto_save_enabled"`
	AutoSaveInterval      time.Duration `envconfig:"TRACKER_AUTO_SAVE_INTERVAL" default:"30s" toml:"auto_save_interval"`
	CriticalSaveDelay     time.Duration `envconfig:"TRACKER_CRITICAL_SAVE_DELAY" default:"1s" toml:"critical_save_delay"`
	BackgroundSaveTimeout time.Duration `envconfig:"TRACKER_BACKGROUND_SAVE_TIMEOUT" default:"10s" toml:"background_save_timeout"`
	MaxRetryAttempts      int           `envconfig:"TRACKER_MAX_RETRY_ATTEMPTS" default:"3" toml:"max_retry_attempts"`
	RetryBackoffBase      time.Duration `envconfig:"TRACKER_RETRY_BACKOFF_BASE" default:"500ms" toml:"retry_backoff_base"`
	RetryBackoffMax       time.Duration `envconfig:"TRACKER_RETRY_BACKOFF_MAX" default:"30s" toml:"retry_backoff_max"`
	BatchSize             int           `envconfig:"TRACKER_BATCH_SIZE" default:"50" toml:"batch_size"`
	MaxBackupRecords      int           `envconfig:"TRACKER_MAX_BACKUP_RECORDS" default:"5" toml:"max_backup_records"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info" toml:"level"`
	Development bool   `envconfig:"LOG_DEV" default:"false" toml:"development"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("keepsake", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Session: SessionConfig{
			ExpiryTime:        24 * time.Hour,
			MaxBackgroundTime: 30 * time.Minute,
			StrictValidation:  false,
			MaxUndoActions:    50,
		},
		Storage: StorageConfig{
			Path:                 "keepsake.db",
			EnableBackup:         true,
			MaxBackups:           3,
			ThrottleDelay:        2 * time.Second,
			CompressionThreshold: 4096,
			SoftQuotaBytes:       8 << 20,
			FreshnessWindow:      24 * time.Hour,
		},
		Cache: CacheConfig{
			DebounceDelay:     time.Second,
			MaxHistoryEntries: 20,
			AutoFlushInterval: 30 * time.Second,
		},
		Tracker: TrackerConfig{
			AutoSaveEnabled:       true,
			AutoSaveInterval:      30 * time.Second,
			CriticalSaveDelay:     time.Second,
			BackgroundSaveTimeout: 10 * time.Second,
			MaxRetryAttempts:      3,
			RetryBackoffBase:      500 * time.Millisecond,
			RetryBackoffMax:       30 * time.Second,
			BatchSize:             50,
			MaxBackupRecords:      5,
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
	}
}
