package domain

import "time"

// ServerConfig holds settings for the local API
type ServerConfig struct {
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
	BaseURL string `mapstructure:"base_url"`
}

// PostgresConfig holds PostgreSQL-specific settings
type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Database string `mapstructure:"database"`
	User     string `mapstructure:"username"`
	Pass     string `mapstructure:"password"`
	SslMode  string `mapstructure:"ssl_mode"`
}

// DatabaseConfig holds general database settings and nested specific configs
type DatabaseConfig struct {
	Type     string         `mapstructure:"type"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Path           string `mapstructure:"path"`
	Level          string `mapstructure:"level"`
	MaxFileSize    int    `mapstructure:"max_file_size"`
	MaxBackupCount int    `mapstructure:"max_backup_count"`
}

// ValkeyConfig holds Valkey-specific settings
type ValkeyConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// RemoteConfig describes the remote content service.
type RemoteConfig struct {
	BaseURL           string        `mapstructure:"base_url"`
	Timeout           time.Duration `mapstructure:"timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
}

// CacheConfig tunes the query cache.
type CacheConfig struct {
	PageSize  int           `mapstructure:"page_size"`
	StaleTime time.Duration `mapstructure:"stale_time"`
	GCTime    time.Duration `mapstructure:"gc_time"`
}

// SessionConfig selects where the session is persisted.
type SessionConfig struct {
	// Backend is either "database" or "valkey"
	Backend string `mapstructure:"backend"`
	// Slot names the persisted session, so several profiles can share one store
	Slot string `mapstructure:"slot"`
}

// SchedulerConfig holds cron specs for background jobs
type SchedulerConfig struct {
	CacheGCSchedule      string `mapstructure:"cache_gc_schedule"`
	SessionCheckSchedule string `mapstructure:"session_check_schedule"`
}

// Config holds the application's configuration, mapped from config.toml
type Config struct {
	Version       string
	ConfigPath    string
	SessionSecret string `mapstructure:"session_secret"`

	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Valkey    ValkeyConfig    `mapstructure:"valkey"`
	Remote    RemoteConfig    `mapstructure:"remote"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Session   SessionConfig   `mapstructure:"session"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
}

// ConfigUpdate is a partial update applied through the local API.
// Changes are in-memory only.
type ConfigUpdate struct {
	LogLevel *string `json:"log_level,omitempty"`
	LogPath  *string `json:"log_path,omitempty"`
}
