package config

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/flurbudurbur/Quill/internal/domain"
	"github.com/flurbudurbur/Quill/internal/logger"
	"github.com/flurbudurbur/Quill/pkg/errors"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

const configFile = "config.toml"

var configTemplate = `# config.toml

# Secret used to seal the session token at rest.
# Generated on first run. Changing it invalidates the stored session.
session_secret = "{{ .sessionSecret }}"

[server]
  # Hostname or IP address for the local API.
  # Default: "{{ .host }}"
  host = "{{ .host }}"

  # Port for the local API.
  # Default: 7474
  port = 7474

  # Serve the API under a subpath, e.g. "/quill/".
  # Optional.
  #base_url = ""

[remote]
  # Base URL of the content service REST API.
  base_url = "http://localhost:3000/api"

  # Timeout for a single remote request.
  # Default: "15s"
  timeout = "15s"

  # Client-side rate limit for outbound requests.
  # Default: 10 requests per second, burst of 20
  requests_per_second = 10
  burst = 20

[cache]
  # Default page size for post lists.
  # Default: 10
  page_size = 10

  # Age after which a cached entry is served stale and refreshed in the background.
  # Default: "5m"
  stale_time = "5m"

  # Entries nobody read for this long are dropped.
  # Default: "10m"
  gc_time = "10m"

[session]
  # Where the session is persisted.
  # Options: "database", "valkey"
  # Default: "database"
  backend = "database"

  # Name of the persisted session.
  # Default: "default"
  slot = "default"

[scheduler]
  # Cron spec for dropping idle cache entries.
  # Default: "@every 1m"
  cache_gc_schedule = "@every 1m"

  # Cron spec for checking the stored session against the content service.
  # Default: "@every 15m"
  session_check_schedule = "@every 15m"

[database]
  # Options: "sqlite", "postgres"
  # Default: "sqlite"
  type = "sqlite"

  # Only used when database.type is "postgres".
  [database.postgres]
    host = "localhost"
    port = 5432
    database = "quill"
    username = "quill"
    password = "quill"
    # Options: "disable", "allow", "prefer", "require", "verify-ca", "verify-full"
    ssl_mode = "disable"

[logging]
  # Log file directory. Empty logs to stderr only.
  # Default: ""
  path = "log/"

  # Options: "ERROR", "WARN", "INFO", "DEBUG", "TRACE"
  # Default: "DEBUG"
  level = "DEBUG"

  # Maximum size of a log file in MB before rotation.
  # Default: 50
  max_file_size = 50

  # Rotated files to keep.
  # Default: 3
  max_backup_count = 3

[valkey]
  # Only used when session.backend is "valkey".
  address = "localhost:6379"
  password = ""
  db = 0
`

var generateRandomString = func(length int) (string, error) {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// detectHost binds to all interfaces inside containers.
func detectHost() string {
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return "0.0.0.0"
	}

	b, err := os.ReadFile("/proc/1/cgroup")
	if err == nil && (strings.Contains(string(b), "/docker") || strings.Contains(string(b), "/lxc")) {
		return "0.0.0.0"
	}

	return "127.0.0.1"
}

// writeConfig writes the default template unless a config file already exists.
func writeConfig(configPath string) error {
	if err := os.MkdirAll(configPath, 0o755); err != nil {
		return errors.Wrap(err, "could not create config dir %s", configPath)
	}

	cfgPath := filepath.Join(configPath, configFile)
	if _, err := os.Stat(cfgPath); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return errors.Wrap(err, "could not stat %s", cfgPath)
	}

	secret, err := generateRandomString(32)
	if err != nil {
		return errors.Wrap(err, "could not generate session secret")
	}

	tmpl, err := template.New("config").Parse(configTemplate)
	if err != nil {
		return errors.Wrap(err, "could not create config template")
	}

	var buf bytes.Buffer
	vars := map[string]string{
		"host":          detectHost(),
		"sessionSecret": secret,
	}
	if err := tmpl.Execute(&buf, vars); err != nil {
		return errors.Wrap(err, "could not write config template output")
	}

	if err := os.WriteFile(cfgPath, buf.Bytes(), 0o600); err != nil {
		return errors.Wrap(err, "could not write config file %s", cfgPath)
	}

	return nil
}

type Config interface {
	Current() *domain.Config
	UpdateConfig(update domain.ConfigUpdate) *domain.Config
	DynamicReload(log logger.Logger)
}

type AppConfig struct {
	Config *domain.Config

	m sync.RWMutex
	v *viper.Viper
}

func New(configPath string, version string) *AppConfig {
	c := &AppConfig{v: viper.New()}
	c.defaults()
	c.Config.Version = version
	c.Config.ConfigPath = configPath

	if err := c.load(configPath); err != nil {
		log.Fatalf("could not load config: %v", err)
	}

	return c
}

func (c *AppConfig) defaults() {
	c.Config = &domain.Config{
		Version: "dev",
		Server: domain.ServerConfig{
			Host: "127.0.0.1",
			Port: 7474,
		},
		Database: domain.DatabaseConfig{
			Type: "sqlite",
			Postgres: domain.PostgresConfig{
				Host:     "localhost",
				Port:     5432,
				Database: "quill",
				User:     "quill",
				Pass:     "quill",
				SslMode:  "disable",
			},
		},
		Logging: domain.LoggingConfig{
			Level:          "DEBUG",
			MaxFileSize:    50,
			MaxBackupCount: 3,
		},
		Valkey: domain.ValkeyConfig{
			Address: "localhost:6379",
		},
		Remote: domain.RemoteConfig{
			BaseURL:           "http://localhost:3000/api",
			Timeout:           15 * time.Second,
			RequestsPerSecond: 10,
			Burst:             20,
		},
		Cache: domain.CacheConfig{
			PageSize:  10,
			StaleTime: 5 * time.Minute,
			GCTime:    10 * time.Minute,
		},
		Session: domain.SessionConfig{
			Backend: "database",
			Slot:    "default",
		},
		Scheduler: domain.SchedulerConfig{
			CacheGCSchedule:      "@every 1m",
			SessionCheckSchedule: "@every 15m",
		},
	}
}

func (c *AppConfig) load(configPath string) error {
	c.v.SetConfigType("toml")

	if configPath != "" {
		configPath = filepath.Clean(configPath)
		if err := writeConfig(configPath); err != nil {
			log.Printf("could not write default config: %q", err)
		}
		c.v.SetConfigFile(filepath.Join(configPath, configFile))
	} else {
		c.v.SetConfigName("config")
		c.v.AddConfigPath(".")
		c.v.AddConfigPath("$HOME/.config/quill")
	}

	if err := c.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			log.Printf("config read error: %q, using defaults", err)
		}
	}

	if err := c.v.Unmarshal(c.Config); err != nil {
		return errors.Wrap(err, "could not unmarshal config file %s", c.v.ConfigFileUsed())
	}

	return nil
}

// Current returns a snapshot of the active configuration.
func (c *AppConfig) Current() *domain.Config {
	c.m.RLock()
	defer c.m.RUnlock()

	cfg := *c.Config
	return &cfg
}

// UpdateConfig applies a partial in-memory update and returns the result.
func (c *AppConfig) UpdateConfig(update domain.ConfigUpdate) *domain.Config {
	c.m.Lock()
	if update.LogLevel != nil {
		c.Config.Logging.Level = *update.LogLevel
	}
	if update.LogPath != nil {
		c.Config.Logging.Path = *update.LogPath
	}
	c.m.Unlock()

	return c.Current()
}

func (c *AppConfig) DynamicReload(log logger.Logger) {
	c.v.OnConfigChange(func(e fsnotify.Event) {
		c.m.Lock()
		defer c.m.Unlock()

		log.Info().Msgf("config file changed: %s", e.Name)

		level := c.v.GetString("logging.level")
		if level == "" || level == c.Config.Logging.Level {
			return
		}

		c.Config.Logging.Level = level
		log.SetLogLevel(level)

		log.Debug().Msgf("log level changed to %s", level)
	})
	c.v.WatchConfig()
}
