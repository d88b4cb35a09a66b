// Package config loads client configuration from an optional YAML file with environment overrides.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Storage backends.
const (
	BackendMemory   = "memory"
	BackendFile     = "file"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// Config is the root configuration structure.
type Config struct {
	API     APIConfig     `yaml:"api"`
	Storage StorageConfig `yaml:"storage"`
	Logging LoggingConfig `yaml:"logging"`
	Web     WebConfig     `yaml:"web"`
}

// APIConfig points at the identity service.
type APIConfig struct {
	BaseURL        string        `yaml:"base_url"`
	Timeout        time.Duration `yaml:"timeout"`
	RefreshTimeout time.Duration `yaml:"refresh_timeout"`
}

// StorageConfig selects and configures the persistent key-value backend.
type StorageConfig struct {
	Backend  string `yaml:"backend"`
	Path     string `yaml:"path"`      // file and sqlite
	DSN      string `yaml:"dsn"`       // postgres
	RedisURL string `yaml:"redis_url"` // redis
	Prefix   string `yaml:"prefix"`    // redis key prefix
	DeviceID string `yaml:"device_id"` // postgres and redis namespace
}

// LoggingConfig controls zap output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// WebConfig configures the local web shell.
type WebConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Default returns the built-in configuration.
func Default() Config {
	host, _ := os.Hostname()
	return Config{
		API: APIConfig{
			BaseURL:        "http://localhost:5000/api",
			Timeout:        15 * time.Second,
			RefreshTimeout: 10 * time.Second,
		},
		Storage: StorageConfig{
			Backend:  BackendFile,
			Prefix:   "mindharbor",
			DeviceID: host,
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Web: WebConfig{
			Addr:            "127.0.0.1:8088",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 5 * time.Second,
		},
	}
}

// Load reads path over the defaults (a missing file is fine when path is empty),
// applies MINDHARBOR_* environment overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(b, &cfg); err != nil {
				return Config{}, fmt.Errorf("parsing config file: %w", err)
			}
		case errors.Is(err, fs.ErrNotExist):
			return Config{}, fmt.Errorf("config file %s not found", path)
		default:
			return Config{}, fmt.Errorf("reading config file: %w", err)
		}
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.API.BaseURL = getenv("MINDHARBOR_API_URL", cfg.API.BaseURL)
	cfg.API.Timeout = getenvDuration("MINDHARBOR_API_TIMEOUT", cfg.API.Timeout)
	cfg.Storage.Backend = getenv("MINDHARBOR_STORE", cfg.Storage.Backend)
	cfg.Storage.Path = getenv("MINDHARBOR_STORE_PATH", cfg.Storage.Path)
	cfg.Storage.DSN = getenv("MINDHARBOR_DSN", cfg.Storage.DSN)
	cfg.Storage.RedisURL = getenv("MINDHARBOR_REDIS_URL", cfg.Storage.RedisURL)
	cfg.Storage.DeviceID = getenv("MINDHARBOR_DEVICE_ID", cfg.Storage.DeviceID)
	cfg.Logging.Level = getenv("MINDHARBOR_LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Format = getenv("MINDHARBOR_LOG_FORMAT", cfg.Logging.Format)
	cfg.Web.Addr = getenv("MINDHARBOR_WEB_ADDR", cfg.Web.Addr)
}

// Validate checks cross-field requirements.
func (c Config) Validate() error {
	if c.API.BaseURL == "" {
		return errors.New("api.base_url is required")
	}
	if !strings.HasPrefix(c.API.BaseURL, "http://") && !strings.HasPrefix(c.API.BaseURL, "https://") {
		return fmt.Errorf("api.base_url must be http(s): %q", c.API.BaseURL)
	}
	switch c.Storage.Backend {
	case BackendMemory, BackendFile:
	case BackendSQLite:
		if c.Storage.Path == "" {
			return errors.New("storage.path is required for sqlite")
		}
	case BackendPostgres:
		if c.Storage.DSN == "" {
			return errors.New("storage.dsn is required for postgres")
		}
		if c.Storage.DeviceID == "" {
			return errors.New("storage.device_id is required for postgres")
		}
	case BackendRedis:
		if c.Storage.RedisURL == "" {
			return errors.New("storage.redis_url is required for redis")
		}
		if c.Storage.DeviceID == "" {
			return errors.New("storage.device_id is required for redis")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	return nil
}

func getenv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
	}
	return fallback
}
