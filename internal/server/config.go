// Package server provides configuration helpers that define runtime defaults,
// validation, and transport limits for the chat relay.
package server

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultPort            = ":8080"
	defaultMaxMessageSize  = 4096
	defaultWriteTimeout    = 10 * time.Second
	defaultPongWait        = 60 * time.Second
	defaultPingInterval    = (defaultPongWait * 9) / 10
	defaultShutdownTimeout = 5 * time.Second
	defaultDBPath          = "users.db"
)

// Config holds the server configuration settings.
type Config struct {
	Port           string   `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	MaxMessageSize int64    `yaml:"max_message_size"`

	// WriteTimeout bounds every frame write, including each broadcast delivery.
	WriteTimeout time.Duration `yaml:"write_timeout"`
	// PongWait is how long a connection may stay silent before it is dropped.
	// It only applies while pings are enabled.
	PongWait time.Duration `yaml:"pong_wait"`
	// PingInterval must be shorter than PongWait. Negative disables pings and
	// the idle timeout with them.
	PingInterval time.Duration `yaml:"ping_interval"`

	ShutdownTimeout    time.Duration `yaml:"shutdown_timeout"`
	DBPath             string        `yaml:"db_path"`
	MetricsLogInterval time.Duration `yaml:"metrics_log_interval"`
}

func defaultConfig() Config {
	return Config{
		Port: defaultPort,
		AllowedOrigins: []string{
			"http://localhost:8080",
		},
		MaxMessageSize:  defaultMaxMessageSize,
		WriteTimeout:    defaultWriteTimeout,
		PongWait:        defaultPongWait,
		PingInterval:    defaultPingInterval,
		ShutdownTimeout: defaultShutdownTimeout,
		DBPath:          defaultDBPath,
	}
}

// sanitizeConfig fills zero values with defaults and copies slices so the
// result never aliases the caller's config.
func sanitizeConfig(cfg Config) Config {
	if cfg.Port == "" {
		cfg.Port = defaultPort
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaultMaxMessageSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = defaultPongWait
	}
	if cfg.PingInterval == 0 || cfg.PingInterval >= cfg.PongWait {
		cfg.PingInterval = (cfg.PongWait * 9) / 10
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	if cfg.DBPath == "" {
		cfg.DBPath = defaultDBPath
	}
	cfg.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)
	return cfg
}

// NewConfig creates a Config instance populated with default values for all settings.
func NewConfig() *Config {
	cfg := defaultConfig()
	return &cfg
}

// NewConfigFromEnv creates a Config from defaults overridden by environment variables.
func NewConfigFromEnv() *Config {
	cfg := defaultConfig()
	applyEnv(&cfg)
	return &cfg
}

// LoadConfigFile reads a YAML config file on top of the defaults. Environment
// variables are applied afterwards so they win over the file.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from the operator's flags
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := ParseConfig(data)
	if err != nil {
		return nil, err
	}
	applyEnv(cfg)
	return cfg, nil
}

// ParseConfig decodes YAML config data on top of the defaults.
func ParseConfig(data []byte) (*Config, error) {
	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if port := os.Getenv("SERVER_PORT"); port != "" {
		cfg.Port = port
	}
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = parseOrigins(origins)
	}
	if maxSize := os.Getenv("MAX_MESSAGE_SIZE"); maxSize != "" {
		cfg.MaxMessageSize = parseMaxMessageSize(maxSize, cfg.MaxMessageSize)
	}
	if timeout := os.Getenv("WRITE_TIMEOUT"); timeout != "" {
		cfg.WriteTimeout = parseDuration(timeout, cfg.WriteTimeout)
	}
	if path := os.Getenv("DB_PATH"); path != "" {
		cfg.DBPath = path
	}
}

func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func parseMaxMessageSize(value string, defaultValue int64) int64 {
	if size, err := strconv.ParseInt(value, 10, 64); err == nil && size > 0 {
		return size
	}
	return defaultValue
}

// parseDuration accepts Go duration syntax ("750ms") or a bare number of seconds.
func parseDuration(value string, defaultValue time.Duration) time.Duration {
	if d, err := time.ParseDuration(value); err == nil && d > 0 {
		return d
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return defaultValue
}
