// Package config loads application configuration from YAML files and
// environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// envPrefix is stripped from environment variables; double underscores
// become section separators, e.g. COURIER_DATABASE__URL -> database.url.
const envPrefix = "COURIER_"

// Config is the root application configuration.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Database DatabaseConfig `koanf:"database"`
	Log      LogConfig      `koanf:"log"`
	JWT      JWTConfig      `koanf:"jwt"`
	CORS     CORSConfig     `koanf:"cors"`
	Queue    QueueConfig    `koanf:"queue"`
	Senders  SendersConfig  `koanf:"senders"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string        `koanf:"host"`
	Port         string        `koanf:"port"`
	MetricsPort  string        `koanf:"metrics_port"`
	ReadTimeout  time.Duration `koanf:"read_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout"`
}

// DatabaseConfig holds PostgreSQL settings.
type DatabaseConfig struct {
	URL             string        `koanf:"url"`
	MaxOpenConns    int           `koanf:"max_open_conns"`
	MaxIdleConns    int           `koanf:"max_idle_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
	ConnectTimeout  time.Duration `koanf:"connect_timeout"`
	ConnectAttempts int           `koanf:"connect_attempts"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// JWTConfig holds token validation settings.
type JWTConfig struct {
	SecretKey string `koanf:"secret_key"`
}

// CORSConfig holds CORS settings.
type CORSConfig struct {
	AllowedOrigins []string `koanf:"allowed_origins"`
}

// QueueConfig holds dispatch queue tuning.
type QueueConfig struct {
	Enabled bool `koanf:"enabled"`

	// CompletionPolicy selects when a multi-channel record counts as sent:
	// "all" or "any".
	CompletionPolicy string `koanf:"completion_policy"`

	Worker   WorkerConfig   `koanf:"worker"`
	Retry    RetryConfig    `koanf:"retry"`
	Reminder ReminderConfig `koanf:"reminder"`
	Lease    LeaseConfig    `koanf:"lease"`
}

// WorkerConfig holds the polling worker pool settings.
type WorkerConfig struct {
	BatchSize    int           `koanf:"batch_size"`
	PollInterval time.Duration `koanf:"poll_interval"`
	NumWorkers   int           `koanf:"num_workers"`
	SendTimeout  time.Duration `koanf:"send_timeout"`
}

// RetryConfig holds the retry backoff schedule.
type RetryConfig struct {
	// Schedule is the delay before each retry, indexed by attempt count.
	// The last entry caps all further attempts.
	Schedule []time.Duration `koanf:"schedule"`
}

// ReminderConfig holds the reminder sweep settings.
type ReminderConfig struct {
	SweepInterval time.Duration `koanf:"sweep_interval"`
}

// LeaseConfig holds the stuck-record sweep settings.
type LeaseConfig struct {
	Duration      time.Duration `koanf:"duration"`
	SweepInterval time.Duration `koanf:"sweep_interval"`
}

// SendersConfig holds per-channel sender settings.
type SendersConfig struct {
	Email EmailConfig `koanf:"email"`
	SMS   SMSConfig   `koanf:"sms"`
	Chat  ChatConfig  `koanf:"chat"`
	Push  PushConfig  `koanf:"push"`
}

// EmailConfig holds SMTP sender settings.
type EmailConfig struct {
	Enabled      bool   `koanf:"enabled"`
	SMTPHost     string `koanf:"smtp_host"`
	SMTPPort     int    `koanf:"smtp_port"`
	SMTPUser     string `koanf:"smtp_user"`
	SMTPPassword string `koanf:"smtp_password"`
	FromAddress  string `koanf:"from_address"`
}

// SMSConfig holds SMS gateway settings.
type SMSConfig struct {
	Enabled    bool    `koanf:"enabled"`
	APIURL     string  `koanf:"api_url"`
	APIKey     string  `koanf:"api_key"`
	FromNumber string  `koanf:"from_number"`
	RateLimit  float64 `koanf:"rate_limit"`
}

// ChatConfig holds chat webhook sender settings.
type ChatConfig struct {
	Username string `koanf:"username"`
	IconURL  string `koanf:"icon_url"`
}

// PushConfig holds push sender settings.
type PushConfig struct {
	Enabled   bool   `koanf:"enabled"`
	ServerKey string `koanf:"server_key"`
}

// defaults returns the baseline configuration.
func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         "8080",
			MetricsPort:  "9090",
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
			ConnectTimeout:  30 * time.Second,
			ConnectAttempts: 3,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		CORS: CORSConfig{
			AllowedOrigins: []string{"*"},
		},
		Queue: QueueConfig{
			Enabled:          true,
			CompletionPolicy: "all",
			Worker: WorkerConfig{
				BatchSize:    100,
				PollInterval: 5 * time.Second,
				NumWorkers:   5,
				SendTimeout:  30 * time.Second,
			},
			Retry: RetryConfig{
				Schedule: []time.Duration{
					5 * time.Minute,
					30 * time.Minute,
					2 * time.Hour,
					6 * time.Hour,
				},
			},
			Reminder: ReminderConfig{
				SweepInterval: time.Minute,
			},
			Lease: LeaseConfig{
				Duration:      10 * time.Minute,
				SweepInterval: time.Minute,
			},
		},
		Senders: SendersConfig{
			Email: EmailConfig{
				SMTPPort: 587,
			},
			SMS: SMSConfig{
				RateLimit: 10,
			},
		},
	}
}

// Load reads configuration from the optional YAML file at path, then
// overlays COURIER_ environment variables on top of the defaults.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	cfg := defaults()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("load config file: %w", err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("stat config file: %w", err)
		}
	}

	err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, envPrefix)), "__", ".")
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that required settings are present.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return errors.New("config: database.url is required")
	}
	if c.JWT.SecretKey == "" {
		return errors.New("config: jwt.secret_key is required")
	}
	switch c.Queue.CompletionPolicy {
	case "all", "any":
	default:
		return fmt.Errorf("config: unknown completion policy %q", c.Queue.CompletionPolicy)
	}
	if len(c.Queue.Retry.Schedule) == 0 {
		return errors.New("config: queue.retry.schedule must not be empty")
	}
	return nil
}
