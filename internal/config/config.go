package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

const (
	DefaultConfigPath   = "config.toml"
	DefaultHTTPAddr     = ":8420"
	DefaultPGHost       = "127.0.0.1"
	DefaultPGPort       = 5432
	DefaultPGUser       = "postgres"
	DefaultPGDatabase   = "courier"
	DefaultPGSSLMode    = "disable"
	DefaultUploadPart   = 128 * 1024
	DefaultBigFileBytes = 10 * 1024 * 1024
	DefaultMaxFileBytes = int64(2) * 1024 * 1024 * 1024
	DefaultPrepareJobs  = 4
	DefaultEventBuffer  = 256
	DefaultGroupLimit   = 10
	DefaultResendLimit  = 1000
)

type Config struct {
	Log       LogConfig       `toml:"log"`
	Server    ServerConfig    `toml:"server"`
	Postgres  PostgresConfig  `toml:"postgres"`
	Redis     RedisConfig     `toml:"redis"`
	Transport TransportConfig `toml:"transport"`
	Upload    UploadConfig    `toml:"upload"`
	Prepare   PrepareConfig   `toml:"prepare"`
	Send      SendConfig      `toml:"send"`
	Schedule  ScheduleConfig  `toml:"schedule"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type ServerConfig struct {
	Addr string `toml:"addr"`
}

type PostgresConfig struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	User     string `toml:"user"`
	Password string `toml:"password"`
	Database string `toml:"database"`
	SSLMode  string `toml:"sslmode"`
}

// DSN renders the pgx connection string.
func (c PostgresConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode)
}

// RedisConfig enables the optional cross-process event mirror when Addr is set.
type RedisConfig struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
	Prefix   string `toml:"prefix"`
}

type TransportConfig struct {
	URL              string `toml:"url"`
	HandshakeTimeout string `toml:"handshake_timeout"`
	WriteTimeout     string `toml:"write_timeout"`
	PingInterval     string `toml:"ping_interval"`
}

type UploadConfig struct {
	PartBytes    int   `toml:"part_bytes"`
	BigFileBytes int64 `toml:"big_file_bytes"`
	MaxFileBytes int64 `toml:"max_file_bytes"`
}

type PrepareConfig struct {
	Workers int `toml:"workers"`
}

type SendConfig struct {
	EventBuffer int `toml:"event_buffer"`
	GroupLimit  int `toml:"group_limit"`
	// ResendLimit bounds how many unsent records startup recovery reloads.
	ResendLimit int `toml:"resend_limit"`
}

type ScheduleConfig struct {
	// Spec is a cron expression; "off" disables scheduled-send promotion.
	Spec      string `toml:"spec"`
	BatchSize int    `toml:"batch_size"`
}

// CronSpec returns the effective cron expression, empty when promotion is
// disabled.
func (s ScheduleConfig) CronSpec() string {
	if strings.EqualFold(s.Spec, "off") {
		return ""
	}
	return s.Spec
}

// Load reads the TOML config at path, filling defaults for absent fields.
// A missing file yields the pure-default configuration.
func Load(path string) (Config, error) {
	cfg := defaults()
	if path == "" {
		path = DefaultConfigPath
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := toml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	fillDefaults(&cfg)
	return cfg, nil
}

func defaults() Config {
	cfg := Config{}
	fillDefaults(&cfg)
	return cfg
}

func fillDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = DefaultHTTPAddr
	}
	if cfg.Postgres.Host == "" {
		cfg.Postgres.Host = DefaultPGHost
	}
	if cfg.Postgres.Port == 0 {
		cfg.Postgres.Port = DefaultPGPort
	}
	if cfg.Postgres.User == "" {
		cfg.Postgres.User = DefaultPGUser
	}
	if cfg.Postgres.Database == "" {
		cfg.Postgres.Database = DefaultPGDatabase
	}
	if cfg.Postgres.SSLMode == "" {
		cfg.Postgres.SSLMode = DefaultPGSSLMode
	}
	if cfg.Upload.PartBytes <= 0 {
		cfg.Upload.PartBytes = DefaultUploadPart
	}
	if cfg.Upload.BigFileBytes <= 0 {
		cfg.Upload.BigFileBytes = DefaultBigFileBytes
	}
	if cfg.Upload.MaxFileBytes <= 0 {
		cfg.Upload.MaxFileBytes = DefaultMaxFileBytes
	}
	if cfg.Prepare.Workers <= 0 {
		cfg.Prepare.Workers = DefaultPrepareJobs
	}
	if cfg.Send.EventBuffer <= 0 {
		cfg.Send.EventBuffer = DefaultEventBuffer
	}
	if cfg.Send.GroupLimit <= 0 {
		cfg.Send.GroupLimit = DefaultGroupLimit
	}
	if cfg.Send.ResendLimit <= 0 {
		cfg.Send.ResendLimit = DefaultResendLimit
	}
	if cfg.Schedule.Spec == "" {
		cfg.Schedule.Spec = "@every 30s"
	}
	if cfg.Schedule.BatchSize <= 0 {
		cfg.Schedule.BatchSize = 100
	}
}
