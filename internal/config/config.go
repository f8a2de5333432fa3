package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

const (
	DefaultConfigPath     = "config.toml"
	DefaultHTTPAddr       = ":8080"
	DefaultPGHost         = "127.0.0.1"
	DefaultPGPort         = 5432
	DefaultPGUser         = "postgres"
	DefaultPGDatabase     = "wappa"
	DefaultPGSSLMode      = "disable"
	DefaultGatewayTimeout = 30
	DefaultSessionTimeout = 5
	DefaultRootPrefix     = "root"
	DefaultAdminPrefix    = "admin"
)

type Config struct {
	Log      LogConfig      `toml:"log"`
	Server   ServerConfig   `toml:"server"`
	Gateway  GatewayConfig  `toml:"gateway"`
	Postgres PostgresConfig `toml:"postgres"`
	Bot      BotConfig      `toml:"bot"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type ServerConfig struct {
	Addr string `toml:"addr"`
}

// GatewayConfig points at the WhatsApp HTTP gateway that delivers webhooks
// and accepts outbound sends.
type GatewayConfig struct {
	BaseURL        string  `toml:"base_url"`
	Token          string  `toml:"token"`
	TimeoutSeconds int     `toml:"timeout_seconds"`
	RatePerSecond  float64 `toml:"rate_per_second"`
}

type PostgresConfig struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	User     string `toml:"user"`
	Password string `toml:"password"`
	Database string `toml:"database"`
	SSLMode  string `toml:"sslmode"`
}

// ConnString renders a pgx-compatible connection string.
func (c PostgresConfig) ConnString() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode)
}

// BotConfig carries the chat-side tunables.
type BotConfig struct {
	RootUser              string `toml:"root_user"`
	RootPrefix            string `toml:"root_prefix"`
	AdminPrefix           string `toml:"admin_prefix"`
	InvokePrefixPattern   string `toml:"invoke_prefix_pattern"`
	SessionTimeoutMinutes int    `toml:"session_timeout_minutes"`
	DeviceID              string `toml:"device_id"`
	// MemoryState keeps the bot state in process instead of Postgres; meant
	// for local runs.
	MemoryState bool `toml:"memory_state"`
}

func Load(path string) (Config, error) {
	cfg := Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Addr: DefaultHTTPAddr,
		},
		Gateway: GatewayConfig{
			TimeoutSeconds: DefaultGatewayTimeout,
		},
		Postgres: PostgresConfig{
			Host:     DefaultPGHost,
			Port:     DefaultPGPort,
			User:     DefaultPGUser,
			Database: DefaultPGDatabase,
			SSLMode:  DefaultPGSSLMode,
		},
		Bot: BotConfig{
			RootPrefix:            DefaultRootPrefix,
			AdminPrefix:           DefaultAdminPrefix,
			SessionTimeoutMinutes: DefaultSessionTimeout,
		},
	}

	if path == "" {
		path = DefaultConfigPath
	}

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, err
	}

	return cfg, nil
}
