// Package config assembles the daemon configuration: defaults, an optional
// groundsync.yaml, and GROUNDSYNC_* environment overrides, plus the
// sources registry declaring where units come from.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/qkdops/groundsync/internal/store"
)

// Settings is the daemon-level configuration. Package tunables (worker
// pool, retries, thresholds) stay with their packages and are read from
// the environment there.
type Settings struct {
	ListenAddr      string           `mapstructure:"listen_addr"`
	LogLevel        string           `mapstructure:"log_level"`
	SourcesFile     string           `mapstructure:"sources_file"`
	ShutdownTimeout time.Duration    `mapstructure:"shutdown_timeout"`
	Database        DatabaseSettings `mapstructure:"database"`
}

// DatabaseSettings mirrors the store connection knobs so they can be set
// from the config file.
type DatabaseSettings struct {
	Type            string        `mapstructure:"type"`
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// StoreConfig converts the settings into the store's own config type.
func (d DatabaseSettings) StoreConfig() store.DatabaseConfig {
	return store.DatabaseConfig{
		Type:            d.Type,
		DSN:             d.DSN,
		MaxOpenConns:    d.MaxOpenConns,
		MaxIdleConns:    d.MaxIdleConns,
		ConnMaxLifetime: d.ConnMaxLifetime,
	}
}

// Load assembles daemon settings. Path may name a config file explicitly;
// when empty, groundsync.yaml is looked up in the working directory and
// /etc/groundsync, and a missing file is not an error.
func Load(path string) (*Settings, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("GROUNDSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("groundsync")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/groundsync")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := s.validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("log_level", "info")
	v.SetDefault("sources_file", "")
	v.SetDefault("shutdown_timeout", "30s")

	// The GROUNDSYNC_DB_* shortcuts seed the defaults; a config file or
	// the GROUNDSYNC_DATABASE_* variables override them.
	db := store.DatabaseConfigFromEnv()
	v.SetDefault("database.type", db.Type)
	v.SetDefault("database.dsn", db.DSN)
	v.SetDefault("database.max_open_conns", db.MaxOpenConns)
	v.SetDefault("database.max_idle_conns", db.MaxIdleConns)
	v.SetDefault("database.conn_max_lifetime", db.ConnMaxLifetime.String())
}

func (s *Settings) validate() error {
	if s.ListenAddr == "" {
		return fmt.Errorf("listen_addr must not be empty")
	}
	switch strings.ToLower(s.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level %q is not one of debug, info, warn, error", s.LogLevel)
	}
	switch s.Database.Type {
	case "mysql", "postgres", "sqlite":
	default:
		return fmt.Errorf("database.type %q is not one of mysql, postgres, sqlite", s.Database.Type)
	}
	if s.Database.DSN == "" {
		return fmt.Errorf("database.dsn must not be empty")
	}
	if s.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown_timeout must be positive")
	}
	return nil
}

// SlogLevel maps the configured log level onto slog.
func (s *Settings) SlogLevel() slog.Level {
	switch strings.ToLower(s.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
