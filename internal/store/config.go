package store

import (
	"os"
	"strconv"
	"time"
)

// DatabaseConfig controls the connection to the relational store.
type DatabaseConfig struct {
	// Type selects the dialect: "mysql", "postgres" or "sqlite".
	Type string
	// DSN is the driver connection string. For sqlite this is a file
	// path, or ":memory:" for an in-process database.
	DSN string
	// MaxOpenConns caps the connection pool size.
	MaxOpenConns int
	// MaxIdleConns is the number of idle connections kept around.
	MaxIdleConns int
	// ConnMaxLifetime recycles connections older than this.
	ConnMaxLifetime time.Duration
}

// DefaultDatabaseConfig returns a local sqlite configuration suitable
// for development and tests.
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Type:            "sqlite",
		DSN:             "groundsync.db",
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
	}
}

// DatabaseConfigFromEnv builds a DatabaseConfig from GROUNDSYNC_DB_*
// environment variables, falling back to defaults for anything unset.
func DatabaseConfigFromEnv() DatabaseConfig {
	cfg := DefaultDatabaseConfig()
	if v := os.Getenv("GROUNDSYNC_DB_TYPE"); v != "" {
		cfg.Type = v
	}
	if v := os.Getenv("GROUNDSYNC_DB_DSN"); v != "" {
		cfg.DSN = v
	}
	if v := os.Getenv("GROUNDSYNC_DB_MAX_OPEN_CONNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxOpenConns = n
		}
	}
	if v := os.Getenv("GROUNDSYNC_DB_MAX_IDLE_CONNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.MaxIdleConns = n
		}
	}
	if v := os.Getenv("GROUNDSYNC_DB_CONN_MAX_LIFETIME"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.ConnMaxLifetime = d
		}
	}
	return cfg
}
