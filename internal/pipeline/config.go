package pipeline

import (
	"os"
	"strconv"
	"time"
)

// Config controls the ingest pipeline.
type Config struct {
	Workers              int           // Concurrent unit processors (default 3)
	QueueSize            int           // Intake queue depth before Submit rejects (default 256)
	MaxRetries           int           // Retry attempts per unit on transient storage faults (default 3)
	RetryBackoff         time.Duration // Base delay before the first retry, doubled per attempt (default 2s)
	MalformedThreshold   float64       // Malformed-record fraction above which a unit fails (default 0.5)
	UnitTimeout          time.Duration // Wall-clock limit for one unit including retries (default 2m)
	CorrelateInterval    time.Duration // Cadence of the deferred pass-correlation sweep (default 30s)
	CorrelateBatch       int           // Max uncorrelated rows examined per sweep (default 500)
	AnomalyRetentionDays int           // Days to keep anomaly records, 0 disables pruning (default 30)
}

// DefaultConfig returns the default pipeline configuration.
func DefaultConfig() *Config {
	return &Config{
		Workers:              3,
		QueueSize:            256,
		MaxRetries:           3,
		RetryBackoff:         2 * time.Second,
		MalformedThreshold:   0.5,
		UnitTimeout:          2 * time.Minute,
		CorrelateInterval:    30 * time.Second,
		CorrelateBatch:       500,
		AnomalyRetentionDays: 30,
	}
}

// ConfigFromEnv builds pipeline configuration from environment variables,
// falling back to defaults:
//   - GROUNDSYNC_WORKERS
//   - GROUNDSYNC_QUEUE_SIZE
//   - GROUNDSYNC_MAX_RETRIES
//   - GROUNDSYNC_RETRY_BACKOFF (duration, e.g. "2s")
//   - GROUNDSYNC_MALFORMED_THRESHOLD (fraction in (0,1])
//   - GROUNDSYNC_UNIT_TIMEOUT (duration, e.g. "2m")
//   - GROUNDSYNC_CORRELATE_INTERVAL (duration, e.g. "30s")
//   - GROUNDSYNC_CORRELATE_BATCH
//   - GROUNDSYNC_ANOMALY_RETENTION_DAYS (0 disables pruning)
func ConfigFromEnv() *Config {
	cfg := DefaultConfig()

	if v := os.Getenv("GROUNDSYNC_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Workers = n
		}
	}
	if v := os.Getenv("GROUNDSYNC_QUEUE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.QueueSize = n
		}
	}
	if v := os.Getenv("GROUNDSYNC_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.MaxRetries = n
		}
	}
	if v := os.Getenv("GROUNDSYNC_RETRY_BACKOFF"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.RetryBackoff = d
		}
	}
	if v := os.Getenv("GROUNDSYNC_MALFORMED_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 && f <= 1 {
			cfg.MalformedThreshold = f
		}
	}
	if v := os.Getenv("GROUNDSYNC_UNIT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.UnitTimeout = d
		}
	}
	if v := os.Getenv("GROUNDSYNC_CORRELATE_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.CorrelateInterval = d
		}
	}
	if v := os.Getenv("GROUNDSYNC_CORRELATE_BATCH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.CorrelateBatch = n
		}
	}
	if v := os.Getenv("GROUNDSYNC_ANOMALY_RETENTION_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.AnomalyRetentionDays = n
		}
	}

	return cfg
}
