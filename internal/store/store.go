package store

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Store wraps the gorm handle for all ingest tables.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

// New wraps an existing gorm handle. The handle must have been opened
// with error translation enabled for duplicate-key detection to work.
func New(db *gorm.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger}
}

// Open connects to the configured database and returns a Store. The
// caller is responsible for calling Migrate before ingesting.
func Open(cfg DatabaseConfig, logger *slog.Logger) (*Store, error) {
	var dialector gorm.Dialector
	switch cfg.Type {
	case "mysql":
		dialector = mysql.Open(cfg.DSN)
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	case "sqlite", "":
		dialector = sqlite.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database type %q", cfg.Type)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", cfg.Type, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("access connection pool: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	return New(db, logger), nil
}

// DB exposes the underlying gorm handle.
func (s *Store) DB() *gorm.DB { return s.db }

// Ping verifies the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("access connection pool: %w", err)
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("access connection pool: %w", err)
	}
	return sqlDB.Close()
}

// TableCounts returns the current row count of every ingest table,
// keyed by table name. Backs the operational stats endpoint.
func (s *Store) TableCounts(ctx context.Context) (map[string]int64, error) {
	models := []interface {
		TableName() string
	}{
		KeyCreationRecord{},
		SyncLatencyRecord{},
		KeyCountRecord{},
		ControllerSyncRecord{},
		ProcessedFileRecord{},
		EnvironmentRecord{},
		LinkSampleRecord{},
		PassSummaryRecord{},
		AlertRecord{},
		PassScheduleRecord{},
		ProcessedPackageRecord{},
		IngestAnomaly{},
	}
	counts := make(map[string]int64, len(models))
	for _, m := range models {
		var n int64
		if err := s.db.WithContext(ctx).Table(m.TableName()).Count(&n).Error; err != nil {
			return nil, fmt.Errorf("count %s: %w", m.TableName(), err)
		}
		counts[m.TableName()] = n
	}
	return counts, nil
}
