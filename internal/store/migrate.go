package store

import (
	"context"
	"fmt"
	"hash/crc32"
	"os"
	"time"

	"gorm.io/gorm"
)

// Migrate creates or updates the ingest schema. It runs under a
// cross-process lock so several replicas starting at once do not race
// AutoMigrate against the same database.
func (s *Store) Migrate(ctx context.Context) error {
	locker := newMigrationLocker(s.db)
	return locker.WithLock(ctx, func() error {
		return s.db.WithContext(ctx).AutoMigrate(
			&KeyCreationRecord{},
			&SyncLatencyRecord{},
			&KeyCountRecord{},
			&ControllerSyncRecord{},
			&ProcessedFileRecord{},
			&PassSummaryRecord{},
			&PassScheduleRecord{},
			&EnvironmentRecord{},
			&LinkSampleRecord{},
			&AlertRecord{},
			&ProcessedPackageRecord{},
			&IngestAnomaly{},
		)
	})
}

// migrationLocker serializes schema migration across replicas.
type migrationLocker interface {
	// WithLock executes fn while holding the migration lock. It blocks
	// until the lock is acquired, then releases it after fn returns.
	WithLock(ctx context.Context, fn func() error) error
}

// newMigrationLocker picks a locking strategy for the dialect.
// PostgreSQL uses advisory locks; other databases use a table-based
// fallback. The lock table is created immediately for the fallback
// strategy so concurrent callers never hit "no such table".
func newMigrationLocker(db *gorm.DB) migrationLocker {
	if db == nil {
		return &noopSchemaLock{}
	}
	if db.Dialector.Name() == "postgres" {
		return &advisorySchemaLock{
			db:     db,
			lockID: int64(crc32.ChecksumIEEE([]byte("groundsync-schema-migration"))),
		}
	}
	lock := &tableSchemaLock{db: db}
	_ = db.AutoMigrate(&schemaLockRecord{})
	return lock
}

// noopSchemaLock is used when no database is configured.
type noopSchemaLock struct{}

func (n *noopSchemaLock) WithLock(_ context.Context, fn func() error) error {
	return fn()
}

// advisorySchemaLock uses PostgreSQL advisory locks for serialization.
type advisorySchemaLock struct {
	db     *gorm.DB
	lockID int64
}

func (l *advisorySchemaLock) WithLock(ctx context.Context, fn func() error) error {
	// Blocks until the session holds the lock.
	if err := l.db.WithContext(ctx).Exec("SELECT pg_advisory_lock(?)", l.lockID).Error; err != nil {
		return fmt.Errorf("failed to acquire schema advisory lock: %w", err)
	}

	defer func() {
		_ = l.db.Exec("SELECT pg_advisory_unlock(?)", l.lockID).Error
	}()

	return fn()
}

// schemaLockRecord is the table-based lock row for non-PostgreSQL
// databases.
type schemaLockRecord struct {
	ID       string    `gorm:"primaryKey;column:id"`
	LockedAt time.Time `gorm:"column:locked_at"`
	LockedBy string    `gorm:"column:locked_by"`
}

func (schemaLockRecord) TableName() string { return "schema_migration_lock" }

// tableSchemaLock uses a database table for locking on SQLite and MySQL.
// INSERT-or-fail semantics ensure a single holder, with stale lock
// cleanup for crash recovery.
type tableSchemaLock struct {
	db *gorm.DB
}

func (l *tableSchemaLock) WithLock(ctx context.Context, fn func() error) error {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "unknown"
	}

	lockRow := schemaLockRecord{
		ID:       "schema",
		LockedBy: hostname,
	}

	const maxRetries = 30
	const retryInterval = 1 * time.Second
	const staleLockAge = 5 * time.Minute

	acquired := false
	for i := 0; i < maxRetries; i++ {
		// Clear locks abandoned by a crashed holder.
		l.db.WithContext(ctx).Where("id = ? AND locked_at < ?", "schema", time.Now().Add(-staleLockAge)).Delete(&schemaLockRecord{})

		lockRow.LockedAt = time.Now()

		result := l.db.WithContext(ctx).Create(&lockRow)
		if result.Error == nil {
			acquired = true
			break
		}

		if i == maxRetries-1 {
			return fmt.Errorf("failed to acquire schema lock after %d retries: %w", maxRetries, result.Error)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryInterval):
		}
	}

	if !acquired {
		return fmt.Errorf("failed to acquire schema lock")
	}

	defer func() {
		l.db.Where("id = ?", "schema").Delete(&schemaLockRecord{})
	}()

	return fn()
}
