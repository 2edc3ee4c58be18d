package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/qkdops/groundsync/internal/ingest"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// Seen reports whether a unit fingerprint already has a ledger row.
// Read-only short circuit for intake: the authoritative duplicate check
// is the ledger insert inside the unit transaction, never this lookup.
func (s *Store) Seen(ctx context.Context, kind ingest.Kind, fingerprint string) (bool, error) {
	var err error
	switch kind {
	case ingest.KindLog:
		err = s.db.WithContext(ctx).Where("filename = ?", fingerprint).First(&ProcessedFileRecord{}).Error
	case ingest.KindPackage:
		err = s.db.WithContext(ctx).Where("package_timestamp = ?", fingerprint).First(&ProcessedPackageRecord{}).Error
	default:
		return false, fmt.Errorf("unknown unit kind %q", kind)
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("ledger lookup %s: %w", fingerprint, err)
	}
	return true, nil
}

// admitLogUnit writes the ledger row for one log unit. Must be the
// first write of the unit transaction: a duplicate filename means
// another transaction already committed this unit, and the whole
// transaction rolls back.
func admitLogUnit(tx *gorm.DB, rec *ProcessedFileRecord) error {
	if err := tx.Create(rec).Error; err != nil {
		if IsDuplicateKey(err) {
			return fmt.Errorf("log unit %s: %w", rec.Filename, ErrDuplicateUnit)
		}
		return fmt.Errorf("admit log unit %s: %w", rec.Filename, err)
	}
	return nil
}

// admitPackage writes the ledger row for one telemetry package, with
// the same contract as admitLogUnit.
func admitPackage(tx *gorm.DB, rec *ProcessedPackageRecord) error {
	if err := tx.Create(rec).Error; err != nil {
		if IsDuplicateKey(err) {
			return fmt.Errorf("package %s: %w", rec.PackageTimestamp, ErrDuplicateUnit)
		}
		return fmt.Errorf("admit package %s: %w", rec.PackageTimestamp, err)
	}
	return nil
}

// ListProcessedFiles returns log-unit ledger rows, newest first.
// pageToken is the RFC3339Nano processed_at of the last row of the
// previous page; an empty next token means the listing is exhausted.
func (s *Store) ListProcessedFiles(ctx context.Context, pageSize int, pageToken string) ([]ProcessedFileRecord, string, error) {
	if pageSize <= 0 || pageSize > maxPageSize {
		pageSize = defaultPageSize
	}
	q := s.db.WithContext(ctx).
		Order("processed_at DESC, id DESC").
		Limit(pageSize + 1)
	if pageToken != "" {
		t, err := time.Parse(time.RFC3339Nano, pageToken)
		if err != nil {
			return nil, "", fmt.Errorf("invalid page token %q: %w", pageToken, err)
		}
		q = q.Where("processed_at < ?", t)
	}

	var rows []ProcessedFileRecord
	if err := q.Find(&rows).Error; err != nil {
		return nil, "", fmt.Errorf("list processed files: %w", err)
	}

	next := ""
	if len(rows) > pageSize {
		rows = rows[:pageSize]
		next = rows[len(rows)-1].ProcessedAt.UTC().Format(time.RFC3339Nano)
	}
	return rows, next, nil
}

// ListProcessedPackages returns package ledger rows, newest first, with
// the same paging contract as ListProcessedFiles.
func (s *Store) ListProcessedPackages(ctx context.Context, pageSize int, pageToken string) ([]ProcessedPackageRecord, string, error) {
	if pageSize <= 0 || pageSize > maxPageSize {
		pageSize = defaultPageSize
	}
	q := s.db.WithContext(ctx).
		Order("processed_at DESC, id DESC").
		Limit(pageSize + 1)
	if pageToken != "" {
		t, err := time.Parse(time.RFC3339Nano, pageToken)
		if err != nil {
			return nil, "", fmt.Errorf("invalid page token %q: %w", pageToken, err)
		}
		q = q.Where("processed_at < ?", t)
	}

	var rows []ProcessedPackageRecord
	if err := q.Find(&rows).Error; err != nil {
		return nil, "", fmt.Errorf("list processed packages: %w", err)
	}

	next := ""
	if len(rows) > pageSize {
		rows = rows[:pageSize]
		next = rows[len(rows)-1].ProcessedAt.UTC().Format(time.RFC3339Nano)
	}
	return rows, next, nil
}
