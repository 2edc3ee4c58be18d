package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// RecordAnomaly appends one anomaly row. Runs outside unit
// transactions, so the record survives a unit rollback.
func (s *Store) RecordAnomaly(ctx context.Context, fingerprint, category, detail string) error {
	row := &IngestAnomaly{
		ID:          uuid.NewString(),
		Fingerprint: fingerprint,
		Category:    category,
		Detail:      detail,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return fmt.Errorf("record %s anomaly for %s: %w", category, fingerprint, err)
	}
	return nil
}

// RecordAnomalies persists a batch of staged anomalies attributed to
// one fingerprint.
func (s *Store) RecordAnomalies(ctx context.Context, fingerprint string, staged []StagedAnomaly) error {
	for _, a := range staged {
		if err := s.RecordAnomaly(ctx, fingerprint, a.Category, a.Detail); err != nil {
			return err
		}
	}
	return nil
}

// AnomalyFilter narrows ListAnomalies. Zero values match everything.
type AnomalyFilter struct {
	Fingerprint string
	Category    string
	Since       time.Time
}

// ListAnomalies returns paginated anomaly records, newest first.
// pageToken is an RFC3339Nano timestamp; records with created_at before
// the token are returned. The third result is the total match count.
func (s *Store) ListAnomalies(ctx context.Context, filter AnomalyFilter, pageSize int, pageToken string) ([]IngestAnomaly, string, int, error) {
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}

	applyFilter := func(q *gorm.DB) *gorm.DB {
		if filter.Fingerprint != "" {
			q = q.Where("fingerprint = ?", filter.Fingerprint)
		}
		if filter.Category != "" {
			q = q.Where("category = ?", filter.Category)
		}
		if !filter.Since.IsZero() {
			q = q.Where("created_at >= ?", filter.Since)
		}
		return q
	}

	var totalSize int64
	if err := applyFilter(s.db.WithContext(ctx).Model(&IngestAnomaly{})).Count(&totalSize).Error; err != nil {
		return nil, "", 0, fmt.Errorf("count anomalies: %w", err)
	}

	query := applyFilter(s.db.WithContext(ctx)).Order("created_at DESC, id DESC").Limit(pageSize + 1)
	if pageToken != "" {
		t, err := time.Parse(time.RFC3339Nano, pageToken)
		if err != nil {
			return nil, "", 0, fmt.Errorf("invalid page token: %w", err)
		}
		query = query.Where("created_at < ?", t)
	}

	var records []IngestAnomaly
	if err := query.Find(&records).Error; err != nil {
		return nil, "", 0, fmt.Errorf("list anomalies: %w", err)
	}

	var nextToken string
	if len(records) > pageSize {
		nextToken = records[pageSize-1].CreatedAt.Format(time.RFC3339Nano)
		records = records[:pageSize]
	}

	return records, nextToken, int(totalSize), nil
}

// CountAnomaliesByCategory returns per-category totals for the stats
// endpoint.
func (s *Store) CountAnomaliesByCategory(ctx context.Context) (map[string]int64, error) {
	var rows []struct {
		Category string `gorm:"column:category"`
		N        int64  `gorm:"column:n"`
	}
	err := s.db.WithContext(ctx).Model(&IngestAnomaly{}).
		Select("category, COUNT(*) AS n").
		Group("category").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("count anomalies by category: %w", err)
	}
	counts := make(map[string]int64, len(rows))
	for _, r := range rows {
		counts[r.Category] = r.N
	}
	return counts, nil
}

// DeleteAnomaliesBefore deletes anomaly records created before cutoff
// and returns how many were removed.
func (s *Store) DeleteAnomaliesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result := s.db.WithContext(ctx).Where("created_at < ?", cutoff).Delete(&IngestAnomaly{})
	if result.Error != nil {
		return 0, fmt.Errorf("delete old anomalies: %w", result.Error)
	}
	return result.RowsAffected, nil
}
