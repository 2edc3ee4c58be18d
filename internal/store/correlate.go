package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// sweepFingerprint attributes anomalies raised by the deferred sweep,
// which runs outside any unit and has no unit fingerprint to cite.
const sweepFingerprint = "correlation-sweep"

// lookupPass reports whether a pass summary exists for id.
func lookupPass(tx *gorm.DB, id string) (bool, error) {
	err := tx.Where("pass_id = ?", id).First(&PassSummaryRecord{}).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup pass %s: %w", id, err)
	}
	return true, nil
}

// inferPassByWindow finds the pass whose window contains ts. With more
// than one candidate the closest start time wins and tie reports true.
func inferPassByWindow(tx *gorm.DB, ts time.Time) (string, bool, error) {
	var candidates []PassSummaryRecord
	err := tx.Where("start_time <= ? AND end_time >= ?", ts, ts).
		Order("pass_id ASC").
		Find(&candidates).Error
	if err != nil {
		return "", false, fmt.Errorf("pass candidates at %s: %w", ts.UTC().Format(time.RFC3339Nano), err)
	}
	switch len(candidates) {
	case 0:
		return "", false, nil
	case 1:
		return candidates[0].PassID, false, nil
	}

	best := candidates[0]
	bestGap := ts.Sub(best.StartTime)
	for _, c := range candidates[1:] {
		if gap := ts.Sub(c.StartTime); gap < bestGap {
			best, bestGap = c, gap
		}
	}
	return best.PassID, true, nil
}

// CorrelationResult reports one resolution sweep.
type CorrelationResult struct {
	LinksResolved  int
	AlertsResolved int
	Ties           int
}

// ResolveUncorrelated walks link samples and alerts still carrying a
// null pass reference and assigns any pass whose window now covers
// them. References are only set where still null, so a reference
// assigned by a unit transaction is never rewritten. Ties are recorded
// as anomalies directly since the sweep runs outside unit transactions.
func (s *Store) ResolveUncorrelated(ctx context.Context, batchSize int) (*CorrelationResult, error) {
	if batchSize <= 0 {
		batchSize = 500
	}
	res := &CorrelationResult{}
	db := s.db.WithContext(ctx)

	var samples []LinkSampleRecord
	if err := db.Where("pass_id IS NULL").Order("timestamp ASC").Limit(batchSize).Find(&samples).Error; err != nil {
		return nil, fmt.Errorf("load uncorrelated link samples: %w", err)
	}
	for i := range samples {
		sm := &samples[i]
		id, tie, err := inferPassByWindow(db, sm.Timestamp)
		if err != nil {
			return res, err
		}
		if id == "" {
			continue
		}
		upd := db.Model(&LinkSampleRecord{}).
			Where("id = ? AND pass_id IS NULL", sm.ID).
			Update("pass_id", id)
		if upd.Error != nil {
			return res, fmt.Errorf("assign pass %s to link sample %d: %w", id, sm.ID, upd.Error)
		}
		if upd.RowsAffected == 0 {
			continue
		}
		res.LinksResolved++
		if tie {
			res.Ties++
			if err := s.RecordAnomaly(ctx, sweepFingerprint, AnomalyCorrelationTie,
				fmt.Sprintf("link sample %d inside overlapping pass windows, assigned %s", sm.ID, id)); err != nil {
				s.logger.Warn("record correlation tie", "error", err)
			}
		}
	}

	var alerts []AlertRecord
	if err := db.Where("related_pass_id IS NULL").Order("timestamp ASC").Limit(batchSize).Find(&alerts).Error; err != nil {
		return res, fmt.Errorf("load uncorrelated alerts: %w", err)
	}
	for i := range alerts {
		al := &alerts[i]
		id, tie, err := inferPassByWindow(db, al.Timestamp)
		if err != nil {
			return res, err
		}
		if id == "" {
			continue
		}
		upd := db.Model(&AlertRecord{}).
			Where("id = ? AND related_pass_id IS NULL", al.ID).
			Update("related_pass_id", id)
		if upd.Error != nil {
			return res, fmt.Errorf("assign pass %s to alert %s: %w", id, al.AlertID, upd.Error)
		}
		if upd.RowsAffected == 0 {
			continue
		}
		res.AlertsResolved++
		if tie {
			res.Ties++
			if err := s.RecordAnomaly(ctx, sweepFingerprint, AnomalyCorrelationTie,
				fmt.Sprintf("alert %s inside overlapping pass windows, assigned %s", al.AlertID, id)); err != nil {
				s.logger.Warn("record correlation tie", "error", err)
			}
		}
	}

	return res, nil
}
