package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/qkdops/groundsync/internal/keypool"
	"github.com/qkdops/groundsync/internal/ogs"
)

// StagedAnomaly is an anomaly detected inside a unit transaction. The
// writer stages it and the caller persists it after the transaction
// resolves, so the anomaly record survives a unit rollback.
type StagedAnomaly struct {
	Category string
	Detail   string
}

// LogUnit carries one parsed log file into the writer.
type LogUnit struct {
	Fingerprint string
	Size        int64
	Result      *keypool.Result
}

// LogOutcome reports what one log-unit transaction committed.
type LogOutcome struct {
	Inserted    keypool.Counts
	Conflicts   int
	Regressions int
	Anomalies   []StagedAnomaly
}

// ApplyLogUnit commits one parsed log file in a single transaction:
// ledger row first, then every event row. A duplicate ledger row aborts
// the whole transaction with ErrDuplicateUnit. A duplicate key identity
// discards only that record under a savepoint; the sequence counter per
// site pair is checked against committed history and regressions are
// flagged, never rejected.
func (s *Store) ApplyLogUnit(ctx context.Context, unit *LogUnit) (*LogOutcome, error) {
	var out *LogOutcome
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res, err := applyLogUnit(tx, unit)
		if err != nil {
			return err
		}
		out = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func applyLogUnit(tx *gorm.DB, unit *LogUnit) (*LogOutcome, error) {
	ledger := &ProcessedFileRecord{
		Filename:            unit.Fingerprint,
		FileSize:            unit.Size,
		TotalLines:          unit.Result.TotalLines,
		KeyCreationsCount:   unit.Result.Counts.KeyCreations,
		SyncLatencyCount:    unit.Result.Counts.SyncLatency,
		KeyCountCount:       unit.Result.Counts.KeyCounts,
		ControllerSyncCount: unit.Result.Counts.ControllerSyncs,
		ProcessedAt:         time.Now().UTC(),
	}
	if err := admitLogUnit(tx, ledger); err != nil {
		return nil, err
	}

	out := &LogOutcome{}
	maxSeq := make(map[[2]int]int64)
	for i := range unit.Result.Events {
		ev := &unit.Result.Events[i]
		var err error
		switch ev.Type {
		case keypool.EventKeyCreation:
			err = applyKeyCreation(tx, unit.Fingerprint, ev, maxSeq, out)
		case keypool.EventSyncLatency:
			err = tx.Create(&SyncLatencyRecord{
				LatencyMS: ev.SyncLatency.LatencyMS,
				Timestamp: ev.Timestamp,
				LogFile:   unit.Fingerprint,
			}).Error
			if err == nil {
				out.Inserted.SyncLatency++
			}
		case keypool.EventKeyCount:
			err = tx.Create(&KeyCountRecord{
				Bits:      ev.KeyCount.Bits,
				KeysCount: ev.KeyCount.KeysCount,
				Timestamp: ev.Timestamp,
				LogFile:   unit.Fingerprint,
			}).Error
			if err == nil {
				out.Inserted.KeyCounts++
			}
		case keypool.EventControllerSync:
			err = tx.Create(&ControllerSyncRecord{
				LocalSiteID:  ev.ControllerSync.LocalSiteID,
				RemoteSiteID: ev.ControllerSync.RemoteSiteID,
				Timestamp:    ev.Timestamp,
				LogFile:      unit.Fingerprint,
			}).Error
			if err == nil {
				out.Inserted.ControllerSyncs++
			}
		default:
			err = fmt.Errorf("unknown event type %q at line %d", ev.Type, ev.Line)
		}
		if err != nil {
			return nil, fmt.Errorf("apply event at line %d of %s: %w", ev.Line, unit.Fingerprint, err)
		}
	}

	// Discarded records shrink the ledger counts so they reflect what
	// this transaction actually committed.
	if out.Conflicts > 0 {
		updates := map[string]any{
			"key_creations_count":   out.Inserted.KeyCreations,
			"sync_latency_count":    out.Inserted.SyncLatency,
			"key_count_count":       out.Inserted.KeyCounts,
			"controller_sync_count": out.Inserted.ControllerSyncs,
		}
		if err := tx.Model(&ProcessedFileRecord{}).Where("filename = ?", unit.Fingerprint).Updates(updates).Error; err != nil {
			return nil, fmt.Errorf("update ledger counts for %s: %w", unit.Fingerprint, err)
		}
	}
	return out, nil
}

// applyKeyCreation inserts one key-creation row. The per-pair sequence
// high-water mark is loaded from committed history on first touch and
// advanced within the unit; a lower incoming number is flagged.
func applyKeyCreation(tx *gorm.DB, fingerprint string, ev *keypool.Event, maxSeq map[[2]int]int64, out *LogOutcome) error {
	kc := ev.KeyCreation
	pair := [2]int{kc.SourceSiteID, kc.DestinationSiteID}

	last, seeded := maxSeq[pair]
	if !seeded {
		var committed sql.NullInt64
		err := tx.Model(&KeyCreationRecord{}).
			Where("source_site_id = ? AND destination_site_id = ?", kc.SourceSiteID, kc.DestinationSiteID).
			Select("MAX(sequence_number)").
			Scan(&committed).Error
		if err != nil {
			return fmt.Errorf("load sequence high-water mark for %d->%d: %w", kc.SourceSiteID, kc.DestinationSiteID, err)
		}
		last = -1
		if committed.Valid {
			last = committed.Int64
		}
		maxSeq[pair] = last
	}

	if last >= 0 && kc.SequenceNumber < last {
		out.Regressions++
		out.Anomalies = append(out.Anomalies, StagedAnomaly{
			Category: AnomalySequenceRegression,
			Detail: fmt.Sprintf("sequence %d after high-water mark %d for pair %d->%d (line %d)",
				kc.SequenceNumber, last, kc.SourceSiteID, kc.DestinationSiteID, ev.Line),
		})
	}

	row := &KeyCreationRecord{
		KeyIdentity:       kc.KeyIdentity,
		SequenceNumber:    kc.SequenceNumber,
		SourceSiteID:      kc.SourceSiteID,
		DestinationSiteID: kc.DestinationSiteID,
		KeyPoolType:       kc.KeyPoolType,
		Timestamp:         ev.Timestamp,
		LogFile:           fingerprint,
	}
	if err := createInSavepoint(tx, row); err != nil {
		if IsDuplicateKey(err) {
			out.Conflicts++
			out.Anomalies = append(out.Anomalies, StagedAnomaly{
				Category: AnomalyRecordConflict,
				Detail:   fmt.Sprintf("key identity %s already stored (line %d)", kc.KeyIdentity, ev.Line),
			})
			return nil
		}
		return fmt.Errorf("insert key creation %s: %w", kc.KeyIdentity, err)
	}
	if kc.SequenceNumber > last {
		maxSeq[pair] = kc.SequenceNumber
	}
	out.Inserted.KeyCreations++
	return nil
}

// PackageUnit carries one parsed telemetry package into the writer.
type PackageUnit struct {
	Fingerprint string
	Package     *ogs.Package
}

// PackageOutcome reports what one package transaction committed.
// WindowChanged means a pass window was created or widened, so deferred
// correlation may now succeed for earlier samples.
type PackageOutcome struct {
	RecordsInserted  int
	AlertsSkipped    int
	SchedulesSkipped int
	SummaryMerged    bool
	WindowChanged    bool
	Anomalies        []StagedAnomaly
}

// ApplyPackage commits one parsed telemetry package in a single
// transaction. Write order: ledger, pass summary, schedules,
// environment, link sample, alerts. Summaries merge on conflict;
// re-delivered alerts and schedules are idempotent skips; link samples
// and alerts correlate to a pass at insert when one matches.
func (s *Store) ApplyPackage(ctx context.Context, unit *PackageUnit) (*PackageOutcome, error) {
	var out *PackageOutcome
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res, err := applyPackage(tx, unit)
		if err != nil {
			return err
		}
		out = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func applyPackage(tx *gorm.DB, unit *PackageUnit) (*PackageOutcome, error) {
	ledger := &ProcessedPackageRecord{
		PackageTimestamp: unit.Fingerprint,
		RecordsInserted:  0,
		ProcessedAt:      time.Now().UTC(),
	}
	if err := admitPackage(tx, ledger); err != nil {
		return nil, err
	}

	out := &PackageOutcome{}
	p := unit.Package

	if p.Summary != nil {
		if err := applyPassSummary(tx, p.Summary, out); err != nil {
			return nil, err
		}
	}
	for i := range p.Schedule {
		if err := applyScheduledPass(tx, &p.Schedule[i], out); err != nil {
			return nil, err
		}
	}
	if p.Environment != nil {
		if err := applyEnvironmentSample(tx, p.Environment, out); err != nil {
			return nil, err
		}
	}
	if p.Link != nil {
		if err := applyLinkSample(tx, p.Link, out); err != nil {
			return nil, err
		}
	}
	for i := range p.Alerts {
		if err := applyAlert(tx, &p.Alerts[i], out); err != nil {
			return nil, err
		}
	}

	if out.RecordsInserted > 0 {
		if err := tx.Model(&ProcessedPackageRecord{}).
			Where("package_timestamp = ?", unit.Fingerprint).
			Update("records_inserted", out.RecordsInserted).Error; err != nil {
			return nil, fmt.Errorf("update ledger for package %s: %w", unit.Fingerprint, err)
		}
	}
	return out, nil
}

// applyPassSummary inserts a new pass summary, or merges into the
// existing row when the pass was reported before.
func applyPassSummary(tx *gorm.DB, in *ogs.PassSummary, out *PackageOutcome) error {
	var existing PassSummaryRecord
	err := tx.Where("pass_id = ?", in.PassID).First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		row := &PassSummaryRecord{
			PassID:                 in.PassID,
			SatelliteID:            in.SatelliteID,
			StartTime:              in.StartTime,
			EndTime:                in.EndTime,
			TotalDurationSec:       in.TotalDurationSec,
			LockedDurationSec:      in.LockedDurationSec,
			LockPercentage:         in.LockPercentage,
			LostTrackingEvents:     in.LostTrackingEvents,
			AvgTrackingStability:   in.AvgTrackingStability,
			KeysDistilled:          in.KeysDistilled,
			KeySizeBits:            in.KeySizeBits,
			KeyDistillationSuccess: in.DistillationSuccess,
			AvgWindSpeed:           in.AvgWindSpeed,
			AvgTemperature:         in.AvgTemperature,
			AvgHumidity:            in.AvgHumidity,
			PrecipitationDuring:    in.PrecipitationDuringPass,
			DomeClosedDuring:       in.DomeClosedDuringPass,
			Notes:                  in.Notes,
		}
		// Measured samples beat the report's own aggregates whenever
		// samples inside the window are already on file.
		agg, aerr := weatherAggregates(tx, in.StartTime, in.EndTime)
		if aerr != nil {
			return aerr
		}
		if agg != nil {
			row.AvgWindSpeed = agg.wind
			row.AvgTemperature = agg.temp
			row.AvgHumidity = agg.hum
			row.PrecipitationDuring = agg.precipitation
		}
		cerr := createInSavepoint(tx, row)
		if cerr == nil {
			out.RecordsInserted++
			out.WindowChanged = true
			return nil
		}
		if !IsDuplicateKey(cerr) {
			return fmt.Errorf("insert pass summary %s: %w", in.PassID, cerr)
		}
		// Lost an insert race with a concurrent unit. If the competing
		// row is not visible in this snapshot, retry the whole unit.
		if err := tx.Where("pass_id = ?", in.PassID).First(&existing).Error; err != nil {
			return fmt.Errorf("pass summary %s committed concurrently: %w", in.PassID, ErrConflictRetry)
		}
	} else if err != nil {
		return fmt.Errorf("load pass summary %s: %w", in.PassID, err)
	}
	return mergePassSummary(tx, &existing, in, out)
}

// mergePassSummary widens the stored window to cover both reports,
// recomputes the duration from the widened window, and lets the later
// report win every scalar. Weather aggregates are refreshed from
// environment samples inside the window when any are on file.
func mergePassSummary(tx *gorm.DB, existing *PassSummaryRecord, in *ogs.PassSummary, out *PackageOutcome) error {
	start := existing.StartTime
	if in.StartTime.Before(start) {
		start = in.StartTime
	}
	end := existing.EndTime
	if in.EndTime.After(end) {
		end = in.EndTime
	}
	widened := !start.Equal(existing.StartTime) || !end.Equal(existing.EndTime)

	updates := map[string]any{
		"satellite_id":              in.SatelliteID,
		"start_time":                start,
		"end_time":                  end,
		"total_duration_sec":        int64(end.Sub(start) / time.Second),
		"locked_duration_sec":       in.LockedDurationSec,
		"lock_percentage":           in.LockPercentage,
		"lost_tracking_events":      in.LostTrackingEvents,
		"avg_tracking_stability":    in.AvgTrackingStability,
		"keys_distilled":            in.KeysDistilled,
		"key_size_bits":             in.KeySizeBits,
		"key_distillation_success":  in.DistillationSuccess,
		"avg_wind_speed":            in.AvgWindSpeed,
		"avg_temperature":           in.AvgTemperature,
		"avg_humidity":              in.AvgHumidity,
		"precipitation_during_pass": in.PrecipitationDuringPass,
		"dome_closed_during_pass":   in.DomeClosedDuringPass,
		"notes":                     in.Notes,
	}
	if err := refreshWeatherAggregates(tx, start, end, updates); err != nil {
		return err
	}
	if err := tx.Model(&PassSummaryRecord{}).Where("pass_id = ?", existing.PassID).Updates(updates).Error; err != nil {
		return fmt.Errorf("merge pass summary %s: %w", existing.PassID, err)
	}
	out.SummaryMerged = true
	if widened {
		out.WindowChanged = true
	}
	return nil
}

// weatherAgg holds aggregates measured from stored environment samples.
type weatherAgg struct {
	wind          float64
	temp          float64
	hum           float64
	precipitation bool
}

// weatherAggregates computes wind, temperature, humidity and the
// precipitation flag from environment samples inside [start, end].
// Returns nil when no samples are on file.
func weatherAggregates(tx *gorm.DB, start, end time.Time) (*weatherAgg, error) {
	var agg struct {
		N    int64           `gorm:"column:n"`
		Wind sql.NullFloat64 `gorm:"column:wind"`
		Temp sql.NullFloat64 `gorm:"column:temp"`
		Hum  sql.NullFloat64 `gorm:"column:hum"`
	}
	err := tx.Model(&EnvironmentRecord{}).
		Select("COUNT(*) AS n, AVG(wind_speed) AS wind, AVG(temperature) AS temp, AVG(humidity) AS hum").
		Where("timestamp >= ? AND timestamp <= ?", start, end).
		Scan(&agg).Error
	if err != nil {
		return nil, fmt.Errorf("aggregate environment samples: %w", err)
	}
	if agg.N == 0 {
		return nil, nil
	}

	var wet int64
	if err := tx.Model(&EnvironmentRecord{}).
		Where("timestamp >= ? AND timestamp <= ? AND precipitation = ?", start, end, true).
		Count(&wet).Error; err != nil {
		return nil, fmt.Errorf("count precipitation samples: %w", err)
	}

	return &weatherAgg{
		wind:          agg.Wind.Float64,
		temp:          agg.Temp.Float64,
		hum:           agg.Hum.Float64,
		precipitation: wet > 0,
	}, nil
}

// refreshWeatherAggregates folds measured aggregates for [start, end]
// into a pending summary update. With no samples on file the report's
// own aggregates stand.
func refreshWeatherAggregates(tx *gorm.DB, start, end time.Time, updates map[string]any) error {
	agg, err := weatherAggregates(tx, start, end)
	if err != nil || agg == nil {
		return err
	}
	updates["avg_wind_speed"] = agg.wind
	updates["avg_temperature"] = agg.temp
	updates["avg_humidity"] = agg.hum
	updates["precipitation_during_pass"] = agg.precipitation
	return nil
}

// applyScheduledPass inserts one announced pass. Re-announcements of a
// known pass are skipped and counted, not flagged.
func applyScheduledPass(tx *gorm.DB, in *ogs.ScheduledPass, out *PackageOutcome) error {
	row := &PassScheduleRecord{
		PassID:                 in.PassID,
		SatelliteID:            in.SatelliteID,
		StartTime:              in.StartTime,
		EndTime:                in.EndTime,
		MaxElevationDeg:        in.MaxElevationDeg,
		PredictedWindSpeed:     in.PredictedWindSpeed,
		PredictedPrecipitation: in.PredictedPrecipitation,
		PredictedCloudCover:    in.PredictedCloudCover,
		EstimatedQBER:          in.EstimatedQBER,
		EstimatedKeys:          in.EstimatedKeys,
		PassViable:             in.PassViable,
	}
	if !in.GeneratedAt.IsZero() {
		at := in.GeneratedAt
		row.GeneratedAt = &at
	}
	if err := createInSavepoint(tx, row); err != nil {
		if IsDuplicateKey(err) {
			out.SchedulesSkipped++
			return nil
		}
		return fmt.Errorf("insert scheduled pass %s: %w", in.PassID, err)
	}
	out.RecordsInserted++
	return nil
}

func applyEnvironmentSample(tx *gorm.DB, in *ogs.EnvironmentSample, out *PackageOutcome) error {
	row := &EnvironmentRecord{
		Timestamp:     in.Timestamp,
		OGSID:         in.OGSID,
		DomeOpen:      in.DomeOpen,
		DomeAnomaly:   in.DomeAnomaly,
		Temperature:   in.Temperature,
		WindSpeed:     in.WindSpeed,
		WindDirection: in.WindDirection,
		Humidity:      in.Humidity,
		AirPressure:   in.AirPressure,
		CloudCover:    in.CloudCover,
		Precipitation: in.Precipitation,
		Brightness:    in.Brightness,
	}
	if err := tx.Create(row).Error; err != nil {
		return fmt.Errorf("insert environment sample: %w", err)
	}
	out.RecordsInserted++
	return nil
}

// applyLinkSample inserts one link sample. A declared pass reference is
// used when that pass exists; otherwise the sample correlates by time
// window, or stays null for the deferred sweep to resolve.
func applyLinkSample(tx *gorm.DB, in *ogs.LinkSample, out *PackageOutcome) error {
	row := &LinkSampleRecord{
		Timestamp:        in.Timestamp,
		QuantumLocked:    in.QuantumLocked,
		TrackingStatus:   in.TrackingStatus,
		QBER:             in.QBER,
		LinkPowerMargin:  in.LinkPowerMargin,
		ReceivedPower:    in.ReceivedPower,
		UplinkPower:      in.UplinkPower,
		FSOUplinkPower:   in.FSOUplinkPower,
		FSODownlinkPower: in.FSODownlinkPower,
		FSOStatus:        in.FSOStatus,
	}

	if in.PassID != "" {
		known, err := lookupPass(tx, in.PassID)
		if err != nil {
			return err
		}
		if known {
			id := in.PassID
			row.PassID = &id
		}
	} else {
		id, tie, err := inferPassByWindow(tx, in.Timestamp)
		if err != nil {
			return err
		}
		if id != "" {
			row.PassID = &id
			if tie {
				out.Anomalies = append(out.Anomalies, StagedAnomaly{
					Category: AnomalyCorrelationTie,
					Detail: fmt.Sprintf("link sample at %s inside overlapping pass windows, assigned %s",
						in.Timestamp.UTC().Format(time.RFC3339Nano), id),
				})
			}
		}
	}

	if err := tx.Create(row).Error; err != nil {
		return fmt.Errorf("insert link sample: %w", err)
	}
	out.RecordsInserted++
	return nil
}

// applyAlert inserts one alert. A declared pass identity is
// authoritative: when the declared pass is unknown the alert keeps a
// null reference and an integrity warning carries the declared id.
// Undeclared alerts correlate by time window. Re-delivered alerts are
// skipped and counted.
func applyAlert(tx *gorm.DB, in *ogs.Alert, out *PackageOutcome) error {
	row := &AlertRecord{
		Timestamp:    in.Timestamp,
		AlertID:      in.AlertID,
		Severity:     in.Severity,
		SeverityCode: in.SeverityCode,
		Component:    in.Component,
		ComponentID:  in.ComponentID,
		Description:  in.Description,
		ActionTaken:  in.ActionTaken,
	}

	var staged []StagedAnomaly
	if in.RelatedPassID != "" {
		known, err := lookupPass(tx, in.RelatedPassID)
		if err != nil {
			return err
		}
		if known {
			id := in.RelatedPassID
			row.RelatedPassID = &id
		} else {
			staged = append(staged, StagedAnomaly{
				Category: AnomalyMissingPassRef,
				Detail:   fmt.Sprintf("alert %s declares unknown pass %s", in.AlertID, in.RelatedPassID),
			})
		}
	} else {
		id, tie, err := inferPassByWindow(tx, in.Timestamp)
		if err != nil {
			return err
		}
		if id != "" {
			row.RelatedPassID = &id
			if tie {
				staged = append(staged, StagedAnomaly{
					Category: AnomalyCorrelationTie,
					Detail: fmt.Sprintf("alert %s inside overlapping pass windows, assigned %s",
						in.AlertID, id),
				})
			}
		}
	}

	if err := createInSavepoint(tx, row); err != nil {
		if IsDuplicateKey(err) {
			out.AlertsSkipped++
			return nil
		}
		return fmt.Errorf("insert alert %s: %w", in.AlertID, err)
	}
	out.Anomalies = append(out.Anomalies, staged...)
	out.RecordsInserted++
	return nil
}

// createInSavepoint writes one row under a savepoint so a failed insert
// rolls back only that row, not the unit transaction.
func createInSavepoint(tx *gorm.DB, row any) error {
	return tx.Transaction(func(inner *gorm.DB) error {
		return inner.Create(row).Error
	})
}
