package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qkdops/groundsync/internal/keypool"
	"github.com/qkdops/groundsync/internal/ogs"
)

func TestApplyLogUnitCommitsEventsAndLedger(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	base := time.Date(2025, 7, 1, 10, 0, 0, 123456000, time.UTC)
	id1, id2, id3 := uuid.NewString(), uuid.NewString(), uuid.NewString()
	events := []keypool.Event{
		keyCreationEvent(1, id1, 1, 1, 2, base),
		keyCreationEvent(2, id2, 2, 1, 2, base.Add(time.Second)),
		keyCreationEvent(4, id3, 3, 1, 2, base.Add(2*time.Second)),
		syncLatencyEvent(5, 87, base.Add(3*time.Second)),
	}
	unit := newLogUnit("keyPoolService-siteA.log", events, 1)

	out, err := s.ApplyLogUnit(ctx, unit)
	require.NoError(t, err)
	assert.Equal(t, keypool.Counts{KeyCreations: 3, SyncLatency: 1}, out.Inserted)
	assert.Zero(t, out.Conflicts)
	assert.Zero(t, out.Regressions)
	assert.Empty(t, out.Anomalies)

	var ledger ProcessedFileRecord
	require.NoError(t, s.db.Where("filename = ?", "keyPoolService-siteA.log").First(&ledger).Error)
	assert.Equal(t, 5, ledger.TotalLines)
	assert.Equal(t, 3, ledger.KeyCreationsCount)
	assert.Equal(t, 1, ledger.SyncLatencyCount)
	assert.Equal(t, 0, ledger.KeyCountCount)
	assert.Equal(t, int64(2048), ledger.FileSize)

	var creations []KeyCreationRecord
	require.NoError(t, s.db.Order("sequence_number ASC").Find(&creations).Error)
	require.Len(t, creations, 3)
	assert.Equal(t, id1, creations[0].KeyIdentity)
	assert.Equal(t, "keyPoolService-siteA.log", creations[0].LogFile)
	// Microsecond precision survives the round trip.
	assert.Equal(t, base.UnixMicro(), creations[0].Timestamp.UnixMicro())

	var latencies []SyncLatencyRecord
	require.NoError(t, s.db.Find(&latencies).Error)
	require.Len(t, latencies, 1)
	assert.Equal(t, int64(87), latencies[0].LatencyMS)
}

func TestApplyLogUnitDuplicateAbortsWholeUnit(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC()
	first := newLogUnit("site-1.log", []keypool.Event{
		keyCreationEvent(1, uuid.NewString(), 1, 1, 2, base),
	}, 0)
	_, err := s.ApplyLogUnit(ctx, first)
	require.NoError(t, err)

	// Same fingerprint again, different content: nothing may change.
	again := newLogUnit("site-1.log", []keypool.Event{
		keyCreationEvent(1, uuid.NewString(), 2, 1, 2, base),
	}, 0)
	_, err = s.ApplyLogUnit(ctx, again)
	require.ErrorIs(t, err, ErrDuplicateUnit)

	var n int64
	require.NoError(t, s.db.Model(&KeyCreationRecord{}).Count(&n).Error)
	assert.Equal(t, int64(1), n)
	require.NoError(t, s.db.Model(&ProcessedFileRecord{}).Count(&n).Error)
	assert.Equal(t, int64(1), n)
}

func TestApplyLogUnitConflictDropsOnlyThatRecord(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC()
	shared := uuid.NewString()
	_, err := s.ApplyLogUnit(ctx, newLogUnit("site-1.log", []keypool.Event{
		keyCreationEvent(1, shared, 1, 1, 2, base),
	}, 0))
	require.NoError(t, err)

	fresh := uuid.NewString()
	out, err := s.ApplyLogUnit(ctx, newLogUnit("site-2.log", []keypool.Event{
		keyCreationEvent(1, shared, 2, 1, 2, base),
		keyCreationEvent(2, fresh, 3, 1, 2, base),
		syncLatencyEvent(3, 42, base),
	}, 0))
	require.NoError(t, err)

	assert.Equal(t, 1, out.Conflicts)
	assert.Equal(t, keypool.Counts{KeyCreations: 1, SyncLatency: 1}, out.Inserted)
	require.Len(t, out.Anomalies, 1)
	assert.Equal(t, AnomalyRecordConflict, out.Anomalies[0].Category)
	assert.Contains(t, out.Anomalies[0].Detail, shared)

	// Ledger counts reflect what actually committed.
	var ledger ProcessedFileRecord
	require.NoError(t, s.db.Where("filename = ?", "site-2.log").First(&ledger).Error)
	assert.Equal(t, 1, ledger.KeyCreationsCount)
	assert.Equal(t, 1, ledger.SyncLatencyCount)

	var n int64
	require.NoError(t, s.db.Model(&KeyCreationRecord{}).Count(&n).Error)
	assert.Equal(t, int64(2), n)
}

func TestApplyLogUnitFlagsSequenceRegression(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC()
	_, err := s.ApplyLogUnit(ctx, newLogUnit("site-1.log", []keypool.Event{
		keyCreationEvent(1, uuid.NewString(), 5, 1, 2, base),
	}, 0))
	require.NoError(t, err)

	out, err := s.ApplyLogUnit(ctx, newLogUnit("site-2.log", []keypool.Event{
		keyCreationEvent(1, uuid.NewString(), 3, 1, 2, base),
	}, 0))
	require.NoError(t, err)

	assert.Equal(t, 1, out.Regressions)
	require.Len(t, out.Anomalies, 1)
	assert.Equal(t, AnomalySequenceRegression, out.Anomalies[0].Category)

	// Flagged, never rejected: the row is still committed.
	var n int64
	require.NoError(t, s.db.Model(&KeyCreationRecord{}).Count(&n).Error)
	assert.Equal(t, int64(2), n)
}

func TestSequenceTracksSitePairsIndependently(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC()
	_, err := s.ApplyLogUnit(ctx, newLogUnit("site-1.log", []keypool.Event{
		keyCreationEvent(1, uuid.NewString(), 50, 1, 2, base),
	}, 0))
	require.NoError(t, err)

	// Lower number on a different pair is not a regression.
	out, err := s.ApplyLogUnit(ctx, newLogUnit("site-7.log", []keypool.Event{
		keyCreationEvent(1, uuid.NewString(), 1, 7, 2, base),
	}, 0))
	require.NoError(t, err)
	assert.Zero(t, out.Regressions)
	assert.Empty(t, out.Anomalies)
}

func TestSequenceEqualHighWaterMarkIsNotRegression(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC()
	_, err := s.ApplyLogUnit(ctx, newLogUnit("site-1.log", []keypool.Event{
		keyCreationEvent(1, uuid.NewString(), 4, 1, 2, base),
	}, 0))
	require.NoError(t, err)

	out, err := s.ApplyLogUnit(ctx, newLogUnit("site-2.log", []keypool.Event{
		keyCreationEvent(1, uuid.NewString(), 4, 1, 2, base),
	}, 0))
	require.NoError(t, err)
	assert.Zero(t, out.Regressions)
}

func TestApplyPackageInsertsAllSections(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	start := time.Date(2025, 7, 1, 10, 0, 0, 0, time.UTC)
	end := start.Add(10 * time.Minute)
	pkg := &PackageUnit{
		Fingerprint: "2025-07-01T10:10:00.000000",
		Package: &ogs.Package{
			Environment: testEnvironment(start.Add(2 * time.Minute)),
			Link:        testLink(start.Add(3*time.Minute), ""),
			Summary:     testSummary("pass-20250701-100000", start, end),
			Alerts:      []ogs.Alert{testAlert("ALT-001", start.Add(4*time.Minute), "")},
			Schedule:    []ogs.ScheduledPass{testSchedule("pass-20250701-120000", start.Add(2*time.Hour), start.Add(2*time.Hour+8*time.Minute))},
		},
	}

	out, err := s.ApplyPackage(ctx, pkg)
	require.NoError(t, err)
	assert.Equal(t, 5, out.RecordsInserted)
	assert.True(t, out.WindowChanged)
	assert.Zero(t, out.AlertsSkipped)
	assert.Zero(t, out.SchedulesSkipped)

	// The summary lands first, so the link sample and the alert
	// correlate to it inside the same transaction.
	var link LinkSampleRecord
	require.NoError(t, s.db.First(&link).Error)
	require.NotNil(t, link.PassID)
	assert.Equal(t, "pass-20250701-100000", *link.PassID)

	var alert AlertRecord
	require.NoError(t, s.db.First(&alert).Error)
	require.NotNil(t, alert.RelatedPassID)
	assert.Equal(t, "pass-20250701-100000", *alert.RelatedPassID)

	var ledger ProcessedPackageRecord
	require.NoError(t, s.db.Where("package_timestamp = ?", pkg.Fingerprint).First(&ledger).Error)
	assert.Equal(t, 5, ledger.RecordsInserted)
}

func TestApplyPackageDuplicateAbortsWholeUnit(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	fp := "2025-07-01T10:10:00.000000"
	_, err := s.ApplyPackage(ctx, &PackageUnit{Fingerprint: fp, Package: &ogs.Package{
		Environment: testEnvironment(time.Now().UTC()),
	}})
	require.NoError(t, err)

	_, err = s.ApplyPackage(ctx, &PackageUnit{Fingerprint: fp, Package: &ogs.Package{
		Environment: testEnvironment(time.Now().UTC()),
	}})
	require.ErrorIs(t, err, ErrDuplicateUnit)

	var n int64
	require.NoError(t, s.db.Model(&EnvironmentRecord{}).Count(&n).Error)
	assert.Equal(t, int64(1), n)
}

func TestApplyPackageMergeWidensWindow(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	start := time.Date(2025, 7, 1, 10, 0, 0, 0, time.UTC)
	first := testSummary("pass-20250701-100000", start, start.Add(10*time.Minute))
	_, err := s.ApplyPackage(ctx, &PackageUnit{
		Fingerprint: "2025-07-01T10:10:00.000000",
		Package:     &ogs.Package{Summary: first},
	})
	require.NoError(t, err)

	// Later report starts earlier and ends earlier; scalars are its own.
	second := testSummary("pass-20250701-100000", start.Add(-5*time.Minute), start.Add(5*time.Minute))
	second.KeysDistilled = 1400
	second.LockPercentage = 90.0
	out, err := s.ApplyPackage(ctx, &PackageUnit{
		Fingerprint: "2025-07-01T10:10:05.000000",
		Package:     &ogs.Package{Summary: second},
	})
	require.NoError(t, err)
	assert.True(t, out.SummaryMerged)
	assert.True(t, out.WindowChanged)

	var row PassSummaryRecord
	require.NoError(t, s.db.Where("pass_id = ?", "pass-20250701-100000").First(&row).Error)
	assert.Equal(t, start.Add(-5*time.Minute).UnixMicro(), row.StartTime.UnixMicro())
	assert.Equal(t, start.Add(10*time.Minute).UnixMicro(), row.EndTime.UnixMicro())
	// Duration comes from the widened window, not either report.
	assert.Equal(t, int64(900), row.TotalDurationSec)
	assert.Equal(t, 1400, row.KeysDistilled)
	assert.InDelta(t, 90.0, row.LockPercentage, 0.001)

	var n int64
	require.NoError(t, s.db.Model(&PassSummaryRecord{}).Count(&n).Error)
	assert.Equal(t, int64(1), n)
}

func TestApplyPackageMergeInsideExistingWindow(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	start := time.Date(2025, 7, 1, 10, 0, 0, 0, time.UTC)
	_, err := s.ApplyPackage(ctx, &PackageUnit{
		Fingerprint: "2025-07-01T10:10:00.000000",
		Package:     &ogs.Package{Summary: testSummary("pass-20250701-100000", start, start.Add(10*time.Minute))},
	})
	require.NoError(t, err)

	out, err := s.ApplyPackage(ctx, &PackageUnit{
		Fingerprint: "2025-07-01T10:10:05.000000",
		Package:     &ogs.Package{Summary: testSummary("pass-20250701-100000", start.Add(2*time.Minute), start.Add(8*time.Minute))},
	})
	require.NoError(t, err)
	assert.True(t, out.SummaryMerged)
	assert.False(t, out.WindowChanged)

	var row PassSummaryRecord
	require.NoError(t, s.db.Where("pass_id = ?", "pass-20250701-100000").First(&row).Error)
	assert.Equal(t, int64(600), row.TotalDurationSec)
}

func TestMergeRefreshesWeatherFromStoredSamples(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	start := time.Date(2025, 7, 1, 10, 0, 0, 0, time.UTC)
	env := testEnvironment(start.Add(2 * time.Minute))
	env.WindSpeed = 9.5
	env.Temperature = 12.0
	env.Humidity = 70
	env.Precipitation = true
	_, err := s.ApplyPackage(ctx, &PackageUnit{
		Fingerprint: "2025-07-01T10:02:00.000000",
		Package: &ogs.Package{
			Environment: env,
			Summary:     testSummary("pass-20250701-100000", start, start.Add(10*time.Minute)),
		},
	})
	require.NoError(t, err)

	// The merge prefers measured samples over the report's aggregates.
	second := testSummary("pass-20250701-100000", start, start.Add(10*time.Minute))
	second.AvgWindSpeed = 3.0
	second.PrecipitationDuringPass = false
	_, err = s.ApplyPackage(ctx, &PackageUnit{
		Fingerprint: "2025-07-01T10:10:00.000000",
		Package:     &ogs.Package{Summary: second},
	})
	require.NoError(t, err)

	var row PassSummaryRecord
	require.NoError(t, s.db.Where("pass_id = ?", "pass-20250701-100000").First(&row).Error)
	assert.InDelta(t, 9.5, row.AvgWindSpeed, 0.001)
	assert.InDelta(t, 12.0, row.AvgTemperature, 0.001)
	assert.InDelta(t, 70.0, row.AvgHumidity, 0.001)
	assert.True(t, row.PrecipitationDuring)
}

func TestSummaryInsertUsesMeasuredWeather(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	start := time.Date(2025, 7, 1, 10, 0, 0, 0, time.UTC)
	env := testEnvironment(start.Add(2 * time.Minute))
	env.WindSpeed = 11.0
	_, err := s.ApplyPackage(ctx, &PackageUnit{
		Fingerprint: "2025-07-01T10:02:00.000000",
		Package:     &ogs.Package{Environment: env},
	})
	require.NoError(t, err)

	// The sample predates the summary; the first insert already
	// reflects measured weather instead of the report's guess.
	summary := testSummary("pass-20250701-100000", start, start.Add(10*time.Minute))
	summary.AvgWindSpeed = 3.0
	_, err = s.ApplyPackage(ctx, &PackageUnit{
		Fingerprint: "2025-07-01T10:10:00.000000",
		Package:     &ogs.Package{Summary: summary},
	})
	require.NoError(t, err)

	var row PassSummaryRecord
	require.NoError(t, s.db.Where("pass_id = ?", "pass-20250701-100000").First(&row).Error)
	assert.InDelta(t, 11.0, row.AvgWindSpeed, 0.001)
}

func TestApplyPackageSkipsRedeliveredAlertsAndSchedules(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	ts := time.Date(2025, 7, 1, 10, 4, 0, 0, time.UTC)
	sched := testSchedule("pass-20250701-120000", ts.Add(2*time.Hour), ts.Add(2*time.Hour+8*time.Minute))
	_, err := s.ApplyPackage(ctx, &PackageUnit{
		Fingerprint: "2025-07-01T10:04:00.000000",
		Package: &ogs.Package{
			Alerts:   []ogs.Alert{testAlert("ALT-001", ts, "")},
			Schedule: []ogs.ScheduledPass{sched},
		},
	})
	require.NoError(t, err)

	// The source repeats recent alerts and re-announces schedules in
	// every later package.
	out, err := s.ApplyPackage(ctx, &PackageUnit{
		Fingerprint: "2025-07-01T10:04:05.000000",
		Package: &ogs.Package{
			Alerts:   []ogs.Alert{testAlert("ALT-001", ts, ""), testAlert("ALT-002", ts.Add(time.Second), "")},
			Schedule: []ogs.ScheduledPass{sched},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, out.AlertsSkipped)
	assert.Equal(t, 1, out.SchedulesSkipped)
	assert.Equal(t, 1, out.RecordsInserted)
	assert.Empty(t, out.Anomalies)

	var n int64
	require.NoError(t, s.db.Model(&AlertRecord{}).Count(&n).Error)
	assert.Equal(t, int64(2), n)
	require.NoError(t, s.db.Model(&PassScheduleRecord{}).Count(&n).Error)
	assert.Equal(t, int64(1), n)
}

func TestAlertDeclaredUnknownPassKeepsNullReference(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	out, err := s.ApplyPackage(ctx, &PackageUnit{
		Fingerprint: "2025-07-01T10:04:00.000000",
		Package: &ogs.Package{
			Alerts: []ogs.Alert{testAlert("ALT-009", time.Now().UTC(), "pass-20990101-000000")},
		},
	})
	require.NoError(t, err)

	require.Len(t, out.Anomalies, 1)
	assert.Equal(t, AnomalyMissingPassRef, out.Anomalies[0].Category)
	assert.Contains(t, out.Anomalies[0].Detail, "pass-20990101-000000")

	var alert AlertRecord
	require.NoError(t, s.db.Where("alert_id = ?", "ALT-009").First(&alert).Error)
	assert.Nil(t, alert.RelatedPassID)
}

func TestAlertDeclaredPassWinsOverWindow(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	start := time.Date(2025, 7, 1, 10, 0, 0, 0, time.UTC)
	_, err := s.ApplyPackage(ctx, &PackageUnit{
		Fingerprint: "p1",
		Package:     &ogs.Package{Summary: testSummary("pass-window", start, start.Add(10*time.Minute))},
	})
	require.NoError(t, err)
	_, err = s.ApplyPackage(ctx, &PackageUnit{
		Fingerprint: "p2",
		Package:     &ogs.Package{Summary: testSummary("pass-declared", start.Add(time.Hour), start.Add(time.Hour+10*time.Minute))},
	})
	require.NoError(t, err)

	// Alert timestamp sits in pass-window's window, but the declared
	// identity is authoritative.
	_, err = s.ApplyPackage(ctx, &PackageUnit{
		Fingerprint: "p3",
		Package: &ogs.Package{
			Alerts: []ogs.Alert{testAlert("ALT-010", start.Add(5*time.Minute), "pass-declared")},
		},
	})
	require.NoError(t, err)

	var alert AlertRecord
	require.NoError(t, s.db.Where("alert_id = ?", "ALT-010").First(&alert).Error)
	require.NotNil(t, alert.RelatedPassID)
	assert.Equal(t, "pass-declared", *alert.RelatedPassID)
}

func TestLinkSampleStaysUncorrelatedWithoutPass(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	out, err := s.ApplyPackage(ctx, &PackageUnit{
		Fingerprint: "2025-07-01T10:03:00.000000",
		Package:     &ogs.Package{Link: testLink(time.Now().UTC(), "")},
	})
	require.NoError(t, err)
	assert.Empty(t, out.Anomalies)

	var link LinkSampleRecord
	require.NoError(t, s.db.First(&link).Error)
	assert.Nil(t, link.PassID)
}

func TestLinkSampleDeclaredUnknownPassDeferred(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	// Declared pass not on file yet: no window fallback, no warning,
	// the deferred sweep picks it up once the summary arrives.
	out, err := s.ApplyPackage(ctx, &PackageUnit{
		Fingerprint: "2025-07-01T10:03:00.000000",
		Package:     &ogs.Package{Link: testLink(time.Now().UTC(), "pass-20250701-100000")},
	})
	require.NoError(t, err)
	assert.Empty(t, out.Anomalies)

	var link LinkSampleRecord
	require.NoError(t, s.db.First(&link).Error)
	assert.Nil(t, link.PassID)
}
