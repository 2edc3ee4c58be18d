package pipeline

import "sync/atomic"

// counters accumulates pipeline totals since process start. All fields
// are updated lock-free from worker goroutines.
type counters struct {
	unitsReceived     atomic.Int64
	unitsDuplicate    atomic.Int64
	unitsWritten      atomic.Int64
	unitsFailed       atomic.Int64
	unitsRejected     atomic.Int64
	retries           atomic.Int64
	malformedRecords  atomic.Int64
	recordsWritten    atomic.Int64
	recordConflicts   atomic.Int64
	regressions       atomic.Int64
	alertsSkipped     atomic.Int64
	schedulesSkipped  atomic.Int64
	summariesMerged   atomic.Int64
	linksCorrelated   atomic.Int64
	alertsCorrelated  atomic.Int64
	correlationSweeps atomic.Int64
}

// Stats is a point-in-time snapshot of pipeline totals.
type Stats struct {
	UnitsReceived     int64 `json:"unitsReceived"`
	UnitsDuplicate    int64 `json:"unitsDuplicate"`
	UnitsWritten      int64 `json:"unitsWritten"`
	UnitsFailed       int64 `json:"unitsFailed"`
	UnitsRejected     int64 `json:"unitsRejected"`
	Retries           int64 `json:"retries"`
	MalformedRecords  int64 `json:"malformedRecords"`
	RecordsWritten    int64 `json:"recordsWritten"`
	RecordConflicts   int64 `json:"recordConflicts"`
	Regressions       int64 `json:"sequenceRegressions"`
	AlertsSkipped     int64 `json:"alertsSkipped"`
	SchedulesSkipped  int64 `json:"schedulesSkipped"`
	SummariesMerged   int64 `json:"summariesMerged"`
	LinksCorrelated   int64 `json:"linksCorrelated"`
	AlertsCorrelated  int64 `json:"alertsCorrelated"`
	CorrelationSweeps int64 `json:"correlationSweeps"`
	QueueDepth        int   `json:"queueDepth"`
	InFlight          int   `json:"inFlight"`
}

func (c *counters) snapshot() Stats {
	return Stats{
		UnitsReceived:     c.unitsReceived.Load(),
		UnitsDuplicate:    c.unitsDuplicate.Load(),
		UnitsWritten:      c.unitsWritten.Load(),
		UnitsFailed:       c.unitsFailed.Load(),
		UnitsRejected:     c.unitsRejected.Load(),
		Retries:           c.retries.Load(),
		MalformedRecords:  c.malformedRecords.Load(),
		RecordsWritten:    c.recordsWritten.Load(),
		RecordConflicts:   c.recordConflicts.Load(),
		Regressions:       c.regressions.Load(),
		AlertsSkipped:     c.alertsSkipped.Load(),
		SchedulesSkipped:  c.schedulesSkipped.Load(),
		SummariesMerged:   c.summariesMerged.Load(),
		LinksCorrelated:   c.linksCorrelated.Load(),
		AlertsCorrelated:  c.alertsCorrelated.Load(),
		CorrelationSweeps: c.correlationSweeps.Load(),
	}
}
