// Package pipeline drives raw units through the ingestion lifecycle:
// identify, admit, parse, write, correlate. A bounded worker pool
// applies units against the store, transient storage faults retry with
// doubling backoff, and a background sweep resolves pass references for
// telemetry that arrived before its pass summary.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/qkdops/groundsync/internal/ingest"
	"github.com/qkdops/groundsync/internal/keypool"
	"github.com/qkdops/groundsync/internal/ogs"
	"github.com/qkdops/groundsync/internal/store"
)

// UnitState labels one stage of a unit's lifecycle. DUPLICATE, WRITTEN
// and FAILED are terminal.
type UnitState string

const (
	StateReceived      UnitState = "RECEIVED"
	StateFingerprinted UnitState = "FINGERPRINTED"
	StateAdmitted      UnitState = "ADMITTED"
	StateDuplicate     UnitState = "DUPLICATE"
	StateParsed        UnitState = "PARSED"
	StateCorrelated    UnitState = "CORRELATED"
	StateWritten       UnitState = "WRITTEN"
	StateFailed        UnitState = "FAILED"
)

var (
	// ErrQueueFull rejects a submission when the intake queue is at
	// capacity. The caller should redeliver later.
	ErrQueueFull = errors.New("intake queue full")
	// ErrUnitInFlight rejects a submission whose fingerprint is already
	// being processed by a worker.
	ErrUnitInFlight = errors.New("unit already in flight")
	// ErrStopped rejects submissions after shutdown has begun.
	ErrStopped = errors.New("pipeline stopped")
)

// queuedUnit pairs a raw unit with its computed fingerprint so workers
// never recompute it.
type queuedUnit struct {
	unit        *ingest.Unit
	fingerprint string
}

// Coordinator owns the intake queue, the worker pool and the deferred
// correlation sweep.
type Coordinator struct {
	store    *store.Store
	cfg      *Config
	logger   *slog.Logger
	counters counters

	queue       chan queuedUnit
	inFlight    mapset.Set[string]
	correlateCh chan struct{}

	mu      sync.RWMutex
	stopped bool
	wg      sync.WaitGroup
}

// NewCoordinator creates a coordinator over st. A nil cfg uses defaults;
// a nil logger uses slog.Default().
func NewCoordinator(st *store.Store, cfg *Config, logger *slog.Logger) *Coordinator {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		store:       st,
		cfg:         cfg,
		logger:      logger,
		queue:       make(chan queuedUnit, cfg.QueueSize),
		inFlight:    mapset.NewSet[string](),
		correlateCh: make(chan struct{}, 1),
	}
}

// Submit identifies a unit and queues it for processing. Units already
// in the ledger or already in flight return ErrDuplicateUnit or
// ErrUnitInFlight; a full queue returns ErrQueueFull and the caller is
// expected to redeliver.
func (c *Coordinator) Submit(ctx context.Context, unit *ingest.Unit) error {
	c.counters.unitsReceived.Add(1)

	fingerprint, err := unit.Fingerprint()
	if err != nil {
		err = fmt.Errorf("identify unit %s: %w", unit.Name, err)
		c.failUnit(ctx, unit.Name, err, c.logger.With("unit", unit.Name))
		return err
	}

	log := c.logger.With("unit", unit.Name, "fingerprint", fingerprint)
	log.Debug("unit identified", "state", StateFingerprinted, "kind", unit.Kind, "size", unit.Size)

	// Read-only short circuit. The ledger insert inside the unit
	// transaction stays authoritative under races.
	seen, err := c.store.Seen(ctx, unit.Kind, fingerprint)
	if err != nil {
		log.Warn("ledger pre-check failed", "error", err)
	} else if seen {
		c.counters.unitsDuplicate.Add(1)
		log.Info("duplicate unit dropped at intake", "state", StateDuplicate)
		return fmt.Errorf("unit %s: %w", unit.Name, store.ErrDuplicateUnit)
	}

	if !c.inFlight.Add(fingerprint) {
		c.counters.unitsDuplicate.Add(1)
		log.Info("unit already being processed", "state", StateDuplicate)
		return fmt.Errorf("unit %s: %w", unit.Name, ErrUnitInFlight)
	}

	c.mu.RLock()
	if c.stopped {
		c.mu.RUnlock()
		c.inFlight.Remove(fingerprint)
		return ErrStopped
	}
	select {
	case c.queue <- queuedUnit{unit: unit, fingerprint: fingerprint}:
		c.mu.RUnlock()
		log.Debug("unit admitted to queue", "state", StateAdmitted)
		return nil
	default:
		c.mu.RUnlock()
		c.inFlight.Remove(fingerprint)
		c.counters.unitsRejected.Add(1)
		return fmt.Errorf("unit %s: %w", unit.Name, ErrQueueFull)
	}
}

// Run starts the worker pool and the correlation sweep, then blocks
// until ctx is cancelled and every queued unit has drained.
func (c *Coordinator) Run(ctx context.Context) {
	c.logger.Info("ingest pipeline starting",
		"workers", c.cfg.Workers,
		"queueSize", c.cfg.QueueSize,
		"maxRetries", c.cfg.MaxRetries,
		"correlateInterval", c.cfg.CorrelateInterval.String())

	// Workers keep a context that survives cancellation so queued units
	// drain to completion, bounded per unit by UnitTimeout.
	workCtx := context.WithoutCancel(ctx)

	for i := 0; i < c.cfg.Workers; i++ {
		c.wg.Add(1)
		go func(workerID int) {
			defer c.wg.Done()
			c.workerLoop(workCtx, workerID)
		}(i)
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.sweepLoop(ctx)
	}()

	<-ctx.Done()

	c.mu.Lock()
	c.stopped = true
	close(c.queue)
	c.mu.Unlock()

	c.logger.Info("ingest pipeline draining", "queued", len(c.queue))
	c.wg.Wait()

	// One final sweep so telemetry committed during the drain still
	// gets its pass references.
	sweepCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := c.Correlate(sweepCtx); err != nil {
		c.logger.Error("final correlation sweep failed", "error", err)
	}

	c.logger.Info("ingest pipeline stopped")
}

func (c *Coordinator) workerLoop(ctx context.Context, workerID int) {
	for q := range c.queue {
		c.processUnit(ctx, workerID, q)
	}
}

func (c *Coordinator) processUnit(ctx context.Context, workerID int, q queuedUnit) {
	defer c.inFlight.Remove(q.fingerprint)

	log := c.logger.With("worker", workerID, "unit", q.unit.Name, "fingerprint", q.fingerprint)

	if c.cfg.UnitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.UnitTimeout)
		defer cancel()
	}

	var err error
	switch q.unit.Kind {
	case ingest.KindLog:
		err = c.processLogUnit(ctx, q, log)
	case ingest.KindPackage:
		err = c.processPackageUnit(ctx, q, log)
	default:
		err = fmt.Errorf("unknown unit kind %q", q.unit.Kind)
	}
	if err != nil {
		if errors.Is(err, store.ErrDuplicateUnit) {
			c.counters.unitsDuplicate.Add(1)
			log.Info("unit already processed", "state", StateDuplicate)
			return
		}
		c.failUnit(ctx, q.fingerprint, err, log)
	}
}

func (c *Coordinator) processLogUnit(ctx context.Context, q queuedUnit, log *slog.Logger) error {
	res, err := keypool.Parse(q.unit.Payload)
	if err != nil {
		return fmt.Errorf("decode %s: %w", q.unit.Name, err)
	}
	for _, f := range res.Failures {
		log.Warn("malformed log line skipped", "line", f.Line, "reason", f.Reason)
	}
	c.counters.malformedRecords.Add(int64(len(res.Failures)))
	if ratio := res.MalformedRatio(); ratio > c.cfg.MalformedThreshold {
		return fmt.Errorf("%d of %d lines malformed, unit rejected", len(res.Failures), res.TotalLines)
	}
	log.Debug("log unit parsed", "state", StateParsed,
		"events", len(res.Events), "malformed", len(res.Failures))

	var out *store.LogOutcome
	err = c.withRetry(ctx, log, func(ctx context.Context) error {
		var applyErr error
		out, applyErr = c.store.ApplyLogUnit(ctx, &store.LogUnit{
			Fingerprint: q.fingerprint,
			Size:        q.unit.Size,
			Result:      res,
		})
		return applyErr
	})
	if err != nil {
		return err
	}

	c.counters.unitsWritten.Add(1)
	inserted := out.Inserted.KeyCreations + out.Inserted.SyncLatency +
		out.Inserted.KeyCounts + out.Inserted.ControllerSyncs
	c.counters.recordsWritten.Add(int64(inserted))
	c.counters.recordConflicts.Add(int64(out.Conflicts))
	c.counters.regressions.Add(int64(out.Regressions))
	c.persistAnomalies(ctx, q.fingerprint, out.Anomalies, log)

	log.Info("log unit committed", "state", StateWritten,
		"keyCreations", out.Inserted.KeyCreations,
		"syncLatency", out.Inserted.SyncLatency,
		"keyCounts", out.Inserted.KeyCounts,
		"controllerSyncs", out.Inserted.ControllerSyncs,
		"conflicts", out.Conflicts,
		"regressions", out.Regressions)
	return nil
}

func (c *Coordinator) processPackageUnit(ctx context.Context, q queuedUnit, log *slog.Logger) error {
	pkg, err := ogs.Parse(q.unit.Payload)
	if err != nil {
		return fmt.Errorf("decode %s: %w", q.unit.Name, err)
	}
	for _, f := range pkg.Failures {
		log.Warn("malformed telemetry sample skipped",
			"section", f.Section, "field", f.Field, "reason", f.Reason)
	}
	c.counters.malformedRecords.Add(int64(len(pkg.Failures)))
	if ratio := pkg.MalformedRatio(); ratio > c.cfg.MalformedThreshold {
		return fmt.Errorf("%d of %d samples malformed, unit rejected", len(pkg.Failures), pkg.TotalSamples)
	}
	log.Debug("telemetry package parsed", "state", StateParsed,
		"samples", pkg.TotalSamples, "malformed", len(pkg.Failures))

	var out *store.PackageOutcome
	err = c.withRetry(ctx, log, func(ctx context.Context) error {
		var applyErr error
		out, applyErr = c.store.ApplyPackage(ctx, &store.PackageUnit{
			Fingerprint: q.fingerprint,
			Package:     pkg,
		})
		return applyErr
	})
	if err != nil {
		return err
	}

	c.counters.unitsWritten.Add(1)
	c.counters.recordsWritten.Add(int64(out.RecordsInserted))
	c.counters.alertsSkipped.Add(int64(out.AlertsSkipped))
	c.counters.schedulesSkipped.Add(int64(out.SchedulesSkipped))
	if out.SummaryMerged {
		c.counters.summariesMerged.Add(1)
	}
	c.persistAnomalies(ctx, q.fingerprint, out.Anomalies, log)

	log.Info("telemetry package committed", "state", StateWritten,
		"records", out.RecordsInserted,
		"alertsSkipped", out.AlertsSkipped,
		"schedulesSkipped", out.SchedulesSkipped,
		"summaryMerged", out.SummaryMerged)

	// A new or widened pass window may satisfy samples that arrived
	// before this summary; nudge the sweep instead of waiting a tick.
	if out.WindowChanged {
		select {
		case c.correlateCh <- struct{}{}:
		default:
		}
	}
	return nil
}

// withRetry runs fn, retrying on transient storage faults with doubling
// backoff. Any other error returns immediately.
func (c *Coordinator) withRetry(ctx context.Context, log *slog.Logger, fn func(context.Context) error) error {
	backoff := c.cfg.RetryBackoff
	var err error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			c.counters.retries.Add(1)
			log.Warn("retrying unit after transient storage fault",
				"attempt", attempt, "maxRetries", c.cfg.MaxRetries,
				"backoff", backoff.String(), "error", err)
			select {
			case <-ctx.Done():
				return fmt.Errorf("retry wait: %w", ctx.Err())
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		err = fn(ctx)
		if err == nil || !store.IsTransient(err) {
			return err
		}
	}
	return fmt.Errorf("retries exhausted: %w", err)
}

// failUnit marks a unit terminally failed and records the failure as an
// anomaly keyed by the unit's fingerprint.
func (c *Coordinator) failUnit(ctx context.Context, fingerprint string, uerr error, log *slog.Logger) {
	c.counters.unitsFailed.Add(1)
	log.Error("unit failed", "state", StateFailed, "error", uerr)

	// The failure record must land even when the unit context is the
	// thing that expired.
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := c.store.RecordAnomaly(rctx, fingerprint, store.AnomalyUnitFailed, uerr.Error()); err != nil {
		log.Error("failed to record unit failure", "error", err)
	}
}

func (c *Coordinator) persistAnomalies(ctx context.Context, fingerprint string, staged []store.StagedAnomaly, log *slog.Logger) {
	if len(staged) == 0 {
		return
	}
	if err := c.store.RecordAnomalies(ctx, fingerprint, staged); err != nil {
		log.Warn("failed to record unit anomalies", "count", len(staged), "error", err)
	}
}

// sweepLoop periodically resolves deferred pass references and prunes
// old anomaly records. Package commits that change a pass window nudge
// it between ticks.
func (c *Coordinator) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.CorrelateInterval)
	defer ticker.Stop()

	prune := time.NewTicker(time.Hour)
	defer prune.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-prune.C:
			c.pruneAnomalies(ctx)
			continue
		case <-ticker.C:
		case <-c.correlateCh:
		}
		if _, err := c.Correlate(ctx); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Error("correlation sweep failed", "error", err)
		}
	}
}

// Correlate runs one deferred-correlation pass now.
func (c *Coordinator) Correlate(ctx context.Context) (*store.CorrelationResult, error) {
	res, err := c.store.ResolveUncorrelated(ctx, c.cfg.CorrelateBatch)
	if err != nil {
		return nil, err
	}
	c.counters.correlationSweeps.Add(1)
	c.counters.linksCorrelated.Add(int64(res.LinksResolved))
	c.counters.alertsCorrelated.Add(int64(res.AlertsResolved))
	if res.LinksResolved+res.AlertsResolved > 0 {
		c.logger.Info("deferred pass references resolved", "state", StateCorrelated,
			"links", res.LinksResolved, "alerts", res.AlertsResolved, "ties", res.Ties)
	}
	return res, nil
}

func (c *Coordinator) pruneAnomalies(ctx context.Context) {
	if c.cfg.AnomalyRetentionDays <= 0 {
		return
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -c.cfg.AnomalyRetentionDays)
	deleted, err := c.store.DeleteAnomaliesBefore(ctx, cutoff)
	if err != nil {
		c.logger.Error("anomaly pruning failed", "error", err)
		return
	}
	if deleted > 0 {
		c.logger.Info("pruned old anomaly records", "deleted", deleted)
	}
}

// Stats returns a snapshot of pipeline totals plus current queue depth
// and in-flight unit count.
func (c *Coordinator) Stats() Stats {
	st := c.counters.snapshot()
	st.QueueDepth = len(c.queue)
	st.InFlight = c.inFlight.Cardinality()
	return st
}
