// Package delivery feeds raw units into the ingestion pipeline from the
// transports the ground segment actually uses: a spool directory watched
// with fsnotify, HTTP polling of site agents and station collectors, and a
// NATS queue-group subscription. Every adapter reduces a delivery to a
// pipeline submission; deduplication stays the ledger's job, the adapters
// only keep a local digest cache so bytes already handed over are not
// fetched or submitted again.
package delivery

import (
	"context"
	"encoding/hex"
	"errors"
	"log/slog"

	"github.com/zeebo/blake3"

	"github.com/qkdops/groundsync/internal/ingest"
	"github.com/qkdops/groundsync/internal/pipeline"
	"github.com/qkdops/groundsync/internal/store"
)

// Submitter admits raw units into the ingestion pipeline.
// *pipeline.Coordinator implements it.
type Submitter interface {
	Submit(ctx context.Context, unit *ingest.Unit) error
}

// AnomalyRecorder persists delivery-side anomalies: re-deliveries whose
// content changed under a known name, and payloads that cannot be turned
// into a unit at all. *store.Store implements it.
type AnomalyRecorder interface {
	RecordAnomaly(ctx context.Context, fingerprint, category, detail string) error
}

// deliver hands one unit to the pipeline and reports whether the delivery
// is handled. Queue pressure and shutdown return false so the caller can
// retry later; everything else, including rejection, is final.
func deliver(ctx context.Context, sub Submitter, unit *ingest.Unit, log *slog.Logger) bool {
	switch err := sub.Submit(ctx, unit); {
	case err == nil:
		return true
	case errors.Is(err, store.ErrDuplicateUnit), errors.Is(err, pipeline.ErrUnitInFlight):
		log.Debug("unit already handled", "unit", unit.Name)
		return true
	case errors.Is(err, pipeline.ErrQueueFull):
		log.Warn("intake queue full, delivery deferred", "unit", unit.Name)
		return false
	case errors.Is(err, pipeline.ErrStopped):
		log.Debug("pipeline stopped, delivery dropped", "unit", unit.Name)
		return false
	default:
		log.Warn("unit rejected", "unit", unit.Name, "error", err)
		return true
	}
}

// recordAnomaly persists an anomaly and logs instead of failing when the
// store is unavailable. A nil recorder is tolerated for adapters wired
// without one.
func recordAnomaly(ctx context.Context, rec AnomalyRecorder, log *slog.Logger, name, category, detail string) {
	if rec == nil {
		return
	}
	if err := rec.RecordAnomaly(ctx, name, category, detail); err != nil {
		log.Warn("anomaly not recorded", "unit", name, "category", category, "error", err)
	}
}

// payloadDigest hashes delivered bytes the same way units hash their
// payload.
func payloadDigest(b []byte) string {
	sum := blake3.Sum256(b)
	return hex.EncodeToString(sum[:])
}
