package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/qkdops/groundsync/internal/ingest"
	"github.com/qkdops/groundsync/internal/store"
)

// SpoolConfig tunes the spool directory watcher.
type SpoolConfig struct {
	Dir    string        // directory rotated files are dropped into
	Settle time.Duration // quiet period after the last write before a file is read; default 500ms
	Rescan time.Duration // periodic full rescan, retries deferred deliveries; 0 disables
}

// SpoolWatcher ingests files dropped into a spool directory. It performs an
// initial scan, then follows fsnotify create and write events, waiting for
// a file to go quiet before reading it so half-written drops are not picked
// up. A per-name payload digest skips byte-identical re-drops; a re-drop
// with different content is flagged as a content_mismatch anomaly and still
// submitted, the ledger decides whether it may proceed.
type SpoolWatcher struct {
	cfg    SpoolConfig
	sub    Submitter
	rec    AnomalyRecorder
	logger *slog.Logger
	cache  *digestCache

	mu      sync.Mutex
	pending map[string]*time.Timer
	wg      sync.WaitGroup
}

func NewSpoolWatcher(cfg SpoolConfig, sub Submitter, rec AnomalyRecorder, logger *slog.Logger) *SpoolWatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Settle <= 0 {
		cfg.Settle = 500 * time.Millisecond
	}
	return &SpoolWatcher{
		cfg:     cfg,
		sub:     sub,
		rec:     rec,
		logger:  logger.With("component", "spool", "dir", cfg.Dir),
		cache:   newDigestCache(),
		pending: make(map[string]*time.Timer),
	}
}

// Run watches the spool directory until ctx is cancelled. Files already at
// rest are picked up by the initial scan.
func (w *SpoolWatcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(w.cfg.Dir, 0o755); err != nil {
		return fmt.Errorf("create spool dir %s: %w", w.cfg.Dir, err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("start spool watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(w.cfg.Dir); err != nil {
		return fmt.Errorf("watch spool dir %s: %w", w.cfg.Dir, err)
	}

	w.logger.Info("spool watcher started", "settle", w.cfg.Settle, "rescan", w.cfg.Rescan)
	w.scan(ctx)

	var rescan <-chan time.Time
	if w.cfg.Rescan > 0 {
		ticker := time.NewTicker(w.cfg.Rescan)
		defer ticker.Stop()
		rescan = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			w.drainTimers()
			w.wg.Wait()
			w.logger.Info("spool watcher stopped")
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Write) {
				continue
			}
			if !spoolFile(ev.Name) {
				continue
			}
			w.schedule(ctx, ev.Name)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("spool watch error", "error", err)
		case <-rescan:
			w.scan(ctx)
		}
	}
}

// scan schedules every deliverable file currently in the directory. The
// digest cache keeps repeat scans from re-submitting anything already
// handed over.
func (w *SpoolWatcher) scan(ctx context.Context) {
	entries, err := os.ReadDir(w.cfg.Dir)
	if err != nil {
		w.logger.Warn("spool scan failed", "error", err)
		return
	}
	for _, e := range entries {
		if ctx.Err() != nil {
			return
		}
		if !e.Type().IsRegular() || !spoolFile(e.Name()) {
			continue
		}
		w.schedule(ctx, filepath.Join(w.cfg.Dir, e.Name()))
	}
}

// schedule arms, or re-arms, the settle timer for a path. The file is read
// only after it has gone quiet for the settle period.
func (w *SpoolWatcher) schedule(ctx context.Context, path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.pending[path]; ok {
		if t.Stop() {
			t.Reset(w.cfg.Settle)
		}
		return
	}
	w.wg.Add(1)
	w.pending[path] = time.AfterFunc(w.cfg.Settle, func() {
		defer w.wg.Done()
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()
		if ctx.Err() != nil {
			return
		}
		w.ingestFile(ctx, path)
	})
}

// drainTimers stops every pending settle timer on shutdown. Timers that
// already fired release their own waitgroup slot.
func (w *SpoolWatcher) drainTimers() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for path, t := range w.pending {
		if t.Stop() {
			w.wg.Done()
		}
		delete(w.pending, path)
	}
}

func (w *SpoolWatcher) ingestFile(ctx context.Context, path string) {
	payload, err := os.ReadFile(path)
	if err != nil {
		w.logger.Warn("spool read failed", "path", path, "error", err)
		return
	}
	name := filepath.Base(path)
	unit, err := ingest.NewUnit(name, ingest.DetectKind(name), payload, "spool")
	if err != nil {
		raw := payloadDigest(payload)
		if prev, ok := w.cache.lookup(name); ok && prev == raw {
			return
		}
		w.logger.Warn("spool drop unusable", "path", path, "error", err)
		recordAnomaly(ctx, w.rec, w.logger, name, store.AnomalyUnitFailed, err.Error())
		w.cache.store(name, raw)
		return
	}
	digest := unit.Digest()
	if prev, ok := w.cache.lookup(unit.Name); ok {
		if prev == digest {
			w.logger.Debug("byte-identical re-drop skipped", "unit", unit.Name)
			return
		}
		w.logger.Warn("re-drop with different content", "unit", unit.Name)
		recordAnomaly(ctx, w.rec, w.logger, unit.Name, store.AnomalyContentMismatch,
			fmt.Sprintf("payload for %s changed between deliveries", unit.Name))
	}
	if deliver(ctx, w.sub, unit, w.logger) {
		w.cache.store(unit.Name, digest)
	}
}

// spoolFile reports whether a path looks like a deliverable: a rotated log,
// a telemetry package, or a gzipped either.
func spoolFile(path string) bool {
	switch filepath.Ext(path) {
	case ".log", ".json", ".gz":
		return true
	}
	return false
}
