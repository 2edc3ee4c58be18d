package delivery

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"

	"github.com/qkdops/groundsync/internal/ingest"
	"github.com/qkdops/groundsync/internal/pipeline"
	"github.com/qkdops/groundsync/internal/store"
)

func startSpoolWatcher(t *testing.T, w *SpoolWatcher) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			t.Error("spool watcher did not stop")
		}
	})
}

func TestSpoolWatcherIngestsInitialScanAndNewDrops(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "site-a.log"), []byte("at rest\n"), 0o644))

	sub := newCaptureSubmitter()
	w := NewSpoolWatcher(SpoolConfig{Dir: dir, Settle: 20 * time.Millisecond}, sub, &captureRecorder{}, slog.Default())
	startSpoolWatcher(t, w)

	require.Eventually(t, func() bool {
		return sub.byName("site-a.log") != nil
	}, 5*time.Second, 10*time.Millisecond)

	payload := `{"package_timestamp":"2025-07-01T10:00:00Z","data":{}}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ogs-1.json"), []byte(payload), 0o644))
	require.Eventually(t, func() bool {
		return sub.byName("ogs-1.json") != nil
	}, 5*time.Second, 10*time.Millisecond)

	unit := sub.byName("ogs-1.json")
	require.Equal(t, ingest.KindPackage, unit.Kind)
	require.Equal(t, "spool", unit.Source)
	require.Equal(t, payload, string(unit.Payload))
}

func TestSpoolWatcherIgnoresNonDeliverables(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignore\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "site-a.log.tmp"), []byte("ignore\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "site-a.log"), []byte("keep\n"), 0o644))

	sub := newCaptureSubmitter()
	w := NewSpoolWatcher(SpoolConfig{Dir: dir, Settle: 20 * time.Millisecond}, sub, &captureRecorder{}, slog.Default())
	startSpoolWatcher(t, w)

	require.Eventually(t, func() bool {
		return sub.byName("site-a.log") != nil
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, []string{"site-a.log"}, sub.names())
}

func TestSpoolRedropHandling(t *testing.T) {
	dir := t.TempDir()
	sub := newCaptureSubmitter()
	rec := &captureRecorder{}
	w := NewSpoolWatcher(SpoolConfig{Dir: dir}, sub, rec, slog.Default())

	ctx := context.Background()
	path := filepath.Join(dir, "site-b.log")

	require.NoError(t, os.WriteFile(path, []byte("one\n"), 0o644))
	w.ingestFile(ctx, path)
	require.Equal(t, 1, sub.count("site-b.log"))

	// byte-identical re-drop is skipped without a pipeline round trip
	w.ingestFile(ctx, path)
	require.Equal(t, 1, sub.count("site-b.log"))
	require.Zero(t, rec.len())

	// changed content is flagged but still submitted
	require.NoError(t, os.WriteFile(path, []byte("two\n"), 0o644))
	w.ingestFile(ctx, path)
	require.Equal(t, 2, sub.count("site-b.log"))

	mismatches := rec.byCategory(store.AnomalyContentMismatch)
	require.Len(t, mismatches, 1)
	require.Equal(t, "site-b.log", mismatches[0].fingerprint)
	require.Contains(t, mismatches[0].detail, "changed between deliveries")
}

func TestSpoolDecompressesGzippedDrops(t *testing.T) {
	dir := t.TempDir()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte("compressed line\n"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, os.WriteFile(filepath.Join(dir, "site-z.log.gz"), buf.Bytes(), 0o644))

	sub := newCaptureSubmitter()
	w := NewSpoolWatcher(SpoolConfig{Dir: dir}, sub, &captureRecorder{}, slog.Default())
	w.ingestFile(context.Background(), filepath.Join(dir, "site-z.log.gz"))

	unit := sub.byName("site-z.log")
	require.NotNil(t, unit)
	require.Equal(t, ingest.KindLog, unit.Kind)
	require.Equal(t, "compressed line\n", string(unit.Payload))
}

func TestSpoolBrokenGzipRecordsAnomalyOnce(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.log.gz")
	require.NoError(t, os.WriteFile(path, []byte("not gzip"), 0o644))

	sub := newCaptureSubmitter()
	rec := &captureRecorder{}
	w := NewSpoolWatcher(SpoolConfig{Dir: dir}, sub, rec, slog.Default())

	ctx := context.Background()
	w.ingestFile(ctx, path)
	w.ingestFile(ctx, path) // rescan must not repeat the anomaly

	require.Empty(t, sub.names())
	failures := rec.byCategory(store.AnomalyUnitFailed)
	require.Len(t, failures, 1)
	require.Equal(t, "bad.log.gz", failures[0].fingerprint)
}

func TestSpoolRescanRetriesDeferredDelivery(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "site-q.log"), []byte("queued\n"), 0o644))

	sub := newCaptureSubmitter()
	sub.failWith("site-q.log", pipeline.ErrQueueFull)
	w := NewSpoolWatcher(SpoolConfig{Dir: dir, Settle: 10 * time.Millisecond, Rescan: 40 * time.Millisecond},
		sub, &captureRecorder{}, slog.Default())
	startSpoolWatcher(t, w)

	// the deferred drop stays uncached, so a later rescan picks it up
	time.Sleep(50 * time.Millisecond)
	sub.clearFail("site-q.log")

	require.Eventually(t, func() bool {
		return sub.byName("site-q.log") != nil
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSpoolFileFilter(t *testing.T) {
	cases := []struct {
		path string
		want bool
	}{
		{"site-2-0701.log", true},
		{"ogs-pkg.json", true},
		{"site-2-0701.log.gz", true},
		{"/spool/nested/site.log", true},
		{"site-2-0701.log.tmp", false},
		{"site-2-0701.part", false},
		{"README", false},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, spoolFile(tc.path), tc.path)
	}
}
