package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/qkdops/groundsync/internal/ingest"
	"github.com/qkdops/groundsync/internal/store"
)

// maxFetchBytes caps a single fetched payload, matching the push endpoint.
const maxFetchBytes = 64 << 20

// Site is a key-distribution site agent serving its rotated log files over
// HTTP: GET {base}/logs returns a JSON array of file names and GET
// {base}/logs/{name} the raw file.
type Site struct {
	ID       string
	Name     string
	BaseURL  string
	Interval time.Duration
}

// Station is a ground-station collector: GET {base}/api/packages/latest
// returns the most recent telemetry package, 204 when none is ready.
type Station struct {
	ID       string
	Name     string
	BaseURL  string
	Interval time.Duration
}

// Poller drives interval polling of sites and stations. Rotated log names
// are immutable, so a name whose payload was handed over once is never
// fetched again; the latest-package endpoint serves changing content under
// one name, there the payload digest decides whether a poll carried
// anything new.
type Poller struct {
	client   *http.Client
	sub      Submitter
	rec      AnomalyRecorder
	logger   *slog.Logger
	cache    *digestCache
	sites    []Site
	stations []Station
}

func NewPoller(sites []Site, stations []Station, sub Submitter, rec AnomalyRecorder, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	for i := range sites {
		sites[i].BaseURL = strings.TrimSuffix(sites[i].BaseURL, "/")
	}
	for i := range stations {
		stations[i].BaseURL = strings.TrimSuffix(stations[i].BaseURL, "/")
	}
	return &Poller{
		client:   &http.Client{Timeout: 30 * time.Second},
		sub:      sub,
		rec:      rec,
		logger:   logger.With("component", "poller"),
		cache:    newDigestCache(),
		sites:    sites,
		stations: stations,
	}
}

// Run polls every configured source until ctx is cancelled. Each source
// gets its own loop so one slow endpoint cannot starve the rest.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.Info("poller started", "sites", len(p.sites), "stations", len(p.stations))
	var wg sync.WaitGroup
	for _, site := range p.sites {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.pollLoop(ctx, site.Interval, func(ctx context.Context) { p.pollSite(ctx, site) })
		}()
	}
	for _, st := range p.stations {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.pollLoop(ctx, st.Interval, func(ctx context.Context) { p.pollStation(ctx, st) })
		}()
	}
	wg.Wait()
	p.logger.Info("poller stopped")
	return nil
}

func (p *Poller) pollLoop(ctx context.Context, interval time.Duration, poll func(context.Context)) {
	if interval <= 0 {
		interval = time.Minute
	}
	poll(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			poll(ctx)
		}
	}
}

func (p *Poller) pollSite(ctx context.Context, site Site) {
	log := p.logger.With("site", site.ID)
	names, err := p.fetchIndex(ctx, site.BaseURL)
	if err != nil {
		log.Warn("log index fetch failed", "error", err)
		return
	}
	for _, name := range names {
		if ctx.Err() != nil {
			return
		}
		if name == "" || !spoolFile(name) {
			continue
		}
		logical := strings.TrimSuffix(name, ".gz")
		if _, ok := p.cache.lookup(logical); ok {
			continue
		}
		payload, err := p.fetchLog(ctx, site.BaseURL, name)
		if err != nil {
			log.Warn("log fetch failed", "file", name, "error", err)
			continue
		}
		unit, err := ingest.NewUnit(name, ingest.KindLog, payload, "site:"+site.ID)
		if err != nil {
			log.Warn("fetched log unusable", "file", name, "error", err)
			recordAnomaly(ctx, p.rec, log, name, store.AnomalyUnitFailed, err.Error())
			p.cache.store(logical, payloadDigest(payload))
			continue
		}
		if deliver(ctx, p.sub, unit, log) {
			p.cache.store(unit.Name, unit.Digest())
		}
	}
}

// fetchIndex retrieves the site's rotated-log listing.
func (p *Poller) fetchIndex(ctx context.Context, base string) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/logs", nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("index returned %s", resp.Status)
	}
	var names []string
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&names); err != nil {
		return nil, fmt.Errorf("decode index: %w", err)
	}
	return names, nil
}

func (p *Poller) fetchLog(ctx context.Context, base, name string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/logs/"+url.PathEscape(name), nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch returned %s", resp.Status)
	}
	return readCapped(resp.Body, name)
}

func (p *Poller) pollStation(ctx context.Context, st Station) {
	log := p.logger.With("station", st.ID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, st.BaseURL+"/api/packages/latest", nil)
	if err != nil {
		log.Warn("package poll failed", "error", err)
		return
	}
	resp, err := p.client.Do(req)
	if err != nil {
		log.Warn("package poll failed", "error", err)
		return
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNoContent, http.StatusNotFound:
		log.Debug("no package available")
		return
	default:
		log.Warn("package poll failed", "status", resp.Status)
		return
	}
	name := st.ID + "-latest.json"
	payload, err := readCapped(resp.Body, name)
	if err != nil {
		log.Warn("package read failed", "error", err)
		return
	}
	unit, err := ingest.NewUnit(name, ingest.KindPackage, payload, "station:"+st.ID)
	if err != nil {
		log.Warn("fetched package unusable", "error", err)
		return
	}
	digest := unit.Digest()
	if prev, ok := p.cache.lookup(name); ok && prev == digest {
		log.Debug("latest package unchanged")
		return
	}
	if deliver(ctx, p.sub, unit, log) {
		p.cache.store(name, digest)
	}
}

func readCapped(r io.Reader, name string) ([]byte, error) {
	payload, err := io.ReadAll(io.LimitReader(r, maxFetchBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(payload)) > maxFetchBytes {
		return nil, fmt.Errorf("%s exceeds %d bytes", name, maxFetchBytes)
	}
	return payload, nil
}
