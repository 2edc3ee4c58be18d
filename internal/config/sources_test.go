package config

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseSourcesRegistry(t *testing.T) {
	doc := []byte(`sites:
  - id: site-2
    name: Vienna exchange
    base_url: https://site-2.example.net:8443
    poll_interval: 2m
  - id: site-7
    base_url: http://site-7.example.net
stations:
  - id: gs-1
    name: Graz ground station
    base_url: http://gs-1.example.net:9000
    poll_interval: 30s
spool_dir: /var/spool/groundsync
nats:
  url: nats://broker.example.net:4222
  subject_prefix: ground
  queue_group: ingest
  durable: groundsync
`)
	s, err := ParseSources(doc)
	require.NoError(t, err)

	require.Len(t, s.Sites, 2)
	require.Equal(t, "site-2", s.Sites[0].ID)
	require.Equal(t, "Vienna exchange", s.Sites[0].Name)
	require.Equal(t, 2*time.Minute, time.Duration(s.Sites[0].PollInterval))
	require.Zero(t, s.Sites[1].PollInterval)

	require.Len(t, s.Stations, 1)
	require.Equal(t, "gs-1", s.Stations[0].ID)
	require.Equal(t, 30*time.Second, time.Duration(s.Stations[0].PollInterval))

	require.Equal(t, "/var/spool/groundsync", s.SpoolDir)
	require.NotNil(t, s.NATS)
	require.Equal(t, "nats://broker.example.net:4222", s.NATS.URL)
	require.Equal(t, "ground", s.NATS.SubjectPrefix)
	require.Equal(t, "ingest", s.NATS.QueueGroup)
	require.Equal(t, "groundsync", s.NATS.Durable)
	require.False(t, s.Empty())

	sum := sha256.Sum256(doc)
	require.Equal(t, hex.EncodeToString(sum[:]), s.Version)
}

func TestParseEmptyRegistry(t *testing.T) {
	for _, doc := range []string{"", "# nothing declared\n"} {
		s, err := ParseSources([]byte(doc))
		require.NoError(t, err)
		require.True(t, s.Empty())
		require.Len(t, s.Version, 64)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	_, err := ParseSources([]byte("sitez:\n  - id: s1\n"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "sitez")
}

func TestParseValidationFailures(t *testing.T) {
	cases := []struct {
		name string
		doc  string
		want string
	}{
		{"missing id", "sites:\n  - base_url: http://a.example.net\n", "id is required"},
		{"duplicate id across lists", "sites:\n  - id: s1\n    base_url: http://a.example.net\nstations:\n  - id: s1\n    base_url: http://b.example.net\n", "duplicate source id"},
		{"relative url", "sites:\n  - id: s1\n    base_url: a.example.net\n", "not an http(s) URL"},
		{"wrong scheme", "stations:\n  - id: g1\n    base_url: ftp://a.example.net\n", "not an http(s) URL"},
		{"negative interval", "sites:\n  - id: s1\n    base_url: http://a.example.net\n    poll_interval: -5s\n", "must not be negative"},
		{"bad duration", "sites:\n  - id: s1\n    base_url: http://a.example.net\n    poll_interval: soon\n", "invalid duration"},
		{"nats without url", "nats:\n  subject_prefix: ground\n", "url is required"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseSources([]byte(tc.doc))
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestLoadSourcesFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sources.yaml")
	require.NoError(t, os.WriteFile(path, []byte("spool_dir: /drop\n"), 0o644))

	s, err := LoadSources(path)
	require.NoError(t, err)
	require.Equal(t, "/drop", s.SpoolDir)

	_, err = LoadSources(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
