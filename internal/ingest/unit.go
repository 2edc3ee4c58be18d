// Package ingest defines the raw-unit abstraction the pipeline consumes:
// one deliverable (a site key-distribution log file or a ground-station
// telemetry package) carrying a stable identity used for deduplication.
// Delivery transports construct Units; everything downstream is
// transport-agnostic.
package ingest

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/zeebo/blake3"
)

// Kind discriminates the two ingestion streams.
type Kind string

const (
	// KindLog is a site key-distribution log file.
	KindLog Kind = "log"
	// KindPackage is a ground-station telemetry package.
	KindPackage Kind = "package"
)

// Unit is one raw deliverable. Payload holds the uncompressed content and
// Name the delivery name with any compression suffix stripped.
type Unit struct {
	Name       string
	Size       int64
	Kind       Kind
	Payload    []byte
	Source     string
	ReceivedAt time.Time
}

// NewUnit builds a Unit from delivered bytes. Payloads named *.gz are
// decompressed transparently; Size reflects the logical content length,
// not the transfer length.
func NewUnit(name string, kind Kind, payload []byte, source string) (*Unit, error) {
	if name == "" {
		return nil, fmt.Errorf("unit has no name")
	}
	if strings.HasSuffix(name, ".gz") {
		zr, err := gzip.NewReader(bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("open gzip payload %s: %w", name, err)
		}
		raw, err := io.ReadAll(zr)
		if cerr := zr.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return nil, fmt.Errorf("decompress payload %s: %w", name, err)
		}
		payload = raw
		name = strings.TrimSuffix(name, ".gz")
	}
	return &Unit{
		Name:       name,
		Size:       int64(len(payload)),
		Kind:       kind,
		Payload:    payload,
		Source:     source,
		ReceivedAt: time.Now().UTC(),
	}, nil
}

// DetectKind infers the stream type from a delivery name. Telemetry
// packages travel as JSON documents; everything else is a log file.
func DetectKind(name string) Kind {
	if strings.HasSuffix(strings.TrimSuffix(name, ".gz"), ".json") {
		return KindPackage
	}
	return KindLog
}

// packageEnvelope is the minimal shape needed to identify a telemetry
// package without decoding its body.
type packageEnvelope struct {
	PackageTimestamp string `json:"package_timestamp"`
}

// Fingerprint computes the unit's dedup identity. Log file names are
// globally unique per site per rotation, so the name is the identity;
// telemetry packages are identified by their embedded package timestamp.
// A package without one cannot be admitted and fails as a unit-level
// decode error.
func (u *Unit) Fingerprint() (string, error) {
	switch u.Kind {
	case KindLog:
		return u.Name, nil
	case KindPackage:
		var env packageEnvelope
		if err := json.Unmarshal(u.Payload, &env); err != nil {
			return "", fmt.Errorf("decode package envelope %s: %w", u.Name, err)
		}
		if env.PackageTimestamp == "" {
			return "", fmt.Errorf("package %s carries no package_timestamp", u.Name)
		}
		return env.PackageTimestamp, nil
	default:
		return "", fmt.Errorf("unknown unit kind %q", u.Kind)
	}
}

// Digest returns the hex BLAKE3 hash of the payload. Delivery adapters use
// it to skip byte-identical re-deliveries locally and to flag re-deliveries
// whose content changed under the same name.
func (u *Unit) Digest() string {
	sum := blake3.Sum256(u.Payload)
	return hex.EncodeToString(sum[:])
}
