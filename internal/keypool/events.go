// Package keypool decodes site key-distribution log files. Each log line
// matches exactly one of four grammars, discriminated by a fixed textual
// marker; a line either yields one typed event or one decode failure.
package keypool

import "time"

// EventType tags the four line grammars.
type EventType string

const (
	EventKeyCreation    EventType = "KEY_CREATION"
	EventSyncLatency    EventType = "SYNC_LATENCY"
	EventKeyCount       EventType = "KEY_COUNT"
	EventControllerSync EventType = "CONTROLLER_SYNC"
)

// Event is one decoded log line. Exactly one variant pointer is set,
// matching Type. Line is the physical 1-based line number in the unit.
type Event struct {
	Type      EventType
	Line      int
	Timestamp time.Time

	KeyCreation    *KeyCreation
	SyncLatency    *SyncLatency
	KeyCount       *KeyCount
	ControllerSync *ControllerSync
}

// KeyCreation is one key-pool createKey event. KeyIdentity is globally
// unique across all time; SequenceNumber increases per (source,
// destination) pair.
type KeyCreation struct {
	KeyIdentity       string
	SequenceNumber    int64
	SourceSiteID      int
	DestinationSiteID int
	KeyPoolType       string
}

// SyncLatency is one key-sync latency sample.
type SyncLatency struct {
	LatencyMS int64
}

// KeyCount is one received-key count sample.
type KeyCount struct {
	Bits      int64
	KeysCount int64
}

// ControllerSync is one controller-to-controller database sync event.
type ControllerSync struct {
	LocalSiteID  int
	RemoteSiteID int
}

// Counts aggregates events extracted per category from one unit. The
// numbers are persisted on the unit's ledger row.
type Counts struct {
	KeyCreations    int
	SyncLatency     int
	KeyCounts       int
	ControllerSyncs int
}
