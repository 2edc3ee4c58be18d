// Package store persists parsed ingestion events to the relational store
// and owns the exactly-once admission ledger. All writes for one raw unit
// happen in a single transaction; the ledger row is created in that same
// transaction, which is the dedup mechanism.
package store

import (
	"time"
)

// KeyCreationRecord is one row of key_creations: a key-pool createKey
// event from a site log. KeyIdentity is unique across all time.
type KeyCreationRecord struct {
	ID                int64     `gorm:"primaryKey;column:id;autoIncrement"`
	KeyIdentity       string    `gorm:"column:key_identity;type:varchar(36);uniqueIndex:idx_key_identity;not null"`
	SequenceNumber    int64     `gorm:"column:sequence_number;not null"`
	SourceSiteID      int       `gorm:"column:source_site_id;index:idx_key_creations_pair,priority:1;not null"`
	DestinationSiteID int       `gorm:"column:destination_site_id;index:idx_key_creations_pair,priority:2;not null"`
	KeyPoolType       string    `gorm:"column:key_pool_type;type:varchar(16);not null"`
	Timestamp         time.Time `gorm:"column:timestamp;precision:6;not null"`
	LogFile           string    `gorm:"column:log_file;type:varchar(255);not null"`
	CreatedAt         time.Time `gorm:"column:created_at"`
}

func (KeyCreationRecord) TableName() string { return "key_creations" }

// SyncLatencyRecord is one row of sync_latency_metrics.
type SyncLatencyRecord struct {
	ID        int64     `gorm:"primaryKey;column:id;autoIncrement"`
	LatencyMS int64     `gorm:"column:latency_ms;not null"`
	Timestamp time.Time `gorm:"column:timestamp;precision:6;not null"`
	LogFile   string    `gorm:"column:log_file;type:varchar(255);not null"`
	CreatedAt time.Time `gorm:"column:created_at"`
}

func (SyncLatencyRecord) TableName() string { return "sync_latency_metrics" }

// KeyCountRecord is one row of key_count_metrics.
type KeyCountRecord struct {
	ID        int64     `gorm:"primaryKey;column:id;autoIncrement"`
	Bits      int64     `gorm:"column:bits;not null"`
	KeysCount int64     `gorm:"column:keys_count;not null"`
	Timestamp time.Time `gorm:"column:timestamp;precision:6;not null"`
	LogFile   string    `gorm:"column:log_file;type:varchar(255);not null"`
	CreatedAt time.Time `gorm:"column:created_at"`
}

func (KeyCountRecord) TableName() string { return "key_count_metrics" }

// ControllerSyncRecord is one row of controller_syncs.
type ControllerSyncRecord struct {
	ID           int64     `gorm:"primaryKey;column:id;autoIncrement"`
	LocalSiteID  int       `gorm:"column:local_site_id;not null"`
	RemoteSiteID int       `gorm:"column:remote_site_id;not null"`
	Timestamp    time.Time `gorm:"column:timestamp;precision:6;not null"`
	LogFile      string    `gorm:"column:log_file;type:varchar(255);not null"`
	CreatedAt    time.Time `gorm:"column:created_at"`
}

func (ControllerSyncRecord) TableName() string { return "controller_syncs" }

// ProcessedFileRecord is the admission ledger row for one log unit. One
// row per admitted file; absence means the file was never processed.
type ProcessedFileRecord struct {
	ID                  int64     `gorm:"primaryKey;column:id;autoIncrement"`
	Filename            string    `gorm:"column:filename;type:varchar(255);uniqueIndex:idx_processed_filename;not null"`
	FileSize            int64     `gorm:"column:file_size;not null"`
	TotalLines          int       `gorm:"column:total_lines;not null"`
	KeyCreationsCount   int       `gorm:"column:key_creations_count;not null"`
	SyncLatencyCount    int       `gorm:"column:sync_latency_count;not null"`
	KeyCountCount       int       `gorm:"column:key_count_count;not null"`
	ControllerSyncCount int       `gorm:"column:controller_sync_count;not null"`
	ProcessedAt         time.Time `gorm:"column:processed_at;precision:6;not null"`
}

func (ProcessedFileRecord) TableName() string { return "processed_files" }

// EnvironmentRecord is one row of ogs_environment_data. Environment
// samples carry no pass reference; their correlation surfaces as weather
// aggregates recomputed onto ogs_pass_summary.
type EnvironmentRecord struct {
	ID            int64     `gorm:"primaryKey;column:id;autoIncrement"`
	Timestamp     time.Time `gorm:"column:timestamp;precision:6;index:idx_env_timestamp;not null"`
	OGSID         string    `gorm:"column:ogs_id;type:varchar(64);not null"`
	DomeOpen      bool      `gorm:"column:dome_open"`
	DomeAnomaly   bool      `gorm:"column:dome_anomaly"`
	Temperature   float64   `gorm:"column:temperature"`
	WindSpeed     float64   `gorm:"column:wind_speed"`
	WindDirection int       `gorm:"column:wind_direction"`
	Humidity      float64   `gorm:"column:humidity"`
	AirPressure   float64   `gorm:"column:air_pressure"`
	CloudCover    int       `gorm:"column:cloud_cover"`
	Precipitation bool      `gorm:"column:precipitation"`
	Brightness    int       `gorm:"column:brightness"`
	CreatedAt     time.Time `gorm:"column:created_at"`
}

func (EnvironmentRecord) TableName() string { return "ogs_environment_data" }

// LinkSampleRecord is one row of ogs_link_data. PassID stays null until
// the sample is correlated; once set it is never rewritten.
type LinkSampleRecord struct {
	ID               int64     `gorm:"primaryKey;column:id;autoIncrement"`
	Timestamp        time.Time `gorm:"column:timestamp;precision:6;index:idx_link_timestamp;not null"`
	PassID           *string   `gorm:"column:pass_id;type:varchar(64);index:idx_link_pass"`
	QuantumLocked    bool      `gorm:"column:quantum_locked"`
	TrackingStatus   string    `gorm:"column:tracking_status;type:varchar(32)"`
	QBER             float64   `gorm:"column:qber"`
	LinkPowerMargin  float64   `gorm:"column:link_power_margin"`
	ReceivedPower    float64   `gorm:"column:received_power"`
	UplinkPower      float64   `gorm:"column:uplink_power"`
	FSOUplinkPower   float64   `gorm:"column:fso_uplink_power"`
	FSODownlinkPower float64   `gorm:"column:fso_downlink_power"`
	FSOStatus        string    `gorm:"column:fso_status;type:varchar(32)"`
	CreatedAt        time.Time `gorm:"column:created_at"`
}

func (LinkSampleRecord) TableName() string { return "ogs_link_data" }

// PassSummaryRecord is one row of ogs_pass_summary. The only entity
// revised in place: a later report for the same pass widens the window
// and refreshes the aggregates.
type PassSummaryRecord struct {
	ID                     int64     `gorm:"primaryKey;column:id;autoIncrement"`
	PassID                 string    `gorm:"column:pass_id;type:varchar(64);uniqueIndex:idx_pass_summary_pass;not null"`
	SatelliteID            string    `gorm:"column:satellite_id;type:varchar(64);not null"`
	StartTime              time.Time `gorm:"column:start_time;precision:6;not null"`
	EndTime                time.Time `gorm:"column:end_time;precision:6;not null"`
	TotalDurationSec       int64     `gorm:"column:total_duration_sec"`
	LockedDurationSec      int64     `gorm:"column:locked_duration_sec"`
	LockPercentage         float64   `gorm:"column:lock_percentage"`
	LostTrackingEvents     int       `gorm:"column:lost_tracking_events"`
	AvgTrackingStability   float64   `gorm:"column:avg_tracking_stability"`
	KeysDistilled          int       `gorm:"column:keys_distilled"`
	KeySizeBits            int       `gorm:"column:key_size_bits"`
	KeyDistillationSuccess bool      `gorm:"column:key_distillation_success"`
	AvgWindSpeed           float64   `gorm:"column:avg_wind_speed"`
	AvgTemperature         float64   `gorm:"column:avg_temperature"`
	AvgHumidity            float64   `gorm:"column:avg_humidity"`
	PrecipitationDuring    bool      `gorm:"column:precipitation_during_pass"`
	DomeClosedDuring       bool      `gorm:"column:dome_closed_during_pass"`
	Notes                  string    `gorm:"column:notes;type:text"`
	CreatedAt              time.Time `gorm:"column:created_at"`
}

func (PassSummaryRecord) TableName() string { return "ogs_pass_summary" }

// AlertRecord is one row of ogs_alerts. RelatedPassID is a nullable
// foreign key into ogs_pass_summary; an alert declaring a pass the store
// has not seen is kept with a null reference and an integrity warning.
type AlertRecord struct {
	ID            int64              `gorm:"primaryKey;column:id;autoIncrement"`
	Timestamp     time.Time          `gorm:"column:timestamp;precision:6;not null"`
	AlertID       string             `gorm:"column:alert_id;type:varchar(64);uniqueIndex:idx_alert_id;not null"`
	Severity      string             `gorm:"column:severity;type:varchar(16);not null"`
	SeverityCode  int                `gorm:"column:severity_code;not null"`
	Component     string             `gorm:"column:component;type:varchar(64)"`
	ComponentID   string             `gorm:"column:component_id;type:varchar(32)"`
	Description   string             `gorm:"column:description;type:text"`
	ActionTaken   string             `gorm:"column:action_taken;type:text"`
	RelatedPassID *string            `gorm:"column:related_pass_id;type:varchar(64);index:idx_alert_pass"`
	RelatedPass   *PassSummaryRecord `gorm:"foreignKey:RelatedPassID;references:PassID;constraint:OnUpdate:CASCADE,OnDelete:SET NULL"`
	CreatedAt     time.Time          `gorm:"column:created_at"`
}

func (AlertRecord) TableName() string { return "ogs_alerts" }

// PassScheduleRecord is one row of ogs_pass_schedule: one announced
// upcoming pass. Re-announcements of the same pass are idempotent skips.
type PassScheduleRecord struct {
	ID                     int64      `gorm:"primaryKey;column:id;autoIncrement"`
	PassID                 string     `gorm:"column:pass_id;type:varchar(64);uniqueIndex:idx_pass_schedule_pass;not null"`
	SatelliteID            string     `gorm:"column:satellite_id;type:varchar(64);not null"`
	StartTime              time.Time  `gorm:"column:start_time;precision:6;not null"`
	EndTime                time.Time  `gorm:"column:end_time;precision:6;not null"`
	MaxElevationDeg        float64    `gorm:"column:max_elevation_deg"`
	PredictedWindSpeed     float64    `gorm:"column:predicted_wind_speed"`
	PredictedPrecipitation bool       `gorm:"column:predicted_precipitation"`
	PredictedCloudCover    int        `gorm:"column:predicted_cloud_cover"`
	EstimatedQBER          float64    `gorm:"column:estimated_qber"`
	EstimatedKeys          int        `gorm:"column:estimated_keys"`
	PassViable             bool       `gorm:"column:pass_viable"`
	GeneratedAt            *time.Time `gorm:"column:generated_at;precision:6"`
	CreatedAt              time.Time  `gorm:"column:created_at"`
}

func (PassScheduleRecord) TableName() string { return "ogs_pass_schedule" }

// ProcessedPackageRecord is the admission ledger row for one telemetry
// package, keyed by the package's embedded timestamp.
type ProcessedPackageRecord struct {
	ID               int64     `gorm:"primaryKey;column:id;autoIncrement"`
	PackageTimestamp string    `gorm:"column:package_timestamp;type:varchar(64);uniqueIndex:idx_processed_package;not null"`
	RecordsInserted  int       `gorm:"column:records_inserted;not null"`
	ProcessedAt      time.Time `gorm:"column:processed_at;precision:6;not null"`
}

func (ProcessedPackageRecord) TableName() string { return "ogs_processed_packages" }

// Anomaly categories recorded by the pipeline. Every discard or integrity
// warning lands here so it stays attributable to a fingerprint.
const (
	AnomalyRecordConflict     = "record_conflict"
	AnomalySequenceRegression = "sequence_regression"
	AnomalyCorrelationTie     = "correlation_tie"
	AnomalyMissingPassRef     = "missing_pass_reference"
	AnomalyContentMismatch    = "content_mismatch"
	AnomalyUnitFailed         = "unit_failed"
)

// IngestAnomaly is an append-only record of a dropped record, integrity
// warning, or failed unit. Written outside the unit transaction so it
// survives a rollback.
type IngestAnomaly struct {
	ID          string    `gorm:"primaryKey;column:id;type:varchar(36)"`
	Fingerprint string    `gorm:"column:fingerprint;type:varchar(255);index:idx_anomaly_fingerprint;not null"`
	Category    string    `gorm:"column:category;type:varchar(32);index:idx_anomaly_category;not null"`
	Detail      string    `gorm:"column:detail;type:text"`
	CreatedAt   time.Time `gorm:"column:created_at;index:idx_anomaly_created"`
}

func (IngestAnomaly) TableName() string { return "ingest_anomalies" }
