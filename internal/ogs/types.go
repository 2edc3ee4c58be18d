// Package ogs decodes ground-station telemetry packages: one JSON document
// per collection cycle carrying environment, link, pass-summary, alert, and
// schedule samples. A package is identified for dedup purposes by its
// embedded package timestamp.
package ogs

import "time"

// Alert severities accepted on the wire.
const (
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// EnvironmentSample is one environment reading from a ground station.
type EnvironmentSample struct {
	Timestamp     time.Time
	OGSID         string
	DomeOpen      bool
	DomeAnomaly   bool
	Temperature   float64
	WindSpeed     float64
	WindDirection int
	Humidity      float64
	AirPressure   float64
	CloudCover    int
	Precipitation bool
	Brightness    int
}

// LinkSample is one optical link quality reading. PassID is the pass the
// station believes it belongs to and may be empty; authoritative
// assignment happens at write time.
type LinkSample struct {
	Timestamp        time.Time
	PassID           string
	QuantumLocked    bool
	TrackingStatus   string
	QBER             float64
	LinkPowerMargin  float64
	ReceivedPower    float64
	UplinkPower      float64
	FSOUplinkPower   float64
	FSODownlinkPower float64
	FSOStatus        string
}

// PassSummary is the end-of-pass report for one satellite overflight.
type PassSummary struct {
	PassID                  string
	SatelliteID             string
	StartTime               time.Time
	EndTime                 time.Time
	TotalDurationSec        int64
	LockedDurationSec       int64
	LockPercentage          float64
	LostTrackingEvents      int
	AvgTrackingStability    float64
	KeysDistilled           int
	KeySizeBits             int
	DistillationSuccess     bool
	AvgWindSpeed            float64
	AvgTemperature          float64
	AvgHumidity             float64
	PrecipitationDuringPass bool
	DomeClosedDuringPass    bool
	Notes                   string
}

// Alert is one operational alert raised by a station subsystem.
type Alert struct {
	Timestamp     time.Time
	AlertID       string
	Severity      string
	SeverityCode  int
	Component     string
	ComponentID   string
	Description   string
	ActionTaken   string
	RelatedPassID string
}

// ScheduledPass is one entry of a pass schedule announcement.
type ScheduledPass struct {
	PassID                 string
	SatelliteID            string
	StartTime              time.Time
	EndTime                time.Time
	MaxElevationDeg        float64
	PredictedWindSpeed     float64
	PredictedPrecipitation bool
	PredictedCloudCover    int
	EstimatedQBER          float64
	EstimatedKeys          int
	PassViable             bool
	GeneratedAt            time.Time
}

// Package is one decoded telemetry package. TotalSamples counts the
// samples present on the wire; every sample lands either in one of the
// typed fields or in Failures.
type Package struct {
	PackageTimestamp string
	Environment      *EnvironmentSample
	Link             *LinkSample
	Summary          *PassSummary
	Alerts           []Alert
	Schedule         []ScheduledPass
	Failures         []*FieldError
	TotalSamples     int
}

// MalformedRatio returns the fraction of samples that failed validation.
// An empty package has ratio 0.
func (p *Package) MalformedRatio() float64 {
	if p.TotalSamples == 0 {
		return 0
	}
	return float64(len(p.Failures)) / float64(p.TotalSamples)
}
