package ogs

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// FieldError is a validation failure for a single sample within a package.
// The sample is dropped; the rest of the package proceeds.
type FieldError struct {
	Section string
	Field   string
	Reason  string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s.%s: %s", e.Section, e.Field, e.Reason)
}

// Wire shapes as emitted by the station collector. Sections are pointers so
// absence is distinguishable from a zero value.
type wirePackage struct {
	PackageTimestamp string   `json:"package_timestamp"`
	Data             wireData `json:"data"`
}

type wireData struct {
	Environment *wireEnvironment `json:"environment"`
	Link        *wireLink        `json:"link"`
	Summary     *wireSummary     `json:"summary"`
	Alerts      *wireAlerts      `json:"alerts"`
	Schedule    *wireSchedule    `json:"schedule"`
}

type wireEnvironment struct {
	Timestamp  string `json:"timestamp"`
	OGSID      string `json:"ogs_id"`
	DomeStatus struct {
		IsOpen          bool   `json:"is_open"`
		LastOpened      string `json:"last_opened"`
		AnomalyDetected bool   `json:"anomaly_detected"`
	} `json:"dome_status"`
	Weather struct {
		WindSpeedMps      float64 `json:"wind_speed_mps"`
		WindDirectionDeg  int     `json:"wind_direction_deg"`
		BrightnessLux     int     `json:"brightness_lux"`
		Precipitation     bool    `json:"precipitation"`
		TemperatureC      float64 `json:"temperature_c"`
		HumidityPercent   float64 `json:"humidity_percent"`
		AirPressureHpa    float64 `json:"air_pressure_hpa"`
		CloudCoverPercent int     `json:"cloud_cover_percent"`
		SourceStation     string  `json:"source_station"`
	} `json:"weather"`
}

type wireLink struct {
	Timestamp  string `json:"timestamp"`
	PassID     string `json:"pass_id"`
	LinkStatus struct {
		Quantum struct {
			Locked          bool    `json:"locked"`
			TrackingStatus  string  `json:"tracking_status"`
			QBER            float64 `json:"qber"`
			LinkPowerMargin float64 `json:"link_power_margin_dB"`
			ReceivedPower   float64 `json:"received_power_dBm"`
			UplinkPower     float64 `json:"uplink_power_dBm"`
		} `json:"quantum"`
		ClassicalFSO struct {
			UplinkPower   float64 `json:"uplink_power_dBm"`
			DownlinkPower float64 `json:"downlink_power_dBm"`
			Status        string  `json:"status"`
		} `json:"classical_fso"`
	} `json:"link_status"`
}

type wireSummary struct {
	PassID      string `json:"pass_id"`
	SatelliteID string `json:"satellite_id"`
	StartTime   string `json:"start_time"`
	EndTime     string `json:"end_time"`
	LinkLock    struct {
		TotalDurationSec  int64   `json:"total_duration_sec"`
		LockedDurationSec int64   `json:"locked_duration_sec"`
		LockPercentage    float64 `json:"lock_percentage"`
	} `json:"link_lock"`
	TrackingSummary struct {
		LostTrackingEvents   int     `json:"lost_tracking_events"`
		AvgTrackingStability float64 `json:"avg_tracking_stability_percent"`
	} `json:"tracking_summary"`
	WeatherConditions struct {
		AvgWindSpeedMps         float64 `json:"avg_wind_speed_mps"`
		AvgTemperatureC         float64 `json:"avg_temperature_c"`
		AvgHumidityPercent      float64 `json:"avg_humidity_percent"`
		PrecipitationDuringPass bool    `json:"precipitation_during_pass"`
		CloudCoverPercent       int     `json:"cloud_cover_percent"`
	} `json:"weather_conditions"`
	DomeClosedDuringPass bool `json:"dome_closed_during_pass"`
	KeyDistillation      struct {
		KeysDistilled int  `json:"keys_distilled"`
		KeySizeBits   int  `json:"key_size_bits"`
		Success       bool `json:"success"`
	} `json:"key_distillation"`
	Notes string `json:"notes"`
}

type wireAlerts struct {
	Alerts []wireAlert `json:"alerts"`
	Count  int         `json:"count"`
}

type wireAlert struct {
	Timestamp     string `json:"timestamp"`
	AlertID       string `json:"alert_id"`
	Severity      string `json:"severity"`
	SeverityCode  int    `json:"severity_code"`
	Component     string `json:"component"`
	ComponentID   string `json:"component_id"`
	Description   string `json:"description"`
	ActionTaken   string `json:"action_taken"`
	RelatedPassID string `json:"related_pass_id"`
}

type wireSchedule struct {
	GeneratedAt     string              `json:"generated_at"`
	OGSID           string              `json:"ogs_id"`
	ScheduledPasses []wireScheduledPass `json:"scheduled_passes"`
}

type wireScheduledPass struct {
	PassID           string  `json:"pass_id"`
	SatelliteID      string  `json:"satellite_id"`
	StartTime        string  `json:"start_time"`
	EndTime          string  `json:"end_time"`
	MaxElevationDeg  float64 `json:"max_elevation_deg"`
	PredictedWeather struct {
		WindSpeedMps      float64 `json:"wind_speed_mps"`
		Precipitation     bool    `json:"precipitation"`
		CloudCoverPercent int     `json:"cloud_cover_percent"`
	} `json:"predicted_weather"`
	EstimatedQBER float64 `json:"estimated_qber"`
	EstimatedKeys int     `json:"estimated_keys"`
	PassViable    bool    `json:"pass_viable"`
}

// Parse decodes one telemetry package. A document-level decode error or a
// missing package timestamp fails the whole unit; a sample that fails
// validation is dropped into Failures and the rest proceed.
func Parse(payload []byte) (*Package, error) {
	var wire wirePackage
	dec := json.NewDecoder(bytes.NewReader(payload))
	if err := dec.Decode(&wire); err != nil {
		return nil, fmt.Errorf("decode telemetry package: %w", err)
	}
	if wire.PackageTimestamp == "" {
		return nil, fmt.Errorf("telemetry package carries no package_timestamp")
	}

	pkg := &Package{PackageTimestamp: wire.PackageTimestamp}

	if wire.Data.Environment != nil {
		pkg.TotalSamples++
		env, ferr := convertEnvironment(wire.Data.Environment)
		if ferr != nil {
			pkg.Failures = append(pkg.Failures, ferr)
		} else {
			pkg.Environment = env
		}
	}

	if wire.Data.Link != nil {
		pkg.TotalSamples++
		link, ferr := convertLink(wire.Data.Link)
		if ferr != nil {
			pkg.Failures = append(pkg.Failures, ferr)
		} else {
			pkg.Link = link
		}
	}

	if wire.Data.Summary != nil {
		pkg.TotalSamples++
		sum, ferr := convertSummary(wire.Data.Summary)
		if ferr != nil {
			pkg.Failures = append(pkg.Failures, ferr)
		} else {
			pkg.Summary = sum
		}
	}

	if wire.Data.Alerts != nil {
		for i := range wire.Data.Alerts.Alerts {
			pkg.TotalSamples++
			alert, ferr := convertAlert(i, &wire.Data.Alerts.Alerts[i])
			if ferr != nil {
				pkg.Failures = append(pkg.Failures, ferr)
				continue
			}
			pkg.Alerts = append(pkg.Alerts, *alert)
		}
	}

	if wire.Data.Schedule != nil {
		generatedAt, genErr := parseTime(wire.Data.Schedule.GeneratedAt)
		for i := range wire.Data.Schedule.ScheduledPasses {
			pkg.TotalSamples++
			if wire.Data.Schedule.GeneratedAt != "" && genErr != nil {
				pkg.Failures = append(pkg.Failures, &FieldError{
					Section: fmt.Sprintf("schedule[%d]", i),
					Field:   "generated_at",
					Reason:  "invalid timestamp",
				})
				continue
			}
			sp, ferr := convertScheduledPass(i, &wire.Data.Schedule.ScheduledPasses[i], generatedAt)
			if ferr != nil {
				pkg.Failures = append(pkg.Failures, ferr)
				continue
			}
			pkg.Schedule = append(pkg.Schedule, *sp)
		}
	}

	return pkg, nil
}

// parseTime accepts RFC 3339 instants; fractional seconds are preserved
// when the source carries them.
func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func convertEnvironment(w *wireEnvironment) (*EnvironmentSample, *FieldError) {
	ts, err := parseTime(w.Timestamp)
	if err != nil {
		return nil, &FieldError{Section: "environment", Field: "timestamp", Reason: "invalid timestamp"}
	}
	if w.OGSID == "" {
		return nil, &FieldError{Section: "environment", Field: "ogs_id", Reason: "missing station id"}
	}

	return &EnvironmentSample{
		Timestamp:     ts,
		OGSID:         w.OGSID,
		DomeOpen:      w.DomeStatus.IsOpen,
		DomeAnomaly:   w.DomeStatus.AnomalyDetected,
		Temperature:   w.Weather.TemperatureC,
		WindSpeed:     w.Weather.WindSpeedMps,
		WindDirection: w.Weather.WindDirectionDeg,
		Humidity:      w.Weather.HumidityPercent,
		AirPressure:   w.Weather.AirPressureHpa,
		CloudCover:    w.Weather.CloudCoverPercent,
		Precipitation: w.Weather.Precipitation,
		Brightness:    w.Weather.BrightnessLux,
	}, nil
}

func convertLink(w *wireLink) (*LinkSample, *FieldError) {
	ts, err := parseTime(w.Timestamp)
	if err != nil {
		return nil, &FieldError{Section: "link", Field: "timestamp", Reason: "invalid timestamp"}
	}
	if w.LinkStatus.Quantum.QBER < 0 {
		return nil, &FieldError{Section: "link", Field: "qber", Reason: "negative value"}
	}

	return &LinkSample{
		Timestamp:        ts,
		PassID:           w.PassID,
		QuantumLocked:    w.LinkStatus.Quantum.Locked,
		TrackingStatus:   w.LinkStatus.Quantum.TrackingStatus,
		QBER:             w.LinkStatus.Quantum.QBER,
		LinkPowerMargin:  w.LinkStatus.Quantum.LinkPowerMargin,
		ReceivedPower:    w.LinkStatus.Quantum.ReceivedPower,
		UplinkPower:      w.LinkStatus.Quantum.UplinkPower,
		FSOUplinkPower:   w.LinkStatus.ClassicalFSO.UplinkPower,
		FSODownlinkPower: w.LinkStatus.ClassicalFSO.DownlinkPower,
		FSOStatus:        w.LinkStatus.ClassicalFSO.Status,
	}, nil
}

func convertSummary(w *wireSummary) (*PassSummary, *FieldError) {
	if w.PassID == "" {
		return nil, &FieldError{Section: "summary", Field: "pass_id", Reason: "missing pass identity"}
	}
	start, err := parseTime(w.StartTime)
	if err != nil {
		return nil, &FieldError{Section: "summary", Field: "start_time", Reason: "invalid timestamp"}
	}
	end, err := parseTime(w.EndTime)
	if err != nil {
		return nil, &FieldError{Section: "summary", Field: "end_time", Reason: "invalid timestamp"}
	}
	if end.Before(start) {
		return nil, &FieldError{Section: "summary", Field: "end_time", Reason: "window ends before it starts"}
	}
	if w.LinkLock.LockPercentage < 0 || w.LinkLock.LockPercentage > 100 {
		return nil, &FieldError{Section: "summary", Field: "lock_percentage", Reason: "outside [0,100]"}
	}
	if w.LinkLock.TotalDurationSec < 0 || w.LinkLock.LockedDurationSec < 0 {
		return nil, &FieldError{Section: "summary", Field: "link_lock", Reason: "negative duration"}
	}
	if w.TrackingSummary.LostTrackingEvents < 0 {
		return nil, &FieldError{Section: "summary", Field: "lost_tracking_events", Reason: "negative count"}
	}
	if w.KeyDistillation.KeysDistilled < 0 || w.KeyDistillation.KeySizeBits < 0 {
		return nil, &FieldError{Section: "summary", Field: "key_distillation", Reason: "negative count"}
	}

	return &PassSummary{
		PassID:                  w.PassID,
		SatelliteID:             w.SatelliteID,
		StartTime:               start,
		EndTime:                 end,
		TotalDurationSec:        w.LinkLock.TotalDurationSec,
		LockedDurationSec:       w.LinkLock.LockedDurationSec,
		LockPercentage:          w.LinkLock.LockPercentage,
		LostTrackingEvents:      w.TrackingSummary.LostTrackingEvents,
		AvgTrackingStability:    w.TrackingSummary.AvgTrackingStability,
		KeysDistilled:           w.KeyDistillation.KeysDistilled,
		KeySizeBits:             w.KeyDistillation.KeySizeBits,
		DistillationSuccess:     w.KeyDistillation.Success,
		AvgWindSpeed:            w.WeatherConditions.AvgWindSpeedMps,
		AvgTemperature:          w.WeatherConditions.AvgTemperatureC,
		AvgHumidity:             w.WeatherConditions.AvgHumidityPercent,
		PrecipitationDuringPass: w.WeatherConditions.PrecipitationDuringPass,
		DomeClosedDuringPass:    w.DomeClosedDuringPass,
		Notes:                   w.Notes,
	}, nil
}

func convertAlert(i int, w *wireAlert) (*Alert, *FieldError) {
	section := fmt.Sprintf("alerts[%d]", i)

	if w.AlertID == "" {
		return nil, &FieldError{Section: section, Field: "alert_id", Reason: "missing alert identity"}
	}
	ts, err := parseTime(w.Timestamp)
	if err != nil {
		return nil, &FieldError{Section: section, Field: "timestamp", Reason: "invalid timestamp"}
	}
	if w.Severity != SeverityWarning && w.Severity != SeverityCritical {
		return nil, &FieldError{Section: section, Field: "severity", Reason: "unknown severity " + w.Severity}
	}
	if w.SeverityCode < 0 {
		return nil, &FieldError{Section: section, Field: "severity_code", Reason: "negative value"}
	}

	return &Alert{
		Timestamp:     ts,
		AlertID:       w.AlertID,
		Severity:      w.Severity,
		SeverityCode:  w.SeverityCode,
		Component:     w.Component,
		ComponentID:   w.ComponentID,
		Description:   w.Description,
		ActionTaken:   w.ActionTaken,
		RelatedPassID: w.RelatedPassID,
	}, nil
}

func convertScheduledPass(i int, w *wireScheduledPass, generatedAt time.Time) (*ScheduledPass, *FieldError) {
	section := fmt.Sprintf("schedule[%d]", i)

	if w.PassID == "" {
		return nil, &FieldError{Section: section, Field: "pass_id", Reason: "missing pass identity"}
	}
	start, err := parseTime(w.StartTime)
	if err != nil {
		return nil, &FieldError{Section: section, Field: "start_time", Reason: "invalid timestamp"}
	}
	end, err := parseTime(w.EndTime)
	if err != nil {
		return nil, &FieldError{Section: section, Field: "end_time", Reason: "invalid timestamp"}
	}
	if end.Before(start) {
		return nil, &FieldError{Section: section, Field: "end_time", Reason: "window ends before it starts"}
	}
	if w.EstimatedKeys < 0 {
		return nil, &FieldError{Section: section, Field: "estimated_keys", Reason: "negative count"}
	}

	return &ScheduledPass{
		PassID:                 w.PassID,
		SatelliteID:            w.SatelliteID,
		StartTime:              start,
		EndTime:                end,
		MaxElevationDeg:        w.MaxElevationDeg,
		PredictedWindSpeed:     w.PredictedWeather.WindSpeedMps,
		PredictedPrecipitation: w.PredictedWeather.Precipitation,
		PredictedCloudCover:    w.PredictedWeather.CloudCoverPercent,
		EstimatedQBER:          w.EstimatedQBER,
		EstimatedKeys:          w.EstimatedKeys,
		PassViable:             w.PassViable,
		GeneratedAt:            generatedAt,
	}, nil
}
