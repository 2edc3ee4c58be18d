package main

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show pipeline counters, table sizes, and anomaly totals",
	RunE:  runStats,
}

// pipelineStats mirrors the pipeline counter snapshot served by the
// stats endpoint.
type pipelineStats struct {
	UnitsReceived       int64 `json:"unitsReceived"`
	UnitsDuplicate      int64 `json:"unitsDuplicate"`
	UnitsWritten        int64 `json:"unitsWritten"`
	UnitsFailed         int64 `json:"unitsFailed"`
	UnitsRejected       int64 `json:"unitsRejected"`
	Retries             int64 `json:"retries"`
	MalformedRecords    int64 `json:"malformedRecords"`
	RecordsWritten      int64 `json:"recordsWritten"`
	RecordConflicts     int64 `json:"recordConflicts"`
	SequenceRegressions int64 `json:"sequenceRegressions"`
	AlertsSkipped       int64 `json:"alertsSkipped"`
	SchedulesSkipped    int64 `json:"schedulesSkipped"`
	SummariesMerged     int64 `json:"summariesMerged"`
	LinksCorrelated     int64 `json:"linksCorrelated"`
	AlertsCorrelated    int64 `json:"alertsCorrelated"`
	CorrelationSweeps   int64 `json:"correlationSweeps"`
	QueueDepth          int   `json:"queueDepth"`
	InFlight            int   `json:"inFlight"`
}

type statsResponse struct {
	Pipeline  pipelineStats    `json:"pipeline"`
	Tables    map[string]int64 `json:"tables"`
	Anomalies map[string]int64 `json:"anomalies"`
}

func runStats(cmd *cobra.Command, args []string) error {
	client := newClient()

	var resp statsResponse
	if err := client.getJSON("/api/ingest/v1/stats", &resp); err != nil {
		return fmt.Errorf("failed to fetch stats: %w", err)
	}

	if outputFmt == "json" || outputFmt == "yaml" {
		return printOutput(resp)
	}

	p := resp.Pipeline
	printTable([]string{"Counter", "Value"}, [][]string{
		{"Units received", fmtInt(p.UnitsReceived)},
		{"Units written", fmtInt(p.UnitsWritten)},
		{"Units duplicate", fmtInt(p.UnitsDuplicate)},
		{"Units failed", fmtInt(p.UnitsFailed)},
		{"Units rejected", fmtInt(p.UnitsRejected)},
		{"Retries", fmtInt(p.Retries)},
		{"Records written", fmtInt(p.RecordsWritten)},
		{"Malformed records", fmtInt(p.MalformedRecords)},
		{"Record conflicts", fmtInt(p.RecordConflicts)},
		{"Sequence regressions", fmtInt(p.SequenceRegressions)},
		{"Alerts skipped", fmtInt(p.AlertsSkipped)},
		{"Schedules skipped", fmtInt(p.SchedulesSkipped)},
		{"Summaries merged", fmtInt(p.SummariesMerged)},
		{"Links correlated", fmtInt(p.LinksCorrelated)},
		{"Alerts correlated", fmtInt(p.AlertsCorrelated)},
		{"Correlation sweeps", fmtInt(p.CorrelationSweeps)},
		{"Queue depth", strconv.Itoa(p.QueueDepth)},
		{"In flight", strconv.Itoa(p.InFlight)},
	})

	if len(resp.Tables) > 0 {
		fmt.Println()
		printTable([]string{"Table", "Rows"}, sortedCountRows(resp.Tables))
	}
	if len(resp.Anomalies) > 0 {
		fmt.Println()
		printTable([]string{"Anomaly category", "Count"}, sortedCountRows(resp.Anomalies))
	}
	return nil
}

func sortedCountRows(counts map[string]int64) [][]string {
	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	sort.Strings(names)

	rows := make([][]string, 0, len(names))
	for _, name := range names {
		rows = append(rows, []string{name, fmtInt(counts[name])})
	}
	return rows
}
