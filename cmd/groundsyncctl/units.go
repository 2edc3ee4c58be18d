package main

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"
)

var (
	unitsKind      string
	unitsPageSize  int
	unitsPageToken string
)

var unitsCmd = &cobra.Command{
	Use:   "units",
	Short: "List processed units from the ingestion ledger",
	RunE:  runUnits,
}

func init() {
	unitsCmd.Flags().StringVar(&unitsKind, "kind", "log", "Unit kind to list: log or package")
	unitsCmd.Flags().IntVar(&unitsPageSize, "page-size", 50, "Maximum units per page")
	unitsCmd.Flags().StringVar(&unitsPageToken, "page-token", "", "Resume listing from a previous page")
}

type logUnit struct {
	ID              int64  `json:"id"`
	Filename        string `json:"filename"`
	FileSize        int64  `json:"fileSize"`
	TotalLines      int    `json:"totalLines"`
	KeyCreations    int    `json:"keyCreations"`
	SyncLatency     int    `json:"syncLatency"`
	KeyCounts       int    `json:"keyCounts"`
	ControllerSyncs int    `json:"controllerSyncs"`
	ProcessedAt     string `json:"processedAt"`
}

type logUnitList struct {
	Kind          string    `json:"kind"`
	Units         []logUnit `json:"units"`
	NextPageToken string    `json:"nextPageToken"`
}

type packageUnit struct {
	ID               int64  `json:"id"`
	PackageTimestamp string `json:"packageTimestamp"`
	RecordsInserted  int    `json:"recordsInserted"`
	ProcessedAt      string `json:"processedAt"`
}

type packageUnitList struct {
	Kind          string        `json:"kind"`
	Units         []packageUnit `json:"units"`
	NextPageToken string        `json:"nextPageToken"`
}

func runUnits(cmd *cobra.Command, args []string) error {
	q := url.Values{}
	q.Set("kind", unitsKind)
	if unitsPageSize > 0 {
		q.Set("pageSize", strconv.Itoa(unitsPageSize))
	}
	if unitsPageToken != "" {
		q.Set("pageToken", unitsPageToken)
	}
	path := "/api/ingest/v1/units?" + q.Encode()

	client := newClient()
	switch unitsKind {
	case "log":
		var resp logUnitList
		if err := client.getJSON(path, &resp); err != nil {
			return fmt.Errorf("failed to list units: %w", err)
		}
		return renderLogUnits(&resp)
	case "package":
		var resp packageUnitList
		if err := client.getJSON(path, &resp); err != nil {
			return fmt.Errorf("failed to list units: %w", err)
		}
		return renderPackageUnits(&resp)
	default:
		return fmt.Errorf("unknown unit kind %q (use log or package)", unitsKind)
	}
}

func renderLogUnits(resp *logUnitList) error {
	if outputFmt == "json" || outputFmt == "yaml" {
		return printOutput(resp)
	}

	rows := make([][]string, 0, len(resp.Units))
	for _, u := range resp.Units {
		rows = append(rows, []string{
			fmtInt(u.ID),
			truncate(u.Filename, 48),
			fmtInt(u.FileSize),
			strconv.Itoa(u.TotalLines),
			strconv.Itoa(u.KeyCreations),
			strconv.Itoa(u.SyncLatency),
			strconv.Itoa(u.KeyCounts),
			strconv.Itoa(u.ControllerSyncs),
			u.ProcessedAt,
		})
	}
	printTable([]string{"ID", "Filename", "Bytes", "Lines", "Creations", "Latency", "Counts", "Syncs", "Processed"}, rows)
	printNextPage(resp.NextPageToken)
	return nil
}

func renderPackageUnits(resp *packageUnitList) error {
	if outputFmt == "json" || outputFmt == "yaml" {
		return printOutput(resp)
	}

	rows := make([][]string, 0, len(resp.Units))
	for _, u := range resp.Units {
		rows = append(rows, []string{
			fmtInt(u.ID),
			u.PackageTimestamp,
			strconv.Itoa(u.RecordsInserted),
			u.ProcessedAt,
		})
	}
	printTable([]string{"ID", "Package timestamp", "Records", "Processed"}, rows)
	printNextPage(resp.NextPageToken)
	return nil
}

func printNextPage(token string) {
	if token != "" {
		fmt.Printf("\nNext page: --page-token %s\n", token)
	}
}
