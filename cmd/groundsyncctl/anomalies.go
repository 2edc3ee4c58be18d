package main

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"
)

var (
	anomalyCategory    string
	anomalyFingerprint string
	anomalySince       string
	anomalyPageSize    int
	anomalyPageToken   string
)

var anomaliesCmd = &cobra.Command{
	Use:   "anomalies",
	Short: "List recorded ingestion anomalies",
	RunE:  runAnomalies,
}

func init() {
	anomaliesCmd.Flags().StringVar(&anomalyCategory, "category", "", "Filter by anomaly category")
	anomaliesCmd.Flags().StringVar(&anomalyFingerprint, "fingerprint", "", "Filter by unit fingerprint")
	anomaliesCmd.Flags().StringVar(&anomalySince, "since", "", "Only anomalies recorded at or after this RFC 3339 time")
	anomaliesCmd.Flags().IntVar(&anomalyPageSize, "page-size", 50, "Maximum anomalies per page")
	anomaliesCmd.Flags().StringVar(&anomalyPageToken, "page-token", "", "Resume listing from a previous page")
}

type anomalyEntry struct {
	ID          string `json:"id"`
	Fingerprint string `json:"fingerprint"`
	Category    string `json:"category"`
	Detail      string `json:"detail,omitempty"`
	CreatedAt   string `json:"createdAt"`
}

type anomalyList struct {
	Anomalies     []anomalyEntry `json:"anomalies"`
	NextPageToken string         `json:"nextPageToken"`
	TotalSize     int            `json:"totalSize"`
}

func runAnomalies(cmd *cobra.Command, args []string) error {
	q := url.Values{}
	if anomalyCategory != "" {
		q.Set("category", anomalyCategory)
	}
	if anomalyFingerprint != "" {
		q.Set("fingerprint", anomalyFingerprint)
	}
	if anomalySince != "" {
		q.Set("since", anomalySince)
	}
	if anomalyPageSize > 0 {
		q.Set("pageSize", strconv.Itoa(anomalyPageSize))
	}
	if anomalyPageToken != "" {
		q.Set("pageToken", anomalyPageToken)
	}
	path := "/api/ingest/v1/anomalies"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	client := newClient()
	var resp anomalyList
	if err := client.getJSON(path, &resp); err != nil {
		return fmt.Errorf("failed to list anomalies: %w", err)
	}

	if outputFmt == "json" || outputFmt == "yaml" {
		return printOutput(resp)
	}

	rows := make([][]string, 0, len(resp.Anomalies))
	for _, a := range resp.Anomalies {
		rows = append(rows, []string{
			a.ID,
			truncate(a.Fingerprint, 40),
			a.Category,
			truncate(a.Detail, 60),
			a.CreatedAt,
		})
	}
	printTable([]string{"ID", "Fingerprint", "Category", "Detail", "Recorded"}, rows)
	fmt.Printf("\n%d matching in total\n", resp.TotalSize)
	printNextPage(resp.NextPageToken)
	return nil
}
