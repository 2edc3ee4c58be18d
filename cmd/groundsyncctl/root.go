package main

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	serverURL string
	outputFmt string
)

var rootCmd = &cobra.Command{
	Use:   "groundsyncctl",
	Short: "Operator CLI for the groundsync ingestion daemon",
	Long: `groundsyncctl drives the groundsync ops API: check daemon health,
inspect pipeline counters and table sizes, page through processed
units and recorded anomalies, trigger a deferred-correlation sweep,
and replay raw units from local files.

The daemon address comes from --server or the GROUNDSYNC_SERVER
environment variable.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", defaultServer(), "Base URL of the groundsync daemon")
	rootCmd.PersistentFlags().StringVarP(&outputFmt, "output", "o", "table", "Output format: table, json, or yaml")

	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(unitsCmd)
	rootCmd.AddCommand(anomaliesCmd)
	rootCmd.AddCommand(correlateCmd)
	rootCmd.AddCommand(submitCmd)
}

func defaultServer() string {
	if v := os.Getenv("GROUNDSYNC_SERVER"); v != "" {
		return v
	}
	return "http://localhost:8080"
}
