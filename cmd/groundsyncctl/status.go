package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check daemon liveness and readiness",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	client := newClient()

	var health map[string]any
	if err := client.getJSON("/healthz", &health); err != nil {
		return fmt.Errorf("daemon unreachable: %w", err)
	}

	// Readiness can legitimately fail while the database is coming up;
	// report it instead of aborting.
	var ready map[string]any
	if err := client.getJSON("/readyz", &ready); err != nil {
		ready = map[string]any{"status": "not_ready", "error": err.Error()}
	}

	if outputFmt == "json" || outputFmt == "yaml" {
		return printOutput(map[string]any{"health": health, "readiness": ready})
	}

	liveness, _ := health["status"].(string)
	uptime, _ := health["uptime"].(string)
	readiness, _ := ready["status"].(string)

	rows := [][]string{
		{"Liveness", liveness},
		{"Uptime", uptime},
		{"Readiness", readiness},
	}
	if errMsg, ok := ready["error"].(string); ok && errMsg != "" {
		rows = append(rows, []string{"Readiness error", truncate(errMsg, 80)})
	}
	printTable([]string{"Check", "Value"}, rows)
	return nil
}
