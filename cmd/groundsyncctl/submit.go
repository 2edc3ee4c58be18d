package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

var (
	submitKind   string
	submitName   string
	submitSource string
)

var submitCmd = &cobra.Command{
	Use:   "submit <file>",
	Short: "Replay a raw unit from a local file",
	Long: `submit reads a delivery payload from disk and pushes it through the
daemon's intake endpoint, exactly as a spool drop or poller fetch
would. Gzipped payloads are accepted and the ledger decides whether
the unit is new.`,
	Args: cobra.ExactArgs(1),
	RunE: runSubmit,
}

func init() {
	submitCmd.Flags().StringVar(&submitKind, "kind", "", "Unit kind: log or package (inferred from the name when empty)")
	submitCmd.Flags().StringVar(&submitName, "name", "", "Delivery name to record (defaults to the file name)")
	submitCmd.Flags().StringVar(&submitSource, "source", "cli", "Source tag recorded with the unit")
}

func runSubmit(cmd *cobra.Command, args []string) error {
	payload, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading unit payload: %w", err)
	}

	name := submitName
	if name == "" {
		name = filepath.Base(args[0])
	}

	client := newClient()
	res, err := client.submitUnit(name, submitKind, submitSource, payload)
	if err != nil {
		return err
	}

	if outputFmt == "json" || outputFmt == "yaml" {
		return printOutput(res)
	}

	fmt.Printf("%s: %s\n", res.Unit, res.Status)
	return nil
}
