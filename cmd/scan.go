package cmd

import (
	"obdlink/internal/cmd/scan"

	"github.com/spf13/cobra"
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "List reachable adapters",
	Run:   scan.Run,
}

func init() {
	rootCmd.AddCommand(scanCmd)
}
