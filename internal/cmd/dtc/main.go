package dtc

import (
	"fmt"

	"obdlink/internal/cmd/setup"
	"obdlink/internal/models"
	"obdlink/pkg/log"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func Run(cmd *cobra.Command, args []string) {
	cfg := setup.Config()
	e, _ := setup.Engine(cfg)
	defer e.Close()

	ctx, cancel := setup.SignalContext()
	defer cancel()

	if err := e.StartMonitoring(ctx); err != nil {
		log.Fatal("failed to connect", zap.Error(err))
	}
	defer e.StopMonitoring()

	records, err := e.ReadDTCs(ctx)
	if err != nil {
		log.Error("failed to read trouble codes", zap.Error(err))
		return
	}
	printSummary(records)

	if !viper.GetBool("clear") || len(records) == 0 {
		return
	}
	if e.ClearDTCs(ctx) {
		fmt.Println("Trouble codes cleared.")
	} else {
		fmt.Println("Clearing trouble codes failed.")
	}
}

func printSummary(records []models.DTCRecord) {
	fmt.Println("Current DTC Error Codes:")
	if len(records) == 0 {
		fmt.Println("No error codes.")
		return
	}
	for _, code := range records {
		desc := code.Description
		if !code.HasDescription() {
			desc = "unknown code"
		}
		fmt.Printf("- %s (%s): %s\n", code.Code, code.Category, desc)
	}
}
