package scan

import (
	"context"
	"fmt"

	"obdlink/internal/cmd/setup"
	"obdlink/internal/link"
	"obdlink/pkg/log"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func Run(cmd *cobra.Command, args []string) {
	cfg := setup.Config()
	e, _ := setup.Engine(cfg)
	defer e.Close()

	ctx, cancel := setup.SignalContext()
	defer cancel()
	ctx, cancelScan := context.WithTimeout(ctx, cfg.ScanTimeout)
	defer cancelScan()

	fmt.Printf("Scanning for %v...\n", cfg.ScanTimeout)
	count := 0
	err := e.Scan(ctx, func(d link.Device) {
		count++
		fmt.Printf("- %s  %s  rssi %d\n", d.Address, d.Name, d.RSSI)
	})
	if err != nil {
		log.Fatal("scan failed", zap.Error(err))
	}
	if count == 0 {
		fmt.Println("No adapters found.")
	}
}
