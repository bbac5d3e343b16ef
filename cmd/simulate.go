package cmd

import (
	"obdlink/internal/cmd/simulate"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Serve a simulated ELM327 adapter over TCP",
	Run:   simulate.Run,
}

func init() {
	simulateCmd.Flags().String("listen", ":35000", "Address to listen on")
	simulateCmd.Flags().StringSlice("dtcs", nil, "Stored trouble codes, e.g. P0133,C0300")
	simulateCmd.Flags().Bool("faults", false, "Randomly add and clear trouble codes")

	viper.BindPFlag("listen", simulateCmd.Flags().Lookup("listen"))
	viper.BindPFlag("sim.dtcs", simulateCmd.Flags().Lookup("dtcs"))
	viper.BindPFlag("sim.faults", simulateCmd.Flags().Lookup("faults"))

	rootCmd.AddCommand(simulateCmd)
}
