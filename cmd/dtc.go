package cmd

import (
	"obdlink/internal/cmd/dtc"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var dtcCmd = &cobra.Command{
	Use:   "dtc",
	Short: "Read (and optionally clear) stored trouble codes",
	Run:   dtc.Run,
}

func init() {
	dtcCmd.Flags().Bool("clear", false, "Clear stored codes after reading them")
	viper.BindPFlag("clear", dtcCmd.Flags().Lookup("clear"))

	rootCmd.AddCommand(dtcCmd)
}
