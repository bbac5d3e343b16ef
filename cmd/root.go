package cmd

import (
	"fmt"
	"os"

	"obdlink/internal/cmd/root"
	"obdlink/internal/config"
	"obdlink/pkg/log"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "obdlink",
	Short: "Live telemetry and trouble codes from ELM327 OBD-II adapters",
	Run:   root.Run,
}

func init() {
	cobra.OnInitialize(initConfig, initLogger)

	config.SetDefaults(viper.GetViper())

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (YAML)")
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug mode")
	rootCmd.PersistentFlags().String("log-file", "", "Write logs to this file instead of stderr")
	rootCmd.PersistentFlags().String("transport", config.TransportSerial, "Link transport: serial, ble, tcp, ws or sim")
	rootCmd.PersistentFlags().String("address", "", "Adapter address (device path, host:port, ws URL or BLE MAC); empty scans")
	rootCmd.PersistentFlags().Int("baud", 38400, "Baud rate for serial connection")
	rootCmd.PersistentFlags().Duration("scan-timeout", 0, "How long to scan for adapters")
	rootCmd.PersistentFlags().Int("max-attempts", 0, "Connect attempts before giving up")
	rootCmd.PersistentFlags().Duration("request-timeout", 0, "Timeout of a single adapter command")
	rootCmd.Flags().Bool("no-tui", false, "Print telemetry instead of running the dashboard")
	rootCmd.Flags().String("mode", "normal", "Initial sampling mode: normal, reduced or minimal")

	bindFlags(rootCmd, "debug", "log-file", "transport", "address", "baud", "scan-timeout", "max-attempts", "request-timeout")
	viper.BindPFlag("no-tui", rootCmd.Flags().Lookup("no-tui"))
	viper.BindPFlag("mode", rootCmd.Flags().Lookup("mode"))
}

// bindFlags binds persistent flags to viper keys of the same name. Unchanged
// flags leave the config defaults in place.
func bindFlags(c *cobra.Command, names ...string) {
	for _, name := range names {
		viper.BindPFlag(name, c.PersistentFlags().Lookup(name))
	}
}

func initConfig() {
	if cfgFile == "" {
		return
	}
	viper.SetConfigFile(cfgFile)
	if err := viper.ReadInConfig(); err != nil {
		fmt.Printf("error: cannot read config %s: %v\n", cfgFile, err)
		os.Exit(1)
	}
}

func initLogger() {
	if err := log.InitLogger(viper.GetBool("debug"), viper.GetString("log-file")); err != nil {
		fmt.Printf("error: %v\n", err)
	}
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
