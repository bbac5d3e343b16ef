// Package config turns flags, environment and the optional config file into
// typed settings.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"obdlink/internal/connection"
	"obdlink/internal/diag"
	"obdlink/internal/elm"
	"obdlink/internal/engine"
	"obdlink/internal/link/serial"
	"obdlink/internal/obd"

	"github.com/spf13/viper"
)

const EnvPrefix = "OBDLINK"

// Transports understood by the platform factory.
const (
	TransportSerial = "serial"
	TransportBLE    = "ble"
	TransportTCP    = "tcp"
	TransportWS     = "ws"
	TransportSim    = "sim"
)

var Transports = []string{TransportSerial, TransportBLE, TransportTCP, TransportWS, TransportSim}

var ErrInvalidConfig = errors.New("invalid configuration")

type Config struct {
	Debug   bool   `mapstructure:"debug"`
	LogFile string `mapstructure:"log-file"`
	NoTUI   bool   `mapstructure:"no-tui"`

	Transport string `mapstructure:"transport"`
	// Address is a serial device, host:port, ws URL or BLE MAC. Empty lets
	// discovery pick the first adapter found.
	Address string `mapstructure:"address"`
	Baud    int    `mapstructure:"baud"`

	ScanTimeout time.Duration `mapstructure:"scan-timeout"`
	MaxAttempts int           `mapstructure:"max-attempts"`
	Backoff     time.Duration `mapstructure:"backoff"`
	MaxBackoff  time.Duration `mapstructure:"max-backoff"`
	DialTimeout time.Duration `mapstructure:"dial-timeout"`

	RequestTimeout time.Duration `mapstructure:"request-timeout"`
	DTCTimeout     time.Duration `mapstructure:"dtc-timeout"`
	DrainWindow    time.Duration `mapstructure:"drain-window"`

	Mode     string    `mapstructure:"mode"`
	Interval Intervals `mapstructure:"interval"`

	Init Init `mapstructure:"init"`
	BLE  BLE  `mapstructure:"ble"`
	WS   WS   `mapstructure:"ws"`
	Sim  Sim  `mapstructure:"sim"`
}

type Intervals struct {
	Normal  time.Duration `mapstructure:"normal"`
	Reduced time.Duration `mapstructure:"reduced"`
	Minimal time.Duration `mapstructure:"minimal"`
}

type Init struct {
	Delay          time.Duration `mapstructure:"delay"`
	ResetTimeout   time.Duration `mapstructure:"reset-timeout"`
	CommandTimeout time.Duration `mapstructure:"command-timeout"`
	MaxUnexpected  int           `mapstructure:"max-unexpected"`
}

type BLE struct {
	Service    string `mapstructure:"service"`
	Notify     string `mapstructure:"notify"`
	Write      string `mapstructure:"write"`
	NamePrefix string `mapstructure:"name-prefix"`
}

type WS struct {
	Username      string `mapstructure:"username"`
	Password      string `mapstructure:"password"`
	SkipSSLVerify bool   `mapstructure:"skip-ssl-verify"`
}

type Sim struct {
	Seed      int64         `mapstructure:"seed"`
	DTCs      []string      `mapstructure:"dtcs"`
	Latency   time.Duration `mapstructure:"latency"`
	ChunkSize int           `mapstructure:"chunk-size"`
	Faults    bool          `mapstructure:"faults"`
}

// SetDefaults registers every key with its default and enables OBDLINK_*
// environment overrides ("init.delay" reads OBDLINK_INIT_DELAY).
func SetDefaults(v *viper.Viper) {
	modes := obd.DefaultModes()

	v.SetDefault("debug", false)
	v.SetDefault("log-file", "")
	v.SetDefault("no-tui", false)

	v.SetDefault("transport", TransportSerial)
	v.SetDefault("address", "")
	v.SetDefault("baud", serial.DefaultBaud)

	v.SetDefault("scan-timeout", engine.DefaultScanTimeout)
	v.SetDefault("max-attempts", connection.DefaultMaxAttempts)
	v.SetDefault("backoff", connection.DefaultBackoff)
	v.SetDefault("max-backoff", connection.DefaultMaxBackoff)
	v.SetDefault("dial-timeout", 15*time.Second)

	v.SetDefault("request-timeout", elm.DefaultTimeout)
	v.SetDefault("dtc-timeout", diag.DefaultTimeout)
	v.SetDefault("drain-window", elm.DefaultDrainWindow)

	v.SetDefault("mode", obd.Normal.String())
	v.SetDefault("interval.normal", modes[obd.Normal].Interval)
	v.SetDefault("interval.reduced", modes[obd.Reduced].Interval)
	v.SetDefault("interval.minimal", modes[obd.Minimal].Interval)

	v.SetDefault("init.delay", elm.DefaultDelay)
	v.SetDefault("init.reset-timeout", elm.DefaultResetTimeout)
	v.SetDefault("init.command-timeout", elm.DefaultCommandTimeout)
	v.SetDefault("init.max-unexpected", 0)

	v.SetDefault("ble.service", "fff0")
	v.SetDefault("ble.notify", "fff1")
	v.SetDefault("ble.write", "fff2")
	v.SetDefault("ble.name-prefix", "")

	v.SetDefault("ws.username", "")
	v.SetDefault("ws.password", "")
	v.SetDefault("ws.skip-ssl-verify", false)

	v.SetDefault("sim.seed", 0)
	v.SetDefault("sim.dtcs", []string{})
	v.SetDefault("sim.latency", 20*time.Millisecond)
	v.SetDefault("sim.chunk-size", 20)
	v.SetDefault("sim.faults", false)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
}

// Load reads file (if not empty) and decodes v into a Config.
func Load(v *viper.Viper, file string) (Config, error) {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	// Comma separated lists from the environment arrive as one element.
	if len(cfg.Sim.DTCs) == 1 && strings.Contains(cfg.Sim.DTCs[0], ",") {
		cfg.Sim.DTCs = strings.Split(cfg.Sim.DTCs[0], ",")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	known := false
	for _, t := range Transports {
		if c.Transport == t {
			known = true
		}
	}
	if !known {
		return fmt.Errorf("%w: unknown transport %q (want one of %s)", ErrInvalidConfig, c.Transport, strings.Join(Transports, ", "))
	}
	if _, err := obd.ParseSamplingMode(c.Mode); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("%w: max-attempts must be at least 1", ErrInvalidConfig)
	}
	if _, err := c.Modes(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// Modes returns the stock mode table with the configured intervals.
func (c Config) Modes() (obd.ModeTable, error) {
	t := obd.DefaultModes().WithIntervals(map[obd.SamplingMode]time.Duration{
		obd.Normal:  c.Interval.Normal,
		obd.Reduced: c.Interval.Reduced,
		obd.Minimal: c.Interval.Minimal,
	})
	return t, t.Validate()
}

// Engine builds the engine settings.
func (c Config) Engine() (engine.Config, error) {
	mode, err := obd.ParseSamplingMode(c.Mode)
	if err != nil {
		return engine.Config{}, err
	}
	modes, err := c.Modes()
	if err != nil {
		return engine.Config{}, err
	}

	return engine.Config{
		Address:        c.Address,
		ScanTimeout:    c.ScanTimeout,
		MaxAttempts:    c.MaxAttempts,
		Backoff:        c.Backoff,
		Modes:          modes,
		Mode:           mode,
		RequestTimeout: c.RequestTimeout,
		DTCTimeout:     c.DTCTimeout,
		Init: elm.InitOptions{
			Delay:                c.Init.Delay,
			ResetTimeout:         c.Init.ResetTimeout,
			CommandTimeout:       c.Init.CommandTimeout,
			MaxUnexpectedReplies: c.Init.MaxUnexpected,
		},
		Connection: connection.Options{
			Channel: elm.ChannelOptions{
				Timeout:     c.RequestTimeout,
				DrainWindow: c.DrainWindow,
			},
			MaxBackoff:  c.MaxBackoff,
			DialTimeout: c.DialTimeout,
		},
	}, nil
}
