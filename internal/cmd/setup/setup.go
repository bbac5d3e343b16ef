// Package setup builds what every command needs from the loaded settings.
package setup

import (
	"context"
	"os/signal"
	"syscall"

	"obdlink/internal/config"
	"obdlink/internal/engine"
	"obdlink/internal/obd/mock"
	"obdlink/internal/platform"
	"obdlink/pkg/log"

	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Config loads the settings or exits.
func Config() config.Config {
	cfg, err := config.Load(viper.GetViper(), "")
	if err != nil {
		log.Fatal("invalid configuration", zap.Error(err))
	}
	return cfg
}

// Engine builds the engine for the configured transport. The simulator is
// non-nil only for the sim transport.
func Engine(cfg config.Config) (*engine.Engine, *mock.Simulator) {
	p, sim, err := platform.New(cfg)
	if err != nil {
		log.Fatal("failed to create platform", zap.Error(err))
	}
	ecfg, err := cfg.Engine()
	if err != nil {
		log.Fatal("invalid engine configuration", zap.Error(err))
	}
	e, err := engine.New(p, ecfg)
	if err != nil {
		log.Fatal("failed to create engine", zap.Error(err))
	}
	log.Debug("engine ready", zap.String("transport", p.Name()), zap.String("address", cfg.Address))
	return e, sim
}

// SignalContext is cancelled on SIGINT or SIGTERM.
func SignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}
