package root

import (
	"context"
	"errors"
	"fmt"

	"obdlink/internal/cmd/setup"
	"obdlink/internal/displayer"
	"obdlink/internal/engine"
	"obdlink/internal/models"
	"obdlink/pkg/log"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const defaultTUILog = "obdlink.log"

func Run(cmd *cobra.Command, args []string) {
	cfg := setup.Config()

	// keep the terminal for the dashboard
	if !cfg.NoTUI && cfg.LogFile == "" {
		if err := log.InitLogger(cfg.Debug, defaultTUILog); err != nil {
			fmt.Printf("error: %v\n", err)
		}
	}

	e, sim := setup.Engine(cfg)
	defer e.Close()

	ctx, cancel := setup.SignalContext()
	defer cancel()

	if sim != nil {
		sim.Start(ctx)
		defer sim.Stop()
	}

	if cfg.NoTUI {
		if err := monitor(ctx, e); err != nil && !errors.Is(err, context.Canceled) {
			log.Fatal("monitoring failed", zap.Error(err))
		}
		return
	}

	d := displayer.New(e)
	go func() {
		<-ctx.Done()
		d.Shutdown()
	}()
	if err := d.Run(); err != nil {
		fmt.Printf("error: %v\n", err)
	}
}

// monitor prints states and snapshots until ctx is done.
func monitor(ctx context.Context, e *engine.Engine) error {
	stateID, states := e.SubscribeStates(16)
	defer e.UnsubscribeStates(stateID)
	snapID, snaps := e.SubscribeSnapshots(16)
	defer e.UnsubscribeSnapshots(snapID)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		for {
			select {
			case st, ok := <-states:
				if !ok {
					return nil
				}
				fmt.Printf("state: %s\n", st)
			case <-ctx.Done():
				return nil
			}
		}
	})

	g.Go(func() error {
		for {
			select {
			case s, ok := <-snaps:
				if !ok {
					return nil
				}
				printSnapshot(s)
			case <-ctx.Done():
				return nil
			}
		}
	})

	g.Go(func() error {
		if err := e.StartMonitoring(ctx); err != nil {
			return err
		}
		info := e.Adapter()
		fmt.Printf("adapter: %s, protocol %s, %.1fV\n", info.Version, info.ProtocolName, info.Voltage)
		<-ctx.Done()
		e.StopMonitoring()
		return nil
	})

	return g.Wait()
}

func printSnapshot(s models.Snapshot) {
	fmt.Printf("#%d [%s] fuel %.1f%% rpm %d speed %d km/h coolant %d C load %.1f%% dtcs %v\n",
		s.Sweep, s.Mode, s.FuelLevelPct, s.EngineRPM, s.VehicleSpeedKPH, s.CoolantTempC, s.EngineLoadPct, s.DTCCodes)
}
