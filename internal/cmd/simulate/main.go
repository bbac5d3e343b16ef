package simulate

import (
	"net"

	"obdlink/internal/cmd/setup"
	"obdlink/internal/obd/mock"
	"obdlink/internal/platform"
	"obdlink/pkg/log"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func Run(cmd *cobra.Command, args []string) {
	cfg := setup.Config()
	sim := mock.New(platform.Simulator(cfg))

	ctx, cancel := setup.SignalContext()
	defer cancel()

	addr := viper.GetString("listen")
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		log.Fatal("failed to listen", zap.String("address", addr), zap.Error(err))
	}

	sim.Start(ctx)
	defer sim.Stop()

	log.Info("ELM327 simulator listening", zap.String("address", ln.Addr().String()), zap.Strings("dtcs", sim.StoredDTCs()))
	if err := sim.Serve(ctx, ln); err != nil {
		log.Fatal("simulator stopped", zap.Error(err))
	}
}
