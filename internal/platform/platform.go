// Package platform picks the link transport named in the configuration.
package platform

import (
	"fmt"

	"obdlink/internal/config"
	"obdlink/internal/link"
	"obdlink/internal/link/ble"
	"obdlink/internal/link/serial"
	"obdlink/internal/link/tcp"
	"obdlink/internal/link/ws"
	"obdlink/internal/obd/mock"
)

// New builds the platform for cfg.Transport. For the simulator transport
// the simulator itself is returned too so callers can start its random walk.
func New(cfg config.Config) (link.Platform, *mock.Simulator, error) {
	switch cfg.Transport {
	case config.TransportSerial:
		return serial.New(cfg.Baud), nil, nil
	case config.TransportBLE:
		return ble.New(ble.Options{
			ServiceUUID: cfg.BLE.Service,
			NotifyUUID:  cfg.BLE.Notify,
			WriteUUID:   cfg.BLE.Write,
			NamePrefix:  cfg.BLE.NamePrefix,
		}), nil, nil
	case config.TransportTCP:
		p := tcp.New(cfg.Address)
		if cfg.DialTimeout > 0 {
			p.DialTimeout = cfg.DialTimeout
		}
		return p, nil, nil
	case config.TransportWS:
		p := ws.New(cfg.Address)
		p.Username = cfg.WS.Username
		p.Password = cfg.WS.Password
		p.SkipSSLVerify = cfg.WS.SkipSSLVerify
		return p, nil, nil
	case config.TransportSim:
		sim := mock.New(Simulator(cfg))
		return sim.Platform(), sim, nil
	default:
		return nil, nil, fmt.Errorf("%w: unknown transport %q", config.ErrInvalidConfig, cfg.Transport)
	}
}

// Simulator maps the sim settings to simulator options.
func Simulator(cfg config.Config) mock.Options {
	return mock.Options{
		Seed:         cfg.Sim.Seed,
		DTCs:         cfg.Sim.DTCs,
		RandomFaults: cfg.Sim.Faults,
		ChunkSize:    cfg.Sim.ChunkSize,
		Latency:      cfg.Sim.Latency,
	}
}
