// Package serial opens ELM327 adapters exposed as serial devices: USB
// dongles and Bluetooth SPP ports bound to rfcomm.
package serial

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"time"

	"obdlink/internal/link"
	"obdlink/pkg/log"

	"github.com/tarm/serial"
	"go.bug.st/serial/enumerator"
	"go.uber.org/zap"
)

const (
	DefaultBaud         = 38400
	DefaultReadTimeout  = 100 * time.Millisecond
	DefaultScanInterval = 2 * time.Second
)

// DefaultPort returns the usual device node of a paired adapter on this OS.
func DefaultPort() string {
	switch runtime.GOOS {
	case "windows":
		return "COM3"
	case "darwin":
		return "/dev/tty.OBDII-SPPDev"
	default:
		return "/dev/rfcomm0"
	}
}

// Platform opens serial ports with tarm/serial and lists them with the
// go.bug.st enumerator.
type Platform struct {
	Baud         int
	ReadTimeout  time.Duration
	ScanInterval time.Duration

	// listPorts is replaced in tests.
	listPorts func() ([]*enumerator.PortDetails, error)
}

var _ link.Platform = (*Platform)(nil)

// New creates a serial platform. A zero baud selects DefaultBaud.
func New(baud int) *Platform {
	if baud <= 0 {
		baud = DefaultBaud
	}
	return &Platform{
		Baud:         baud,
		ReadTimeout:  DefaultReadTimeout,
		ScanInterval: DefaultScanInterval,
		listPorts:    enumerator.GetDetailedPortsList,
	}
}

func (p *Platform) Name() string { return "serial" }

func (p *Platform) Check(ctx context.Context) error {
	if _, err := p.listPorts(); err != nil {
		return fmt.Errorf("%w: listing serial ports: %v", link.ErrPlatformUnavailable, err)
	}
	return nil
}

// Scan lists the serial ports every ScanInterval and reports each port once.
// The platform default port is reported too when the node exists, since
// rfcomm bindings are not always visible to the enumerator.
func (p *Platform) Scan(ctx context.Context, found func(link.Device)) error {
	interval := p.ScanInterval
	if interval <= 0 {
		interval = DefaultScanInterval
	}

	seen := make(map[string]bool)
	report := func(d link.Device) {
		if seen[d.Address] {
			return
		}
		seen[d.Address] = true
		found(d)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		ports, err := p.listPorts()
		if err != nil {
			log.Warn("failed to list serial ports", zap.Error(err))
		}
		for _, port := range ports {
			report(deviceFromPort(port))
		}
		if def := DefaultPort(); !seen[def] {
			if _, err := os.Stat(def); err == nil {
				report(link.Device{Address: def, Name: "default port"})
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func deviceFromPort(port *enumerator.PortDetails) link.Device {
	d := link.Device{Address: port.Name}
	switch {
	case port.Product != "":
		d.Name = port.Product
	case port.IsUSB:
		d.Name = fmt.Sprintf("USB %s:%s", port.VID, port.PID)
	}
	return d
}

func (p *Platform) Dial(ctx context.Context, address string) (link.Link, error) {
	if address == "" {
		address = DefaultPort()
	}
	cfg := &serial.Config{
		Name:        address,
		Baud:        p.Baud,
		ReadTimeout: p.ReadTimeout,
		Size:        8,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
	}

	log.Info("opening serial port", zap.String("port", address), zap.Int("baud", p.Baud))
	port, err := serial.OpenPort(cfg)
	if err != nil {
		return nil, classifyOpenError(address, err)
	}

	// Drop whatever the adapter printed before we were listening.
	if err := port.Flush(); err != nil {
		log.Warn("failed to flush port", zap.String("port", address), zap.Error(err))
	}

	if err := ctx.Err(); err != nil {
		port.Close()
		return nil, err
	}

	return link.NewStream(port, link.StreamOptions{
		Name:      address,
		IgnoreEOF: true,
		IdleRead:  p.ReadTimeout,
		Probe:     deviceProbe(address),
	}), nil
}

// deviceProbe reports the device node vanishing, which is how an rfcomm
// port created by "rfcomm connect" goes away.
func deviceProbe(address string) func() error {
	if runtime.GOOS == "windows" {
		// COM ports have no device node to stat.
		return nil
	}
	return func() error {
		if _, err := os.Stat(address); err != nil {
			return fmt.Errorf("%w: %s: %w", link.ErrTransportDisconnected, address, err)
		}
		return nil
	}
}

func classifyOpenError(address string, err error) error {
	switch {
	case errors.Is(err, os.ErrPermission):
		return fmt.Errorf("%w: open %s: %v", link.ErrPermissionDenied, address, err)
	case errors.Is(err, os.ErrNotExist):
		return fmt.Errorf("%w: open %s: %v", link.ErrAdapterDisabled, address, err)
	default:
		return fmt.Errorf("open %s: %w", address, err)
	}
}
