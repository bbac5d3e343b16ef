// Package tcp reaches Wi-Fi ELM327 adapters and the built-in simulator over
// a plain TCP socket.
package tcp

import (
	"context"
	"fmt"
	"net"
	"time"

	"obdlink/internal/link"
	"obdlink/pkg/log"

	"go.uber.org/zap"
)

const (
	// DefaultAddress is where most Wi-Fi adapters listen.
	DefaultAddress     = "192.168.0.10:35000"
	DefaultDialTimeout = 5 * time.Second
)

// Platform dials a single known host. There is no discovery on TCP, so
// Scan reports the configured address and waits.
type Platform struct {
	Address     string
	DialTimeout time.Duration
}

var _ link.Platform = (*Platform)(nil)

func New(address string) *Platform {
	if address == "" {
		address = DefaultAddress
	}
	return &Platform{Address: address, DialTimeout: DefaultDialTimeout}
}

func (p *Platform) Name() string { return "tcp" }

func (p *Platform) Check(ctx context.Context) error {
	if _, _, err := net.SplitHostPort(p.Address); err != nil {
		return fmt.Errorf("%w: bad address %q: %v", link.ErrPlatformUnavailable, p.Address, err)
	}
	return nil
}

func (p *Platform) Scan(ctx context.Context, found func(link.Device)) error {
	found(link.Device{Address: p.Address, Name: "wifi adapter"})
	<-ctx.Done()
	return nil
}

func (p *Platform) Dial(ctx context.Context, address string) (link.Link, error) {
	if address == "" {
		address = p.Address
	}
	d := net.Dialer{Timeout: p.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", address, err)
	}
	log.Info("tcp link established", zap.String("address", address))
	return link.NewStream(conn, link.StreamOptions{Name: address}), nil
}
