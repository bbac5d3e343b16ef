//go:build !linux

package ble

import (
	"context"
	"fmt"
	"runtime"

	"obdlink/internal/link"
)

// Platform is unavailable outside linux; go-ble only ships an HCI backend
// for it.
type Platform struct {
	opts Options
}

var _ link.Platform = (*Platform)(nil)

func New(opts Options) *Platform {
	return &Platform{opts: opts.withDefaults()}
}

func (p *Platform) Name() string { return "ble" }

func (p *Platform) Check(ctx context.Context) error {
	return fmt.Errorf("%w: ble is not supported on %s", link.ErrPlatformUnavailable, runtime.GOOS)
}

func (p *Platform) Scan(ctx context.Context, found func(link.Device)) error {
	return p.Check(ctx)
}

func (p *Platform) Dial(ctx context.Context, address string) (link.Link, error) {
	return nil, p.Check(ctx)
}
