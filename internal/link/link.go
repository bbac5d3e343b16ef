// Package link defines the byte-oriented, notification-driven channel the
// engine talks to an adapter through, and the platform that finds and opens
// such channels. Concrete transports live in the sub-packages.
package link

import (
	"context"
	"errors"
)

var (
	// ErrPlatformUnavailable means the host has no usable radio or port subsystem.
	ErrPlatformUnavailable = errors.New("platform unavailable")
	// ErrPermissionDenied means the process may not use the transport.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrAdapterDisabled means the local adapter exists but is switched off.
	ErrAdapterDisabled = errors.New("adapter disabled")
	// ErrTransportDisconnected is returned once the peer has gone away.
	ErrTransportDisconnected = errors.New("transport disconnected")
)

// Device is a discovered adapter.
type Device struct {
	Address string
	Name    string
	RSSI    int
}

func (d Device) String() string {
	if d.Name == "" {
		return d.Address
	}
	return d.Name + " (" + d.Address + ")"
}

// Link is an open channel to one adapter.
//
// Received bytes arrive on Notifications in whatever chunks the transport
// produces; a single reply may be split over several chunks. Disconnected is
// closed once the link is gone, whether the peer dropped or Close was called.
type Link interface {
	Send(data []byte) error
	Notifications() <-chan []byte
	Disconnected() <-chan struct{}
	Close() error
}

// Platform discovers and opens links of one transport kind.
type Platform interface {
	// Name identifies the transport in logs.
	Name() string
	// Check validates that the transport can be used at all. It returns an
	// error wrapping ErrPlatformUnavailable, ErrPermissionDenied or
	// ErrAdapterDisabled.
	Check(ctx context.Context) error
	// Scan reports devices to found until ctx is done. It returns nil when
	// ctx ends the scan.
	Scan(ctx context.Context, found func(Device)) error
	// Dial opens a link. It returns only once the link is ready to carry
	// commands (services resolved and notifications enabled, for radios).
	Dial(ctx context.Context, address string) (Link, error)
}
