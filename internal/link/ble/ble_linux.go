//go:build linux

package ble

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"obdlink/internal/link"
	"obdlink/pkg/log"

	"github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
	"go.uber.org/zap"
)

const notifyBuffer = 64

// Platform drives the host HCI device through go-ble.
type Platform struct {
	opts Options

	once      sync.Once
	deviceErr error
}

var _ link.Platform = (*Platform)(nil)

func New(opts Options) *Platform {
	return &Platform{opts: opts.withDefaults()}
}

func (p *Platform) Name() string { return "ble" }

// Check opens the default HCI device once and installs it for go-ble.
func (p *Platform) Check(ctx context.Context) error {
	p.once.Do(func() {
		d, err := linux.NewDevice()
		if err != nil {
			p.deviceErr = classifyDeviceError(err)
			return
		}
		ble.SetDefaultDevice(d)
	})
	return p.deviceErr
}

func classifyDeviceError(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "permission") || strings.Contains(msg, "not permitted"):
		return fmt.Errorf("%w: %v", link.ErrPermissionDenied, err)
	case strings.Contains(msg, "down") || strings.Contains(msg, "rfkill") || strings.Contains(msg, "not ready"):
		return fmt.Errorf("%w: %v", link.ErrAdapterDisabled, err)
	default:
		return fmt.Errorf("%w: %v", link.ErrPlatformUnavailable, err)
	}
}

func (p *Platform) Scan(ctx context.Context, found func(link.Device)) error {
	if err := p.Check(ctx); err != nil {
		return err
	}

	seen := make(map[string]bool)
	var mu sync.Mutex
	err := ble.Scan(ctx, true, func(a ble.Advertisement) {
		if !p.opts.matchesName(a.LocalName()) {
			return
		}
		addr := a.Addr().String()
		mu.Lock()
		dup := seen[addr]
		seen[addr] = true
		mu.Unlock()
		if dup {
			return
		}
		found(link.Device{Address: addr, Name: a.LocalName(), RSSI: a.RSSI()})
	}, nil)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("ble scan: %w", err)
	}
	return nil
}

func (p *Platform) Dial(ctx context.Context, address string) (link.Link, error) {
	if err := p.Check(ctx); err != nil {
		return nil, err
	}

	client, err := ble.Dial(ctx, ble.NewAddr(address))
	if err != nil {
		return nil, fmt.Errorf("ble dial %s: %w", address, err)
	}

	l, err := p.attach(client)
	if err != nil {
		// Never leave a half-open GATT connection behind.
		if cerr := client.CancelConnection(); cerr != nil {
			log.Warn("failed to cancel ble connection", zap.String("address", address), zap.Error(cerr))
		}
		return nil, err
	}
	log.Info("ble link established", zap.String("address", address))
	return l, nil
}

func (p *Platform) attach(client ble.Client) (*bleLink, error) {
	profile, err := client.DiscoverProfile(true)
	if err != nil {
		return nil, fmt.Errorf("ble service discovery: %w", err)
	}

	notify, err := findCharacteristic(profile, p.opts.ServiceUUID, p.opts.NotifyUUID)
	if err != nil {
		return nil, err
	}
	write, err := findCharacteristic(profile, p.opts.ServiceUUID, p.opts.WriteUUID)
	if err != nil {
		return nil, err
	}

	l := &bleLink{
		client: client,
		write:  write,
		notes:  make(chan []byte, notifyBuffer),
		done:   make(chan struct{}),
	}
	if err := client.Subscribe(notify, false, l.onNotify); err != nil {
		return nil, fmt.Errorf("ble subscribe: %w", err)
	}
	return l, nil
}

func findCharacteristic(profile *ble.Profile, service, char string) (*ble.Characteristic, error) {
	su, err := ble.Parse(service)
	if err != nil {
		return nil, fmt.Errorf("bad service uuid %q: %w", service, err)
	}
	cu, err := ble.Parse(char)
	if err != nil {
		return nil, fmt.Errorf("bad characteristic uuid %q: %w", char, err)
	}
	for _, s := range profile.Services {
		if !s.UUID.Equal(su) {
			continue
		}
		for _, c := range s.Characteristics {
			if c.UUID.Equal(cu) {
				return c, nil
			}
		}
	}
	return nil, fmt.Errorf("characteristic %s not found in service %s", char, service)
}

type bleLink struct {
	client ble.Client
	write  *ble.Characteristic
	notes  chan []byte
	done   chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func (l *bleLink) onNotify(data []byte) {
	chunk := make([]byte, len(data))
	copy(chunk, data)
	select {
	case l.notes <- chunk:
	case <-l.done:
	default:
		log.Warn("ble notification dropped, consumer too slow", zap.Int("bytes", len(data)))
	}
}

func (l *bleLink) Send(data []byte) error {
	select {
	case <-l.client.Disconnected():
		return link.ErrTransportDisconnected
	default:
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if err := l.client.WriteCharacteristic(l.write, data, true); err != nil {
		return fmt.Errorf("ble write: %w", err)
	}
	return nil
}

func (l *bleLink) Notifications() <-chan []byte { return l.notes }

func (l *bleLink) Disconnected() <-chan struct{} { return l.client.Disconnected() }

func (l *bleLink) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.done)
		err = l.client.CancelConnection()
	})
	return err
}
