// Package engine wires the connection manager, adapter initializer, polling
// scheduler and DTC service into the control surface applications use.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"obdlink/internal/connection"
	"obdlink/internal/diag"
	"obdlink/internal/elm"
	"obdlink/internal/link"
	"obdlink/internal/models"
	"obdlink/internal/obd"
	"obdlink/internal/poller"
	"obdlink/pkg/log"

	"go.uber.org/zap"
)

var (
	// ErrNotReady is returned by DTC operations while the adapter is not Ready.
	ErrNotReady = errors.New("engine: adapter not ready")
	// ErrNoDevice means discovery found nothing to connect to.
	ErrNoDevice = errors.New("engine: no device found")
)

const DefaultScanTimeout = 10 * time.Second

// Config holds everything the engine needs besides the platform.
type Config struct {
	// Address of the adapter. Empty selects the first device discovered
	// within ScanTimeout.
	Address     string
	ScanTimeout time.Duration

	MaxAttempts int
	Backoff     time.Duration

	Modes          obd.ModeTable
	Mode           obd.SamplingMode
	RequestTimeout time.Duration
	DTCTimeout     time.Duration

	Init       elm.InitOptions
	Connection connection.Options
}

// Engine is the vehicle telemetry engine for one adapter.
type Engine struct {
	cfg   Config
	conn  *connection.Manager
	ini   *elm.Initializer
	sched *poller.Scheduler
	dtcs  *diag.Service

	mu      sync.Mutex
	current *monitorRun
	adapter elm.AdapterInfo
}

type monitorRun struct {
	cancel context.CancelFunc
	// up is set once bring-up succeeded.
	up bool
}

var _ obd.Provider = (*Engine)(nil)

func New(platform link.Platform, cfg Config) (*Engine, error) {
	if cfg.ScanTimeout <= 0 {
		cfg.ScanTimeout = DefaultScanTimeout
	}

	conn := connection.New(platform, cfg.Connection)
	dtcs := diag.New(conn, cfg.DTCTimeout)
	sched, err := poller.New(conn, poller.Options{
		Modes:          cfg.Modes,
		Mode:           cfg.Mode,
		RequestTimeout: cfg.RequestTimeout,
		Ready:          conn.IsReady,
		DTCCodes:       dtcs.Codes,
	})
	if err != nil {
		return nil, fmt.Errorf("invalid sampling modes: %w", err)
	}

	return &Engine{
		cfg:   cfg,
		conn:  conn,
		ini:   elm.NewInitializer(cfg.Init),
		sched: sched,
		dtcs:  dtcs,
	}, nil
}

// StartMonitoring connects, initializes the adapter and starts polling.
// ctx bounds the whole monitoring session. Calling it while monitoring is
// a no-op; a session whose link was lost is torn down and brought up again.
func (e *Engine) StartMonitoring(ctx context.Context) error {
	e.mu.Lock()
	if e.current != nil && e.alive(e.current) {
		e.mu.Unlock()
		return nil
	}
	dead := e.current
	ctx, cancel := context.WithCancel(ctx)
	run := &monitorRun{cancel: cancel}
	e.current = run
	e.mu.Unlock()

	if dead != nil {
		log.Info("previous monitoring session lost its link, reconnecting", zap.Stringer("state", e.conn.State()))
		dead.cancel()
		e.sched.Stop()
	}

	info, err := e.bringUp(ctx)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current != run {
		// StopMonitoring won the race and already cleaned up.
		cancel()
		if err == nil {
			err = context.Canceled
		}
		return err
	}
	if err != nil {
		e.current = nil
		cancel()
		return err
	}

	run.up = true
	e.adapter = info
	e.sched.Start(ctx)
	log.Info("monitoring started", zap.Stringer("mode", e.sched.Mode()))
	return nil
}

// alive reports whether run is still bringing the link up or holds a link.
// Callers hold e.mu.
func (e *Engine) alive(run *monitorRun) bool {
	if !run.up {
		return true
	}
	switch e.conn.State().Phase {
	case models.Connecting, models.Connected, models.Initializing, models.Ready:
		return true
	}
	return false
}

func (e *Engine) bringUp(ctx context.Context) (elm.AdapterInfo, error) {
	if err := e.conn.Initialize(ctx); err != nil {
		return elm.AdapterInfo{}, err
	}

	// Leaving Failed is only possible through Disconnect.
	if e.conn.State().Is(models.Failed) {
		if err := e.conn.Disconnect(); err != nil {
			log.Warn("disconnect reported an error", zap.Error(err))
		}
	}

	address := e.cfg.Address
	if address == "" {
		var err error
		if address, err = e.discover(ctx); err != nil {
			return elm.AdapterInfo{}, err
		}
	}

	if err := e.conn.ConnectWithRetry(ctx, address, e.cfg.MaxAttempts, e.cfg.Backoff); err != nil {
		return elm.AdapterInfo{}, err
	}
	return e.conn.InitializeAdapter(ctx, e.ini)
}

func (e *Engine) discover(ctx context.Context) (string, error) {
	devices, err := e.conn.StartScanning(ctx)
	if err != nil {
		return "", err
	}
	defer e.conn.StopScanning()

	timer := time.NewTimer(e.cfg.ScanTimeout)
	defer timer.Stop()

	select {
	case d, ok := <-devices:
		if !ok {
			return "", ErrNoDevice
		}
		log.Info("selected device", zap.Stringer("device", d))
		return d.Address, nil
	case <-timer.C:
		return "", fmt.Errorf("%w within %v", ErrNoDevice, e.cfg.ScanTimeout)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// StopMonitoring stops polling and disconnects. The in-flight request, if
// any, resolves first. Calling it when not monitoring is a no-op.
func (e *Engine) StopMonitoring() {
	e.mu.Lock()
	run := e.current
	e.current = nil
	e.mu.Unlock()

	if run == nil {
		return
	}
	run.cancel()
	e.sched.Stop()
	if err := e.conn.Disconnect(); err != nil {
		log.Warn("disconnect reported an error", zap.Error(err))
	}
	log.Info("monitoring stopped")
}

// Monitoring reports whether a monitoring session is active. A session
// whose link was lost no longer counts.
func (e *Engine) Monitoring() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current != nil && e.alive(e.current)
}

func (e *Engine) SetSamplingMode(mode obd.SamplingMode) error {
	return e.sched.SetMode(mode)
}

func (e *Engine) SamplingMode() obd.SamplingMode {
	return e.sched.Mode()
}

// Snapshot returns the latest published snapshot.
func (e *Engine) Snapshot() (models.Snapshot, bool) {
	return e.sched.Latest()
}

func (e *Engine) SubscribeSnapshots(buffer int) (string, <-chan models.Snapshot) {
	return e.sched.Subscribe(buffer)
}

func (e *Engine) UnsubscribeSnapshots(id string) {
	e.sched.Unsubscribe(id)
}

func (e *Engine) State() models.ConnectionState {
	return e.conn.State()
}

func (e *Engine) SubscribeStates(buffer int) (string, <-chan models.ConnectionState) {
	return e.conn.SubscribeStates(buffer)
}

func (e *Engine) UnsubscribeStates(id string) {
	e.conn.UnsubscribeStates(id)
}

// Adapter returns what the adapter reported about itself at bring-up.
func (e *Engine) Adapter() elm.AdapterInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.adapter
}

// ReadDTCs reads stored trouble codes and makes them the active list.
func (e *Engine) ReadDTCs(ctx context.Context) ([]models.DTCRecord, error) {
	if !e.conn.IsReady() {
		return nil, fmt.Errorf("%w: %s", ErrNotReady, e.conn.State())
	}
	return e.dtcs.Read(ctx)
}

// ClearDTCs clears stored trouble codes. It reports false on any failure.
func (e *Engine) ClearDTCs(ctx context.Context) bool {
	if !e.conn.IsReady() {
		log.Warn("cannot clear DTCs", zap.Stringer("state", e.conn.State()))
		return false
	}
	return e.dtcs.Clear(ctx)
}

// ActiveDTCs returns the list from the last successful read.
func (e *Engine) ActiveDTCs() []models.DTCRecord {
	return e.dtcs.Active()
}

// Scan reports discovered devices until ctx is done. It must not be used
// while monitoring.
func (e *Engine) Scan(ctx context.Context, found func(link.Device)) error {
	if err := e.conn.Initialize(ctx); err != nil {
		return err
	}
	devices, err := e.conn.StartScanning(ctx)
	if err != nil {
		return err
	}
	defer e.conn.StopScanning()
	for {
		select {
		case d, ok := <-devices:
			if !ok {
				return nil
			}
			found(d)
		case <-ctx.Done():
			return nil
		}
	}
}

// Close stops monitoring and ends every subscription.
func (e *Engine) Close() error {
	e.StopMonitoring()
	e.sched.Close()
	return e.conn.Close()
}
