// Package connection owns the link to one adapter: discovery, connect with
// retry, the command channel on top of the link, and the lifecycle state
// machine every other component watches.
package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"obdlink/internal/bus"
	"obdlink/internal/elm"
	"obdlink/internal/link"
	"obdlink/internal/models"
	"obdlink/pkg/log"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrConnectFailed     = errors.New("connection: connect failed")
	ErrConnectInProgress = errors.New("connection: connect already in progress")
	ErrInvalidState      = errors.New("connection: invalid state")
	ErrNotConnected      = errors.New("connection: not connected")
)

const (
	DefaultMaxAttempts = 3
	DefaultBackoff     = time.Second
	DefaultMaxBackoff  = 30 * time.Second
	scanBuffer         = 16
)

// Options tunes a Manager.
type Options struct {
	Channel elm.ChannelOptions
	// MaxBackoff caps the delay between connect attempts.
	MaxBackoff time.Duration
	// DialTimeout bounds every single connect attempt. Zero leaves it to
	// the platform.
	DialTimeout time.Duration
}

// Manager maintains the link to one paired adapter. All fields below mu are
// guarded by it; the link and channel are only ever replaced as a pair.
type Manager struct {
	platform link.Platform
	opts     Options
	states   *bus.Bus[models.ConnectionState]

	mu            sync.Mutex
	state         models.ConnectionState
	link          link.Link
	ch            *elm.Channel
	session       string
	connecting    bool
	connectCancel context.CancelFunc
	scanCancel    context.CancelFunc
	scanDone      chan struct{}
}

func New(platform link.Platform, opts Options) *Manager {
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = DefaultMaxBackoff
	}
	return &Manager{
		platform: platform,
		opts:     opts,
		states:   bus.New[models.ConnectionState]("connection-state"),
	}
}

// Initialize validates that the platform can be used at all.
func (m *Manager) Initialize(ctx context.Context) error {
	if err := m.platform.Check(ctx); err != nil {
		log.Error("platform check failed", zap.String("platform", m.platform.Name()), zap.Error(err))
		return err
	}
	log.Info("platform ready", zap.String("platform", m.platform.Name()))
	return nil
}

// State returns the current state.
func (m *Manager) State() models.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsReady reports whether the adapter is initialized and idle for commands.
func (m *Manager) IsReady() bool {
	return m.State().Is(models.Ready)
}

// SubscribeStates streams every state change. buffer <= 0 picks a default.
func (m *Manager) SubscribeStates(buffer int) (string, <-chan models.ConnectionState) {
	return m.states.Subscribe(buffer)
}

func (m *Manager) UnsubscribeStates(id string) {
	m.states.Unsubscribe(id)
}

// setState must be called with mu held.
func (m *Manager) setState(to models.ConnectionState) bool {
	from := m.state
	if from == to {
		return true
	}
	if !canTransition(from.Phase, to.Phase) {
		log.Warn("rejected state transition", zap.Stringer("from", from), zap.Stringer("to", to))
		return false
	}
	m.state = to
	log.Info("connection state changed",
		zap.Stringer("from", from),
		zap.Stringer("to", to),
		zap.String("session", m.session))
	m.states.Publish(to)
	return true
}

// StartScanning starts discovery and returns the devices as they are found.
// The channel is closed when scanning stops. Calling it again restarts the
// scan.
func (m *Manager) StartScanning(ctx context.Context) (<-chan link.Device, error) {
	m.StopScanning()

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.setState(models.ConnectionState{Phase: models.Scanning}) {
		return nil, fmt.Errorf("%w: cannot scan while %s", ErrInvalidState, m.state)
	}

	scanCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	devices := make(chan link.Device, scanBuffer)
	m.scanCancel = cancel
	m.scanDone = done

	go func() {
		defer close(done)
		defer close(devices)

		err := m.platform.Scan(scanCtx, func(d link.Device) {
			log.Debug("device found", zap.String("address", d.Address), zap.String("name", d.Name), zap.Int("rssi", d.RSSI))
			select {
			case devices <- d:
			case <-scanCtx.Done():
			}
		})
		if err != nil {
			log.Warn("scan ended with error", zap.Error(err))
		}

		m.mu.Lock()
		if m.scanDone == done {
			m.scanCancel = nil
			m.scanDone = nil
			if m.state.Is(models.Scanning) {
				m.setState(models.ConnectionState{Phase: models.Disconnected})
			}
		}
		m.mu.Unlock()
	}()

	log.Info("scanning started", zap.String("platform", m.platform.Name()))
	return devices, nil
}

// StopScanning stops discovery and waits for the scan goroutine. It is a
// no-op when not scanning.
func (m *Manager) StopScanning() {
	m.mu.Lock()
	cancel, done := m.scanCancel, m.scanDone
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	log.Info("scanning stopped")
}

// Backoff returns the delay before retry number attempt (1-based):
// base * 2^(attempt-1), capped at limit.
func Backoff(attempt int, base, limit time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 32 {
		return limit
	}
	delay := base * time.Duration(1<<uint(attempt-1))
	if delay > limit || delay <= 0 {
		delay = limit
	}
	return delay
}

// ConnectWithRetry stops scanning and connects to address, retrying with
// exponential backoff. It returns once the link is up and the command
// channel runs, leaving the manager Connected. Only one connect may be in
// flight; a concurrent call fails with ErrConnectInProgress.
func (m *Manager) ConnectWithRetry(ctx context.Context, address string, maxAttempts int, backoff time.Duration) error {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if backoff <= 0 {
		backoff = DefaultBackoff
	}

	m.mu.Lock()
	if m.connecting {
		m.mu.Unlock()
		return ErrConnectInProgress
	}
	switch m.state.Phase {
	case models.Disconnected, models.Scanning:
	default:
		state := m.state
		m.mu.Unlock()
		return fmt.Errorf("%w: cannot connect while %s", ErrInvalidState, state)
	}
	ctx, cancel := context.WithCancel(ctx)
	m.connecting = true
	m.connectCancel = cancel
	m.mu.Unlock()

	defer func() {
		cancel()
		m.mu.Lock()
		m.connecting = false
		m.connectCancel = nil
		m.mu.Unlock()
	}()

	m.StopScanning()

	m.mu.Lock()
	ok := m.setState(models.ConnectionState{Phase: models.Connecting})
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: connect aborted", ErrInvalidState)
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		log.Info("connecting to adapter",
			zap.String("address", address),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", maxAttempts))

		l, err := m.dial(ctx, address)
		if err == nil {
			return m.attach(ctx, address, l)
		}
		lastErr = err

		if ctx.Err() != nil {
			break
		}
		if isPermanent(err) {
			log.Error("connect failed permanently", zap.String("address", address), zap.Error(err))
			break
		}
		if attempt == maxAttempts {
			break
		}

		delay := Backoff(attempt, backoff, m.opts.MaxBackoff)
		log.Warn("connect attempt failed",
			zap.String("address", address),
			zap.Int("attempt", attempt),
			zap.Duration("retry_in", delay),
			zap.Error(err))

		select {
		case <-time.After(delay):
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if ctxErr := ctx.Err(); ctxErr != nil {
		// Cancelled by the caller or by Disconnect: nothing was left open.
		m.setState(models.ConnectionState{Phase: models.Disconnected})
		return fmt.Errorf("%w: %s: %w", ErrConnectFailed, address, ctxErr)
	}
	m.setState(models.StateError(lastErr.Error()))
	return fmt.Errorf("%w: %s: %w", ErrConnectFailed, address, lastErr)
}

func (m *Manager) dial(ctx context.Context, address string) (link.Link, error) {
	if m.opts.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.opts.DialTimeout)
		defer cancel()
	}
	return m.platform.Dial(ctx, address)
}

func isPermanent(err error) bool {
	return errors.Is(err, link.ErrPermissionDenied) ||
		errors.Is(err, link.ErrPlatformUnavailable) ||
		errors.Is(err, link.ErrAdapterDisabled)
}

// attach installs a freshly dialled link, or releases it if the connect was
// cancelled in the meantime.
func (m *Manager) attach(ctx context.Context, address string, l link.Link) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil || !m.state.Is(models.Connecting) {
		if cerr := l.Close(); cerr != nil {
			log.Warn("failed to release link", zap.Error(cerr))
		}
		if err == nil {
			err = fmt.Errorf("%w: state changed to %s", ErrInvalidState, m.state)
		}
		return fmt.Errorf("%w: %s: %w", ErrConnectFailed, address, err)
	}

	m.link = l
	m.ch = elm.NewChannel(l, m.opts.Channel)
	m.session = uuid.NewString()
	m.setState(models.ConnectionState{Phase: models.Connected})

	go m.watch(m.session, l)
	return nil
}

// watch turns a physical disconnect into the Disconnected state. The
// command channel fails its pending request on the same signal.
func (m *Manager) watch(session string, l link.Link) {
	<-l.Disconnected()

	m.mu.Lock()
	if m.session != session {
		// Disconnect already cleaned up.
		m.mu.Unlock()
		return
	}
	l, ch := m.detach()
	m.setState(models.ConnectionState{Phase: models.Disconnected})
	m.mu.Unlock()

	log.Warn("link lost", zap.String("session", session))
	if err := release(l, ch); err != nil {
		log.Debug("closing lost link", zap.Error(err))
	}
}

// InitializeAdapter runs the bring-up sequence on a Connected link and
// leaves the manager Ready. A failure moves the manager to Failed.
func (m *Manager) InitializeAdapter(ctx context.Context, ini *elm.Initializer) (elm.AdapterInfo, error) {
	m.mu.Lock()
	ok := m.state.Is(models.Connected) || m.state.Is(models.Ready)
	if ok {
		ok = m.setState(models.ConnectionState{Phase: models.Initializing})
	}
	state := m.state
	m.mu.Unlock()
	if !ok {
		return elm.AdapterInfo{}, fmt.Errorf("%w: cannot initialize while %s", ErrInvalidState, state)
	}

	if err := ini.Run(ctx, m); err != nil {
		m.fail(err)
		return elm.AdapterInfo{}, err
	}
	info := ini.Identify(ctx, m)

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.state.Is(models.Initializing) || !m.setState(models.ConnectionState{Phase: models.Ready}) {
		return info, fmt.Errorf("%w: link changed to %s during initialization", ErrInvalidState, m.state)
	}
	return info, nil
}

// fail moves to Failed and releases the link, so that Failed never holds a
// half-open transport.
func (m *Manager) fail(err error) {
	m.mu.Lock()
	if m.state.Is(models.Disconnected) {
		m.mu.Unlock()
		return
	}
	l, ch := m.detach()
	m.setState(models.StateError(err.Error()))
	m.mu.Unlock()

	if err := release(l, ch); err != nil {
		log.Debug("closing failed link", zap.Error(err))
	}
}

// detach clears the link and channel; mu must be held.
func (m *Manager) detach() (link.Link, *elm.Channel) {
	l, ch := m.link, m.ch
	m.link = nil
	m.ch = nil
	m.session = ""
	return l, ch
}

func release(l link.Link, ch *elm.Channel) error {
	if ch != nil {
		ch.Close()
	}
	if l == nil {
		return nil
	}
	return l.Close()
}

// Query sends one command through the command channel.
func (m *Manager) Query(ctx context.Context, command string, timeout time.Duration) (string, error) {
	m.mu.Lock()
	ch := m.ch
	m.mu.Unlock()
	if ch == nil {
		return "", ErrNotConnected
	}
	return ch.Submit(ctx, command, timeout)
}

// SendCommand is the soft-failing variant of Query: any failure is logged
// and reported as ok=false.
func (m *Manager) SendCommand(ctx context.Context, command string) (string, bool) {
	resp, err := m.Query(ctx, command, 0)
	if err != nil {
		log.Debug("command failed", zap.String("command", command), zap.Error(err))
		return "", false
	}
	return resp, true
}

// Disconnect stops scanning, cancels an in-flight connect, closes the
// command channel and the link, and leaves the manager Disconnected. Cleanup
// completes even if closing the link fails; that error is returned.
// Calling it in any state, any number of times, is safe.
func (m *Manager) Disconnect() error {
	m.StopScanning()

	m.mu.Lock()
	if m.connectCancel != nil {
		m.connectCancel()
	}
	l, ch := m.detach()
	m.setState(models.ConnectionState{Phase: models.Disconnected})
	m.mu.Unlock()

	if l == nil {
		return nil
	}
	if err := release(l, ch); err != nil {
		log.Warn("error while closing link", zap.Error(err))
		return fmt.Errorf("close link: %w", err)
	}
	log.Info("disconnected")
	return nil
}

// Close disconnects and ends every state subscription.
func (m *Manager) Close() error {
	err := m.Disconnect()
	m.states.Close()
	return err
}
