package connection

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"obdlink/internal/elm"
	"obdlink/internal/link"
	"obdlink/internal/link/linktest"
	"obdlink/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func adapter(cmd string) linktest.Reply {
	switch cmd {
	case elm.CommandReset, elm.CommandIdentify:
		return linktest.Reply{Text: "ELM327 v1.5"}
	case elm.CommandProtocolNum:
		return linktest.Reply{Text: "A6"}
	case elm.CommandReadVoltage:
		return linktest.Reply{Text: "12.3V"}
	case "010C":
		return linktest.Reply{Text: "410C1388"}
	case "SILENT":
		return linktest.Reply{Drop: true}
	default:
		return linktest.Reply{Text: "OK"}
	}
}

func newReadyManager(t *testing.T) (*Manager, *linktest.Platform) {
	t.Helper()
	p := linktest.NewPlatform(adapter)
	m := New(p, Options{})
	t.Cleanup(func() { m.Close() })

	require.NoError(t, m.ConnectWithRetry(context.Background(), "AA:BB", 1, time.Millisecond))
	_, err := m.InitializeAdapter(context.Background(), elm.NewInitializer(elm.InitOptions{}))
	require.NoError(t, err)
	require.True(t, m.IsReady())
	return m, p
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{5, 16 * time.Second},
		{6, 30 * time.Second},
		{64, 30 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Backoff(tt.attempt, time.Second, 30*time.Second), "attempt %d", tt.attempt)
	}
}

func TestCanTransition(t *testing.T) {
	assert.True(t, canTransition(models.Disconnected, models.Scanning))
	assert.True(t, canTransition(models.Scanning, models.Connecting))
	assert.True(t, canTransition(models.Connected, models.Initializing))
	assert.True(t, canTransition(models.Ready, models.Initializing))
	assert.True(t, canTransition(models.Ready, models.Failed))
	assert.True(t, canTransition(models.Failed, models.Disconnected))

	assert.False(t, canTransition(models.Disconnected, models.Ready))
	assert.False(t, canTransition(models.Connecting, models.Ready))
	assert.False(t, canTransition(models.Failed, models.Connecting))
	assert.False(t, canTransition(models.Failed, models.Scanning))
}

func TestConnectPublishesStates(t *testing.T) {
	p := linktest.NewPlatform(adapter)
	m := New(p, Options{})
	defer m.Close()

	_, states := m.SubscribeStates(16)

	require.NoError(t, m.ConnectWithRetry(context.Background(), "AA:BB", 1, time.Millisecond))
	info, err := m.InitializeAdapter(context.Background(), elm.NewInitializer(elm.InitOptions{}))
	require.NoError(t, err)
	assert.Equal(t, "6", info.Protocol)
	assert.InDelta(t, 12.3, info.Voltage, 0.001)

	var phases []models.Phase
	for len(phases) < 4 {
		select {
		case s := <-states:
			phases = append(phases, s.Phase)
		case <-time.After(time.Second):
			t.Fatalf("missing states, got %v", phases)
		}
	}
	assert.Equal(t, []models.Phase{models.Connecting, models.Connected, models.Initializing, models.Ready}, phases)
	assert.Equal(t, []string{"ATZ", "ATE0", "ATL0", "ATS0", "ATSP0", "ATST32", "ATI", "ATDPN", "ATRV"}, p.Last().Sent())
}

func TestConnectRetriesWithBackoff(t *testing.T) {
	p := linktest.NewPlatform(adapter)
	p.DialErrs = []error{errors.New("busy"), errors.New("busy")}
	m := New(p, Options{})
	defer m.Close()

	start := time.Now()
	require.NoError(t, m.ConnectWithRetry(context.Background(), "AA:BB", 3, 10*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond, "10ms then 20ms")
	assert.Equal(t, 3, p.Dials())
	assert.True(t, m.State().Is(models.Connected))
}

func TestConnectGivesUpAfterMaxAttempts(t *testing.T) {
	p := linktest.NewPlatform(adapter)
	p.DialErrs = []error{errors.New("busy"), errors.New("busy"), errors.New("gone")}
	m := New(p, Options{})
	defer m.Close()

	err := m.ConnectWithRetry(context.Background(), "AA:BB", 3, time.Millisecond)
	require.ErrorIs(t, err, ErrConnectFailed)
	assert.Equal(t, 3, p.Dials())

	st := m.State()
	assert.True(t, st.Is(models.Failed))
	assert.Contains(t, st.Reason, "gone")
}

func TestConnectDoesNotRetryPermanentErrors(t *testing.T) {
	p := linktest.NewPlatform(adapter)
	p.DialErrs = []error{link.ErrPermissionDenied}
	m := New(p, Options{})
	defer m.Close()

	err := m.ConnectWithRetry(context.Background(), "AA:BB", 5, time.Millisecond)
	require.ErrorIs(t, err, ErrConnectFailed)
	assert.ErrorIs(t, err, link.ErrPermissionDenied)
	assert.Equal(t, 1, p.Dials())
	assert.True(t, m.State().Is(models.Failed))
}

func TestConnectIsSingleFlight(t *testing.T) {
	p := linktest.NewPlatform(adapter)
	p.DialDelay = 100 * time.Millisecond
	m := New(p, Options{})
	defer m.Close()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.NoError(t, m.ConnectWithRetry(context.Background(), "AA:BB", 1, time.Millisecond))
	}()

	time.Sleep(20 * time.Millisecond)
	err := m.ConnectWithRetry(context.Background(), "AA:BB", 1, time.Millisecond)
	assert.ErrorIs(t, err, ErrConnectInProgress)

	wg.Wait()
	assert.Equal(t, 1, p.Dials())
}

func TestDisconnectCancelsConnect(t *testing.T) {
	p := linktest.NewPlatform(adapter)
	p.DialDelay = 2 * time.Second
	m := New(p, Options{})
	defer m.Close()

	errCh := make(chan error, 1)
	go func() {
		errCh <- m.ConnectWithRetry(context.Background(), "AA:BB", 3, time.Millisecond)
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, m.Disconnect())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("connect was not cancelled")
	}
	assert.True(t, m.State().Is(models.Disconnected))
}

func TestConnectRejectedWhileConnected(t *testing.T) {
	m, _ := newReadyManager(t)
	err := m.ConnectWithRetry(context.Background(), "AA:BB", 1, time.Millisecond)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestLinkLossMovesToDisconnected(t *testing.T) {
	m, p := newReadyManager(t)

	p.Last().Disconnect()

	assert.Eventually(t, func() bool { return m.State().Is(models.Disconnected) }, time.Second, 5*time.Millisecond)
	assert.True(t, p.Last().Closed())

	_, err := m.Query(context.Background(), "010C", time.Second)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestPendingRequestFailsOnLinkLoss(t *testing.T) {
	m, p := newReadyManager(t)

	errCh := make(chan error, 1)
	go func() {
		_, err := m.Query(context.Background(), "SILENT", 5*time.Second)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	p.Last().Disconnect()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, elm.ErrDisconnected)
	case <-time.After(time.Second):
		t.Fatal("pending request outlived the link")
	}
	assert.Eventually(t, func() bool { return m.State().Is(models.Disconnected) }, time.Second, 5*time.Millisecond)
}

func TestDisconnectIsIdempotent(t *testing.T) {
	m, p := newReadyManager(t)

	for i := 0; i < 3; i++ {
		assert.NoError(t, m.Disconnect())
	}
	assert.True(t, m.State().Is(models.Disconnected))
	assert.True(t, p.Last().Closed())

	resp, ok := m.SendCommand(context.Background(), "010C")
	assert.False(t, ok)
	assert.Empty(t, resp)
}

func TestReconnectAfterDisconnect(t *testing.T) {
	m, p := newReadyManager(t)
	require.NoError(t, m.Disconnect())

	require.NoError(t, m.ConnectWithRetry(context.Background(), "AA:BB", 1, time.Millisecond))
	assert.Equal(t, 2, p.Dials())

	resp, ok := m.SendCommand(context.Background(), "010C")
	require.True(t, ok)
	assert.Equal(t, "410C1388", resp)
}

func TestInitFailureReleasesLink(t *testing.T) {
	p := linktest.NewPlatform(adapter)
	m := New(p, Options{})
	defer m.Close()

	require.NoError(t, m.ConnectWithRetry(context.Background(), "AA:BB", 1, time.Millisecond))
	p.Last().FailSends(errors.New("io error"))

	_, err := m.InitializeAdapter(context.Background(), elm.NewInitializer(elm.InitOptions{}))
	require.ErrorIs(t, err, elm.ErrAdapterInitFailed)

	assert.True(t, m.State().Is(models.Failed))
	assert.True(t, p.Last().Closed())

	assert.ErrorIs(t, m.ConnectWithRetry(context.Background(), "AA:BB", 1, time.Millisecond), ErrInvalidState)

	require.NoError(t, m.Disconnect())
	assert.True(t, m.State().Is(models.Disconnected))
}

func TestInitializeAdapterRequiresConnection(t *testing.T) {
	m := New(linktest.NewPlatform(adapter), Options{})
	defer m.Close()

	_, err := m.InitializeAdapter(context.Background(), elm.NewInitializer(elm.InitOptions{}))
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestScanning(t *testing.T) {
	p := linktest.NewPlatform(adapter)
	p.Devices = []link.Device{{Address: "AA:BB", Name: "OBDII"}}
	m := New(p, Options{})
	defer m.Close()

	devices, err := m.StartScanning(context.Background())
	require.NoError(t, err)
	assert.True(t, m.State().Is(models.Scanning))

	select {
	case d := <-devices:
		assert.Equal(t, "AA:BB", d.Address)
	case <-time.After(time.Second):
		t.Fatal("no device")
	}

	m.StopScanning()
	assert.True(t, m.State().Is(models.Disconnected))
	_, open := <-devices
	assert.False(t, open)

	m.StopScanning()
}

func TestInitializeReportsPlatformErrors(t *testing.T) {
	p := linktest.NewPlatform(adapter)
	p.CheckErr = link.ErrAdapterDisabled
	m := New(p, Options{})
	defer m.Close()

	assert.ErrorIs(t, m.Initialize(context.Background()), link.ErrAdapterDisabled)
}
