package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"obdlink/internal/elm"
	"obdlink/internal/link/linktest"
	"obdlink/internal/models"
	"obdlink/internal/obd"
	"obdlink/internal/obd/mock"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastModes() obd.ModeTable {
	return obd.DefaultModes().WithIntervals(map[obd.SamplingMode]time.Duration{
		obd.Normal:  10 * time.Millisecond,
		obd.Reduced: 10 * time.Millisecond,
		obd.Minimal: 10 * time.Millisecond,
	})
}

func newEngine(t *testing.T, address string, dtcs ...string) (*Engine, *mock.Simulator) {
	t.Helper()
	sim := mock.New(mock.Options{Seed: 1, DTCs: dtcs})
	e, err := New(sim.Platform(), Config{
		Address:     address,
		ScanTimeout: time.Second,
		MaxAttempts: 1,
		Modes:       fastModes(),
		Mode:        obd.Normal,
		Init:        elm.InitOptions{},
	})
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e, sim
}

func nextSnapshot(t *testing.T, ch <-chan models.Snapshot) models.Snapshot {
	t.Helper()
	select {
	case s := <-ch:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("no snapshot published")
		return models.Snapshot{}
	}
}

func waitSnapshot(t *testing.T, ch <-chan models.Snapshot, match func(models.Snapshot) bool) models.Snapshot {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case s := <-ch:
			if match(s) {
				return s
			}
		case <-deadline:
			t.Fatal("no matching snapshot published")
			return models.Snapshot{}
		}
	}
}

func TestMonitoringPublishesSnapshots(t *testing.T) {
	e, sim := newEngine(t, mock.Address)
	sim.SetVehicle(2000, 60, 90, 50, 40)

	_, ch := e.SubscribeSnapshots(8)
	require.NoError(t, e.StartMonitoring(context.Background()))
	assert.True(t, e.State().Is(models.Ready))
	assert.True(t, e.Monitoring())

	info := e.Adapter()
	assert.Equal(t, mock.DefaultVersion, info.Version)
	assert.Equal(t, mock.DefaultProtocol, info.Protocol)

	snap := nextSnapshot(t, ch)
	assert.Equal(t, 2000, snap.EngineRPM)
	assert.Equal(t, 60, snap.VehicleSpeedKPH)
	assert.Equal(t, 90, snap.CoolantTempC)
	assert.InDelta(t, 50, snap.FuelLevelPct, 0.5)
	assert.InDelta(t, 40, snap.EngineLoadPct, 0.5)
	assert.Equal(t, "normal", snap.Mode)

	latest, ok := e.Snapshot()
	require.True(t, ok)
	assert.NotZero(t, latest.Sweep)
}

func TestStartMonitoringTwiceIsNoop(t *testing.T) {
	e, _ := newEngine(t, mock.Address)
	require.NoError(t, e.StartMonitoring(context.Background()))
	require.NoError(t, e.StartMonitoring(context.Background()))
	assert.True(t, e.State().Is(models.Ready))
}

func TestDiscoversAdapterWithoutAddress(t *testing.T) {
	e, _ := newEngine(t, "")
	require.NoError(t, e.StartMonitoring(context.Background()))
	assert.True(t, e.State().Is(models.Ready))
}

func TestReadAndClearDTCs(t *testing.T) {
	e, sim := newEngine(t, mock.Address, "P0133", "U0100")
	require.NoError(t, e.StartMonitoring(context.Background()))

	records, err := e.ReadDTCs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"P0133", "U0100"}, models.Codes(records))
	assert.Equal(t, []string{"P0133", "U0100"}, models.Codes(e.ActiveDTCs()))

	// the next snapshots carry the active codes
	_, ch := e.SubscribeSnapshots(8)
	snap := waitSnapshot(t, ch, func(s models.Snapshot) bool { return len(s.DTCCodes) == 2 })
	assert.Equal(t, []string{"P0133", "U0100"}, snap.DTCCodes)

	assert.True(t, e.ClearDTCs(context.Background()))
	assert.Empty(t, e.ActiveDTCs())
	assert.Empty(t, sim.StoredDTCs())

	records, err = e.ReadDTCs(context.Background())
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestDTCsRequireReady(t *testing.T) {
	e, _ := newEngine(t, mock.Address, "P0133")

	_, err := e.ReadDTCs(context.Background())
	assert.ErrorIs(t, err, ErrNotReady)
	assert.False(t, e.ClearDTCs(context.Background()))
}

func TestStopMonitoringIsIdempotent(t *testing.T) {
	e, _ := newEngine(t, mock.Address)
	e.StopMonitoring()

	require.NoError(t, e.StartMonitoring(context.Background()))
	e.StopMonitoring()
	e.StopMonitoring()

	assert.True(t, e.State().Is(models.Disconnected))
	assert.False(t, e.Monitoring())

	// monitoring can be restarted
	require.NoError(t, e.StartMonitoring(context.Background()))
	assert.True(t, e.State().Is(models.Ready))
}

func TestSetSamplingMode(t *testing.T) {
	e, _ := newEngine(t, mock.Address)
	_, ch := e.SubscribeSnapshots(8)
	require.NoError(t, e.StartMonitoring(context.Background()))

	require.NoError(t, e.SetSamplingMode(obd.Minimal))
	assert.Equal(t, obd.Minimal, e.SamplingMode())

	waitSnapshot(t, ch, func(s models.Snapshot) bool { return s.Mode == "minimal" })

	assert.Error(t, e.SetSamplingMode(obd.SamplingMode(42)))
}

func TestStartMonitoringUnknownAddress(t *testing.T) {
	e, _ := newEngine(t, "sim:9")

	err := e.StartMonitoring(context.Background())
	assert.Error(t, err)
	assert.False(t, e.Monitoring())
}

func TestStartMonitoringCancelled(t *testing.T) {
	e, _ := newEngine(t, "")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.Error(t, e.StartMonitoring(ctx))
	assert.False(t, e.Monitoring())
}

func TestInvalidModeTable(t *testing.T) {
	sim := mock.New(mock.Options{Seed: 1})
	_, err := New(sim.Platform(), Config{Modes: obd.ModeTable{}})
	assert.Error(t, err)
}

func adapter(cmd string) linktest.Reply {
	switch cmd {
	case elm.CommandReset, elm.CommandIdentify:
		return linktest.Reply{Text: "ELM327 v1.5"}
	case "010C":
		return linktest.Reply{Text: "410C0C80"}
	default:
		return linktest.Reply{Text: "OK"}
	}
}

func TestStartMonitoringAfterLinkLoss(t *testing.T) {
	p := linktest.NewPlatform(adapter)
	e, err := New(p, Config{Address: "AA:BB", MaxAttempts: 1, Modes: fastModes()})
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })

	require.NoError(t, e.StartMonitoring(context.Background()))
	require.True(t, e.State().Is(models.Ready))

	p.Last().Disconnect()
	assert.Eventually(t, func() bool { return e.State().Is(models.Disconnected) }, time.Second, time.Millisecond)
	assert.False(t, e.Monitoring())

	require.NoError(t, e.StartMonitoring(context.Background()))
	assert.True(t, e.State().Is(models.Ready))
	assert.True(t, e.Monitoring())
	assert.Equal(t, 2, p.Dials())

	// polling resumes on the new link
	_, ch := e.SubscribeSnapshots(8)
	snap := waitSnapshot(t, ch, func(s models.Snapshot) bool { return s.EngineRPM == 800 })
	assert.Equal(t, 800, snap.EngineRPM)
	assert.NotEmpty(t, p.Last().Sent())
}

func TestStartMonitoringWhileReadyDoesNotRedial(t *testing.T) {
	p := linktest.NewPlatform(adapter)
	e, err := New(p, Config{Address: "AA:BB", MaxAttempts: 1, Modes: fastModes()})
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })

	require.NoError(t, e.StartMonitoring(context.Background()))
	require.NoError(t, e.StartMonitoring(context.Background()))
	assert.Equal(t, 1, p.Dials())
}

func TestStartMonitoringRecoversFromFailed(t *testing.T) {
	p := linktest.NewPlatform(adapter)
	p.DialErrs = []error{errors.New("page timeout")}
	e, err := New(p, Config{Address: "AA:BB", MaxAttempts: 1, Modes: fastModes()})
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })

	require.Error(t, e.StartMonitoring(context.Background()))
	require.True(t, e.State().Is(models.Failed))

	require.NoError(t, e.StartMonitoring(context.Background()))
	assert.True(t, e.State().Is(models.Ready))
}
