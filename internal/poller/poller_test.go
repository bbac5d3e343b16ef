package poller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"obdlink/internal/elm"
	"obdlink/internal/models"
	"obdlink/internal/obd"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var vehicle = map[string]string{
	"012F": "41 2F FF",
	"010C": "41 0C 13 88",
	"010D": "41 0D 32",
	"0105": "41 05 7B",
	"0104": "41 04 80",
}

type fakeAdapter struct {
	mu       sync.Mutex
	commands []string
	reply    func(cmd string) (string, error)
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{reply: func(cmd string) (string, error) {
		if r, ok := vehicle[cmd]; ok {
			return r, nil
		}
		return "NO DATA", nil
	}}
}

func (f *fakeAdapter) Query(ctx context.Context, command string, timeout time.Duration) (string, error) {
	f.mu.Lock()
	f.commands = append(f.commands, command)
	reply := f.reply
	f.mu.Unlock()
	return reply(command)
}

func (f *fakeAdapter) Commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.commands...)
}

func (f *fakeAdapter) Reset() {
	f.mu.Lock()
	f.commands = nil
	f.mu.Unlock()
}

func fastModes() obd.ModeTable {
	return obd.DefaultModes().WithIntervals(map[obd.SamplingMode]time.Duration{
		obd.Normal:  5 * time.Millisecond,
		obd.Reduced: 5 * time.Millisecond,
		obd.Minimal: 5 * time.Millisecond,
	})
}

func next(t *testing.T, ch <-chan models.Snapshot) models.Snapshot {
	t.Helper()
	select {
	case s := <-ch:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("no snapshot published")
		return models.Snapshot{}
	}
}

func TestSteadyVehicleGivesIdenticalSnapshots(t *testing.T) {
	a := newFakeAdapter()
	s, err := New(a, Options{Modes: fastModes()})
	require.NoError(t, err)
	defer s.Close()

	_, ch := s.Subscribe(16)
	s.Start(context.Background())

	first := next(t, ch)
	assert.InDelta(t, 100, first.FuelLevelPct, 0.001)
	assert.Equal(t, 1250, first.EngineRPM)
	assert.Equal(t, 50, first.VehicleSpeedKPH)
	assert.Equal(t, 83, first.CoolantTempC)
	assert.Equal(t, "normal", first.Mode)

	ignoreMeta := cmpopts.IgnoreFields(models.Snapshot{}, "Sweep", "Mode", "CapturedAt")
	prevSweep := first.Sweep
	for i := 0; i < 4; i++ {
		snap := next(t, ch)
		if diff := cmp.Diff(first, snap, ignoreMeta); diff != "" {
			t.Errorf("snapshot %d differs (-first +got):\n%s", i+2, diff)
		}
		assert.True(t, first.SameReading(snap))
		assert.Greater(t, snap.Sweep, prevSweep)
		prevSweep = snap.Sweep
	}

	require.NoError(t, s.SetMode(obd.Minimal))
	// drain sweeps that started before the switch
	for next(t, ch).Mode != "minimal" {
	}
	a.Reset()
	snap := next(t, ch)
	assert.Equal(t, "minimal", snap.Mode)

	for _, cmd := range a.Commands() {
		assert.Equal(t, obd.PIDFuelLevel.Command(), cmd)
	}
	if diff := cmp.Diff(first, snap, ignoreMeta); diff != "" {
		t.Errorf("minimal sweep lost values (-first +got):\n%s", diff)
	}
}

func TestFailedPIDsKeepPreviousValues(t *testing.T) {
	a := newFakeAdapter()
	s, err := New(a, Options{Modes: fastModes()})
	require.NoError(t, err)
	defer s.Close()

	plan := fastModes()[obd.Normal]
	require.True(t, s.sweep(context.Background(), obd.Normal, plan))
	before, ok := s.Latest()
	require.True(t, ok)

	a.mu.Lock()
	a.reply = func(cmd string) (string, error) {
		switch cmd {
		case "010C":
			return "", elm.ErrTimeout
		case "010D":
			return "NO DATA", nil
		case "012F":
			return "41 2F 00", nil
		}
		return vehicle[cmd], nil
	}
	a.mu.Unlock()

	require.True(t, s.sweep(context.Background(), obd.Normal, plan))
	after, _ := s.Latest()

	assert.Equal(t, before.EngineRPM, after.EngineRPM)
	assert.Equal(t, before.VehicleSpeedKPH, after.VehicleSpeedKPH)
	assert.InDelta(t, 0, after.FuelLevelPct, 0.001)
	assert.Equal(t, before.Sweep+1, after.Sweep)
}

func TestModeIsCapturedAtSweepStart(t *testing.T) {
	a := newFakeAdapter()
	modes := fastModes()
	plan := modes[obd.Normal]
	plan.Interval = time.Second
	modes[obd.Normal] = plan

	s, err := New(a, Options{Modes: modes})
	require.NoError(t, err)
	defer s.Close()

	var once sync.Once
	a.reply = func(cmd string) (string, error) {
		once.Do(func() { s.SetMode(obd.Minimal) })
		return vehicle[cmd], nil
	}

	_, ch := s.Subscribe(4)
	s.Start(context.Background())

	snap := next(t, ch)
	assert.Equal(t, "normal", snap.Mode)
	assert.Len(t, a.Commands(), len(plan.PIDs))
	assert.Equal(t, obd.Minimal, s.Mode())
}

func TestStopIsIdempotentAndPublishesNothingPartial(t *testing.T) {
	a := newFakeAdapter()
	a.reply = func(cmd string) (string, error) {
		time.Sleep(50 * time.Millisecond)
		return vehicle[cmd], nil
	}
	s, err := New(a, Options{Modes: fastModes()})
	require.NoError(t, err)
	defer s.Close()

	s.Start(context.Background())
	s.Start(context.Background())
	assert.True(t, s.Running())
	time.Sleep(20 * time.Millisecond)

	start := time.Now()
	s.Stop()
	s.Stop()
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.False(t, s.Running())

	_, ok := s.Latest()
	assert.False(t, ok, "a cancelled sweep must not publish")
	assert.Len(t, a.Commands(), 1, "the in-flight request finishes, no new one starts")
}

func TestNotReadyIdles(t *testing.T) {
	a := newFakeAdapter()
	var (
		mu    sync.Mutex
		ready bool
	)
	s, err := New(a, Options{
		Modes:        fastModes(),
		NotReadyPoll: 5 * time.Millisecond,
		Ready: func() bool {
			mu.Lock()
			defer mu.Unlock()
			return ready
		},
	})
	require.NoError(t, err)
	defer s.Close()

	_, ch := s.Subscribe(4)
	s.Start(context.Background())

	time.Sleep(40 * time.Millisecond)
	assert.Empty(t, a.Commands())

	mu.Lock()
	ready = true
	mu.Unlock()

	next(t, ch)
	assert.NotEmpty(t, a.Commands())
}

func TestSnapshotsCarryDTCCodes(t *testing.T) {
	a := newFakeAdapter()
	s, err := New(a, Options{
		Modes:    fastModes(),
		DTCCodes: func() []string { return []string{"P0133"} },
	})
	require.NoError(t, err)
	defer s.Close()

	require.True(t, s.sweep(context.Background(), obd.Normal, fastModes()[obd.Normal]))
	snap, _ := s.Latest()
	require.Equal(t, []string{"P0133"}, snap.DTCCodes)

	snap.DTCCodes[0] = "XXXXX"
	again, _ := s.Latest()
	assert.Equal(t, []string{"P0133"}, again.DTCCodes, "readers get copies")
}

func TestSetModeRejectsUnknownMode(t *testing.T) {
	s, err := New(newFakeAdapter(), Options{})
	require.NoError(t, err)
	defer s.Close()

	assert.Error(t, s.SetMode(obd.SamplingMode(42)))
	assert.Equal(t, obd.Normal, s.Mode())
}

func TestNewRejectsIncompleteModeTable(t *testing.T) {
	modes := obd.DefaultModes()
	delete(modes, obd.Minimal)

	_, err := New(newFakeAdapter(), Options{Modes: modes})
	assert.Error(t, err)
}

func TestQueryErrorsNeverStopTheLoop(t *testing.T) {
	a := newFakeAdapter()
	a.reply = func(string) (string, error) { return "", errors.New("link down") }
	s, err := New(a, Options{Modes: fastModes()})
	require.NoError(t, err)
	defer s.Close()

	_, ch := s.Subscribe(4)
	s.Start(context.Background())

	first := next(t, ch)
	second := next(t, ch)
	assert.Greater(t, second.Sweep, first.Sweep)
	assert.Zero(t, second.EngineRPM)
}
