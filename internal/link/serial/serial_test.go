package serial

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"obdlink/internal/link"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial/enumerator"
)

func TestScanReportsEachPortOnce(t *testing.T) {
	p := New(0)
	p.ScanInterval = 5 * time.Millisecond
	p.listPorts = func() ([]*enumerator.PortDetails, error) {
		return []*enumerator.PortDetails{
			{Name: "/dev/ttyUSB0", IsUSB: true, VID: "0403", PID: "6001"},
			{Name: "/dev/ttyUSB1", Product: "OBDLink SX"},
		}, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()

	var (
		mu    sync.Mutex
		found = map[string]link.Device{}
		count = map[string]int{}
	)
	require.NoError(t, p.Scan(ctx, func(d link.Device) {
		mu.Lock()
		defer mu.Unlock()
		found[d.Address] = d
		count[d.Address]++
	}))

	assert.Equal(t, 1, count["/dev/ttyUSB0"])
	assert.Equal(t, 1, count["/dev/ttyUSB1"])
	assert.Equal(t, "USB 0403:6001", found["/dev/ttyUSB0"].Name)
	assert.Equal(t, "OBDLink SX", found["/dev/ttyUSB1"].Name)
}

func TestScanSurvivesListErrors(t *testing.T) {
	p := New(0)
	p.ScanInterval = 5 * time.Millisecond
	calls := 0
	p.listPorts = func() ([]*enumerator.PortDetails, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("busy")
		}
		return []*enumerator.PortDetails{{Name: "COM7"}}, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	var addrs []string
	require.NoError(t, p.Scan(ctx, func(d link.Device) { addrs = append(addrs, d.Address) }))
	assert.Contains(t, addrs, "COM7")
}

func TestCheck(t *testing.T) {
	p := New(0)
	p.listPorts = func() ([]*enumerator.PortDetails, error) { return nil, nil }
	assert.NoError(t, p.Check(context.Background()))

	p.listPorts = func() ([]*enumerator.PortDetails, error) { return nil, errors.New("no sysfs") }
	assert.ErrorIs(t, p.Check(context.Background()), link.ErrPlatformUnavailable)
}

func TestClassifyOpenError(t *testing.T) {
	err := classifyOpenError("/dev/rfcomm0", fmt.Errorf("open: %w", os.ErrPermission))
	assert.ErrorIs(t, err, link.ErrPermissionDenied)

	err = classifyOpenError("/dev/rfcomm0", fmt.Errorf("open: %w", os.ErrNotExist))
	assert.ErrorIs(t, err, link.ErrAdapterDisabled)

	boom := errors.New("boom")
	err = classifyOpenError("/dev/rfcomm0", boom)
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, link.ErrPermissionDenied)
}

func TestNewDefaults(t *testing.T) {
	p := New(0)
	assert.Equal(t, DefaultBaud, p.Baud)
	assert.Equal(t, "serial", p.Name())
	assert.NotEmpty(t, DefaultPort())

	assert.Equal(t, 115200, New(115200).Baud)
}

func TestDeviceProbe(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("no device nodes")
	}
	node := filepath.Join(t.TempDir(), "rfcomm0")
	require.NoError(t, os.WriteFile(node, nil, 0o600))

	probe := deviceProbe(node)
	require.NoError(t, probe())

	require.NoError(t, os.Remove(node))
	assert.ErrorIs(t, probe(), link.ErrTransportDisconnected)
}
