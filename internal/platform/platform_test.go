package platform

import (
	"testing"
	"time"

	"obdlink/internal/config"
	"obdlink/internal/link/tcp"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	tests := []struct {
		transport string
		name      string
	}{
		{config.TransportSerial, "serial"},
		{config.TransportBLE, "ble"},
		{config.TransportTCP, "tcp"},
		{config.TransportWS, "websocket"},
		{config.TransportSim, "sim"},
	}
	for _, tt := range tests {
		t.Run(tt.transport, func(t *testing.T) {
			p, sim, err := New(config.Config{Transport: tt.transport, Address: "127.0.0.1:35000"})
			require.NoError(t, err)
			assert.Equal(t, tt.name, p.Name())
			assert.Equal(t, tt.transport == config.TransportSim, sim != nil)
		})
	}
}

func TestNewUnknownTransport(t *testing.T) {
	_, _, err := New(config.Config{Transport: "irda"})
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestTCPDialTimeout(t *testing.T) {
	p, _, err := New(config.Config{Transport: config.TransportTCP, Address: "10.0.0.1:35000", DialTimeout: time.Second})
	require.NoError(t, err)
	assert.Equal(t, time.Second, p.(*tcp.Platform).DialTimeout)
}

func TestSimulatorOptions(t *testing.T) {
	opts := Simulator(config.Config{Sim: config.Sim{Seed: 3, DTCs: []string{"P0133"}, ChunkSize: 8, Faults: true}})
	assert.Equal(t, int64(3), opts.Seed)
	assert.Equal(t, []string{"P0133"}, opts.DTCs)
	assert.Equal(t, 8, opts.ChunkSize)
	assert.True(t, opts.RandomFaults)
}
