package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCategory(t *testing.T) {
	assert.Equal(t, byte('P'), Powertrain.Letter())
	assert.Equal(t, byte('C'), Chassis.Letter())
	assert.Equal(t, byte('B'), Body.Letter())
	assert.Equal(t, byte('U'), Network.Letter())
	assert.Equal(t, byte('?'), Category(9).Letter())
	assert.Equal(t, "Unknown", Category(-1).String())
}

func TestConnectionStateString(t *testing.T) {
	assert.Equal(t, "ready", ConnectionState{Phase: Ready}.String())
	assert.Equal(t, "error", ConnectionState{Phase: Failed}.String())
	assert.Equal(t, "error(timeout)", StateError("timeout").String())
	assert.True(t, StateError("x").Is(Failed))
	assert.False(t, ConnectionState{}.Is(Ready))
}

func TestSnapshotClone(t *testing.T) {
	s := Snapshot{EngineRPM: 800, DTCCodes: []string{"P0133"}}
	c := s.Clone()
	c.DTCCodes[0] = "P0300"
	assert.Equal(t, "P0133", s.DTCCodes[0])
	assert.Equal(t, 800, c.EngineRPM)

	assert.Nil(t, Snapshot{}.Clone().DTCCodes)
}

func TestDTCHelpers(t *testing.T) {
	records := []DTCRecord{{Code: "P0133", Description: "x"}, {Code: "U0100"}}
	assert.Equal(t, []string{"P0133", "U0100"}, Codes(records))
	assert.True(t, records[0].HasDescription())
	assert.False(t, records[1].HasDescription())

	clone := CloneDTCs(records)
	clone[0].Code = "B0001"
	assert.Equal(t, "P0133", records[0].Code)
	assert.Empty(t, Codes(nil))
}

func TestSameReadingIgnoresSweepMetadata(t *testing.T) {
	a := Snapshot{EngineRPM: 800, FuelLevelPct: 50, DTCCodes: []string{"P0133"}, Sweep: 1, Mode: "normal", CapturedAt: time.Unix(1, 0)}
	b := a.Clone()
	b.Sweep, b.Mode, b.CapturedAt = 2, "minimal", time.Unix(2, 0)
	assert.True(t, a.SameReading(b))

	b.EngineRPM = 801
	assert.False(t, a.SameReading(b))

	c := a.Clone()
	c.DTCCodes = nil
	assert.False(t, a.SameReading(c))
}
