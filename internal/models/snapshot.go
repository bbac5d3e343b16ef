package models

import (
	"slices"
	"time"
)

// Snapshot is a point-in-time aggregate of the most recently known telemetry.
// Values are copied on publish; a field that failed to decode keeps the value
// from the previous sweep and is only zero before the first successful read.
//
// Sweep, Mode and CapturedAt describe the sweep that produced the snapshot.
// They change on every publish and are not part of the reading: two
// snapshots of an unchanged vehicle are SameReading even though their
// metadata differs.
type Snapshot struct {
	FuelLevelPct    float64  `json:"fuel_level_pct"`
	EngineRPM       int      `json:"engine_rpm"`
	VehicleSpeedKPH int      `json:"vehicle_speed_kph"`
	CoolantTempC    int      `json:"coolant_temp_c"`
	EngineLoadPct   float64  `json:"engine_load_pct"`
	DTCCodes        []string `json:"dtc_codes"`

	// Sweep metadata.
	Sweep      uint64    `json:"sweep"`
	Mode       string    `json:"mode"`
	CapturedAt time.Time `json:"captured_at"`
}

// Clone returns a deep copy.
func (s Snapshot) Clone() Snapshot {
	out := s
	if s.DTCCodes != nil {
		out.DTCCodes = make([]string, len(s.DTCCodes))
		copy(out.DTCCodes, s.DTCCodes)
	}
	return out
}

// SameReading compares the telemetry values and trouble codes, ignoring the
// sweep metadata.
func (s Snapshot) SameReading(o Snapshot) bool {
	return s.FuelLevelPct == o.FuelLevelPct &&
		s.EngineRPM == o.EngineRPM &&
		s.VehicleSpeedKPH == o.VehicleSpeedKPH &&
		s.CoolantTempC == o.CoolantTempC &&
		s.EngineLoadPct == o.EngineLoadPct &&
		slices.Equal(s.DTCCodes, o.DTCCodes)
}
