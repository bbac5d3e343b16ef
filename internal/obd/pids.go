package obd

import (
	"fmt"
	"math"
)

type PID struct {
	Mode string
	Code string
	Desc string

	// Field names the snapshot field the value lands in.
	Field string
	// Bytes is the number of data bytes the formula consumes.
	Bytes int

	decode func(data []byte) float64
}

var (
	PIDSupported    = PID{Mode: "01", Code: "00", Desc: "PIDs supported [01-20]", Field: "supported", Bytes: 4, decode: func(d []byte) float64 { return float64(uint32(d[0])<<24 | uint32(d[1])<<16 | uint32(d[2])<<8 | uint32(d[3])) }}
	PIDEngineLoad   = PID{Mode: "01", Code: "04", Desc: "Calculated Engine Load", Field: "engine_load_pct", Bytes: 1, decode: percent}
	PIDCoolantTemp  = PID{Mode: "01", Code: "05", Desc: "Engine Coolant Temperature", Field: "coolant_temp_c", Bytes: 1, decode: coolant}
	PIDEngineRPM    = PID{Mode: "01", Code: "0C", Desc: "Engine RPM", Field: "engine_rpm", Bytes: 2, decode: rpm}
	PIDVehicleSpeed = PID{Mode: "01", Code: "0D", Desc: "Vehicle Speed", Field: "vehicle_speed_kph", Bytes: 1, decode: speed}
	PIDFuelLevel    = PID{Mode: "01", Code: "2F", Desc: "Fuel Tank Level Input", Field: "fuel_level_pct", Bytes: 1, decode: percent}
)

// TelemetryPIDs lists every PID that feeds a snapshot field.
var TelemetryPIDs = []PID{PIDFuelLevel, PIDEngineRPM, PIDVehicleSpeed, PIDCoolantTemp, PIDEngineLoad}

// Command is the request text sent to the adapter, e.g. "010C".
func (p PID) Command() string {
	return p.String()
}

func (p PID) String() string {
	return fmt.Sprintf("%s%s", p.Mode, p.Code)
}

// responseHeader is the positive response prefix, e.g. "410C" for "010C".
func (p PID) responseHeader() string {
	return fmt.Sprintf("4%c%s", p.Mode[1], p.Code)
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func percent(d []byte) float64 {
	return clamp(float64(d[0])*100/255, 0, 100)
}

func rpm(d []byte) float64 {
	v := math.Floor(float64(int(d[0])*256+int(d[1])) / 4)
	return math.Max(0, v)
}

func speed(d []byte) float64 {
	return clamp(float64(d[0]), 0, 255)
}

func coolant(d []byte) float64 {
	return clamp(float64(int(d[0])-40), -40, 215)
}
