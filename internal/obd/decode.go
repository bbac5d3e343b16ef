package obd

import "obdlink/internal/models"

// Decode maps an adapter response for pid to its engineering value.
// It never fails loudly: malformed, short or negative responses report
// ok=false so the caller keeps whatever value it had before.
func Decode(pid PID, response string) (value float64, ok bool) {
	if pid.decode == nil || pid.Bytes <= 0 {
		return 0, false
	}

	header := pid.responseHeader()
	for _, line := range Normalize(response) {
		if IsNoData(line) {
			continue
		}
		line, _ = stripFrameIndex(line)
		data, found := payloadAfter(line, header)
		if !found || len(data) < pid.Bytes {
			continue
		}
		return pid.decode(data[:pid.Bytes]), true
	}
	return 0, false
}

// Apply writes value into the snapshot field pid feeds.
func Apply(s *models.Snapshot, pid PID, value float64) {
	switch pid.Code {
	case PIDFuelLevel.Code:
		s.FuelLevelPct = value
	case PIDEngineRPM.Code:
		s.EngineRPM = int(value)
	case PIDVehicleSpeed.Code:
		s.VehicleSpeedKPH = int(value)
	case PIDCoolantTemp.Code:
		s.CoolantTempC = int(value)
	case PIDEngineLoad.Code:
		s.EngineLoadPct = value
	}
}

// LookupPID finds a known PID by its request text (e.g. "010C").
func LookupPID(command string) (PID, bool) {
	for _, p := range append([]PID{PIDSupported}, TelemetryPIDs...) {
		if p.Command() == command {
			return p, true
		}
	}
	return PID{}, false
}
