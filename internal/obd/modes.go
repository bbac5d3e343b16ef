package obd

import (
	"fmt"
	"strings"
	"time"
)

// SamplingMode selects how often and how much telemetry is polled.
type SamplingMode int

const (
	Normal SamplingMode = iota
	Reduced
	Minimal
)

// AllModes lists every sampling mode in escalation order.
var AllModes = []SamplingMode{Normal, Reduced, Minimal}

func (m SamplingMode) String() string {
	switch m {
	case Normal:
		return "normal"
	case Reduced:
		return "reduced"
	case Minimal:
		return "minimal"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Next cycles to the following mode, wrapping around.
func (m SamplingMode) Next() SamplingMode {
	return AllModes[(int(m)+1)%len(AllModes)]
}

// ParseSamplingMode accepts the names returned by String.
func ParseSamplingMode(s string) (SamplingMode, error) {
	for _, m := range AllModes {
		if strings.EqualFold(s, m.String()) {
			return m, nil
		}
	}
	return Normal, fmt.Errorf("unknown sampling mode %q", s)
}

// Plan is what one sampling mode polls and how long to rest between sweeps.
type Plan struct {
	Interval time.Duration
	PIDs     []PID
}

// ModeTable maps every sampling mode to its plan.
type ModeTable map[SamplingMode]Plan

// DefaultModes returns the stock mode table.
func DefaultModes() ModeTable {
	return ModeTable{
		Normal: {
			Interval: time.Second,
			PIDs:     []PID{PIDFuelLevel, PIDEngineRPM, PIDVehicleSpeed, PIDCoolantTemp, PIDEngineLoad},
		},
		Reduced: {
			Interval: 5 * time.Second,
			PIDs:     []PID{PIDFuelLevel, PIDVehicleSpeed, PIDCoolantTemp},
		},
		Minimal: {
			Interval: 30 * time.Second,
			PIDs:     []PID{PIDFuelLevel},
		},
	}
}

// WithIntervals returns a copy of t with the given intervals applied to the
// modes present in intervals. Non-positive values are ignored.
func (t ModeTable) WithIntervals(intervals map[SamplingMode]time.Duration) ModeTable {
	out := make(ModeTable, len(t))
	for m, p := range t {
		if d, ok := intervals[m]; ok && d > 0 {
			p.Interval = d
		}
		out[m] = p
	}
	return out
}

// Validate checks that the table is total: every mode has a non-empty PID
// list and a positive interval.
func (t ModeTable) Validate() error {
	for _, m := range AllModes {
		p, ok := t[m]
		if !ok {
			return fmt.Errorf("sampling mode %s has no plan", m)
		}
		if len(p.PIDs) == 0 {
			return fmt.Errorf("sampling mode %s has no PIDs", m)
		}
		if p.Interval <= 0 {
			return fmt.Errorf("sampling mode %s has non-positive interval %v", m, p.Interval)
		}
	}
	return nil
}
