// Package mock simulates an ELM327 adapter plugged into a running car. It is
// used for demos, the simulate command and end-to-end tests.
package mock

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"obdlink/internal/models"
	"obdlink/internal/obd"
	"obdlink/pkg/log"

	"go.uber.org/zap"
)

const (
	DefaultVersion   = "ELM327 v1.5"
	DefaultProtocol  = "6"
	DefaultChunkSize = 20 // BLE notification payload
	DefaultTick      = time.Second
)

// Options tunes the simulator.
type Options struct {
	Seed int64
	// Tick is the random walk period once Start is called.
	Tick time.Duration
	// DTCs are the codes stored at power-up, e.g. "P0133".
	DTCs []string
	// RandomFaults lets the random walk add and clear codes now and then.
	RandomFaults bool
	// ChunkSize splits replies into notifications of at most this many
	// bytes on in-process links.
	ChunkSize int
	// Latency delays every reply on in-process links.
	Latency time.Duration
}

// Simulator is the simulated car and adapter. Command handling state (echo,
// spaces, ...) lives in a Session; the vehicle is shared by all sessions.
type Simulator struct {
	opts Options

	mu      sync.RWMutex
	rng     *rand.Rand
	running bool
	stopCh  chan struct{}

	// simulated values
	rpm     int
	speed   int
	coolant float64
	fuel    float64
	load    float64
	voltage float64
	dtcs    []uint16
}

func New(opts Options) *Simulator {
	if opts.Tick <= 0 {
		opts.Tick = DefaultTick
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.Seed == 0 {
		opts.Seed = time.Now().UnixNano()
	}

	s := &Simulator{
		opts:    opts,
		rng:     rand.New(rand.NewSource(opts.Seed)),
		rpm:     800,
		coolant: 75.0,
		fuel:    75.0,
		load:    20.0,
		voltage: 12.4,
	}
	for _, code := range opts.DTCs {
		raw, err := EncodeDTC(code)
		if err != nil {
			log.Warn("ignoring simulated DTC", zap.String("code", code), zap.Error(err))
			continue
		}
		s.dtcs = append(s.dtcs, raw)
	}
	return s
}

// Start runs the random walk until ctx is done or Stop is called.
func (s *Simulator) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	s.running = true
	s.stopCh = make(chan struct{})
	stopCh := s.stopCh

	go func() {
		ticker := time.NewTicker(s.opts.Tick)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.step()
			case <-ctx.Done():
				return
			case <-stopCh:
				return
			}
		}
	}()
	return nil
}

func (s *Simulator) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	close(s.stopCh)
	s.running = false
}

func (s *Simulator) step() {
	s.mu.Lock()
	defer s.mu.Unlock()

	// random walk rpm and coolant
	s.rpm = clampInt(s.rpm+s.rng.Intn(201)-100, 600, 4000)
	s.coolant = clampFloat(s.coolant+float64(s.rng.Intn(21)-10)*0.1, 60, 110)
	s.speed = clampInt(s.speed+s.rng.Intn(11)-5, 0, 130)
	s.load = clampFloat(s.load+float64(s.rng.Intn(11)-5), 10, 90)
	s.fuel = clampFloat(s.fuel-s.rng.Float64()*0.05, 0, 100)
	s.voltage = 12.4 + (s.rng.Float64()-0.5)*0.4

	if !s.opts.RandomFaults {
		return
	}
	// randomly add/remove an error
	if s.rng.Float32() < 0.05 {
		s.dtcs = append(s.dtcs, uint16(0x0100+s.rng.Intn(0x0500)))
	}
	if len(s.dtcs) > 0 && s.rng.Float32() < 0.02 {
		s.dtcs = s.dtcs[1:]
	}
}

// SetVehicle overrides the simulated values.
func (s *Simulator) SetVehicle(rpm, speed int, coolant, fuel, load float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rpm, s.speed, s.coolant, s.fuel, s.load = rpm, speed, coolant, fuel, load
}

// StoredDTCs returns the codes Mode 03 would report.
func (s *Simulator) StoredDTCs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.dtcs))
	for _, raw := range s.dtcs {
		if rec, ok := obd.DecodeDTC(byte(raw>>8), byte(raw)); ok {
			out = append(out, rec.Code)
		}
	}
	return out
}

// EncodeDTC turns a code such as "P0133" into its 2-byte wire form.
func EncodeDTC(code string) (uint16, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if len(code) != 5 {
		return 0, fmt.Errorf("bad DTC %q", code)
	}
	var category models.Category = -1
	for c := models.Powertrain; c <= models.Network; c++ {
		if c.Letter() == code[0] {
			category = c
		}
	}
	if category < 0 || code[1] < '0' || code[1] > '3' {
		return 0, fmt.Errorf("bad DTC %q", code)
	}
	var rest uint16
	if _, err := fmt.Sscanf(code[2:], "%03X", &rest); err != nil {
		return 0, fmt.Errorf("bad DTC %q: %w", code, err)
	}
	return uint16(category)<<14 | uint16(code[1]-'0')<<12 | rest, nil
}

// pidReply renders a Mode 01 reply with spaces, e.g. "41 0C 0C 80".
func (s *Simulator) pidReply(cmd string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	switch cmd {
	case obd.PIDSupported.Command():
		return "41 00 BE 3F A8 13", true
	case obd.PIDEngineRPM.Command():
		raw := s.rpm * 4
		return fmt.Sprintf("41 0C %02X %02X", (raw>>8)&0xFF, raw&0xFF), true
	case obd.PIDVehicleSpeed.Command():
		return fmt.Sprintf("41 0D %02X", s.speed&0xFF), true
	case obd.PIDCoolantTemp.Command():
		return fmt.Sprintf("41 05 %02X", clampInt(int(s.coolant)+40, 0, 255)), true
	case obd.PIDFuelLevel.Command():
		return fmt.Sprintf("41 2F %02X", percentByte(s.fuel)), true
	case obd.PIDEngineLoad.Command():
		return fmt.Sprintf("41 04 %02X", percentByte(s.load)), true
	}
	return "", false
}

// dtcReply renders a CAN style Mode 03 reply with a leading count byte.
func (s *Simulator) dtcReply() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var b strings.Builder
	fmt.Fprintf(&b, "43 %02X", len(s.dtcs))
	for _, raw := range s.dtcs {
		fmt.Fprintf(&b, " %02X %02X", raw>>8, raw&0xFF)
	}
	return b.String()
}

func (s *Simulator) clearDTCs() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dtcs = nil
}

func (s *Simulator) voltageReply() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fmt.Sprintf("%.1fV", s.voltage)
}

func percentByte(v float64) int {
	return clampInt(int(v*255/100), 0, 255)
}

func clampInt(v, lo, hi int) int {
	return max(lo, min(hi, v))
}

func clampFloat(v, lo, hi float64) float64 {
	return max(lo, min(hi, v))
}
