// Package poller sweeps the PIDs of the active sampling mode on a cadence and
// publishes an immutable snapshot after every full sweep.
package poller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"obdlink/internal/bus"
	"obdlink/internal/elm"
	"obdlink/internal/models"
	"obdlink/internal/obd"
	"obdlink/pkg/log"

	"go.uber.org/zap"
)

const (
	DefaultRequestTimeout = 2 * time.Second
	DefaultNotReadyPoll   = 250 * time.Millisecond
)

// Options tunes a Scheduler.
type Options struct {
	Modes          obd.ModeTable
	Mode           obd.SamplingMode
	RequestTimeout time.Duration
	// Ready gates sweeps; while it reports false the loop idles, checking
	// again every NotReadyPoll. Nil means always ready.
	Ready        func() bool
	NotReadyPoll time.Duration
	// DTCCodes supplies the active trouble codes copied into each snapshot.
	DTCCodes func() []string
}

// Scheduler owns the working snapshot. Only the sweep loop writes it;
// readers get copies through Latest and Subscribe.
type Scheduler struct {
	q    elm.Querier
	opts Options

	snapshots *bus.Bus[models.Snapshot]

	modeMu sync.RWMutex
	mode   obd.SamplingMode

	latestMu sync.RWMutex
	latest   models.Snapshot
	has      bool

	sweepMu sync.Mutex
	working models.Snapshot
	sweeps  uint64

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New validates the mode table and returns a stopped scheduler.
func New(q elm.Querier, opts Options) (*Scheduler, error) {
	if opts.Modes == nil {
		opts.Modes = obd.DefaultModes()
	}
	if err := opts.Modes.Validate(); err != nil {
		return nil, err
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.NotReadyPoll <= 0 {
		opts.NotReadyPoll = DefaultNotReadyPoll
	}
	return &Scheduler{
		q:         q,
		opts:      opts,
		mode:      opts.Mode,
		snapshots: bus.New[models.Snapshot]("snapshots"),
	}, nil
}

// SetMode selects the sampling mode. A sweep already under way finishes
// with the mode it started with.
func (s *Scheduler) SetMode(m obd.SamplingMode) error {
	if _, ok := s.opts.Modes[m]; !ok {
		return fmt.Errorf("unknown sampling mode %s", m)
	}
	s.modeMu.Lock()
	prev := s.mode
	s.mode = m
	s.modeMu.Unlock()
	if prev != m {
		log.Info("sampling mode changed", zap.Stringer("from", prev), zap.Stringer("to", m))
	}
	return nil
}

func (s *Scheduler) Mode() obd.SamplingMode {
	s.modeMu.RLock()
	defer s.modeMu.RUnlock()
	return s.mode
}

// Latest returns the most recently published snapshot.
func (s *Scheduler) Latest() (models.Snapshot, bool) {
	s.latestMu.RLock()
	defer s.latestMu.RUnlock()
	return s.latest.Clone(), s.has
}

// Subscribe streams every published snapshot. buffer <= 0 picks a default.
func (s *Scheduler) Subscribe(buffer int) (string, <-chan models.Snapshot) {
	return s.snapshots.Subscribe(buffer)
}

func (s *Scheduler) Unsubscribe(id string) {
	s.snapshots.Unsubscribe(id)
}

// Start runs the loop in the background. It is a no-op if already running.
func (s *Scheduler) Start(ctx context.Context) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancel, s.done = cancel, done
	go func() {
		defer close(done)
		s.Run(ctx)
	}()
}

// Stop ends the loop and waits for it. The wait is bounded by one in-flight
// request. Stop is idempotent.
func (s *Scheduler) Stop() {
	s.runMu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.runMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	log.Info("polling stopped")
}

// Running reports whether the background loop is active.
func (s *Scheduler) Running() bool {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	return s.cancel != nil
}

// Close stops the loop and ends every subscription.
func (s *Scheduler) Close() {
	s.Stop()
	s.snapshots.Close()
}

// Run sweeps until ctx is done. Transport problems never end the loop; they
// only leave fields at their previous values.
func (s *Scheduler) Run(ctx context.Context) {
	log.Info("polling started", zap.Stringer("mode", s.Mode()))
	for {
		if ctx.Err() != nil {
			return
		}

		if s.opts.Ready != nil && !s.opts.Ready() {
			select {
			case <-time.After(s.opts.NotReadyPoll):
				continue
			case <-ctx.Done():
				return
			}
		}

		mode := s.Mode()
		plan := s.opts.Modes[mode]
		if !s.sweep(ctx, mode, plan) {
			return
		}

		// The rest is measured from the end of the sweep so that a slow
		// adapter stretches the cadence instead of queueing requests.
		select {
		case <-time.After(plan.Interval):
		case <-ctx.Done():
			return
		}
	}
}

// sweep polls every PID of plan once and publishes the result. It returns
// false if ctx ended the sweep early, in which case nothing is published.
func (s *Scheduler) sweep(ctx context.Context, mode obd.SamplingMode, plan obd.Plan) bool {
	s.sweepMu.Lock()
	defer s.sweepMu.Unlock()

	// An in-flight request always runs to its own timeout; ctx is only
	// checked between requests.
	reqCtx := context.WithoutCancel(ctx)

	start := time.Now()
	misses := 0
	for _, pid := range plan.PIDs {
		if ctx.Err() != nil {
			return false
		}

		resp, err := s.q.Query(reqCtx, pid.Command(), s.opts.RequestTimeout)
		if err != nil {
			misses++
			log.Debug("pid request failed", zap.Stringer("pid", pid), zap.Error(err))
			continue
		}
		v, ok := obd.Decode(pid, resp)
		if !ok {
			misses++
			log.Debug("pid reply not decodable", zap.Stringer("pid", pid), zap.String("response", resp))
			continue
		}
		obd.Apply(&s.working, pid, v)
	}

	if s.opts.DTCCodes != nil {
		s.working.DTCCodes = s.opts.DTCCodes()
	}
	s.sweeps++
	s.working.Sweep = s.sweeps
	s.working.Mode = mode.String()
	s.working.CapturedAt = time.Now()

	snap := s.working.Clone()
	s.latestMu.Lock()
	s.latest = snap
	s.has = true
	s.latestMu.Unlock()
	s.snapshots.Publish(snap.Clone())

	log.Debug("sweep complete",
		zap.Uint64("sweep", s.sweeps),
		zap.Stringer("mode", mode),
		zap.Int("pids", len(plan.PIDs)),
		zap.Int("misses", misses),
		zap.Duration("took", time.Since(start)))
	return true
}
