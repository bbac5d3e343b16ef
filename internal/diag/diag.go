// Package diag reads and clears diagnostic trouble codes on demand.
package diag

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"obdlink/internal/elm"
	"obdlink/internal/models"
	"obdlink/internal/obd"
	"obdlink/pkg/log"

	"go.uber.org/zap"
)

// ErrUnexpectedReply means the adapter answered Mode 03 with something
// that is neither a code list nor NO DATA.
var ErrUnexpectedReply = errors.New("diag: unexpected reply")

// DefaultTimeout is generous: multi-ECU Mode 03 replies can be slow.
const DefaultTimeout = 5 * time.Second

// Service keeps the active trouble code list. The list is only ever
// replaced as a whole, never edited in place.
type Service struct {
	q       elm.Querier
	timeout time.Duration

	mu     sync.RWMutex
	active []models.DTCRecord
}

func New(q elm.Querier, timeout time.Duration) *Service {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Service{q: q, timeout: timeout}
}

// Read queries stored codes and replaces the active list with them. On
// failure the active list is left as it was.
func (s *Service) Read(ctx context.Context) ([]models.DTCRecord, error) {
	resp, err := s.q.Query(ctx, obd.ModeReadDTCs, s.timeout)
	if err != nil {
		log.Warn("failed to read DTCs", zap.Error(err))
		return nil, fmt.Errorf("read DTCs: %w", err)
	}

	records, ok := obd.ParseDTCReply(resp)
	if !ok {
		log.Warn("unexpected DTC reply", zap.String("response", resp))
		return nil, fmt.Errorf("%w: %q", ErrUnexpectedReply, resp)
	}

	s.mu.Lock()
	s.active = models.CloneDTCs(records)
	s.mu.Unlock()

	log.Info("DTCs read", zap.Int("count", len(records)), zap.Strings("codes", models.Codes(records)))
	return models.CloneDTCs(records), nil
}

// Clear asks every ECU to clear stored codes. On success the active list
// becomes empty.
func (s *Service) Clear(ctx context.Context) bool {
	resp, err := s.q.Query(ctx, obd.ModeClearDTCs, s.timeout)
	if err != nil {
		log.Warn("failed to clear DTCs", zap.Error(err))
		return false
	}
	if !obd.ParseClear(resp) {
		log.Warn("DTC clear not acknowledged", zap.String("response", resp))
		return false
	}

	s.mu.Lock()
	s.active = nil
	s.mu.Unlock()

	log.Info("DTCs cleared")
	return true
}

// Active returns a copy of the active list.
func (s *Service) Active() []models.DTCRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return models.CloneDTCs(s.active)
}

// Codes returns the active code strings.
func (s *Service) Codes() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return models.Codes(s.active)
}
