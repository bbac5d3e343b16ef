package obd

import (
	"context"

	"obdlink/internal/models"
)

// Provider abstracts access to an OBD-II adapter.
// It handles finding the device, connecting, polling and trouble codes.
type Provider interface {
	StartMonitoring(ctx context.Context) error
	StopMonitoring()
	SetSamplingMode(mode SamplingMode) error
	SamplingMode() SamplingMode
	Snapshot() (models.Snapshot, bool)
	State() models.ConnectionState
	ReadDTCs(ctx context.Context) ([]models.DTCRecord, error)
	ClearDTCs(ctx context.Context) bool
}
