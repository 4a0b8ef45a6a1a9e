package storage

import (
	"context"
	"errors"
	"time"

	"github.com/lorawan-node/lorawan-node-agent/internal/models"
	"github.com/lorawan-node/lorawan-node-agent/pkg/lorawan"
)

// Common errors
var (
	ErrNotFound    = errors.New("not found")
	ErrInvalidData = errors.New("invalid data")
)

// Store defines the agent's persistence interface. A nil Store disables
// persistence.
type Store interface {
	// Event log methods
	CreateEventLog(ctx context.Context, event *models.EventLog) error
	ListEventLogs(ctx context.Context, filters EventLogFilters, limit, offset int) ([]*models.EventLog, int64, error)

	// Frame history methods
	CreateUplinkFrame(ctx context.Context, frame *models.UplinkFrame) error
	ListUplinkFrames(ctx context.Context, devEUI lorawan.EUI64, limit, offset int) ([]*models.UplinkFrame, int64, error)

	CreateDownlinkFrame(ctx context.Context, frame *models.DownlinkFrame) error
	ListDownlinkFrames(ctx context.Context, devEUI lorawan.EUI64, limit, offset int) ([]*models.DownlinkFrame, int64, error)

	// Close the store
	Close() error
}

// EventLogFilters represents filters for event logs
type EventLogFilters struct {
	DevEUI    *lorawan.EUI64
	Type      *models.EventType
	Level     *models.EventLevel
	StartTime *time.Time
	EndTime   *time.Time
}
