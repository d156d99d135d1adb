package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/Rajchodisetti/cycle-coordinator/internal/config"
	"github.com/Rajchodisetti/cycle-coordinator/internal/model"
)

var (
	ErrActiveCycleExists = errors.New("store: an active cycle already exists")
	ErrNotFound          = errors.New("store: not found")
)

// Store persists cycles, stage results, audit events and positions.
// At most one cycle may be active (non-terminal or flushing) at a time;
// CreateCycle enforces it atomically.
type Store interface {
	CreateCycle(ctx context.Context, c model.TradingCycle) error
	UpdateCycle(ctx context.Context, c model.TradingCycle) error
	GetCycle(ctx context.Context, id string) (model.TradingCycle, error)
	ActiveCycle(ctx context.Context) (model.TradingCycle, error)
	AppendStageResults(ctx context.Context, rs []model.StageResult) error
	ListStageResults(ctx context.Context, cycleID string) ([]model.StageResult, error)
	AppendEvent(ctx context.Context, e model.Event) error
	ListEvents(ctx context.Context, cycleID string) ([]model.Event, error)
	SavePositions(ctx context.Context, ps []model.Position) error
	OpenPositions(ctx context.Context, cycleID string) ([]model.Position, error)
	Close() error
}

// Open selects the backend named by cfg.Driver
func Open(ctx context.Context, cfg config.Store) (Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return NewMemory(), nil
	case "postgres":
		return OpenPostgres(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
