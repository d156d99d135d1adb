package portfolio

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/Rajchodisetti/cycle-coordinator/internal/model"
	"github.com/Rajchodisetti/cycle-coordinator/internal/observ"
)

// Source is anything that reports authoritative open positions
type Source interface {
	OpenPositions(ctx context.Context) ([]model.Position, error)
}

// View is the coordinator's cached, read-only copy of positions. The
// execution collaborator owns the real state; the view is only refreshed
// from it or merged with fills it reported.
type View struct {
	mu          sync.RWMutex
	positions   map[string]model.Position // by position id
	refreshedAt time.Time
	now         func() time.Time
}

// NewView returns an empty view; the first Refresh fills it
func NewView() *View {
	return &View{positions: make(map[string]model.Position), now: time.Now}
}

// Refresh replaces open positions with the source's answer. On error the
// previous view is kept and the error returned.
func (v *View) Refresh(ctx context.Context, src Source) error {
	ps, err := src.OpenPositions(ctx)
	if err != nil {
		observ.Warn("positions_refresh_failed", map[string]any{
			"error":       err,
			"stale_since": v.RefreshedAt().Format(time.RFC3339),
		})
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	now := v.now()
	seen := make(map[string]bool, len(ps))
	for _, p := range ps {
		v.positions[p.ID] = p
		seen[p.ID] = true
	}
	// open positions the broker no longer reports have been closed
	for id, p := range v.positions {
		if p.Open() && !seen[id] {
			p.Status = model.PositionClosed
			p.UnrealizedPnL = 0
			p.UpdatedAt = now
			v.positions[id] = p
		}
	}
	v.refreshedAt = now
	observ.SetPositionsOpen(v.openCountUnsafe())
	return nil
}

// Merge upserts positions, e.g. fills and closes reported by the broker
func (v *View) Merge(ps ...model.Position) {
	if len(ps) == 0 {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, p := range ps {
		if p.ID == "" {
			continue
		}
		v.positions[p.ID] = p
	}
	observ.SetPositionsOpen(v.openCountUnsafe())
}

// OpenCount counts open positions across every cycle
func (v *View) OpenCount() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.openCountUnsafe()
}

func (v *View) openCountUnsafe() int {
	n := 0
	for _, p := range v.positions {
		if p.Open() {
			n++
		}
	}
	return n
}

// OpenForCycle returns the open positions opened by one cycle
func (v *View) OpenForCycle(cycleID string) []model.Position {
	v.mu.RLock()
	defer v.mu.RUnlock()
	var out []model.Position
	for _, p := range v.positions {
		if p.Open() && p.CycleID == cycleID {
			out = append(out, p)
		}
	}
	sortPositions(out)
	return out
}

// ForCycle returns every known position of a cycle, closed ones included
func (v *View) ForCycle(cycleID string) []model.Position {
	v.mu.RLock()
	defer v.mu.RUnlock()
	var out []model.Position
	for _, p := range v.positions {
		if p.CycleID == cycleID {
			out = append(out, p)
		}
	}
	sortPositions(out)
	return out
}

// Snapshot copies every known position, sorted by symbol
func (v *View) Snapshot() []model.Position {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]model.Position, 0, len(v.positions))
	for _, p := range v.positions {
		out = append(out, p)
	}
	sortPositions(out)
	return out
}

// ExposureUSD is the entry notional of all open positions
func (v *View) ExposureUSD() float64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	total := 0.0
	for _, p := range v.positions {
		if p.Open() {
			total += math.Abs(p.Quantity * p.EntryPrice)
		}
	}
	return total
}

// RefreshedAt is the time of the last successful Refresh
func (v *View) RefreshedAt() time.Time {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.refreshedAt
}

func sortPositions(ps []model.Position) {
	sort.Slice(ps, func(i, j int) bool {
		if ps[i].Symbol != ps[j].Symbol {
			return ps[i].Symbol < ps[j].Symbol
		}
		return ps[i].ID < ps[j].ID
	})
}
