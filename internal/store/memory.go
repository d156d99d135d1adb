package store

import (
	"context"
	"maps"
	"sort"
	"sync"

	"github.com/Rajchodisetti/cycle-coordinator/internal/model"
)

// Memory keeps everything in maps. It enforces the single active-cycle
// slot the same way the postgres unique index does.
type Memory struct {
	mu        sync.RWMutex
	cycles    map[string]model.TradingCycle
	results   map[string][]model.StageResult
	events    map[string][]model.Event
	positions map[string]model.Position
}

// NewMemory returns an empty store
func NewMemory() *Memory {
	return &Memory{
		cycles:    make(map[string]model.TradingCycle),
		results:   make(map[string][]model.StageResult),
		events:    make(map[string][]model.Event),
		positions: make(map[string]model.Position),
	}
}

func (m *Memory) CreateCycle(_ context.Context, c model.TradingCycle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.cycles {
		if existing.Active() {
			return ErrActiveCycleExists
		}
	}
	m.cycles[c.ID] = c
	return nil
}

func (m *Memory) UpdateCycle(_ context.Context, c model.TradingCycle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.cycles[c.ID]; !ok {
		return ErrNotFound
	}
	if c.Active() {
		for id, other := range m.cycles {
			if id != c.ID && other.Active() {
				return ErrActiveCycleExists
			}
		}
	}
	m.cycles[c.ID] = c
	return nil
}

func (m *Memory) GetCycle(_ context.Context, id string) (model.TradingCycle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.cycles[id]
	if !ok {
		return model.TradingCycle{}, ErrNotFound
	}
	return c, nil
}

func (m *Memory) ActiveCycle(_ context.Context) (model.TradingCycle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.cycles {
		if c.Active() {
			return c, nil
		}
	}
	return model.TradingCycle{}, ErrNotFound
}

func (m *Memory) AppendStageResults(_ context.Context, rs []model.StageResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range rs {
		m.results[r.CycleID] = append(m.results[r.CycleID], r)
	}
	return nil
}

func (m *Memory) ListStageResults(_ context.Context, cycleID string) ([]model.StageResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]model.StageResult(nil), m.results[cycleID]...), nil
}

func (m *Memory) AppendEvent(_ context.Context, e model.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.Fields = maps.Clone(e.Fields)
	m.events[e.CycleID] = append(m.events[e.CycleID], e)
	return nil
}

// ListEvents returns a cycle's events in append order; "" lists events
// recorded outside any cycle
func (m *Memory) ListEvents(_ context.Context, cycleID string) ([]model.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]model.Event(nil), m.events[cycleID]...), nil
}

func (m *Memory) SavePositions(_ context.Context, ps []model.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range ps {
		m.positions[p.ID] = p
	}
	return nil
}

// OpenPositions lists open positions of one cycle; "" lists all
func (m *Memory) OpenPositions(_ context.Context, cycleID string) ([]model.Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.Position
	for _, p := range m.positions {
		if p.Open() && (cycleID == "" || p.CycleID == cycleID) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) Close() error { return nil }
