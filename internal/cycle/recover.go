package cycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/Rajchodisetti/cycle-coordinator/internal/model"
	"github.com/Rajchodisetti/cycle-coordinator/internal/observ"
	"github.com/Rajchodisetti/cycle-coordinator/internal/store"
)

const recoveredReason = "recovered after restart"

// Recover takes over a cycle a previous process left holding the active
// slot. Its run loop is gone and any positions it opened are unmanaged, so
// the cycle is emergency-stopped and liquidated like any other; once the
// broker confirms, the slot is free again. A terminal cycle still flushing
// only has its liquidation resumed.
func (m *Manager) Recover(ctx context.Context) error {
	c, err := m.store.ActiveCycle(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load active cycle: %w", err)
	}
	m.adopt(ctx, c)
	return nil
}

// adopt registers a stored cycle with no run loop in this process and
// starts its liquidation. Adopting the same cycle twice returns the first
// handle.
func (m *Manager) adopt(ctx context.Context, c model.TradingCycle) *run {
	counts := make(map[model.Stage]StageCounts)
	if rs, err := m.store.ListStageResults(ctx, c.ID); err == nil {
		for _, rec := range rs {
			n := counts[rec.Stage]
			if rec.Kept() {
				n.Kept++
			} else {
				n.Dropped++
			}
			counts[rec.Stage] = n
		}
	}

	m.mu.Lock()
	if r, ok := m.runs[c.ID]; ok {
		m.mu.Unlock()
		return r
	}
	runCtx, cancel := context.WithCancelCause(m.base)
	r := &run{
		cycle:   c,
		ctx:     runCtx,
		cancel:  cancel,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		flushed: make(chan struct{}),
		counts:  counts,
	}
	r.stopOnce.Do(func() { close(r.stop) })
	close(r.done)
	m.runs[c.ID] = r
	m.active, m.last = r, r

	prev := c.State
	reason := recoveredReason
	if c.State.IsTerminal() {
		if c.StopReason != "" {
			reason = c.StopReason
		}
	} else {
		m.transitionLocked(r, model.StateEmergencyStopped, func(c *model.TradingCycle) {
			c.Flushing = true
			c.Outcome = model.OutcomeEmergencyStopped
			c.StopReason = recoveredReason
		})
	}
	flushing := r.cycle.Flushing
	m.wg.Add(1)
	m.mu.Unlock()

	observ.SetCycleActive(true)
	observ.Warn("cycle_recovered", map[string]any{"cycle_id": c.ID, "state": string(prev)})
	m.audit.Record(ctx, model.Event{
		CycleID: c.ID,
		Type:    model.EventCycleRecovered,
		Message: reason,
		Fields:  map[string]any{"state": string(prev), "flushing": flushing},
	})

	go m.liquidate(r, reason)
	return r
}
