package cycle

import (
	"context"
	"time"

	"github.com/Rajchodisetti/cycle-coordinator/internal/model"
	"github.com/Rajchodisetti/cycle-coordinator/internal/observ"
	"github.com/Rajchodisetti/cycle-coordinator/internal/resilience"
	"github.com/Rajchodisetti/cycle-coordinator/internal/services"
)

// EmergencyStop halts a cycle immediately. The cycle becomes
// EMERGENCY_STOPPED and stays flushing, holding the active slot, until the
// broker confirms no open positions remain. It does not wait for the
// liquidation; stopping an already stopped cycle is a no-op.
func (m *Manager) EmergencyStop(ctx context.Context, id, reason string) error {
	r, err := m.lookup(ctx, id)
	if err != nil || r == nil {
		return err
	}

	m.mu.Lock()
	if r.cycle.State.IsTerminal() {
		m.mu.Unlock()
		return nil
	}
	if reason == "" {
		reason = "operator request"
	}

	m.audit.Record(ctx, model.Event{
		CycleID: id,
		Type:    model.EventEmergencyStop,
		Message: reason,
		Fields:  map[string]any{"state": string(r.cycle.State)},
	})
	r.flushed = make(chan struct{})
	m.transitionLocked(r, model.StateEmergencyStopped, func(c *model.TradingCycle) {
		c.Flushing = true
		c.Outcome = model.OutcomeEmergencyStopped
		c.StopReason = reason
	})
	r.cancel(ErrEmergencyStopRequested)
	if r.grace != nil {
		r.grace.Stop()
	}
	m.wg.Add(1)
	m.mu.Unlock()

	go m.liquidate(r, reason)
	return nil
}

// EmergencyStopActive stops the active cycle if there is one, including a
// cycle the store still holds active from a previous process. Without one
// it still asks the broker to liquidate everything.
func (m *Manager) EmergencyStopActive(ctx context.Context, reason string) error {
	m.mu.Lock()
	known := m.active != nil && m.active.cycle.Active()
	m.mu.Unlock()
	if !known {
		if c, err := m.store.ActiveCycle(ctx); err == nil {
			return m.EmergencyStop(ctx, c.ID, reason)
		}
	}

	m.mu.Lock()
	if r := m.active; r != nil && !r.cycle.State.IsTerminal() {
		id := r.cycle.ID
		m.mu.Unlock()
		return m.EmergencyStop(ctx, id, reason)
	}
	if m.flushingAll || (m.active != nil && m.active.cycle.Flushing) {
		m.mu.Unlock()
		return nil
	}
	if reason == "" {
		reason = "operator request"
	}
	m.flushingAll = true
	m.wg.Add(1)
	m.mu.Unlock()

	m.audit.Record(ctx, model.Event{Type: model.EventEmergencyStop, Message: reason})
	go m.liquidate(nil, reason)
	return nil
}

// liquidate repeats liquidate-all rounds until the broker reports no open
// positions. Each round that runs out of time is audited; only manager
// shutdown ends the loop without confirmation.
func (m *Manager) liquidate(r *run, reason string) {
	defer m.wg.Done()

	cycleID := ""
	if r != nil {
		cycleID = r.cycle.ID
	}
	confirmed := false
	defer func() {
		m.mu.Lock()
		if r != nil {
			if confirmed {
				r.cycle.Flushing = false
				m.persistLocked(r)
			}
			close(r.flushed)
		} else {
			m.flushingAll = false
		}
		active := m.active != nil && m.active.cycle.Active()
		m.mu.Unlock()
		observ.SetCycleActive(active)
	}()

	for attempt := 1; ; attempt++ {
		if m.base.Err() != nil {
			observ.Error("liquidation_abandoned", map[string]any{
				"cycle_id": cycleID,
				"attempts": attempt - 1,
				"reason":   "manager closed",
			})
			return
		}

		ctx, cancel := context.WithTimeout(m.base, m.opts.LiquidationTimeout)
		remaining, err := m.liquidateOnce(ctx, cycleID, reason)
		cancel()
		if err == nil {
			confirmed = true
			m.audit.Record(context.Background(), model.Event{
				CycleID: cycleID,
				Type:    model.EventLiquidationConfirmed,
				Fields:  map[string]any{"attempts": attempt},
			})
			return
		}

		m.audit.Record(context.Background(), model.Event{
			CycleID: cycleID,
			Type:    model.EventLiquidationTimeout,
			Message: err.Error(),
			Fields: map[string]any{
				"attempt":        attempt,
				"open_positions": remaining,
				"timeout_ms":     m.opts.LiquidationTimeout.Milliseconds(),
			},
		})
		_ = resilience.Sleep(m.base, m.opts.LiquidationPoll)
	}
}

// liquidateOnce requests liquidation and polls until nothing is open or
// ctx expires. It returns the open count last seen.
func (m *Manager) liquidateOnce(ctx context.Context, cycleID, reason string) (int, error) {
	g := m.guard.Get(services.NameExecution)
	resp, err := resilience.Call(ctx, g, func(ctx context.Context) (services.LiquidateResponse, error) {
		return m.svc.Broker.LiquidateAll(ctx, services.LiquidateRequest{Reason: reason})
	})
	if err != nil {
		return m.view.OpenCount(), err
	}
	m.audit.Record(ctx, model.Event{
		CycleID: cycleID,
		Type:    model.EventLiquidationRequested,
		Fields:  map[string]any{"requested": resp.Requested},
	})

	src := m.source()
	for {
		if err := m.view.Refresh(ctx, src); err == nil {
			m.persistView(ctx, cycleID)
			if m.view.OpenCount() == 0 {
				return 0, nil
			}
		}
		select {
		case <-ctx.Done():
			return m.view.OpenCount(), ctx.Err()
		case <-time.After(m.opts.LiquidationPoll):
		}
	}
}

func (m *Manager) persistView(ctx context.Context, cycleID string) {
	var ps []model.Position
	if cycleID != "" {
		ps = m.view.ForCycle(cycleID)
	} else {
		ps = m.view.Snapshot()
	}
	if len(ps) == 0 {
		return
	}
	if err := m.store.SavePositions(context.WithoutCancel(ctx), ps); err != nil {
		observ.Error("positions_persist_failed", map[string]any{"cycle_id": cycleID, "error": err})
	}
}
