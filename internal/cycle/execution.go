package cycle

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/Rajchodisetti/cycle-coordinator/internal/model"
	"github.com/Rajchodisetti/cycle-coordinator/internal/observ"
	"github.com/Rajchodisetti/cycle-coordinator/internal/pipeline"
	"github.com/Rajchodisetti/cycle-coordinator/internal/resilience"
	"github.com/Rajchodisetti/cycle-coordinator/internal/services"
)

// execute places one order per approved risk decision. Size and stop come
// from the decision, never from the candidate. Order failures never fail
// the cycle. It returns the number of filled orders.
func (m *Manager) execute(r *run, approved []model.Candidate, decisions map[string]model.RiskDecision) (int, bool) {
	g := m.guard.Get(services.NameExecution)

	var (
		mu     sync.Mutex
		opened []model.Position
		orders []model.TradeOrder
	)
	st := pipeline.Stage{
		Name:        model.StageExecution,
		Concurrency: m.opts.Pipeline.Concurrency,
		FatalRatio:  1,
		Evaluate: func(ctx context.Context, c model.Candidate) (pipeline.Verdict, error) {
			d, ok := decisions[c.Symbol]
			if !ok || !d.Approved {
				return pipeline.Verdict{Candidate: c, Reason: model.ReasonRiskRejected}, nil
			}
			req := services.OrderRequest{
				ClientOrderID: r.cycle.ID + ":" + c.Symbol,
				CycleID:       r.cycle.ID,
				Symbol:        c.Symbol,
				Side:          c.Side,
				Quantity:      d.PositionSize,
				EntryPrice:    c.EntryPrice,
				StopLoss:      d.StopLoss,
				TakeProfit:    c.TargetPrice,
			}
			// retries are safe: the client order id makes the request idempotent
			resp, err := resilience.Call(ctx, g, func(ctx context.Context) (services.OrderResponse, error) {
				resp, err := m.svc.Broker.Execute(ctx, req)
				if err != nil {
					return resp, err
				}
				return resp, services.ValidateOrder(c.Symbol, resp)
			})
			if err != nil {
				if ctx.Err() == nil {
					observ.RecordOrder("failed")
					m.audit.Record(ctx, model.Event{
						CycleID: r.cycle.ID,
						Type:    model.EventOrderFailed,
						Stage:   model.StageExecution,
						Message: err.Error(),
						Fields:  map[string]any{"symbol": c.Symbol, "client_order_id": req.ClientOrderID},
					})
				}
				return pipeline.Verdict{}, err
			}

			fill := resp.FillPrice
			if fill <= 0 {
				fill = c.EntryPrice
			}
			status := model.PositionStatus(resp.Status)
			if status == "" {
				status = model.PositionFilled
			}
			now := m.now().UTC()
			order := model.TradeOrder{
				ID:        resp.OrderID,
				CycleID:   r.cycle.ID,
				Symbol:    c.Symbol,
				Side:      c.Side,
				Quantity:  d.PositionSize,
				Status:    status,
				CreatedAt: now,
			}
			p := model.Position{
				ID:         resp.PositionID,
				OrderID:    order.ID,
				CycleID:    r.cycle.ID,
				Symbol:     c.Symbol,
				Side:       c.Side,
				Quantity:   order.Quantity,
				EntryPrice: fill,
				StopLoss:   d.StopLoss,
				TakeProfit: c.TargetPrice,
				Status:     status,
				UpdatedAt:  now,
			}
			if p.ID == "" {
				p.ID = resp.OrderID
			}
			mu.Lock()
			opened = append(opened, p)
			orders = append(orders, order)
			mu.Unlock()

			observ.RecordOrder("filled")
			m.audit.Record(ctx, model.Event{
				CycleID: r.cycle.ID,
				Type:    model.EventOrderExecuted,
				Stage:   model.StageExecution,
				Fields: map[string]any{
					"symbol":      order.Symbol,
					"order_id":    order.ID,
					"position_id": p.ID,
					"side":        string(order.Side),
					"quantity":    order.Quantity,
					"status":      string(order.Status),
					"fill_price":  fill,
				},
			})
			return pipeline.Verdict{Candidate: c, Score: c.SignalStrength, Keep: true, Reason: model.ReasonExecuted}, nil
		},
	}

	// orders placed before a stop still belong to the cycle, so positions
	// are saved before the stop is acted on
	post := func(res *pipeline.Result) {
		for i := range res.Records {
			rec := &res.Records[i]
			if rec.Kept() || rec.Reason == model.ReasonCancelled || rec.Reason == model.ReasonCircuitOpen {
				continue
			}
			rec.Reason = model.ReasonExecutionFailed
		}
		m.savePositions(r, opened)
		sort.Slice(orders, func(i, j int) bool { return orders[i].Symbol < orders[j].Symbol })
		m.mu.Lock()
		r.orders = orders
		m.mu.Unlock()
	}

	res, ok := m.runStage(r, st, approved, post)
	if !ok {
		return 0, false
	}
	return len(res.Survivors), true
}

func (m *Manager) savePositions(r *run, ps []model.Position) {
	if len(ps) == 0 {
		return
	}
	m.view.Merge(ps...)
	if err := m.store.SavePositions(context.WithoutCancel(r.ctx), ps); err != nil {
		observ.Error("positions_persist_failed", map[string]any{
			"cycle_id": r.cycle.ID,
			"count":    len(ps),
			"error":    err,
		})
	}
}

// monitor polls the broker until every cycle position is closed, a stop is
// requested, the run is cancelled, or the monitor window elapses. Positions
// that reach their stop or target are closed as they hit.
func (m *Manager) monitor(r *run) {
	window := m.opts.MonitorWindow
	if window <= 0 {
		window = m.params(r).ScanInterval
	}
	deadline := time.NewTimer(window)
	defer deadline.Stop()
	tick := time.NewTicker(m.opts.MonitorInterval)
	defer tick.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-r.ctx.Done():
			return
		case <-deadline.C:
			observ.Log("monitor_window_elapsed", map[string]any{"cycle_id": r.cycle.ID, "window": window.String()})
			return
		case <-tick.C:
		}

		if err := m.view.Refresh(r.ctx, m.source()); err != nil {
			continue
		}
		open := m.view.OpenForCycle(r.cycle.ID)
		m.savePositions(r, m.view.ForCycle(r.cycle.ID))
		if len(open) == 0 {
			return
		}
		for _, p := range open {
			if exitReached(p) {
				m.closePosition(r.ctx, r, p)
			}
		}
	}
}

// exitReached reports whether unrealized P&L has hit the position's stop
// or target distance
func exitReached(p model.Position) bool {
	if p.Quantity <= 0 || p.EntryPrice <= 0 {
		return false
	}
	qty := math.Abs(p.Quantity)
	if p.StopLoss > 0 && p.UnrealizedPnL <= -math.Abs(p.EntryPrice-p.StopLoss)*qty {
		return true
	}
	if p.TakeProfit > 0 && p.UnrealizedPnL >= math.Abs(p.TakeProfit-p.EntryPrice)*qty {
		return true
	}
	return false
}

func (m *Manager) closePosition(ctx context.Context, r *run, p model.Position) bool {
	g := m.guard.Get(services.NameExecution)
	closed, err := resilience.Call(ctx, g, func(ctx context.Context) (model.Position, error) {
		return m.svc.Broker.ClosePosition(ctx, p.ID)
	})
	if err != nil {
		observ.Warn("position_close_failed", map[string]any{
			"cycle_id":    r.cycle.ID,
			"position_id": p.ID,
			"symbol":      p.Symbol,
			"error":       err,
		})
		return false
	}
	if closed.ID == "" {
		closed = p
	}
	closed.Status = model.PositionClosed
	m.savePositions(r, []model.Position{closed})
	return true
}

// closePositions closes, best effort, whatever the cycle still holds
func (m *Manager) closePositions(ctx context.Context, r *run) {
	if err := m.view.Refresh(ctx, m.source()); err != nil {
		observ.Warn("closing_with_stale_positions", map[string]any{"cycle_id": r.cycle.ID})
	}
	for _, p := range m.view.OpenForCycle(r.cycle.ID) {
		m.closePosition(ctx, r, p)
	}
}
