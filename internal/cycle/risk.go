package cycle

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/Rajchodisetti/cycle-coordinator/internal/model"
	"github.com/Rajchodisetti/cycle-coordinator/internal/observ"
	"github.com/Rajchodisetti/cycle-coordinator/internal/pipeline"
	"github.com/Rajchodisetti/cycle-coordinator/internal/resilience"
	"github.com/Rajchodisetti/cycle-coordinator/internal/services"
)

// RiskInvariantViolation is an approval the coordinator refused to act on
// because it would break a portfolio limit
type RiskInvariantViolation struct {
	Symbol    string
	Reason    string // max_positions | risk_budget | unmeasured_risk
	Limit     decimal.Decimal
	Requested decimal.Decimal
}

func (v *RiskInvariantViolation) Error() string {
	if v.Reason == model.ReasonUnmeasuredRisk {
		return fmt.Sprintf("%s: approval carries no measurable risk (%s)", v.Symbol, v.Requested)
	}
	return fmt.Sprintf("%s: %s would exceed limit (%s > %s)", v.Symbol, v.Reason, v.Requested, v.Limit)
}

// brokerSource reads open positions through the execution guard
type brokerSource struct {
	guard  *resilience.Guard
	broker services.Broker
}

func (s brokerSource) OpenPositions(ctx context.Context) ([]model.Position, error) {
	return resilience.Call(ctx, s.guard, s.broker.OpenPositions)
}

func (m *Manager) source() brokerSource {
	return brokerSource{guard: m.guard.Get(services.NameExecution), broker: m.svc.Broker}
}

// positionRisk is size × |entry − stop|
func positionRisk(size, entry, stop float64) decimal.Decimal {
	return decimal.NewFromFloat(size).Mul(decimal.NewFromFloat(entry).Sub(decimal.NewFromFloat(stop)).Abs())
}

// openRisk sums the risk carried by every open position
func openRisk(ps []model.Position) decimal.Decimal {
	total := decimal.Zero
	for _, p := range ps {
		if p.Open() && p.StopLoss > 0 {
			total = total.Add(positionRisk(p.Quantity, p.EntryPrice, p.StopLoss))
		}
	}
	return total
}

// enforceRisk walks approved candidates in rank order and keeps only those
// that fit both the free position slots and the remaining budget. An
// approval whose stop sits at entry has no measurable risk and is refused.
func enforceRisk(approved []model.Candidate, slots int, remaining decimal.Decimal) ([]model.Candidate, []*RiskInvariantViolation, decimal.Decimal) {
	var (
		kept       []model.Candidate
		violations []*RiskInvariantViolation
		used       = decimal.Zero
	)
	for _, c := range approved {
		if len(kept) >= slots {
			violations = append(violations, &RiskInvariantViolation{
				Symbol:    c.Symbol,
				Reason:    model.ReasonMaxPositions,
				Limit:     decimal.NewFromInt(int64(max(slots, 0))),
				Requested: decimal.NewFromInt(int64(len(kept) + 1)),
			})
			continue
		}
		risk := positionRisk(c.PositionSize, c.EntryPrice, c.StopPrice)
		if !risk.IsPositive() {
			violations = append(violations, &RiskInvariantViolation{
				Symbol:    c.Symbol,
				Reason:    model.ReasonUnmeasuredRisk,
				Limit:     remaining,
				Requested: risk,
			})
			continue
		}
		if used.Add(risk).GreaterThan(remaining) {
			violations = append(violations, &RiskInvariantViolation{
				Symbol:    c.Symbol,
				Reason:    model.ReasonRiskBudget,
				Limit:     remaining,
				Requested: used.Add(risk),
			})
			continue
		}
		used = used.Add(risk)
		kept = append(kept, c)
	}
	return kept, violations, used
}

// validateRisk refreshes the positions view, asks the risk collaborator
// about every candidate, then enforces the portfolio limits locally on the
// approvals before the stage results are persisted. It returns the kept
// candidates and the decision execution must follow for each.
func (m *Manager) validateRisk(r *run, in []model.Candidate) ([]model.Candidate, map[string]model.RiskDecision, bool) {
	// on error the last view stands
	_ = m.view.Refresh(r.ctx, m.source())

	rp := m.riskParams()
	p := m.params(r)
	open := m.view.OpenCount()
	budget := decimal.NewFromFloat(rp.RiskBudget)
	remaining := budget.Sub(openRisk(m.view.Snapshot()))
	if remaining.IsNegative() {
		remaining = decimal.Zero
	}
	remainingF := remaining.InexactFloat64()
	g := m.guard.Get(services.NameRisk)

	var (
		mu        sync.Mutex
		decisions = make(map[string]model.RiskDecision, len(in))
	)
	st := pipeline.Stage{
		Name:        model.StageRisk,
		Concurrency: m.opts.Pipeline.Concurrency,
		FatalRatio:  rp.StageFatalRatio,
		Evaluate: func(ctx context.Context, c model.Candidate) (pipeline.Verdict, error) {
			resp, err := resilience.Call(ctx, g, func(ctx context.Context) (services.RiskResponse, error) {
				resp, err := m.svc.Risk.Validate(ctx, services.RiskRequest{
					CycleID:         r.cycle.ID,
					Candidate:       c,
					RemainingBudget: remainingF,
					RiskMultiplier:  p.RiskMultiplier,
					OpenPositions:   open,
				})
				if err != nil {
					return resp, err
				}
				return resp, services.ValidateRisk(c, resp)
			})
			if err != nil {
				return pipeline.Verdict{}, err
			}

			d := model.RiskDecision{
				CycleID:  r.cycle.ID,
				Symbol:   c.Symbol,
				Approved: resp.Approved,
			}
			if resp.Approved {
				d.PositionSize, d.StopLoss = resp.PositionSize, resp.StopLoss
				d.RiskAmount = positionRisk(resp.PositionSize, c.EntryPrice, resp.StopLoss).InexactFloat64()
			} else {
				d.RejectionReason = resp.Reason
				if d.RejectionReason == "" {
					d.RejectionReason = model.ReasonRiskRejected
				}
			}
			mu.Lock()
			decisions[c.Symbol] = d
			mu.Unlock()

			if !resp.Approved {
				return pipeline.Verdict{Candidate: c, Score: c.SignalStrength, Reason: model.ReasonRiskRejected}, nil
			}
			c.PositionSize = resp.PositionSize
			c.StopPrice = resp.StopLoss
			return pipeline.Verdict{Candidate: c, Score: c.SignalStrength, Keep: true}, nil
		},
	}

	var approved []model.Candidate
	post := func(res *pipeline.Result) {
		kept, violations, used := enforceRisk(res.Survivors, rp.MaxConcurrentPositions-open, remaining)
		refused := make(map[string]*RiskInvariantViolation, len(violations))
		for _, v := range violations {
			refused[v.Symbol] = v
			d := decisions[v.Symbol]
			d.Approved = false
			d.RejectionReason = v.Reason
			decisions[v.Symbol] = d
		}
		for i := range res.Records {
			if v, ok := refused[res.Records[i].Symbol]; ok && res.Records[i].Kept() {
				res.Records[i].Decision = model.DecisionDropped
				res.Records[i].Reason = v.Reason
			}
		}
		for _, v := range violations {
			observ.RecordRiskViolation(v.Reason)
			m.audit.Record(r.ctx, model.Event{
				CycleID: r.cycle.ID,
				Type:    model.EventRiskInvariantViolation,
				Stage:   model.StageRisk,
				Message: v.Error(),
				Fields: map[string]any{
					"symbol":    v.Symbol,
					"reason":    v.Reason,
					"limit":     v.Limit.String(),
					"requested": v.Requested.String(),
				},
			})
		}

		// one decision per answered candidate, in stage-record order
		made := make([]model.RiskDecision, 0, len(decisions))
		for _, rec := range res.Records {
			d, ok := decisions[rec.Symbol]
			if !ok {
				continue
			}
			made = append(made, d)
			m.audit.Record(r.ctx, model.Event{
				CycleID: r.cycle.ID,
				Type:    model.EventRiskDecision,
				Stage:   model.StageRisk,
				Message: d.RejectionReason,
				Fields: map[string]any{
					"symbol":        d.Symbol,
					"approved":      d.Approved,
					"position_size": d.PositionSize,
					"stop_loss":     d.StopLoss,
					"risk_amount":   d.RiskAmount,
				},
			})
		}
		res.Survivors = kept
		approved = kept

		m.mu.Lock()
		r.cycle.RiskConsumed = used.InexactFloat64()
		r.decisions = made
		m.mu.Unlock()
	}

	if _, ok := m.runStage(r, st, in, post); !ok {
		return nil, nil, false
	}
	return approved, decisions, true
}
