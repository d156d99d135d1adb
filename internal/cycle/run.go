package cycle

import (
	"context"
	"errors"
	"math"

	"github.com/shopspring/decimal"

	"github.com/Rajchodisetti/cycle-coordinator/internal/mode"
	"github.com/Rajchodisetti/cycle-coordinator/internal/model"
	"github.com/Rajchodisetti/cycle-coordinator/internal/observ"
	"github.com/Rajchodisetti/cycle-coordinator/internal/pipeline"
	"github.com/Rajchodisetti/cycle-coordinator/internal/resilience"
	"github.com/Rajchodisetti/cycle-coordinator/internal/services"
)

// runLoop drives one cycle through its stages. It returns as soon as a
// transition is refused, which means an emergency stop took the cycle.
func (m *Manager) runLoop(r *run) {
	defer m.wg.Done()
	defer m.finish(r)

	if !m.transition(r, model.StateScanning, nil) {
		return
	}
	cands, ok := m.scan(r)
	if !ok {
		return
	}

	filters := []struct {
		state model.CycleState
		stage func(r *run, p mode.Params) pipeline.Stage
	}{
		{model.StateFilterNews, m.newsStage},
		{model.StateFilterPattern, m.patternStage},
		{model.StateFilterTechnical, m.technicalStage},
	}
	for _, f := range filters {
		if r.stopRequested() {
			m.closeOut(r, model.OutcomeStopped)
			return
		}
		if !m.transition(r, f.state, nil) {
			return
		}
		res, ok := m.runStage(r, f.stage(r, m.params(r)), cands, nil)
		if !ok {
			return
		}
		if len(res.Survivors) == 0 {
			m.closeOut(r, model.OutcomeNoCandidatesFound)
			return
		}
		cands = res.Survivors
	}

	if r.stopRequested() {
		m.closeOut(r, model.OutcomeStopped)
		return
	}
	if !m.transition(r, model.StateRiskValidation, nil) {
		return
	}
	approved, decisions, ok := m.validateRisk(r, cands)
	if !ok {
		return
	}
	if len(approved) == 0 {
		m.closeOut(r, model.OutcomeNoCandidatesFound)
		return
	}

	if r.stopRequested() {
		m.closeOut(r, model.OutcomeStopped)
		return
	}
	if !m.transition(r, model.StateExecuting, nil) {
		return
	}
	filled, ok := m.execute(r, approved, decisions)
	if !ok {
		return
	}
	if filled == 0 {
		m.closeOut(r, model.OutcomeNoTradesFilled)
		return
	}

	if r.stopRequested() {
		m.closeOut(r, model.OutcomeStopped)
		return
	}
	if !m.transition(r, model.StateMonitoring, nil) {
		return
	}
	m.monitor(r)
	m.closeOut(r, model.OutcomeTradesExecuted)
}

// scan is a single guarded call; its answer is then ranked and capped
// through the executor so every candidate gets a stage record
func (m *Manager) scan(r *run) ([]model.Candidate, bool) {
	p := m.params(r)
	limit := m.opts.Pipeline.ScanLimit
	g := m.guard.Get(services.NameScan)

	resp, err := resilience.Call(r.ctx, g, func(ctx context.Context) (services.ScanResponse, error) {
		resp, err := m.svc.Scanner.Scan(ctx, services.ScanRequest{
			CycleID: r.cycle.ID,
			Mode:    p.Mode,
			Params:  p,
			Limit:   limit,
		})
		if err != nil {
			return resp, err
		}
		return resp, services.ValidateScan(&resp, limit)
	})
	if err != nil {
		if r.ctx.Err() != nil {
			m.closeOut(r, model.OutcomeStopped)
			return nil, false
		}
		m.fail(r, model.StageScan, 1, err)
		return nil, false
	}

	in := make([]model.Candidate, 0, len(resp.Candidates))
	for _, sc := range resp.Candidates {
		in = append(in, model.Candidate{Symbol: sc.Symbol, ScanScore: sc.Score})
	}
	rank := pipeline.Stage{
		Name:         model.StageScan,
		Concurrency:  m.opts.Pipeline.Concurrency,
		FatalRatio:   1,
		MaxSurvivors: limit,
		Evaluate: func(_ context.Context, c model.Candidate) (pipeline.Verdict, error) {
			return pipeline.Verdict{Candidate: c, Score: c.ScanScore, Keep: true}, nil
		},
	}
	res, ok := m.runStage(r, rank, in, nil)
	if !ok {
		return nil, false
	}
	if len(res.Survivors) == 0 {
		m.closeOut(r, model.OutcomeNoCandidatesFound)
		return nil, false
	}
	return res.Survivors, true
}

func (m *Manager) newsStage(r *run, p mode.Params) pipeline.Stage {
	g := m.guard.Get(services.NameNews)
	return pipeline.Stage{
		Name:         model.StageNews,
		Concurrency:  m.opts.Pipeline.Concurrency,
		FatalRatio:   m.riskParams().StageFatalRatio,
		MaxSurvivors: m.opts.Pipeline.NewsSurvivors,
		Evaluate: func(ctx context.Context, c model.Candidate) (pipeline.Verdict, error) {
			res, err := resilience.Call(ctx, g, func(ctx context.Context) (services.NewsResult, error) {
				resp, err := m.svc.News.Sentiment(ctx, services.SymbolsRequest{CycleID: r.cycle.ID, Symbols: []string{c.Symbol}})
				if err != nil {
					return services.NewsResult{}, err
				}
				return services.NewsFor(resp, c.Symbol)
			})
			if err != nil {
				return pipeline.Verdict{}, err
			}
			c.Sentiment, c.Catalysts = res.Sentiment, res.Catalysts
			c.Side = model.SideBuy
			if res.Sentiment < 0 {
				c.Side = model.SideSell
			}
			score := math.Abs(res.Sentiment)
			return pipeline.Verdict{Candidate: c, Score: score, Keep: score >= p.NewsThreshold}, nil
		},
	}
}

func (m *Manager) patternStage(r *run, p mode.Params) pipeline.Stage {
	g := m.guard.Get(services.NamePattern)
	return pipeline.Stage{
		Name:         model.StagePattern,
		Concurrency:  m.opts.Pipeline.Concurrency,
		FatalRatio:   m.riskParams().StageFatalRatio,
		MaxSurvivors: m.opts.Pipeline.PatternSurvivors,
		Evaluate: func(ctx context.Context, c model.Candidate) (pipeline.Verdict, error) {
			res, err := resilience.Call(ctx, g, func(ctx context.Context) (services.PatternResult, error) {
				resp, err := m.svc.Patterns.Patterns(ctx, services.SymbolsRequest{CycleID: r.cycle.ID, Symbols: []string{c.Symbol}})
				if err != nil {
					return services.PatternResult{}, err
				}
				return services.PatternFor(resp, c.Symbol)
			})
			if err != nil {
				return pipeline.Verdict{}, err
			}
			c.PatternConfidence, c.Pattern = res.Confidence, res.Pattern
			return pipeline.Verdict{Candidate: c, Score: res.Confidence, Keep: res.Confidence >= p.PatternConfidenceMin}, nil
		},
	}
}

func (m *Manager) technicalStage(r *run, p mode.Params) pipeline.Stage {
	g := m.guard.Get(services.NameTechnical)
	return pipeline.Stage{
		Name:         model.StageTechnical,
		Concurrency:  m.opts.Pipeline.Concurrency,
		FatalRatio:   m.riskParams().StageFatalRatio,
		MaxSurvivors: m.opts.Pipeline.TechnicalSurvivor,
		Evaluate: func(ctx context.Context, c model.Candidate) (pipeline.Verdict, error) {
			res, err := resilience.Call(ctx, g, func(ctx context.Context) (services.TechnicalResult, error) {
				resp, err := m.svc.Technical.Signals(ctx, services.TechnicalRequest{
					CycleID: r.cycle.ID,
					Symbols: []string{c.Symbol},
					Sides:   map[string]model.Side{c.Symbol: c.Side},
				})
				if err != nil {
					return services.TechnicalResult{}, err
				}
				return services.TechnicalFor(resp, c.Symbol, c.Side)
			})
			if err != nil {
				return pipeline.Verdict{}, err
			}
			c.SignalStrength = res.Strength
			c.EntryPrice, c.StopPrice, c.TargetPrice = res.Entry, res.Stop, res.Target
			return pipeline.Verdict{Candidate: c, Score: res.Strength, Keep: res.Strength >= p.TechnicalSignalMin}, nil
		},
	}
}

// runStage executes one stage, lets post adjust the result, then persists
// and audits it before anything else happens. It returns false once the
// run has been moved on (failed, stopped or emergency-stopped).
func (m *Manager) runStage(r *run, st pipeline.Stage, in []model.Candidate, post func(res *pipeline.Result)) (pipeline.Result, bool) {
	res, err := m.exec.Run(r.ctx, r.stop, st, r.cycle.ID, in)
	if err == nil && post != nil {
		post(&res)
	}
	m.record(r, res)

	if err != nil {
		rate := res.Rate
		var fatal *pipeline.StageFatalError
		if errors.As(err, &fatal) {
			rate = fatal.Rate
		}
		m.fail(r, st.Name, rate, err)
		return res, false
	}
	if res.Stopped {
		m.closeOut(r, model.OutcomeStopped)
		return res, false
	}
	return res, true
}

// record persists the non-cancelled stage results and audits the stage
func (m *Manager) record(r *run, res pipeline.Result) {
	recs := make([]model.StageResult, 0, len(res.Records))
	for _, rec := range res.Records {
		if rec.Reason == model.ReasonCancelled {
			continue
		}
		recs = append(recs, rec)
	}
	if len(recs) > 0 {
		if err := m.store.AppendStageResults(context.WithoutCancel(r.ctx), recs); err != nil {
			observ.Error("stage_results_persist_failed", map[string]any{
				"cycle_id": r.cycle.ID,
				"stage":    string(res.Stage),
				"error":    err,
			})
		}
	}

	counts := StageCounts{Kept: len(res.Survivors), Dropped: len(recs) - len(res.Survivors)}
	m.mu.Lock()
	r.counts[res.Stage] = counts
	m.mu.Unlock()

	m.audit.Record(r.ctx, model.Event{
		CycleID: r.cycle.ID,
		Type:    model.EventStageCompleted,
		Stage:   res.Stage,
		Fields: map[string]any{
			"kept":         counts.Kept,
			"dropped":      counts.Dropped,
			"attempted":    res.Attempted,
			"failed":       res.Failed,
			"cancelled":    res.Cancelled,
			"failure_rate": res.Rate,
			"duration_ms":  res.Duration.Milliseconds(),
			"stopped":      res.Stopped,
		},
	})
}

func (m *Manager) fail(r *run, stage model.Stage, rate float64, err error) {
	m.audit.Record(r.ctx, model.Event{
		CycleID: r.cycle.ID,
		Type:    model.EventStageFailed,
		Stage:   stage,
		Message: err.Error(),
		Fields:  map[string]any{"failure_rate": rate},
	})
	m.transition(r, model.StateFailed, func(c *model.TradingCycle) {
		c.Outcome = model.OutcomeFailed
		c.FailedStage = stage
		c.FailureRate = rate
	})
}

// closeOut moves the run to CLOSING, closes what the cycle still holds and
// completes it with the summed P&L. A requested stop always reports the
// stopped outcome.
func (m *Manager) closeOut(r *run, outcome string) {
	if r.stopRequested() {
		outcome = model.OutcomeStopped
	}
	if !m.transition(r, model.StateClosing, nil) {
		return
	}

	// the run context may already be cancelled by the stop grace timer
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.ctx), m.opts.LiquidationTimeout)
	defer cancel()
	m.closePositions(ctx, r)

	pnl := decimal.Zero
	for _, p := range m.view.ForCycle(r.cycle.ID) {
		pnl = pnl.Add(decimal.NewFromFloat(p.PnL()))
	}
	m.transition(r, model.StateCompleted, func(c *model.TradingCycle) {
		c.Outcome = outcome
		c.PnL = pnl.InexactFloat64()
	})
}
