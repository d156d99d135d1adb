package cycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/cycle-coordinator/internal/config"
	"github.com/Rajchodisetti/cycle-coordinator/internal/model"
	"github.com/Rajchodisetti/cycle-coordinator/internal/resilience"
	"github.com/Rajchodisetti/cycle-coordinator/internal/services"
	"github.com/Rajchodisetti/cycle-coordinator/internal/store"
)

// fakeServices answers every stage with passing values unless a func
// field overrides it. The broker is the simulated position book.
type fakeServices struct {
	*services.Simulated
	symbols []string

	scan      func(ctx context.Context, req services.ScanRequest) (services.ScanResponse, error)
	sentiment func(ctx context.Context, req services.SymbolsRequest) (services.NewsResponse, error)
	patterns  func(ctx context.Context, req services.SymbolsRequest) (services.PatternResponse, error)
	validate  func(ctx context.Context, req services.RiskRequest) (services.RiskResponse, error)

	scans    atomic.Int32
	executes atomic.Int32
}

func newFakeServices(n int) *fakeServices {
	f := &fakeServices{Simulated: services.NewSimulated(7, nil)}
	for i := 0; i < n; i++ {
		f.symbols = append(f.symbols, fmt.Sprintf("S%02d", i))
	}
	return f
}

func (f *fakeServices) collaborators() services.Collaborators {
	return services.Collaborators{Scanner: f, News: f, Patterns: f, Technical: f, Risk: f, Broker: f}
}

func (f *fakeServices) Scan(ctx context.Context, req services.ScanRequest) (services.ScanResponse, error) {
	f.scans.Add(1)
	if f.scan != nil {
		return f.scan(ctx, req)
	}
	var resp services.ScanResponse
	for i, s := range f.symbols {
		resp.Candidates = append(resp.Candidates, services.ScanCandidate{Symbol: s, Score: 1 - float64(i)/100})
	}
	return resp, nil
}

func (f *fakeServices) Sentiment(ctx context.Context, req services.SymbolsRequest) (services.NewsResponse, error) {
	if f.sentiment != nil {
		return f.sentiment(ctx, req)
	}
	resp := services.NewsResponse{Results: map[string]services.NewsResult{}}
	for _, s := range req.Symbols {
		resp.Results[s] = services.NewsResult{Sentiment: 0.9}
	}
	return resp, nil
}

func (f *fakeServices) Patterns(ctx context.Context, req services.SymbolsRequest) (services.PatternResponse, error) {
	if f.patterns != nil {
		return f.patterns(ctx, req)
	}
	return passingPatterns(req), nil
}

func passingPatterns(req services.SymbolsRequest) services.PatternResponse {
	resp := services.PatternResponse{Results: map[string]services.PatternResult{}}
	for _, s := range req.Symbols {
		resp.Results[s] = services.PatternResult{Confidence: 0.9, Pattern: "breakout"}
	}
	return resp
}

func (f *fakeServices) Signals(_ context.Context, req services.TechnicalRequest) (services.TechnicalResponse, error) {
	resp := services.TechnicalResponse{Results: map[string]services.TechnicalResult{}}
	for _, s := range req.Symbols {
		resp.Results[s] = services.TechnicalResult{Strength: 0.9, Entry: 100, Stop: 98, Target: 104}
	}
	return resp, nil
}

// Validate approves everything: 10 shares risking 2 per share
func (f *fakeServices) Validate(ctx context.Context, req services.RiskRequest) (services.RiskResponse, error) {
	if f.validate != nil {
		return f.validate(ctx, req)
	}
	return services.RiskResponse{Approved: true, PositionSize: 10, StopLoss: req.Candidate.StopPrice}, nil
}

func (f *fakeServices) Execute(ctx context.Context, req services.OrderRequest) (services.OrderResponse, error) {
	f.executes.Add(1)
	return f.Simulated.Execute(ctx, req)
}

func (f *fakeServices) openPositions(t *testing.T) []model.Position {
	t.Helper()
	ps, err := f.Simulated.OpenPositions(context.Background())
	require.NoError(t, err)
	return ps
}

type harness struct {
	m   *Manager
	mem *store.Memory
	f   *fakeServices
}

func newHarness(t *testing.T, f *fakeServices, adjust func(cfg *config.Root, opts *Options)) *harness {
	t.Helper()
	cfg := config.Default()
	cfg.Retry.BaseDelayMs = 1
	cfg.Retry.MaxDelayMs = 5
	opts := Options{
		DefaultMode: model.ModeNormal,
		Pipeline:    cfg.Pipeline,
		Risk: RiskParams{
			MaxConcurrentPositions: 5,
			RiskBudget:             10000,
			StageFatalRatio:        0.5,
		},
		StopGrace:          5 * time.Second,
		LiquidationTimeout: 2 * time.Second,
		LiquidationPoll:    10 * time.Millisecond,
		MonitorInterval:    10 * time.Millisecond,
		MonitorWindow:      50 * time.Millisecond,
	}
	if adjust != nil {
		adjust(&cfg, &opts)
	}

	mem := store.NewMemory()
	m, err := NewManager(opts, Deps{
		Store:    mem,
		Services: f.collaborators(),
		Guards:   resilience.NewGuards(cfg, time.Now),
	})
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return &harness{m: m, mem: mem, f: f}
}

func (h *harness) startAndWait(t *testing.T) model.TradingCycle {
	t.Helper()
	id, err := h.m.StartCycle(context.Background(), "")
	require.NoError(t, err)
	return h.wait(t, id)
}

func (h *harness) wait(t *testing.T, id string) model.TradingCycle {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, h.m.Wait(ctx, id))
	c, err := h.m.Cycle(id)
	require.NoError(t, err)
	return c
}

func (h *harness) events(t *testing.T, id, typ string) []model.Event {
	t.Helper()
	all, err := h.mem.ListEvents(context.Background(), id)
	require.NoError(t, err)
	var out []model.Event
	for _, e := range all {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func (h *harness) results(t *testing.T, id string, stage model.Stage) []model.StageResult {
	t.Helper()
	all, err := h.mem.ListStageResults(context.Background(), id)
	require.NoError(t, err)
	var out []model.StageResult
	for _, r := range all {
		if r.Stage == stage {
			out = append(out, r)
		}
	}
	return out
}

// visited lists the states a cycle moved through, in order
func (h *harness) visited(t *testing.T, id string) []model.CycleState {
	var out []model.CycleState
	for _, e := range h.events(t, id, model.EventStateChanged) {
		out = append(out, e.To)
	}
	return out
}

func TestManager_HappyPath(t *testing.T) {
	h := newHarness(t, newFakeServices(10), nil)
	c := h.startAndWait(t)

	assert.Equal(t, model.StateCompleted, c.State)
	assert.Equal(t, model.OutcomeTradesExecuted, c.Outcome)
	assert.NotNil(t, c.EndedAt)
	assert.Equal(t, []model.CycleState{
		model.StateScanning, model.StateFilterNews, model.StateFilterPattern, model.StateFilterTechnical,
		model.StateRiskValidation, model.StateExecuting, model.StateMonitoring, model.StateClosing, model.StateCompleted,
	}, h.visited(t, c.ID))

	// five free slots: five approvals are refused locally
	assert.EqualValues(t, 5, h.f.executes.Load())
	assert.Len(t, h.events(t, c.ID, model.EventRiskInvariantViolation), 5)
	assert.Len(t, h.events(t, c.ID, model.EventOrderExecuted), 5)
	assert.InDelta(t, 100.0, c.RiskConsumed, 1e-9)
	assert.Empty(t, h.f.openPositions(t), "closing leaves nothing open")

	snap := h.m.Status()
	require.NotNil(t, snap.Cycle)
	assert.False(t, snap.Active)
	assert.Equal(t, StageCounts{Kept: 10}, snap.Stages[model.StageTechnical])
	assert.Equal(t, StageCounts{Kept: 5, Dropped: 5}, snap.Stages[model.StageRisk])
	assert.Len(t, snap.Positions, 5)
	assert.Zero(t, snap.ExposureUSD)

	require.Len(t, snap.RiskDecisions, 10)
	approvedN := 0
	for _, d := range snap.RiskDecisions {
		if d.Approved {
			approvedN++
			assert.Equal(t, 10.0, d.PositionSize)
			assert.InDelta(t, 20.0, d.RiskAmount, 1e-9)
			continue
		}
		assert.Equal(t, model.ReasonMaxPositions, d.RejectionReason)
	}
	assert.Equal(t, 5, approvedN)
	assert.Len(t, h.events(t, c.ID, model.EventRiskDecision), 10)
	require.Len(t, snap.Orders, 5)
	for _, o := range snap.Orders {
		assert.NotEmpty(t, o.ID)
		assert.Equal(t, c.ID, o.CycleID)
		assert.Equal(t, 10.0, o.Quantity)
	}

	risk := h.results(t, c.ID, model.StageRisk)
	require.Len(t, risk, 10)
	reasons := map[string]int{}
	for _, r := range risk {
		reasons[r.Reason]++
	}
	assert.Equal(t, map[string]int{model.ReasonPassed: 5, model.ReasonMaxPositions: 5}, reasons)

	stored, err := h.mem.GetCycle(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateCompleted, stored.State)
	open, err := h.mem.OpenPositions(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestManager_RiskBudgetNeverExceeded(t *testing.T) {
	h := newHarness(t, newFakeServices(10), func(_ *config.Root, o *Options) {
		o.Risk.RiskBudget = 50
	})
	c := h.startAndWait(t)

	// each approval risks 10 × 2 = 20; only two fit in 50
	assert.EqualValues(t, 2, h.f.executes.Load())
	assert.LessOrEqual(t, c.RiskConsumed, 50.0)
	violations := h.events(t, c.ID, model.EventRiskInvariantViolation)
	require.Len(t, violations, 8)
	for _, v := range violations {
		assert.Equal(t, model.ReasonRiskBudget, v.Fields["reason"])
	}
	assert.Equal(t, model.StateCompleted, c.State)
}

func TestManager_ApprovalWithoutStopDistanceIsRefused(t *testing.T) {
	f := newFakeServices(10)
	f.validate = func(_ context.Context, req services.RiskRequest) (services.RiskResponse, error) {
		// a stop at entry would make a huge position look riskless
		return services.RiskResponse{Approved: true, PositionSize: 1e6, StopLoss: req.Candidate.EntryPrice}, nil
	}
	h := newHarness(t, f, func(_ *config.Root, o *Options) {
		o.Risk.RiskBudget = 50
	})
	c := h.startAndWait(t)

	assert.Zero(t, f.executes.Load(), "no order may be placed")
	assert.Empty(t, f.openPositions(t))
	assert.LessOrEqual(t, c.RiskConsumed, 50.0)
	assert.Equal(t, model.StateFailed, c.State)
	assert.Equal(t, model.StageRisk, c.FailedStage)
	for _, r := range h.results(t, c.ID, model.StageRisk) {
		assert.False(t, r.Kept(), r.Symbol)
		assert.Contains(t, []string{model.ReasonInvalidResponse, model.ReasonCircuitOpen}, r.Reason)
	}
}

func TestManager_RiskTimeoutsFailCycle(t *testing.T) {
	f := newFakeServices(10)
	var riskCalls atomic.Int32
	f.validate = func(ctx context.Context, _ services.RiskRequest) (services.RiskResponse, error) {
		riskCalls.Add(1)
		<-ctx.Done()
		return services.RiskResponse{}, ctx.Err()
	}
	h := newHarness(t, f, func(cfg *config.Root, _ *Options) {
		cfg.Services.Risk.TimeoutMs = 20
	})
	c := h.startAndWait(t)

	assert.Equal(t, model.StateFailed, c.State)
	assert.Equal(t, model.OutcomeFailed, c.Outcome)
	assert.Equal(t, model.StageRisk, c.FailedStage)
	assert.Equal(t, 1.0, c.FailureRate)
	assert.Zero(t, f.executes.Load(), "no order may be placed")
	assert.GreaterOrEqual(t, riskCalls.Load(), int32(5))
	assert.Empty(t, h.results(t, c.ID, model.StageExecution))
	assert.Len(t, h.events(t, c.ID, model.EventStageFailed), 1)
}

func TestManager_StopDuringPatternFinalizesSurvivors(t *testing.T) {
	f := newFakeServices(10)
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	f.patterns = func(ctx context.Context, req services.SymbolsRequest) (services.PatternResponse, error) {
		once.Do(func() { close(started) })
		select {
		case <-release:
		case <-ctx.Done():
			return services.PatternResponse{}, ctx.Err()
		}
		return passingPatterns(req), nil
	}
	h := newHarness(t, f, nil)

	id, err := h.m.StartCycle(context.Background(), "")
	require.NoError(t, err)
	<-started

	stopped := make(chan error, 1)
	go func() { stopped <- h.m.StopCycle(context.Background(), id) }()
	require.Eventually(t, func() bool {
		return len(h.events(t, id, model.EventStopRequested)) == 1
	}, 2*time.Second, 5*time.Millisecond)
	close(release)

	select {
	case err := <-stopped:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("stop did not return")
	}
	c := h.wait(t, id)

	assert.Equal(t, model.StateCompleted, c.State)
	assert.Equal(t, model.OutcomeStopped, c.Outcome)
	states := h.visited(t, id)
	require.GreaterOrEqual(t, len(states), 2)
	assert.Equal(t, []model.CycleState{model.StateFilterPattern, model.StateClosing, model.StateCompleted}, states[len(states)-3:])

	pattern := h.results(t, id, model.StagePattern)
	assert.Len(t, pattern, 10, "in-flight calls finish and are recorded")
	assert.Empty(t, h.results(t, id, model.StageTechnical))
	assert.Zero(t, f.executes.Load())

	// stopping a finished cycle is a no-op
	require.NoError(t, h.m.StopCycle(context.Background(), id))
}

func TestManager_EmergencyStopIsIdempotent(t *testing.T) {
	h := newHarness(t, newFakeServices(4), func(_ *config.Root, o *Options) {
		o.MonitorInterval = time.Second
		o.MonitorWindow = 30 * time.Second
	})
	id, err := h.m.StartCycle(context.Background(), "")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		c, err := h.m.Cycle(id)
		return err == nil && c.State == model.StateMonitoring
	}, 5*time.Second, 5*time.Millisecond)
	require.Len(t, h.f.openPositions(t), 4)

	ctx := context.Background()
	require.NoError(t, h.m.EmergencyStop(ctx, id, "operator"))
	require.NoError(t, h.m.EmergencyStop(ctx, id, "operator again"))

	c := h.wait(t, id)
	assert.Equal(t, model.StateEmergencyStopped, c.State)
	assert.Equal(t, model.OutcomeEmergencyStopped, c.Outcome)
	assert.False(t, c.Flushing)
	assert.Equal(t, "operator", c.StopReason)
	assert.Empty(t, h.f.openPositions(t))
	assert.Len(t, h.events(t, id, model.EventEmergencyStop), 1)
	assert.Len(t, h.events(t, id, model.EventLiquidationConfirmed), 1)
	assert.NotContains(t, h.visited(t, id), model.StateClosing)

	// the slot is free again once flushed
	_, err = h.m.StartCycle(ctx, "")
	require.NoError(t, err)
}

func TestManager_EmergencyStopDuringFilterCancelsInFlight(t *testing.T) {
	f := newFakeServices(10)
	started := make(chan struct{})
	var once sync.Once
	var patternCalls atomic.Int32
	f.patterns = func(ctx context.Context, _ services.SymbolsRequest) (services.PatternResponse, error) {
		patternCalls.Add(1)
		once.Do(func() { close(started) })
		<-ctx.Done()
		return services.PatternResponse{}, ctx.Err()
	}
	h := newHarness(t, f, nil)

	id, err := h.m.StartCycle(context.Background(), "")
	require.NoError(t, err)
	<-started
	require.NoError(t, h.m.EmergencyStop(context.Background(), id, "halt"))

	c := h.wait(t, id)
	assert.Equal(t, model.StateEmergencyStopped, c.State)
	assert.Equal(t, model.OutcomeEmergencyStopped, c.Outcome)
	assert.Equal(t, "halt", c.StopReason)
	assert.False(t, c.Flushing)

	states := h.visited(t, id)
	require.NotEmpty(t, states)
	assert.Equal(t, model.StateEmergencyStopped, states[len(states)-1])
	assert.Contains(t, states, model.StateFilterPattern)
	assert.NotContains(t, states, model.StateClosing)

	assert.Len(t, h.results(t, id, model.StageNews), 10)
	assert.Empty(t, h.results(t, id, model.StagePattern), "cancelled calls leave no result")
	assert.Empty(t, h.results(t, id, model.StageTechnical))
	assert.Zero(t, f.executes.Load())
	assert.LessOrEqual(t, patternCalls.Load(), int32(10), "cancelled calls are not retried")
}

func TestManager_ModeChangeAppliesFromNextStage(t *testing.T) {
	f := newFakeServices(10)
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	f.sentiment = func(ctx context.Context, req services.SymbolsRequest) (services.NewsResponse, error) {
		once.Do(func() { close(started) })
		select {
		case <-release:
		case <-ctx.Done():
			return services.NewsResponse{}, ctx.Err()
		}
		// passes normal (0.30) but not conservative (0.45)
		resp := services.NewsResponse{Results: map[string]services.NewsResult{}}
		for _, s := range req.Symbols {
			resp.Results[s] = services.NewsResult{Sentiment: 0.4}
		}
		return resp, nil
	}
	f.patterns = func(_ context.Context, req services.SymbolsRequest) (services.PatternResponse, error) {
		// passes normal (0.65) but not conservative (0.75)
		resp := services.PatternResponse{Results: map[string]services.PatternResult{}}
		for _, s := range req.Symbols {
			resp.Results[s] = services.PatternResult{Confidence: 0.7, Pattern: "flag"}
		}
		return resp, nil
	}
	h := newHarness(t, f, nil)
	ctx := context.Background()

	id, err := h.m.StartCycle(ctx, model.ModeNormal)
	require.NoError(t, err)
	<-started
	require.NoError(t, h.m.SetMode(ctx, model.ModeConservative))
	close(release)

	c := h.wait(t, id)
	assert.Equal(t, model.ModeConservative, c.Mode)
	assert.Equal(t, model.OutcomeNoCandidatesFound, c.Outcome)

	news := h.results(t, id, model.StageNews)
	require.Len(t, news, 10)
	for _, r := range news {
		assert.Equal(t, model.ReasonPassed, r.Reason, "news kept the threshold it started with")
	}
	pattern := h.results(t, id, model.StagePattern)
	require.Len(t, pattern, 10)
	for _, r := range pattern {
		assert.Equal(t, model.ReasonBelowThreshold, r.Reason, "pattern used the conservative minimum")
	}

	changes := h.events(t, id, model.EventModeChanged)
	require.Len(t, changes, 1)
	assert.Equal(t, "normal", changes[0].Fields["from"])
	assert.Equal(t, "conservative", changes[0].Fields["to"])
}

func TestManager_RecoverLeftoverCycle(t *testing.T) {
	seed := func(t *testing.T, h *harness) {
		t.Helper()
		ctx := context.Background()
		orphan := model.TradingCycle{
			ID:         "orphan",
			Mode:       model.ModeNormal,
			State:      model.StateFilterNews,
			StartedAt:  time.Now().UTC(),
			RiskBudget: 1000,
		}
		require.NoError(t, h.mem.CreateCycle(ctx, orphan))
		_, err := h.f.Simulated.Execute(ctx, services.OrderRequest{
			ClientOrderID: "orphan:AAPL", CycleID: "orphan", Symbol: "AAPL", Side: model.SideBuy, Quantity: 5, EntryPrice: 150,
		})
		require.NoError(t, err)
	}
	assertFreed := func(t *testing.T, h *harness) {
		t.Helper()
		c := h.wait(t, "orphan")
		assert.Equal(t, model.StateEmergencyStopped, c.State)
		assert.Equal(t, model.OutcomeEmergencyStopped, c.Outcome)
		assert.Equal(t, recoveredReason, c.StopReason)
		assert.False(t, c.Flushing)
		assert.Empty(t, h.f.openPositions(t))

		stored, err := h.mem.GetCycle(context.Background(), "orphan")
		require.NoError(t, err)
		assert.False(t, stored.Active())
		recovered := h.events(t, "orphan", model.EventCycleRecovered)
		require.Len(t, recovered, 1)
		assert.Equal(t, string(model.StateFilterNews), recovered[0].Fields["state"])
		assert.Equal(t, true, recovered[0].Fields["flushing"])
		assert.Len(t, h.events(t, "orphan", model.EventLiquidationConfirmed), 1)

		id, err := h.m.StartCycle(context.Background(), "")
		require.NoError(t, err, "the slot is free again")
		h.wait(t, id)
	}

	t.Run("on startup", func(t *testing.T) {
		h := newHarness(t, newFakeServices(0), nil)
		seed(t, h)
		ctx := context.Background()

		_, err := h.m.StartCycle(ctx, "")
		require.ErrorIs(t, err, ErrCycleAlreadyActive)

		require.NoError(t, h.m.Recover(ctx))
		snap := h.m.Status()
		require.NotNil(t, snap.Cycle)
		assert.Equal(t, "orphan", snap.Cycle.ID)
		assert.Equal(t, model.StateEmergencyStopped, snap.Cycle.State)

		// already stopped: both are no-ops rather than not-found
		assert.NoError(t, h.m.StopCycle(ctx, "orphan"))
		assert.NoError(t, h.m.EmergencyStop(ctx, "orphan", "again"))
		assertFreed(t, h)
	})

	t.Run("stop command", func(t *testing.T) {
		h := newHarness(t, newFakeServices(0), nil)
		seed(t, h)
		assert.NoError(t, h.m.StopCycle(context.Background(), "orphan"))
		assertFreed(t, h)
	})

	t.Run("emergency stop command", func(t *testing.T) {
		h := newHarness(t, newFakeServices(0), nil)
		seed(t, h)
		require.NoError(t, h.m.EmergencyStopActive(context.Background(), "flatten"))
		assertFreed(t, h)
	})

	t.Run("nothing to recover", func(t *testing.T) {
		h := newHarness(t, newFakeServices(0), nil)
		require.NoError(t, h.m.Recover(context.Background()))
		assert.False(t, h.m.Active())
		assert.Nil(t, h.m.Status().Cycle)
	})
}

func TestManager_EmergencyStopWithoutCycleLiquidates(t *testing.T) {
	f := newFakeServices(0)
	h := newHarness(t, f, nil)
	_, err := f.Simulated.Execute(context.Background(), services.OrderRequest{
		ClientOrderID: "old:AAPL", CycleID: "old", Symbol: "AAPL", Side: model.SideBuy, Quantity: 5, EntryPrice: 150,
	})
	require.NoError(t, err)

	require.NoError(t, h.m.EmergencyStopActive(context.Background(), "manual flatten"))
	require.Eventually(t, func() bool {
		return len(h.events(t, "", model.EventLiquidationConfirmed)) == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Empty(t, f.openPositions(t))
	assert.Len(t, h.events(t, "", model.EventEmergencyStop), 1)
}

func TestManager_NoCandidates(t *testing.T) {
	t.Run("empty scan", func(t *testing.T) {
		h := newHarness(t, newFakeServices(0), nil)
		c := h.startAndWait(t)
		assert.Equal(t, model.StateCompleted, c.State)
		assert.Equal(t, model.OutcomeNoCandidatesFound, c.Outcome)
		assert.Equal(t, []model.CycleState{model.StateScanning, model.StateClosing, model.StateCompleted}, h.visited(t, c.ID))
	})

	t.Run("news drops everything", func(t *testing.T) {
		f := newFakeServices(6)
		f.sentiment = func(_ context.Context, req services.SymbolsRequest) (services.NewsResponse, error) {
			resp := services.NewsResponse{Results: map[string]services.NewsResult{}}
			for _, s := range req.Symbols {
				resp.Results[s] = services.NewsResult{Sentiment: -0.1}
			}
			return resp, nil
		}
		h := newHarness(t, f, nil)
		c := h.startAndWait(t)
		assert.Equal(t, model.OutcomeNoCandidatesFound, c.Outcome)
		news := h.results(t, c.ID, model.StageNews)
		require.Len(t, news, 6)
		for _, r := range news {
			assert.Equal(t, model.ReasonBelowThreshold, r.Reason)
		}
	})

	t.Run("risk rejects everything", func(t *testing.T) {
		f := newFakeServices(3)
		f.validate = func(context.Context, services.RiskRequest) (services.RiskResponse, error) {
			return services.RiskResponse{Approved: false, Reason: "sector limit"}, nil
		}
		h := newHarness(t, f, nil)
		c := h.startAndWait(t)
		assert.Equal(t, model.StateCompleted, c.State)
		assert.Equal(t, model.OutcomeNoCandidatesFound, c.Outcome)
		assert.Zero(t, f.executes.Load())
		for _, r := range h.results(t, c.ID, model.StageRisk) {
			assert.Equal(t, model.ReasonRiskRejected, r.Reason)
		}
		decisions := h.events(t, c.ID, model.EventRiskDecision)
		require.Len(t, decisions, 3)
		for _, e := range decisions {
			assert.Equal(t, false, e.Fields["approved"])
			assert.Equal(t, "sector limit", e.Message, "the collaborator's reason is kept")
		}
	})
}

func TestManager_ScanFailureFailsCycle(t *testing.T) {
	f := newFakeServices(5)
	f.scan = func(context.Context, services.ScanRequest) (services.ScanResponse, error) {
		return services.ScanResponse{}, services.NewTransientError(services.NameScan, "", "upstream 503", nil)
	}
	h := newHarness(t, f, nil)
	c := h.startAndWait(t)

	assert.Equal(t, model.StateFailed, c.State)
	assert.Equal(t, model.StageScan, c.FailedStage)
	assert.EqualValues(t, 3, f.scans.Load(), "transient scan errors are retried")
}

func TestManager_SingleActiveCycle(t *testing.T) {
	f := newFakeServices(5)
	f.scan = func(ctx context.Context, _ services.ScanRequest) (services.ScanResponse, error) {
		<-ctx.Done()
		return services.ScanResponse{}, ctx.Err()
	}
	h := newHarness(t, f, func(cfg *config.Root, _ *Options) {
		cfg.Services.Scan.TimeoutMs = 60000
	})
	ctx := context.Background()

	id, err := h.m.StartCycle(ctx, model.ModeAggressive)
	require.NoError(t, err)
	assert.True(t, h.m.Active())

	_, err = h.m.StartCycle(ctx, "")
	assert.ErrorIs(t, err, ErrCycleAlreadyActive)

	snap := h.m.Status()
	require.NotNil(t, snap.Cycle)
	assert.Equal(t, id, snap.Cycle.ID)
	assert.Equal(t, model.ModeAggressive, snap.Params.Mode)
	assert.Contains(t, snap.Breakers, services.NameScan)

	require.NoError(t, h.m.EmergencyStop(ctx, id, "test cleanup"))
	h.wait(t, id)
}

func TestManager_StopGraceCancelsInFlight(t *testing.T) {
	f := newFakeServices(5)
	f.scan = func(ctx context.Context, _ services.ScanRequest) (services.ScanResponse, error) {
		<-ctx.Done()
		return services.ScanResponse{}, ctx.Err()
	}
	h := newHarness(t, f, func(cfg *config.Root, o *Options) {
		cfg.Services.Scan.TimeoutMs = 60000
		o.StopGrace = 20 * time.Millisecond
	})
	id, err := h.m.StartCycle(context.Background(), "")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.m.StopCycle(ctx, id))

	c, err := h.m.Cycle(id)
	require.NoError(t, err)
	assert.Equal(t, model.StateCompleted, c.State)
	assert.Equal(t, model.OutcomeStopped, c.Outcome)
}

func TestManager_UnknownCycle(t *testing.T) {
	h := newHarness(t, newFakeServices(0), nil)
	ctx := context.Background()
	assert.ErrorIs(t, h.m.StopCycle(ctx, "nope"), ErrCycleNotFound)
	assert.ErrorIs(t, h.m.EmergencyStop(ctx, "nope", ""), ErrCycleNotFound)
	assert.ErrorIs(t, h.m.Wait(ctx, "nope"), ErrCycleNotFound)
	_, err := h.m.Cycle("nope")
	assert.ErrorIs(t, err, ErrCycleNotFound)
}

func TestManager_UpdateRiskParametersAndMode(t *testing.T) {
	h := newHarness(t, newFakeServices(0), nil)
	ctx := context.Background()

	err := h.m.UpdateRiskParameters(ctx, RiskParams{MaxConcurrentPositions: 0, RiskBudget: 100, StageFatalRatio: 0.5})
	assert.ErrorIs(t, err, ErrInvalidParameters)
	err = h.m.UpdateRiskParameters(ctx, RiskParams{MaxConcurrentPositions: 3, RiskBudget: -1, StageFatalRatio: 0.5})
	assert.ErrorIs(t, err, ErrInvalidParameters)
	err = h.m.UpdateRiskParameters(ctx, RiskParams{MaxConcurrentPositions: 3, RiskBudget: 500, StageFatalRatio: 1.5})
	assert.ErrorIs(t, err, ErrInvalidParameters)

	want := RiskParams{MaxConcurrentPositions: 3, RiskBudget: 500, StageFatalRatio: 0.4}
	require.NoError(t, h.m.UpdateRiskParameters(ctx, want))
	assert.Equal(t, want, h.m.Status().Risk)

	assert.ErrorIs(t, h.m.SetMode(ctx, "yolo"), ErrInvalidParameters)
	require.NoError(t, h.m.SetMode(ctx, model.ModeConservative))
	assert.Equal(t, model.ModeConservative, h.m.Mode())

	c := h.startAndWait(t)
	assert.Equal(t, model.ModeConservative, c.Mode)
	assert.Equal(t, 500.0, c.RiskBudget)
	assert.Len(t, h.events(t, "", model.EventRiskParametersUpdated), 1)
}

func TestEnforceRisk(t *testing.T) {
	cand := func(sym string, size, entry, stop float64) model.Candidate {
		return model.Candidate{Symbol: sym, PositionSize: size, EntryPrice: entry, StopPrice: stop}
	}
	approved := []model.Candidate{
		cand("A", 10, 100, 98),  // 20
		cand("B", 100, 10, 9.5), // 50
		cand("C", 5, 50, 49),    // 5
		cand("D", 1, 10, 9),     // 1
	}

	kept, violations, used := enforceRisk(approved, 5, decimal.NewFromInt(60))
	require.Len(t, kept, 3)
	assert.Equal(t, []string{"A", "C", "D"}, []string{kept[0].Symbol, kept[1].Symbol, kept[2].Symbol})
	require.Len(t, violations, 1)
	assert.Equal(t, "B", violations[0].Symbol)
	assert.Equal(t, model.ReasonRiskBudget, violations[0].Reason)
	assert.True(t, used.Equal(decimal.NewFromInt(26)), used.String())

	kept, violations, _ = enforceRisk(approved, 1, decimal.NewFromInt(1000))
	require.Len(t, kept, 1)
	require.Len(t, violations, 3)
	for _, v := range violations {
		assert.Equal(t, model.ReasonMaxPositions, v.Reason)
	}

	kept, _, _ = enforceRisk(approved, -2, decimal.NewFromInt(1000))
	assert.Empty(t, kept, "no free slots")

	flat := []model.Candidate{cand("Z", 1e6, 100, 100), cand("A", 10, 100, 98)}
	kept, violations, used = enforceRisk(flat, 5, decimal.NewFromInt(50))
	require.Len(t, kept, 1)
	assert.Equal(t, "A", kept[0].Symbol)
	require.Len(t, violations, 1)
	assert.Equal(t, model.ReasonUnmeasuredRisk, violations[0].Reason)
	assert.Contains(t, violations[0].Error(), "no measurable risk")
	assert.True(t, used.Equal(decimal.NewFromInt(20)), used.String())
}

func TestExitReached(t *testing.T) {
	p := model.Position{Quantity: 10, EntryPrice: 100, StopLoss: 98, TakeProfit: 104}
	assert.False(t, exitReached(p))
	p.UnrealizedPnL = -20
	assert.True(t, exitReached(p))
	p.UnrealizedPnL = 39
	assert.False(t, exitReached(p))
	p.UnrealizedPnL = 40
	assert.True(t, exitReached(p))
}

func TestScheduler_StartsCyclesWhenIdle(t *testing.T) {
	f := newFakeServices(0)
	h := newHarness(t, f, nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- NewScheduler(h.m, 10*time.Millisecond).Run(ctx) }()

	require.Eventually(t, func() bool { return f.scans.Load() >= 3 }, 5*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := config.Default()
	opts, err := OptionsFromConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, model.ModeNormal, opts.DefaultMode)
	assert.Equal(t, 5*time.Second, opts.StopGrace)
	assert.Equal(t, 30*time.Second, opts.LiquidationTimeout)
	assert.Equal(t, RiskParams{MaxConcurrentPositions: 5, RiskBudget: 1000, StageFatalRatio: 0.5}, opts.Risk)

	cfg.Cycle.DefaultMode = "reckless"
	_, err = OptionsFromConfig(cfg)
	assert.Error(t, err)
}
