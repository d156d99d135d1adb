package cycle

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Rajchodisetti/cycle-coordinator/internal/audit"
	"github.com/Rajchodisetti/cycle-coordinator/internal/config"
	"github.com/Rajchodisetti/cycle-coordinator/internal/mode"
	"github.com/Rajchodisetti/cycle-coordinator/internal/model"
	"github.com/Rajchodisetti/cycle-coordinator/internal/observ"
	"github.com/Rajchodisetti/cycle-coordinator/internal/pipeline"
	"github.com/Rajchodisetti/cycle-coordinator/internal/portfolio"
	"github.com/Rajchodisetti/cycle-coordinator/internal/resilience"
	"github.com/Rajchodisetti/cycle-coordinator/internal/services"
	"github.com/Rajchodisetti/cycle-coordinator/internal/store"
)

var (
	ErrCycleAlreadyActive     = errors.New("a trading cycle is already active")
	ErrCycleNotFound          = errors.New("trading cycle not found")
	ErrEmergencyStopRequested = errors.New("emergency stop requested")
	ErrInvalidParameters      = errors.New("invalid parameters")

	errStopGraceElapsed = errors.New("stop grace period elapsed")
	errManagerClosed    = errors.New("cycle manager closed")
)

// RiskParams are the coordinator-side limits an operator may change at runtime
type RiskParams struct {
	MaxConcurrentPositions int     `json:"max_concurrent_positions"`
	RiskBudget             float64 `json:"risk_budget"`
	StageFatalRatio        float64 `json:"stage_fatal_ratio"`
}

// Validate refuses limits the coordinator could not enforce
func (p RiskParams) Validate() error {
	if p.MaxConcurrentPositions < 1 {
		return fmt.Errorf("%w: max_concurrent_positions must be >= 1", ErrInvalidParameters)
	}
	if math.IsNaN(p.RiskBudget) || math.IsInf(p.RiskBudget, 0) || p.RiskBudget <= 0 {
		return fmt.Errorf("%w: risk_budget must be a positive amount", ErrInvalidParameters)
	}
	if !(p.StageFatalRatio > 0 && p.StageFatalRatio <= 1) {
		return fmt.Errorf("%w: stage_fatal_ratio must be in (0,1]", ErrInvalidParameters)
	}
	return nil
}

// Options tune a Manager. Zero durations fall back to defaults in NewManager.
type Options struct {
	DefaultMode        model.Mode
	Pipeline           config.Pipeline
	Risk               RiskParams
	StopGrace          time.Duration
	LiquidationTimeout time.Duration
	LiquidationPoll    time.Duration
	MonitorInterval    time.Duration
	MonitorWindow      time.Duration // 0 = scan interval of the cycle's mode
}

// OptionsFromConfig maps the cycle, pipeline and risk sections of the
// config onto manager options
func OptionsFromConfig(cfg config.Root) (Options, error) {
	m, err := mode.Parse(cfg.Cycle.DefaultMode)
	if err != nil {
		return Options{}, err
	}
	opts := Options{
		DefaultMode: m,
		Pipeline:    cfg.Pipeline,
		Risk: RiskParams{
			MaxConcurrentPositions: cfg.Risk.MaxConcurrentPositions,
			RiskBudget:             cfg.Risk.RiskBudget,
			StageFatalRatio:        cfg.Pipeline.StageFatalRatio,
		},
		StopGrace:          cfg.Cycle.StopGrace(),
		LiquidationTimeout: cfg.Cycle.LiquidationTimeout(),
		LiquidationPoll:    500 * time.Millisecond,
		MonitorInterval:    cfg.Cycle.MonitorInterval(),
		MonitorWindow:      cfg.Cycle.MonitorWindow(),
	}
	return opts, opts.Risk.Validate()
}

// Deps are the collaborators a Manager drives
type Deps struct {
	Store    store.Store
	Audit    *audit.Log
	Services services.Collaborators
	Guards   *resilience.Guards
	View     *portfolio.View
}

// StageCounts summarizes one stage of a cycle
type StageCounts struct {
	Kept    int `json:"kept"`
	Dropped int `json:"dropped"`
}

// Snapshot is the answer to a status query
type Snapshot struct {
	Cycle         *model.TradingCycle         `json:"cycle,omitempty"`
	Active        bool                        `json:"active"`
	Mode          model.Mode                  `json:"mode"`
	Params        mode.Params                 `json:"params"`
	Stages        map[model.Stage]StageCounts `json:"stages,omitempty"`
	RiskDecisions []model.RiskDecision        `json:"risk_decisions,omitempty"`
	Orders        []model.TradeOrder          `json:"orders,omitempty"`
	Positions     []model.Position            `json:"positions,omitempty"`
	ExposureUSD   float64                     `json:"exposure_usd"` // open entry notional, all cycles
	Flushing      bool                        `json:"flushing"`
	Risk          RiskParams                  `json:"risk"`
	Breakers      map[string]resilience.State `json:"breakers"`
}

// run is the in-memory handle of one cycle's run loop. Fields other than
// the channels are guarded by Manager.mu.
type run struct {
	cycle     model.TradingCycle
	ctx       context.Context
	cancel    context.CancelCauseFunc
	stop      chan struct{}
	stopOnce  sync.Once
	grace     *time.Timer
	done      chan struct{}
	flushed   chan struct{} // set by emergency stop, closed when liquidation ends
	counts    map[model.Stage]StageCounts
	decisions []model.RiskDecision
	orders    []model.TradeOrder
}

func (r *run) stopRequested() bool {
	select {
	case <-r.stop:
		return true
	default:
		return false
	}
}

// Manager owns the single active trading cycle. It is the only writer of
// cycle state; every transition is validated, persisted and audited.
type Manager struct {
	opts  Options
	store store.Store
	audit *audit.Log
	svc   services.Collaborators
	guard *resilience.Guards
	view  *portfolio.View
	exec  *pipeline.Executor
	now   func() time.Time

	base       context.Context
	cancelBase context.CancelCauseFunc
	wg         sync.WaitGroup

	mu     sync.Mutex
	mode   model.Mode
	risk   RiskParams
	active *run
	last   *run
	runs   map[string]*run

	flushingAll bool // liquidation without a cycle in progress
}

// NewManager validates opts and wires the manager to its dependencies. It
// does not look at the store; call Recover once before serving commands so
// a cycle left active by a previous process is taken over.
func NewManager(opts Options, deps Deps) (*Manager, error) {
	if deps.Store == nil || deps.Guards == nil {
		return nil, fmt.Errorf("cycle manager needs a store and guards")
	}
	if opts.DefaultMode == "" {
		opts.DefaultMode = model.ModeNormal
	}
	if _, err := mode.Resolve(opts.DefaultMode); err != nil {
		return nil, err
	}
	if err := opts.Risk.Validate(); err != nil {
		return nil, err
	}
	if opts.StopGrace <= 0 {
		opts.StopGrace = 5 * time.Second
	}
	if opts.LiquidationTimeout <= 0 {
		opts.LiquidationTimeout = 30 * time.Second
	}
	if opts.LiquidationPoll <= 0 {
		opts.LiquidationPoll = 500 * time.Millisecond
	}
	if opts.MonitorInterval <= 0 {
		opts.MonitorInterval = 2 * time.Second
	}
	if deps.Audit == nil {
		deps.Audit = audit.New(audit.StoreSink{Store: deps.Store})
	}
	if deps.View == nil {
		deps.View = portfolio.NewView()
	}

	base, cancel := context.WithCancelCause(context.Background())
	return &Manager{
		opts:       opts,
		store:      deps.Store,
		audit:      deps.Audit,
		svc:        deps.Services,
		guard:      deps.Guards,
		view:       deps.View,
		exec:       pipeline.New(),
		now:        time.Now,
		base:       base,
		cancelBase: cancel,
		mode:       opts.DefaultMode,
		risk:       opts.Risk,
		runs:       make(map[string]*run),
	}, nil
}

// StartCycle creates a cycle in the given mode ("" = current mode) and
// launches its run loop
func (m *Manager) StartCycle(ctx context.Context, md model.Mode) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.base.Err() != nil {
		return "", errManagerClosed
	}
	if md == "" {
		md = m.mode
	}
	if _, err := mode.Resolve(md); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidParameters, err)
	}
	if m.flushingAll || (m.active != nil && m.active.cycle.Active()) {
		return "", ErrCycleAlreadyActive
	}

	c := model.TradingCycle{
		ID:         uuid.New().String(),
		Mode:       md,
		State:      model.StateIdle,
		StartedAt:  m.now().UTC(),
		RiskBudget: m.risk.RiskBudget,
	}
	if err := m.store.CreateCycle(ctx, c); err != nil {
		if errors.Is(err, store.ErrActiveCycleExists) {
			return "", ErrCycleAlreadyActive
		}
		return "", fmt.Errorf("create cycle: %w", err)
	}

	runCtx, cancel := context.WithCancelCause(m.base)
	r := &run{
		cycle:  c,
		ctx:    runCtx,
		cancel: cancel,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		counts: make(map[model.Stage]StageCounts),
	}
	m.mode = md
	m.runs[c.ID] = r
	m.active, m.last = r, r
	observ.SetCycleActive(true)
	m.audit.Record(ctx, model.Event{
		CycleID: c.ID,
		Type:    model.EventCycleStarted,
		Fields:  map[string]any{"mode": string(md), "risk_budget": c.RiskBudget},
	})

	m.wg.Add(1)
	go m.runLoop(r)
	return c.ID, nil
}

// StopCycle asks a cycle to wind down gracefully. In-flight calls get the
// grace period before their context is cancelled. It blocks until the
// cycle is terminal or ctx is done.
func (m *Manager) StopCycle(ctx context.Context, id string) error {
	r, err := m.lookup(ctx, id)
	if err != nil || r == nil {
		return err
	}

	m.mu.Lock()
	if r.cycle.State.IsTerminal() {
		m.mu.Unlock()
		return nil
	}
	first := false
	r.stopOnce.Do(func() {
		first = true
		close(r.stop)
		r.cycle.StopReason = "stop requested"
		r.grace = time.AfterFunc(m.opts.StopGrace, func() { r.cancel(errStopGraceElapsed) })
	})
	state := r.cycle.State
	m.mu.Unlock()

	if first {
		m.audit.Record(ctx, model.Event{
			CycleID: id,
			Type:    model.EventStopRequested,
			Fields:  map[string]any{"state": string(state), "grace_ms": m.opts.StopGrace.Milliseconds()},
		})
	}

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// lookup finds the run of a cycle. A cycle only the store knows is taken
// over when it still holds the active slot; otherwise it finished earlier
// and lookup returns a nil run.
func (m *Manager) lookup(ctx context.Context, id string) (*run, error) {
	m.mu.Lock()
	r, ok := m.runs[id]
	m.mu.Unlock()
	if ok {
		return r, nil
	}
	c, err := m.store.GetCycle(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrCycleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load cycle %s: %w", id, err)
	}
	if !c.Active() {
		return nil, nil
	}
	return m.adopt(ctx, c), nil
}

// Status describes the active cycle, or the most recent one
func (m *Manager) Status() Snapshot {
	m.mu.Lock()
	snap := Snapshot{Mode: m.mode, Risk: m.risk}
	r := m.active
	if r == nil {
		r = m.last
	}
	if r != nil {
		c := r.cycle
		snap.Cycle = &c
		snap.Active = c.Active()
		snap.Flushing = c.Flushing
		snap.Mode = c.Mode
		snap.Stages = make(map[model.Stage]StageCounts, len(r.counts))
		for s, n := range r.counts {
			snap.Stages[s] = n
		}
		snap.RiskDecisions = append([]model.RiskDecision(nil), r.decisions...)
		snap.Orders = append([]model.TradeOrder(nil), r.orders...)
	}
	m.mu.Unlock()

	snap.Params, _ = mode.Resolve(snap.Mode)
	if snap.Cycle != nil {
		snap.Positions = m.view.ForCycle(snap.Cycle.ID)
	}
	snap.ExposureUSD = m.view.ExposureUSD()
	snap.Breakers = m.guard.States()
	return snap
}

// UpdateRiskParameters applies from the next risk check or stage onward
func (m *Manager) UpdateRiskParameters(ctx context.Context, p RiskParams) error {
	if err := p.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	prev := m.risk
	m.risk = p
	cycleID := ""
	if r := m.active; r != nil && !r.cycle.State.IsTerminal() {
		cycleID = r.cycle.ID
		r.cycle.RiskBudget = p.RiskBudget
		m.persistLocked(r)
	}
	m.mu.Unlock()

	m.audit.Record(ctx, model.Event{
		CycleID: cycleID,
		Type:    model.EventRiskParametersUpdated,
		Fields: map[string]any{
			"max_concurrent_positions": p.MaxConcurrentPositions,
			"risk_budget":              p.RiskBudget,
			"stage_fatal_ratio":        p.StageFatalRatio,
			"previous_risk_budget":     prev.RiskBudget,
		},
	})
	return nil
}

// SetMode changes the mode of the active cycle from its next stage, and of
// every cycle started afterwards
func (m *Manager) SetMode(ctx context.Context, md model.Mode) error {
	if _, err := mode.Resolve(md); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParameters, err)
	}
	m.mu.Lock()
	prev := m.mode
	m.mode = md
	cycleID := ""
	if r := m.active; r != nil && !r.cycle.State.IsTerminal() {
		cycleID = r.cycle.ID
		prev = r.cycle.Mode
		r.cycle.Mode = md
		m.persistLocked(r)
	}
	m.mu.Unlock()

	m.audit.Record(ctx, model.Event{
		CycleID: cycleID,
		Type:    model.EventModeChanged,
		Fields:  map[string]any{"from": string(prev), "to": string(md)},
	})
	return nil
}

// Mode is the mode new cycles start in
func (m *Manager) Mode() model.Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

// Active reports whether a cycle currently holds the active slot
func (m *Manager) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active != nil && m.active.cycle.Active()
}

// Cycle returns the in-memory copy of a cycle started by this manager
func (m *Manager) Cycle(id string) (model.TradingCycle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return model.TradingCycle{}, ErrCycleNotFound
	}
	return r.cycle, nil
}

// Wait blocks until the cycle's run loop has exited and any liquidation it
// triggered has finished
func (m *Manager) Wait(ctx context.Context, id string) error {
	m.mu.Lock()
	r, ok := m.runs[id]
	m.mu.Unlock()
	if !ok {
		return ErrCycleNotFound
	}
	select {
	case <-r.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	m.mu.Lock()
	flushed := r.flushed
	m.mu.Unlock()
	if flushed == nil {
		return nil
	}
	select {
	case <-flushed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close cancels every run and pending liquidation and waits for them
func (m *Manager) Close() {
	m.cancelBase(errManagerClosed)
	m.wg.Wait()
}

// params resolves the run's current mode. Called at each stage start so a
// mode change applies from the next stage.
func (m *Manager) params(r *run) mode.Params {
	m.mu.Lock()
	md := r.cycle.Mode
	m.mu.Unlock()
	p, err := mode.Resolve(md)
	if err != nil {
		p, _ = mode.Resolve(model.ModeNormal)
	}
	return p
}

func (m *Manager) riskParams() RiskParams {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.risk
}

// transition moves the run to state to, applying mutate to the cycle in
// the same step. It returns false when the state machine forbids it, which
// happens once an emergency stop has made the cycle terminal.
func (m *Manager) transition(r *run, to model.CycleState, mutate func(c *model.TradingCycle)) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transitionLocked(r, to, mutate)
}

func (m *Manager) transitionLocked(r *run, to model.CycleState, mutate func(c *model.TradingCycle)) bool {
	from := r.cycle.State
	if !model.CanTransition(from, to) {
		observ.Log("cycle_transition_rejected", map[string]any{
			"cycle_id": r.cycle.ID,
			"from":     string(from),
			"to":       string(to),
		})
		return false
	}
	r.cycle.State = to
	if mutate != nil {
		mutate(&r.cycle)
	}
	if to.IsTerminal() && r.cycle.EndedAt == nil {
		end := m.now().UTC()
		r.cycle.EndedAt = &end
	}
	m.persistLocked(r)
	observ.RecordTransition(string(from), string(to))
	m.audit.Record(r.ctx, model.Event{CycleID: r.cycle.ID, Type: model.EventStateChanged, From: from, To: to})
	return true
}

func (m *Manager) persistLocked(r *run) {
	if err := m.store.UpdateCycle(context.WithoutCancel(r.ctx), r.cycle); err != nil {
		observ.Error("cycle_persist_failed", map[string]any{
			"cycle_id": r.cycle.ID,
			"state":    string(r.cycle.State),
			"error":    err,
		})
	}
}

// finish runs when the run loop exits
func (m *Manager) finish(r *run) {
	m.mu.Lock()
	if r.grace != nil {
		r.grace.Stop()
	}
	c := r.cycle
	if !c.Active() {
		observ.SetCycleActive(false)
	}
	m.mu.Unlock()

	r.cancel(context.Canceled)
	close(r.done)

	fields := map[string]any{
		"state":   string(c.State),
		"outcome": c.Outcome,
		"pnl":     c.PnL,
	}
	if c.FailedStage != "" {
		fields["failed_stage"] = string(c.FailedStage)
		fields["failure_rate"] = c.FailureRate
	}
	m.audit.Record(context.Background(), model.Event{CycleID: c.ID, Type: model.EventCycleFinished, Fields: fields})
}
