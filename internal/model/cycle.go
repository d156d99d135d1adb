package model

import (
	"time"
)

// CycleState is a node of the trading-cycle state machine
type CycleState string

const (
	StateIdle             CycleState = "IDLE"
	StateScanning         CycleState = "SCANNING"
	StateFilterNews       CycleState = "FILTER_NEWS"
	StateFilterPattern    CycleState = "FILTER_PATTERN"
	StateFilterTechnical  CycleState = "FILTER_TECHNICAL"
	StateRiskValidation   CycleState = "RISK_VALIDATION"
	StateExecuting        CycleState = "EXECUTING"
	StateMonitoring       CycleState = "MONITORING"
	StateClosing          CycleState = "CLOSING"
	StateCompleted        CycleState = "COMPLETED"
	StateEmergencyStopped CycleState = "EMERGENCY_STOPPED"
	StateFailed           CycleState = "FAILED"
)

// forward lists the single successor of every working state
var forward = map[CycleState]CycleState{
	StateIdle:            StateScanning,
	StateScanning:        StateFilterNews,
	StateFilterNews:      StateFilterPattern,
	StateFilterPattern:   StateFilterTechnical,
	StateFilterTechnical: StateRiskValidation,
	StateRiskValidation:  StateExecuting,
	StateExecuting:       StateMonitoring,
	StateMonitoring:      StateClosing,
	StateClosing:         StateCompleted,
}

// IsTerminal reports whether no further transition is possible
func (s CycleState) IsTerminal() bool {
	switch s {
	case StateCompleted, StateEmergencyStopped, StateFailed:
		return true
	default:
		return false
	}
}

// IsWorking reports whether a stage of the cycle is running in this state
func (s CycleState) IsWorking() bool {
	switch s {
	case StateScanning, StateFilterNews, StateFilterPattern, StateFilterTechnical,
		StateRiskValidation, StateExecuting, StateMonitoring:
		return true
	default:
		return false
	}
}

// CanTransition validates a state change against the cycle state machine.
// Besides the forward chain, any working state may short-circuit to CLOSING
// (empty survivors or stop) or fall to FAILED, and every non-terminal state
// may jump to EMERGENCY_STOPPED.
func CanTransition(from, to CycleState) bool {
	if from.IsTerminal() {
		return false
	}
	if to == StateEmergencyStopped {
		return true
	}
	if next, ok := forward[from]; ok && next == to {
		return true
	}
	switch to {
	case StateClosing, StateFailed:
		return from.IsWorking()
	}
	return false
}

// Mode names an operating profile; resolved by the mode package
type Mode string

const (
	ModeAggressive   Mode = "aggressive"
	ModeNormal       Mode = "normal"
	ModeConservative Mode = "conservative"
)

// Cycle outcomes reported once a cycle is terminal
const (
	OutcomeTradesExecuted    = "trades_executed"
	OutcomeNoCandidatesFound = "no_candidates_found"
	OutcomeNoTradesFilled    = "no_trades_filled"
	OutcomeStopped           = "stopped"
	OutcomeFailed            = "failed"
	OutcomeEmergencyStopped  = "emergency_stopped"
)

// TradingCycle is one end-to-end run of the staged workflow
type TradingCycle struct {
	ID           string     `json:"id"`
	Mode         Mode       `json:"mode"`
	State        CycleState `json:"state"`
	StartedAt    time.Time  `json:"started_at"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
	RiskBudget   float64    `json:"risk_budget"`
	RiskConsumed float64    `json:"risk_consumed"`
	PnL          float64    `json:"pnl"`
	Outcome      string     `json:"outcome,omitempty"`
	FailedStage  Stage      `json:"failed_stage,omitempty"`
	FailureRate  float64    `json:"failure_rate,omitempty"`
	StopReason   string     `json:"stop_reason,omitempty"`
	Flushing     bool       `json:"flushing"` // liquidation pending after emergency stop
}

// Active reports whether the cycle still holds the single active slot
func (c TradingCycle) Active() bool {
	return !c.State.IsTerminal() || c.Flushing
}
