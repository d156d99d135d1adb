package model

import "time"

// Stage identifies one filtering or execution step
type Stage string

const (
	StageScan      Stage = "scan"
	StageNews      Stage = "news"
	StagePattern   Stage = "pattern"
	StageTechnical Stage = "technical"
	StageRisk      Stage = "risk"
	StageExecution Stage = "execution"
)

// Decision of a stage for one candidate
type Decision string

const (
	DecisionKept    Decision = "kept"
	DecisionDropped Decision = "dropped"
)

// Reason codes recorded with every stage result
const (
	ReasonPassed          = "passed"
	ReasonBelowThreshold  = "below_threshold"
	ReasonRankCutoff      = "rank_cutoff"
	ReasonServiceFailure  = "service_failure"
	ReasonCircuitOpen     = "circuit_open"
	ReasonInvalidResponse = "invalid_response"
	ReasonRejected        = "rejected"
	ReasonRiskRejected    = "risk_rejected"
	ReasonMaxPositions    = "max_positions"
	ReasonRiskBudget      = "risk_budget"
	ReasonUnmeasuredRisk  = "unmeasured_risk"
	ReasonCancelled       = "cancelled"
	ReasonExecuted        = "executed"
	ReasonExecutionFailed = "execution_failed"
)

// Side of a trade
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Candidate is a security under consideration within one cycle, carrying
// the scores accumulated so far
type Candidate struct {
	Symbol            string   `json:"symbol"`
	ScanScore         float64  `json:"scan_score"`
	Sentiment         float64  `json:"sentiment"`
	Catalysts         []string `json:"catalysts,omitempty"`
	PatternConfidence float64  `json:"pattern_confidence"`
	Pattern           string   `json:"pattern,omitempty"`
	SignalStrength    float64  `json:"signal_strength"`
	EntryPrice        float64  `json:"entry_price"`
	StopPrice         float64  `json:"stop_price"`
	TargetPrice       float64  `json:"target_price"`
	Side              Side     `json:"side"`
	PositionSize      float64  `json:"position_size"`
	Stage             Stage    `json:"stage"`
	Survived          bool     `json:"survived"`
}

// StageResult is the immutable record of one candidate at one stage
type StageResult struct {
	CycleID  string        `json:"cycle_id"`
	Stage    Stage         `json:"stage"`
	Symbol   string        `json:"symbol"`
	Score    float64       `json:"score"`
	Decision Decision      `json:"decision"`
	Reason   string        `json:"reason"`
	Latency  time.Duration `json:"latency"`
	At       time.Time     `json:"at"`
}

// Kept reports whether the candidate survived the stage
func (r StageResult) Kept() bool {
	return r.Decision == DecisionKept
}

// RiskDecision is produced by the risk stage and consumed by execution
type RiskDecision struct {
	CycleID         string  `json:"cycle_id"`
	Symbol          string  `json:"symbol"`
	Approved        bool    `json:"approved"`
	PositionSize    float64 `json:"position_size"`
	StopLoss        float64 `json:"stop_loss"`
	RiskAmount      float64 `json:"risk_amount"`
	RejectionReason string  `json:"rejection_reason,omitempty"`
}
