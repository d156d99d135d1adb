package services

import (
	"context"

	"github.com/Rajchodisetti/cycle-coordinator/internal/mode"
	"github.com/Rajchodisetti/cycle-coordinator/internal/model"
)

// Collaborator names, used as breaker keys and metric labels
const (
	NameScan      = "scan"
	NameNews      = "news"
	NamePattern   = "pattern"
	NameTechnical = "technical"
	NameRisk      = "risk"
	NameExecution = "execution"
)

// Names lists every collaborator in pipeline order
func Names() []string {
	return []string{NameScan, NameNews, NamePattern, NameTechnical, NameRisk, NameExecution}
}

// Scanner produces the initial candidate universe
type Scanner interface {
	Scan(ctx context.Context, req ScanRequest) (ScanResponse, error)
}

// NewsAnalyzer scores sentiment and catalysts per symbol
type NewsAnalyzer interface {
	Sentiment(ctx context.Context, req SymbolsRequest) (NewsResponse, error)
}

// PatternDetector scores chart-pattern confidence per symbol
type PatternDetector interface {
	Patterns(ctx context.Context, req SymbolsRequest) (PatternResponse, error)
}

// TechnicalAnalyzer scores indicator signal strength and levels per symbol
type TechnicalAnalyzer interface {
	Signals(ctx context.Context, req TechnicalRequest) (TechnicalResponse, error)
}

// RiskValidator approves and sizes a single candidate
type RiskValidator interface {
	Validate(ctx context.Context, req RiskRequest) (RiskResponse, error)
}

// Broker is the execution collaborator. It owns authoritative position state.
type Broker interface {
	Execute(ctx context.Context, req OrderRequest) (OrderResponse, error)
	OpenPositions(ctx context.Context) ([]model.Position, error)
	ClosePosition(ctx context.Context, positionID string) (model.Position, error)
	LiquidateAll(ctx context.Context, req LiquidateRequest) (LiquidateResponse, error)
}

// Collaborators bundles the six external services the coordinator drives
type Collaborators struct {
	Scanner   Scanner
	News      NewsAnalyzer
	Patterns  PatternDetector
	Technical TechnicalAnalyzer
	Risk      RiskValidator
	Broker    Broker
}

type ScanRequest struct {
	CycleID string      `json:"cycle_id"`
	Mode    model.Mode  `json:"mode"`
	Params  mode.Params `json:"params"`
	Limit   int         `json:"limit"`
}

type ScanCandidate struct {
	Symbol string  `json:"symbol"`
	Score  float64 `json:"score"`
}

type ScanResponse struct {
	Candidates []ScanCandidate `json:"candidates"`
}

type SymbolsRequest struct {
	CycleID string   `json:"cycle_id"`
	Symbols []string `json:"symbols"`
}

type NewsResult struct {
	Sentiment float64  `json:"sentiment"` // [-1,1]
	Catalysts []string `json:"catalysts,omitempty"`
}

// NewsResponse carries per-symbol results; a symbol listed in Errors failed
// inside an otherwise successful batch
type NewsResponse struct {
	Results map[string]NewsResult `json:"results"`
	Errors  map[string]string     `json:"errors,omitempty"`
}

type PatternResult struct {
	Confidence float64 `json:"confidence"` // [0,1]
	Pattern    string  `json:"pattern,omitempty"`
}

type PatternResponse struct {
	Results map[string]PatternResult `json:"results"`
	Errors  map[string]string        `json:"errors,omitempty"`
}

type TechnicalRequest struct {
	CycleID string                `json:"cycle_id"`
	Symbols []string              `json:"symbols"`
	Sides   map[string]model.Side `json:"sides"`
}

type TechnicalResult struct {
	Strength float64 `json:"strength"`
	Entry    float64 `json:"entry"`
	Stop     float64 `json:"stop"`
	Target   float64 `json:"target"`
}

type TechnicalResponse struct {
	Results map[string]TechnicalResult `json:"results"`
	Errors  map[string]string          `json:"errors,omitempty"`
}

type RiskRequest struct {
	CycleID         string          `json:"cycle_id"`
	Candidate       model.Candidate `json:"candidate"`
	RemainingBudget float64         `json:"remaining_budget"`
	RiskMultiplier  float64         `json:"risk_multiplier"`
	OpenPositions   int             `json:"open_positions"`
}

// RiskResponse is an explicit answer; Approved=false is not an error
type RiskResponse struct {
	Approved     bool    `json:"approved"`
	PositionSize float64 `json:"position_size"`
	StopLoss     float64 `json:"stop_loss"`
	Reason       string  `json:"reason,omitempty"`
}

type OrderRequest struct {
	ClientOrderID string     `json:"client_order_id"`
	CycleID       string     `json:"cycle_id"`
	Symbol        string     `json:"symbol"`
	Side          model.Side `json:"side"`
	Quantity      float64    `json:"quantity"`
	EntryPrice    float64    `json:"entry_price"`
	StopLoss      float64    `json:"stop_loss"`
	TakeProfit    float64    `json:"take_profit"`
}

type OrderResponse struct {
	OrderID    string               `json:"order_id"`
	PositionID string               `json:"position_id"`
	Status     model.PositionStatus `json:"status"`
	FillPrice  float64              `json:"fill_price"`
}

type LiquidateRequest struct {
	CycleID string `json:"cycle_id,omitempty"` // empty = every position
	Reason  string `json:"reason"`
}

type LiquidateResponse struct {
	Requested int `json:"requested"`
}
