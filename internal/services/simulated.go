package services

import (
	"context"
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Rajchodisetti/cycle-coordinator/internal/model"
)

var (
	catalystKinds = []string{"earnings", "guidance", "fda_approval", "merger", "analyst_upgrade", "contract_win"}
	patternKinds  = []string{"bull_flag", "ascending_triangle", "cup_and_handle", "double_bottom", "breakout", "head_and_shoulders"}
)

// DefaultUniverse is the symbol list the simulated scanner draws from
func DefaultUniverse() []string {
	u := []string{
		"AAPL", "MSFT", "NVDA", "AMZN", "GOOGL", "META", "TSLA", "AMD", "NFLX", "AVGO",
		"BIIB", "MRNA", "REGN", "VRTX", "GILD", "JPM", "BAC", "GS", "XOM", "CVX",
	}
	for i := len(u); i < 150; i++ {
		u = append(u, fmt.Sprintf("SIM%03d", i))
	}
	return u
}

// Simulated implements every collaborator deterministically from a seed.
// Scores are a pure function of (seed, symbol); the broker keeps an
// in-memory position book whose marks drift on every OpenPositions call.
type Simulated struct {
	seed     int64
	universe []string
	now      func() time.Time

	mu        sync.Mutex
	positions map[string]*model.Position
	marks     map[string]float64
	ticks     map[string]int
	byClient  map[string]OrderResponse
	order     []string
}

func NewSimulated(seed int64, universe []string) *Simulated {
	if len(universe) == 0 {
		universe = DefaultUniverse()
	}
	return &Simulated{
		seed:      seed,
		universe:  universe,
		now:       time.Now,
		positions: make(map[string]*model.Position),
		marks:     make(map[string]float64),
		ticks:     make(map[string]int),
		byClient:  make(map[string]OrderResponse),
	}
}

func (s *Simulated) Collaborators() Collaborators {
	return Collaborators{Scanner: s, News: s, Patterns: s, Technical: s, Risk: s, Broker: s}
}

func (s *Simulated) Scan(ctx context.Context, req ScanRequest) (ScanResponse, error) {
	if err := ctx.Err(); err != nil {
		return ScanResponse{}, NewTransientError(NameScan, "", "cancelled", err)
	}
	out := make([]ScanCandidate, 0, len(s.universe))
	for _, sym := range s.universe {
		out = append(out, ScanCandidate{Symbol: sym, Score: round(s.unit(sym, "scan"), 4)})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Symbol < out[j].Symbol
	})
	if req.Limit > 0 && len(out) > req.Limit {
		out = out[:req.Limit]
	}
	return ScanResponse{Candidates: out}, nil
}

func (s *Simulated) Sentiment(ctx context.Context, req SymbolsRequest) (NewsResponse, error) {
	if err := ctx.Err(); err != nil {
		return NewsResponse{}, NewTransientError(NameNews, symbolOf(req.Symbols), "cancelled", err)
	}
	resp := NewsResponse{Results: make(map[string]NewsResult, len(req.Symbols))}
	for _, sym := range req.Symbols {
		sentiment := round(s.unit(sym, "news")*2-1, 4)
		r := NewsResult{Sentiment: sentiment}
		if math.Abs(sentiment) >= 0.6 {
			r.Catalysts = []string{catalystKinds[s.pick(sym, "catalyst", len(catalystKinds))]}
		}
		resp.Results[sym] = r
	}
	return resp, nil
}

func (s *Simulated) Patterns(ctx context.Context, req SymbolsRequest) (PatternResponse, error) {
	if err := ctx.Err(); err != nil {
		return PatternResponse{}, NewTransientError(NamePattern, symbolOf(req.Symbols), "cancelled", err)
	}
	resp := PatternResponse{Results: make(map[string]PatternResult, len(req.Symbols))}
	for _, sym := range req.Symbols {
		resp.Results[sym] = PatternResult{
			Confidence: round(s.unit(sym, "pattern"), 4),
			Pattern:    patternKinds[s.pick(sym, "pattern_kind", len(patternKinds))],
		}
	}
	return resp, nil
}

func (s *Simulated) Signals(ctx context.Context, req TechnicalRequest) (TechnicalResponse, error) {
	if err := ctx.Err(); err != nil {
		return TechnicalResponse{}, NewTransientError(NameTechnical, symbolOf(req.Symbols), "cancelled", err)
	}
	resp := TechnicalResponse{Results: make(map[string]TechnicalResult, len(req.Symbols))}
	for _, sym := range req.Symbols {
		entry := round(10+s.unit(sym, "price")*490, 2)
		dist := round(entry*(0.01+0.04*s.unit(sym, "atr")), 2)
		if dist <= 0 {
			dist = 0.01
		}
		r := TechnicalResult{Strength: round(s.unit(sym, "technical"), 4), Entry: entry}
		if req.Sides[sym] == model.SideSell {
			r.Stop, r.Target = entry+dist, entry-2*dist
		} else {
			r.Stop, r.Target = entry-dist, entry+2*dist
		}
		resp.Results[sym] = r
	}
	return resp, nil
}

// Validate sizes a quarter of the remaining budget, scaled by the mode
// multiplier, against the per-share stop distance
func (s *Simulated) Validate(ctx context.Context, req RiskRequest) (RiskResponse, error) {
	c := req.Candidate
	if err := ctx.Err(); err != nil {
		return RiskResponse{}, NewTransientError(NameRisk, c.Symbol, "cancelled", err)
	}
	perShare := math.Abs(c.EntryPrice - c.StopPrice)
	if perShare <= 0 {
		return RiskResponse{Approved: false, Reason: "no stop distance"}, nil
	}
	if s.unit(c.Symbol, "risk") < 0.15 {
		return RiskResponse{Approved: false, Reason: "concentration limit"}, nil
	}
	size := math.Floor(req.RemainingBudget * 0.25 * req.RiskMultiplier / perShare)
	if size < 1 {
		return RiskResponse{Approved: false, Reason: "risk budget exhausted"}, nil
	}
	return RiskResponse{Approved: true, PositionSize: size, StopLoss: c.StopPrice}, nil
}

// Execute fills immediately at the requested entry. Repeated client order
// ids return the original fill.
func (s *Simulated) Execute(ctx context.Context, req OrderRequest) (OrderResponse, error) {
	if err := ctx.Err(); err != nil {
		return OrderResponse{}, NewTransientError(NameExecution, req.Symbol, "cancelled", err)
	}
	if req.Quantity <= 0 || req.EntryPrice <= 0 {
		return OrderResponse{}, NewRejectedError(NameExecution, req.Symbol, "quantity and entry price must be positive")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if req.ClientOrderID != "" {
		if prev, ok := s.byClient[req.ClientOrderID]; ok {
			return prev, nil
		}
	}

	p := &model.Position{
		ID:         uuid.New().String(),
		OrderID:    uuid.New().String(),
		CycleID:    req.CycleID,
		Symbol:     req.Symbol,
		Side:       req.Side,
		Quantity:   req.Quantity,
		EntryPrice: req.EntryPrice,
		StopLoss:   req.StopLoss,
		TakeProfit: req.TakeProfit,
		Status:     model.PositionFilled,
		UpdatedAt:  s.now(),
	}
	s.positions[p.ID] = p
	s.marks[p.ID] = p.EntryPrice
	s.order = append(s.order, p.ID)

	resp := OrderResponse{OrderID: p.OrderID, PositionID: p.ID, Status: p.Status, FillPrice: p.EntryPrice}
	if req.ClientOrderID != "" {
		s.byClient[req.ClientOrderID] = resp
	}
	return resp, nil
}

func (s *Simulated) OpenPositions(ctx context.Context) ([]model.Position, error) {
	if err := ctx.Err(); err != nil {
		return nil, NewTransientError(NameExecution, "", "cancelled", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.Position
	for _, id := range s.order {
		p := s.positions[id]
		if !p.Open() {
			continue
		}
		s.tick(p)
		out = append(out, *p)
	}
	return out, nil
}

func (s *Simulated) ClosePosition(ctx context.Context, positionID string) (model.Position, error) {
	if err := ctx.Err(); err != nil {
		return model.Position{}, NewTransientError(NameExecution, "", "cancelled", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.positions[positionID]
	if !ok {
		return model.Position{}, NewRejectedError(NameExecution, "", "unknown position "+positionID)
	}
	s.close(p)
	return *p, nil
}

func (s *Simulated) LiquidateAll(ctx context.Context, req LiquidateRequest) (LiquidateResponse, error) {
	if err := ctx.Err(); err != nil {
		return LiquidateResponse{}, NewTransientError(NameExecution, "", "cancelled", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, id := range s.order {
		p := s.positions[id]
		if !p.Open() || (req.CycleID != "" && p.CycleID != req.CycleID) {
			continue
		}
		s.close(p)
		n++
	}
	return LiquidateResponse{Requested: n}, nil
}

// Positions returns every position in the book, closed ones included
func (s *Simulated) Positions() []model.Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Position, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.positions[id])
	}
	return out
}

func (s *Simulated) tick(p *model.Position) {
	s.ticks[p.ID]++
	step := s.unit(p.ID, "tick", strconv.Itoa(s.ticks[p.ID]))
	s.marks[p.ID] = round(s.marks[p.ID]*(1+0.02*(step-0.5)), 4)
	p.UnrealizedPnL = round(pnl(p, s.marks[p.ID]), 2)
	p.UpdatedAt = s.now()
}

func (s *Simulated) close(p *model.Position) {
	if !p.Open() {
		return
	}
	p.RealizedPnL = round(pnl(p, s.marks[p.ID]), 2)
	p.UnrealizedPnL = 0
	p.Status = model.PositionClosed
	p.UpdatedAt = s.now()
}

func pnl(p *model.Position, mark float64) float64 {
	if p.Side == model.SideSell {
		return (p.EntryPrice - mark) * p.Quantity
	}
	return (mark - p.EntryPrice) * p.Quantity
}

// unit maps (seed, parts...) onto [0,1)
func (s *Simulated) unit(parts ...string) float64 {
	h := fnv.New64a()
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(s.seed))
	_, _ = h.Write(b[:])
	for _, p := range parts {
		_, _ = h.Write([]byte{'|'})
		_, _ = h.Write([]byte(p))
	}
	return float64(h.Sum64()>>11) / float64(1<<53)
}

func (s *Simulated) pick(sym, salt string, n int) int {
	return int(s.unit(sym, salt) * float64(n))
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
