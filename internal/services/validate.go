package services

import (
	"fmt"
	"math"
	"strings"

	"github.com/Rajchodisetti/cycle-coordinator/internal/model"
)

// ValidateScan rejects oversize lists, blank symbols and duplicates.
// Symbols are normalized to upper case in place.
func ValidateScan(resp *ScanResponse, limit int) error {
	if limit > 0 && len(resp.Candidates) > limit {
		return NewValidationError(NameScan, "", fmt.Sprintf("%d candidates exceeds limit %d", len(resp.Candidates), limit))
	}
	seen := make(map[string]bool, len(resp.Candidates))
	for i := range resp.Candidates {
		c := &resp.Candidates[i]
		c.Symbol = strings.ToUpper(strings.TrimSpace(c.Symbol))
		if c.Symbol == "" {
			return NewValidationError(NameScan, "", fmt.Sprintf("empty symbol at index %d", i))
		}
		if seen[c.Symbol] {
			return NewValidationError(NameScan, c.Symbol, "duplicate symbol")
		}
		if !finite(c.Score) {
			return NewValidationError(NameScan, c.Symbol, "non-finite score")
		}
		seen[c.Symbol] = true
	}
	return nil
}

func ValidateNews(symbol string, r NewsResult) error {
	if !finite(r.Sentiment) || r.Sentiment < -1 || r.Sentiment > 1 {
		return NewValidationError(NameNews, symbol, fmt.Sprintf("sentiment %v outside [-1,1]", r.Sentiment))
	}
	return nil
}

func ValidatePattern(symbol string, r PatternResult) error {
	if !finite(r.Confidence) || r.Confidence < 0 || r.Confidence > 1 {
		return NewValidationError(NamePattern, symbol, fmt.Sprintf("confidence %v outside [0,1]", r.Confidence))
	}
	return nil
}

// ValidateTechnical requires finite levels with the stop on the protective
// side of entry for the given side
func ValidateTechnical(symbol string, side model.Side, r TechnicalResult) error {
	if !finite(r.Strength) || !finite(r.Entry) || !finite(r.Stop) || !finite(r.Target) {
		return NewValidationError(NameTechnical, symbol, "non-finite signal values")
	}
	if r.Entry <= 0 || r.Stop <= 0 {
		return NewValidationError(NameTechnical, symbol, fmt.Sprintf("invalid levels entry=%.4f stop=%.4f", r.Entry, r.Stop))
	}
	switch side {
	case model.SideSell:
		if r.Stop <= r.Entry {
			return NewValidationError(NameTechnical, symbol, fmt.Sprintf("short stop %.4f not above entry %.4f", r.Stop, r.Entry))
		}
	default:
		if r.Stop >= r.Entry {
			return NewValidationError(NameTechnical, symbol, fmt.Sprintf("long stop %.4f not below entry %.4f", r.Stop, r.Entry))
		}
	}
	return nil
}

// ValidateRisk checks an approval against the candidate it sizes. The stop
// must sit on the protective side of entry, otherwise the approval carries
// no measurable risk.
func ValidateRisk(c model.Candidate, r RiskResponse) error {
	if !r.Approved {
		return nil
	}
	if !finite(r.PositionSize) || r.PositionSize <= 0 {
		return NewValidationError(NameRisk, c.Symbol, fmt.Sprintf("approved with position size %v", r.PositionSize))
	}
	if !finite(r.StopLoss) || r.StopLoss <= 0 {
		return NewValidationError(NameRisk, c.Symbol, fmt.Sprintf("approved with stop loss %v", r.StopLoss))
	}
	if !finite(c.EntryPrice) || c.EntryPrice <= 0 {
		return NewValidationError(NameRisk, c.Symbol, fmt.Sprintf("approved without entry price (%v)", c.EntryPrice))
	}
	switch c.Side {
	case model.SideSell:
		if r.StopLoss <= c.EntryPrice {
			return NewValidationError(NameRisk, c.Symbol, fmt.Sprintf("short stop %.4f not above entry %.4f", r.StopLoss, c.EntryPrice))
		}
	default:
		if r.StopLoss >= c.EntryPrice {
			return NewValidationError(NameRisk, c.Symbol, fmt.Sprintf("long stop %.4f not below entry %.4f", r.StopLoss, c.EntryPrice))
		}
	}
	return nil
}

func ValidateOrder(symbol string, r OrderResponse) error {
	if strings.TrimSpace(r.OrderID) == "" {
		return NewValidationError(NameExecution, symbol, "empty order id")
	}
	return nil
}

// NewsFor extracts one symbol from a batch response. A per-symbol error is
// treated as transient; a missing entry is malformed.
func NewsFor(resp NewsResponse, symbol string) (NewsResult, error) {
	if msg, ok := resp.Errors[symbol]; ok {
		return NewsResult{}, NewTransientError(NameNews, symbol, msg, nil)
	}
	r, ok := resp.Results[symbol]
	if !ok {
		return NewsResult{}, NewValidationError(NameNews, symbol, "symbol missing from response")
	}
	return r, ValidateNews(symbol, r)
}

func PatternFor(resp PatternResponse, symbol string) (PatternResult, error) {
	if msg, ok := resp.Errors[symbol]; ok {
		return PatternResult{}, NewTransientError(NamePattern, symbol, msg, nil)
	}
	r, ok := resp.Results[symbol]
	if !ok {
		return PatternResult{}, NewValidationError(NamePattern, symbol, "symbol missing from response")
	}
	return r, ValidatePattern(symbol, r)
}

func TechnicalFor(resp TechnicalResponse, symbol string, side model.Side) (TechnicalResult, error) {
	if msg, ok := resp.Errors[symbol]; ok {
		return TechnicalResult{}, NewTransientError(NameTechnical, symbol, msg, nil)
	}
	r, ok := resp.Results[symbol]
	if !ok {
		return TechnicalResult{}, NewValidationError(NameTechnical, symbol, "symbol missing from response")
	}
	return r, ValidateTechnical(symbol, side, r)
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
