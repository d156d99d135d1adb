package mode

import (
	"fmt"
	"strings"
	"time"

	"github.com/Rajchodisetti/cycle-coordinator/internal/model"
)

// Params is the concrete parameter set of one operating mode
type Params struct {
	Mode                 model.Mode    `json:"mode"`
	ScanInterval         time.Duration `json:"scan_interval"`
	NewsThreshold        float64       `json:"news_threshold"`         // min |sentiment|
	PatternConfidenceMin float64       `json:"pattern_confidence_min"` // [0,1]
	TechnicalSignalMin   float64       `json:"technical_signal_min"`
	RiskMultiplier       float64       `json:"risk_multiplier"` // larger = looser sizing
}

var builtin = map[model.Mode]Params{
	model.ModeAggressive: {
		Mode:                 model.ModeAggressive,
		ScanInterval:         5 * time.Minute,
		NewsThreshold:        0.20,
		PatternConfidenceMin: 0.55,
		TechnicalSignalMin:   0.50,
		RiskMultiplier:       1.5,
	},
	model.ModeNormal: {
		Mode:                 model.ModeNormal,
		ScanInterval:         15 * time.Minute,
		NewsThreshold:        0.30,
		PatternConfidenceMin: 0.65,
		TechnicalSignalMin:   0.60,
		RiskMultiplier:       1.0,
	},
	model.ModeConservative: {
		Mode:                 model.ModeConservative,
		ScanInterval:         30 * time.Minute,
		NewsThreshold:        0.45,
		PatternConfidenceMin: 0.75,
		TechnicalSignalMin:   0.70,
		RiskMultiplier:       0.5,
	},
}

// Resolve maps a mode to its parameter set. Pure and deterministic.
func Resolve(m model.Mode) (Params, error) {
	p, ok := builtin[m]
	if !ok {
		return Params{}, fmt.Errorf("unknown mode %q", m)
	}
	if err := p.Validate(); err != nil {
		return Params{}, fmt.Errorf("mode %s: %w", m, err)
	}
	return p, nil
}

// Parse accepts a mode name case-insensitively
func Parse(s string) (model.Mode, error) {
	m := model.Mode(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := builtin[m]; !ok {
		return "", fmt.Errorf("unknown mode %q (want aggressive|normal|conservative)", s)
	}
	return m, nil
}

// Ordered returns the modes from loosest to strictest
func Ordered() []model.Mode {
	return []model.Mode{model.ModeAggressive, model.ModeNormal, model.ModeConservative}
}

// Validate checks field ranges of a single parameter set
func (p Params) Validate() error {
	if p.ScanInterval <= 0 {
		return fmt.Errorf("scan interval must be > 0")
	}
	if p.NewsThreshold < 0 || p.NewsThreshold > 1 {
		return fmt.Errorf("news threshold %.2f outside [0,1]", p.NewsThreshold)
	}
	if p.PatternConfidenceMin < 0 || p.PatternConfidenceMin > 1 {
		return fmt.Errorf("pattern confidence min %.2f outside [0,1]", p.PatternConfidenceMin)
	}
	if p.TechnicalSignalMin < 0 {
		return fmt.Errorf("technical signal min must be >= 0")
	}
	if p.RiskMultiplier <= 0 {
		return fmt.Errorf("risk multiplier must be > 0")
	}
	return nil
}

// CheckOrdering verifies that stricter modes are never looser than the
// previous one on any field
func CheckOrdering() error {
	modes := Ordered()
	for i := 1; i < len(modes); i++ {
		looser, err := Resolve(modes[i-1])
		if err != nil {
			return err
		}
		stricter, err := Resolve(modes[i])
		if err != nil {
			return err
		}
		switch {
		case stricter.ScanInterval < looser.ScanInterval:
			return fmt.Errorf("%s scan interval shorter than %s", stricter.Mode, looser.Mode)
		case stricter.NewsThreshold < looser.NewsThreshold:
			return fmt.Errorf("%s news threshold looser than %s", stricter.Mode, looser.Mode)
		case stricter.PatternConfidenceMin < looser.PatternConfidenceMin:
			return fmt.Errorf("%s pattern confidence looser than %s", stricter.Mode, looser.Mode)
		case stricter.TechnicalSignalMin < looser.TechnicalSignalMin:
			return fmt.Errorf("%s technical signal looser than %s", stricter.Mode, looser.Mode)
		case stricter.RiskMultiplier > looser.RiskMultiplier:
			return fmt.Errorf("%s risk multiplier larger than %s", stricter.Mode, looser.Mode)
		}
	}
	return nil
}
