package mode

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/cycle-coordinator/internal/model"
)

func TestResolve_BuiltinModes(t *testing.T) {
	for _, m := range Ordered() {
		p, err := Resolve(m)
		require.NoError(t, err)
		assert.Equal(t, m, p.Mode)
		assert.NoError(t, p.Validate())
	}
}

func TestResolve_Deterministic(t *testing.T) {
	a, err := Resolve(model.ModeNormal)
	require.NoError(t, err)
	b, err := Resolve(model.ModeNormal)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Equal(t, 0.30, a.NewsThreshold)
}

func TestResolve_UnknownMode(t *testing.T) {
	_, err := Resolve(model.Mode("yolo"))
	assert.Error(t, err)
}

func TestOrdering_StricterNeverLooser(t *testing.T) {
	require.NoError(t, CheckOrdering())

	agg, _ := Resolve(model.ModeAggressive)
	norm, _ := Resolve(model.ModeNormal)
	cons, _ := Resolve(model.ModeConservative)

	assert.LessOrEqual(t, agg.NewsThreshold, norm.NewsThreshold)
	assert.LessOrEqual(t, norm.NewsThreshold, cons.NewsThreshold)
	assert.LessOrEqual(t, agg.PatternConfidenceMin, norm.PatternConfidenceMin)
	assert.LessOrEqual(t, norm.PatternConfidenceMin, cons.PatternConfidenceMin)
	assert.LessOrEqual(t, agg.TechnicalSignalMin, norm.TechnicalSignalMin)
	assert.LessOrEqual(t, norm.TechnicalSignalMin, cons.TechnicalSignalMin)
	assert.LessOrEqual(t, agg.ScanInterval, norm.ScanInterval)
	assert.LessOrEqual(t, norm.ScanInterval, cons.ScanInterval)
	assert.GreaterOrEqual(t, agg.RiskMultiplier, norm.RiskMultiplier)
	assert.GreaterOrEqual(t, norm.RiskMultiplier, cons.RiskMultiplier)
}

func TestParse(t *testing.T) {
	m, err := Parse(" Conservative ")
	require.NoError(t, err)
	assert.Equal(t, model.ModeConservative, m)

	_, err = Parse("turbo")
	assert.Error(t, err)
}

func TestValidate_RejectsOutOfRange(t *testing.T) {
	p, _ := Resolve(model.ModeNormal)
	p.NewsThreshold = 1.2
	assert.Error(t, p.Validate())

	p, _ = Resolve(model.ModeNormal)
	p.RiskMultiplier = 0
	assert.Error(t, p.Validate())
}
