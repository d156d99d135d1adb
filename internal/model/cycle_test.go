package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition_ForwardChain(t *testing.T) {
	chain := []CycleState{
		StateIdle, StateScanning, StateFilterNews, StateFilterPattern, StateFilterTechnical,
		StateRiskValidation, StateExecuting, StateMonitoring, StateClosing, StateCompleted,
	}
	for i := 0; i+1 < len(chain); i++ {
		assert.True(t, CanTransition(chain[i], chain[i+1]), "%s -> %s", chain[i], chain[i+1])
	}
}

func TestCanTransition_NoSkips(t *testing.T) {
	assert.False(t, CanTransition(StateScanning, StateFilterPattern))
	assert.False(t, CanTransition(StateFilterNews, StateExecuting))
	assert.False(t, CanTransition(StateIdle, StateClosing))
	assert.False(t, CanTransition(StateFilterTechnical, StateScanning))
}

func TestCanTransition_ShortCircuits(t *testing.T) {
	for _, s := range []CycleState{StateScanning, StateFilterNews, StateFilterPattern, StateFilterTechnical, StateRiskValidation} {
		assert.True(t, CanTransition(s, StateClosing), "%s -> CLOSING", s)
		assert.True(t, CanTransition(s, StateFailed), "%s -> FAILED", s)
	}
	assert.False(t, CanTransition(StateClosing, StateFailed))
}

func TestCanTransition_EmergencyFromAnyNonTerminal(t *testing.T) {
	for _, s := range []CycleState{StateIdle, StateScanning, StateFilterNews, StateExecuting, StateMonitoring, StateClosing} {
		assert.True(t, CanTransition(s, StateEmergencyStopped), "%s", s)
	}
	for _, s := range []CycleState{StateCompleted, StateFailed, StateEmergencyStopped} {
		assert.False(t, CanTransition(s, StateEmergencyStopped), "%s", s)
		assert.False(t, CanTransition(s, StateClosing), "%s", s)
	}
}

func TestTradingCycleActive(t *testing.T) {
	c := TradingCycle{State: StateFilterNews}
	assert.True(t, c.Active())

	c.State = StateEmergencyStopped
	c.Flushing = true
	assert.True(t, c.Active())

	c.Flushing = false
	assert.False(t, c.Active())
}
