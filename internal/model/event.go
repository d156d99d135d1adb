package model

import "time"

// Audit event types
const (
	EventCycleStarted           = "cycle_started"
	EventStateChanged           = "state_changed"
	EventStageCompleted         = "stage_completed"
	EventStageFailed            = "stage_failed"
	EventRiskInvariantViolation = "risk_invariant_violation"
	EventRiskDecision           = "risk_decision"
	EventOrderExecuted          = "order_executed"
	EventOrderFailed            = "order_failed"
	EventEmergencyStop          = "emergency_stop"
	EventLiquidationRequested   = "liquidation_requested"
	EventLiquidationConfirmed   = "liquidation_confirmed"
	EventLiquidationTimeout     = "liquidation_timeout"
	EventStopRequested          = "stop_requested"
	EventModeChanged            = "mode_changed"
	EventRiskParametersUpdated  = "risk_parameters_updated"
	EventCycleFinished          = "cycle_finished"
	EventCycleRecovered         = "cycle_recovered"
)

// Event is one append-only audit record
type Event struct {
	ID      string         `json:"id"`
	CycleID string         `json:"cycle_id,omitempty"`
	Type    string         `json:"type"`
	From    CycleState     `json:"from,omitempty"`
	To      CycleState     `json:"to,omitempty"`
	Stage   Stage          `json:"stage,omitempty"`
	Message string         `json:"message,omitempty"`
	Fields  map[string]any `json:"fields,omitempty"`
	At      time.Time      `json:"at"`
}
