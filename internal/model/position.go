package model

import "time"

// PositionStatus follows a position from order placement to close
type PositionStatus string

const (
	PositionPending PositionStatus = "pending"
	PositionFilled  PositionStatus = "filled"
	PositionClosed  PositionStatus = "closed"
)

// TradeOrder references an order placed by the execution collaborator
type TradeOrder struct {
	ID        string         `json:"id"`
	CycleID   string         `json:"cycle_id"`
	Symbol    string         `json:"symbol"`
	Side      Side           `json:"side"`
	Quantity  float64        `json:"quantity"`
	Status    PositionStatus `json:"status"`
	CreatedAt time.Time      `json:"created_at"`
}

// Position is the coordinator's read-only copy of a collaborator position
type Position struct {
	ID            string         `json:"id"`
	OrderID       string         `json:"order_id"`
	CycleID       string         `json:"cycle_id"`
	Symbol        string         `json:"symbol"`
	Side          Side           `json:"side"`
	Quantity      float64        `json:"quantity"`
	EntryPrice    float64        `json:"entry_price"`
	StopLoss      float64        `json:"stop_loss"`
	TakeProfit    float64        `json:"take_profit"`
	Status        PositionStatus `json:"status"`
	RealizedPnL   float64        `json:"realized_pnl"`
	UnrealizedPnL float64        `json:"unrealized_pnl"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// Open reports whether the position still carries market exposure
func (p Position) Open() bool {
	return p.Status != PositionClosed
}

// PnL is realized plus unrealized profit
func (p Position) PnL() float64 {
	return p.RealizedPnL + p.UnrealizedPnL
}
