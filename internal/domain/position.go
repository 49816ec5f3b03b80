package domain

import "time"

// Position represents one confirmed open exposure on the venue.
// Created by the entry confirmation monitor or the reconciler; mutated only
// by the position monitor and the reconciler.
type Position struct {
	ID            int64
	StrategyID    int64
	BotID         int64
	EntryOrderID  int64  // originating entry order, 0 for reconstructed positions
	VenueOrderRef string // venue order id, or synthetic "sync_<ts>" for reconstructions
	Symbol        string
	Side          Side
	EntryPrice    float64 // actual fill price
	Quantity      float64
	Amount        float64 // notional at entry
	Leverage      int

	TakeProfit        float64 // current TP price, trailed over time
	InitialTakeProfit float64 // TP snapshot at creation
	StopLoss          float64 // 0 means no stop loss
	TPOrderID         *int64  // venue id of the live TP exit order
	SLOrderID         *int64  // venue id of the live SL exit order
	SoftwareSL        bool    // venue refused conditional orders; SL enforced in the control loop
	Breakeven         bool    // TP has been clamped at entry and converted to a stop

	MinutesElapsed int
	OpenedAt       time.Time
	Status         PositionStatus

	ClosePrice  float64
	PNL         float64
	CloseReason CloseReason
	ClosedAt    time.Time
}

// IsOpen checks if the position status is open.
func (p *Position) IsOpen() bool {
	return p.Status == StatusOpen
}

// HasBothExits reports whether both protective exit order ids are attached.
// A software-SL position counts its stop as attached, and a position without
// a stop level needs only the TP.
func (p *Position) HasBothExits() bool {
	return p.TPOrderID != nil && (p.SLOrderID != nil || p.SoftwareSL || p.StopLoss == 0)
}

// RealizedPNL computes the realized profit for a close at the given price.
func (p *Position) RealizedPNL(closePrice float64) float64 {
	return (closePrice - p.EntryPrice) * p.Quantity * p.Side.Sign()
}

// Age returns how long the position has been open at the given instant.
func (p *Position) Age(now time.Time) time.Duration {
	return now.Sub(p.OpenedAt)
}
