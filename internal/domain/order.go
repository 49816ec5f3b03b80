package domain

import "time"

// EntryOrder is one venue-submitted entry. Terminal statuses are immutable;
// a filled entry order is transformed into a Position exactly once.
type EntryOrder struct {
	ID           int64
	StrategyID   int64
	BotID        int64
	VenueOrderID int64
	ClientToken  string // idempotency token sent with the submission
	Symbol       string
	Side         Side
	Amount       float64 // notional in quote currency
	Quantity     float64 // step-rounded base quantity
	EntryPrice   float64 // target entry price (limit price, or signal price for market)
	Status       EntryOrderStatus
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// IsOpen reports whether the order is still awaiting resolution.
func (o *EntryOrder) IsOpen() bool {
	return o.Status == EntryStatusOpen
}
