package ports

import (
	"context"
	"time"

	"ocbot/internal/domain"
)

// OrderType enumerates the venue order types the engine submits.
type OrderType string

const (
	OrderTypeMarket           OrderType = "MARKET"
	OrderTypeLimit            OrderType = "LIMIT"
	OrderTypeTakeProfitMarket OrderType = "TAKE_PROFIT_MARKET"
	OrderTypeStopMarket       OrderType = "STOP_MARKET"
	OrderTypeTakeProfitLimit  OrderType = "TAKE_PROFIT"
	OrderTypeStopLimit        OrderType = "STOP"
)

// SubmitOrder is a venue-neutral order submission.
// Quantity is step-rounded and Price/StopPrice tick-rounded by the adapter.
type SubmitOrder struct {
	Symbol       string
	Side         domain.OrderSide
	Type         OrderType
	Quantity     float64
	Price        float64 // 0 when not applicable
	StopPrice    float64 // 0 when not applicable
	ReduceOnly   bool    // only set on exit orders
	PositionSide string  // "LONG"/"SHORT" in hedge mode, empty in one-way
	TimeInForce  string  // e.g. "GTC", empty for venue default
	ClientToken  string  // idempotency token; retries reuse the same token
	Emergency    bool    // bypasses the scheduler's circuit breaker
}

// OrderAck is the essential response to a submission or status query.
type OrderAck struct {
	OrderID      int64
	ClientToken  string
	Symbol       string
	Status       string // venue status: NEW, PARTIALLY_FILLED, FILLED, CANCELED, EXPIRED
	Type         string
	Side         string
	Price        float64
	AvgFillPrice float64
	OrigQty      float64
	FilledQty    float64
	ReduceOnly   bool
	UpdatedAt    time.Time
}

// Filled reports whether the venue considers the order fully filled.
func (a *OrderAck) Filled() bool { return a.Status == "FILLED" }

// Terminal reports whether the order can no longer fill.
func (a *OrderAck) Terminal() bool {
	switch a.Status {
	case "FILLED", "CANCELED", "EXPIRED", "REJECTED":
		return true
	}
	return false
}

// VenuePosition is one open exposure as reported by the venue.
type VenuePosition struct {
	Symbol     string
	Side       domain.Side
	Quantity   float64 // absolute size
	EntryPrice float64
	MarkPrice  float64
}

// SymbolMeta carries per-symbol precision and sizing constraints.
type SymbolMeta struct {
	Symbol         string
	TickSize       float64
	StepSize       float64
	MinNotional    float64
	PricePrecision int
	QtyPrecision   int
	HedgeMode      bool
}

// AccountEventType tags the decoded variants of the account stream.
type AccountEventType string

const (
	EventOrderUpdate      AccountEventType = "order_update"
	EventAccountUpdate    AccountEventType = "account_update"
	EventListenKeyExpired AccountEventType = "listen_key_expired"
)

// OrderUpdate is the decoded payload of an order_update event.
type OrderUpdate struct {
	Symbol       string
	OrderID      int64
	ClientToken  string
	Status       string
	Type         string
	Side         string
	ReduceOnly   bool
	AvgFillPrice float64
	FilledQty    float64
	EventTime    time.Time
}

// AccountEvent is one decoded push from the venue account stream.
// Unknown upstream events are dropped by the adapter before reaching here.
type AccountEvent struct {
	Type  AccountEventType
	Order *OrderUpdate // set when Type == EventOrderUpdate
}

// TickHandler consumes last-trade ticks from the market stream.
type TickHandler func(symbol string, price, qty float64, ts time.Time)

// Venue presents a venue-neutral capability set and hides wire details,
// rate limiting and clock skew.
type Venue interface {
	// Price returns the last trade price, served from the tick cache when
	// fresh and falling back to REST otherwise.
	Price(ctx context.Context, symbol string) (float64, error)

	// Submit places an order. Idempotent per client token.
	Submit(ctx context.Context, req SubmitOrder) (*OrderAck, error)

	// Cancel cancels an order. A non-existent order is a non-error.
	Cancel(ctx context.Context, symbol string, orderID int64) error

	// OrderStatus queries a single order.
	OrderStatus(ctx context.Context, symbol string, orderID int64) (*OrderAck, error)

	// OpenPositions lists the venue's open exposures for this account.
	OpenPositions(ctx context.Context) ([]VenuePosition, error)

	// ClosableQty returns the quantity that can still be closed for (symbol, side).
	ClosableQty(ctx context.Context, symbol string, side domain.Side) (float64, error)

	// OpenOrders lists open orders, optionally filtered by symbol ("" = all).
	OpenOrders(ctx context.Context, symbol string) ([]OrderAck, error)

	// AccountStream starts the user-data stream and pushes decoded events
	// until ctx is done. Reconnects transparently.
	AccountStream(ctx context.Context) (<-chan AccountEvent, error)

	// StreamTicks subscribes to last-trade ticks for the given symbols.
	StreamTicks(ctx context.Context, symbols []string, handler TickHandler) error

	// SymbolMeta returns precision and sizing constraints, cached per symbol.
	SymbolMeta(ctx context.Context, symbol string) (*SymbolMeta, error)

	// SetLeverage sets leverage for a symbol. Setting the current value is a
	// no-op without a venue call.
	SetLeverage(ctx context.Context, symbol string, leverage int) error

	// SetPositionMode switches the account between hedge and one-way mode.
	SetPositionMode(ctx context.Context, hedge bool) error

	// HedgeMode reports the cached account position mode.
	HedgeMode() bool
}
