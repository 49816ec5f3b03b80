package orders

import (
	"context"
	"fmt"
	"time"

	"ocbot/internal/domain"
	"ocbot/internal/ports"
	"ocbot/internal/syncx"
)

// Confirmer resolves open entry orders from the venue account stream, with
// a REST poll as fallback for missed events. A confirmed fill transforms the
// entry order into a position with computed TP/SL targets.
type Confirmer struct {
	botID        int64
	venue        ports.Venue
	orderRepo    ports.EntryOrderRepository
	strategyRepo ports.StrategyRepository
	locks        *syncx.KeyedMutex
	logger       ports.Logger
	notify       func(ctx context.Context, text string)
	now          func() time.Time
}

// ConfirmerConfig wires a confirmation monitor for one bot.
type ConfirmerConfig struct {
	BotID        int64
	Venue        ports.Venue
	OrderRepo    ports.EntryOrderRepository
	StrategyRepo ports.StrategyRepository
	Locks        *syncx.KeyedMutex
	Logger       ports.Logger
	Notify       func(ctx context.Context, text string) // best-effort, may be nil
}

// NewConfirmer creates an entry confirmation monitor.
func NewConfirmer(cfg ConfirmerConfig) (*Confirmer, error) {
	if cfg.Venue == nil || cfg.OrderRepo == nil || cfg.StrategyRepo == nil || cfg.Locks == nil || cfg.Logger == nil {
		return nil, fmt.Errorf("missing required dependencies for entry confirmation monitor")
	}
	notify := cfg.Notify
	if notify == nil {
		notify = func(context.Context, string) {}
	}
	return &Confirmer{
		botID:        cfg.BotID,
		venue:        cfg.Venue,
		orderRepo:    cfg.OrderRepo,
		strategyRepo: cfg.StrategyRepo,
		locks:        cfg.Locks,
		logger:       cfg.Logger,
		notify:       notify,
		now:          time.Now,
	}, nil
}

// OnOrderUpdate handles one account-stream order event. Events that do not
// match an open entry order are ignored (exit orders are handled by the
// position monitor via the status cache).
func (m *Confirmer) OnOrderUpdate(ctx context.Context, u *ports.OrderUpdate) {
	order, err := m.orderRepo.FindByVenueOrderID(ctx, m.botID, u.OrderID)
	if err != nil {
		m.logger.Error(ctx, err, "Entry order lookup failed for stream event", map[string]interface{}{"venueOrderID": u.OrderID})
		return
	}
	if order == nil || !order.IsOpen() {
		return
	}

	switch u.Status {
	case "FILLED":
		if err := m.ResolveFilled(ctx, order, u.AvgFillPrice); err != nil {
			m.logger.Error(ctx, err, "Entry fill resolution failed", map[string]interface{}{"entryOrderID": order.ID})
		}
	case "CANCELED":
		m.resolveTerminal(ctx, order, u.FilledQty, domain.EntryStatusCanceled)
	case "EXPIRED":
		m.resolveTerminal(ctx, order, u.FilledQty, domain.EntryStatusExpired)
	}
}

// ResolveFilled atomically marks the entry order filled and creates the
// position. The effective entry price prefers the reported average fill and
// falls back to the intent's target price.
func (m *Confirmer) ResolveFilled(ctx context.Context, order *domain.EntryOrder, avgFillPrice float64) error {
	op := "ResolveFilled"
	key := LockKey(order.BotID, order.Symbol, order.Side)
	m.locks.Lock(key)
	defer m.locks.Unlock(key)

	// Re-load under the lock; a concurrent path may have resolved it.
	current, err := m.orderRepo.FindByVenueOrderID(ctx, m.botID, order.VenueOrderID)
	if err != nil {
		return fmt.Errorf("%s: entry order reload failed: %w", op, err)
	}
	if current == nil || !current.IsOpen() {
		return nil
	}
	order = current

	strat, err := m.strategyRepo.FindByID(ctx, order.StrategyID)
	if err != nil {
		return fmt.Errorf("%s: strategy lookup failed: %w", op, err)
	}
	if strat == nil {
		return fmt.Errorf("%s: strategy %d not found for entry order %d", op, order.StrategyID, order.ID)
	}

	entryPrice := avgFillPrice
	if entryPrice <= 0 {
		m.logger.Warn(ctx, op+": no average fill price reported, using target entry price", map[string]interface{}{
			"entryOrderID": order.ID, "fallbackPrice": order.EntryPrice,
		})
		entryPrice = order.EntryPrice
	}

	tp := TakeProfitPrice(entryPrice, order.Side, strat.TakeProfitPct)
	var sl float64
	if strat.HasStopLoss() {
		sl = StopLossPrice(entryPrice, order.Side, strat.StopLossPct)
	}

	pos := &domain.Position{
		StrategyID:        order.StrategyID,
		BotID:             order.BotID,
		EntryOrderID:      order.ID,
		VenueOrderRef:     fmt.Sprintf("%d", order.VenueOrderID),
		Symbol:            order.Symbol,
		Side:              order.Side,
		EntryPrice:        entryPrice,
		Quantity:          order.Quantity,
		Amount:            order.Amount,
		Leverage:          strat.Leverage,
		TakeProfit:        tp,
		InitialTakeProfit: tp,
		StopLoss:          sl,
		MinutesElapsed:    0,
		OpenedAt:          m.now().UTC(),
		Status:            domain.StatusOpen,
	}

	posID, err := m.orderRepo.ResolveFilled(ctx, order.ID, pos)
	if err != nil {
		return fmt.Errorf("%s: atomic resolution failed: %w", op, err)
	}

	m.logger.Info(ctx, op+": position opened", map[string]interface{}{
		"positionID": posID, "entryOrderID": order.ID, "symbol": order.Symbol,
		"side": order.Side, "entryPrice": entryPrice, "takeProfit": tp, "stopLoss": sl,
	})
	m.notify(ctx, fmt.Sprintf("entry filled: %s %s qty %.8g @ %.8g, tp %.8g", order.Symbol, order.Side, order.Quantity, entryPrice, tp))
	return nil
}

// resolveTerminal finalizes a canceled/expired entry with zero fills.
// A terminal order with partial fills is resolved as filled right away, at
// the target entry price and the order's full quantity.
func (m *Confirmer) resolveTerminal(ctx context.Context, order *domain.EntryOrder, filledQty float64, status domain.EntryOrderStatus) {
	if filledQty > 0 {
		m.logger.Warn(ctx, "Terminal entry order has partial fills, resolving as filled", map[string]interface{}{
			"entryOrderID": order.ID, "filledQty": filledQty,
		})
		if err := m.ResolveFilled(ctx, order, 0); err != nil {
			m.logger.Error(ctx, err, "Partial fill resolution failed", map[string]interface{}{"entryOrderID": order.ID})
		}
		return
	}
	if err := m.orderRepo.MarkTerminal(ctx, order.ID, status); err != nil {
		m.logger.Error(ctx, err, "Failed to mark entry order terminal", map[string]interface{}{
			"entryOrderID": order.ID, "status": status,
		})
		return
	}
	m.logger.Info(ctx, "Entry order resolved without fill", map[string]interface{}{
		"entryOrderID": order.ID, "status": status,
	})
}

// Poll resolves open entry orders by querying the venue directly. Covers
// venues or periods where the account stream missed events.
func (m *Confirmer) Poll(ctx context.Context) {
	op := "EntryOrderPoll"
	open, err := m.orderRepo.FindOpen(ctx, m.botID)
	if err != nil {
		m.logger.Error(ctx, err, op+": failed to load open entry orders")
		return
	}

	for _, order := range open {
		ack, err := m.venue.OrderStatus(ctx, order.Symbol, order.VenueOrderID)
		if err != nil {
			m.logger.Warn(ctx, op+": order status query failed", map[string]interface{}{
				"entryOrderID": order.ID, "venueOrderID": order.VenueOrderID, "error": err.Error(),
			})
			continue
		}
		switch {
		case ack.Filled():
			if err := m.ResolveFilled(ctx, order, ack.AvgFillPrice); err != nil {
				m.logger.Error(ctx, err, op+": fill resolution failed", map[string]interface{}{"entryOrderID": order.ID})
			}
		case ack.Terminal():
			status := domain.EntryStatusCanceled
			if ack.Status == "EXPIRED" {
				status = domain.EntryStatusExpired
			}
			m.resolveTerminal(ctx, order, ack.FilledQty, status)
		}
	}
}

// TakeProfitPrice computes the TP target from the entry price and percent.
func TakeProfitPrice(entry float64, side domain.Side, tpPct float64) float64 {
	if side == domain.SideShort {
		return entry * (1 - tpPct/100)
	}
	return entry * (1 + tpPct/100)
}

// StopLossPrice computes the SL level from the entry price and percent.
func StopLossPrice(entry float64, side domain.Side, slPct float64) float64 {
	if side == domain.SideShort {
		return entry * (1 + slPct/100)
	}
	return entry * (1 - slPct/100)
}
