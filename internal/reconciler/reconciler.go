package reconciler

import (
	"context"
	"fmt"
	"math"
	"time"

	"ocbot/internal/configstore"
	"ocbot/internal/domain"
	"ocbot/internal/orders"
	"ocbot/internal/ports"
	"ocbot/internal/syncx"
)

// bookOnlyGraceCycles is how many consecutive cycles a position must be
// absent from the venue before it is closed as phantom. One miss can be a
// snapshot race with a just-opened position.
const bookOnlyGraceCycles = 2

// Result summarizes the repairs one cycle performed (or would perform in
// dry-run mode).
type Result struct {
	BookOnlyClosed  int
	VenueOnlyFound  int
	Reconstructed   int
	AmountRepaired  int
	StaleIDsCleared int
	OrphansCanceled int
}

// Reconciler periodically diffs venue positions, venue open orders and the
// internal book, and repairs every divergence the pipeline could also have
// produced. It is the single authority for "exchange says there is no
// position".
type Reconciler struct {
	bot          *domain.Bot
	venue        ports.Venue
	posRepo      ports.PositionRepository
	orderRepo    ports.EntryOrderRepository
	strategyRepo ports.StrategyRepository
	resolver     orders.Resolver
	locks        *syncx.KeyedMutex
	cfg          func() *configstore.Snapshot
	logger       ports.Logger
	notify       func(ctx context.Context, text string)
	dryRun       bool
	now          func() time.Time

	// consecutive venue-miss counts per (symbol, side) key
	missing map[string]int
}

// Config wires a reconciler for one bot.
type Config struct {
	Bot          *domain.Bot
	Venue        ports.Venue
	PosRepo      ports.PositionRepository
	OrderRepo    ports.EntryOrderRepository
	StrategyRepo ports.StrategyRepository
	Resolver     orders.Resolver
	Locks        *syncx.KeyedMutex
	Snapshot     func() *configstore.Snapshot
	Logger       ports.Logger
	Notify       func(ctx context.Context, text string) // best-effort, may be nil
	DryRun       bool
}

// New creates a reconciler.
func New(cfg Config) (*Reconciler, error) {
	if cfg.Bot == nil || cfg.Venue == nil || cfg.PosRepo == nil || cfg.OrderRepo == nil ||
		cfg.StrategyRepo == nil || cfg.Locks == nil || cfg.Snapshot == nil || cfg.Logger == nil {
		return nil, fmt.Errorf("missing required dependencies for reconciler")
	}
	notify := cfg.Notify
	if notify == nil {
		notify = func(context.Context, string) {}
	}
	return &Reconciler{
		bot:          cfg.Bot,
		venue:        cfg.Venue,
		posRepo:      cfg.PosRepo,
		orderRepo:    cfg.OrderRepo,
		strategyRepo: cfg.StrategyRepo,
		resolver:     cfg.Resolver,
		locks:        cfg.Locks,
		cfg:          cfg.Snapshot,
		logger:       cfg.Logger,
		notify:       notify,
		dryRun:       cfg.DryRun,
		now:          time.Now,
		missing:      make(map[string]int),
	}, nil
}

func key(symbol string, side domain.Side) string {
	return symbol + "/" + string(side)
}

// Cycle runs one three-way diff and repair pass.
func (r *Reconciler) Cycle(ctx context.Context) (*Result, error) {
	op := "ReconcileCycle"
	res := &Result{}

	venuePositions, err := r.venue.OpenPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: venue position fetch failed: %w", op, err)
	}
	venueOrders, err := r.venue.OpenOrders(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("%s: venue order fetch failed: %w", op, err)
	}
	book, err := r.posRepo.FindOpenByBot(ctx, r.bot.ID)
	if err != nil {
		return nil, fmt.Errorf("%s: book fetch failed: %w", op, err)
	}

	venueByKey := make(map[string]ports.VenuePosition, len(venuePositions))
	for _, vp := range venuePositions {
		venueByKey[key(vp.Symbol, vp.Side)] = vp
	}
	bookByKey := make(map[string]*domain.Position, len(book))
	for _, pos := range book {
		bookByKey[key(pos.Symbol, pos.Side)] = pos
	}

	// Book-only: phantom positions, closed after the grace window.
	for k, pos := range bookByKey {
		if _, onVenue := venueByKey[k]; onVenue {
			delete(r.missing, k)
			continue
		}
		r.missing[k]++
		if r.missing[k] < bookOnlyGraceCycles {
			r.logger.Debug(ctx, op+": position missing on venue, waiting one more cycle", map[string]interface{}{
				"positionID": pos.ID, "key": k,
			})
			continue
		}
		delete(r.missing, k)
		res.BookOnlyClosed++
		if r.dryRun {
			r.logger.Info(ctx, op+": [dry-run] would close phantom position", map[string]interface{}{"positionID": pos.ID})
			continue
		}
		r.closePhantom(ctx, pos)
	}

	// Venue-only: reconstruct attribution where possible.
	for k, vp := range venueByKey {
		if _, inBook := bookByKey[k]; inBook {
			continue
		}
		res.VenueOnlyFound++
		if r.dryRun {
			r.logger.Info(ctx, op+": [dry-run] would reconstruct venue-only position", map[string]interface{}{
				"symbol": vp.Symbol, "side": vp.Side, "qty": vp.Quantity,
			})
			continue
		}
		if r.reconstruct(ctx, vp) {
			res.Reconstructed++
		}
	}

	// Both: repair amount drift beyond tolerance.
	snap := r.cfg()
	for k, pos := range bookByKey {
		vp, ok := venueByKey[k]
		if !ok || pos.Quantity <= 0 {
			continue
		}
		driftPct := math.Abs(vp.Quantity-pos.Quantity) / pos.Quantity * 100
		if driftPct <= snap.SyncAmountTolerancePct {
			continue
		}
		res.AmountRepaired++
		if r.dryRun {
			r.logger.Info(ctx, op+": [dry-run] would repair quantity drift", map[string]interface{}{
				"positionID": pos.ID, "bookQty": pos.Quantity, "venueQty": vp.Quantity,
			})
			continue
		}
		pos.Quantity = vp.Quantity
		if err := r.posRepo.Update(ctx, pos); err != nil {
			r.logger.Error(ctx, err, op+": quantity repair failed", map[string]interface{}{"positionID": pos.ID})
		} else {
			r.logger.Warn(ctx, op+": repaired quantity drift", map[string]interface{}{
				"positionID": pos.ID, "quantity": vp.Quantity, "driftPct": driftPct,
			})
		}
	}

	liveOrders := make(map[int64]ports.OrderAck, len(venueOrders))
	for _, o := range venueOrders {
		liveOrders[o.OrderID] = o
	}

	// Clear stale exit ids so the monitor re-attaches.
	for _, pos := range book {
		if pos.Status != domain.StatusOpen {
			continue
		}
		changed := false
		if pos.TPOrderID != nil {
			if _, live := liveOrders[*pos.TPOrderID]; !live {
				pos.TPOrderID = nil
				changed = true
			}
		}
		if pos.SLOrderID != nil {
			if _, live := liveOrders[*pos.SLOrderID]; !live {
				pos.SLOrderID = nil
				changed = true
			}
		}
		if !changed {
			continue
		}
		res.StaleIDsCleared++
		if r.dryRun {
			r.logger.Info(ctx, op+": [dry-run] would clear stale exit order ids", map[string]interface{}{"positionID": pos.ID})
			continue
		}
		if err := r.posRepo.Update(ctx, pos); err != nil {
			r.logger.Error(ctx, err, op+": failed to clear stale exit ids", map[string]interface{}{"positionID": pos.ID})
		} else {
			r.logger.Warn(ctx, op+": cleared stale exit order ids", map[string]interface{}{"positionID": pos.ID})
		}
	}

	// Orphan sweep: reduce-only venue orders no open position references.
	for _, o := range liveOrders {
		if !o.ReduceOnly {
			continue
		}
		if r.referenced(book, o) {
			continue
		}
		res.OrphansCanceled++
		if r.dryRun {
			r.logger.Info(ctx, op+": [dry-run] would cancel orphan exit order", map[string]interface{}{
				"symbol": o.Symbol, "orderID": o.OrderID,
			})
			continue
		}
		if err := r.venue.Cancel(ctx, o.Symbol, o.OrderID); err != nil {
			r.logger.Warn(ctx, op+": orphan cancellation failed", map[string]interface{}{
				"symbol": o.Symbol, "orderID": o.OrderID, "error": err.Error(),
			})
		} else {
			r.logger.Info(ctx, op+": canceled orphan exit order", map[string]interface{}{
				"symbol": o.Symbol, "orderID": o.OrderID,
			})
		}
	}

	if res.BookOnlyClosed+res.Reconstructed+res.AmountRepaired+res.StaleIDsCleared+res.OrphansCanceled > 0 {
		r.notify(ctx, fmt.Sprintf("reconciler: closed %d phantom, reconstructed %d, repaired %d, cleared %d stale ids, canceled %d orphans",
			res.BookOnlyClosed, res.Reconstructed, res.AmountRepaired, res.StaleIDsCleared, res.OrphansCanceled))
	}
	return res, nil
}

// closePhantom closes a book position the venue no longer holds, at the
// last known price.
func (r *Reconciler) closePhantom(ctx context.Context, pos *domain.Position) {
	k := orders.LockKey(r.bot.ID, pos.Symbol, pos.Side)
	r.locks.Lock(k)
	defer r.locks.Unlock(k)

	price, err := r.venue.Price(ctx, pos.Symbol)
	if err != nil {
		r.logger.Warn(ctx, "Phantom close using entry price, ticker unavailable", map[string]interface{}{
			"positionID": pos.ID, "error": err.Error(),
		})
		price = pos.EntryPrice
	}
	pnl := pos.RealizedPNL(price)
	if err := r.posRepo.Close(ctx, pos.ID, price, pnl, domain.CloseReasonSyncNotOnVenue, r.now().UTC()); err != nil {
		r.logger.Error(ctx, err, "Failed to close phantom position", map[string]interface{}{"positionID": pos.ID})
		return
	}
	r.logger.Warn(ctx, "Closed phantom position", map[string]interface{}{
		"positionID": pos.ID, "symbol": pos.Symbol, "side": pos.Side, "closePrice": price, "pnl": pnl,
	})
	r.notify(ctx, fmt.Sprintf("phantom closed: %s %s @ %.8g pnl %.4f", pos.Symbol, pos.Side, price, pnl))
}

// reconstruct attributes a venue-only exposure: an open entry order drives
// the confirmation path; otherwise an active strategy on the symbol yields a
// synthetic position; otherwise the exposure is skipped.
func (r *Reconciler) reconstruct(ctx context.Context, vp ports.VenuePosition) bool {
	order, err := r.orderRepo.FindOpenByKey(ctx, r.bot.ID, vp.Symbol, vp.Side)
	if err != nil {
		r.logger.Error(ctx, err, "Entry order lookup failed during reconstruction", map[string]interface{}{"symbol": vp.Symbol})
		return false
	}
	if order != nil && r.resolver != nil {
		if err := r.resolver.ResolveFilled(ctx, order, vp.EntryPrice); err != nil {
			r.logger.Error(ctx, err, "Reconstruction via entry order failed", map[string]interface{}{
				"entryOrderID": order.ID,
			})
			return false
		}
		return true
	}

	strategies, err := r.strategyRepo.FindActiveByBotSymbol(ctx, r.bot.ID, vp.Symbol)
	if err != nil {
		r.logger.Error(ctx, err, "Strategy lookup failed during reconstruction", map[string]interface{}{"symbol": vp.Symbol})
		return false
	}
	if len(strategies) == 0 {
		r.logger.Warn(ctx, "Venue-only position cannot be attributed, skipping", map[string]interface{}{
			"symbol": vp.Symbol, "side": vp.Side, "qty": vp.Quantity,
		})
		return false
	}
	strat := strategies[0]

	tp := orders.TakeProfitPrice(vp.EntryPrice, vp.Side, strat.TakeProfitPct)
	var sl float64
	if strat.HasStopLoss() {
		sl = orders.StopLossPrice(vp.EntryPrice, vp.Side, strat.StopLossPct)
	}

	pos := &domain.Position{
		StrategyID:        strat.ID,
		BotID:             r.bot.ID,
		VenueOrderRef:     fmt.Sprintf("sync_%d", r.now().Unix()),
		Symbol:            vp.Symbol,
		Side:              vp.Side,
		EntryPrice:        vp.EntryPrice,
		Quantity:          vp.Quantity,
		Amount:            vp.Quantity * vp.EntryPrice,
		Leverage:          strat.Leverage,
		TakeProfit:        tp,
		InitialTakeProfit: tp,
		StopLoss:          sl,
		OpenedAt:          r.now().UTC(),
		Status:            domain.StatusOpen,
	}

	k := orders.LockKey(r.bot.ID, vp.Symbol, vp.Side)
	r.locks.Lock(k)
	defer r.locks.Unlock(k)

	if _, err := r.posRepo.Create(ctx, pos); err != nil {
		r.logger.Error(ctx, err, "Failed to create reconstructed position", map[string]interface{}{"symbol": vp.Symbol})
		return false
	}
	r.logger.Warn(ctx, "Reconstructed venue-only position", map[string]interface{}{
		"positionID": pos.ID, "symbol": vp.Symbol, "side": vp.Side, "entryPrice": vp.EntryPrice,
	})
	r.notify(ctx, fmt.Sprintf("reconstructed position: %s %s qty %.8g @ %.8g", vp.Symbol, vp.Side, vp.Quantity, vp.EntryPrice))
	return true
}

// referenced reports whether a reduce-only order belongs to any open
// position, by id or by exposure fingerprint.
func (r *Reconciler) referenced(book []*domain.Position, o ports.OrderAck) bool {
	closes := domain.SideLong
	if o.Side == string(domain.Buy) {
		closes = domain.SideShort
	}
	for _, pos := range book {
		if pos.Status != domain.StatusOpen {
			continue
		}
		if pos.TPOrderID != nil && *pos.TPOrderID == o.OrderID {
			return true
		}
		if pos.SLOrderID != nil && *pos.SLOrderID == o.OrderID {
			return true
		}
		if pos.Symbol == o.Symbol && pos.Side == closes {
			return true
		}
	}
	return false
}
