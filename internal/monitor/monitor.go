package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"ocbot/internal/configstore"
	"ocbot/internal/domain"
	"ocbot/internal/orders"
	"ocbot/internal/ports"
	"ocbot/internal/syncx"
	"ocbot/internal/workqueue"
)

// PlacementOutcome classifies one protective-exit placement attempt.
type PlacementOutcome int

const (
	OutcomePlaced PlacementOutcome = iota
	OutcomeRefusedBySymbol
	OutcomeRejectedBySize
	OutcomeAborted // two-phase re-check failed; position no longer needs the order
	OutcomeFailed
)

// Monitor is the per-position control loop. Layer A (safety) ensures both
// protective exits exist; Layer B (strategy) trails the TP, detects fills
// and closes positions. Cycles enqueue work onto two bounded priority queues
// and return; workers drain asynchronously.
type Monitor struct {
	bot          *domain.Bot
	venue        ports.Venue
	posRepo      ports.PositionRepository
	strategyRepo ports.StrategyRepository
	status       *orders.StatusCache
	locks        *syncx.KeyedMutex
	cfg          func() *configstore.Snapshot
	logger       ports.Logger
	notify       func(ctx context.Context, text string)

	tpslQueue    *workqueue.Queue
	monitorQueue *workqueue.Queue

	running atomic.Bool // skip-if-running cycle guard
	now     func() time.Time
}

// Config wires a position monitor for one bot.
type Config struct {
	Bot          *domain.Bot
	Venue        ports.Venue
	PosRepo      ports.PositionRepository
	StrategyRepo ports.StrategyRepository
	StatusCache  *orders.StatusCache
	Locks        *syncx.KeyedMutex
	Snapshot     func() *configstore.Snapshot
	Logger       ports.Logger
	Notify       func(ctx context.Context, text string) // best-effort, may be nil
}

// New creates a position monitor.
func New(cfg Config) (*Monitor, error) {
	if cfg.Bot == nil || cfg.Venue == nil || cfg.PosRepo == nil || cfg.StrategyRepo == nil ||
		cfg.StatusCache == nil || cfg.Locks == nil || cfg.Snapshot == nil || cfg.Logger == nil {
		return nil, fmt.Errorf("missing required dependencies for position monitor")
	}
	notify := cfg.Notify
	if notify == nil {
		notify = func(context.Context, string) {}
	}
	return &Monitor{
		bot:          cfg.Bot,
		venue:        cfg.Venue,
		posRepo:      cfg.PosRepo,
		strategyRepo: cfg.StrategyRepo,
		status:       cfg.StatusCache,
		locks:        cfg.Locks,
		cfg:          cfg.Snapshot,
		logger:       cfg.Logger,
		notify:       notify,
		tpslQueue:    workqueue.New("tp_sl_queue", 512, 4, cfg.Logger),
		monitorQueue: workqueue.New("monitor_queue", 512, 3, cfg.Logger),
		now:          time.Now,
	}, nil
}

// Run starts the worker pools and blocks until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		m.tpslQueue.Run(ctx)
		close(done)
	}()
	m.monitorQueue.Run(ctx)
	<-done
}

// Cycle scans the open book once and enqueues per-position work. It is not
// reentrant per bot and returns quickly even with a large book.
func (m *Monitor) Cycle(ctx context.Context) {
	if !m.running.CompareAndSwap(false, true) {
		m.logger.Debug(ctx, "Monitor cycle still running, skipping")
		return
	}
	defer m.running.Store(false)

	positions, err := m.posRepo.FindOpenByBot(ctx, m.bot.ID)
	if err != nil {
		m.logger.Error(ctx, err, "Monitor cycle failed to load open positions")
		return
	}

	snap := m.cfg()
	now := m.now()
	tpslEnqueued := 0
	for _, pos := range positions {
		posID := pos.ID
		// Batch limit bounds how much Layer A work one cycle schedules; the
		// rest is picked up next cycle (emergencies are prioritized anyway).
		if !pos.HasBothExits() && tpslEnqueued < snap.TPSLBatchSize {
			emergency := pos.Age(now) > snap.EmergencyTTL
			if emergency {
				m.logger.Warn(ctx, "Position past emergency TTL without both exits", map[string]interface{}{
					"positionID": posID, "age": pos.Age(now).String(),
				})
			}
			m.tpslQueue.Enqueue(ctx, &workqueue.Task{
				Key:        fmt.Sprintf("tpsl/%d", posID),
				Emergency:  emergency,
				EnqueuedAt: pos.OpenedAt, // age-priority within the queue
				Run: func(tctx context.Context) {
					m.ensureExits(tctx, posID, emergency)
				},
			})
			tpslEnqueued++
		}
		m.monitorQueue.Enqueue(ctx, &workqueue.Task{
			Key: fmt.Sprintf("mon/%d", posID),
			Run: func(tctx context.Context) {
				m.monitorPosition(tctx, posID)
			},
		})
	}
}

// OnOrderUpdate reacts to account-stream exit-order events between cycles.
func (m *Monitor) OnOrderUpdate(ctx context.Context, u *ports.OrderUpdate) {
	if u == nil || !u.ReduceOnly {
		return
	}
	positions, err := m.posRepo.FindOpenByBot(ctx, m.bot.ID)
	if err != nil {
		m.logger.Error(ctx, err, "Open position scan failed for stream event")
		return
	}
	for _, pos := range positions {
		posID := pos.ID
		if (pos.TPOrderID != nil && *pos.TPOrderID == u.OrderID) ||
			(pos.SLOrderID != nil && *pos.SLOrderID == u.OrderID) {
			m.monitorQueue.Enqueue(ctx, &workqueue.Task{
				Key: fmt.Sprintf("mon/%d", posID),
				Run: func(tctx context.Context) {
					m.monitorPosition(tctx, posID)
				},
			})
			return
		}
	}
}

// --- Layer A: safety ---

// ensureExits attaches missing protective exits, TP first, then SL, with a
// re-verification between the two phases.
func (m *Monitor) ensureExits(ctx context.Context, posID int64, emergency bool) {
	snap := m.cfg()

	withPositionLock(m.locks, m.bot.ID, m.posRepo, ctx, posID, m.logger, func(p *domain.Position) {
		retries := snap.TPSLMaxRetries
		if retries <= 0 {
			retries = 1
		}

		for attempt := 1; attempt <= retries; attempt++ {
			done, err := m.attachExits(ctx, p, emergency)
			if done || err == nil {
				return
			}
			m.logger.Warn(ctx, "Exit attachment attempt failed", map[string]interface{}{
				"positionID": p.ID, "attempt": attempt, "error": err.Error(),
			})
			select {
			case <-time.After(snap.TPSLRetryBackoff):
			case <-ctx.Done():
				return
			}
		}
	})
}

// attachExits performs one two-phase attachment pass.
// Returns done=true when no further attempts are needed.
func (m *Monitor) attachExits(ctx context.Context, pos *domain.Position, emergency bool) (bool, error) {
	// Phase 1: TP.
	if pos.TPOrderID == nil {
		outcome, orderID, err := m.placeTakeProfit(ctx, pos, emergency)
		switch outcome {
		case OutcomePlaced:
			pos.TPOrderID = &orderID
			if uerr := m.posRepo.Update(ctx, pos); uerr != nil {
				return false, fmt.Errorf("failed to persist TP order id: %w", uerr)
			}
			m.notify(ctx, fmt.Sprintf("tp attached: %s %s @ %.8g", pos.Symbol, pos.Side, pos.TakeProfit))
		case OutcomeAborted:
			return true, nil
		default:
			return false, err
		}
	}

	if pos.StopLoss <= 0 || pos.SLOrderID != nil || pos.SoftwareSL {
		return true, nil
	}

	// Pace the second placement to stay friendly to the venue scheduler.
	if delay := m.cfg().TPSLUpdateDelay; delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}

	// Two-phase re-check: the position must still be open on the venue and
	// the TP must not have filled, otherwise a reduce-only SL would be
	// rejected against a closed position.
	stillOpen, err := m.verifyBeforeSL(ctx, pos)
	if err != nil {
		return false, err
	}
	if !stillOpen {
		m.logger.Info(ctx, "SL placement aborted, position no longer open on venue", map[string]interface{}{
			"positionID": pos.ID,
		})
		return true, nil
	}

	// Phase 2: SL.
	outcome, orderID, err := m.placeStopLoss(ctx, pos, emergency)
	switch outcome {
	case OutcomePlaced:
		pos.SLOrderID = &orderID
		if uerr := m.posRepo.Update(ctx, pos); uerr != nil {
			return false, fmt.Errorf("failed to persist SL order id: %w", uerr)
		}
		m.notify(ctx, fmt.Sprintf("sl attached: %s %s @ %.8g", pos.Symbol, pos.Side, pos.StopLoss))
		return true, nil
	case OutcomeRefusedBySymbol:
		// Venue refuses conditional orders; enforce the stop in software.
		pos.SoftwareSL = true
		if uerr := m.posRepo.Update(ctx, pos); uerr != nil {
			return false, fmt.Errorf("failed to persist software-SL mode: %w", uerr)
		}
		m.logger.Warn(ctx, "Venue refused stop order, switching to software SL", map[string]interface{}{
			"positionID": pos.ID, "stopLoss": pos.StopLoss,
		})
		return true, nil
	case OutcomeAborted:
		return true, nil
	default:
		return false, err
	}
}

// verifyBeforeSL re-checks venue state between the TP and SL phases.
func (m *Monitor) verifyBeforeSL(ctx context.Context, pos *domain.Position) (bool, error) {
	if pos.TPOrderID != nil {
		if u := m.status.Get(*pos.TPOrderID); u != nil && u.Status == "FILLED" {
			m.closeFromExitFill(ctx, pos, u, domain.CloseReasonTakeProfit)
			return false, nil
		}
	}
	closable, err := m.venue.ClosableQty(ctx, pos.Symbol, pos.Side)
	if err != nil {
		return false, fmt.Errorf("closable quantity check failed: %w", err)
	}
	return closable > 0, nil
}

func (m *Monitor) placeTakeProfit(ctx context.Context, pos *domain.Position, emergency bool) (PlacementOutcome, int64, error) {
	req := ports.SubmitOrder{
		Symbol:     pos.Symbol,
		Side:       pos.Side.ExitSide(),
		Type:       ports.OrderTypeTakeProfitMarket,
		Quantity:   pos.Quantity,
		StopPrice:  pos.TakeProfit,
		ReduceOnly: true,
		Emergency:  emergency,
	}
	if pos.Breakeven {
		req.Type = ports.OrderTypeStopMarket
	}
	if m.venue.HedgeMode() {
		req.PositionSide = hedgeSide(pos.Side)
	}

	ack, err := m.venue.Submit(ctx, req)
	if err == nil {
		return OutcomePlaced, ack.OrderID, nil
	}

	// The market variant can be refused per symbol; fall back to a limit TP.
	var rejected *ports.VenueRejectedError
	if errors.As(err, &rejected) || errors.Is(err, ports.ErrInvalidPrice) {
		req.Type = ports.OrderTypeLimit
		req.Price = pos.TakeProfit
		req.StopPrice = 0
		ack, lerr := m.venue.Submit(ctx, req)
		if lerr == nil {
			m.logger.Info(ctx, "TP placed as limit after market variant rejection", map[string]interface{}{
				"positionID": pos.ID,
			})
			return OutcomePlaced, ack.OrderID, nil
		}
		err = lerr
	}

	switch {
	case errors.Is(err, ports.ErrReduceOnlyRejected):
		// Position already closed on the venue; nothing to protect.
		return OutcomeAborted, 0, nil
	case errors.Is(err, ports.ErrInvalidSize):
		return OutcomeRejectedBySize, 0, err
	default:
		return OutcomeFailed, 0, err
	}
}

func (m *Monitor) placeStopLoss(ctx context.Context, pos *domain.Position, emergency bool) (PlacementOutcome, int64, error) {
	req := ports.SubmitOrder{
		Symbol:     pos.Symbol,
		Side:       pos.Side.ExitSide(),
		Type:       ports.OrderTypeStopMarket,
		Quantity:   pos.Quantity,
		StopPrice:  pos.StopLoss,
		ReduceOnly: true,
		Emergency:  emergency,
	}
	if m.venue.HedgeMode() {
		req.PositionSide = hedgeSide(pos.Side)
	}

	ack, err := m.venue.Submit(ctx, req)
	if err == nil {
		return OutcomePlaced, ack.OrderID, nil
	}

	var rejected *ports.VenueRejectedError
	switch {
	case errors.Is(err, ports.ErrReduceOnlyRejected):
		return OutcomeAborted, 0, nil
	case errors.Is(err, ports.ErrInvalidSize):
		return OutcomeRejectedBySize, 0, err
	case errors.As(err, &rejected), errors.Is(err, ports.ErrImmediateTrigger):
		return OutcomeRefusedBySymbol, 0, err
	default:
		return OutcomeFailed, 0, err
	}
}

// --- Layer B: strategy ---

// monitorPosition runs one soft pass: fill detection, software SL, trailing.
func (m *Monitor) monitorPosition(ctx context.Context, posID int64) {
	withPositionLock(m.locks, m.bot.ID, m.posRepo, ctx, posID, m.logger, func(pos *domain.Position) {
		if m.detectExitFills(ctx, pos) {
			return
		}
		if m.enforceSoftwareSL(ctx, pos) {
			return
		}
		m.trail(ctx, pos)
	})
}

// detectExitFills closes the position when a protective exit has filled.
func (m *Monitor) detectExitFills(ctx context.Context, pos *domain.Position) bool {
	if pos.TPOrderID != nil {
		// A TP converted to a stop at entry still counts as a TP exit.
		if u := m.status.Get(*pos.TPOrderID); u != nil && u.Status == "FILLED" {
			m.closeFromExitFill(ctx, pos, u, domain.CloseReasonTakeProfit)
			return true
		}
	}
	if pos.SLOrderID != nil {
		if u := m.status.Get(*pos.SLOrderID); u != nil && u.Status == "FILLED" {
			m.closeFromExitFill(ctx, pos, u, domain.CloseReasonStopLoss)
			return true
		}
	}
	return false
}

// closeFromExitFill finalizes a position whose exit order filled, canceling
// the sibling exit so no orphan remains.
func (m *Monitor) closeFromExitFill(ctx context.Context, pos *domain.Position, u *ports.OrderUpdate, reason domain.CloseReason) {
	closePrice := u.AvgFillPrice
	if closePrice <= 0 {
		if reason == domain.CloseReasonStopLoss {
			closePrice = pos.StopLoss
		} else {
			closePrice = pos.TakeProfit
		}
	}
	pnl := pos.RealizedPNL(closePrice)

	if err := m.posRepo.Close(ctx, pos.ID, closePrice, pnl, reason, m.now().UTC()); err != nil {
		m.logger.Error(ctx, err, "Failed to close position after exit fill", map[string]interface{}{"positionID": pos.ID})
		return
	}

	// Cancel the sibling exit; a non-existent order is a non-error.
	if reason == domain.CloseReasonTakeProfit && pos.SLOrderID != nil {
		if err := m.venue.Cancel(ctx, pos.Symbol, *pos.SLOrderID); err != nil {
			m.logger.Warn(ctx, "Failed to cancel SL after TP fill", map[string]interface{}{
				"positionID": pos.ID, "slOrderID": *pos.SLOrderID, "error": err.Error(),
			})
		}
	}
	if reason == domain.CloseReasonStopLoss && pos.TPOrderID != nil {
		if err := m.venue.Cancel(ctx, pos.Symbol, *pos.TPOrderID); err != nil {
			m.logger.Warn(ctx, "Failed to cancel TP after SL fill", map[string]interface{}{
				"positionID": pos.ID, "tpOrderID": *pos.TPOrderID, "error": err.Error(),
			})
		}
	}
	if pos.TPOrderID != nil {
		m.status.Forget(*pos.TPOrderID)
	}
	if pos.SLOrderID != nil {
		m.status.Forget(*pos.SLOrderID)
	}

	m.logger.Info(ctx, "Position closed on exit fill", map[string]interface{}{
		"positionID": pos.ID, "reason": reason, "closePrice": closePrice, "pnl": pnl,
	})
	m.notify(ctx, fmt.Sprintf("position closed: %s %s @ %.8g pnl %.4f (%s)", pos.Symbol, pos.Side, closePrice, pnl, reason))
}

// enforceSoftwareSL closes the position with a market order when the price
// crosses the stop level and the venue holds no conditional stop.
func (m *Monitor) enforceSoftwareSL(ctx context.Context, pos *domain.Position) bool {
	if !pos.SoftwareSL || pos.StopLoss <= 0 {
		return false
	}
	price, err := m.venue.Price(ctx, pos.Symbol)
	if err != nil {
		m.logger.Warn(ctx, "Software SL price check failed", map[string]interface{}{
			"positionID": pos.ID, "error": err.Error(),
		})
		return false
	}
	crossed := (pos.Side == domain.SideLong && price <= pos.StopLoss) ||
		(pos.Side == domain.SideShort && price >= pos.StopLoss)
	if !crossed {
		return false
	}

	req := ports.SubmitOrder{
		Symbol:     pos.Symbol,
		Side:       pos.Side.ExitSide(),
		Type:       ports.OrderTypeMarket,
		Quantity:   pos.Quantity,
		ReduceOnly: true,
		Emergency:  true,
	}
	if m.venue.HedgeMode() {
		req.PositionSide = hedgeSide(pos.Side)
	}
	ack, err := m.venue.Submit(ctx, req)
	if err != nil {
		m.logger.Error(ctx, err, "Software SL market close failed", map[string]interface{}{"positionID": pos.ID})
		return false
	}

	closePrice := ack.AvgFillPrice
	if closePrice <= 0 {
		closePrice = price
	}
	pnl := pos.RealizedPNL(closePrice)
	if err := m.posRepo.Close(ctx, pos.ID, closePrice, pnl, domain.CloseReasonStopLoss, m.now().UTC()); err != nil {
		m.logger.Error(ctx, err, "Failed to record software SL close", map[string]interface{}{"positionID": pos.ID})
		return true
	}
	if pos.TPOrderID != nil {
		if err := m.venue.Cancel(ctx, pos.Symbol, *pos.TPOrderID); err != nil {
			m.logger.Warn(ctx, "Failed to cancel TP after software SL close", map[string]interface{}{
				"positionID": pos.ID, "error": err.Error(),
			})
		}
	}
	m.logger.Info(ctx, "Software SL closed position", map[string]interface{}{
		"positionID": pos.ID, "closePrice": closePrice, "pnl": pnl,
	})
	m.notify(ctx, fmt.Sprintf("position closed: %s %s @ %.8g pnl %.4f (sl_hit, software)", pos.Symbol, pos.Side, closePrice, pnl))
	return true
}

// trail updates the TP target at minute boundaries and re-places the venue
// order when the move clears the replacement thresholds.
func (m *Monitor) trail(ctx context.Context, pos *domain.Position) {
	snap := m.cfg()
	if !snap.TrailingEnabled {
		return
	}

	strat, err := m.strategyRepo.FindByID(ctx, pos.StrategyID)
	if err != nil || strat == nil {
		if err != nil {
			m.logger.Error(ctx, err, "Strategy lookup failed for trailing", map[string]interface{}{"positionID": pos.ID})
		}
		return
	}

	minutesNow := int(pos.Age(m.now()).Minutes())
	res := NextTrailingTP(pos, strat, minutesNow)
	if !res.Changed {
		return
	}

	prevTP := pos.TakeProfit
	wasBreakeven := pos.Breakeven
	pos.TakeProfit = res.NewTP
	pos.Breakeven = res.Breakeven
	pos.MinutesElapsed = minutesNow

	replace := false
	if pos.TPOrderID != nil {
		meta, merr := m.venue.SymbolMeta(ctx, pos.Symbol)
		tick := 0.0
		if merr == nil {
			tick = meta.TickSize
		}
		replace = ShouldReplace(prevTP, res.NewTP, tick, snap.TPUpdateThresholdTicks, snap.ExitOrderMinPriceChangePct)
		// Crossing into breakeven always converts the order type.
		if res.Breakeven && !wasBreakeven {
			replace = true
		}
	}

	if replace {
		if err := m.venue.Cancel(ctx, pos.Symbol, *pos.TPOrderID); err != nil {
			m.logger.Warn(ctx, "Failed to cancel TP before replacement", map[string]interface{}{
				"positionID": pos.ID, "error": err.Error(),
			})
		}
		pos.TPOrderID = nil
		outcome, orderID, perr := m.placeTakeProfit(ctx, pos, false)
		if outcome == OutcomePlaced {
			pos.TPOrderID = &orderID
		} else if perr != nil {
			// The id stays cleared; the next safety pass re-attaches.
			m.logger.Warn(ctx, "TP replacement failed, safety layer will re-attach", map[string]interface{}{
				"positionID": pos.ID, "error": perr.Error(),
			})
		}
	}

	// The stored target moves either way; venue drift is repaired by the
	// next cycle or the reconciler.
	if err := m.posRepo.Update(ctx, pos); err != nil {
		m.logger.Error(ctx, err, "Failed to persist trailed TP", map[string]interface{}{"positionID": pos.ID})
		return
	}
	m.logger.Debug(ctx, "TP trailed", map[string]interface{}{
		"positionID": pos.ID, "prevTP": prevTP, "newTP": res.NewTP,
		"breakeven": res.Breakeven, "replaced": replace,
	})
}

// withPositionLock reloads the position under its exposure lock and runs fn
// when it is still open.
func withPositionLock(locks *syncx.KeyedMutex, botID int64, repo ports.PositionRepository,
	ctx context.Context, posID int64, logger ports.Logger, fn func(pos *domain.Position)) {

	pos, err := repo.FindByID(ctx, posID)
	if err != nil {
		logger.Error(ctx, err, "Position reload failed", map[string]interface{}{"positionID": posID})
		return
	}
	if pos == nil || !pos.IsOpen() {
		return
	}

	key := orders.LockKey(botID, pos.Symbol, pos.Side)
	locks.Lock(key)
	defer locks.Unlock(key)

	// Re-load under the lock; another path may have closed it meanwhile.
	pos, err = repo.FindByID(ctx, posID)
	if err != nil {
		logger.Error(ctx, err, "Position reload failed under lock", map[string]interface{}{"positionID": posID})
		return
	}
	if pos == nil || !pos.IsOpen() {
		return
	}
	fn(pos)
}

func hedgeSide(side domain.Side) string {
	if side == domain.SideShort {
		return "SHORT"
	}
	return "LONG"
}
