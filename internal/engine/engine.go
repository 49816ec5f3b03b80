package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"ocbot/config"
	"ocbot/internal/analytics"
	"ocbot/internal/configstore"
	"ocbot/internal/domain"
	"ocbot/internal/monitor"
	"ocbot/internal/orders"
	"ocbot/internal/ports"
	"ocbot/internal/reconciler"
	"ocbot/internal/risk"
	"ocbot/internal/scanner"
	"ocbot/internal/syncx"
	"ocbot/internal/tickbus"
	"ocbot/internal/timer"
	"ocbot/internal/workqueue"
)

const drainTimeout = 10 * time.Second

// Stores bundles the repository ports the engine depends on.
type Stores struct {
	Bots       ports.BotRepository
	Strategies ports.StrategyRepository
	Candles    ports.CandleRepository
	Orders     ports.EntryOrderRepository
	Positions  ports.PositionRepository
}

// VenueFactory builds one venue adapter per active bot.
type VenueFactory func(bot *domain.Bot) (ports.Venue, error)

// Engine orchestrates all active bots: one venue adapter, tick bus, scanner,
// order service, confirmation monitor, position monitor and reconciler per
// bot, plus shared timers for config reload and candle pruning.
type Engine struct {
	cfg      *config.Config
	stores   Stores
	store    *configstore.Store
	notifier ports.Notifier
	factory  VenueFactory
	logger   ports.Logger
}

// New creates the engine.
func New(cfg *config.Config, stores Stores, store *configstore.Store, notifier ports.Notifier, factory VenueFactory, logger ports.Logger) (*Engine, error) {
	if cfg == nil || store == nil || factory == nil || logger == nil ||
		stores.Bots == nil || stores.Strategies == nil || stores.Candles == nil ||
		stores.Orders == nil || stores.Positions == nil {
		return nil, fmt.Errorf("missing required dependencies for engine")
	}
	return &Engine{
		cfg:      cfg,
		stores:   stores,
		store:    store,
		notifier: notifier,
		factory:  factory,
		logger:   logger,
	}, nil
}

// Start runs the engine until the context is canceled or a shutdown signal
// arrives. Timer tasks stop first; in-flight work is drained with a timeout.
func (e *Engine) Start(ctx context.Context) error {
	e.logger.Info(ctx, "Starting trading engine")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		e.logger.Info(ctx, "Received shutdown signal", map[string]interface{}{"signal": sig.String()})
		cancel()
	}()

	go e.store.Run(ctx, e.cfg.ConfigReloadInterval)

	bots, err := e.stores.Bots.FindActive(ctx)
	if err != nil {
		return fmt.Errorf("failed to load active bots: %w", err)
	}
	if len(bots) == 0 {
		e.logger.Warn(ctx, "No active bots configured")
	}

	var wg sync.WaitGroup
	for _, bot := range bots {
		bot := bot
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := e.runBot(ctx, bot); err != nil {
				e.logger.Error(ctx, err, "Bot runtime exited with error", map[string]interface{}{"botID": bot.ID})
			}
		}()
	}

	go timer.Every(ctx, "candle_prune", func() time.Duration { return time.Hour }, time.Minute, e.logger, e.pruneCandles)

	<-ctx.Done()
	e.logger.Info(ctx, "Shutting down, draining bot runtimes")

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		e.logger.Info(context.Background(), "Trading engine stopped")
	case <-time.After(drainTimeout):
		e.logger.Warn(context.Background(), "Drain timeout exceeded, exiting with work in flight")
	}
	return nil
}

// runBot wires and runs the full pipeline for one bot.
func (e *Engine) runBot(ctx context.Context, bot *domain.Bot) error {
	e.logger.Info(ctx, "Starting bot runtime", map[string]interface{}{"botID": bot.ID, "name": bot.Name})

	venue, err := e.factory(bot)
	if err != nil {
		return fmt.Errorf("venue adapter construction failed for bot %d: %w", bot.ID, err)
	}

	locks := syncx.NewKeyedMutex()
	notify := e.notifyFunc(bot)

	strategies := newStrategyCache(bot, e.stores.Strategies, e.logger)
	if err := strategies.Refresh(ctx); err != nil {
		return fmt.Errorf("initial strategy load failed for bot %d: %w", bot.ID, err)
	}
	if len(strategies.Get()) == 0 {
		e.logger.Warn(ctx, "Bot has no active strategies", map[string]interface{}{"botID": bot.ID})
	}

	guard, err := risk.NewGuard(risk.Config{MaxConcurrentTrades: bot.MaxConcurrentTrades}, e.stores.Positions, e.logger)
	if err != nil {
		return err
	}

	svc, err := orders.NewService(orders.Config{
		Bot:       bot,
		Venue:     venue,
		OrderRepo: e.stores.Orders,
		PosRepo:   e.stores.Positions,
		Guard:     guard,
		Locks:     locks,
		Snapshot:  e.store.Snapshot,
		Logger:    e.logger,
	})
	if err != nil {
		return err
	}

	confirmer, err := orders.NewConfirmer(orders.ConfirmerConfig{
		BotID:        bot.ID,
		Venue:        venue,
		OrderRepo:    e.stores.Orders,
		StrategyRepo: e.stores.Strategies,
		Locks:        locks,
		Logger:       e.logger,
		Notify:       notify,
	})
	if err != nil {
		return err
	}
	svc.SetResolver(confirmer)

	statusCache := orders.NewStatusCache()

	mon, err := monitor.New(monitor.Config{
		Bot:          bot,
		Venue:        venue,
		PosRepo:      e.stores.Positions,
		StrategyRepo: e.stores.Strategies,
		StatusCache:  statusCache,
		Locks:        locks,
		Snapshot:     e.store.Snapshot,
		Logger:       e.logger,
		Notify:       notify,
	})
	if err != nil {
		return err
	}

	rec, err := reconciler.New(reconciler.Config{
		Bot:          bot,
		Venue:        venue,
		PosRepo:      e.stores.Positions,
		OrderRepo:    e.stores.Orders,
		StrategyRepo: e.stores.Strategies,
		Resolver:     confirmer,
		Locks:        locks,
		Snapshot:     e.store.Snapshot,
		Logger:       e.logger,
		Notify:       notify,
	})
	if err != nil {
		return err
	}

	scan, err := scanner.New(scanner.Config{
		BotID:      bot.ID,
		Strategies: strategies.Get,
		OrderRepo:  e.stores.Orders,
		PosRepo:    e.stores.Positions,
		Sink:       svc,
		Logger:     e.logger,
	})
	if err != nil {
		return err
	}

	// Tick bus and candle routing. Bus handlers must not block, so closed
	// candles are handed to a dedicated scan worker.
	bus := tickbus.New(e.logger, 2048)
	scanQueue := workqueue.New("scan_queue", 128, 1, e.logger)
	for _, st := range strategies.Get() {
		st := st
		if err := bus.SubscribeCandles(st.Symbol, st.Interval, func(c *domain.Candle) {
			scanQueue.Enqueue(ctx, &workqueue.Task{
				Key: fmt.Sprintf("scan/%s/%s/%d", c.Symbol, c.Interval, c.OpenTime.Unix()),
				Run: func(tctx context.Context) {
					e.handleClosedCandle(tctx, venue, scan, c)
				},
			})
		}); err != nil {
			return fmt.Errorf("candle subscription failed for %s/%s: %w", st.Symbol, st.Interval, err)
		}
	}

	symbols := bus.Symbols()
	if len(symbols) > 0 {
		if err := venue.StreamTicks(ctx, symbols, func(symbol string, price, qty float64, ts time.Time) {
			bus.Publish(symbol, price, qty, ts)
		}); err != nil {
			return fmt.Errorf("tick stream start failed for bot %d: %w", bot.ID, err)
		}
	}

	// Account stream routing: status cache first (single writer), then the
	// confirmation monitor and the position monitor.
	events, err := venue.AccountStream(ctx)
	if err != nil {
		return fmt.Errorf("account stream start failed for bot %d: %w", bot.ID, err)
	}
	go func() {
		for ev := range events {
			switch ev.Type {
			case ports.EventOrderUpdate:
				statusCache.Apply(ev.Order)
				confirmer.OnOrderUpdate(ctx, ev.Order)
				mon.OnOrderUpdate(ctx, ev.Order)
			case ports.EventListenKeyExpired:
				e.logger.Warn(ctx, "Listen key expired, adapter reconnecting", map[string]interface{}{"botID": bot.ID})
			}
		}
	}()

	// Control-loop timers. Intervals re-read the config snapshot each tick.
	go timer.Every(ctx, "position_monitor",
		func() time.Duration { return e.store.Snapshot().PositionMonitorInterval },
		0, e.logger, mon.Cycle)
	go timer.Every(ctx, "position_sync",
		func() time.Duration { return e.store.Snapshot().PositionSyncInterval },
		time.Second, e.logger, func(cctx context.Context) {
			if _, err := rec.Cycle(cctx); err != nil {
				e.logger.Error(cctx, err, "Reconcile cycle failed", map[string]interface{}{"botID": bot.ID})
			}
		})
	go timer.Every(ctx, "entry_order_poll",
		func() time.Duration { return e.store.Snapshot().EntryOrderMonitorInterval },
		0, e.logger, confirmer.Poll)
	go timer.Every(ctx, "daily_summary",
		func() time.Duration { return 24 * time.Hour },
		time.Minute, e.logger, func(cctx context.Context) {
			closed, err := e.stores.Positions.FindClosedByBot(cctx, bot.ID, 500)
			if err != nil {
				e.logger.Error(cctx, err, "Daily summary load failed", map[string]interface{}{"botID": bot.ID})
				return
			}
			cutoff := time.Now().UTC().Add(-24 * time.Hour)
			recent := make([]*domain.Position, 0, len(closed))
			for _, p := range closed {
				if p.ClosedAt.After(cutoff) {
					recent = append(recent, p)
				}
			}
			summary := analytics.Summarize(recent)
			if summary.TotalTrades > 0 {
				notify(cctx, summary.Format(cutoff))
			}
		})
	go timer.Every(ctx, "strategy_refresh",
		func() time.Duration { return e.cfg.ConfigReloadInterval },
		0, e.logger, func(cctx context.Context) {
			if err := strategies.Refresh(cctx); err != nil {
				e.logger.Error(cctx, err, "Strategy snapshot refresh failed", map[string]interface{}{"botID": bot.ID})
			}
		})

	go scanQueue.Run(ctx)
	go mon.Run(ctx)
	bus.Run(ctx)
	return nil
}

// handleClosedCandle persists the candle and feeds the scanner.
func (e *Engine) handleClosedCandle(ctx context.Context, venue ports.Venue, scan *scanner.Scanner, c *domain.Candle) {
	if err := e.stores.Candles.Append(ctx, c); err != nil {
		e.logger.Error(ctx, err, "Candle persistence failed", map[string]interface{}{
			"symbol": c.Symbol, "interval": c.Interval,
		})
	}
	price, err := venue.Price(ctx, c.Symbol)
	if err != nil {
		e.logger.Warn(ctx, "Price lookup failed for scan, using candle close", map[string]interface{}{
			"symbol": c.Symbol, "error": err.Error(),
		})
		price = c.Close
	}
	scan.OnCandleClosed(ctx, c, price)
}

// notifyFunc builds the best-effort notification closure for a bot.
// Notifier failures are logged and never raised to callers.
func (e *Engine) notifyFunc(bot *domain.Bot) func(ctx context.Context, text string) {
	return func(ctx context.Context, text string) {
		if e.notifier == nil || bot.NotifyChannel == "" {
			return
		}
		if err := e.notifier.Notify(ctx, bot.NotifyChannel, text); err != nil {
			e.logger.Warn(ctx, "Notification delivery failed", map[string]interface{}{
				"botID": bot.ID, "error": err.Error(),
			})
		}
	}
}

// pruneCandles applies the retention policy from the config snapshot.
func (e *Engine) pruneCandles(ctx context.Context) {
	snap := e.store.Snapshot()
	cutoff := time.Now().UTC().AddDate(0, 0, -snap.CandlesRetentionDays)
	keepLast := snap.CandlesKeepLastPerInterval

	switch snap.CandlesPruneMode {
	case "age":
		keepLast = 0
	case "keep":
		cutoff = time.Now().UTC() // age unbounded, keep-last only
	}

	if _, err := e.stores.Candles.Prune(ctx, cutoff, keepLast); err != nil {
		e.logger.Error(ctx, err, "Candle pruning failed")
	}
}

// strategyCache is the reloadable active-strategy snapshot for one bot,
// filtered by the bot's optional symbol predicate.
type strategyCache struct {
	bot    *domain.Bot
	repo   ports.StrategyRepository
	logger ports.Logger

	mu   sync.RWMutex
	list []*domain.Strategy
}

func newStrategyCache(bot *domain.Bot, repo ports.StrategyRepository, logger ports.Logger) *strategyCache {
	return &strategyCache{bot: bot, repo: repo, logger: logger}
}

// Get returns the current snapshot.
func (c *strategyCache) Get() []*domain.Strategy {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.list
}

// Refresh reloads active strategies and applies the bot filter.
func (c *strategyCache) Refresh(ctx context.Context) error {
	list, err := c.repo.FindActiveByBot(ctx, c.bot.ID)
	if err != nil {
		return fmt.Errorf("failed to load strategies for bot %d: %w", c.bot.ID, err)
	}
	if allowed := parseSymbolFilter(c.bot.Filter); allowed != nil {
		filtered := list[:0]
		for _, st := range list {
			if _, ok := allowed[st.Symbol]; ok {
				filtered = append(filtered, st)
			}
		}
		list = filtered
	}
	c.mu.Lock()
	c.list = list
	c.mu.Unlock()
	return nil
}

// parseSymbolFilter decodes the bot's JSON predicate. Only the "symbols"
// allowlist form is recognized; anything else means no filtering.
func parseSymbolFilter(filter string) map[string]struct{} {
	if filter == "" {
		return nil
	}
	var decoded struct {
		Symbols []string `json:"symbols"`
	}
	if err := json.Unmarshal([]byte(filter), &decoded); err != nil || len(decoded.Symbols) == 0 {
		return nil
	}
	allowed := make(map[string]struct{}, len(decoded.Symbols))
	for _, s := range decoded.Symbols {
		allowed[s] = struct{}{}
	}
	return allowed
}
