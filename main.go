package main

import (
	"context"
	"log" // standard log only for fatal errors before the logger is ready

	"ocbot/config"
	"ocbot/internal/adapters/binanceclient"
	"ocbot/internal/adapters/logger"
	"ocbot/internal/adapters/sqlite"
	"ocbot/internal/adapters/telegram"
	"ocbot/internal/configstore"
	"ocbot/internal/domain"
	"ocbot/internal/engine"
	"ocbot/internal/ports"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err)
	}

	var appLogger ports.Logger
	if cfg.LogFormat == "json" {
		appLogger = logger.NewZeroLogger(cfg.LogLevel)
	} else {
		appLogger = logger.NewStdLogger(cfg.LogLevel)
	}
	appLogger.Info(context.Background(), "Logger initialized", map[string]interface{}{"level": cfg.LogLevel.String(), "format": cfg.LogFormat})

	repo, err := sqlite.NewRepository(sqlite.Config{
		DBPath: cfg.DBPath,
		Logger: appLogger,
	})
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize database repository: %v", err)
	}
	defer func() {
		if err := repo.Close(); err != nil {
			appLogger.Error(context.Background(), err, "Error closing database repository")
		}
	}()

	store, err := configstore.New(context.Background(), repo.ConfigKV(), appLogger)
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize config store")
		log.Fatalf("FATAL: Failed to initialize config store: %v", err)
	}

	notifier, err := telegram.New(telegram.Config{Token: cfg.TelegramToken, Logger: appLogger})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize notifier")
		log.Fatalf("FATAL: Failed to initialize notifier: %v", err)
	}

	factory := func(bot *domain.Bot) (ports.Venue, error) {
		snap := store.Snapshot()
		return binanceclient.New(binanceclient.Config{
			APIKey:     bot.APIKey,
			SecretKey:  bot.SecretKey,
			UseTestnet: bot.UseTestnet || cfg.IsTestnet,
			Proxy:      bot.Proxy,
			Logger:     appLogger,
			Scheduler: binanceclient.NewScheduler(binanceclient.SchedulerConfig{
				MinRequestInterval:    snap.MinRequestInterval,
				SignedRequestInterval: snap.SignedRequestInterval,
				MarketDataMinInterval: snap.MarketDataMinInterval,
				TimeoutWindow:         snap.TimeoutWindow,
				TimeoutThreshold:      snap.TimeoutThreshold,
				MaxThrottleMultiplier: snap.MaxThrottleMultiplier,
				ThrottleDecay:         snap.ThrottleDecay,
				CircuitCooldown:       snap.TimeoutCircuitCooldown,
			}),
			CallTimeout:          cfg.VenueCallTimeout,
			ReconnectDelay:       cfg.ReconnectDelay,
			MaxReconnectAttempts: cfg.MaxReconnectAttempts,
			HedgeFallback:        cfg.PositionMode == "hedge",
		})
	}

	eng, err := engine.New(cfg, engine.Stores{
		Bots:       repo.Bots(),
		Strategies: repo.Strategies(),
		Candles:    repo.Candles(),
		Orders:     repo.EntryOrders(),
		Positions:  repo.Positions(),
	}, store, notifier, factory, appLogger)
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize engine")
		log.Fatalf("FATAL: Failed to initialize engine: %v", err)
	}

	if err := eng.Start(context.Background()); err != nil {
		appLogger.Error(context.Background(), err, "Engine exited with error")
		log.Fatalf("FATAL: Engine exited with error: %v", err)
	}

	appLogger.Info(context.Background(), "Application finished gracefully.")
}
