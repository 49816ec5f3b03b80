package cli

import (
	"context"
	"fmt"

	"ocbot/config"
	"ocbot/internal/adapters/binanceclient"
	"ocbot/internal/adapters/logger"
	"ocbot/internal/adapters/sqlite"
	"ocbot/internal/configstore"
	"ocbot/internal/domain"
	"ocbot/internal/ports"
)

// Exit codes shared by the operator tools.
const (
	ExitOK    = 0
	ExitFatal = 1
	ExitNoop  = 2
)

// Env is the common wiring the operator tools share.
type Env struct {
	Cfg    *config.Config
	Logger ports.Logger
	Repo   *sqlite.Repository
	Store  *configstore.Store
}

// Bootstrap loads configuration and opens the repository and config store.
func Bootstrap(ctx context.Context) (*Env, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	var appLogger ports.Logger
	if cfg.LogFormat == "json" {
		appLogger = logger.NewZeroLogger(cfg.LogLevel)
	} else {
		appLogger = logger.NewStdLogger(cfg.LogLevel)
	}

	repo, err := sqlite.NewRepository(sqlite.Config{DBPath: cfg.DBPath, Logger: appLogger})
	if err != nil {
		return nil, fmt.Errorf("failed to open repository: %w", err)
	}

	store, err := configstore.New(ctx, repo.ConfigKV(), appLogger)
	if err != nil {
		repo.Close()
		return nil, fmt.Errorf("failed to initialize config store: %w", err)
	}

	return &Env{Cfg: cfg, Logger: appLogger, Repo: repo, Store: store}, nil
}

// Close releases the environment.
func (e *Env) Close() {
	if e.Repo != nil {
		e.Repo.Close()
	}
}

// Venue builds the venue adapter for one bot, using the stored scheduler
// tuning.
func (e *Env) Venue(bot *domain.Bot) (ports.Venue, error) {
	snap := e.Store.Snapshot()
	return binanceclient.New(binanceclient.Config{
		APIKey:     bot.APIKey,
		SecretKey:  bot.SecretKey,
		UseTestnet: bot.UseTestnet || e.Cfg.IsTestnet,
		Proxy:      bot.Proxy,
		Logger:     e.Logger,
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
		CallTimeout:          e.Cfg.VenueCallTimeout,
		ReconnectDelay:       e.Cfg.ReconnectDelay,
		MaxReconnectAttempts: e.Cfg.MaxReconnectAttempts,
		HedgeFallback:        e.Cfg.PositionMode == "hedge",
	})
}

// ActiveBots loads the active bots. With botID > 0 it returns that one bot
// regardless of its active flag.
func (e *Env) ActiveBots(ctx context.Context, botID int64) ([]*domain.Bot, error) {
	if botID > 0 {
		bot, err := e.Repo.Bots().FindByID(ctx, botID)
		if err != nil {
			return nil, err
		}
		if bot == nil {
			return nil, fmt.Errorf("bot %d not found", botID)
		}
		return []*domain.Bot{bot}, nil
	}
	return e.Repo.Bots().FindActive(ctx)
}
