package ports

import (
	"context"
	"time"

	"ocbot/internal/domain"
)

// BotRepository stores trading account bindings.
type BotRepository interface {
	// FindActive retrieves all bots with the active flag set.
	FindActive(ctx context.Context) ([]*domain.Bot, error)
	// FindByID retrieves a bot by id. Returns nil, nil when not found.
	FindByID(ctx context.Context, id int64) (*domain.Bot, error)
	// Delete removes a bot. Refused with ErrBotHasExposure while any of the
	// bot's positions is open.
	Delete(ctx context.Context, id int64) error
}

// StrategyRepository stores per-(bot, symbol, interval) signal rules.
type StrategyRepository interface {
	// FindActiveByBot retrieves the active strategies for a bot, ordered by id.
	FindActiveByBot(ctx context.Context, botID int64) ([]*domain.Strategy, error)
	// FindByID retrieves a strategy by id. Returns nil, nil when not found.
	FindByID(ctx context.Context, id int64) (*domain.Strategy, error)
	// FindActiveByBotSymbol retrieves active strategies for (bot, symbol), ordered by id.
	FindActiveByBotSymbol(ctx context.Context, botID int64, symbol string) ([]*domain.Strategy, error)
}

// CandleRepository stores closed candles. Appended by the ingestor; the core
// reads and prunes.
type CandleRepository interface {
	// Append inserts a closed candle, ignoring duplicates on
	// (symbol, interval, open_time).
	Append(ctx context.Context, c *domain.Candle) error
	// Latest retrieves the most recent closed candle for (symbol, interval).
	// Returns nil, nil when none exists.
	Latest(ctx context.Context, symbol, interval string) (*domain.Candle, error)
	// Recent retrieves up to limit most recent candles, newest first.
	Recent(ctx context.Context, symbol, interval string, limit int) ([]*domain.Candle, error)
	// Prune removes candles older than the cutoff, keeping at least keepLast
	// per (symbol, interval) when keepLast > 0. Returns rows removed.
	Prune(ctx context.Context, olderThan time.Time, keepLast int) (int64, error)
}

// EntryOrderRepository stores venue-submitted entries.
type EntryOrderRepository interface {
	// Create persists a new entry order with status open and returns its id.
	Create(ctx context.Context, o *domain.EntryOrder) (int64, error)
	// FindOpen retrieves all open entry orders for a bot.
	FindOpen(ctx context.Context, botID int64) ([]*domain.EntryOrder, error)
	// FindOpenByKey retrieves the open entry order for (bot, symbol, side).
	// Returns nil, nil when none exists.
	FindOpenByKey(ctx context.Context, botID int64, symbol string, side domain.Side) (*domain.EntryOrder, error)
	// FindByVenueOrderID retrieves an entry order by its venue order id.
	FindByVenueOrderID(ctx context.Context, botID, venueOrderID int64) (*domain.EntryOrder, error)
	// MarkTerminal moves an open entry order to a terminal status. Terminal
	// rows are immutable; updating one returns ErrUpdateFailed.
	MarkTerminal(ctx context.Context, id int64, status domain.EntryOrderStatus) error
	// ResolveFilled atomically marks the entry order filled and creates the
	// position in one transaction. Returns the new position id.
	ResolveFilled(ctx context.Context, orderID int64, pos *domain.Position) (int64, error)
}

// PositionRepository stores confirmed exposures.
type PositionRepository interface {
	// Create saves a new position and returns its assigned id.
	Create(ctx context.Context, pos *domain.Position) (int64, error)
	// Update modifies an existing open position.
	Update(ctx context.Context, pos *domain.Position) error
	// Close transitions a position to closed with the given outcome. Closing
	// an already-closed position returns ErrUpdateFailed.
	Close(ctx context.Context, id int64, closePrice, pnl float64, reason domain.CloseReason, closedAt time.Time) error
	// FindOpenByBot retrieves all open positions for a bot.
	FindOpenByBot(ctx context.Context, botID int64) ([]*domain.Position, error)
	// FindOpenByKey retrieves the open position for (bot, symbol, side).
	// Returns nil, nil when none exists.
	FindOpenByKey(ctx context.Context, botID int64, symbol string, side domain.Side) (*domain.Position, error)
	// FindByID retrieves a position by id. Returns nil, nil when not found.
	FindByID(ctx context.Context, id int64) (*domain.Position, error)
	// CountOpenByBot counts open positions for a bot.
	CountOpenByBot(ctx context.Context, botID int64) (int, error)
	// FindClosedByBot retrieves the most recent closed positions, up to limit.
	FindClosedByBot(ctx context.Context, botID int64, limit int) ([]*domain.Position, error)
}

// ConfigRepository is the flat key/value store backing the config snapshot.
type ConfigRepository interface {
	// All returns every stored key/value pair.
	All(ctx context.Context) (map[string]string, error)
	// Set upserts one key.
	Set(ctx context.Context, key, value string) error
}
