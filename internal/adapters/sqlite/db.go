package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"ocbot/internal/ports"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// Repository owns the SQLite handle and hands out one typed repository per
// entity. Each sub-repository implements its port interface.
type Repository struct {
	db     *sql.DB
	logger ports.Logger

	bots       *Bots
	strategies *Strategies
	candles    *Candles
	orders     *EntryOrders
	positions  *Positions
	config     *ConfigKV
}

// Bots returns the bot repository.
func (r *Repository) Bots() *Bots { return r.bots }

// Strategies returns the strategy repository.
func (r *Repository) Strategies() *Strategies { return r.strategies }

// Candles returns the candle repository.
func (r *Repository) Candles() *Candles { return r.candles }

// EntryOrders returns the entry order repository.
func (r *Repository) EntryOrders() *EntryOrders { return r.orders }

// Positions returns the position repository.
func (r *Repository) Positions() *Positions { return r.positions }

// ConfigKV returns the key/value config repository.
func (r *Repository) ConfigKV() *ConfigKV { return r.config }

// Config holds configuration for the SQLite repository.
type Config struct {
	DBPath string
	Logger ports.Logger
}

// NewRepository creates a new SQLite repository instance.
func NewRepository(cfg Config) (*Repository, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for SQLite repository")
	}
	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = "./data/ocbot.db"
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		err = fmt.Errorf("failed to create data directory '%s': %w", filepath.Dir(dbPath), err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	// WAL mode for better concurrency between the control loops.
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		err = fmt.Errorf("failed to open database at '%s': %w", dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	if err := db.Ping(); err != nil {
		db.Close()
		err = fmt.Errorf("failed to ping database at '%s': %w", dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	// SQLite handles concurrency internally; the Go driver benefits from a
	// single connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	repo := &Repository{db: db, logger: cfg.Logger}
	repo.bots = &Bots{db: db, logger: cfg.Logger}
	repo.strategies = &Strategies{db: db, logger: cfg.Logger}
	repo.candles = &Candles{db: db, logger: cfg.Logger}
	repo.orders = &EntryOrders{db: db, logger: cfg.Logger}
	repo.positions = &Positions{db: db, logger: cfg.Logger}
	repo.config = &ConfigKV{db: db}

	if err := repo.initializeSchema(context.Background()); err != nil {
		db.Close()
		err = fmt.Errorf("failed to initialize database schema: %w", err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}
	cfg.Logger.Info(context.Background(), "SQLite database ready", map[string]interface{}{"path": dbPath})

	return repo, nil
}

func (r *Repository) initializeSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS bots (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		venue TEXT NOT NULL DEFAULT 'binance-futures',
		api_key TEXT NOT NULL,
		secret_key TEXT NOT NULL,
		proxy TEXT DEFAULT NULL,
		max_concurrent_trades INTEGER NOT NULL DEFAULT 1,
		notify_channel TEXT DEFAULT NULL,
		active INTEGER NOT NULL DEFAULT 0,
		filter TEXT DEFAULT NULL,
		use_testnet INTEGER NOT NULL DEFAULT 1
	);

	CREATE TABLE IF NOT EXISTS strategies (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		bot_id INTEGER NOT NULL REFERENCES bots(id),
		symbol TEXT NOT NULL,
		interval TEXT NOT NULL,
		side_policy TEXT NOT NULL DEFAULT 'both' CHECK(side_policy IN ('long_only','short_only','both')),
		mode TEXT NOT NULL CHECK(mode IN ('trend_following','counter_trend')),
		oc_threshold REAL NOT NULL,
		extend REAL NOT NULL DEFAULT 0,
		amount REAL NOT NULL,
		take_profit_pct REAL NOT NULL,
		stop_loss_pct REAL DEFAULT NULL,
		reduce REAL NOT NULL DEFAULT 0,
		up_reduce REAL NOT NULL DEFAULT 0,
		leverage INTEGER NOT NULL DEFAULT 1,
		active INTEGER NOT NULL DEFAULT 1
	);
	CREATE INDEX IF NOT EXISTS idx_strategies_bot_active ON strategies(bot_id, active);

	CREATE TABLE IF NOT EXISTS candles (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		symbol TEXT NOT NULL,
		interval TEXT NOT NULL,
		open_time TIMESTAMP NOT NULL,
		close_time TIMESTAMP NOT NULL,
		open REAL NOT NULL,
		high REAL NOT NULL,
		low REAL NOT NULL,
		close REAL NOT NULL,
		volume REAL NOT NULL,
		UNIQUE(symbol, interval, open_time)
	);
	CREATE INDEX IF NOT EXISTS idx_candles_lookup ON candles(symbol, interval, open_time DESC);

	CREATE TABLE IF NOT EXISTS entry_orders (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		strategy_id INTEGER NOT NULL REFERENCES strategies(id),
		bot_id INTEGER NOT NULL REFERENCES bots(id),
		venue_order_id INTEGER NOT NULL,
		client_token TEXT NOT NULL,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL CHECK(side IN ('long','short')),
		amount REAL NOT NULL,
		quantity REAL NOT NULL,
		entry_price REAL NOT NULL,
		status TEXT NOT NULL CHECK(status IN ('open','filled','canceled','expired')),
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_entry_orders_bot_status ON entry_orders(bot_id, status);
	CREATE INDEX IF NOT EXISTS idx_entry_orders_venue ON entry_orders(bot_id, venue_order_id);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_entry_orders_token ON entry_orders(client_token);

	CREATE TABLE IF NOT EXISTS positions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		strategy_id INTEGER NOT NULL REFERENCES strategies(id),
		bot_id INTEGER NOT NULL REFERENCES bots(id),
		entry_order_id INTEGER NOT NULL DEFAULT 0,
		venue_order_ref TEXT NOT NULL DEFAULT '',
		symbol TEXT NOT NULL,
		side TEXT NOT NULL CHECK(side IN ('long','short')),
		entry_price REAL NOT NULL,
		quantity REAL NOT NULL,
		amount REAL NOT NULL,
		leverage INTEGER NOT NULL DEFAULT 1,
		take_profit REAL NOT NULL,
		initial_take_profit REAL NOT NULL,
		stop_loss REAL DEFAULT NULL,
		tp_order_id INTEGER DEFAULT NULL,
		sl_order_id INTEGER DEFAULT NULL,
		software_sl INTEGER NOT NULL DEFAULT 0,
		breakeven INTEGER NOT NULL DEFAULT 0,
		minutes_elapsed INTEGER NOT NULL DEFAULT 0,
		opened_at TIMESTAMP NOT NULL,
		status TEXT NOT NULL CHECK(status IN ('open','closed')),
		close_price REAL DEFAULT NULL,
		pnl REAL DEFAULT NULL,
		close_reason TEXT DEFAULT NULL,
		closed_at TIMESTAMP DEFAULT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_positions_bot_status ON positions(bot_id, status);
	CREATE INDEX IF NOT EXISTS idx_positions_key ON positions(bot_id, symbol, side, status);

	-- Enforce at most one open exposure per (bot, symbol, side).
	CREATE TRIGGER IF NOT EXISTS enforce_one_open_exposure
	BEFORE INSERT ON positions
	WHEN NEW.status = 'open'
	BEGIN
		SELECT RAISE(ABORT, 'Only one open position per (bot, symbol, side) allowed')
		WHERE EXISTS (
			SELECT 1 FROM positions
			WHERE bot_id = NEW.bot_id AND symbol = NEW.symbol AND side = NEW.side AND status = 'open'
		);
	END;

	-- Refuse deleting a bot that still has open exposures.
	CREATE TRIGGER IF NOT EXISTS refuse_bot_delete_with_open_positions
	BEFORE DELETE ON bots
	BEGIN
		SELECT RAISE(ABORT, 'Bot has open positions')
		WHERE EXISTS (
			SELECT 1 FROM positions WHERE bot_id = OLD.id AND status = 'open'
		);
	END;

	CREATE TABLE IF NOT EXISTS config (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to execute schema initialization: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (r *Repository) Close() error {
	if r.db != nil {
		r.logger.Info(context.Background(), "Closing SQLite database connection")
		return r.db.Close()
	}
	return nil
}
