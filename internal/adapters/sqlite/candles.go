package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"ocbot/internal/domain"
	"ocbot/internal/ports"
)

const candleColumns = `symbol, interval, open_time, close_time, open, high, low, close, volume`

// Candles implements ports.CandleRepository.
type Candles struct {
	db     *sql.DB
	logger ports.Logger
}

// Append inserts a closed candle, ignoring duplicates on (symbol, interval, open_time).
func (r *Candles) Append(ctx context.Context, c *domain.Candle) error {
	const query = `
	INSERT OR IGNORE INTO candles (symbol, interval, open_time, close_time, open, high, low, close, volume)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, query,
		c.Symbol, c.Interval, c.OpenTime, c.CloseTime, c.Open, c.High, c.Low, c.Close, c.Volume)
	if err != nil {
		return fmt.Errorf("failed to insert candle %s/%s: %w", c.Symbol, c.Interval, err)
	}
	return nil
}

// Latest retrieves the most recent closed candle for (symbol, interval).
func (r *Candles) Latest(ctx context.Context, symbol, interval string) (*domain.Candle, error) {
	query := `SELECT ` + candleColumns + ` FROM candles
	WHERE symbol = ? AND interval = ? ORDER BY open_time DESC LIMIT 1`

	c, err := scanCandle(r.db.QueryRowContext(ctx, query, symbol, interval))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query latest candle %s/%s: %w", symbol, interval, err)
	}
	return c, nil
}

// Recent retrieves up to limit most recent candles, newest first.
func (r *Candles) Recent(ctx context.Context, symbol, interval string, limit int) ([]*domain.Candle, error) {
	query := `SELECT ` + candleColumns + ` FROM candles
	WHERE symbol = ? AND interval = ? ORDER BY open_time DESC LIMIT ?`

	rows, err := r.db.QueryContext(ctx, query, symbol, interval, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent candles %s/%s: %w", symbol, interval, err)
	}
	defer rows.Close()

	candles := make([]*domain.Candle, 0, limit)
	for rows.Next() {
		c, err := scanCandle(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan candle: %w", err)
		}
		candles = append(candles, c)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating candle rows: %w", err)
	}
	return candles, nil
}

// Prune removes candles older than the cutoff, keeping at least keepLast per
// (symbol, interval) when keepLast > 0.
func (r *Candles) Prune(ctx context.Context, olderThan time.Time, keepLast int) (int64, error) {
	var query string
	var args []interface{}
	if keepLast > 0 {
		query = `
		DELETE FROM candles WHERE open_time < ? AND id NOT IN (
			SELECT id FROM candles c2
			WHERE c2.symbol = candles.symbol AND c2.interval = candles.interval
			ORDER BY c2.open_time DESC LIMIT ?
		)`
		args = []interface{}{olderThan, keepLast}
	} else {
		query = `DELETE FROM candles WHERE open_time < ?`
		args = []interface{}{olderThan}
	}

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to prune candles: %w", err)
	}
	removed, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get pruned row count: %w", err)
	}
	if removed > 0 {
		r.logger.Info(ctx, "Pruned candles", map[string]interface{}{"removed": removed, "olderThan": olderThan})
	}
	return removed, nil
}

func scanCandle(s scanner) (*domain.Candle, error) {
	c := &domain.Candle{}
	err := s.Scan(&c.Symbol, &c.Interval, &c.OpenTime, &c.CloseTime, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume)
	if err != nil {
		return nil, err
	}
	return c, nil
}
