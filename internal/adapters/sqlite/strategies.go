package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"ocbot/internal/domain"
	"ocbot/internal/ports"
)

const strategyColumns = `id, bot_id, symbol, interval, side_policy, mode, oc_threshold, extend,
       amount, take_profit_pct, stop_loss_pct, reduce, up_reduce, leverage, active`

// Strategies implements ports.StrategyRepository.
type Strategies struct {
	db     *sql.DB
	logger ports.Logger
}

// FindActiveByBot retrieves the active strategies for a bot, ordered by id.
// Ascending id order is the scanner's tie-break when multiple strategies
// trigger on the same candle.
func (r *Strategies) FindActiveByBot(ctx context.Context, botID int64) ([]*domain.Strategy, error) {
	query := `SELECT ` + strategyColumns + ` FROM strategies WHERE bot_id = ? AND active = 1 ORDER BY id`
	return r.queryStrategies(ctx, query, botID)
}

// FindActiveByBotSymbol retrieves active strategies for (bot, symbol), ordered by id.
func (r *Strategies) FindActiveByBotSymbol(ctx context.Context, botID int64, symbol string) ([]*domain.Strategy, error) {
	query := `SELECT ` + strategyColumns + ` FROM strategies WHERE bot_id = ? AND symbol = ? AND active = 1 ORDER BY id`
	return r.queryStrategies(ctx, query, botID, symbol)
}

// FindByID retrieves a strategy by id.
func (r *Strategies) FindByID(ctx context.Context, id int64) (*domain.Strategy, error) {
	query := `SELECT ` + strategyColumns + ` FROM strategies WHERE id = ?`
	st, err := scanStrategy(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query strategy %d: %w", id, err)
	}
	return st, nil
}

func (r *Strategies) queryStrategies(ctx context.Context, query string, args ...interface{}) ([]*domain.Strategy, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query strategies: %w", err)
	}
	defer rows.Close()

	strategies := make([]*domain.Strategy, 0)
	for rows.Next() {
		st, err := scanStrategy(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan strategy: %w", err)
		}
		strategies = append(strategies, st)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating strategy rows: %w", err)
	}
	return strategies, nil
}

func scanStrategy(s scanner) (*domain.Strategy, error) {
	st := &domain.Strategy{}
	var slPct sql.NullFloat64
	var policy, mode string
	err := s.Scan(
		&st.ID, &st.BotID, &st.Symbol, &st.Interval, &policy, &mode, &st.OCThreshold, &st.Extend,
		&st.Amount, &st.TakeProfitPct, &slPct, &st.Reduce, &st.UpReduce, &st.Leverage, &st.Active,
	)
	if err != nil {
		return nil, err
	}
	st.SidePolicy = domain.SidePolicy(policy)
	st.Mode = domain.StrategyMode(mode)
	if slPct.Valid {
		st.StopLossPct = slPct.Float64
	}
	return st, nil
}
