package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"ocbot/internal/domain"
	"ocbot/internal/ports"
)

const positionColumns = `id, strategy_id, bot_id, entry_order_id, venue_order_ref, symbol, side,
       entry_price, quantity, amount, leverage, take_profit, initial_take_profit, stop_loss,
       tp_order_id, sl_order_id, software_sl, breakeven, minutes_elapsed, opened_at, status,
       close_price, pnl, close_reason, closed_at`

// Positions implements ports.PositionRepository.
type Positions struct {
	db     *sql.DB
	logger ports.Logger
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func insertPosition(ctx context.Context, db execer, pos *domain.Position) (int64, error) {
	const query = `
	INSERT INTO positions (strategy_id, bot_id, entry_order_id, venue_order_ref, symbol, side,
	                       entry_price, quantity, amount, leverage, take_profit, initial_take_profit,
	                       stop_loss, tp_order_id, sl_order_id, software_sl, breakeven,
	                       minutes_elapsed, opened_at, status)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	var stopLoss sql.NullFloat64
	if pos.StopLoss > 0 {
		stopLoss = sql.NullFloat64{Float64: pos.StopLoss, Valid: true}
	}
	var tpOrderID, slOrderID sql.NullInt64
	if pos.TPOrderID != nil {
		tpOrderID = sql.NullInt64{Int64: *pos.TPOrderID, Valid: true}
	}
	if pos.SLOrderID != nil {
		slOrderID = sql.NullInt64{Int64: *pos.SLOrderID, Valid: true}
	}

	result, err := db.ExecContext(ctx, query,
		pos.StrategyID, pos.BotID, pos.EntryOrderID, pos.VenueOrderRef, pos.Symbol, pos.Side,
		pos.EntryPrice, pos.Quantity, pos.Amount, pos.Leverage, pos.TakeProfit, pos.InitialTakeProfit,
		stopLoss, tpOrderID, slOrderID, pos.SoftwareSL, pos.Breakeven,
		pos.MinutesElapsed, pos.OpenedAt, pos.Status)
	if err != nil {
		if strings.Contains(err.Error(), "Only one open position") {
			return 0, fmt.Errorf("open position already exists for %s/%s: %w", pos.Symbol, pos.Side, ports.ErrDuplicateEntry)
		}
		return 0, fmt.Errorf("failed to insert position for %s: %w", pos.Symbol, err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert ID for position %s: %w", pos.Symbol, err)
	}
	return id, nil
}

// Create saves a new position and returns its assigned id.
func (r *Positions) Create(ctx context.Context, pos *domain.Position) (int64, error) {
	id, err := insertPosition(ctx, r.db, pos)
	if err != nil {
		return 0, err
	}
	pos.ID = id
	r.logger.Debug(ctx, "Position created", map[string]interface{}{"positionID": id, "symbol": pos.Symbol, "side": pos.Side})
	return id, nil
}

// Update modifies the mutable fields of an open position: trailing targets,
// exit order ids, software-SL mode, breakeven flag, minutes elapsed, quantity.
func (r *Positions) Update(ctx context.Context, pos *domain.Position) error {
	const query = `
	UPDATE positions
	SET take_profit = ?, stop_loss = ?, tp_order_id = ?, sl_order_id = ?,
	    software_sl = ?, breakeven = ?, minutes_elapsed = ?, quantity = ?
	WHERE id = ? AND status = ?`

	var stopLoss sql.NullFloat64
	if pos.StopLoss > 0 {
		stopLoss = sql.NullFloat64{Float64: pos.StopLoss, Valid: true}
	}
	var tpOrderID, slOrderID sql.NullInt64
	if pos.TPOrderID != nil {
		tpOrderID = sql.NullInt64{Int64: *pos.TPOrderID, Valid: true}
	}
	if pos.SLOrderID != nil {
		slOrderID = sql.NullInt64{Int64: *pos.SLOrderID, Valid: true}
	}

	result, err := r.db.ExecContext(ctx, query,
		pos.TakeProfit, stopLoss, tpOrderID, slOrderID,
		pos.SoftwareSL, pos.Breakeven, pos.MinutesElapsed, pos.Quantity,
		pos.ID, domain.StatusOpen)
	if err != nil {
		return fmt.Errorf("failed to update position %d: %w", pos.ID, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected updating position %d: %w", pos.ID, err)
	}
	if rows == 0 {
		return fmt.Errorf("position %d is not open: %w", pos.ID, ports.ErrUpdateFailed)
	}
	return nil
}

// Close transitions a position to closed. The WHERE status = 'open' clause
// makes the open -> closed edge the only legal transition.
func (r *Positions) Close(ctx context.Context, id int64, closePrice, pnl float64, reason domain.CloseReason, closedAt time.Time) error {
	const query = `
	UPDATE positions
	SET status = ?, close_price = ?, pnl = ?, close_reason = ?, closed_at = ?
	WHERE id = ? AND status = ?`

	result, err := r.db.ExecContext(ctx, query,
		domain.StatusClosed, closePrice, pnl, reason, closedAt, id, domain.StatusOpen)
	if err != nil {
		return fmt.Errorf("failed to close position %d: %w", id, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected closing position %d: %w", id, err)
	}
	if rows == 0 {
		return fmt.Errorf("position %d is not open: %w", id, ports.ErrUpdateFailed)
	}
	r.logger.Info(ctx, "Position closed", map[string]interface{}{
		"positionID": id, "closePrice": closePrice, "pnl": pnl, "reason": reason,
	})
	return nil
}

// FindOpenByBot retrieves all open positions for a bot.
func (r *Positions) FindOpenByBot(ctx context.Context, botID int64) ([]*domain.Position, error) {
	query := `SELECT ` + positionColumns + ` FROM positions WHERE bot_id = ? AND status = ? ORDER BY id`
	return r.queryPositions(ctx, query, botID, domain.StatusOpen)
}

// FindOpenByKey retrieves the open position for (bot, symbol, side).
func (r *Positions) FindOpenByKey(ctx context.Context, botID int64, symbol string, side domain.Side) (*domain.Position, error) {
	query := `SELECT ` + positionColumns + ` FROM positions
	WHERE bot_id = ? AND symbol = ? AND side = ? AND status = ? LIMIT 1`

	pos, err := scanPosition(r.db.QueryRowContext(ctx, query, botID, symbol, side, domain.StatusOpen))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query open position for %s/%s: %w", symbol, side, err)
	}
	return pos, nil
}

// FindByID retrieves a position by its unique id.
func (r *Positions) FindByID(ctx context.Context, id int64) (*domain.Position, error) {
	query := `SELECT ` + positionColumns + ` FROM positions WHERE id = ?`
	pos, err := scanPosition(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query position %d: %w", id, err)
	}
	return pos, nil
}

// CountOpenByBot counts open positions for a bot.
func (r *Positions) CountOpenByBot(ctx context.Context, botID int64) (int, error) {
	const query = `SELECT COUNT(*) FROM positions WHERE bot_id = ? AND status = ?`
	var count int
	if err := r.db.QueryRowContext(ctx, query, botID, domain.StatusOpen).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count open positions for bot %d: %w", botID, err)
	}
	return count, nil
}

// FindClosedByBot retrieves the most recent closed positions, up to limit.
func (r *Positions) FindClosedByBot(ctx context.Context, botID int64, limit int) ([]*domain.Position, error) {
	query := `SELECT ` + positionColumns + ` FROM positions
	WHERE bot_id = ? AND status = ? ORDER BY closed_at DESC LIMIT ?`
	return r.queryPositions(ctx, query, botID, domain.StatusClosed, limit)
}

func (r *Positions) queryPositions(ctx context.Context, query string, args ...interface{}) ([]*domain.Position, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query positions: %w", err)
	}
	defer rows.Close()

	positions := make([]*domain.Position, 0)
	for rows.Next() {
		pos, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		positions = append(positions, pos)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating position rows: %w", err)
	}
	return positions, nil
}

func scanPosition(s scanner) (*domain.Position, error) {
	p := &domain.Position{}
	var side, status string
	var stopLoss, closePrice, pnl sql.NullFloat64
	var tpOrderID, slOrderID sql.NullInt64
	var closeReason sql.NullString
	var closedAt sql.NullTime

	err := s.Scan(
		&p.ID, &p.StrategyID, &p.BotID, &p.EntryOrderID, &p.VenueOrderRef, &p.Symbol, &side,
		&p.EntryPrice, &p.Quantity, &p.Amount, &p.Leverage, &p.TakeProfit, &p.InitialTakeProfit, &stopLoss,
		&tpOrderID, &slOrderID, &p.SoftwareSL, &p.Breakeven, &p.MinutesElapsed, &p.OpenedAt, &status,
		&closePrice, &pnl, &closeReason, &closedAt,
	)
	if err != nil {
		return nil, err
	}

	p.Side = domain.Side(side)
	p.Status = domain.PositionStatus(status)
	if stopLoss.Valid {
		p.StopLoss = stopLoss.Float64
	}
	if tpOrderID.Valid {
		v := tpOrderID.Int64
		p.TPOrderID = &v
	}
	if slOrderID.Valid {
		v := slOrderID.Int64
		p.SLOrderID = &v
	}
	if closePrice.Valid {
		p.ClosePrice = closePrice.Float64
	}
	if pnl.Valid {
		p.PNL = pnl.Float64
	}
	if closeReason.Valid {
		p.CloseReason = domain.CloseReason(closeReason.String)
	}
	if closedAt.Valid {
		p.ClosedAt = closedAt.Time
	}
	return p, nil
}
