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

const entryOrderColumns = `id, strategy_id, bot_id, venue_order_id, client_token, symbol, side,
       amount, quantity, entry_price, status, created_at, updated_at`

// EntryOrders implements ports.EntryOrderRepository.
type EntryOrders struct {
	db     *sql.DB
	logger ports.Logger
}

// Create persists a new entry order with status open and returns its id.
// The unique client token index makes duplicate submissions within the
// deduplication window surface as ErrDuplicateEntry.
func (r *EntryOrders) Create(ctx context.Context, o *domain.EntryOrder) (int64, error) {
	const query = `
	INSERT INTO entry_orders (strategy_id, bot_id, venue_order_id, client_token, symbol, side,
	                          amount, quantity, entry_price, status, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	now := time.Now().UTC()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	o.UpdatedAt = now

	result, err := r.db.ExecContext(ctx, query,
		o.StrategyID, o.BotID, o.VenueOrderID, o.ClientToken, o.Symbol, o.Side,
		o.Amount, o.Quantity, o.EntryPrice, o.Status, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return 0, fmt.Errorf("entry order with token %s: %w", o.ClientToken, ports.ErrDuplicateEntry)
		}
		return 0, fmt.Errorf("failed to insert entry order for %s: %w", o.Symbol, err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert ID for entry order %s: %w", o.Symbol, err)
	}
	o.ID = id
	r.logger.Debug(ctx, "Entry order created", map[string]interface{}{"entryOrderID": id, "symbol": o.Symbol, "side": o.Side})
	return id, nil
}

// FindOpen retrieves all open entry orders for a bot.
func (r *EntryOrders) FindOpen(ctx context.Context, botID int64) ([]*domain.EntryOrder, error) {
	query := `SELECT ` + entryOrderColumns + ` FROM entry_orders WHERE bot_id = ? AND status = ? ORDER BY id`
	rows, err := r.db.QueryContext(ctx, query, botID, domain.EntryStatusOpen)
	if err != nil {
		return nil, fmt.Errorf("failed to query open entry orders for bot %d: %w", botID, err)
	}
	defer rows.Close()

	orders := make([]*domain.EntryOrder, 0)
	for rows.Next() {
		o, err := scanEntryOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entry order: %w", err)
		}
		orders = append(orders, o)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating entry order rows: %w", err)
	}
	return orders, nil
}

// FindOpenByKey retrieves the open entry order for (bot, symbol, side).
func (r *EntryOrders) FindOpenByKey(ctx context.Context, botID int64, symbol string, side domain.Side) (*domain.EntryOrder, error) {
	query := `SELECT ` + entryOrderColumns + ` FROM entry_orders
	WHERE bot_id = ? AND symbol = ? AND side = ? AND status = ? LIMIT 1`

	o, err := scanEntryOrder(r.db.QueryRowContext(ctx, query, botID, symbol, side, domain.EntryStatusOpen))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query open entry order for %s/%s: %w", symbol, side, err)
	}
	return o, nil
}

// FindByVenueOrderID retrieves an entry order by its venue order id.
func (r *EntryOrders) FindByVenueOrderID(ctx context.Context, botID, venueOrderID int64) (*domain.EntryOrder, error) {
	query := `SELECT ` + entryOrderColumns + ` FROM entry_orders WHERE bot_id = ? AND venue_order_id = ? LIMIT 1`

	o, err := scanEntryOrder(r.db.QueryRowContext(ctx, query, botID, venueOrderID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query entry order by venue id %d: %w", venueOrderID, err)
	}
	return o, nil
}

// MarkTerminal moves an open entry order to a terminal status.
// The WHERE status = 'open' clause keeps terminal rows immutable.
func (r *EntryOrders) MarkTerminal(ctx context.Context, id int64, status domain.EntryOrderStatus) error {
	if !status.IsTerminal() {
		return fmt.Errorf("status %s is not terminal: %w", status, ports.ErrUpdateFailed)
	}
	const query = `UPDATE entry_orders SET status = ?, updated_at = ? WHERE id = ? AND status = ?`
	result, err := r.db.ExecContext(ctx, query, status, time.Now().UTC(), id, domain.EntryStatusOpen)
	if err != nil {
		return fmt.Errorf("failed to mark entry order %d as %s: %w", id, status, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected marking entry order %d: %w", id, err)
	}
	if rows == 0 {
		return fmt.Errorf("entry order %d is not open: %w", id, ports.ErrUpdateFailed)
	}
	r.logger.Debug(ctx, "Entry order resolved", map[string]interface{}{"entryOrderID": id, "status": status})
	return nil
}

// ResolveFilled atomically marks the entry order filled and creates the
// position in one transaction.
func (r *EntryOrders) ResolveFilled(ctx context.Context, orderID int64, pos *domain.Position) (int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction resolving entry order %d: %w", orderID, err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		`UPDATE entry_orders SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		domain.EntryStatusFilled, time.Now().UTC(), orderID, domain.EntryStatusOpen)
	if err != nil {
		return 0, fmt.Errorf("failed to mark entry order %d filled: %w", orderID, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected for entry order %d: %w", orderID, err)
	}
	if rows == 0 {
		return 0, fmt.Errorf("entry order %d is not open: %w", orderID, ports.ErrUpdateFailed)
	}

	posID, err := insertPosition(ctx, tx, pos)
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit entry order %d resolution: %w", orderID, err)
	}
	pos.ID = posID
	r.logger.Info(ctx, "Entry order filled, position created", map[string]interface{}{
		"entryOrderID": orderID, "positionID": posID, "symbol": pos.Symbol, "side": pos.Side,
	})
	return posID, nil
}

func scanEntryOrder(s scanner) (*domain.EntryOrder, error) {
	o := &domain.EntryOrder{}
	var side, status string
	err := s.Scan(
		&o.ID, &o.StrategyID, &o.BotID, &o.VenueOrderID, &o.ClientToken, &o.Symbol, &side,
		&o.Amount, &o.Quantity, &o.EntryPrice, &status, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	o.Side = domain.Side(side)
	o.Status = domain.EntryOrderStatus(status)
	return o, nil
}
