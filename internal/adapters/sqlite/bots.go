package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"ocbot/internal/domain"
	"ocbot/internal/ports"
)

const botColumns = `id, name, venue, api_key, secret_key, proxy, max_concurrent_trades,
       notify_channel, active, filter, use_testnet`

// Bots implements ports.BotRepository.
type Bots struct {
	db     *sql.DB
	logger ports.Logger
}

// FindActive retrieves all bots with the active flag set.
func (r *Bots) FindActive(ctx context.Context) ([]*domain.Bot, error) {
	query := `SELECT ` + botColumns + ` FROM bots WHERE active = 1 ORDER BY id`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query active bots: %w", err)
	}
	defer rows.Close()

	bots := make([]*domain.Bot, 0)
	for rows.Next() {
		bot, err := scanBot(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan bot: %w", err)
		}
		bots = append(bots, bot)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating bot rows: %w", err)
	}
	return bots, nil
}

// FindByID retrieves a bot by id.
func (r *Bots) FindByID(ctx context.Context, id int64) (*domain.Bot, error) {
	query := `SELECT ` + botColumns + ` FROM bots WHERE id = ?`
	bot, err := scanBot(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query bot %d: %w", id, err)
	}
	return bot, nil
}

// Delete removes a bot. The delete trigger refuses bots with open positions.
func (r *Bots) Delete(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM bots WHERE id = ?`, id)
	if err != nil {
		if strings.Contains(err.Error(), "Bot has open positions") {
			return fmt.Errorf("cannot delete bot %d: %w", id, ports.ErrBotHasExposure)
		}
		return fmt.Errorf("failed to delete bot %d: %w", id, err)
	}
	return nil
}

func scanBot(s scanner) (*domain.Bot, error) {
	b := &domain.Bot{}
	var proxy, notifyChannel, filter sql.NullString
	err := s.Scan(
		&b.ID, &b.Name, &b.Venue, &b.APIKey, &b.SecretKey, &proxy, &b.MaxConcurrentTrades,
		&notifyChannel, &b.Active, &filter, &b.UseTestnet,
	)
	if err != nil {
		return nil, err
	}
	if proxy.Valid {
		b.Proxy = proxy.String
	}
	if notifyChannel.Valid {
		b.NotifyChannel = notifyChannel.String
	}
	if filter.Valid {
		b.Filter = filter.String
	}
	return b, nil
}

// scanner defines an interface compatible with *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}
