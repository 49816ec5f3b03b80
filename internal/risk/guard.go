package risk

import (
	"context"
	"fmt"

	"ocbot/internal/domain"
	"ocbot/internal/ports"
)

// Config holds per-bot risk limits.
type Config struct {
	MaxConcurrentTrades int     // cap on simultaneously open positions
	MaxExposure         float64 // quote-notional ceiling across open positions, 0 = unlimited
}

// Guard enforces the per-bot exposure limits before new entries are
// submitted. The open-position book is the source of truth.
type Guard struct {
	cfg     Config
	posRepo ports.PositionRepository
	logger  ports.Logger
}

// NewGuard creates a risk guard for one bot.
func NewGuard(cfg Config, posRepo ports.PositionRepository, logger ports.Logger) (*Guard, error) {
	if posRepo == nil || logger == nil {
		return nil, fmt.Errorf("missing required dependencies for risk guard")
	}
	if cfg.MaxConcurrentTrades <= 0 {
		cfg.MaxConcurrentTrades = 1
	}
	return &Guard{cfg: cfg, posRepo: posRepo, logger: logger}, nil
}

// CanOpen reports whether the bot may open a new exposure of the given
// notional. Returns a descriptive reason when refused.
func (g *Guard) CanOpen(ctx context.Context, botID int64, amount float64) (bool, string, error) {
	open, err := g.posRepo.FindOpenByBot(ctx, botID)
	if err != nil {
		return false, "", fmt.Errorf("failed to load open positions for risk check: %w", err)
	}

	if len(open) >= g.cfg.MaxConcurrentTrades {
		return false, fmt.Sprintf("concurrent trade limit reached (%d/%d)", len(open), g.cfg.MaxConcurrentTrades), nil
	}

	if g.cfg.MaxExposure > 0 {
		exposure := totalExposure(open)
		if exposure+amount > g.cfg.MaxExposure {
			return false, fmt.Sprintf("exposure limit would be exceeded (%.2f + %.2f > %.2f)", exposure, amount, g.cfg.MaxExposure), nil
		}
	}

	return true, "", nil
}

func totalExposure(positions []*domain.Position) float64 {
	var sum float64
	for _, p := range positions {
		sum += p.Amount
	}
	return sum
}
