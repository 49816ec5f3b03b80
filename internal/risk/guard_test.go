package risk

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ocbot/internal/adapters/logger"
	"ocbot/internal/domain"
)

type stubPositions struct {
	open []*domain.Position
}

func (s *stubPositions) Create(ctx context.Context, pos *domain.Position) (int64, error) {
	return 0, nil
}
func (s *stubPositions) Update(ctx context.Context, pos *domain.Position) error { return nil }
func (s *stubPositions) Close(ctx context.Context, id int64, closePrice, pnl float64, reason domain.CloseReason, closedAt time.Time) error {
	return nil
}
func (s *stubPositions) FindOpenByBot(ctx context.Context, botID int64) ([]*domain.Position, error) {
	return s.open, nil
}
func (s *stubPositions) FindOpenByKey(ctx context.Context, botID int64, symbol string, side domain.Side) (*domain.Position, error) {
	return nil, nil
}
func (s *stubPositions) FindByID(ctx context.Context, id int64) (*domain.Position, error) {
	return nil, nil
}
func (s *stubPositions) CountOpenByBot(ctx context.Context, botID int64) (int, error) {
	return len(s.open), nil
}
func (s *stubPositions) FindClosedByBot(ctx context.Context, botID int64, limit int) ([]*domain.Position, error) {
	return nil, nil
}

func TestGuardConcurrencyCap(t *testing.T) {
	repo := &stubPositions{open: []*domain.Position{
		{Amount: 100}, {Amount: 100},
	}}
	guard, err := NewGuard(Config{MaxConcurrentTrades: 2}, repo, logger.NewStdLogger(logger.LevelError))
	require.NoError(t, err)

	ok, reason, err := guard.CanOpen(context.Background(), 1, 50)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Contains(t, reason, "concurrent trade limit")
}

func TestGuardAllowsUnderCap(t *testing.T) {
	repo := &stubPositions{open: []*domain.Position{{Amount: 100}}}
	guard, err := NewGuard(Config{MaxConcurrentTrades: 3}, repo, logger.NewStdLogger(logger.LevelError))
	require.NoError(t, err)

	ok, _, err := guard.CanOpen(context.Background(), 1, 50)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestGuardExposureCeiling(t *testing.T) {
	repo := &stubPositions{open: []*domain.Position{{Amount: 400}, {Amount: 500}}}
	guard, err := NewGuard(Config{MaxConcurrentTrades: 10, MaxExposure: 1000}, repo, logger.NewStdLogger(logger.LevelError))
	require.NoError(t, err)

	ok, reason, err := guard.CanOpen(context.Background(), 1, 200)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Contains(t, reason, "exposure limit")

	ok, _, err = guard.CanOpen(context.Background(), 1, 50)
	require.NoError(t, err)
	assert.True(t, ok)
}
