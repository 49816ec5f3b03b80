package scanner

import (
	"context"
	"fmt"
	"math"
	"sort"

	"ocbot/internal/domain"
	"ocbot/internal/ports"
)

// Intent is one candidate entry emitted to the order service.
type Intent struct {
	Strategy   *domain.Strategy
	BotID      int64
	Symbol     string
	Side       domain.Side
	EntryPrice float64
	Market     bool // MARKET entry for trend-following, LIMIT otherwise
}

// Sink consumes entry intents. Implemented by the order service.
type Sink interface {
	SubmitIntent(ctx context.Context, intent *Intent) error
}

// Candidate is the outcome of evaluating one strategy against one candle.
type Candidate struct {
	Side       domain.Side
	EntryPrice float64
	Market     bool
}

// Evaluate applies the signal arithmetic for one strategy and closed candle.
// Returns nil when the strategy does not trigger.
func Evaluate(st *domain.Strategy, candle *domain.Candle, current float64) []Candidate {
	oc := candle.OCPercent()
	if math.Abs(oc) < st.OCThreshold {
		return nil
	}
	bullish := candle.Bullish()

	var side domain.Side
	switch st.Mode {
	case domain.ModeCounterTrend:
		if bullish {
			side = domain.SideShort
		} else {
			side = domain.SideLong
		}
	default: // trend-following
		if bullish {
			side = domain.SideLong
		} else {
			side = domain.SideShort
		}
	}
	if !st.SidePolicy.Allows(side) {
		return nil
	}

	if st.Mode == domain.ModeTrendFollowing {
		return []Candidate{{Side: side, EntryPrice: current, Market: true}}
	}

	// Counter-trend: pull the limit entry away from current by a fraction of
	// the move since the candle opened.
	delta := math.Abs(current - candle.Open)
	r := st.Extend / 100
	var entry float64
	if side == domain.SideLong {
		entry = current - r*delta
	} else {
		entry = current + r*delta
	}

	// Extend condition: skip entries already overtaken by further movement.
	if side == domain.SideLong && current < entry {
		return nil
	}
	if side == domain.SideShort && current > entry {
		return nil
	}

	return []Candidate{{Side: side, EntryPrice: entry, Market: false}}
}

// Scanner evaluates active strategies against closed candles and emits
// deduplicated entry intents.
type Scanner struct {
	botID      int64
	strategies func() []*domain.Strategy // active-strategy snapshot provider
	orderRepo  ports.EntryOrderRepository
	posRepo    ports.PositionRepository
	sink       Sink
	logger     ports.Logger
}

// Config wires a scanner for one bot.
type Config struct {
	BotID      int64
	Strategies func() []*domain.Strategy
	OrderRepo  ports.EntryOrderRepository
	PosRepo    ports.PositionRepository
	Sink       Sink
	Logger     ports.Logger
}

// New creates a scanner.
func New(cfg Config) (*Scanner, error) {
	if cfg.Strategies == nil || cfg.OrderRepo == nil || cfg.PosRepo == nil || cfg.Sink == nil || cfg.Logger == nil {
		return nil, fmt.Errorf("missing required dependencies for scanner")
	}
	return &Scanner{
		botID:      cfg.BotID,
		strategies: cfg.Strategies,
		orderRepo:  cfg.OrderRepo,
		posRepo:    cfg.PosRepo,
		sink:       cfg.Sink,
		logger:     cfg.Logger,
	}, nil
}

// OnCandleClosed evaluates every active strategy matching the candle's
// (symbol, interval). Multiple triggering strategies are processed in
// ascending id order; each candidate re-checks deduplication against the
// open book before being emitted.
func (s *Scanner) OnCandleClosed(ctx context.Context, candle *domain.Candle, currentPrice float64) {
	matched := make([]*domain.Strategy, 0, 4)
	for _, st := range s.strategies() {
		if st.Active && st.Symbol == candle.Symbol && st.Interval == candle.Interval {
			matched = append(matched, st)
		}
	}
	if len(matched) == 0 {
		return
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID < matched[j].ID })

	for _, st := range matched {
		for _, cand := range Evaluate(st, candle, currentPrice) {
			dropped, reason, err := s.isDuplicate(ctx, candle.Symbol, cand.Side)
			if err != nil {
				s.logger.Error(ctx, err, "Deduplication check failed, dropping candidate", map[string]interface{}{
					"strategyID": st.ID, "symbol": candle.Symbol, "side": cand.Side,
				})
				continue
			}
			if dropped {
				s.logger.Debug(ctx, "Candidate dropped by deduplication", map[string]interface{}{
					"strategyID": st.ID, "symbol": candle.Symbol, "side": cand.Side, "reason": reason,
				})
				continue
			}

			intent := &Intent{
				Strategy:   st,
				BotID:      s.botID,
				Symbol:     candle.Symbol,
				Side:       cand.Side,
				EntryPrice: cand.EntryPrice,
				Market:     cand.Market,
			}
			s.logger.Info(ctx, "Signal triggered", map[string]interface{}{
				"strategyID": st.ID, "symbol": candle.Symbol, "side": cand.Side,
				"oc": candle.OCPercent(), "entryPrice": cand.EntryPrice, "market": cand.Market,
			})
			if err := s.sink.SubmitIntent(ctx, intent); err != nil {
				s.logger.Error(ctx, err, "Entry intent submission failed", map[string]interface{}{
					"strategyID": st.ID, "symbol": candle.Symbol, "side": cand.Side,
				})
			}
		}
	}
}

// isDuplicate drops candidates that already have an open exposure or an
// open entry order on the same (bot, symbol, side) key.
func (s *Scanner) isDuplicate(ctx context.Context, symbol string, side domain.Side) (bool, string, error) {
	pos, err := s.posRepo.FindOpenByKey(ctx, s.botID, symbol, side)
	if err != nil {
		return false, "", err
	}
	if pos != nil {
		return true, "open position exists", nil
	}
	order, err := s.orderRepo.FindOpenByKey(ctx, s.botID, symbol, side)
	if err != nil {
		return false, "", err
	}
	if order != nil {
		return true, "open entry order exists", nil
	}
	return false, "", nil
}
