package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jpillora/backoff"

	"ocbot/internal/configstore"
	"ocbot/internal/domain"
	"ocbot/internal/ports"
	"ocbot/internal/risk"
	"ocbot/internal/rounding"
	"ocbot/internal/scanner"
	"ocbot/internal/syncx"
)

const submitAttempts = 4

// LockKey builds the keyed-mutex key serializing all operations on one
// (bot, symbol, side) exposure.
func LockKey(botID int64, symbol string, side domain.Side) string {
	return fmt.Sprintf("%d/%s/%s", botID, symbol, side)
}

// Resolver turns a filled entry order into a position. Implemented by the
// entry confirmation monitor.
type Resolver interface {
	ResolveFilled(ctx context.Context, order *domain.EntryOrder, avgFillPrice float64) error
}

// Service converts entry intents into venue orders and persists the entry
// order record. MARKET entries may resolve immediately from the venue ack;
// LIMIT entries stay open until the confirmation monitor resolves them.
type Service struct {
	bot       *domain.Bot
	venue     ports.Venue
	orderRepo ports.EntryOrderRepository
	posRepo   ports.PositionRepository
	guard     *risk.Guard
	locks     *syncx.KeyedMutex
	cfg       func() *configstore.Snapshot
	logger    ports.Logger
	resolver  Resolver
}

// Config wires an order service for one bot.
type Config struct {
	Bot       *domain.Bot
	Venue     ports.Venue
	OrderRepo ports.EntryOrderRepository
	PosRepo   ports.PositionRepository
	Guard     *risk.Guard
	Locks     *syncx.KeyedMutex
	Snapshot  func() *configstore.Snapshot
	Logger    ports.Logger
}

// NewService creates an order service.
func NewService(cfg Config) (*Service, error) {
	if cfg.Bot == nil || cfg.Venue == nil || cfg.OrderRepo == nil || cfg.PosRepo == nil ||
		cfg.Guard == nil || cfg.Locks == nil || cfg.Snapshot == nil || cfg.Logger == nil {
		return nil, fmt.Errorf("missing required dependencies for order service")
	}
	return &Service{
		bot:       cfg.Bot,
		venue:     cfg.Venue,
		orderRepo: cfg.OrderRepo,
		posRepo:   cfg.PosRepo,
		guard:     cfg.Guard,
		locks:     cfg.Locks,
		cfg:       cfg.Snapshot,
		logger:    cfg.Logger,
	}, nil
}

// SetResolver attaches the confirmation monitor after construction; the two
// components reference each other through this narrow interface.
func (s *Service) SetResolver(r Resolver) { s.resolver = r }

// SubmitIntent places the venue order for one entry intent.
// All steps run under the per-(bot, symbol, side) mutex.
func (s *Service) SubmitIntent(ctx context.Context, intent *scanner.Intent) error {
	op := "SubmitIntent"
	key := LockKey(intent.BotID, intent.Symbol, intent.Side)
	s.locks.Lock(key)
	defer s.locks.Unlock(key)

	// Re-check deduplication under the lock; the scanner's check raced.
	if dup, reason, err := s.isDuplicate(ctx, intent.Symbol, intent.Side); err != nil {
		return fmt.Errorf("%s deduplication check failed: %w", op, err)
	} else if dup {
		s.logger.Debug(ctx, op+": intent dropped by deduplication", map[string]interface{}{
			"symbol": intent.Symbol, "side": intent.Side, "reason": reason,
		})
		return nil
	}

	if ok, reason, err := s.guard.CanOpen(ctx, intent.BotID, intent.Strategy.Amount); err != nil {
		return fmt.Errorf("%s risk check failed: %w", op, err)
	} else if !ok {
		s.logger.Info(ctx, op+": intent refused by risk guard", map[string]interface{}{
			"symbol": intent.Symbol, "side": intent.Side, "reason": reason,
		})
		return nil
	}

	meta, err := s.venue.SymbolMeta(ctx, intent.Symbol)
	if err != nil {
		return fmt.Errorf("%s: symbol meta lookup failed: %w", op, err)
	}

	// Quantity from notional, floored to the step size.
	qty := rounding.FloorToStep(intent.Strategy.Amount/intent.EntryPrice, meta.StepSize)
	if qty <= 0 || qty*intent.EntryPrice < meta.MinNotional {
		s.logger.Warn(ctx, op+": intent dropped, size below venue minimum", map[string]interface{}{
			"symbol": intent.Symbol, "amount": intent.Strategy.Amount,
			"qty": qty, "minNotional": meta.MinNotional,
		})
		return nil
	}

	// Leverage setup is idempotent and cached per symbol by the adapter.
	if intent.Strategy.Leverage > 0 {
		if err := s.venue.SetLeverage(ctx, intent.Symbol, intent.Strategy.Leverage); err != nil {
			return fmt.Errorf("%s: leverage setup failed: %w", op, err)
		}
	}

	req := ports.SubmitOrder{
		Symbol:      intent.Symbol,
		Side:        intent.Side.EntrySide(),
		Type:        ports.OrderTypeLimit,
		Quantity:    qty,
		Price:       intent.EntryPrice,
		ClientToken: "oc-" + uuid.NewString(),
	}
	if intent.Market {
		req.Type = ports.OrderTypeMarket
		req.Price = 0
	}
	if s.venue.HedgeMode() {
		req.PositionSide = positionSide(intent.Side)
	}

	ack, err := s.submitWithRetry(ctx, req, intent)
	if err != nil {
		return err
	}
	if ack == nil {
		return nil // dropped by policy
	}

	order := &domain.EntryOrder{
		StrategyID:   intent.Strategy.ID,
		BotID:        intent.BotID,
		VenueOrderID: ack.OrderID,
		ClientToken:  req.ClientToken,
		Symbol:       intent.Symbol,
		Side:         intent.Side,
		Amount:       intent.Strategy.Amount,
		Quantity:     qty,
		EntryPrice:   intent.EntryPrice,
		Status:       domain.EntryStatusOpen,
	}
	if _, err := s.orderRepo.Create(ctx, order); err != nil {
		if errors.Is(err, ports.ErrDuplicateEntry) {
			s.logger.Warn(ctx, op+": duplicate entry order record, treating as already submitted", map[string]interface{}{
				"clientToken": req.ClientToken,
			})
			return nil
		}
		return fmt.Errorf("%s: failed to persist entry order: %w", op, err)
	}

	s.logger.Info(ctx, op+": entry order submitted", map[string]interface{}{
		"entryOrderID": order.ID, "venueOrderID": ack.OrderID,
		"symbol": intent.Symbol, "side": intent.Side, "qty": qty, "market": intent.Market,
	})

	// A market entry acked with an average fill price is effectively filled.
	if intent.Market && ack.Filled() && ack.AvgFillPrice > 0 && s.resolver != nil {
		if err := s.resolver.ResolveFilled(ctx, order, ack.AvgFillPrice); err != nil {
			s.logger.Error(ctx, err, op+": immediate fill resolution failed, confirmation monitor will retry", map[string]interface{}{
				"entryOrderID": order.ID,
			})
		}
	}
	return nil
}

// submitWithRetry applies the failure policy: permanent rejections drop the
// intent, transient errors retry with bounded exponential backoff, and a
// "price too close" rejection retries as MARKET when enabled.
func (s *Service) submitWithRetry(ctx context.Context, req ports.SubmitOrder, intent *scanner.Intent) (*ports.OrderAck, error) {
	op := "submitWithRetry"
	boff := &backoff.Backoff{Min: 250 * time.Millisecond, Max: 5 * time.Second, Factor: 2, Jitter: true}

	for attempt := 1; attempt <= submitAttempts; attempt++ {
		ack, err := s.venue.Submit(ctx, req)
		if err == nil {
			return ack, nil
		}

		switch {
		case errors.Is(err, ports.ErrInvalidSize) || errors.Is(err, ports.ErrInvalidPrice):
			s.logger.Warn(ctx, op+": intent dropped, permanent sizing rejection", map[string]interface{}{
				"symbol": req.Symbol, "error": err.Error(),
			})
			return nil, nil

		case errors.Is(err, ports.ErrImmediateTrigger):
			if req.Type == ports.OrderTypeLimit && s.cfg().EntryFallbackMarket {
				s.logger.Info(ctx, op+": limit price too close to market, retrying as MARKET", map[string]interface{}{
					"symbol": req.Symbol, "price": req.Price,
				})
				req.Type = ports.OrderTypeMarket
				req.Price = 0
				continue
			}
			s.logger.Warn(ctx, op+": intent dropped, price too close to market", map[string]interface{}{
				"symbol": req.Symbol, "price": req.Price,
			})
			return nil, nil

		case ports.IsTransient(err):
			if attempt == submitAttempts {
				s.logger.Error(ctx, err, op+": abandoning entry after retries", map[string]interface{}{
					"symbol": req.Symbol, "attempts": attempt,
				})
				return nil, fmt.Errorf("entry submission abandoned after %d attempts: %w", attempt, err)
			}
			delay := boff.Duration()
			s.logger.Warn(ctx, op+": transient submission failure, backing off", map[string]interface{}{
				"symbol": req.Symbol, "attempt": attempt, "delay": delay.String(),
			})
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}

		case ports.IsPermanent(err):
			s.logger.Warn(ctx, op+": intent dropped, permanent venue rejection", map[string]interface{}{
				"symbol": req.Symbol, "error": err.Error(),
			})
			return nil, nil

		default:
			return nil, fmt.Errorf("entry submission failed: %w", err)
		}
	}
	return nil, fmt.Errorf("entry submission exhausted retries for %s", req.Symbol)
}

func (s *Service) isDuplicate(ctx context.Context, symbol string, side domain.Side) (bool, string, error) {
	pos, err := s.posRepo.FindOpenByKey(ctx, s.bot.ID, symbol, side)
	if err != nil {
		return false, "", err
	}
	if pos != nil {
		return true, "open position exists", nil
	}
	order, err := s.orderRepo.FindOpenByKey(ctx, s.bot.ID, symbol, side)
	if err != nil {
		return false, "", err
	}
	if order != nil {
		return true, "open entry order exists", nil
	}
	return false, "", nil
}

func positionSide(side domain.Side) string {
	if side == domain.SideShort {
		return "SHORT"
	}
	return "LONG"
}
