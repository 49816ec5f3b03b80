package monitor

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ocbot/internal/adapters/logger"
	"ocbot/internal/configstore"
	"ocbot/internal/domain"
	"ocbot/internal/orders"
	"ocbot/internal/ports"
	"ocbot/internal/syncx"
)

// --- mocks ---

type mockVenue struct {
	mu        sync.Mutex
	submitFn  func(req ports.SubmitOrder) (*ports.OrderAck, error)
	price     float64
	closable  float64
	submitted []ports.SubmitOrder
	canceled  []int64
}

func newMockVenue() *mockVenue {
	return &mockVenue{price: 100, closable: 1}
}

func (m *mockVenue) Price(ctx context.Context, symbol string) (float64, error) {
	return m.price, nil
}

func (m *mockVenue) Submit(ctx context.Context, req ports.SubmitOrder) (*ports.OrderAck, error) {
	m.mu.Lock()
	m.submitted = append(m.submitted, req)
	n := len(m.submitted)
	m.mu.Unlock()
	if m.submitFn != nil {
		return m.submitFn(req)
	}
	return &ports.OrderAck{OrderID: int64(1000 + n), Status: "NEW"}, nil
}

func (m *mockVenue) Cancel(ctx context.Context, symbol string, orderID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.canceled = append(m.canceled, orderID)
	return nil
}

func (m *mockVenue) OrderStatus(ctx context.Context, symbol string, orderID int64) (*ports.OrderAck, error) {
	return &ports.OrderAck{OrderID: orderID, Status: "NEW"}, nil
}

func (m *mockVenue) OpenPositions(ctx context.Context) ([]ports.VenuePosition, error) {
	return nil, nil
}

func (m *mockVenue) ClosableQty(ctx context.Context, symbol string, side domain.Side) (float64, error) {
	return m.closable, nil
}

func (m *mockVenue) OpenOrders(ctx context.Context, symbol string) ([]ports.OrderAck, error) {
	return nil, nil
}

func (m *mockVenue) AccountStream(ctx context.Context) (<-chan ports.AccountEvent, error) {
	ch := make(chan ports.AccountEvent)
	close(ch)
	return ch, nil
}

func (m *mockVenue) StreamTicks(ctx context.Context, symbols []string, handler ports.TickHandler) error {
	return nil
}

func (m *mockVenue) SymbolMeta(ctx context.Context, symbol string) (*ports.SymbolMeta, error) {
	return &ports.SymbolMeta{Symbol: symbol, TickSize: 0.1, StepSize: 0.001, MinNotional: 5}, nil
}

func (m *mockVenue) SetLeverage(ctx context.Context, symbol string, leverage int) error { return nil }
func (m *mockVenue) SetPositionMode(ctx context.Context, hedge bool) error              { return nil }
func (m *mockVenue) HedgeMode() bool                                                    { return false }

func (m *mockVenue) submittedOrders() []ports.SubmitOrder {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ports.SubmitOrder, len(m.submitted))
	copy(out, m.submitted)
	return out
}

type memPositions struct {
	mu    sync.Mutex
	seq   int64
	items map[int64]*domain.Position
}

func newMemPositions() *memPositions {
	return &memPositions{items: make(map[int64]*domain.Position)}
}

func (m *memPositions) Create(ctx context.Context, pos *domain.Position) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	pos.ID = m.seq
	cp := *pos
	m.items[pos.ID] = &cp
	return pos.ID, nil
}

func (m *memPositions) Update(ctx context.Context, pos *domain.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.items[pos.ID]
	if !ok || p.Status != domain.StatusOpen {
		return fmt.Errorf("position %d is not open: %w", pos.ID, ports.ErrUpdateFailed)
	}
	cp := *pos
	m.items[pos.ID] = &cp
	return nil
}

func (m *memPositions) Close(ctx context.Context, id int64, closePrice, pnl float64, reason domain.CloseReason, closedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.items[id]
	if !ok || p.Status != domain.StatusOpen {
		return fmt.Errorf("position %d is not open: %w", id, ports.ErrUpdateFailed)
	}
	p.Status = domain.StatusClosed
	p.ClosePrice = closePrice
	p.PNL = pnl
	p.CloseReason = reason
	p.ClosedAt = closedAt
	return nil
}

func (m *memPositions) FindOpenByBot(ctx context.Context, botID int64) ([]*domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*domain.Position, 0)
	for _, p := range m.items {
		if p.BotID == botID && p.Status == domain.StatusOpen {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memPositions) FindOpenByKey(ctx context.Context, botID int64, symbol string, side domain.Side) (*domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.items {
		if p.BotID == botID && p.Symbol == symbol && p.Side == side && p.Status == domain.StatusOpen {
			cp := *p
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memPositions) FindByID(ctx context.Context, id int64) (*domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.items[id]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (m *memPositions) CountOpenByBot(ctx context.Context, botID int64) (int, error) {
	open, _ := m.FindOpenByBot(ctx, botID)
	return len(open), nil
}

func (m *memPositions) FindClosedByBot(ctx context.Context, botID int64, limit int) ([]*domain.Position, error) {
	return nil, nil
}

func (m *memPositions) get(id int64) *domain.Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *m.items[id]
	return &cp
}

type memStrategies struct {
	items map[int64]*domain.Strategy
}

func (m *memStrategies) FindActiveByBot(ctx context.Context, botID int64) ([]*domain.Strategy, error) {
	return nil, nil
}
func (m *memStrategies) FindByID(ctx context.Context, id int64) (*domain.Strategy, error) {
	return m.items[id], nil
}
func (m *memStrategies) FindActiveByBotSymbol(ctx context.Context, botID int64, symbol string) ([]*domain.Strategy, error) {
	return nil, nil
}

type memConfig struct{ kv map[string]string }

func (m *memConfig) All(ctx context.Context) (map[string]string, error) { return m.kv, nil }
func (m *memConfig) Set(ctx context.Context, key, value string) error   { return nil }

// --- fixtures ---

func testMonitor(t *testing.T, venue *mockVenue, kv map[string]string) (*Monitor, *memPositions, *orders.StatusCache) {
	t.Helper()
	if kv == nil {
		kv = map[string]string{}
	}
	store, err := configstore.New(context.Background(), &memConfig{kv: kv}, logger.NewStdLogger(logger.LevelError))
	require.NoError(t, err)

	positions := newMemPositions()
	status := orders.NewStatusCache()
	strategies := &memStrategies{items: map[int64]*domain.Strategy{
		1: {ID: 1, BotID: 1, Symbol: "BTCUSDT", TakeProfitPct: 10, StopLossPct: 5, UpReduce: 5, Reduce: 5},
	}}

	mon, err := New(Config{
		Bot:          &domain.Bot{ID: 1, MaxConcurrentTrades: 5},
		Venue:        venue,
		PosRepo:      positions,
		StrategyRepo: strategies,
		StatusCache:  status,
		Locks:        syncx.NewKeyedMutex(),
		Snapshot:     store.Snapshot,
		Logger:       logger.NewStdLogger(logger.LevelError),
	})
	require.NoError(t, err)
	return mon, positions, status
}

func openPosition(t *testing.T, positions *memPositions) *domain.Position {
	t.Helper()
	pos := &domain.Position{
		StrategyID: 1, BotID: 1, Symbol: "BTCUSDT", Side: domain.SideLong,
		EntryPrice: 100, Quantity: 0.5, Amount: 50,
		TakeProfit: 110, InitialTakeProfit: 110, StopLoss: 95,
		OpenedAt: time.Now().UTC().Add(-time.Minute), Status: domain.StatusOpen,
	}
	_, err := positions.Create(context.Background(), pos)
	require.NoError(t, err)
	return pos
}

// --- Layer A ---

func TestEnsureExitsAttachesTPThenSL(t *testing.T) {
	venue := newMockVenue()
	mon, positions, _ := testMonitor(t, venue, nil)
	pos := openPosition(t, positions)

	mon.ensureExits(context.Background(), pos.ID, false)

	submitted := venue.submittedOrders()
	require.Len(t, submitted, 2)
	assert.Equal(t, ports.OrderTypeTakeProfitMarket, submitted[0].Type)
	assert.True(t, submitted[0].ReduceOnly)
	assert.InDelta(t, 110.0, submitted[0].StopPrice, 1e-9)
	assert.Equal(t, ports.OrderTypeStopMarket, submitted[1].Type)
	assert.InDelta(t, 95.0, submitted[1].StopPrice, 1e-9)

	stored := positions.get(pos.ID)
	require.NotNil(t, stored.TPOrderID)
	require.NotNil(t, stored.SLOrderID)
}

func TestEnsureExitsAbortsSLWhenTPFilled(t *testing.T) {
	// Two-phase re-check: the TP fills right after placement, before the SL
	// goes out. The SL must not be submitted and the position closes as a
	// TP exit with no orphan left behind.
	venue := newMockVenue()
	mon, positions, status := testMonitor(t, venue, nil)
	pos := openPosition(t, positions)

	venue.submitFn = func(req ports.SubmitOrder) (*ports.OrderAck, error) {
		if req.Type == ports.OrderTypeTakeProfitMarket {
			// The venue fills the TP immediately after acknowledging it.
			status.Apply(&ports.OrderUpdate{
				OrderID: 2001, Status: "FILLED", AvgFillPrice: 110, ReduceOnly: true,
			})
			return &ports.OrderAck{OrderID: 2001, Status: "NEW"}, nil
		}
		t.Fatalf("unexpected submission of %s after TP fill", req.Type)
		return nil, nil
	}

	mon.ensureExits(context.Background(), pos.ID, false)

	stored := positions.get(pos.ID)
	assert.Equal(t, domain.StatusClosed, stored.Status)
	assert.Equal(t, domain.CloseReasonTakeProfit, stored.CloseReason)
	assert.InDelta(t, (110-100)*0.5, stored.PNL, 1e-9)
	require.Len(t, venue.submittedOrders(), 1, "only the TP may have been submitted")
}

func TestEnsureExitsAbortsSLWhenPositionGone(t *testing.T) {
	venue := newMockVenue()
	venue.closable = 0 // venue reports no remaining exposure
	mon, positions, _ := testMonitor(t, venue, nil)
	pos := openPosition(t, positions)

	mon.ensureExits(context.Background(), pos.ID, false)

	submitted := venue.submittedOrders()
	require.Len(t, submitted, 1, "SL placement must abort when the position is gone")
	assert.Equal(t, ports.OrderTypeTakeProfitMarket, submitted[0].Type)
}

func TestEnsureExitsSoftwareSLOnVenueRefusal(t *testing.T) {
	venue := newMockVenue()
	venue.submitFn = func(req ports.SubmitOrder) (*ports.OrderAck, error) {
		if req.Type == ports.OrderTypeStopMarket {
			return nil, &ports.VenueRejectedError{Code: -4046, Message: "conditional orders not supported"}
		}
		return &ports.OrderAck{OrderID: 3001, Status: "NEW"}, nil
	}
	mon, positions, _ := testMonitor(t, venue, nil)
	pos := openPosition(t, positions)

	mon.ensureExits(context.Background(), pos.ID, false)

	stored := positions.get(pos.ID)
	assert.True(t, stored.SoftwareSL)
	assert.Nil(t, stored.SLOrderID)
	require.NotNil(t, stored.TPOrderID)
}

// --- Layer B ---

func TestDetectExitFillsClosesOnTP(t *testing.T) {
	venue := newMockVenue()
	mon, positions, status := testMonitor(t, venue, nil)
	pos := openPosition(t, positions)
	tpID, slID := int64(2001), int64(2002)
	pos.TPOrderID = &tpID
	pos.SLOrderID = &slID
	require.NoError(t, positions.Update(context.Background(), pos))

	status.Apply(&ports.OrderUpdate{OrderID: tpID, Status: "FILLED", AvgFillPrice: 110, ReduceOnly: true})
	mon.monitorPosition(context.Background(), pos.ID)

	stored := positions.get(pos.ID)
	assert.Equal(t, domain.StatusClosed, stored.Status)
	assert.Equal(t, domain.CloseReasonTakeProfit, stored.CloseReason)
	assert.InDelta(t, 5.0, stored.PNL, 1e-9)
	assert.Contains(t, venue.canceled, slID, "sibling SL must be canceled")
}

func TestDetectExitFillsClosesOnSL(t *testing.T) {
	venue := newMockVenue()
	mon, positions, status := testMonitor(t, venue, nil)
	pos := openPosition(t, positions)
	tpID, slID := int64(2001), int64(2002)
	pos.TPOrderID = &tpID
	pos.SLOrderID = &slID
	require.NoError(t, positions.Update(context.Background(), pos))

	status.Apply(&ports.OrderUpdate{OrderID: slID, Status: "FILLED", AvgFillPrice: 95, ReduceOnly: true})
	mon.monitorPosition(context.Background(), pos.ID)

	stored := positions.get(pos.ID)
	assert.Equal(t, domain.StatusClosed, stored.Status)
	assert.Equal(t, domain.CloseReasonStopLoss, stored.CloseReason)
	assert.InDelta(t, (95.0-100.0)*0.5, stored.PNL, 1e-9)
	assert.Contains(t, venue.canceled, tpID)
}

func TestSoftwareSLClosesOnCross(t *testing.T) {
	venue := newMockVenue()
	venue.price = 94 // below the 95 stop level
	venue.submitFn = func(req ports.SubmitOrder) (*ports.OrderAck, error) {
		return &ports.OrderAck{OrderID: 4001, Status: "FILLED", AvgFillPrice: 94}, nil
	}
	mon, positions, _ := testMonitor(t, venue, nil)
	pos := openPosition(t, positions)
	tpID := int64(2001)
	pos.TPOrderID = &tpID
	pos.SoftwareSL = true
	require.NoError(t, positions.Update(context.Background(), pos))

	mon.monitorPosition(context.Background(), pos.ID)

	stored := positions.get(pos.ID)
	assert.Equal(t, domain.StatusClosed, stored.Status)
	assert.Equal(t, domain.CloseReasonStopLoss, stored.CloseReason)
	submitted := venue.submittedOrders()
	require.Len(t, submitted, 1)
	assert.Equal(t, ports.OrderTypeMarket, submitted[0].Type)
	assert.True(t, submitted[0].ReduceOnly)
}

func TestTrailingReplacesExitOrder(t *testing.T) {
	venue := newMockVenue()
	mon, positions, _ := testMonitor(t, venue, nil)
	pos := openPosition(t, positions)
	tpID, slID := int64(2001), int64(2002)
	pos.TPOrderID = &tpID
	pos.SLOrderID = &slID
	pos.OpenedAt = time.Now().UTC().Add(-4 * time.Minute)
	require.NoError(t, positions.Update(context.Background(), pos))

	mon.monitorPosition(context.Background(), pos.ID)

	stored := positions.get(pos.ID)
	// step = |110-100| * 5% = 0.5/min; 4 minutes -> 108
	assert.InDelta(t, 108.0, stored.TakeProfit, 1e-6)
	assert.Equal(t, 4, stored.MinutesElapsed)
	assert.Contains(t, venue.canceled, tpID, "move past thresholds replaces the venue order")
	require.NotNil(t, stored.TPOrderID)
	assert.NotEqual(t, tpID, *stored.TPOrderID)
}

func TestTrailingBreakevenConvertsToStop(t *testing.T) {
	venue := newMockVenue()
	mon, positions, _ := testMonitor(t, venue, nil)
	pos := openPosition(t, positions)
	tpID := int64(2001)
	pos.TPOrderID = &tpID
	pos.OpenedAt = time.Now().UTC().Add(-30 * time.Minute)
	require.NoError(t, positions.Update(context.Background(), pos))

	mon.monitorPosition(context.Background(), pos.ID)

	stored := positions.get(pos.ID)
	assert.True(t, stored.Breakeven)
	assert.InDelta(t, 100.0, stored.TakeProfit, 1e-9)

	submitted := venue.submittedOrders()
	require.NotEmpty(t, submitted)
	last := submitted[len(submitted)-1]
	assert.Equal(t, ports.OrderTypeStopMarket, last.Type, "breakeven TP is re-placed as a stop")
	assert.InDelta(t, 100.0, last.StopPrice, 1e-9)
}

func TestTrailingBelowThresholdOnlyUpdatesStore(t *testing.T) {
	venue := newMockVenue()
	mon, positions, _ := testMonitor(t, venue, map[string]string{
		configstore.KeyTPUpdateThresholdTicks:     "50", // 5.0 at tick 0.1
		configstore.KeyExitOrderMinPriceChangePct: "0.5",
	})
	pos := openPosition(t, positions)
	tpID, slID := int64(2001), int64(2002)
	pos.TPOrderID = &tpID
	pos.SLOrderID = &slID
	pos.OpenedAt = time.Now().UTC().Add(-2 * time.Minute)
	require.NoError(t, positions.Update(context.Background(), pos))

	mon.monitorPosition(context.Background(), pos.ID)

	stored := positions.get(pos.ID)
	assert.InDelta(t, 109.0, stored.TakeProfit, 1e-6, "stored target moves either way")
	assert.Empty(t, venue.canceled, "below thresholds the venue order stays")
	assert.Equal(t, tpID, *stored.TPOrderID)
}

func TestCycleSkipsWhenRunning(t *testing.T) {
	venue := newMockVenue()
	mon, positions, _ := testMonitor(t, venue, nil)
	openPosition(t, positions)

	mon.running.Store(true)
	mon.Cycle(context.Background())
	assert.Equal(t, 0, mon.tpslQueue.Len(), "reentrant cycle must be skipped")

	mon.running.Store(false)
	mon.Cycle(context.Background())
	assert.Equal(t, 1, mon.tpslQueue.Len())
	assert.Equal(t, 1, mon.monitorQueue.Len())
}
