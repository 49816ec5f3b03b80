package reconciler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ocbot/internal/adapters/logger"
	"ocbot/internal/configstore"
	"ocbot/internal/domain"
	"ocbot/internal/ports"
	"ocbot/internal/syncx"
)

// --- mocks ---

type mockVenue struct {
	mu        sync.Mutex
	positions []ports.VenuePosition
	orders    []ports.OrderAck
	price     float64
	canceled  []int64
}

func (m *mockVenue) Price(ctx context.Context, symbol string) (float64, error) {
	return m.price, nil
}
func (m *mockVenue) Submit(ctx context.Context, req ports.SubmitOrder) (*ports.OrderAck, error) {
	return &ports.OrderAck{OrderID: 1, Status: "NEW"}, nil
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
	return m.positions, nil
}
func (m *mockVenue) ClosableQty(ctx context.Context, symbol string, side domain.Side) (float64, error) {
	return 0, nil
}
func (m *mockVenue) OpenOrders(ctx context.Context, symbol string) ([]ports.OrderAck, error) {
	return m.orders, nil
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
	return &ports.SymbolMeta{Symbol: symbol, TickSize: 0.01, StepSize: 0.1}, nil
}
func (m *mockVenue) SetLeverage(ctx context.Context, symbol string, leverage int) error { return nil }
func (m *mockVenue) SetPositionMode(ctx context.Context, hedge bool) error              { return nil }
func (m *mockVenue) HedgeMode() bool                                                    { return false }

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

func (m *memPositions) CountOpenByBot(ctx context.Context, botID int64) (int, error) { return 0, nil }
func (m *memPositions) FindClosedByBot(ctx context.Context, botID int64, limit int) ([]*domain.Position, error) {
	return nil, nil
}

func (m *memPositions) get(id int64) *domain.Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *m.items[id]
	return &cp
}

type memOrders struct {
	open map[string]*domain.EntryOrder
}

func (m *memOrders) Create(ctx context.Context, o *domain.EntryOrder) (int64, error) { return 0, nil }
func (m *memOrders) FindOpen(ctx context.Context, botID int64) ([]*domain.EntryOrder, error) {
	return nil, nil
}
func (m *memOrders) FindOpenByKey(ctx context.Context, botID int64, symbol string, side domain.Side) (*domain.EntryOrder, error) {
	if m.open == nil {
		return nil, nil
	}
	return m.open[symbol+"/"+string(side)], nil
}
func (m *memOrders) FindByVenueOrderID(ctx context.Context, botID, venueOrderID int64) (*domain.EntryOrder, error) {
	return nil, nil
}
func (m *memOrders) MarkTerminal(ctx context.Context, id int64, status domain.EntryOrderStatus) error {
	return nil
}
func (m *memOrders) ResolveFilled(ctx context.Context, orderID int64, pos *domain.Position) (int64, error) {
	return 0, nil
}

type memStrategies struct {
	items []*domain.Strategy
}

func (m *memStrategies) FindActiveByBot(ctx context.Context, botID int64) ([]*domain.Strategy, error) {
	return nil, nil
}
func (m *memStrategies) FindByID(ctx context.Context, id int64) (*domain.Strategy, error) {
	return nil, nil
}
func (m *memStrategies) FindActiveByBotSymbol(ctx context.Context, botID int64, symbol string) ([]*domain.Strategy, error) {
	out := make([]*domain.Strategy, 0)
	for _, st := range m.items {
		if st.BotID == botID && st.Symbol == symbol && st.Active {
			out = append(out, st)
		}
	}
	return out, nil
}

type memConfig struct{}

func (memConfig) All(ctx context.Context) (map[string]string, error) {
	return map[string]string{}, nil
}
func (memConfig) Set(ctx context.Context, key, value string) error { return nil }

type recordingResolver struct {
	resolved []*domain.EntryOrder
}

func (r *recordingResolver) ResolveFilled(ctx context.Context, order *domain.EntryOrder, avgFillPrice float64) error {
	r.resolved = append(r.resolved, order)
	return nil
}

// --- fixtures ---

func testReconciler(t *testing.T, venue *mockVenue, positions *memPositions, orders *memOrders, strategies *memStrategies, resolver *recordingResolver) *Reconciler {
	t.Helper()
	store, err := configstore.New(context.Background(), memConfig{}, logger.NewStdLogger(logger.LevelError))
	require.NoError(t, err)

	cfg := Config{
		Bot:          &domain.Bot{ID: 1, MaxConcurrentTrades: 5},
		Venue:        venue,
		PosRepo:      positions,
		OrderRepo:    orders,
		StrategyRepo: strategies,
		Locks:        syncx.NewKeyedMutex(),
		Snapshot:     store.Snapshot,
		Logger:       logger.NewStdLogger(logger.LevelError),
	}
	if resolver != nil {
		cfg.Resolver = resolver
	}
	rec, err := New(cfg)
	require.NoError(t, err)
	return rec
}

// --- tests ---

func TestBookOnlyClosedAfterTwoCycles(t *testing.T) {
	venue := &mockVenue{price: 140}
	positions := newMemPositions()
	pos := &domain.Position{
		BotID: 1, Symbol: "SOLUSDT", Side: domain.SideLong, EntryPrice: 150,
		Quantity: 10, Status: domain.StatusOpen, OpenedAt: time.Now().UTC(),
	}
	_, err := positions.Create(context.Background(), pos)
	require.NoError(t, err)

	rec := testReconciler(t, venue, positions, &memOrders{}, &memStrategies{}, nil)

	// First miss: grace window, still open.
	res, err := rec.Cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.BookOnlyClosed)
	assert.Equal(t, domain.StatusOpen, positions.get(pos.ID).Status)

	// Second consecutive miss: closed as phantom at the last ticker price.
	res, err = rec.Cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.BookOnlyClosed)

	stored := positions.get(pos.ID)
	assert.Equal(t, domain.StatusClosed, stored.Status)
	assert.Equal(t, domain.CloseReasonSyncNotOnVenue, stored.CloseReason)
	assert.InDelta(t, 140.0, stored.ClosePrice, 1e-9)
	assert.InDelta(t, (140.0-150.0)*10, stored.PNL, 1e-9)
}

func TestBookOnlyGraceResetsWhenSeenAgain(t *testing.T) {
	venue := &mockVenue{price: 140}
	positions := newMemPositions()
	pos := &domain.Position{
		BotID: 1, Symbol: "SOLUSDT", Side: domain.SideLong, EntryPrice: 150,
		Quantity: 10, Status: domain.StatusOpen, OpenedAt: time.Now().UTC(),
	}
	_, err := positions.Create(context.Background(), pos)
	require.NoError(t, err)

	rec := testReconciler(t, venue, positions, &memOrders{}, &memStrategies{}, nil)

	_, err = rec.Cycle(context.Background())
	require.NoError(t, err)

	// The venue reports it again: the miss counter resets.
	venue.positions = []ports.VenuePosition{{Symbol: "SOLUSDT", Side: domain.SideLong, Quantity: 10, EntryPrice: 150}}
	_, err = rec.Cycle(context.Background())
	require.NoError(t, err)

	venue.positions = nil
	res, err := rec.Cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.BookOnlyClosed, "one miss after a hit stays within the grace window")
	assert.Equal(t, domain.StatusOpen, positions.get(pos.ID).Status)
}

func TestVenueOnlyDrivesEntryConfirmation(t *testing.T) {
	venue := &mockVenue{
		price:     3100,
		positions: []ports.VenuePosition{{Symbol: "ETHUSDT", Side: domain.SideShort, Quantity: 0.016, EntryPrice: 3096}},
	}
	positions := newMemPositions()
	order := &domain.EntryOrder{
		ID: 42, BotID: 1, Symbol: "ETHUSDT", Side: domain.SideShort,
		Status: domain.EntryStatusOpen,
	}
	orders := &memOrders{open: map[string]*domain.EntryOrder{"ETHUSDT/short": order}}
	resolver := &recordingResolver{}

	rec := testReconciler(t, venue, positions, orders, &memStrategies{}, resolver)

	res, err := rec.Cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Reconstructed)
	require.Len(t, resolver.resolved, 1)
	assert.Equal(t, int64(42), resolver.resolved[0].ID)
}

func TestVenueOnlyReconstructedFromStrategy(t *testing.T) {
	venue := &mockVenue{
		price:     3100,
		positions: []ports.VenuePosition{{Symbol: "ETHUSDT", Side: domain.SideShort, Quantity: 0.016, EntryPrice: 3096}},
	}
	positions := newMemPositions()
	strategies := &memStrategies{items: []*domain.Strategy{
		{ID: 9, BotID: 1, Symbol: "ETHUSDT", Active: true, TakeProfitPct: 50, Leverage: 2},
	}}

	rec := testReconciler(t, venue, positions, &memOrders{}, strategies, nil)

	res, err := rec.Cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Reconstructed)

	pos, err := positions.FindOpenByKey(context.Background(), 1, "ETHUSDT", domain.SideShort)
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.InDelta(t, 3096.0, pos.EntryPrice, 1e-9)
	assert.True(t, strings.HasPrefix(pos.VenueOrderRef, "sync_"))
	assert.Equal(t, int64(9), pos.StrategyID)
}

func TestVenueOnlyUnattributableSkipped(t *testing.T) {
	venue := &mockVenue{
		price:     3100,
		positions: []ports.VenuePosition{{Symbol: "XRPUSDT", Side: domain.SideLong, Quantity: 100, EntryPrice: 0.5}},
	}
	positions := newMemPositions()

	rec := testReconciler(t, venue, positions, &memOrders{}, &memStrategies{}, nil)

	res, err := rec.Cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.VenueOnlyFound)
	assert.Equal(t, 0, res.Reconstructed)
	open, err := positions.FindOpenByBot(context.Background(), 1)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestStaleExitIDsCleared(t *testing.T) {
	tpID, slID := int64(700), int64(701)
	venue := &mockVenue{
		price:     100,
		positions: []ports.VenuePosition{{Symbol: "BTCUSDT", Side: domain.SideLong, Quantity: 0.5, EntryPrice: 100}},
		orders:    []ports.OrderAck{{OrderID: tpID, Symbol: "BTCUSDT", Side: "SELL", ReduceOnly: true}},
	}
	positions := newMemPositions()
	pos := &domain.Position{
		BotID: 1, Symbol: "BTCUSDT", Side: domain.SideLong, EntryPrice: 100, Quantity: 0.5,
		TPOrderID: &tpID, SLOrderID: &slID, StopLoss: 95,
		Status: domain.StatusOpen, OpenedAt: time.Now().UTC(),
	}
	_, err := positions.Create(context.Background(), pos)
	require.NoError(t, err)

	rec := testReconciler(t, venue, positions, &memOrders{}, &memStrategies{}, nil)

	res, err := rec.Cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.StaleIDsCleared)

	stored := positions.get(pos.ID)
	require.NotNil(t, stored.TPOrderID, "live TP id stays")
	assert.Nil(t, stored.SLOrderID, "dead SL id cleared so the monitor re-attaches")
}

func TestOrphanReduceOnlyOrderCanceled(t *testing.T) {
	orphanID := int64(900)
	venue := &mockVenue{
		price:  100,
		orders: []ports.OrderAck{{OrderID: orphanID, Symbol: "DOGEUSDT", Side: "SELL", ReduceOnly: true}},
	}
	positions := newMemPositions()

	rec := testReconciler(t, venue, positions, &memOrders{}, &memStrategies{}, nil)

	res, err := rec.Cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.OrphansCanceled)
	assert.Contains(t, venue.canceled, orphanID)
}

func TestAmountDriftRepaired(t *testing.T) {
	venue := &mockVenue{
		price:     100,
		positions: []ports.VenuePosition{{Symbol: "BTCUSDT", Side: domain.SideLong, Quantity: 0.4, EntryPrice: 100}},
	}
	positions := newMemPositions()
	pos := &domain.Position{
		BotID: 1, Symbol: "BTCUSDT", Side: domain.SideLong, EntryPrice: 100, Quantity: 0.5,
		Status: domain.StatusOpen, OpenedAt: time.Now().UTC(),
	}
	_, err := positions.Create(context.Background(), pos)
	require.NoError(t, err)

	rec := testReconciler(t, venue, positions, &memOrders{}, &memStrategies{}, nil)

	res, err := rec.Cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.AmountRepaired)
	assert.InDelta(t, 0.4, positions.get(pos.ID).Quantity, 1e-9)
}

func TestDryRunTouchesNothing(t *testing.T) {
	orphanID := int64(900)
	venue := &mockVenue{
		price:  100,
		orders: []ports.OrderAck{{OrderID: orphanID, Symbol: "DOGEUSDT", Side: "SELL", ReduceOnly: true}},
	}
	positions := newMemPositions()
	pos := &domain.Position{
		BotID: 1, Symbol: "SOLUSDT", Side: domain.SideLong, EntryPrice: 150, Quantity: 10,
		Status: domain.StatusOpen, OpenedAt: time.Now().UTC(),
	}
	_, err := positions.Create(context.Background(), pos)
	require.NoError(t, err)

	store, err := configstore.New(context.Background(), memConfig{}, logger.NewStdLogger(logger.LevelError))
	require.NoError(t, err)
	rec, err := New(Config{
		Bot:          &domain.Bot{ID: 1},
		Venue:        venue,
		PosRepo:      positions,
		OrderRepo:    &memOrders{},
		StrategyRepo: &memStrategies{},
		Locks:        syncx.NewKeyedMutex(),
		Snapshot:     store.Snapshot,
		Logger:       logger.NewStdLogger(logger.LevelError),
		DryRun:       true,
	})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err = rec.Cycle(context.Background())
		require.NoError(t, err)
	}
	assert.Equal(t, domain.StatusOpen, positions.get(pos.ID).Status)
	assert.Empty(t, venue.canceled)
}
