package orders

import (
	"context"
	"fmt"
	"sync"
	"time"

	"ocbot/internal/domain"
	"ocbot/internal/ports"
)

// mockVenue is a scriptable ports.Venue.
type mockVenue struct {
	mu        sync.Mutex
	submitFn  func(req ports.SubmitOrder) (*ports.OrderAck, error)
	statusFn  func(symbol string, orderID int64) (*ports.OrderAck, error)
	metaFn    func(symbol string) (*ports.SymbolMeta, error)
	closable  float64
	hedge     bool
	submitted []ports.SubmitOrder
	canceled  []int64
	leverage  map[string]int
}

func newMockVenue() *mockVenue {
	return &mockVenue{
		metaFn: func(symbol string) (*ports.SymbolMeta, error) {
			return &ports.SymbolMeta{
				Symbol: symbol, TickSize: 0.1, StepSize: 0.001, MinNotional: 5,
				PricePrecision: 2, QtyPrecision: 3,
			}, nil
		},
		closable: 1,
		leverage: make(map[string]int),
	}
}

func (m *mockVenue) Price(ctx context.Context, symbol string) (float64, error) { return 0, nil }

func (m *mockVenue) Submit(ctx context.Context, req ports.SubmitOrder) (*ports.OrderAck, error) {
	m.mu.Lock()
	m.submitted = append(m.submitted, req)
	m.mu.Unlock()
	if m.submitFn != nil {
		return m.submitFn(req)
	}
	return &ports.OrderAck{OrderID: int64(len(m.submitted)), Status: "NEW"}, nil
}

func (m *mockVenue) Cancel(ctx context.Context, symbol string, orderID int64) error {
	m.mu.Lock()
	m.canceled = append(m.canceled, orderID)
	m.mu.Unlock()
	return nil
}

func (m *mockVenue) OrderStatus(ctx context.Context, symbol string, orderID int64) (*ports.OrderAck, error) {
	if m.statusFn != nil {
		return m.statusFn(symbol, orderID)
	}
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
	return m.metaFn(symbol)
}

func (m *mockVenue) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leverage[symbol] = leverage
	return nil
}

func (m *mockVenue) SetPositionMode(ctx context.Context, hedge bool) error {
	m.hedge = hedge
	return nil
}

func (m *mockVenue) HedgeMode() bool { return m.hedge }

func (m *mockVenue) submittedOrders() []ports.SubmitOrder {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ports.SubmitOrder, len(m.submitted))
	copy(out, m.submitted)
	return out
}

// memOrders is an in-memory ports.EntryOrderRepository backed by memPositions
// for the atomic fill resolution.
type memOrders struct {
	mu        sync.Mutex
	seq       int64
	items     map[int64]*domain.EntryOrder
	positions *memPositions
}

func newMemOrders(positions *memPositions) *memOrders {
	return &memOrders{items: make(map[int64]*domain.EntryOrder), positions: positions}
}

func (m *memOrders) Create(ctx context.Context, o *domain.EntryOrder) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.items {
		if existing.ClientToken == o.ClientToken {
			return 0, fmt.Errorf("token %s: %w", o.ClientToken, ports.ErrDuplicateEntry)
		}
	}
	m.seq++
	o.ID = m.seq
	cp := *o
	m.items[o.ID] = &cp
	return o.ID, nil
}

func (m *memOrders) FindOpen(ctx context.Context, botID int64) ([]*domain.EntryOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*domain.EntryOrder, 0)
	for _, o := range m.items {
		if o.BotID == botID && o.Status == domain.EntryStatusOpen {
			cp := *o
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memOrders) FindOpenByKey(ctx context.Context, botID int64, symbol string, side domain.Side) (*domain.EntryOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.items {
		if o.BotID == botID && o.Symbol == symbol && o.Side == side && o.Status == domain.EntryStatusOpen {
			cp := *o
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memOrders) FindByVenueOrderID(ctx context.Context, botID, venueOrderID int64) (*domain.EntryOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.items {
		if o.BotID == botID && o.VenueOrderID == venueOrderID {
			cp := *o
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memOrders) MarkTerminal(ctx context.Context, id int64, status domain.EntryOrderStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.items[id]
	if !ok || o.Status != domain.EntryStatusOpen {
		return fmt.Errorf("entry order %d is not open: %w", id, ports.ErrUpdateFailed)
	}
	o.Status = status
	return nil
}

func (m *memOrders) ResolveFilled(ctx context.Context, orderID int64, pos *domain.Position) (int64, error) {
	m.mu.Lock()
	o, ok := m.items[orderID]
	if !ok || o.Status != domain.EntryStatusOpen {
		m.mu.Unlock()
		return 0, fmt.Errorf("entry order %d is not open: %w", orderID, ports.ErrUpdateFailed)
	}
	o.Status = domain.EntryStatusFilled
	m.mu.Unlock()
	return m.positions.Create(ctx, pos)
}

func (m *memOrders) get(id int64) *domain.EntryOrder {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *m.items[id]
	return &cp
}

// memPositions is an in-memory ports.PositionRepository enforcing exposure
// uniqueness and terminal monotonicity like the real store.
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
	for _, p := range m.items {
		if p.BotID == pos.BotID && p.Symbol == pos.Symbol && p.Side == pos.Side && p.Status == domain.StatusOpen {
			return 0, fmt.Errorf("open position exists for %s/%s: %w", pos.Symbol, pos.Side, ports.ErrDuplicateEntry)
		}
	}
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
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*domain.Position, 0)
	for _, p := range m.items {
		if p.BotID == botID && p.Status == domain.StatusClosed {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

// memStrategies serves strategies from a fixed map.
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
	out := make([]*domain.Strategy, 0)
	for _, st := range m.items {
		if st.BotID == botID && st.Symbol == symbol && st.Active {
			out = append(out, st)
		}
	}
	return out, nil
}
