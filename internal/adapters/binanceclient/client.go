package binanceclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"ocbot/internal/domain"
	"ocbot/internal/ports"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
)

const (
	baseURLProduction = "https://fapi.binance.com"
	baseURLTestnet    = "https://testnet.binancefuture.com"

	tickFreshness = 5 * time.Second
)

// Client implements the ports.Venue interface using the go-binance library.
type Client struct {
	futuresClient *futures.Client
	logger        ports.Logger
	sched         *Scheduler

	callTimeout          time.Duration
	reconnectDelay       time.Duration
	maxReconnectAttempts int

	metaMu sync.RWMutex
	meta   map[string]*ports.SymbolMeta

	levMu    sync.Mutex
	leverage map[string]int // cached leverage per symbol

	modeOnce  sync.Once
	modeMu    sync.RWMutex
	hedgeMode bool

	tickMu sync.RWMutex
	ticks  map[string]tickEntry
}

type tickEntry struct {
	price float64
	ts    time.Time
}

// Config holds configuration specific to the Binance futures adapter.
type Config struct {
	APIKey               string
	SecretKey            string
	UseTestnet           bool
	Proxy                string // optional outbound proxy URL
	Logger               ports.Logger
	Scheduler            *Scheduler // shared per venue; a default is built when nil
	CallTimeout          time.Duration
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
	HedgeFallback        bool // position mode assumed until detected
}

// New creates a new Binance futures venue adapter.
func New(cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for Binance client")
	}
	if cfg.APIKey == "" || cfg.SecretKey == "" {
		cfg.Logger.Warn(context.Background(), "APIKey or SecretKey is empty. Client will only work for public endpoints.")
	}

	client := futures.NewClient(cfg.APIKey, cfg.SecretKey)
	if cfg.UseTestnet {
		client.BaseURL = baseURLTestnet
	} else {
		client.BaseURL = baseURLProduction
	}

	if cfg.Proxy != "" {
		proxyURL, err := url.Parse(cfg.Proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy URL %q: %w", cfg.Proxy, err)
		}
		client.HTTPClient = &http.Client{
			Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		}
	}

	sched := cfg.Scheduler
	if sched == nil {
		sched = NewScheduler(SchedulerConfig{})
	}
	callTimeout := cfg.CallTimeout
	if callTimeout <= 0 {
		callTimeout = 5 * time.Second
	}
	reconnectDelay := cfg.ReconnectDelay
	if reconnectDelay <= 0 {
		reconnectDelay = time.Second
	}
	maxAttempts := cfg.MaxReconnectAttempts
	if maxAttempts <= 0 {
		maxAttempts = 10
	}

	c := &Client{
		futuresClient:        client,
		logger:               cfg.Logger,
		sched:                sched,
		callTimeout:          callTimeout,
		reconnectDelay:       reconnectDelay,
		maxReconnectAttempts: maxAttempts,
		meta:                 make(map[string]*ports.SymbolMeta),
		leverage:             make(map[string]int),
		hedgeMode:            cfg.HedgeFallback,
		ticks:                make(map[string]tickEntry),
	}
	return c, nil
}

// Scheduler exposes the request scheduler, shared with the engine for retuning.
func (c *Client) Scheduler() *Scheduler { return c.sched }

// handleError translates Binance API errors into the standard taxonomy.
func (c *Client) handleError(ctx context.Context, err error, operation string) error {
	if err == nil {
		return nil
	}

	fields := map[string]interface{}{"operation": operation, "originalError": err.Error()}

	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		fields["apiErrorCode"] = apiErr.Code
		fields["apiErrorMessage"] = apiErr.Message

		var mappedErr error
		switch apiErr.Code {
		case -1003:
			mappedErr = ports.ErrRateLimited
		case -1021:
			mappedErr = ports.ErrTimeout
		case -1022, -2014, -2015:
			mappedErr = ports.ErrUnauthorized
		case -1111, -4003, -1013:
			mappedErr = ports.ErrInvalidSize
		case -4014, -4024:
			mappedErr = ports.ErrInvalidPrice
		case -2021:
			mappedErr = ports.ErrImmediateTrigger
		case -2022:
			mappedErr = ports.ErrReduceOnlyRejected
		case -2013:
			mappedErr = ports.ErrNotFound
		case -4061:
			mappedErr = ports.ErrPositionModeMismatch
		default:
			mappedErr = &ports.VenueRejectedError{Code: int64(apiErr.Code), Message: apiErr.Message}
		}
		if errors.Is(mappedErr, ports.ErrRateLimited) || errors.Is(mappedErr, ports.ErrTimeout) {
			c.sched.ReportTimeout()
		}
		finalErr := fmt.Errorf("%s failed: %w", operation, mappedErr)
		c.logger.Error(ctx, err, fmt.Sprintf("%s failed with API error", operation), fields)
		return finalErr
	}

	var finalErr error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		c.sched.ReportTimeout()
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrTimeout, err)
	case errors.Is(err, context.Canceled):
		finalErr = fmt.Errorf("%s canceled: %w: %w", operation, ports.ErrContextCanceled, err)
	case strings.Contains(err.Error(), "use of closed network connection"),
		strings.Contains(err.Error(), "connection refused"),
		strings.Contains(err.Error(), "connection reset by peer"),
		strings.Contains(err.Error(), "EOF"):
		c.sched.ReportTimeout()
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrTransport, err)
	default:
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrUnknown, err)
	}

	c.logger.Error(ctx, err, fmt.Sprintf("%s failed", operation), fields)
	return finalErr
}

func (c *Client) callContext(ctx context.Context, emergency bool) (context.Context, context.CancelFunc) {
	timeout := c.callTimeout
	if emergency {
		timeout *= 2
	}
	return context.WithTimeout(ctx, timeout)
}

// --- market data ---

// Price returns the last trade price, served from the tick cache when fresh.
func (c *Client) Price(ctx context.Context, symbol string) (float64, error) {
	op := "Price"
	symbol = NormalizeSymbol(symbol)

	c.tickMu.RLock()
	entry, ok := c.ticks[symbol]
	c.tickMu.RUnlock()
	if ok && time.Since(entry.ts) < tickFreshness {
		return entry.price, nil
	}

	if err := c.sched.Acquire(ctx, ClassMarketData, false); err != nil {
		return 0, fmt.Errorf("%s scheduling failed: %w", op, err)
	}
	cctx, cancel := c.callContext(ctx, false)
	defer cancel()

	prices, err := c.futuresClient.NewListPricesService().Symbol(symbol).Do(cctx)
	if err != nil {
		return 0, c.handleError(ctx, err, op)
	}
	if len(prices) == 0 {
		return 0, fmt.Errorf("%s: no price data for symbol %s: %w", op, symbol, ports.ErrNotFound)
	}
	price, err := strconv.ParseFloat(prices[0].Price, 64)
	if err != nil {
		return 0, c.handleError(ctx, fmt.Errorf("could not parse price '%s': %w", prices[0].Price, err), op)
	}
	c.sched.ReportSuccess()
	c.recordTick(symbol, price, time.Now())
	return price, nil
}

func (c *Client) recordTick(symbol string, price float64, ts time.Time) {
	c.tickMu.Lock()
	c.ticks[symbol] = tickEntry{price: price, ts: ts}
	c.tickMu.Unlock()
}

// SymbolMeta returns precision and sizing constraints, cached per symbol.
// The first lookup also detects the account position mode.
func (c *Client) SymbolMeta(ctx context.Context, symbol string) (*ports.SymbolMeta, error) {
	op := "SymbolMeta"
	symbol = NormalizeSymbol(symbol)

	c.metaMu.RLock()
	meta, ok := c.meta[symbol]
	c.metaMu.RUnlock()
	if ok {
		return meta, nil
	}

	c.detectPositionMode(ctx)

	if err := c.sched.Acquire(ctx, ClassMarketData, false); err != nil {
		return nil, fmt.Errorf("%s scheduling failed: %w", op, err)
	}
	cctx, cancel := c.callContext(ctx, false)
	defer cancel()

	info, err := c.futuresClient.NewExchangeInfoService().Do(cctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}
	c.sched.ReportSuccess()

	c.metaMu.Lock()
	for i := range info.Symbols {
		s := &info.Symbols[i]
		m := &ports.SymbolMeta{
			Symbol:         s.Symbol,
			PricePrecision: s.PricePrecision,
			QtyPrecision:   s.QuantityPrecision,
			HedgeMode:      c.HedgeMode(),
		}
		if pf := s.PriceFilter(); pf != nil {
			m.TickSize, _ = strconv.ParseFloat(pf.TickSize, 64)
		}
		if lf := s.LotSizeFilter(); lf != nil {
			m.StepSize, _ = strconv.ParseFloat(lf.StepSize, 64)
		}
		if nf := s.MinNotionalFilter(); nf != nil {
			m.MinNotional, _ = strconv.ParseFloat(nf.Notional, 64)
		}
		c.meta[s.Symbol] = m
	}
	meta, ok = c.meta[symbol]
	c.metaMu.Unlock()

	if !ok {
		return nil, fmt.Errorf("%s: symbol %s not listed on venue: %w", op, symbol, ports.ErrNotFound)
	}
	return meta, nil
}

func (c *Client) detectPositionMode(ctx context.Context) {
	c.modeOnce.Do(func() {
		cctx, cancel := c.callContext(ctx, false)
		defer cancel()
		mode, err := c.futuresClient.NewGetPositionModeService().Do(cctx)
		if err != nil {
			c.logger.Warn(ctx, "Position mode detection failed, using fallback", map[string]interface{}{
				"fallbackHedge": c.HedgeMode(), "error": err.Error(),
			})
			return
		}
		c.modeMu.Lock()
		c.hedgeMode = mode.DualSidePosition
		c.modeMu.Unlock()
		c.logger.Info(ctx, "Position mode detected", map[string]interface{}{"hedge": mode.DualSidePosition})
	})
}

// HedgeMode reports the cached account position mode.
func (c *Client) HedgeMode() bool {
	c.modeMu.RLock()
	defer c.modeMu.RUnlock()
	return c.hedgeMode
}

// --- trading ---

// Submit places an order, rounding quantity and prices to the symbol's
// constraints. Idempotent per client token.
func (c *Client) Submit(ctx context.Context, req ports.SubmitOrder) (*ports.OrderAck, error) {
	op := "Submit"
	symbol := NormalizeSymbol(req.Symbol)

	meta, err := c.SymbolMeta(ctx, symbol)
	if err != nil {
		return nil, err
	}

	qty := FloorToStep(req.Quantity, meta.StepSize)
	if qty <= 0 {
		return nil, fmt.Errorf("%s: quantity %v rounds to zero for %s: %w", op, req.Quantity, symbol, ports.ErrInvalidSize)
	}
	refPrice := req.Price
	if refPrice == 0 {
		refPrice = req.StopPrice
	}
	if refPrice > 0 && qty*refPrice < meta.MinNotional && !req.ReduceOnly {
		return nil, fmt.Errorf("%s: notional %.8f below venue minimum %.8f for %s: %w",
			op, qty*refPrice, meta.MinNotional, symbol, ports.ErrInvalidSize)
	}

	if err := c.sched.Acquire(ctx, ClassSigned, req.Emergency); err != nil {
		return nil, fmt.Errorf("%s scheduling failed: %w", op, err)
	}
	cctx, cancel := c.callContext(ctx, req.Emergency)
	defer cancel()

	svc := c.futuresClient.NewCreateOrderService().
		Symbol(symbol).
		Side(futures.SideType(req.Side)).
		Type(futures.OrderType(req.Type)).
		Quantity(FormatDecimal(qty, meta.QtyPrecision))

	if req.Price > 0 {
		svc = svc.Price(FormatDecimal(FloorToTick(req.Price, meta.TickSize), meta.PricePrecision))
	}
	if req.StopPrice > 0 {
		svc = svc.StopPrice(FormatDecimal(FloorToTick(req.StopPrice, meta.TickSize), meta.PricePrecision))
	}
	if req.ClientToken != "" {
		svc = svc.NewClientOrderID(req.ClientToken)
	}
	tif := req.TimeInForce
	if tif == "" && req.Type == ports.OrderTypeLimit {
		tif = "GTC"
	}
	if tif != "" {
		svc = svc.TimeInForce(futures.TimeInForceType(tif))
	}
	if meta.HedgeMode {
		if req.PositionSide != "" {
			svc = svc.PositionSide(futures.PositionSideType(req.PositionSide))
		}
	} else if req.ReduceOnly {
		svc = svc.ReduceOnly(true)
	}

	order, err := svc.Do(cctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}
	c.sched.ReportSuccess()

	ack := translateCreateOrder(order)
	c.logger.Info(ctx, op+" successful", map[string]interface{}{
		"symbol": symbol, "side": req.Side, "type": req.Type,
		"quantity": qty, "orderID": ack.OrderID, "status": ack.Status,
	})
	return ack, nil
}

// Cancel cancels an order. A non-existent order is a non-error.
func (c *Client) Cancel(ctx context.Context, symbol string, orderID int64) error {
	op := "Cancel"
	symbol = NormalizeSymbol(symbol)

	if err := c.sched.Acquire(ctx, ClassSigned, false); err != nil {
		return fmt.Errorf("%s scheduling failed: %w", op, err)
	}
	cctx, cancel := c.callContext(ctx, false)
	defer cancel()

	_, err := c.futuresClient.NewCancelOrderService().Symbol(symbol).OrderID(orderID).Do(cctx)
	if err != nil {
		translated := c.handleError(ctx, err, op)
		if errors.Is(translated, ports.ErrNotFound) {
			c.logger.Debug(ctx, op+": order already gone", map[string]interface{}{"symbol": symbol, "orderID": orderID})
			return nil
		}
		return translated
	}
	c.sched.ReportSuccess()
	c.logger.Info(ctx, op+" successful", map[string]interface{}{"symbol": symbol, "orderID": orderID})
	return nil
}

// OrderStatus queries a single order.
func (c *Client) OrderStatus(ctx context.Context, symbol string, orderID int64) (*ports.OrderAck, error) {
	op := "OrderStatus"
	symbol = NormalizeSymbol(symbol)

	if err := c.sched.Acquire(ctx, ClassSigned, false); err != nil {
		return nil, fmt.Errorf("%s scheduling failed: %w", op, err)
	}
	cctx, cancel := c.callContext(ctx, false)
	defer cancel()

	order, err := c.futuresClient.NewGetOrderService().Symbol(symbol).OrderID(orderID).Do(cctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}
	c.sched.ReportSuccess()
	return translateOrder(order), nil
}

// OpenOrders lists open orders, optionally filtered by symbol.
func (c *Client) OpenOrders(ctx context.Context, symbol string) ([]ports.OrderAck, error) {
	op := "OpenOrders"

	if err := c.sched.Acquire(ctx, ClassSigned, false); err != nil {
		return nil, fmt.Errorf("%s scheduling failed: %w", op, err)
	}
	cctx, cancel := c.callContext(ctx, false)
	defer cancel()

	svc := c.futuresClient.NewListOpenOrdersService()
	if symbol != "" {
		svc = svc.Symbol(NormalizeSymbol(symbol))
	}
	orders, err := svc.Do(cctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}
	c.sched.ReportSuccess()

	acks := make([]ports.OrderAck, 0, len(orders))
	for _, o := range orders {
		acks = append(acks, *translateOrder(o))
	}
	return acks, nil
}

// OpenPositions lists the venue's open exposures for this account.
func (c *Client) OpenPositions(ctx context.Context) ([]ports.VenuePosition, error) {
	op := "OpenPositions"

	if err := c.sched.Acquire(ctx, ClassSigned, false); err != nil {
		return nil, fmt.Errorf("%s scheduling failed: %w", op, err)
	}
	cctx, cancel := c.callContext(ctx, false)
	defer cancel()

	risks, err := c.futuresClient.NewGetPositionRiskService().Do(cctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}
	c.sched.ReportSuccess()

	positions := make([]ports.VenuePosition, 0)
	for _, r := range risks {
		amt, _ := strconv.ParseFloat(r.PositionAmt, 64)
		if amt == 0 {
			continue
		}
		entry, _ := strconv.ParseFloat(r.EntryPrice, 64)
		mark, _ := strconv.ParseFloat(r.MarkPrice, 64)
		side := domain.SideLong
		qty := amt
		if amt < 0 {
			side = domain.SideShort
			qty = -amt
		}
		if r.PositionSide == "SHORT" {
			side = domain.SideShort
		} else if r.PositionSide == "LONG" {
			side = domain.SideLong
		}
		positions = append(positions, ports.VenuePosition{
			Symbol:     r.Symbol,
			Side:       side,
			Quantity:   qty,
			EntryPrice: entry,
			MarkPrice:  mark,
		})
	}
	return positions, nil
}

// ClosableQty returns the remaining closable quantity for (symbol, side).
func (c *Client) ClosableQty(ctx context.Context, symbol string, side domain.Side) (float64, error) {
	symbol = NormalizeSymbol(symbol)
	positions, err := c.OpenPositions(ctx)
	if err != nil {
		return 0, err
	}
	for _, p := range positions {
		if p.Symbol == symbol && p.Side == side {
			return p.Quantity, nil
		}
	}
	return 0, nil
}

// SetLeverage sets leverage for a symbol; setting the current cached value
// is a no-op without a venue call.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	op := "SetLeverage"
	symbol = NormalizeSymbol(symbol)

	c.levMu.Lock()
	if cached, ok := c.leverage[symbol]; ok && cached == leverage {
		c.levMu.Unlock()
		return nil
	}
	c.levMu.Unlock()

	if err := c.sched.Acquire(ctx, ClassSigned, false); err != nil {
		return fmt.Errorf("%s scheduling failed: %w", op, err)
	}
	cctx, cancel := c.callContext(ctx, false)
	defer cancel()

	_, err := c.futuresClient.NewChangeLeverageService().Symbol(symbol).Leverage(leverage).Do(cctx)
	if err != nil {
		return c.handleError(ctx, err, op)
	}
	c.sched.ReportSuccess()

	c.levMu.Lock()
	c.leverage[symbol] = leverage
	c.levMu.Unlock()
	c.logger.Info(ctx, op+" successful", map[string]interface{}{"symbol": symbol, "leverage": leverage})
	return nil
}

// SetPositionMode switches the account between hedge and one-way mode.
func (c *Client) SetPositionMode(ctx context.Context, hedge bool) error {
	op := "SetPositionMode"

	if c.HedgeMode() == hedge {
		return nil
	}

	if err := c.sched.Acquire(ctx, ClassSigned, false); err != nil {
		return fmt.Errorf("%s scheduling failed: %w", op, err)
	}
	cctx, cancel := c.callContext(ctx, false)
	defer cancel()

	err := c.futuresClient.NewChangePositionModeService().DualSide(hedge).Do(cctx)
	if err != nil {
		translated := c.handleError(ctx, err, op)
		// -4059: no position mode change needed
		var rejected *ports.VenueRejectedError
		if errors.As(translated, &rejected) && rejected.Code == -4059 {
			translated = nil
		}
		if translated != nil {
			return translated
		}
	}
	c.sched.ReportSuccess()

	c.modeMu.Lock()
	c.hedgeMode = hedge
	c.modeMu.Unlock()
	c.logger.Info(ctx, op+" successful", map[string]interface{}{"hedge": hedge})
	return nil
}

// --- translation helpers ---

func translateCreateOrder(order *futures.CreateOrderResponse) *ports.OrderAck {
	if order == nil {
		return nil
	}
	price, _ := strconv.ParseFloat(order.Price, 64)
	avgPrice, _ := strconv.ParseFloat(order.AvgPrice, 64)
	origQty, _ := strconv.ParseFloat(order.OrigQuantity, 64)
	execQty, _ := strconv.ParseFloat(order.ExecutedQuantity, 64)

	return &ports.OrderAck{
		OrderID:      order.OrderID,
		ClientToken:  order.ClientOrderID,
		Symbol:       order.Symbol,
		Status:       string(order.Status),
		Type:         string(order.Type),
		Side:         string(order.Side),
		Price:        price,
		AvgFillPrice: avgPrice,
		OrigQty:      origQty,
		FilledQty:    execQty,
		ReduceOnly:   order.ReduceOnly,
		UpdatedAt:    time.UnixMilli(order.UpdateTime),
	}
}

func translateOrder(order *futures.Order) *ports.OrderAck {
	if order == nil {
		return nil
	}
	price, _ := strconv.ParseFloat(order.Price, 64)
	avgPrice, _ := strconv.ParseFloat(order.AvgPrice, 64)
	origQty, _ := strconv.ParseFloat(order.OrigQuantity, 64)
	execQty, _ := strconv.ParseFloat(order.ExecutedQuantity, 64)

	return &ports.OrderAck{
		OrderID:      order.OrderID,
		ClientToken:  order.ClientOrderID,
		Symbol:       order.Symbol,
		Status:       string(order.Status),
		Type:         string(order.Type),
		Side:         string(order.Side),
		Price:        price,
		AvgFillPrice: avgPrice,
		OrigQty:      origQty,
		FilledQty:    execQty,
		ReduceOnly:   order.ReduceOnly,
		UpdatedAt:    time.UnixMilli(order.UpdateTime),
	}
}
