package tickbus

import (
	"context"
	"fmt"
	"time"

	"ocbot/internal/domain"
	"ocbot/internal/ports"
)

// TickFunc receives last-trade ticks for a subscribed symbol.
type TickFunc func(price float64, ts time.Time)

// CandleFunc receives closed candles for a subscribed (symbol, interval).
type CandleFunc func(c *domain.Candle)

// Bus is a single-goroutine fan-out of last-trade ticks keyed by normalized
// symbol. It also aggregates ticks into candles per subscribed (symbol,
// interval) and emits a closed-candle event on each boundary. Handlers run on
// the dispatch goroutine and must not block; long work belongs on a worker
// pool.
type Bus struct {
	logger ports.Logger

	tickCh chan tick

	tickSubs   map[string][]TickFunc
	candleSubs map[candleKey][]CandleFunc
	builders   map[candleKey]*builder
}

type tick struct {
	symbol string
	price  float64
	qty    float64
	ts     time.Time
}

type candleKey struct {
	symbol   string
	interval string
}

type builder struct {
	interval time.Duration
	openTime time.Time
	open     float64
	high     float64
	low      float64
	close    float64
	volume   float64
	started  bool
}

// New creates a bus with the given tick buffer size.
func New(logger ports.Logger, buffer int) *Bus {
	if buffer <= 0 {
		buffer = 1024
	}
	return &Bus{
		logger:     logger,
		tickCh:     make(chan tick, buffer),
		tickSubs:   make(map[string][]TickFunc),
		candleSubs: make(map[candleKey][]CandleFunc),
		builders:   make(map[candleKey]*builder),
	}
}

// ParseInterval converts a candle interval like "1m", "5m", "1h" or "1d" to
// a duration.
func ParseInterval(interval string) (time.Duration, error) {
	if len(interval) >= 2 && interval[len(interval)-1] == 'd' {
		var days int
		if _, err := fmt.Sscanf(interval, "%dd", &days); err == nil && days > 0 {
			return time.Duration(days) * 24 * time.Hour, nil
		}
	}
	d, err := time.ParseDuration(interval)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid candle interval %q", interval)
	}
	return d, nil
}

// SubscribeTicks registers a tick handler for a symbol.
// Registration must happen before Run.
func (b *Bus) SubscribeTicks(symbol string, fn TickFunc) {
	b.tickSubs[symbol] = append(b.tickSubs[symbol], fn)
}

// SubscribeCandles registers a closed-candle handler for (symbol, interval).
// Registration must happen before Run.
func (b *Bus) SubscribeCandles(symbol, interval string, fn CandleFunc) error {
	d, err := ParseInterval(interval)
	if err != nil {
		return err
	}
	key := candleKey{symbol: symbol, interval: interval}
	b.candleSubs[key] = append(b.candleSubs[key], fn)
	if _, ok := b.builders[key]; !ok {
		b.builders[key] = &builder{interval: d}
	}
	return nil
}

// Symbols returns the distinct symbols with at least one subscription.
func (b *Bus) Symbols() []string {
	seen := make(map[string]struct{})
	for s := range b.tickSubs {
		seen[s] = struct{}{}
	}
	for k := range b.candleSubs {
		seen[k.symbol] = struct{}{}
	}
	symbols := make([]string, 0, len(seen))
	for s := range seen {
		symbols = append(symbols, s)
	}
	return symbols
}

// Publish enqueues a tick for dispatch. Safe for concurrent use; drops the
// tick when the buffer is full rather than blocking the stream reader.
func (b *Bus) Publish(symbol string, price, qty float64, ts time.Time) {
	select {
	case b.tickCh <- tick{symbol: symbol, price: price, qty: qty, ts: ts}:
	default:
	}
}

// Run dispatches ticks and flushes candle boundaries until ctx is done.
// All handler invocations happen on this goroutine.
func (b *Bus) Run(ctx context.Context) {
	clock := time.NewTicker(time.Second)
	defer clock.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case t := <-b.tickCh:
			b.dispatch(t)
		case now := <-clock.C:
			b.flush(now)
		}
	}
}

func (b *Bus) dispatch(t tick) {
	for _, fn := range b.tickSubs[t.symbol] {
		fn(t.price, t.ts)
	}
	for key, agg := range b.builders {
		if key.symbol != t.symbol {
			continue
		}
		b.feed(key, agg, t)
	}
}

func (b *Bus) feed(key candleKey, agg *builder, t tick) {
	bucket := t.ts.Truncate(agg.interval)
	if agg.started && !bucket.Equal(agg.openTime) {
		b.emit(key, agg)
	}
	if !agg.started {
		agg.started = true
		agg.openTime = bucket
		agg.open = t.price
		agg.high = t.price
		agg.low = t.price
		agg.volume = 0
	}
	if t.price > agg.high {
		agg.high = t.price
	}
	if t.price < agg.low {
		agg.low = t.price
	}
	agg.close = t.price
	agg.volume += t.qty
}

// flush closes any candle whose interval has elapsed even without new ticks.
func (b *Bus) flush(now time.Time) {
	for key, agg := range b.builders {
		if !agg.started {
			continue
		}
		if now.Sub(agg.openTime) >= agg.interval {
			b.emit(key, agg)
		}
	}
}

func (b *Bus) emit(key candleKey, agg *builder) {
	c := &domain.Candle{
		Symbol:    key.symbol,
		Interval:  key.interval,
		OpenTime:  agg.openTime,
		CloseTime: agg.openTime.Add(agg.interval),
		Open:      agg.open,
		High:      agg.high,
		Low:       agg.low,
		Close:     agg.close,
		Volume:    agg.volume,
	}
	agg.started = false
	for _, fn := range b.candleSubs[key] {
		fn(c)
	}
}
