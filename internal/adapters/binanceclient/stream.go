package binanceclient

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"ocbot/internal/ports"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/jpillora/backoff"
)

const keepaliveInterval = 25 * time.Minute

// AccountStream starts the user-data stream and pushes decoded events until
// ctx is done. Reconnects transparently, renewing the listen key as needed.
func (c *Client) AccountStream(ctx context.Context) (<-chan ports.AccountEvent, error) {
	op := "AccountStream"

	listenKey, err := c.newListenKey(ctx)
	if err != nil {
		return nil, err
	}

	out := make(chan ports.AccountEvent, 64)

	emit := func(ev ports.AccountEvent) {
		select {
		case out <- ev:
		case <-ctx.Done():
		}
	}

	handler := func(event *futures.WsUserDataEvent) {
		switch event.Event {
		case futures.UserDataEventTypeOrderTradeUpdate:
			u := event.OrderTradeUpdate
			avgPrice, _ := strconv.ParseFloat(u.AveragePrice, 64)
			filledQty, _ := strconv.ParseFloat(u.AccumulatedFilledQty, 64)
			emit(ports.AccountEvent{
				Type: ports.EventOrderUpdate,
				Order: &ports.OrderUpdate{
					Symbol:       u.Symbol,
					OrderID:      u.ID,
					ClientToken:  u.ClientOrderID,
					Status:       string(u.Status),
					Type:         string(u.Type),
					Side:         string(u.Side),
					ReduceOnly:   u.IsReduceOnly,
					AvgFillPrice: avgPrice,
					FilledQty:    filledQty,
					EventTime:    time.UnixMilli(event.Time),
				},
			})
		case futures.UserDataEventTypeAccountUpdate:
			emit(ports.AccountEvent{Type: ports.EventAccountUpdate})
		case futures.UserDataEventTypeListenKeyExpired:
			emit(ports.AccountEvent{Type: ports.EventListenKeyExpired})
		default:
			// Unknown events are logged and dropped.
			c.logger.Debug(ctx, op+": dropping unknown user-data event", map[string]interface{}{"event": event.Event})
		}
	}

	// Keepalive loop; an expired key is also recovered by the reconnect loop.
	go func() {
		ticker := time.NewTicker(keepaliveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				kctx, cancel := c.callContext(ctx, false)
				err := c.futuresClient.NewKeepaliveUserStreamService().ListenKey(listenKey).Do(kctx)
				cancel()
				if err != nil {
					c.logger.Warn(ctx, op+": listen key keepalive failed", map[string]interface{}{"error": err.Error()})
				}
			}
		}
	}()

	go func() {
		defer close(out)
		boff := &backoff.Backoff{Min: c.reconnectDelay, Max: time.Minute, Factor: 2, Jitter: true}
		attempts := 0
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			errCh := make(chan error, 1)
			doneCh, stopCh, err := futures.WsUserDataServe(listenKey, handler, func(err error) {
				select {
				case errCh <- err:
				default:
				}
			})
			if err != nil {
				attempts++
				if attempts >= c.maxReconnectAttempts {
					c.logger.Error(ctx, err, op+": max reconnection attempts exceeded, giving up")
					return
				}
				delay := boff.Duration()
				c.logger.Warn(ctx, op+": connection failed, retrying", map[string]interface{}{"attempt": attempts, "delay": delay.String()})
				select {
				case <-time.After(delay):
					continue
				case <-ctx.Done():
					return
				}
			}
			attempts = 0
			boff.Reset()
			c.logger.Info(ctx, op+": user-data stream connected")

			select {
			case <-doneCh:
				c.logger.Warn(ctx, op+": user-data stream closed, reconnecting")
			case wsErr := <-errCh:
				c.logger.Warn(ctx, op+": user-data stream error, reconnecting", map[string]interface{}{"error": wsErr.Error()})
			case <-ctx.Done():
				close(stopCh)
				return
			}

			// Renew the listen key before reconnecting; the old one may be gone.
			if key, kerr := c.newListenKey(ctx); kerr == nil {
				listenKey = key
			}
		}
	}()

	return out, nil
}

func (c *Client) newListenKey(ctx context.Context) (string, error) {
	op := "newListenKey"
	if err := c.sched.Acquire(ctx, ClassSigned, false); err != nil {
		return "", fmt.Errorf("%s scheduling failed: %w", op, err)
	}
	cctx, cancel := c.callContext(ctx, false)
	defer cancel()
	key, err := c.futuresClient.NewStartUserStreamService().Do(cctx)
	if err != nil {
		return "", c.handleError(ctx, err, op)
	}
	c.sched.ReportSuccess()
	return key, nil
}

// StreamTicks subscribes to last-trade ticks for the given symbols, feeding
// both the adapter's price cache and the caller's handler.
func (c *Client) StreamTicks(ctx context.Context, symbols []string, handler ports.TickHandler) error {
	op := "StreamTicks"
	if len(symbols) == 0 {
		return fmt.Errorf("%s: no symbols to subscribe", op)
	}

	normalized := make([]string, 0, len(symbols))
	for _, s := range symbols {
		normalized = append(normalized, NormalizeSymbol(s))
	}

	wsHandler := func(event *futures.WsAggTradeEvent) {
		price, err := strconv.ParseFloat(event.Price, 64)
		if err != nil {
			return
		}
		qty, _ := strconv.ParseFloat(event.Quantity, 64)
		ts := time.UnixMilli(event.Time)
		c.recordTick(event.Symbol, price, ts)
		handler(event.Symbol, price, qty, ts)
	}

	go func() {
		boff := &backoff.Backoff{Min: c.reconnectDelay, Max: time.Minute, Factor: 2, Jitter: true}
		attempts := 0
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			errCh := make(chan error, 1)
			doneCh, stopCh, err := futures.WsCombinedAggTradeServe(normalized, wsHandler, func(err error) {
				select {
				case errCh <- err:
				default:
				}
			})
			if err != nil {
				attempts++
				if attempts >= c.maxReconnectAttempts {
					c.logger.Error(ctx, err, op+": max reconnection attempts exceeded, giving up", map[string]interface{}{"symbols": normalized})
					return
				}
				delay := boff.Duration()
				c.logger.Warn(ctx, op+": connection failed, retrying", map[string]interface{}{"attempt": attempts, "delay": delay.String()})
				select {
				case <-time.After(delay):
					continue
				case <-ctx.Done():
					return
				}
			}
			attempts = 0
			boff.Reset()
			c.logger.Info(ctx, op+": trade stream connected", map[string]interface{}{"symbols": normalized})

			select {
			case <-doneCh:
				c.logger.Warn(ctx, op+": trade stream closed, reconnecting")
			case wsErr := <-errCh:
				c.logger.Warn(ctx, op+": trade stream error, reconnecting", map[string]interface{}{"error": wsErr.Error()})
			case <-ctx.Done():
				close(stopCh)
				return
			}
		}
	}()

	return nil
}
