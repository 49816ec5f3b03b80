package orders

import (
	"sync"

	"ocbot/internal/ports"
)

// StatusCache holds the latest order update per venue order id. Written by
// the account-stream task only; read by the position monitor's fill
// detection. The confirmation monitor receives stream events directly.
type StatusCache struct {
	mu   sync.RWMutex
	byID map[int64]*ports.OrderUpdate
}

// NewStatusCache creates an empty cache.
func NewStatusCache() *StatusCache {
	return &StatusCache{byID: make(map[int64]*ports.OrderUpdate)}
}

// Apply records an update, keeping only the newest event per order.
func (c *StatusCache) Apply(u *ports.OrderUpdate) {
	if u == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.byID[u.OrderID]; ok && prev.EventTime.After(u.EventTime) {
		return
	}
	c.byID[u.OrderID] = u
}

// Get returns the latest update for an order id, or nil.
func (c *StatusCache) Get(orderID int64) *ports.OrderUpdate {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.byID[orderID]
}

// Forget drops a terminal order from the cache.
func (c *StatusCache) Forget(orderID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.byID, orderID)
}
