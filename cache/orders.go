// Package cache holds the in-memory projections of account and market state.
// Every cache is owned by the dispatcher goroutine: it is the single writer
// and reader, so the types carry no locks. Other components only ever see
// snapshots published over redis.
package cache

import (
	"github.com/venoajie/ws-streamer/models"
)

// Orders tracks currently open orders keyed by order id.
type Orders struct {
	items []models.Order
}

func NewOrders() *Orders {
	return &Orders{}
}

// Seed replaces the whole cache, used at startup from a REST snapshot.
func (o *Orders) Seed(orders []models.Order) {
	o.items = append(o.items[:0], orders...)
}

// Apply merges one order event. Terminal states (cancelled, filled) remove
// the order; anything else is an upsert keyed by order id.
func (o *Orders) Apply(order models.Order) {
	o.Remove(order.OrderID)
	switch order.EffectiveState() {
	case "cancelled", "filled":
		return
	}
	o.items = append(o.items, order)
}

// ApplyTrade removes the traded order unconditionally; a fill means the
// resting order is gone regardless of any stale cached state.
func (o *Orders) ApplyTrade(trade models.Trade) {
	o.Remove(trade.OrderID)
}

// Remove deletes the order with the given id and reports whether it existed.
func (o *Orders) Remove(orderID string) bool {
	for i, existing := range o.items {
		if existing.OrderID == orderID {
			o.items = append(o.items[:i], o.items[i+1:]...)
			return true
		}
	}
	return false
}

// All returns a copy of the open orders in insertion order.
func (o *Orders) All() []models.Order {
	out := make([]models.Order, len(o.items))
	copy(out, o.items)
	return out
}

func (o *Orders) Len() int {
	return len(o.items)
}
