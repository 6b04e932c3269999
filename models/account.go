package models

// Order is a single order event from the user.orders or user.changes streams.
// Deribit reports the state either as order_state (order events) or state
// (orders embedded in change summaries); EffectiveState hides the difference.
type Order struct {
	OrderID             string  `json:"order_id"`
	InstrumentName      string  `json:"instrument_name"`
	OrderState          string  `json:"order_state,omitempty"`
	State               string  `json:"state,omitempty"`
	Direction           string  `json:"direction"`
	Amount              float64 `json:"amount"`
	FilledAmount        float64 `json:"filled_amount"`
	Price               float64 `json:"price"`
	AveragePrice        float64 `json:"average_price"`
	OrderType           string  `json:"order_type"`
	TimeInForce         string  `json:"time_in_force"`
	Label               string  `json:"label"`
	CreationTimestamp   int64   `json:"creation_timestamp"`
	LastUpdateTimestamp int64   `json:"last_update_timestamp"`
}

// EffectiveState returns order_state when present and falls back to state.
func (o Order) EffectiveState() string {
	if o.OrderState != "" {
		return o.OrderState
	}
	return o.State
}

// Trade is an executed fill from the user.trades or user.changes streams.
type Trade struct {
	TradeID        string  `json:"trade_id"`
	OrderID        string  `json:"order_id"`
	InstrumentName string  `json:"instrument_name"`
	Direction      string  `json:"direction"`
	State          string  `json:"state"`
	Amount         float64 `json:"amount"`
	Price          float64 `json:"price"`
	Label          string  `json:"label"`
	Timestamp      int64   `json:"timestamp"`
}

// Position is a full position row; updates replace the cached row wholesale.
type Position struct {
	InstrumentName     string  `json:"instrument_name"`
	Kind               string  `json:"kind"`
	Direction          string  `json:"direction"`
	Size               float64 `json:"size"`
	SizeCurrency       float64 `json:"size_currency"`
	AveragePrice       float64 `json:"average_price"`
	MarkPrice          float64 `json:"mark_price"`
	FloatingProfitLoss float64 `json:"floating_profit_loss"`
	TotalProfitLoss    float64 `json:"total_profit_loss"`
	Leverage           float64 `json:"leverage"`
}

// UserChanges is the payload of user.changes.* subscriptions: a consolidated
// delta carrying the orders, trades and positions touched by one event.
type UserChanges struct {
	InstrumentName string     `json:"instrument_name"`
	Orders         []Order    `json:"orders"`
	Trades         []Trade    `json:"trades"`
	Positions      []Position `json:"positions"`
}
