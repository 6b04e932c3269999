package models

import (
	"testing"

	"github.com/goccy/go-json"
)

func TestOrderEffectiveState(t *testing.T) {
	cases := []struct {
		name  string
		order Order
		want  string
	}{
		{"order_state wins", Order{OrderState: "open", State: "filled"}, "open"},
		{"falls back to state", Order{State: "cancelled"}, "cancelled"},
		{"empty", Order{}, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.order.EffectiveState(); got != tc.want {
				t.Fatalf("EffectiveState() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestNewPubMessageShape(t *testing.T) {
	msg := NewPubMessage("user.portfolio.btc", map[string]interface{}{"currency": "BTC"})
	raw, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded struct {
		Method string `json:"method"`
		Params struct {
			Channel string                 `json:"channel"`
			Data    map[string]interface{} `json:"data"`
		} `json:"params"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Method != "subscription" {
		t.Fatalf("method = %q, want subscription", decoded.Method)
	}
	if decoded.Params.Channel != "user.portfolio.btc" {
		t.Fatalf("channel = %q", decoded.Params.Channel)
	}
	if decoded.Params.Data["currency"] != "BTC" {
		t.Fatalf("data = %v", decoded.Params.Data)
	}
}

func TestUserChangesDecode(t *testing.T) {
	payload := []byte(`{
		"instrument_name": "BTC-PERPETUAL",
		"orders": [{"order_id": "o-1", "order_state": "open", "amount": 10}],
		"trades": [{"trade_id": "t-1", "order_id": "o-1", "price": 64000.5}],
		"positions": [{"instrument_name": "BTC-PERPETUAL", "size": 10}]
	}`)
	var changes UserChanges
	if err := json.Unmarshal(payload, &changes); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(changes.Orders) != 1 || changes.Orders[0].OrderID != "o-1" {
		t.Fatalf("orders = %+v", changes.Orders)
	}
	if len(changes.Trades) != 1 || changes.Trades[0].Price != 64000.5 {
		t.Fatalf("trades = %+v", changes.Trades)
	}
	if changes.Positions[0].Size != 10 {
		t.Fatalf("positions = %+v", changes.Positions)
	}
}
