package cache

import (
	"testing"

	"github.com/venoajie/ws-streamer/models"
)

func TestOrdersTradeRemovesOrder(t *testing.T) {
	orders := NewOrders()
	orders.Apply(models.Order{OrderID: "X", OrderState: "open", InstrumentName: "BTC-PERPETUAL"})
	if orders.Len() != 1 {
		t.Fatalf("len = %d, want 1", orders.Len())
	}

	orders.ApplyTrade(models.Trade{TradeID: "t-1", OrderID: "X"})
	if orders.Len() != 0 {
		t.Fatalf("order X should be removed after trade, cache: %+v", orders.All())
	}
}

func TestOrdersTerminalStatesRemoved(t *testing.T) {
	for _, state := range []string{"cancelled", "filled"} {
		t.Run(state, func(t *testing.T) {
			orders := NewOrders()
			orders.Apply(models.Order{OrderID: "a", OrderState: "open"})
			orders.Apply(models.Order{OrderID: "a", OrderState: state})
			if orders.Len() != 0 {
				t.Fatalf("order in state %q should be gone", state)
			}
		})
	}
}

func TestOrdersUpsertReplaces(t *testing.T) {
	orders := NewOrders()
	orders.Apply(models.Order{OrderID: "a", OrderState: "open", Amount: 10})
	orders.Apply(models.Order{OrderID: "a", OrderState: "open", Amount: 20})

	all := orders.All()
	if len(all) != 1 {
		t.Fatalf("len = %d, want 1", len(all))
	}
	if all[0].Amount != 20 {
		t.Fatalf("amount = %v, want 20", all[0].Amount)
	}
}

func TestOrdersStateKeyFallback(t *testing.T) {
	orders := NewOrders()
	orders.Apply(models.Order{OrderID: "a", State: "open"})
	if orders.Len() != 1 {
		t.Fatal("state-key order should be cached")
	}
	orders.Apply(models.Order{OrderID: "a", State: "filled"})
	if orders.Len() != 0 {
		t.Fatal("state-key terminal order should be removed")
	}
}

func TestPositionsReplaceByInstrument(t *testing.T) {
	positions := NewPositions()
	positions.Apply(models.Position{InstrumentName: "BTC-PERPETUAL", Size: 10})
	positions.Apply(models.Position{InstrumentName: "ETH-PERPETUAL", Size: 5})
	positions.Apply(models.Position{InstrumentName: "BTC-PERPETUAL", Size: -3})

	all := positions.All()
	if len(all) != 2 {
		t.Fatalf("len = %d, want 2", len(all))
	}
	for _, p := range all {
		if p.InstrumentName == "BTC-PERPETUAL" && p.Size != -3 {
			t.Fatalf("BTC position not replaced: %+v", p)
		}
	}
}

func TestTickersMergeRules(t *testing.T) {
	tickers := NewTickers()
	tickers.Seed("BTC-PERPETUAL", models.Ticker{
		"instrument_name": "BTC-PERPETUAL",
		"type":            "snapshot",
		"last_price":      100.0,
		"stats":           map[string]interface{}{"volume": 10.0, "high": 105.0},
	})

	tickers.Merge("BTC-PERPETUAL", models.Ticker{
		"instrument_name": "SHOULD-NOT-COPY",
		"type":            "change",
		"last_price":      101.0,
		"open_interest":   555.0,
		"stats":           map[string]interface{}{"volume": 12.0, "low": 95.0},
	})

	got := tickers.Get("BTC-PERPETUAL")
	if got["instrument_name"] != "BTC-PERPETUAL" {
		t.Fatalf("instrument_name overwritten: %v", got["instrument_name"])
	}
	if got["type"] != "snapshot" {
		t.Fatalf("type overwritten: %v", got["type"])
	}
	if got["last_price"] != 101.0 {
		t.Fatalf("last_price = %v, want 101", got["last_price"])
	}
	if got["open_interest"] != 555.0 {
		t.Fatalf("new scalar missing: %v", got["open_interest"])
	}

	stats := got["stats"].(map[string]interface{})
	if stats["volume"] != 12.0 {
		t.Fatalf("stats.volume = %v, want 12", stats["volume"])
	}
	if stats["high"] != 105.0 {
		t.Fatalf("stats.high lost: %v", stats["high"])
	}
	if stats["low"] != 95.0 {
		t.Fatalf("stats.low missing: %v", stats["low"])
	}
}

func TestTickersMergeWithoutSeed(t *testing.T) {
	tickers := NewTickers()
	tickers.Merge("ETH-PERPETUAL", models.Ticker{"last_price": 2000.0})

	got := tickers.Get("ETH-PERPETUAL")
	if got == nil || got["last_price"] != 2000.0 {
		t.Fatalf("ticker = %v", got)
	}
	if got["instrument_name"] != "ETH-PERPETUAL" {
		t.Fatalf("identity not set: %v", got["instrument_name"])
	}
}

func TestPortfolioReplacesByCurrency(t *testing.T) {
	portfolio := NewPortfolio()
	portfolio.Apply(models.PortfolioEntry{"currency": "BTC", "balance": 1.0})
	portfolio.Apply(models.PortfolioEntry{"currency": "ETH", "balance": 10.0})
	portfolio.Apply(models.PortfolioEntry{"currency": "BTC", "balance": 2.5})

	all := portfolio.All()
	if len(all) != 2 {
		t.Fatalf("len = %d, want 2", len(all))
	}
	for _, entry := range all {
		if entry["currency"] == "BTC" && entry["balance"] != 2.5 {
			t.Fatalf("BTC entry not replaced: %v", entry)
		}
	}
}

func TestPortfolioIgnoresEntriesWithoutCurrency(t *testing.T) {
	portfolio := NewPortfolio()
	portfolio.Apply(models.PortfolioEntry{"balance": 1.0})
	if portfolio.Len() != 0 {
		t.Fatal("entry without currency should be ignored")
	}
}
