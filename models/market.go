package models

// Candle is one OHLC bar. Tick is the bar's open time in epoch milliseconds
// and doubles as the unique key inside the candle tables.
type Candle struct {
	Tick   int64   `json:"tick"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
	Cost   float64 `json:"cost,omitempty"`
}

// Instrument describes a tradable contract as returned by get_instruments.
type Instrument struct {
	InstrumentName      string  `json:"instrument_name"`
	Kind                string  `json:"kind"`
	BaseCurrency        string  `json:"base_currency"`
	QuoteCurrency       string  `json:"quote_currency"`
	SettlementCurrency  string  `json:"settlement_currency"`
	SettlementPeriod    string  `json:"settlement_period"`
	ExpirationTimestamp int64   `json:"expiration_timestamp"`
	TickSize            float64 `json:"tick_size"`
	ContractSize        float64 `json:"contract_size"`
	IsActive            bool    `json:"is_active"`
}

// Currency is one entry of get_currencies; only the symbol is consumed here.
type Currency struct {
	Currency        string `json:"currency"`
	CoinType        string `json:"coin_type"`
	FeePrecision    int    `json:"fee_precision"`
	MinConfirmation int    `json:"min_confirmations"`
}

// Ticker snapshots and portfolio summaries keep their raw shape because the
// exchange adds fields freely and the merge rules operate key by key.
type Ticker = map[string]interface{}

// PortfolioEntry is a per-currency margin summary, keyed by its currency field.
type PortfolioEntry = map[string]interface{}
