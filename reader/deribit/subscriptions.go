package deribit

import (
	"github.com/venoajie/ws-streamer/internal/symbols"
	"github.com/venoajie/ws-streamer/models"
)

// Account-wide change feeds are scoped by instrument kind; orders and trades
// cover everything in one channel each.
var changeKinds = []string{"future", "future_combo"}

// BuildChannels assembles the subscription list for a session: the
// account-wide channels, a ticker feed per instrument, and for perpetuals
// additionally the per-currency portfolio feed and one chart feed per
// resolution.
func BuildChannels(instruments []models.Instrument, resolutions []string) []string {
	channels := make([]string, 0, 4+len(instruments)*(1+len(resolutions)))

	for _, kind := range changeKinds {
		channels = append(channels, "user.changes."+kind+".any.raw")
	}
	channels = append(channels, "user.orders.any.any.raw", "user.trades.any.any.raw")

	seenCurrencies := make(map[string]struct{})
	for _, instrument := range instruments {
		name := instrument.InstrumentName
		channels = append(channels, "incremental_ticker."+name)

		if !symbols.IsPerpetual(name) {
			continue
		}

		currency := symbols.CurrencyFromInstrument(name)
		if _, ok := seenCurrencies[currency]; !ok {
			seenCurrencies[currency] = struct{}{}
			channels = append(channels, "user.portfolio."+currency)
		}

		for _, resolution := range resolutions {
			channels = append(channels, "chart.trades."+name+"."+resolution)
		}
	}

	return channels
}
