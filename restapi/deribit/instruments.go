package deribit

import (
	"github.com/venoajie/ws-streamer/internal/symbols"
	"github.com/venoajie/ws-streamer/models"
)

// FilterFutures keeps the future and future_combo instruments whose
// settlement period is in the allowed set. Spot rows never pass.
func FilterFutures(instruments []models.Instrument, settlementPeriods []string) []models.Instrument {
	allowed := make(map[string]struct{}, len(settlementPeriods))
	for _, period := range settlementPeriods {
		allowed[period] = struct{}{}
	}

	var futures []models.Instrument
	for _, instrument := range instruments {
		switch instrument.Kind {
		case "future", "future_combo":
		default:
			continue
		}
		if len(allowed) > 0 {
			if _, ok := allowed[instrument.SettlementPeriod]; !ok {
				continue
			}
		}
		futures = append(futures, instrument)
	}
	return futures
}

// InstrumentNames projects instrument names.
func InstrumentNames(instruments []models.Instrument) []string {
	names := make([]string, 0, len(instruments))
	for _, instrument := range instruments {
		names = append(names, instrument.InstrumentName)
	}
	return names
}

// Perpetuals returns the names of the perpetual contracts in the set.
func Perpetuals(instruments []models.Instrument) []string {
	var names []string
	for _, instrument := range instruments {
		if symbols.IsPerpetual(instrument.InstrumentName) {
			names = append(names, instrument.InstrumentName)
		}
	}
	return names
}

// MinExpiration returns the earliest expiry (epoch ms) among dated futures,
// or zero when the set only contains perpetuals.
func MinExpiration(instruments []models.Instrument) int64 {
	var min int64
	for _, instrument := range instruments {
		if symbols.IsPerpetual(instrument.InstrumentName) || instrument.ExpirationTimestamp == 0 {
			continue
		}
		if min == 0 || instrument.ExpirationTimestamp < min {
			min = instrument.ExpirationTimestamp
		}
	}
	return min
}
