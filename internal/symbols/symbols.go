package symbols

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	chartPrefix  = "chart.trades."
	tickerPrefix = "incremental_ticker."
)

// CurrencyFromInstrument extracts the lower-cased base currency from an
// instrument name, e.g. BTC-PERPETUAL -> btc, ETH-7FEB25 -> eth. Names
// without a separator are returned lower-cased as-is.
func CurrencyFromInstrument(instrument string) string {
	base, _, _ := strings.Cut(instrument, "-")
	return strings.ToLower(base)
}

// CurrencyFromChannel extracts the lower-cased currency from the channel
// families carrying an instrument or currency segment. It returns an empty
// string for account-wide channels where the currency only exists in the
// payload.
func CurrencyFromChannel(channel string) string {
	switch {
	case strings.HasPrefix(channel, "user.portfolio."):
		return strings.ToLower(strings.TrimPrefix(channel, "user.portfolio."))
	case strings.HasPrefix(channel, tickerPrefix):
		return CurrencyFromInstrument(strings.TrimPrefix(channel, tickerPrefix))
	case strings.HasPrefix(channel, chartPrefix):
		instrument, _, ok := ParseChartChannel(channel)
		if !ok {
			return ""
		}
		return CurrencyFromInstrument(instrument)
	default:
		return ""
	}
}

// IsPerpetual reports whether the instrument is a perpetual swap.
func IsPerpetual(instrument string) bool {
	return strings.Contains(strings.ToUpper(instrument), "PERPETUAL")
}

// InstrumentFromTickerChannel returns the instrument carried by an
// incremental_ticker channel.
func InstrumentFromTickerChannel(channel string) (string, bool) {
	if !strings.HasPrefix(channel, tickerPrefix) {
		return "", false
	}
	return strings.TrimPrefix(channel, tickerPrefix), true
}

// ParseChartChannel splits chart.trades.{instrument}.{resolution} into its
// parts. The instrument segment never contains dots so a single cut from the
// right is sufficient.
func ParseChartChannel(channel string) (instrument, resolution string, ok bool) {
	if !strings.HasPrefix(channel, chartPrefix) {
		return "", "", false
	}
	rest := strings.TrimPrefix(channel, chartPrefix)
	idx := strings.LastIndex(rest, ".")
	if idx <= 0 || idx == len(rest)-1 {
		return "", "", false
	}
	return rest[:idx], rest[idx+1:], true
}

// ResolutionMs converts a chart resolution to the bar interval in epoch
// milliseconds. Numeric resolutions are minutes; 1D is the only special unit.
func ResolutionMs(resolution string) (int64, error) {
	if strings.EqualFold(resolution, "1D") {
		return 24 * 60 * 60 * 1000, nil
	}
	minutes, err := strconv.ParseInt(resolution, 10, 64)
	if err != nil || minutes <= 0 {
		return 0, fmt.Errorf("invalid chart resolution %q", resolution)
	}
	return minutes * 60 * 1000, nil
}

// OHLCTable names the candle table for a resolution and currency, e.g.
// ohlc5_btc_perp_json.
func OHLCTable(resolution, currency string) string {
	return fmt.Sprintf("ohlc%s_%s_perp_json", resolution, strings.ToLower(currency))
}
