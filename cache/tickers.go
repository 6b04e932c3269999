package cache

import (
	"github.com/venoajie/ws-streamer/models"
)

// Tickers merges incremental ticker updates into per-instrument snapshots.
// Incremental frames omit unchanged fields, so the cache keeps the union of
// everything seen and only overwrites the keys present in an update.
type Tickers struct {
	items map[string]models.Ticker
}

func NewTickers() *Tickers {
	return &Tickers{items: make(map[string]models.Ticker)}
}

// Seed installs a full snapshot for an instrument, typically fetched over
// REST before the stream starts.
func (t *Tickers) Seed(instrument string, snapshot models.Ticker) {
	copied := make(models.Ticker, len(snapshot))
	for k, v := range snapshot {
		copied[k] = v
	}
	t.items[instrument] = copied
}

// Merge applies an incremental update. Top-level scalars overwrite, the
// stats sub-object merges key by key, and the identity fields
// instrument_name and type are never copied from updates.
func (t *Tickers) Merge(instrument string, update models.Ticker) {
	current, ok := t.items[instrument]
	if !ok {
		current = models.Ticker{"instrument_name": instrument}
		t.items[instrument] = current
	}

	for key, value := range update {
		switch key {
		case "instrument_name", "type":
			continue
		case "stats":
			incoming, ok := value.(map[string]interface{})
			if !ok {
				continue
			}
			stats, ok := current["stats"].(map[string]interface{})
			if !ok {
				stats = make(map[string]interface{}, len(incoming))
				current["stats"] = stats
			}
			for statKey, statValue := range incoming {
				stats[statKey] = statValue
			}
		default:
			current[key] = value
		}
	}
}

// Get returns the snapshot for an instrument, or nil when unknown.
func (t *Tickers) Get(instrument string) models.Ticker {
	return t.items[instrument]
}

// Has reports whether a snapshot exists for the instrument.
func (t *Tickers) Has(instrument string) bool {
	_, ok := t.items[instrument]
	return ok
}

// All returns the cached snapshots keyed by instrument.
func (t *Tickers) All() map[string]models.Ticker {
	out := make(map[string]models.Ticker, len(t.items))
	for instrument, ticker := range t.items {
		out[instrument] = ticker
	}
	return out
}
