package cache

import (
	"strings"

	"github.com/venoajie/ws-streamer/models"
)

// Portfolio holds one margin summary per currency.
type Portfolio struct {
	entries []models.PortfolioEntry
}

func NewPortfolio() *Portfolio {
	return &Portfolio{}
}

// Apply replaces the entry for the update's currency, appending when the
// currency is new. Updates without a currency field are ignored.
func (p *Portfolio) Apply(entry models.PortfolioEntry) {
	currency := entryCurrency(entry)
	if currency == "" {
		return
	}
	for i, existing := range p.entries {
		if entryCurrency(existing) == currency {
			p.entries = append(p.entries[:i], p.entries[i+1:]...)
			break
		}
	}
	p.entries = append(p.entries, entry)
}

// All returns a copy of the per-currency entries.
func (p *Portfolio) All() []models.PortfolioEntry {
	out := make([]models.PortfolioEntry, len(p.entries))
	copy(out, p.entries)
	return out
}

func (p *Portfolio) Len() int {
	return len(p.entries)
}

func entryCurrency(entry models.PortfolioEntry) string {
	currency, _ := entry["currency"].(string)
	return strings.ToUpper(currency)
}
