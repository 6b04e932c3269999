package cache

import (
	"github.com/venoajie/ws-streamer/models"
)

// Positions tracks positions keyed by instrument name. Incoming rows are
// full snapshots, so an update replaces the cached row wholesale.
type Positions struct {
	items []models.Position
}

func NewPositions() *Positions {
	return &Positions{}
}

func (p *Positions) Seed(positions []models.Position) {
	p.items = append(p.items[:0], positions...)
}

// Apply replaces the position for the instrument, appending when new.
func (p *Positions) Apply(position models.Position) {
	for i, existing := range p.items {
		if existing.InstrumentName == position.InstrumentName {
			p.items = append(p.items[:i], p.items[i+1:]...)
			break
		}
	}
	p.items = append(p.items, position)
}

// All returns a copy of the cached positions.
func (p *Positions) All() []models.Position {
	out := make([]models.Position, len(p.items))
	copy(out, p.items)
	return out
}

func (p *Positions) Len() int {
	return len(p.items)
}
