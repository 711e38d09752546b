// Package catalog holds the card baselines: the seed cards shipped with the client plus
// cards created after launch.
package catalog

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"

	"github.com/MarcoPoloResearchLab/cardpoll/internal/activity"
	"gopkg.in/yaml.v3"
)

//go:embed seed.yaml
var embeddedSeed []byte

type seedFile struct {
	Cards []activity.CardBaseline `yaml:"cards"`
}

// Catalog is an ordered, immutable set of card baselines.
type Catalog struct {
	cards []activity.CardBaseline
	index map[string]int
}

// Default returns the catalog shipped with the binary.
func Default() (*Catalog, error) {
	return Parse(embeddedSeed)
}

// Load reads a YAML seed file. An empty path selects the embedded seed.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Default()
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: read %s: %w", path, err)
	}
	return Parse(raw)
}

// Parse decodes a YAML seed document. Unknown fields and duplicate ids are rejected.
func Parse(raw []byte) (*Catalog, error) {
	decoder := yaml.NewDecoder(bytes.NewReader(raw))
	decoder.KnownFields(true)
	var seed seedFile
	if err := decoder.Decode(&seed); err != nil {
		return nil, fmt.Errorf("catalog: decode seed: %w", err)
	}
	return New(seed.Cards)
}

// New builds a catalog from baselines, validating each one.
func New(cards []activity.CardBaseline) (*Catalog, error) {
	catalog := &Catalog{
		cards: make([]activity.CardBaseline, 0, len(cards)),
		index: make(map[string]int, len(cards)),
	}
	for _, card := range cards {
		if card.ID == "" {
			return nil, fmt.Errorf("catalog: card %q has no id", card.Question)
		}
		if err := card.Validate(); err != nil {
			return nil, fmt.Errorf("catalog: card %s: %w", card.ID, err)
		}
		if _, dup := catalog.index[card.ID]; dup {
			return nil, fmt.Errorf("catalog: duplicate card id %s", card.ID)
		}
		catalog.index[card.ID] = len(catalog.cards)
		catalog.cards = append(catalog.cards, card)
	}
	return catalog, nil
}

// Lookup returns the baseline of cardID.
func (c *Catalog) Lookup(cardID string) (activity.CardBaseline, bool) {
	position, ok := c.index[cardID]
	if !ok {
		return activity.CardBaseline{}, false
	}
	return c.cards[position], true
}

// All returns every baseline in catalog order.
func (c *Catalog) All() []activity.CardBaseline {
	return append([]activity.CardBaseline(nil), c.cards...)
}

// Len reports the number of cards.
func (c *Catalog) Len() int {
	return len(c.cards)
}

// WithCreated returns a catalog with created cards ahead of the existing ones, newest
// first. Created cards whose id is already present are skipped.
func (c *Catalog) WithCreated(created []activity.CreatedCard) *Catalog {
	combined := &Catalog{
		cards: make([]activity.CardBaseline, 0, len(created)+len(c.cards)),
		index: make(map[string]int, len(created)+len(c.cards)),
	}
	add := func(card activity.CardBaseline) {
		if card.ID == "" {
			return
		}
		if _, dup := combined.index[card.ID]; dup {
			return
		}
		combined.index[card.ID] = len(combined.cards)
		combined.cards = append(combined.cards, card)
	}
	for _, entry := range created {
		if _, seeded := c.index[entry.Card.ID]; seeded {
			continue
		}
		add(entry.Card)
	}
	for _, card := range c.cards {
		add(card)
	}
	return combined
}
