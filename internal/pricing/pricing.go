// Package pricing attributes a USD cost to completed requests from token
// counts and the model that served them.
package pricing

import (
	"strings"
	"time"

	"github.com/maypok86/otter/v2"

	ccflare "github.com/ccflare/ccflare/internal"
)

// Rate holds per-million-token prices in USD.
type Rate struct {
	Input         float64
	Output        float64
	CacheRead     float64
	CacheCreation float64
}

// Family rates, per 1M tokens. Unknown Anthropic models price as sonnet;
// OpenAI-side models carry their own entries.
var families = []struct {
	match string
	rate  Rate
}{
	{"opus", Rate{Input: 15, Output: 75, CacheRead: 1.50, CacheCreation: 18.75}},
	{"haiku", Rate{Input: 0.80, Output: 4, CacheRead: 0.08, CacheCreation: 1}},
	{"sonnet", Rate{Input: 3, Output: 15, CacheRead: 0.30, CacheCreation: 3.75}},
	{"gpt-4o-mini", Rate{Input: 0.15, Output: 0.60, CacheRead: 0.075}},
	{"gpt-4o", Rate{Input: 2.50, Output: 10, CacheRead: 1.25}},
}

var defaultRate = Rate{Input: 3, Output: 15, CacheRead: 0.30, CacheCreation: 3.75}

// Catalog resolves model names to rates. Resolution is a substring scan over
// the family table; resolved entries are cached so the hot path is one cache
// hit per model string.
type Catalog struct {
	cache *otter.Cache[string, Rate]
}

// NewCatalog returns a Catalog with a bounded resolution cache.
func NewCatalog() *Catalog {
	return &Catalog{
		cache: otter.Must(&otter.Options[string, Rate]{
			MaximumSize:      2048,
			ExpiryCalculator: otter.ExpiryWriting[string, Rate](time.Hour),
		}),
	}
}

// RateFor resolves the rate for a model name.
func (c *Catalog) RateFor(model string) Rate {
	if model == "" {
		return defaultRate
	}
	if r, ok := c.cache.GetIfPresent(model); ok {
		return r
	}
	r := resolve(model)
	c.cache.Set(model, r)
	return r
}

// Cost returns the estimated USD cost of a request.
func (c *Catalog) Cost(model string, tc ccflare.TokenCounts) float64 {
	r := c.RateFor(model)
	return (float64(tc.InputTokens)*r.Input +
		float64(tc.OutputTokens)*r.Output +
		float64(tc.CacheReadInputTokens)*r.CacheRead +
		float64(tc.CacheCreationInputTokens)*r.CacheCreation) / 1_000_000
}

func resolve(model string) Rate {
	lower := strings.ToLower(model)
	for _, f := range families {
		if strings.Contains(lower, f.match) {
			return f.rate
		}
	}
	return defaultRate
}
