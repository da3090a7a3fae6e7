package provider

import (
	"slices"
	"strings"
	"time"

	"github.com/maypok86/otter/v2"

	ccflare "github.com/ccflare/ccflare/internal"
)

const (
	mapCacheTTL = time.Minute // mappings change through admin ops, rarely
	mapCacheLen = 1_000
)

// ModelMapper resolves per-account model name mappings. Mapping keys are
// matched case-insensitively as substrings of the requested model, longest
// key first, so "claude-3-5-haiku" beats "haiku" when both are configured.
type ModelMapper struct {
	cache *otter.Cache[string, []string] // account ID -> keys by descending length
}

// NewModelMapper returns a ModelMapper with an empty cache.
func NewModelMapper() (*ModelMapper, error) {
	c, err := otter.New(&otter.Options[string, []string]{
		MaximumSize:      mapCacheLen,
		ExpiryCalculator: otter.ExpiryWriting[string, []string](mapCacheTTL),
	})
	if err != nil {
		return nil, err
	}
	return &ModelMapper{cache: c}, nil
}

// Map resolves the upstream model for a requested one. The account's own
// mappings are consulted first, then defaults; an unmatched model passes
// through unchanged.
func (m *ModelMapper) Map(a *ccflare.Account, model string, defaults map[string]string) string {
	if mapped, ok := m.lookup(a, model); ok {
		return mapped
	}
	if mapped, ok := matchMapping(sortedKeys(defaults), defaults, model); ok {
		return mapped
	}
	return model
}

// Invalidate drops an account's cached key order after its mappings change.
func (m *ModelMapper) Invalidate(accountID string) {
	m.cache.Invalidate(accountID)
}

func (m *ModelMapper) lookup(a *ccflare.Account, model string) (string, bool) {
	if len(a.ModelMappings) == 0 {
		return "", false
	}
	keys, ok := m.cache.GetIfPresent(a.ID)
	if !ok {
		keys = sortedKeys(a.ModelMappings)
		m.cache.Set(a.ID, keys)
	}
	return matchMapping(keys, a.ModelMappings, model)
}

func matchMapping(keys []string, mappings map[string]string, model string) (string, bool) {
	lower := strings.ToLower(model)
	for _, k := range keys {
		if strings.Contains(lower, strings.ToLower(k)) {
			if v, ok := mappings[k]; ok {
				return v, true
			}
		}
	}
	return "", false
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	// Longest first; ties break lexically for determinism.
	slices.SortFunc(keys, func(a, b string) int {
		if d := len(b) - len(a); d != 0 {
			return d
		}
		return strings.Compare(a, b)
	})
	return keys
}
